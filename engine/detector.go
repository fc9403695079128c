package engine

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	iface "SignDetServer/interface"
	"SignDetServer/logger"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// letterboxFill is the grey Ultralytics pads letterboxed inputs with.
var letterboxFill = gocv.NewScalar(114, 114, 114, 0)

// Detector wraps one YOLOv8 ONNX network loaded through OpenCV's dnn module.
type Detector struct {
	ModelPath string
	Names     []string
	Conf      float32
	Iou       float32
	InputSize int
	UseGPU    bool
	State     int

	mu  sync.Mutex
	net gocv.Net
}

// NewDetector validates cfg and loads the weights file. A missing or
// unreadable file is an error.
func NewDetector(cfg iface.EngineConfig) (*Detector, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("model path cannot be empty")
	}
	if strings.ToLower(filepath.Ext(cfg.ModelPath)) != ".onnx" {
		return nil, fmt.Errorf("only .onnx weights are supported, got %s", cfg.ModelPath)
	}
	if cfg.Conf < 0 || cfg.Conf > 1 {
		return nil, fmt.Errorf("confidence must be between 0.0 and 1.0, got %f", cfg.Conf)
	}
	if cfg.Iou < 0 || cfg.Iou > 1 {
		return nil, fmt.Errorf("IoU must be between 0.0 and 1.0, got %f", cfg.Iou)
	}
	if cfg.InputSize <= 0 || cfg.InputSize%32 != 0 {
		return nil, fmt.Errorf("input size must be a positive multiple of 32, got %d", cfg.InputSize)
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("weights file: %w", err)
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network from %s", cfg.ModelPath)
	}
	backend, target := gocv.NetBackendDefault, gocv.NetTargetCPU
	if cfg.UseGPU {
		backend, target = gocv.NetBackendCUDA, gocv.NetTargetCUDA
	}
	errBackend := net.SetPreferableBackend(backend)
	errTarget := net.SetPreferableTarget(target)
	if errBackend != nil || errTarget != nil {
		_ = net.Close()
		return nil, fmt.Errorf("failed to set preferable backend or target")
	}

	d := &Detector{
		ModelPath: cfg.ModelPath,
		Names:     append([]string(nil), cfg.Names...),
		Conf:      cfg.Conf,
		Iou:       cfg.Iou,
		InputSize: cfg.InputSize,
		UseGPU:    cfg.UseGPU,
		State:     IDLE,
		net:       net,
	}
	if cfg.UseGPU {
		d.warmUp()
	}
	return d, nil
}

// warmUp runs a few passes on a small black frame so the first real request
// does not pay for CUDA initialisation.
func (d *Detector) warmUp() {
	warmMat := gocv.NewMatWithSize(32, 32, gocv.MatTypeCV8UC3)
	defer warmMat.Close()
	for i := 0; i < 3; i++ {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Log().Warn("panic during warmup detect", zap.Any("panic", r))
				}
			}()
			_, _ = d.Detect(warmMat)
		}()
	}
	logger.Log().Info("warm up finished", zap.String("weights", d.ModelPath))
}

func (d *Detector) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{
		UseGPU:    d.UseGPU,
		ModelPath: d.ModelPath,
		Names:     append([]string(nil), d.Names...),
		Conf:      d.Conf,
		Iou:       d.Iou,
		InputSize: d.InputSize,
	}
}

// Detect runs one forward pass over a BGR frame. img is not modified.
func (d *Detector) Detect(img gocv.Mat) (iface.RetData, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State == UNREGISTERED {
		return iface.RetData{}, ErrNotLoaded
	}
	if img.Empty() {
		return iface.RetData{}, ErrEmptyImage
	}
	if img.Channels() != 3 {
		return iface.RetData{}, fmt.Errorf("expected a 3 channel BGR image, got %d channels", img.Channels())
	}
	d.State = BUSY
	defer func() { d.State = IDLE }()

	blob, scale := letterbox(img, d.InputSize)
	defer blob.Close()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	dims := out.Size()
	if len(dims) != 3 || dims[1] < 5 {
		return iface.RetData{}, fmt.Errorf("unexpected output shape %v", dims)
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return iface.RetData{}, fmt.Errorf("read output: %w", err)
	}
	cands := decodeYOLO(data, dims[1], dims[2], d.Conf, scale, img.Cols(), img.Rows())
	var keep []int
	if len(cands) > 0 {
		rects, scores := nmsInput(cands)
		keep = gocv.NMSBoxes(rects, scores, d.Conf, d.Iou)
	}
	return d.group(cands, keep), nil
}

// group turns the kept candidates into per-class results. Every known class
// has an entry, possibly empty.
func (d *Detector) group(cands []candidate, keep []int) iface.RetData {
	resultDict := make(map[string][]iface.Result, len(d.Names))
	for _, name := range d.Names {
		resultDict[name] = []iface.Result{}
	}
	for _, idx := range keep {
		if idx < 0 || idx >= len(cands) {
			continue
		}
		c := cands[idx]
		box := iface.NewBox(c.x1, c.y1, c.x2, c.y2)
		name := className(d.Names, c.classID)
		resultDict[name] = append(resultDict[name], iface.Result{
			ClassID: c.classID,
			Conf:    c.score,
			Box:     box,
			Center:  box.Center(),
		})
	}
	return iface.RetData{Success: true, Data: resultDict}
}

func (d *Detector) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State != UNREGISTERED {
		_ = d.net.Close()
	}
	d.ModelPath = ""
	d.Conf = 0
	d.Iou = 0
	d.UseGPU = false
	d.State = UNREGISTERED
}

// letterbox pads img to a square (top-left anchored) and builds an NCHW blob
// at size x size. The returned scale maps blob coordinates back to img.
func letterbox(img gocv.Mat, size int) (gocv.Mat, float32) {
	side := img.Cols()
	if img.Rows() > side {
		side = img.Rows()
	}
	canvas := gocv.NewMatWithSizeFromScalar(letterboxFill, side, side, gocv.MatTypeCV8UC3)
	defer canvas.Close()
	roi := canvas.Region(image.Rect(0, 0, img.Cols(), img.Rows()))
	img.CopyTo(&roi)
	roi.Close()

	blob := gocv.BlobFromImage(canvas, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	return blob, float32(side) / float32(size)
}
