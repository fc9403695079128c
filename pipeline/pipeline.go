// Package pipeline runs decoded frames through the detector and renderer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"SignDetServer/engine"
	iface "SignDetServer/interface"
	"SignDetServer/logger"
	"SignDetServer/media"
	"SignDetServer/monitor"
	"SignDetServer/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const defaultFPS = 25

// ErrInvalidImage marks uploads that could not be decoded.
var ErrInvalidImage = errors.New("invalid image")

// Recorder keeps the run history. store.Store satisfies it.
type Recorder interface {
	Start(ctx context.Context, kind, source string) (string, error)
	Finish(ctx context.Context, id string, sum store.Summary) error
}

type Processor struct {
	Engine    iface.Engine
	Recorder  Recorder
	Open      media.OpenFunc
	OutputDir string
}

// New builds a Processor reading videos with OpenCV. rec may be nil.
func New(eng iface.Engine, rec Recorder, outputDir string) *Processor {
	return &Processor{
		Engine:    eng,
		Recorder:  rec,
		Open:      media.OpenVideo,
		OutputDir: outputDir,
	}
}

type ImageResult struct {
	RunID      string            `json:"runId"`
	Original   []byte            `json:"-"`
	Annotated  []byte            `json:"-"`
	Detections []iface.Detection `json:"detections"`
	Elapsed    time.Duration     `json:"-"`
}

// ProcessImage decodes buf, detects and returns the original and annotated
// frames as JPEG.
func (p *Processor) ProcessImage(ctx context.Context, name string, buf []byte) (*ImageResult, error) {
	runID := p.start(ctx, store.KindImage, name)
	res, err := p.processImage(ctx, buf)
	sum := store.Summary{Err: err}
	if res != nil {
		res.RunID = runID
		sum.Frames = 1
		sum.Detections = len(res.Detections)
		sum.PerClass = countClasses(res.Detections)
	}
	p.finish(ctx, runID, sum)
	return res, err
}

func (p *Processor) processImage(ctx context.Context, buf []byte) (*ImageResult, error) {
	img, err := media.DecodeImage(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	defer img.Close()

	start := time.Now()
	ret, err := p.Engine.Detect(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	elapsed := time.Since(start)
	monitor.ObserveDetections(store.KindImage, elapsed, ret.PerClass())

	annotated, err := engine.Render(img, ret)
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	defer annotated.Close()

	original, err := media.EncodeJPEG(img)
	if err != nil {
		return nil, err
	}
	out, err := media.EncodeJPEG(annotated)
	if err != nil {
		return nil, err
	}
	return &ImageResult{
		Original:   original,
		Annotated:  out,
		Detections: ret.Flatten(),
		Elapsed:    elapsed,
	}, nil
}

// Frame is one annotated video frame. Image is only valid during the sink call.
type Frame struct {
	Index   int
	Image   gocv.Mat
	Result  iface.RetData
	Elapsed time.Duration
}

// FrameSink receives every annotated frame. Returning an error stops the run.
type FrameSink func(f Frame) error

type VideoSummary struct {
	RunID      string          `json:"runId"`
	Frames     int             `json:"frames"`
	Detections int             `json:"detections"`
	PerClass   map[string]int  `json:"perClass"`
	Output     string          `json:"output,omitempty"`
	Info       media.VideoInfo `json:"info"`
	Elapsed    time.Duration   `json:"elapsed"`
}

// ProcessTempFile processes a video from the temp store and removes the
// file afterwards, whatever the outcome.
func (p *Processor) ProcessTempFile(ctx context.Context, kind, name, path string, sink FrameSink) (*VideoSummary, error) {
	defer media.Remove(path)
	return p.ProcessVideoFile(ctx, kind, name, path, sink)
}

// ProcessVideoFile opens path and runs ProcessVideo over it.
func (p *Processor) ProcessVideoFile(ctx context.Context, kind, name, path string, sink FrameSink) (*VideoSummary, error) {
	open := p.Open
	if open == nil {
		open = media.OpenVideo
	}
	src, err := open(path)
	if err != nil {
		runID := p.start(ctx, kind, name)
		p.finish(ctx, runID, store.Summary{Err: err})
		return nil, err
	}
	defer src.Close()
	return p.ProcessVideo(ctx, src, kind, name, sink)
}

// ProcessVideo reads src frame by frame until it is exhausted, detecting and
// rendering each frame. ctx is checked between frames.
func (p *Processor) ProcessVideo(ctx context.Context, src media.FrameSource, kind, name string, sink FrameSink) (*VideoSummary, error) {
	monitor.ActiveJobs.Inc()
	defer monitor.ActiveJobs.Dec()

	sum := &VideoSummary{
		RunID:    p.start(ctx, kind, name),
		PerClass: make(map[string]int),
		Info:     src.Info(),
	}
	begin := time.Now()
	err := p.runFrames(ctx, src, kind, sink, sum)
	sum.Elapsed = time.Since(begin)

	p.finish(ctx, sum.RunID, store.Summary{
		Frames:     sum.Frames,
		Detections: sum.Detections,
		PerClass:   sum.PerClass,
		Err:        err,
	})
	logger.Log().Info("video run finished",
		zap.String("run", sum.RunID),
		zap.String("kind", kind),
		zap.String("source", name),
		zap.Int("frames", sum.Frames),
		zap.Int("detections", sum.Detections),
		zap.Duration("elapsed", sum.Elapsed),
		zap.Error(err))
	return sum, err
}

func (p *Processor) runFrames(ctx context.Context, src media.FrameSource, kind string, sink FrameSink, sum *VideoSummary) error {
	frame := gocv.NewMat()
	defer frame.Close()

	var writer *gocv.VideoWriter
	defer func() {
		if writer != nil {
			_ = writer.Close()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !src.Read(&frame) {
			return nil
		}

		start := time.Now()
		ret, err := p.Engine.Detect(ctx, frame)
		if err != nil {
			return fmt.Errorf("frame %d: %w", sum.Frames, err)
		}
		elapsed := time.Since(start)
		perClass := ret.PerClass()
		monitor.ObserveDetections(kind, elapsed, perClass)

		annotated, err := engine.Render(frame, ret)
		if err != nil {
			annotated.Close()
			return fmt.Errorf("frame %d: %w", sum.Frames, err)
		}

		if p.OutputDir != "" && writer == nil {
			writer, err = p.openWriter(sum, annotated.Cols(), annotated.Rows())
			if err != nil {
				annotated.Close()
				return err
			}
		}
		if writer != nil {
			if err := writer.Write(annotated); err != nil {
				annotated.Close()
				return fmt.Errorf("write output: %w", err)
			}
		}

		if sink != nil {
			err = sink(Frame{Index: sum.Frames, Image: annotated, Result: ret, Elapsed: elapsed})
		}
		annotated.Close()

		sum.Frames++
		for name, n := range perClass {
			sum.PerClass[name] += n
			sum.Detections += n
		}
		if err != nil {
			return err
		}
	}
}

func (p *Processor) openWriter(sum *VideoSummary, width, height int) (*gocv.VideoWriter, error) {
	if err := os.MkdirAll(p.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	fps := sum.Info.FPS
	if fps <= 0 || fps > 240 {
		fps = defaultFPS
	}
	path := filepath.Join(p.OutputDir, sum.RunID+".mp4")
	w, err := gocv.VideoWriterFile(path, "mp4v", fps, width, height, true)
	if err != nil {
		return nil, fmt.Errorf("open output %s: %w", path, err)
	}
	if !w.IsOpened() {
		_ = w.Close()
		return nil, errors.New("open output " + path + ": writer not opened")
	}
	sum.Output = path
	return w, nil
}

func (p *Processor) start(ctx context.Context, kind, name string) string {
	if p.Recorder == nil {
		return uuid.New().String()
	}
	id, err := p.Recorder.Start(ctx, kind, name)
	if err != nil {
		logger.Log().Warn("failed to record run start", zap.String("kind", kind), zap.Error(err))
		return uuid.New().String()
	}
	return id
}

func (p *Processor) finish(ctx context.Context, id string, sum store.Summary) {
	if p.Recorder == nil {
		return
	}
	// a cancelled run is still recorded
	if err := p.Recorder.Finish(context.WithoutCancel(ctx), id, sum); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Log().Warn("failed to record run result", zap.String("run", id), zap.Error(err))
	}
}

func countClasses(dets []iface.Detection) map[string]int {
	out := make(map[string]int)
	for _, d := range dets {
		out[d.Name]++
	}
	return out
}
