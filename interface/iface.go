package iface

import (
	"context"
	"image"
	"sort"

	"gocv.io/x/gocv"
)

// EngineConfig describes a loaded detector. It is returned to API clients as-is.
type EngineConfig struct {
	UseGPU    bool     `json:"useGPU"`
	ModelPath string   `json:"modelPath"`
	Names     []string `json:"names"`
	Conf      float32  `json:"conf"`
	Iou       float32  `json:"iou"`
	InputSize int      `json:"inputSize"`
}

type Position struct {
	X, Y float32
}

type Box struct {
	LT Position
	RT Position
	RB Position
	LB Position
}

// NewBox builds the four corners from an axis aligned rectangle.
func NewBox(x1, y1, x2, y2 float32) Box {
	return Box{
		LT: Position{X: x1, Y: y1},
		RT: Position{X: x2, Y: y1},
		RB: Position{X: x2, Y: y2},
		LB: Position{X: x1, Y: y2},
	}
}

func (b Box) Rect() image.Rectangle {
	return image.Rect(int(b.LT.X), int(b.LT.Y), int(b.RB.X), int(b.RB.Y))
}

func (b Box) Center() Position {
	return Position{
		X: (b.LT.X + b.RB.X) / 2,
		Y: (b.LT.Y + b.RB.Y) / 2,
	}
}

type Result struct {
	ClassID int
	Conf    float32
	Box     Box
	Center  Position
}

// RetData groups the detections of one frame by class name.
type RetData struct {
	Success bool
	Data    map[string][]Result
}

// Count returns the number of detections over all classes.
func (r RetData) Count() int {
	n := 0
	for _, list := range r.Data {
		n += len(list)
	}
	return n
}

// PerClass returns the number of detections per class, omitting empty classes.
func (r RetData) PerClass() map[string]int {
	out := make(map[string]int)
	for name, list := range r.Data {
		if len(list) > 0 {
			out[name] = len(list)
		}
	}
	return out
}

// Detection is the flat, serialisable form of a Result.
type Detection struct {
	Name       string  `json:"name"`
	ClassID    int     `json:"classId"`
	Confidence float32 `json:"confidence"`
	X1         int     `json:"x1"`
	Y1         int     `json:"y1"`
	X2         int     `json:"x2"`
	Y2         int     `json:"y2"`
}

// Flatten lists every detection, highest confidence first.
func (r RetData) Flatten() []Detection {
	out := make([]Detection, 0, r.Count())
	for name, list := range r.Data {
		for _, res := range list {
			rect := res.Box.Rect()
			out = append(out, Detection{
				Name:       name,
				ClassID:    res.ClassID,
				Confidence: res.Conf,
				X1:         rect.Min.X,
				Y1:         rect.Min.Y,
				X2:         rect.Max.X,
				Y2:         rect.Max.Y,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Backend is a single loaded model handle. Implementations are not safe for
// concurrent use.
type Backend interface {
	Detect(image gocv.Mat) (RetData, error)
	Destroy()
	CheckConfig() EngineConfig
}

// Engine is what request handlers run frames through.
type Engine interface {
	Detect(ctx context.Context, image gocv.Mat) (RetData, error)
	CheckConfig() EngineConfig
}
