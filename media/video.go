package media

import (
	"fmt"

	"gocv.io/x/gocv"
)

// VideoInfo is what the capture backend reports about an opened file.
// FrameCount is an estimate for some containers.
type VideoInfo struct {
	FPS        float64 `json:"fps"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	FrameCount int     `json:"frameCount"`
}

// FrameSource yields frames until Read returns false.
type FrameSource interface {
	Read(frame *gocv.Mat) bool
	Info() VideoInfo
	Close() error
}

// OpenFunc opens a FrameSource for a path.
type OpenFunc func(path string) (FrameSource, error)

type captureSource struct {
	vc   *gocv.VideoCapture
	info VideoInfo
}

// OpenVideo opens a local video file with OpenCV's capture backend.
func OpenVideo(path string) (FrameSource, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("open video %s: %w", path, err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("open video %s: capture not opened", path)
	}
	info := VideoInfo{
		FPS:        vc.Get(gocv.VideoCaptureFPS),
		Width:      int(vc.Get(gocv.VideoCaptureFrameWidth)),
		Height:     int(vc.Get(gocv.VideoCaptureFrameHeight)),
		FrameCount: int(vc.Get(gocv.VideoCaptureFrameCount)),
	}
	return &captureSource{vc: vc, info: info}, nil
}

func (s *captureSource) Read(frame *gocv.Mat) bool {
	if !s.vc.Read(frame) {
		return false
	}
	return !frame.Empty()
}

func (s *captureSource) Info() VideoInfo {
	return s.info
}

func (s *captureSource) Close() error {
	return s.vc.Close()
}
