package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	iface "SignDetServer/interface"
	"SignDetServer/logger"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var ErrPoolClosed = errors.New("detector pool closed")

type jobPackage struct {
	image  gocv.Mat
	result chan jobResult
}

type jobResult struct {
	data iface.RetData
	err  error
}

// Pool feeds frames to a fixed set of backends through one queue. Each
// backend is only ever used by its own worker goroutine.
type Pool struct {
	backends []iface.Backend
	jobs     chan jobPackage
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool starts one worker per backend.
func NewPool(backends []iface.Backend) *Pool {
	p := &Pool{
		backends: backends,
		jobs:     make(chan jobPackage, len(backends)),
	}
	for i, b := range backends {
		p.wg.Add(1)
		go p.runWorker(i, b)
	}
	return p
}

// LoadPool loads the weights once per worker and starts the pool.
func LoadPool(cfg iface.EngineConfig, workers int) (*Pool, error) {
	if workers <= 0 {
		workers = 1
	}
	backends := make([]iface.Backend, 0, workers)
	for i := 0; i < workers; i++ {
		d, err := NewDetector(cfg)
		if err != nil {
			for _, b := range backends {
				b.Destroy()
			}
			return nil, err
		}
		backends = append(backends, d)
		logger.Log().Info("detector loaded", zap.Int("worker", i), zap.String("weights", cfg.ModelPath))
	}
	return NewPool(backends), nil
}

func (p *Pool) runWorker(workerID int, backend iface.Backend) {
	defer p.wg.Done()
	// OpenCV keeps per-thread state; keep each network on one OS thread
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	logger.Log().Debug("worker created", zap.Int("worker", workerID))
	for job := range p.jobs {
		job.result <- p.runJob(workerID, backend, job.image)
	}
}

func (p *Pool) runJob(workerID int, backend iface.Backend, img gocv.Mat) (res jobResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("worker panic", zap.Int("worker", workerID), zap.Any("panic", r))
			res = jobResult{err: fmt.Errorf("worker %d panic: %v", workerID, r)}
		}
	}()
	data, err := backend.Detect(img)
	return jobResult{data: data, err: err}
}

// Detect queues img and waits for the result. Only the wait for a free queue
// slot is cancellable: once a worker has the frame the call waits for it so
// the caller can safely close img afterwards.
func (p *Pool) Detect(ctx context.Context, img gocv.Mat) (iface.RetData, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return iface.RetData{}, ErrPoolClosed
	}
	job := jobPackage{image: img, result: make(chan jobResult, 1)}
	select {
	case p.jobs <- job:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return iface.RetData{}, ctx.Err()
	}
	res := <-job.result
	return res.data, res.err
}

func (p *Pool) CheckConfig() iface.EngineConfig {
	if len(p.backends) == 0 {
		return iface.EngineConfig{}
	}
	return p.backends[0].CheckConfig()
}

func (p *Pool) Size() int {
	return len(p.backends)
}

// Close stops the workers and releases every backend.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
	for _, b := range p.backends {
		b.Destroy()
	}
}
