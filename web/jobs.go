package web

import (
	"context"
	"errors"
	"sync"
	"time"

	"SignDetServer/logger"
	"SignDetServer/media"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrJobNotFound = errors.New("job not found")

// Job is a video waiting in the temp store for its client to connect.
type Job struct {
	ID      string
	Kind    string
	Name    string
	Path    string
	Created time.Time
}

// JobRegistry holds pending video jobs. A job is claimed exactly once by the
// WebSocket that processes it; unclaimed jobs expire after ttl and their
// files are removed.
type JobRegistry struct {
	mu   sync.Mutex
	jobs map[string]*Job
	ttl  time.Duration
	now  func() time.Time
}

func NewJobRegistry(ttl time.Duration) *JobRegistry {
	return &JobRegistry{
		jobs: map[string]*Job{},
		ttl:  ttl,
		now:  time.Now,
	}
}

func (r *JobRegistry) TTL() time.Duration {
	return r.ttl
}

func (r *JobRegistry) Add(kind, name, path string) *Job {
	job := &Job{
		ID:      uuid.New().String(),
		Kind:    kind,
		Name:    name,
		Path:    path,
		Created: r.now(),
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()
	return job
}

func (r *JobRegistry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[id]
	return ok
}

// Claim removes the job and hands ownership of its file to the caller.
func (r *JobRegistry) Claim(id string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	delete(r.jobs, id)
	return job, nil
}

// Discard drops a pending job and removes its file.
func (r *JobRegistry) Discard(id string) error {
	job, err := r.Claim(id)
	if err != nil {
		return err
	}
	media.Remove(job.Path)
	return nil
}

func (r *JobRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Sweep expires jobs older than ttl and returns how many were removed.
func (r *JobRegistry) Sweep() int {
	if r.ttl <= 0 {
		return 0
	}
	now := r.now()
	var expired []*Job
	r.mu.Lock()
	for id, job := range r.jobs {
		if now.Sub(job.Created) > r.ttl {
			expired = append(expired, job)
			delete(r.jobs, id)
		}
	}
	r.mu.Unlock()

	for _, job := range expired {
		media.Remove(job.Path)
		logger.Log().Info("job expired", zap.String("job", job.ID), zap.String("source", job.Name))
	}
	return len(expired)
}

// Run sweeps every interval until ctx is done, then discards what is left.
func (r *JobRegistry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			left := r.jobs
			r.jobs = map[string]*Job{}
			r.mu.Unlock()
			for _, job := range left {
				media.Remove(job.Path)
			}
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
