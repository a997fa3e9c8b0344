package cron

import "context"

// Job is one step of a scheduled loop. Jobs run in registration order and
// must be safe to rerun after a partial failure.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Registry holds the ordered jobs of one loop.
type Registry struct {
	jobs []Job
}

// NewRegistry builds a registry preloaded with the provided jobs. Nil jobs
// are skipped.
func NewRegistry(jobs ...Job) *Registry {
	registry := &Registry{}
	for _, job := range jobs {
		registry.Register(job)
	}
	return registry
}

// Register appends a job.
func (r *Registry) Register(job Job) {
	if job == nil {
		return
	}
	r.jobs = append(r.jobs, job)
}

// Jobs returns a copy of the registered jobs in order.
func (r *Registry) Jobs() []Job {
	jobs := make([]Job, len(r.jobs))
	copy(jobs, r.jobs)
	return jobs
}

// Names lists job names in run order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.jobs))
	for _, job := range r.jobs {
		names = append(names, job.Name())
	}
	return names
}

func (r *Registry) duplicate() (string, bool) {
	seen := make(map[string]struct{}, len(r.jobs))
	for _, job := range r.jobs {
		if _, ok := seen[job.Name()]; ok {
			return job.Name(), true
		}
		seen[job.Name()] = struct{}{}
	}
	return "", false
}
