// Package jobmgr runs named background jobs with cancellation, status
// callbacks and in-memory tracking of what is currently running.
//
// Typical usage:
//
//	jm := jobmgr.NewManager(jobmgr.LogReporter("session"))
//
//	err := jm.StartPeriodic(ctx, "rich-presence", 30*time.Second, func(ctx context.Context) error {
//	    return refresh(ctx)
//	})
//
//	// later...
//	_ = jm.Stop("rich-presence")
//
// Jobs run in separate goroutines and are removed on completion.
package jobmgr

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Job represents a running unit of work.
// Jobs are added and removed by Manager automatically.
type Job struct {
	Name    string
	Started time.Time
	Cancel  context.CancelFunc
	done    chan struct{}
}

// StatusReporter receives lifecycle events for jobs.
// Example messages:
//
//	running:music-poll
//	error:music-poll:connection refused
//	done:music-poll
type StatusReporter func(string)

// LogReporter returns a reporter that writes lifecycle events to zerolog,
// tagged with the given module.
func LogReporter(module string) StatusReporter {
	return func(msg string) {
		kind, rest, _ := strings.Cut(msg, ":")
		switch kind {
		case "error":
			name, reason, _ := strings.Cut(rest, ":")
			log.Warn().Str("module", module).Str("job", name).Str("reason", reason).Msg("job failed")
		default:
			log.Debug().Str("module", module).Str("job", rest).Msg("job " + kind)
		}
	}
}

// Manager orchestrates starting, stopping and tracking jobs.
// It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	Reporter StatusReporter
}

// NewManager creates a new Manager.
// The reporter callback may be nil.
func NewManager(reporter StatusReporter) *Manager {
	return &Manager{
		jobs:     make(map[string]*Job),
		Reporter: reporter,
	}
}

// StartAsync runs a job in a separate goroutine and returns immediately.
// The job context derives from parent. If a job with the same name is already
// running, an error is returned.
func (m *Manager) StartAsync(parent context.Context, name string, runner func(ctx context.Context) error) error {
	m.mu.Lock()
	if _, exists := m.jobs[name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("job '%s' is already running", name)
	}

	ctx, cancel := context.WithCancel(parent)
	job := &Job{Name: name, Started: time.Now(), Cancel: cancel, done: make(chan struct{})}
	m.jobs[name] = job
	m.mu.Unlock()

	go func() {
		defer close(job.done)
		defer cancel()

		m.report("running:" + name)

		err := runner(ctx)
		if err != nil && ctx.Err() == nil {
			m.report("error:" + name + ":" + err.Error())
		} else {
			m.report("done:" + name)
		}

		m.mu.Lock()
		if m.jobs[name] == job {
			delete(m.jobs, name)
		}
		m.mu.Unlock()
	}()

	return nil
}

// StartPeriodic runs fn immediately and then on every tick of interval until
// the job is stopped. Errors from a single run are reported and do not stop
// the job.
func (m *Manager) StartPeriodic(parent context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) error {
	if interval <= 0 {
		return fmt.Errorf("job '%s': interval must be positive", name)
	}
	return m.StartAsync(parent, name, func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				m.report("error:" + name + ":" + err.Error())
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
}

// Stop cancels a running job by name and waits for it to return.
// If the job is not running, an error is returned.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	job, ok := m.jobs[name]
	if ok {
		delete(m.jobs, name)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("job '%s' not running", name)
	}

	job.Cancel()
	<-job.done
	return nil
}

// StopAll cancels every running job and waits for them to return.
func (m *Manager) StopAll() {
	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.jobs))
	for name, job := range m.jobs {
		jobs = append(jobs, job)
		delete(m.jobs, name)
	}
	m.mu.Unlock()

	for _, job := range jobs {
		job.Cancel()
	}
	for _, job := range jobs {
		<-job.done
	}
}

// Running reports whether a job with the given name is active.
func (m *Manager) Running(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[name]
	return ok
}

// names returns the sorted active job names.
func (m *Manager) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.jobs))
	for k := range m.jobs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Status returns a human-readable summary of active jobs.
// Example:
//
//	"Running jobs: music-poll, rich-presence"
//
// If none are running: "No jobs are running."
func (m *Manager) Status() string {
	active := m.names()
	if len(active) == 0 {
		return "No jobs are running."
	}
	return fmt.Sprintf("Running jobs: %s", strings.Join(active, ", "))
}

// report delivers lifecycle messages to the reporter if present.
func (m *Manager) report(s string) {
	if m.Reporter != nil {
		m.Reporter(s)
	}
}
