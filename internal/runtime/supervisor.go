package runtime

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

type worker struct {
	name   string
	run    func(context.Context) error
	closeF func() error
}

// Supervisor runs named long-lived workers. Workers are started in the order
// they were added and closed in reverse order once the context ends.
type Supervisor struct {
	mu      sync.Mutex
	workers []worker
	started int
	wg      sync.WaitGroup

	errMu sync.Mutex
	err   error
}

func NewSupervisor() *Supervisor {
	return &Supervisor{}
}

// Add registers a worker. closeF may be nil. Workers added after Start are
// not run.
func (s *Supervisor) Add(name string, run func(context.Context) error, closeF func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = append(s.workers, worker{name: name, run: run, closeF: closeF})
}

func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers[s.started:] {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			log.WithField("worker", w.name).Debug("Worker started")
			if err := w.run(ctx); err != nil {
				log.WithField("worker", w.name).WithError(err).Error("Worker failed")
				s.errMu.Lock()
				s.err = multierr.Append(s.err, err)
				s.errMu.Unlock()
				return
			}
			log.WithField("worker", w.name).Debug("Worker stopped")
		}()
	}
	s.started = len(s.workers)
	return nil
}

// Wait blocks until ctx is done, closes the started workers in reverse
// order, waits for them to return and reports every run error. Close errors
// are logged, not returned.
func (s *Supervisor) Wait(ctx context.Context) error {
	<-ctx.Done()

	s.mu.Lock()
	started := s.workers[:s.started]
	s.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		w := started[i]
		if w.closeF == nil {
			continue
		}
		if err := w.closeF(); err != nil {
			log.WithField("worker", w.name).WithError(err).Warn("Worker close failed")
		}
	}
	s.wg.Wait()

	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Run is Start followed by Wait.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.Wait(ctx)
}
