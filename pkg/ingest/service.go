package ingest

import (
	"context"
	"fmt"

	"github.com/meshsight/meshsight/pkg/reach"
)

// Adapter is one transport feeding the engine.
type Adapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Service runs the configured adapters and the keepalive scheduler as one
// lifecycle unit.
type Service struct {
	adapters  []Adapter
	scheduler *reach.Scheduler
}

// NewService returns a Service over the adapters. scheduler may be nil when
// no keepalive sender is configured.
func NewService(adapters []Adapter, scheduler *reach.Scheduler) *Service {
	return &Service{adapters: adapters, scheduler: scheduler}
}

// Start brings up every adapter and then runs the scheduler until the context
// is cancelled. An adapter that fails to start aborts startup.
func (s *Service) Start(ctx context.Context) error {
	for _, a := range s.adapters {
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("adapter start: %w", err)
		}
	}

	if s.scheduler != nil {
		s.scheduler.Run(ctx)
		return nil
	}

	<-ctx.Done()

	return nil
}

// Stop shuts the adapters down, returning the first failure.
func (s *Service) Stop(ctx context.Context) error {
	var firstErr error

	for _, a := range s.adapters {
		if err := a.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
