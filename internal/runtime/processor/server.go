// Package processor runs the outbox maintenance loops (retry, delayed,
// health, collector) and supervises every long-running server of a Service.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
)

// Server is a long-running unit of work. Run blocks until ctx is cancelled
// and returns nil on a clean stop.
type Server interface {
	Name() string
	Run(ctx context.Context) error
}

// Supervisor starts a set of servers together and stops them together: the
// first server to fail cancels the others.
type Supervisor struct {
	logger loggingpkg.ServiceLogger

	mu      sync.Mutex
	servers []Server
}

// NewSupervisor returns an empty supervisor.
func NewSupervisor(logger loggingpkg.ServiceLogger) *Supervisor {
	return &Supervisor{logger: loggingpkg.Component(logger, "supervisor")}
}

// Add registers servers. It must be called before Run.
func (s *Supervisor) Add(servers ...Server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, srv := range servers {
		if srv != nil {
			s.servers = append(s.servers, srv)
		}
	}
}

// Servers returns the registered server names in registration order.
func (s *Supervisor) Servers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.servers))
	for i, srv := range s.servers {
		names[i] = srv.Name()
	}
	return names
}

// Run blocks until ctx is cancelled or a server fails. Cancellation is a
// clean stop and yields nil.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	servers := append([]Server(nil), s.servers...)
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			s.logger.Debug("Starting server", loggingpkg.LogFields{"server": srv.Name()})
			err := srv.Run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("Server stopped with error", err, loggingpkg.LogFields{"server": srv.Name()})
				return fmt.Errorf("%s: %w", srv.Name(), err)
			}
			s.logger.Debug("Server stopped", loggingpkg.LogFields{"server": srv.Name()})
			return nil
		})
	}
	return g.Wait()
}
