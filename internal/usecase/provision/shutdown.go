package provision

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/qudata/browserd/internal/domain"
)

type ShutdownReport struct {
	Closed int
	Failed int
	// Abandoned is set when ctx expired before in-flight creates finished.
	// Those creates roll themselves back.
	Abandoned bool
}

// Shutdown stops accepting creates, waits for in-flight creates, then closes
// every registered browser and releases its port. Close failures are logged
// and counted; they never stop the drain.
func (s *Service) Shutdown(ctx context.Context) ShutdownReport {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	var report ShutdownReport

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		report.Abandoned = true
		s.logger.Warn("shutdown deadline reached with creates in flight")
	}

	instances := s.registry.Drain()
	s.logger.Info("closing all instances", "count", len(instances))

	var closed, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.opts.ShutdownConcurrency)
	for _, inst := range instances {
		inst := inst
		g.Go(func() error {
			inst.Status = domain.StatusTerminating
			if err := s.closeInstance(ctx, inst); err != nil {
				failed.Add(1)
			} else {
				closed.Add(1)
				s.logger.Info("closed instance", "id", inst.ID)
			}
			s.ports.Release(inst.Port)
			return nil
		})
	}
	_ = g.Wait()

	report.Closed = int(closed.Load())
	report.Failed = int(failed.Load())
	s.logger.Info("shutdown complete", "closed", report.Closed, "failed", report.Failed)
	return report
}
