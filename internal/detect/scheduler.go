package detect

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// LoopStarter starts the durable periodic sync loop. Satisfied by
// temporal.Manager.
type LoopStarter interface {
	StartScheduledSync(ctx context.Context) error
}

// Scheduler makes sure the scheduled sync workflow is running. Starting is
// idempotent on the Temporal side, so the scheduler only has to get one
// start call through; once the workflow exists, Temporal owns the cadence
// and survives our restarts.
type Scheduler struct {
	starter LoopStarter
	logger  *log.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(starter LoopStarter, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{starter: starter, logger: logger}
}

// Start launches the ensure loop in the background.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.ensure(ctx)
}

// Stop aborts any pending retry and waits for the loop to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) ensure(ctx context.Context) {
	defer s.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 1 * time.Minute
	bo.MaxElapsedTime = 0

	for {
		err := s.starter.StartScheduledSync(ctx)
		if err == nil {
			s.logger.Printf("[Scheduler] sync loop ensured")
			return
		}
		delay := bo.NextBackOff()
		s.logger.Printf("[Scheduler] cannot ensure sync loop: %v (retrying in %s)", err, delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
