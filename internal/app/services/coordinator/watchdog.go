package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/CLS-Network/settlement_layer/internal/app/system"
	"github.com/CLS-Network/settlement_layer/pkg/logger"
)

var _ system.Service = (*Watchdog)(nil)

// Watchdog periodically scans pending requests and claims the ones whose
// timeout has elapsed. It is a convenience on top of ClaimTimeout: the
// user-invoked claim remains authoritative and the watchdog losing a race
// with it is harmless.
type Watchdog struct {
	service  *Service
	log      *logger.Logger
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewWatchdog constructs a lifecycle-managed timeout watchdog.
func NewWatchdog(service *Service, log *logger.Logger) *Watchdog {
	if log == nil {
		log = logger.NewDefault("coordinator-watchdog")
	}
	return &Watchdog{
		service:  service,
		log:      log,
		interval: time.Minute,
	}
}

func (w *Watchdog) Name() string { return "coordinator-watchdog" }

func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				w.tick(runCtx)
			}
		}
	}()

	w.log.Info("coordinator watchdog started")
	return nil
}

func (w *Watchdog) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.log.Info("coordinator watchdog stopped")
	return nil
}

func (w *Watchdog) tick(ctx context.Context) {
	if w.service == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	reqs, err := w.service.ListPending(ctx)
	if err != nil {
		w.log.WithError(err).Warn("watchdog tick failed")
		return
	}

	now := w.service.now().UTC()
	for _, req := range reqs {
		if now.Sub(req.CreatedAt) < Timeout {
			continue
		}
		if _, err := w.service.ClaimTimeout(ctx, req.ID); err != nil {
			// Losing a race with a user-invoked claim is expected.
			if errors.Is(err, ErrAlreadyResolved) || errors.Is(err, ErrNotExpired) {
				continue
			}
			w.log.WithError(err).
				WithField("request_id", req.ID).
				Warn("watchdog timeout claim failed")
			continue
		}
		w.log.WithField("request_id", req.ID).Info("watchdog claimed expired request")
	}
}
