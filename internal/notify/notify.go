// ABOUTME: Post-build notification hooks behind a capped worker pool
// ABOUTME: At most five hooks run at once; excess dispatches are dropped

package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MaxActive caps concurrently running hooks. Extra dispatches are
// logged and skipped rather than queued; a release announcement that
// cannot run now is not worth running late.
const MaxActive = 5

// Announcement describes a freshly published release.
type Announcement struct {
	Stem      string    `json:"stem"`
	Version   uint32    `json:"version"`
	Sigs      uint32    `json:"sigs"`
	FuncLevel uint32    `json:"func_level"`
	MD5       string    `json:"md5"`
	BuildID   string    `json:"build_id"`
	BuiltAt   time.Time `json:"built_at"`
}

// Hook is one post-build action.
type Hook interface {
	// Name labels the hook in logs.
	Name() string

	// Run performs the action. Errors are logged, never fatal.
	Run(ctx context.Context, ann Announcement) error
}

// Pool runs hooks with a concurrency cap.
type Pool struct {
	slots  chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewPool creates a pool capped at MaxActive.
func NewPool(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		slots:  make(chan struct{}, MaxActive),
		logger: logger,
	}
}

// Dispatch starts every hook for the announcement. A hook that cannot
// get a slot immediately is skipped with a warning.
func (p *Pool) Dispatch(ctx context.Context, hooks []Hook, ann Announcement) {
	for _, h := range hooks {
		select {
		case p.slots <- struct{}{}:
		default:
			p.logger.Warn("notification hook skipped, pool is full",
				slog.String("hook", h.Name()),
				slog.Int("max_active", MaxActive))
			continue
		}

		p.wg.Add(1)
		go func(h Hook) {
			defer p.wg.Done()
			defer func() { <-p.slots }()

			if err := h.Run(ctx, ann); err != nil {
				p.logger.Warn("notification hook failed",
					slog.String("hook", h.Name()),
					slog.Any("error", err))
				return
			}
			p.logger.Info("notification hook completed",
				slog.String("hook", h.Name()),
				slog.Uint64("version", uint64(ann.Version)))
		}(h)
	}
}

// Close waits for all running hooks to finish.
func (p *Pool) Close() {
	p.wg.Wait()
}

// LogHook announces releases to the log only.
type LogHook struct {
	Logger *slog.Logger
}

// Name implements Hook.
func (LogHook) Name() string { return "log" }

// Run implements Hook.
func (h LogHook) Run(ctx context.Context, ann Announcement) error {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("database release published",
		slog.String("stem", ann.Stem),
		slog.Uint64("version", uint64(ann.Version)),
		slog.Uint64("sigs", uint64(ann.Sigs)))
	return nil
}
