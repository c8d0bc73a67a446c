package presence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/relay/internal/storage"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ReaperConfig configures the stale presence sweep.
type ReaperConfig struct {
	// Schedule is a cron expression or descriptor such as "@every 1m".
	Schedule string `yaml:"schedule" json:"schedule"`
	// StaleAfter is how old last_active may get before a non-offline user
	// without local sessions is moved offline.
	StaleAfter time.Duration `yaml:"stale_after" json:"stale_after"`
	// BatchSize bounds one sweep.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
}

// Reaper moves users left online, away or busy by crashed nodes back to
// offline.
type Reaper struct {
	tracker *Tracker
	store   storage.PresenceStore
	cfg     ReaperConfig
	cron    *cron.Cron
	logger  *slog.Logger
}

// NewReaper validates cfg and prepares the schedule.
func NewReaper(tracker *Tracker, store storage.PresenceStore, cfg ReaperConfig, logger *slog.Logger) (*Reaper, error) {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "presence.reaper")

	r := &Reaper{tracker: tracker, store: store, cfg: cfg, logger: logger}
	cronLogger := cronLogAdapter{logger: logger}
	r.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := r.cron.AddFunc(cfg.Schedule, func() {
		if _, err := r.Sweep(context.Background()); err != nil {
			logger.Warn("presence sweep failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", cfg.Schedule, err)
	}
	return r, nil
}

// Start runs the schedule in the background.
func (r *Reaper) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for a running sweep.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep marks stale users without local sessions offline and returns how
// many were changed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.tracker.now().Add(-r.cfg.StaleAfter)
	stale, err := r.store.ListStalePresence(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale presence: %w", err)
	}
	reaped := 0
	for _, p := range stale {
		ok, err := r.tracker.reapIdle(ctx, p.UserID, cutoff)
		if err != nil {
			r.logger.Warn("reap presence failed", "user_id", p.UserID, "error", err)
			continue
		}
		if ok {
			reaped++
		}
	}
	if reaped > 0 {
		r.logger.Info("reaped stale presence", "count", reaped, "cutoff", cutoff)
	}
	return reaped, nil
}

type cronLogAdapter struct {
	logger *slog.Logger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...any) {
	a.logger.Debug(msg, keysAndValues...)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...any) {
	a.logger.Error(msg, append(keysAndValues, "error", err)...)
}
