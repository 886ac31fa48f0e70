package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/geekgifts/tracker/internal/lifecycle"
	"github.com/geekgifts/tracker/internal/metrics"
	"github.com/geekgifts/tracker/internal/ws"
	"github.com/sirupsen/logrus"
)

const (
	defaultSweepSchedule   = "@every 15m"
	defaultSweepRunTimeout = time.Minute
)

// RequestSource is the read side the sweep needs.
type RequestSource interface {
	Overdue(ctx context.Context, at time.Time) ([]lifecycle.Request, error)
	StatusCounts(ctx context.Context) (map[lifecycle.Status]int, error)
}

// Publisher receives the overdue summary event.
type Publisher interface {
	Publish(event ws.Event) error
}

type DueSweepConfig struct {
	Schedule   string
	Timezone   string
	RunTimeout time.Duration
}

// OverdueRequest is the summary of one overdue request in a sweep event.
type OverdueRequest struct {
	ID            string    `json:"id"`
	RecipientName string    `json:"recipient_name"`
	Technician    *string   `json:"technician"`
	Status        string    `json:"status"`
	DueDate       time.Time `json:"due_date"`
}

// SweepResult reports what one sweep found.
type SweepResult struct {
	At       time.Time                `json:"at"`
	Overdue  []OverdueRequest         `json:"overdue"`
	Counts   map[lifecycle.Status]int `json:"counts"`
	Duration time.Duration            `json:"-"`
}

// DueSweeper refreshes the status gauges and announces overdue requests.
type DueSweeper struct {
	Source RequestSource
	Events Publisher
	Config DueSweepConfig
	Now    func() time.Time
	Logger logrus.FieldLogger
}

func NewDueSweeper(source RequestSource, events Publisher, cfg DueSweepConfig) *DueSweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSweepSchedule
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultSweepRunTimeout
	}
	return &DueSweeper{
		Source: source,
		Events: events,
		Config: cfg,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Start sweeps once immediately and then on every tick of the configured
// schedule until ctx is cancelled.
func (w *DueSweeper) Start(ctx context.Context) error {
	spec, err := ParseSchedule(w.Config.Schedule, w.Config.Timezone)
	if err != nil {
		return err
	}

	var lastRunAt *time.Time
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.log().WithError(err).Warn("due sweep failed")
		}
		ranAt := w.now()
		lastRunAt = &ranAt

		next, err := ComputeNextRun(spec, w.now(), lastRunAt)
		if err != nil {
			return err
		}
		if err := sleepWithContext(ctx, next.Sub(w.now())); err != nil {
			return nil
		}
	}
}

// RunOnce performs a single sweep.
func (w *DueSweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	if w == nil || w.Source == nil {
		return SweepResult{}, fmt.Errorf("due sweeper is not configured")
	}

	timeout := w.Config.RunTimeout
	if timeout <= 0 {
		timeout = defaultSweepRunTimeout
	}
	started := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	at := w.now()
	counts, err := w.Source.StatusCounts(runCtx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("count requests: %w", err)
	}
	overdue, err := w.Source.Overdue(runCtx, at)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list overdue requests: %w", err)
	}

	result := SweepResult{
		At:      at,
		Overdue: summarizeOverdue(overdue),
		Counts:  counts,
	}

	byStatus := make(map[string]int, len(counts))
	for status, count := range counts {
		byStatus[string(status)] = count
	}
	metrics.SetRequestsByStatus(byStatus)
	metrics.SetOverdueRequests(len(result.Overdue))

	if len(result.Overdue) > 0 && w.Events != nil {
		if err := w.Events.Publish(ws.Event{
			Type:      ws.MessageRequestsOverdue,
			Data:      result,
			Timestamp: at,
		}); err != nil {
			w.log().WithError(err).Warn("overdue event publish failed")
		}
	}

	result.Duration = time.Since(started)
	w.log().WithFields(logrus.Fields{
		"overdue":  len(result.Overdue),
		"duration": result.Duration.String(),
	}).Debug("due sweep complete")
	return result, nil
}

func summarizeOverdue(requests []lifecycle.Request) []OverdueRequest {
	out := make([]OverdueRequest, 0, len(requests))
	for _, req := range requests {
		if req.DueDate == nil {
			continue
		}
		out = append(out, OverdueRequest{
			ID:            req.ID,
			RecipientName: req.RecipientName,
			Technician:    req.Technician,
			Status:        string(req.Status),
			DueDate:       req.DueDate.UTC(),
		})
	}
	return out
}

func (w *DueSweeper) now() time.Time {
	if w.Now == nil {
		return time.Now().UTC()
	}
	return w.Now().UTC()
}

func (w *DueSweeper) log() logrus.FieldLogger {
	if w.Logger == nil {
		return logrus.StandardLogger()
	}
	return w.Logger
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
