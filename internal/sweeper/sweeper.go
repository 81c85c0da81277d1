// Package sweeper reports sagas left in a non-terminal state, which only
// happens when the process died mid-saga. It never repairs anything.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dualstore/saga/internal/metrics"
	"github.com/dualstore/saga/internal/sagalog"
	"github.com/dualstore/saga/pkg/logger"
)

var staleStates = []sagalog.State{sagalog.StateStarted, sagalog.StateCompensating}

// Querier is the read side of the saga log.
type Querier interface {
	Query(ctx context.Context, f sagalog.Filter) ([]*sagalog.Entry, error)
}

// Report is the result of one sweep.
type Report struct {
	Counts  map[sagalog.State]int
	Entries []*sagalog.Entry
}

type Sweeper struct {
	log        Querier
	staleAfter time.Duration
	metrics    *metrics.Metrics
	logger     *logger.Logger
	now        func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

func New(log Querier, staleAfter time.Duration, m *metrics.Metrics, l *logger.Logger) *Sweeper {
	if l == nil {
		l = logger.Nop()
	}
	return &Sweeper{
		log:        log,
		staleAfter: staleAfter,
		metrics:    m,
		logger:     l,
		now:        time.Now,
	}
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	entries, err := s.log.Query(ctx, sagalog.Filter{
		States:        staleStates,
		UpdatedBefore: s.now().Add(-s.staleAfter),
	})
	if err != nil {
		return nil, err
	}

	report := &Report{Counts: make(map[sagalog.State]int, len(staleStates)), Entries: entries}
	for _, state := range staleStates {
		report.Counts[state] = 0
	}
	for _, e := range entries {
		report.Counts[e.State]++
		s.logger.WithField("txId", e.TxID).Warnf("stale saga needs operator attention", map[string]interface{}{
			"state":     string(e.State),
			"sku":       e.Context.SKU,
			"quantity":  e.Context.Quantity,
			"updatedAt": e.UpdatedAt,
		})
	}
	for state, n := range report.Counts {
		s.metrics.SetStaleEntries(string(state), n)
	}
	return report, nil
}

// Start schedules Sweep. expr accepts five-field cron or descriptors such as
// "@every 1m".
func (s *Sweeper) Start(ctx context.Context, expr string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", expr, err)
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.WithError(err).Warn("stale saga sweep failed")
		}
	}))

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()
	return nil
}

// Stop stops the scheduler and waits for a running sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}
