package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/shehryarbajwa/cloud-browser/internal/audit"
	"github.com/shehryarbajwa/cloud-browser/internal/browser"
	"github.com/shehryarbajwa/cloud-browser/pkg/models"
)

// SweepOptions tunes the expiry sweeper.
type SweepOptions struct {
	Interval         time.Duration
	Concurrency      int
	OrphanRate       float64
	OrphanMaxPerPass int
	RecordRetention  time.Duration
}

func (o SweepOptions) withDefaults() SweepOptions {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.OrphanRate <= 0 {
		o.OrphanRate = 2
	}
	if o.OrphanMaxPerPass <= 0 {
		o.OrphanMaxPerPass = 20
	}
	if o.RecordRetention <= 0 {
		o.RecordRetention = 24 * time.Hour
	}
	return o
}

// Sweeper expires sessions past their TTL, removes containers that no live
// session owns, and prunes old terminal records. Passes never overlap.
// Expiry waits for the session lock; orphan removal and pruning skip
// sessions that are busy.
type Sweeper struct {
	m      *Manager
	opts   SweepOptions
	log    zerolog.Logger
	pass   sync.Mutex
	orphan *rate.Limiter
}

func newSweeper(m *Manager, opts SweepOptions) *Sweeper {
	return &Sweeper{
		m:      m,
		opts:   opts,
		log:    m.log.With().Str("component", "sweeper").Logger(),
		orphan: rate.NewLimiter(rate.Limit(opts.OrphanRate), 1),
	}
}

// Run sweeps every interval until ctx is done. A tick that arrives while a
// pass is still running is skipped.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.opts.Interval).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			if !s.pass.TryLock() {
				s.log.Debug().Msg("previous pass still running, skipping tick")
				continue
			}
			report := s.runLocked(ctx)
			s.pass.Unlock()
			s.logReport(report)
		}
	}
}

// Trigger waits for any running pass to finish, then runs one of its own.
func (s *Sweeper) Trigger(ctx context.Context) models.SweepReport {
	s.pass.Lock()
	defer s.pass.Unlock()
	report := s.runLocked(ctx)
	s.logReport(report)
	return report
}

func (s *Sweeper) runLocked(ctx context.Context) models.SweepReport {
	started := s.m.now()
	report := models.SweepReport{Started: started}

	var mu sync.Mutex
	fail := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		report.Failures = append(report.Failures, fmt.Sprintf(format, args...))
	}

	report.Expired = s.expire(ctx, started, fail)

	containers, err := s.listManaged(ctx)
	if err != nil {
		fail("list containers: %v", err)
	} else {
		report.Orphans = s.removeOrphans(ctx, containers, fail)
		report.Pruned = s.prune(started, containers)
	}

	report.Duration = s.m.now().Sub(started).String()
	return report
}

func (s *Sweeper) expire(ctx context.Context, cutoff time.Time, fail func(string, ...any)) int {
	var due []string
	for _, sess := range s.m.registry.List(models.SessionFilter{}) {
		if sess.Status.Active() && sess.ExpiresAt.Before(cutoff) {
			due = append(due, sess.ID)
		}
	}
	if len(due) == 0 {
		return 0
	}

	var (
		mu      sync.Mutex
		expired int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, id := range due {
		g.Go(func() error {
			ok, err := s.m.expireIfDue(gctx, id, cutoff)
			if err != nil {
				fail("expire %s: %v", id, err)
			}
			if ok {
				mu.Lock()
				expired++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return expired
}

func (s *Sweeper) listManaged(ctx context.Context) ([]browser.Container, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.m.opts.RuntimeCallTimeout)
	defer cancel()
	return s.m.runtime.ListByLabel(callCtx, map[string]string{browser.LabelService: browser.ServiceName})
}

// removeOrphans tears down containers whose session_id has no live record.
func (s *Sweeper) removeOrphans(ctx context.Context, containers []browser.Container, fail func(string, ...any)) int {
	removed := 0
	for _, c := range containers {
		if removed >= s.opts.OrphanMaxPerPass {
			s.log.Info().Int("limit", s.opts.OrphanMaxPerPass).Msg("orphan limit reached for this pass")
			break
		}
		ok, err := s.removeOrphan(ctx, c)
		if err != nil {
			fail("remove orphan %s: %v", shortID(c.ID), err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if ok {
			removed++
		}
	}
	return removed
}

// removeOrphan re-checks ownership under the session lock, so a container
// being torn down by a concurrent stop is never removed twice.
func (s *Sweeper) removeOrphan(ctx context.Context, c browser.Container) (bool, error) {
	id := c.Labels[browser.LabelSessionID]
	if id != "" {
		unlock, ok := s.m.registry.TryLockSession(id)
		if !ok {
			return false, nil
		}
		defer unlock()
	}
	if s.owned(id, c.ID) {
		return false, nil
	}

	h := browser.Handle{ID: c.ID, Name: c.Name}
	callCtx, cancel := context.WithTimeout(ctx, s.m.opts.RuntimeCallTimeout)
	stats, err := s.m.runtime.Inspect(callCtx, h)
	cancel()
	if err != nil {
		return false, err
	}
	if stats.Status == "not_found" {
		return false, nil
	}

	if err := s.orphan.Wait(ctx); err != nil {
		return false, err
	}
	if err := s.m.teardown(ctx, h); err != nil {
		return false, err
	}

	s.log.Info().Str("container_id", shortID(c.ID)).Str("session_id", id).Msg("removed orphan container")
	s.m.audit.Emit(audit.Event{
		Type:      audit.OrphanRemoved,
		SessionID: id,
		OwnerID:   c.Labels[browser.LabelOwnerID],
		Browser:   models.BrowserType(c.Labels[browser.LabelBrowser]),
		Actor:     "sweeper",
		Message:   "container " + shortID(c.ID),
		At:        s.m.now(),
	})
	return true, nil
}

// owned reports whether a live session claims the container. A creating
// session may not have recorded its container id yet, so the label alone
// is enough while it is creating.
func (s *Sweeper) owned(sessionID, containerID string) bool {
	if sessionID == "" {
		return false
	}
	sess, err := s.m.registry.Get(sessionID)
	if err != nil || sess.Status.Terminal() {
		return false
	}
	return sess.Status == models.StatusCreating || sess.ContainerID == "" || sess.ContainerID == containerID
}

// prune forgets terminal records older than the retention window that no
// listed container still refers to.
func (s *Sweeper) prune(now time.Time, containers []browser.Container) int {
	referenced := make(map[string]bool, len(containers))
	for _, c := range containers {
		referenced[c.Labels[browser.LabelSessionID]] = true
	}
	cutoff := now.Add(-s.opts.RecordRetention)

	pruned := 0
	for _, sess := range s.m.registry.List(models.SessionFilter{}) {
		if !sess.Status.Terminal() || referenced[sess.ID] {
			continue
		}
		ended := sess.CreatedAt
		if sess.StoppedAt != nil {
			ended = *sess.StoppedAt
		}
		if ended.After(cutoff) {
			continue
		}
		unlock, ok := s.m.registry.TryLockSession(sess.ID)
		if !ok {
			continue
		}
		s.m.registry.Remove(sess.ID)
		unlock()
		pruned++
	}
	return pruned
}

func (s *Sweeper) logReport(r models.SweepReport) {
	ev := s.log.Debug()
	if r.Expired > 0 || r.Orphans > 0 || r.Pruned > 0 {
		ev = s.log.Info()
	}
	if len(r.Failures) > 0 {
		ev = s.log.Warn().Strs("failures", r.Failures)
	}
	ev.Int("expired", r.Expired).Int("orphans", r.Orphans).Int("pruned", r.Pruned).
		Str("duration", r.Duration).Msg("sweep finished")
}
