package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/cloud-browser/internal/audit"
	"github.com/shehryarbajwa/cloud-browser/internal/browser"
	"github.com/shehryarbajwa/cloud-browser/internal/browser/browsertest"
	"github.com/shehryarbajwa/cloud-browser/internal/config"
	"github.com/shehryarbajwa/cloud-browser/internal/ports"
	"github.com/shehryarbajwa/cloud-browser/internal/resources"
	"github.com/shehryarbajwa/cloud-browser/pkg/models"
)

type eventLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (l *eventLog) Emit(e audit.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(t audit.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	m       *Manager
	rt      *browsertest.Runtime
	ports   *ports.Allocator
	events  *eventLog
	clock   *clock
	display ports.Range
	web     ports.Range
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixtureOpt func(*Options, *ports.Range, *ports.Range)

func withPorts(display, web ports.Range) fixtureOpt {
	return func(_ *Options, d, w *ports.Range) { *d, *w = display, web }
}

func withOptions(fn func(*Options)) fixtureOpt {
	return func(o *Options, _, _ *ports.Range) { fn(o) }
}

func newFixture(t *testing.T, opts ...fixtureOpt) *fixture {
	t.Helper()

	o := Options{
		PublicHost: "browsers.example.com",
		Images: map[models.BrowserType]string{
			models.BrowserFirefox:  "kasmweb/firefox:1.14.0",
			models.BrowserChrome:   "kasmweb/chrome:1.14.0",
			models.BrowserChromium: "kasmweb/chrome:1.14.0",
		},
		ReadinessTimeout:   time.Second,
		ReadinessInterval:  10 * time.Millisecond,
		RuntimeCallTimeout: time.Second,
		TeardownRetries:    2,
		TeardownBackoff:    time.Millisecond,
		Sweep: SweepOptions{
			Interval:   time.Hour,
			OrphanRate: 1000,
		},
	}
	display := ports.Range{Start: 5900, End: 6000}
	web := ports.Range{Start: 6080, End: 7000}
	for _, fn := range opts {
		fn(&o, &display, &web)
	}

	alloc, err := ports.New(display, web)
	require.NoError(t, err)
	acct, err := resources.NewAccountant(resources.Bounds{
		DefaultCPU: 1, DefaultMemory: 2 << 30,
		CPUFloor: 0.25, CPUCeiling: 4,
		MemoryFloor: 512 << 20, MemoryCeiling: 8 << 30,
	})
	require.NoError(t, err)

	rt := browsertest.New()
	events := &eventLog{}
	m, err := NewManager(Deps{
		Runtime:    rt,
		Ports:      alloc,
		Accountant: acct,
		Profiles:   NewStaticProfiles(3, time.Hour, map[string]config.OwnerOverride{"vip": {MaxContainers: 5}}),
		Audit:      events,
		Logger:     zerolog.Nop(),
	}, o)
	require.NoError(t, err)

	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m.now = clk.Now
	return &fixture{m: m, rt: rt, ports: alloc, events: events, clock: clk, display: display, web: web}
}

func (f *fixture) create(t *testing.T, owner string) *models.Session {
	t.Helper()
	s, err := f.m.CreateSession(context.Background(), owner, models.CreateSessionRequest{Browser: models.BrowserFirefox})
	require.NoError(t, err)
	return s
}

func (f *fixture) reservedPorts() int {
	return f.ports.Usage(ports.Display).Reserved + f.ports.Usage(ports.Web).Reserved
}

func TestCreateSessionRunning(t *testing.T) {
	f := newFixture(t)

	s, err := f.m.CreateSession(context.Background(), "alice", models.CreateSessionRequest{
		Browser:     models.BrowserChrome,
		Name:        "research tab",
		Resolution:  "1280x720",
		MemoryLimit: "1g",
		Env:         map[string]string{"TZ": "UTC"},
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusRunning, s.Status)
	assert.NotEmpty(t, s.ContainerID)
	assert.Equal(t, "research tab", s.Name)
	assert.Equal(t, f.clock.Now().Add(time.Hour), s.ExpiresAt)
	require.NotNil(t, s.StartedAt)
	assert.True(t, f.display.Contains(s.Endpoints.DisplayPort))
	assert.True(t, f.web.Contains(s.Endpoints.WebPort))
	assert.Contains(t, s.Endpoints.AccessURL, "browsers.example.com")
	assert.Len(t, s.DisplayPassword, 8)
	assert.Equal(t, int64(1<<30), s.Limits.MemoryBytes)

	spec, ok := f.rt.Spec(s.ContainerID)
	require.True(t, ok)
	assert.Equal(t, "kasmweb/chrome:1.14.0", spec.Image)
	assert.Equal(t, s.ID, spec.Labels[browser.LabelSessionID])
	assert.Equal(t, "alice", spec.Labels[browser.LabelOwnerID])
	assert.Equal(t, browser.ServiceName, spec.Labels[browser.LabelService])
	assert.Equal(t, "1280x720", spec.Env["VNC_RESOLUTION"])
	assert.Equal(t, "UTC", spec.Env["TZ"])
	assert.Equal(t, s.DisplayPassword, spec.Env["VNC_PW"])

	assert.Equal(t, 1, f.events.count(audit.SessionCreated))
	assert.Equal(t, 1, f.events.count(audit.SessionStarted))
}

func TestCreateSessionDefaults(t *testing.T) {
	f := newFixture(t)
	s, err := f.m.CreateSession(context.Background(), "alice", models.CreateSessionRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.BrowserFirefox, s.Browser)
	assert.Equal(t, "1920x1080", s.Resolution)
	assert.Equal(t, "firefox-20260301-120000", s.Name)
}

func TestCreateSessionValidation(t *testing.T) {
	tests := []struct {
		name  string
		req   models.CreateSessionRequest
		field string
	}{
		{"unknown browser", models.CreateSessionRequest{Browser: "netscape"}, "browserType"},
		{"bad resolution", models.CreateSessionRequest{Resolution: "huge"}, "resolution"},
		{"five digit resolution", models.CreateSessionRequest{Resolution: "10000x1080"}, "resolution"},
		{"bad name", models.CreateSessionRequest{Name: "rm -rf /;"}, "name"},
		{"bad memory", models.CreateSessionRequest{MemoryLimit: "lots"}, "resources"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.m.CreateSession(context.Background(), "alice", tt.req)
			require.ErrorIs(t, err, ErrValidation)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, verr.Fields, tt.field)
			assert.Zero(t, f.rt.Creates())
			assert.Zero(t, f.reservedPorts())
			assert.Zero(t, f.m.registry.Len())
		})
	}
}

func TestQuotaScenario(t *testing.T) {
	f := newFixture(t)

	var sessions []*models.Session
	for i := 0; i < 3; i++ {
		sessions = append(sessions, f.create(t, "alice"))
	}

	_, err := f.m.CreateSession(context.Background(), "alice", models.CreateSessionRequest{})
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, 3, f.rt.Creates())
	assert.Equal(t, 6, f.reservedPorts())

	// Another owner is unaffected.
	f.create(t, "bob")

	_, err = f.m.StopSession(context.Background(), sessions[0].ID)
	require.NoError(t, err)
	f.create(t, "alice")
}

func TestQuotaOverride(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.create(t, "vip")
	}
	_, err := f.m.CreateSession(context.Background(), "vip", models.CreateSessionRequest{})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestConcurrentCreatesRespectQuota(t *testing.T) {
	f := newFixture(t, withOptions(func(o *Options) { o.MaxConcurrentCreate = 8 }))

	const attempts = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.m.CreateSession(context.Background(), "alice", models.CreateSessionRequest{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrQuotaExceeded):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, attempts-3, rejected)
	assert.Equal(t, 3, f.m.registry.CountActive("alice"))
	assert.Equal(t, 3, f.rt.Count())
}

func TestConcurrentCreatesGetDistinctPorts(t *testing.T) {
	f := newFixture(t, withOptions(func(o *Options) { o.MaxConcurrentCreate = 16 }))

	var wg sync.WaitGroup
	results := make([]*models.Session, 30)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := f.m.CreateSession(context.Background(), "vip-"+string(rune('a'+i)), models.CreateSessionRequest{})
			if assert.NoError(t, err) {
				results[i] = s
			}
		}()
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, s := range results {
		require.NotNil(t, s)
		for _, p := range []int{s.Endpoints.DisplayPort, s.Endpoints.WebPort} {
			assert.False(t, seen[p], "port %d handed out twice", p)
			seen[p] = true
		}
	}
}

func TestCreatePortExhaustion(t *testing.T) {
	f := newFixture(t, withPorts(ports.Range{Start: 5900, End: 5901}, ports.Range{Start: 6080, End: 6090}))

	f.create(t, "alice")
	_, err := f.m.CreateSession(context.Background(), "bob", models.CreateSessionRequest{})
	require.ErrorIs(t, err, ErrPortExhausted)
	assert.Equal(t, 1, f.rt.Creates())
	assert.Equal(t, 1, f.m.registry.Len())
	assert.Equal(t, 2, f.reservedPorts())
}

func TestCreateFailureRollsBack(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(rt *browsertest.Runtime)
		want    error
		removes int
	}{
		{
			name:  "image missing",
			setup: func(rt *browsertest.Runtime) { rt.CreateErr = browser.ErrImageNotFound },
			want:  ErrImageNotFound,
		},
		{
			name: "start failed after create",
			setup: func(rt *browsertest.Runtime) {
				rt.CreateErr = browser.ErrResourceLimitExceeded
				rt.CreateLeaves = true
			},
			want:    ErrResourceLimitExceeded,
			removes: 1,
		},
		{
			name:    "readiness timeout",
			setup:   func(rt *browsertest.Runtime) { rt.WaitErr = browser.ErrReadinessTimeout },
			want:    ErrReadinessTimeout,
			removes: 1,
		},
		{
			name:    "readiness never signalled",
			setup:   func(rt *browsertest.Runtime) { rt.WaitBlock = true },
			want:    ErrReadinessTimeout,
			removes: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, withOptions(func(o *Options) { o.ReadinessTimeout = 50 * time.Millisecond }))
			tt.setup(f.rt)

			_, err := f.m.CreateSession(context.Background(), "alice", models.CreateSessionRequest{})
			require.ErrorIs(t, err, tt.want)

			assert.Zero(t, f.reservedPorts())
			assert.Zero(t, f.rt.Count())
			assert.Equal(t, tt.removes, f.rt.TotalRemoves())

			list := f.m.ListSessionsForOwner("alice", models.SessionFilter{})
			require.Len(t, list, 1)
			assert.Equal(t, models.StatusError, list[0].Status)
			assert.Empty(t, list[0].ContainerID)
			assert.Equal(t, 1, list[0].Error.Count)
			assert.Equal(t, 1, f.events.count(audit.SessionError))

			// A failed create does not count against the quota.
			assert.Zero(t, f.m.registry.CountActive("alice"))
		})
	}
}

func TestCreateTimeoutReclaimsUnreportedContainer(t *testing.T) {
	f := newFixture(t)
	f.rt.CreateErr = context.DeadlineExceeded
	f.rt.CreateLeaves = true
	f.rt.CreateLosesHandle = true

	_, err := f.m.CreateSession(context.Background(), "alice", models.CreateSessionRequest{})
	require.ErrorIs(t, err, ErrRuntimeUnavailable)
	assert.NotErrorIs(t, err, ErrReadinessTimeout)

	assert.Zero(t, f.rt.Count())
	assert.Equal(t, 1, f.rt.TotalRemoves())
	assert.Zero(t, f.reservedPorts())

	list := f.m.ListSessionsForOwner("alice", models.SessionFilter{})
	require.Len(t, list, 1)
	assert.Equal(t, models.StatusError, list[0].Status)
	assert.Contains(t, list[0].Error.Message, "create timed out")
}

func TestCreatePassesReadinessSettings(t *testing.T) {
	f := newFixture(t, withOptions(func(o *Options) {
		o.ReadinessMarkers = []string{"noVNC started"}
		o.ReadinessCheck = browser.CheckHTTP
		o.ReadinessCheckPort = browser.WebContainerPort
		o.ReadinessCheckScheme = "https"
	}))
	f.create(t, "alice")

	spec := f.rt.LastReady()
	assert.Equal(t, []string{"noVNC started"}, spec.LogMarkers)
	assert.Equal(t, browser.CheckHTTP, spec.Check)
	assert.Equal(t, browser.WebContainerPort, spec.CheckPort)
	assert.Equal(t, "https", spec.CheckScheme)
	assert.Equal(t, time.Second, spec.Timeout)

	plain := newFixture(t)
	plain.create(t, "alice")
	assert.False(t, plain.rt.LastReady().Checking())
}

func TestCreateCancelledByCaller(t *testing.T) {
	f := newFixture(t)
	f.rt.WaitBlock = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.m.CreateSession(ctx, "alice", models.CreateSessionRequest{})
		done <- err
	}()
	require.Eventually(t, func() bool { return f.rt.Waits() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.rt.Count())
	assert.Zero(t, f.reservedPorts())

	list := f.m.ListSessionsForOwner("alice", models.SessionFilter{})
	require.Len(t, list, 1)
	assert.Equal(t, models.StatusError, list[0].Status)
}

func TestStopDuringCreate(t *testing.T) {
	f := newFixture(t)
	f.rt.WaitBlock = true

	done := make(chan error, 1)
	go func() {
		_, err := f.m.CreateSession(context.Background(), "alice", models.CreateSessionRequest{})
		done <- err
	}()
	require.Eventually(t, func() bool { return f.rt.Waits() == 1 }, time.Second, 5*time.Millisecond)

	list := f.m.ListSessionsForOwner("alice", models.SessionFilter{})
	require.Len(t, list, 1)
	assert.Equal(t, models.StatusCreating, list[0].Status)

	stopped, err := f.m.StopSession(context.Background(), list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, stopped.Status)

	require.ErrorIs(t, <-done, ErrNotRunning)
	assert.Zero(t, f.rt.Count())
	assert.Zero(t, f.reservedPorts())
	assert.Equal(t, 1, f.events.count(audit.SessionStopped))
	assert.Zero(t, f.events.count(audit.SessionError))
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, "alice")

	stopped, err := f.m.StopSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, stopped.Status)
	assert.Empty(t, stopped.ContainerID)
	assert.Empty(t, stopped.Endpoints.AccessURL)
	require.NotNil(t, stopped.StoppedAt)
	assert.Zero(t, f.reservedPorts())

	again, err := f.m.StopSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, stopped, again)

	assert.Equal(t, 1, f.rt.Stops(s.ContainerID))
	assert.Equal(t, 1, f.rt.Removes(s.ContainerID))
	assert.Equal(t, 1, f.events.count(audit.SessionStopped))
}

func TestConcurrentStopsTearDownOnce(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, "alice")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.m.StopSession(context.Background(), s.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.rt.Removes(s.ContainerID))
	assert.Equal(t, 1, f.events.count(audit.SessionStopped))
}

func TestStopWithFailingRuntimeStillTerminates(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, "alice")
	f.rt.SetFailures(browser.ErrRuntimeUnavailable, browser.ErrRuntimeUnavailable)

	stopped, err := f.m.StopSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, stopped.Status)
	assert.Zero(t, f.reservedPorts())
	// One attempt plus two retries.
	assert.Equal(t, 3, f.rt.Removes(s.ContainerID))
	assert.True(t, f.rt.Exists(s.ContainerID))
}

func TestStopUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.StopSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdminForceStop(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, "alice")

	stopped, err := f.m.AdminForceStop(context.Background(), s.ID, "abuse report")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, stopped.Status)

	f.events.mu.Lock()
	last := f.events.events[len(f.events.events)-1]
	f.events.mu.Unlock()
	assert.Equal(t, "admin", last.Actor)
	assert.Equal(t, "abuse report", last.Message)
}

func TestExtendSession(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, "alice")

	t.Run("adds hours", func(t *testing.T) {
		got, err := f.m.ExtendSession(context.Background(), s.ID, 2)
		require.NoError(t, err)
		assert.Equal(t, s.ExpiresAt.Add(2*time.Hour), got.ExpiresAt)
	})

	t.Run("clamps to cap", func(t *testing.T) {
		before, err := f.m.GetSession(s.ID)
		require.NoError(t, err)
		got, err := f.m.ExtendSession(context.Background(), s.ID, 100)
		require.NoError(t, err)
		assert.Equal(t, before.ExpiresAt.Add(8*time.Hour), got.ExpiresAt)
	})

	t.Run("rejects zero", func(t *testing.T) {
		_, err := f.m.ExtendSession(context.Background(), s.ID, 0)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("requires running", func(t *testing.T) {
		_, err := f.m.StopSession(context.Background(), s.ID)
		require.NoError(t, err)
		_, err = f.m.ExtendSession(context.Background(), s.ID, 1)
		assert.ErrorIs(t, err, ErrNotRunning)
	})

	assert.Equal(t, 2, f.events.count(audit.SessionExtended))
}

func TestExtendElapsedSessionExpiresIt(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, "alice")
	f.clock.Advance(2 * time.Hour)

	_, err := f.m.ExtendSession(context.Background(), s.ID, 1)
	require.ErrorIs(t, err, ErrExpiredSession)

	got, err := f.m.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)
	assert.False(t, f.rt.Exists(s.ContainerID))
	assert.Zero(t, f.reservedPorts())

	_, err = f.m.ExtendSession(context.Background(), s.ID, 1)
	assert.ErrorIs(t, err, ErrExpiredSession)
}

func TestUpdateSession(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, "alice")
	f.clock.Advance(time.Minute)

	name, res := "  quarterly report ", "1280x720"
	out, err := f.m.UpdateSession(context.Background(), s.ID, models.UpdateSessionRequest{Name: &name, Resolution: &res})
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "resolution"}, out.UpdatedFields)
	assert.Equal(t, "quarterly report", out.Session.Name)
	assert.Equal(t, "1280x720", out.Session.Resolution)
	assert.Equal(t, f.clock.Now(), out.Session.LastAccessedAt)
	assert.Equal(t, models.StatusRunning, out.Session.Status)
	assert.Equal(t, 1, f.events.count(audit.SessionUpdated))

	same, err := f.m.UpdateSession(context.Background(), s.ID, models.UpdateSessionRequest{Name: &out.Session.Name})
	require.NoError(t, err)
	assert.Empty(t, same.UpdatedFields)
	assert.Equal(t, 1, f.events.count(audit.SessionUpdated))
}

func TestUpdateSessionValidation(t *testing.T) {
	long := strings.Repeat("a", 101)
	bad, empty, res := "rm -rf /;", " ", "wide"
	tests := []struct {
		name  string
		req   models.UpdateSessionRequest
		field string
	}{
		{"name too long", models.UpdateSessionRequest{Name: &long}, "name"},
		{"name with symbols", models.UpdateSessionRequest{Name: &bad}, "name"},
		{"blank name", models.UpdateSessionRequest{Name: &empty}, "name"},
		{"bad resolution", models.UpdateSessionRequest{Resolution: &res}, "resolution"},
	}
	f := newFixture(t)
	s := f.create(t, "alice")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.m.UpdateSession(context.Background(), s.ID, tt.req)
			require.ErrorIs(t, err, ErrValidation)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.field)
		})
	}

	name := "fine"
	_, err := f.m.UpdateSession(context.Background(), "missing", models.UpdateSessionRequest{Name: &name})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanupOwner(t *testing.T) {
	f := newFixture(t)
	overdue := f.create(t, "alice")
	other := f.create(t, "bob")
	f.clock.Advance(30 * time.Minute)
	fresh := f.create(t, "alice")
	f.clock.Advance(31 * time.Minute)

	n, err := f.m.CleanupOwner(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	statuses := map[string]models.SessionStatus{}
	for _, id := range []string{overdue.ID, fresh.ID, other.ID} {
		got, err := f.m.GetSession(id)
		require.NoError(t, err)
		statuses[id] = got.Status
	}
	assert.Equal(t, models.StatusExpired, statuses[overdue.ID])
	assert.Equal(t, models.StatusRunning, statuses[fresh.ID])
	assert.Equal(t, models.StatusRunning, statuses[other.ID])

	n, err = f.m.CleanupOwner(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAccessSession(t *testing.T) {
	f := newFixture(t)
	f.rt.Stats = models.ContainerStats{NetRxBytes: 300, NetTxBytes: 200}
	s := f.create(t, "alice")

	f.clock.Advance(10 * time.Minute)
	info, err := f.m.AccessSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Session.Counters.PageViews)
	assert.Equal(t, int64(500), info.Session.Counters.BytesTransferred)
	assert.Equal(t, f.clock.Now(), info.Session.LastAccessedAt)
	assert.Equal(t, s.Endpoints, info.Endpoints)
	assert.InDelta(t, (50 * time.Minute).Seconds(), info.TimeRemaining, 0.001)

	// Inspect failures do not fail the access.
	f.rt.InspectErr = browser.ErrRuntimeUnavailable
	info, err = f.m.AccessSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Session.Counters.PageViews)
	assert.Equal(t, int64(500), info.Session.Counters.BytesTransferred)
}

func TestAccessExpiredSession(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, "alice")
	f.clock.Advance(time.Hour + time.Second)

	_, err := f.m.AccessSession(context.Background(), s.ID)
	require.ErrorIs(t, err, ErrExpiredSession)

	got, err := f.m.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)
	assert.Equal(t, 1, f.events.count(audit.SessionExpired))
}

func TestReportErrorEscalates(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, "alice")

	for i := 1; i < 5; i++ {
		got, err := f.m.ReportError(context.Background(), s.ID, "tab crashed")
		require.NoError(t, err)
		assert.Equal(t, i, got.Error.Count)
		assert.Equal(t, models.StatusRunning, got.Status)
	}

	got, err := f.m.ReportError(context.Background(), s.ID, "tab crashed")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Status)
	assert.Equal(t, 5, got.Error.Count)
	assert.False(t, f.rt.Exists(s.ContainerID))
	assert.Zero(t, f.reservedPorts())
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, "alice")

	require.NoError(t, f.m.DeleteSession(context.Background(), s.ID))
	_, err := f.m.GetSession(s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, f.rt.Count())
	assert.Equal(t, 1, f.events.count(audit.SessionDeleted))

	assert.ErrorIs(t, f.m.DeleteSession(context.Background(), s.ID), ErrNotFound)
}

func TestDeleteKeepsRecordWhenContainerRemains(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, "alice")
	f.rt.SetFailures(nil, browser.ErrRuntimeUnavailable)

	err := f.m.DeleteSession(context.Background(), s.ID)
	require.ErrorIs(t, err, ErrRemoveFailure)

	got, err := f.m.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, got.Status)

	f.rt.SetFailures(nil, nil)
	require.NoError(t, f.m.DeleteSession(context.Background(), s.ID))
	assert.Zero(t, f.rt.Count())
}

func TestDeleteWhenListingFails(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, "alice")
	f.rt.ListErr = browser.ErrRuntimeUnavailable

	require.ErrorIs(t, f.m.DeleteSession(context.Background(), s.ID), ErrRemoveFailure)
	_, err := f.m.GetSession(s.ID)
	assert.NoError(t, err)
}

func TestListSessionsForOwner(t *testing.T) {
	f := newFixture(t)
	first := f.create(t, "alice")
	f.clock.Advance(time.Minute)
	second, err := f.m.CreateSession(context.Background(), "alice", models.CreateSessionRequest{Browser: models.BrowserChrome})
	require.NoError(t, err)
	f.create(t, "bob")
	_, err = f.m.StopSession(context.Background(), first.ID)
	require.NoError(t, err)

	all := f.m.ListSessionsForOwner("alice", models.SessionFilter{})
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)
	assert.Equal(t, first.ID, all[1].ID)

	running := f.m.ListSessionsForOwner("alice", models.SessionFilter{Status: models.StatusRunning})
	require.Len(t, running, 1)
	assert.Equal(t, second.ID, running[0].ID)

	chrome := f.m.ListSessionsForOwner("alice", models.SessionFilter{Browser: models.BrowserChrome})
	assert.Len(t, chrome, 1)

	// The owner filter cannot be widened by the caller.
	assert.Len(t, f.m.ListSessionsForOwner("alice", models.SessionFilter{OwnerID: "bob"}), 2)
	assert.Len(t, f.m.AdminListAllSessions(models.SessionFilter{}), 3)
}

func TestContainerStatus(t *testing.T) {
	f := newFixture(t)
	f.rt.Stats = models.ContainerStats{CPUPercent: 12.5}
	s := f.create(t, "alice")

	stats, err := f.m.ContainerStatus(context.Background(), s.ID)
	require.NoError(t, err)
	assert.True(t, stats.Running)
	assert.Equal(t, 12.5, stats.CPUPercent)

	_, err = f.m.StopSession(context.Background(), s.ID)
	require.NoError(t, err)
	_, err = f.m.ContainerStatus(context.Background(), s.ID)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestSystemResourceSnapshot(t *testing.T) {
	f := newFixture(t)
	f.rt.Host = models.RuntimeInfo{ServerVersion: "28.5.2", NCPU: 8}
	f.create(t, "alice")
	s := f.create(t, "bob")
	_, err := f.m.StopSession(context.Background(), s.ID)
	require.NoError(t, err)

	snap := f.m.SystemResourceSnapshot(context.Background())
	require.NotNil(t, snap.Runtime)
	assert.Equal(t, "28.5.2", snap.Runtime.ServerVersion)
	assert.Equal(t, 1, snap.Runtime.ContainersRunning)
	assert.Equal(t, 2, snap.TotalSessions)
	assert.Equal(t, 1, snap.Sessions[models.StatusRunning])
	assert.Equal(t, 1, snap.Sessions[models.StatusStopped])
	assert.Equal(t, 2, snap.Browsers[models.BrowserFirefox])
	assert.Equal(t, 1, snap.DisplayPorts.Reserved)
	assert.Equal(t, 100, snap.DisplayPorts.Total)
}

func TestPullImages(t *testing.T) {
	f := newFixture(t)
	results, err := f.m.PullImages(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "kasmweb/chrome:1.14.0", results[0].Image)
	assert.Equal(t, []models.BrowserType{models.BrowserChrome, models.BrowserChromium}, results[0].Browsers)
	assert.ElementsMatch(t, []string{"kasmweb/chrome:1.14.0", "kasmweb/firefox:1.14.0"}, f.rt.Pulled())
}
