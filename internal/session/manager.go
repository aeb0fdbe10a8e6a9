// Package session owns the lifecycle of browser sessions: quota checks,
// port leases, container creation, expiry, and teardown.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/cloud-browser/internal/audit"
	"github.com/shehryarbajwa/cloud-browser/internal/browser"
	"github.com/shehryarbajwa/cloud-browser/internal/config"
	"github.com/shehryarbajwa/cloud-browser/internal/ports"
	"github.com/shehryarbajwa/cloud-browser/internal/resources"
	"github.com/shehryarbajwa/cloud-browser/pkg/models"
)

const (
	defaultResolution = "1920x1080"
	maxNameLength     = 100
	passwordLength    = 8
)

var (
	resolutionPattern = regexp.MustCompile(`^\d{3,4}x\d{3,4}$`)
	namePattern       = regexp.MustCompile(`^[a-zA-Z0-9\s._-]+$`)

	errStoppedDuringCreate = fmt.Errorf("%w: stopped while starting", ErrNotRunning)
)

// Options tunes the manager. Zero values fall back to the defaults in
// withDefaults.
type Options struct {
	PublicHost string
	Images     map[models.BrowserType]string
	Network    string
	ShmSize    int64

	ExtendCapHours int
	ErrorThreshold int

	ReadinessTimeout  time.Duration
	ReadinessInterval time.Duration
	ReadinessMarkers  []string
	ReadinessSettle   time.Duration

	// ReadinessCheck checks the browser's web server on the container's
	// own address. Empty means no check.
	ReadinessCheck       browser.CheckKind
	ReadinessCheckPort   int
	ReadinessCheckScheme string

	RuntimeCallTimeout  time.Duration
	StopGrace           time.Duration
	TeardownRetries     int
	TeardownBackoff     time.Duration
	MaxConcurrentCreate int

	Sweep SweepOptions
}

// OptionsFromConfig maps service configuration onto manager options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PublicHost:           cfg.PublicHost,
		Images:               cfg.Images,
		Network:              cfg.DockerNetwork,
		ShmSize:              cfg.ShmSize,
		ExtendCapHours:       cfg.ExtendCapHours,
		ReadinessTimeout:     cfg.ReadinessTimeout,
		ReadinessInterval:    cfg.ReadinessInterval,
		ReadinessMarkers:     cfg.ReadinessMarkers,
		ReadinessCheck:       browser.CheckKind(cfg.ReadinessCheck),
		ReadinessCheckPort:   cfg.ReadinessCheckPort,
		ReadinessCheckScheme: cfg.ReadinessScheme,
		RuntimeCallTimeout:   cfg.RuntimeCallTimeout,
		StopGrace:            cfg.StopGrace,
		TeardownRetries:      cfg.TeardownRetries,
		MaxConcurrentCreate:  cfg.MaxConcurrentCreate,
		Sweep: SweepOptions{
			Interval:         cfg.SweepInterval,
			OrphanRate:       cfg.OrphanRate,
			OrphanMaxPerPass: cfg.OrphanMaxPerPass,
			RecordRetention:  cfg.RecordRetention,
		},
	}
}

func (o Options) withDefaults() Options {
	if o.PublicHost == "" {
		o.PublicHost = "localhost"
	}
	if o.ExtendCapHours <= 0 {
		o.ExtendCapHours = 8
	}
	if o.ErrorThreshold <= 0 {
		o.ErrorThreshold = 5
	}
	if o.ReadinessTimeout <= 0 {
		o.ReadinessTimeout = 60 * time.Second
	}
	if o.ReadinessInterval <= 0 {
		o.ReadinessInterval = time.Second
	}
	if o.ReadinessCheck == "" {
		o.ReadinessCheck = browser.CheckNone
	}
	if o.ReadinessSettle <= 0 {
		o.ReadinessSettle = 2 * time.Second
	}
	if o.RuntimeCallTimeout <= 0 {
		o.RuntimeCallTimeout = 30 * time.Second
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 10 * time.Second
	}
	if o.TeardownRetries < 0 {
		o.TeardownRetries = 0
	}
	if o.TeardownBackoff <= 0 {
		o.TeardownBackoff = 500 * time.Millisecond
	}
	if o.MaxConcurrentCreate <= 0 {
		o.MaxConcurrentCreate = 4
	}
	o.Sweep = o.Sweep.withDefaults()
	return o
}

// Deps are the collaborators a Manager is built from.
type Deps struct {
	Runtime    browser.Runtime
	Ports      *ports.Allocator
	Accountant *resources.Accountant
	Profiles   ProfileProvider
	Audit      audit.Emitter
	Logger     zerolog.Logger
}

// Manager is the lifecycle controller for sessions
type Manager struct {
	registry   *Registry
	runtime    browser.Runtime
	ports      *ports.Allocator
	accountant *resources.Accountant
	profiles   ProfileProvider
	audit      audit.Emitter
	opts       Options
	log        zerolog.Logger

	createSem *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]context.CancelCauseFunc
	leases   map[string][2]int

	sweeper *Sweeper
	now     func() time.Time
}

// NewManager creates a new session manager
func NewManager(deps Deps, opts Options) (*Manager, error) {
	if deps.Runtime == nil || deps.Ports == nil || deps.Accountant == nil || deps.Profiles == nil {
		return nil, errors.New("session manager needs a runtime, port allocator, accountant and profiles")
	}
	if deps.Audit == nil {
		deps.Audit = audit.Discard
	}
	opts = opts.withDefaults()
	m := &Manager{
		registry:   NewRegistry(),
		runtime:    deps.Runtime,
		ports:      deps.Ports,
		accountant: deps.Accountant,
		profiles:   deps.Profiles,
		audit:      deps.Audit,
		opts:       opts,
		log:        deps.Logger.With().Str("component", "session").Logger(),
		createSem:  semaphore.NewWeighted(int64(opts.MaxConcurrentCreate)),
		inflight:   make(map[string]context.CancelCauseFunc),
		leases:     make(map[string][2]int),
		now:        func() time.Time { return time.Now().UTC() },
	}
	m.sweeper = newSweeper(m, opts.Sweep)
	return m, nil
}

// Sweeper returns the expiry sweeper bound to this manager.
func (m *Manager) Sweeper() *Sweeper { return m.sweeper }

// CreateSession registers a session for owner and starts its container.
// On any failure after registration the record ends in error (or stopped,
// if StopSession interrupted it) and every acquired resource is released.
func (m *Manager) CreateSession(ctx context.Context, ownerID string, req models.CreateSessionRequest) (*models.Session, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, &ValidationError{Fields: map[string]string{"owner": "is required"}}
	}
	profile := m.profiles.Profile(ownerID)

	unlockOwner := m.registry.LockOwner(ownerID)
	if active := m.registry.CountActive(ownerID); active >= profile.MaxContainers {
		unlockOwner()
		return nil, fmt.Errorf("%w: %d of %d sessions active", ErrQuotaExceeded, active, profile.MaxContainers)
	}

	if err := m.validate(&req); err != nil {
		unlockOwner()
		return nil, err
	}
	limits, err := m.accountant.Resolve(models.OwnerProfile{
		CPUShare:    profile.CPUShare,
		MemoryBytes: profile.MemoryBytes,
	}, req)
	if err != nil {
		unlockOwner()
		return nil, &ValidationError{Fields: map[string]string{"resources": err.Error()}}
	}
	password, err := newPassword()
	if err != nil {
		unlockOwner()
		return nil, fmt.Errorf("failed to generate display password: %w", err)
	}

	display, web, err := m.ports.AllocatePair()
	if err != nil {
		unlockOwner()
		return nil, err
	}

	now := m.now()
	id := uuid.New().String()
	rec := &models.Session{
		ID:              id,
		OwnerID:         ownerID,
		Name:            req.Name,
		Browser:         req.Browser,
		Status:          models.StatusCreating,
		Image:           m.opts.Images[req.Browser],
		Resolution:      req.Resolution,
		DisplayPassword: password,
		Limits:          limits,
		CreatedAt:       now,
		LastAccessedAt:  now,
		ExpiresAt:       now.Add(profile.DefaultTTL),
	}
	if rec.Name == "" {
		rec.Name = fmt.Sprintf("%s-%s", req.Browser, now.Format("20060102-150405"))
	}

	createCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// The session lock is taken before the record is visible so no other
	// path can observe it between registration and the start of creation.
	unlock := m.registry.LockSession(id)
	defer unlock()

	m.mu.Lock()
	m.leases[id] = [2]int{display, web}
	m.inflight[id] = cancel
	m.mu.Unlock()
	defer m.untrack(id)

	if err := m.registry.Insert(rec); err != nil {
		unlockOwner()
		m.releasePorts(id)
		return nil, err
	}
	unlockOwner()

	log := m.log.With().Str("session_id", id).Str("owner_id", ownerID).Str("browser", string(req.Browser)).Logger()
	log.Info().Int("display_port", display).Int("web_port", web).
		Str("limits", resources.Describe(limits)).Msg("creating session")

	if err := m.createSem.Acquire(createCtx, 1); err != nil {
		return m.failCreate(createCtx, rec, browser.Handle{}, err)
	}
	defer m.createSem.Release(1)

	spec := m.containerSpec(rec, req.Env, display, web)
	callCtx, cancelCall := context.WithTimeout(createCtx, m.opts.RuntimeCallTimeout)
	h, err := m.runtime.Create(callCtx, spec)
	cancelCall()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && createCtx.Err() == nil {
			err = fmt.Errorf("%w: container create timed out after %s", ErrRuntimeUnavailable, m.opts.RuntimeCallTimeout)
		}
		if h.Empty() {
			// The engine may have created the container before the call failed.
			if rerr := m.removeLeftovers(createCtx, id); rerr != nil {
				log.Warn().Err(rerr).Msg("could not reclaim container after failed create")
			}
		}
		return m.failCreate(createCtx, rec, h, err)
	}
	if _, err := m.registry.Update(id, func(s *models.Session) error {
		s.ContainerID = h.ID
		return nil
	}); err != nil {
		return m.failCreate(createCtx, rec, h, err)
	}

	waitCtx, cancelWait := context.WithTimeout(createCtx, m.opts.ReadinessTimeout+m.opts.ReadinessInterval)
	err = m.runtime.WaitReady(waitCtx, h, m.readySpec())
	cancelWait()
	if errors.Is(err, context.DeadlineExceeded) && createCtx.Err() == nil {
		err = fmt.Errorf("%w after %s", ErrReadinessTimeout, m.opts.ReadinessTimeout)
	}
	if err == nil {
		err = createCtx.Err()
	}
	if err != nil {
		return m.failCreate(createCtx, rec, h, err)
	}

	now = m.now()
	profile = m.profiles.Profile(ownerID)
	running, err := m.registry.Update(id, func(s *models.Session) error {
		if err := transition(s, models.StatusRunning); err != nil {
			return err
		}
		s.StartedAt = &now
		s.LastAccessedAt = now
		s.ExpiresAt = now.Add(profile.DefaultTTL)
		s.Endpoints = m.endpoints(display, web)
		return nil
	})
	if err != nil {
		return m.failCreate(createCtx, rec, h, err)
	}

	log.Info().Str("container_id", shortID(h.ID)).Time("expires_at", running.ExpiresAt).Msg("session running")
	m.emit(audit.SessionCreated, running, "", "")
	m.emit(audit.SessionStarted, running, "", "")
	return running, nil
}

// failCreate rolls back a failed creation. The caller holds the session lock.
func (m *Manager) failCreate(createCtx context.Context, rec *models.Session, h browser.Handle, cause error) (*models.Session, error) {
	stopped := errors.Is(context.Cause(createCtx), errStoppedDuringCreate)

	log := m.log.With().Str("session_id", rec.ID).Logger()
	if !h.Empty() {
		if err := m.teardown(createCtx, h); err != nil {
			log.Warn().Err(err).Str("container_id", shortID(h.ID)).Msg("teardown after failed create left a container behind")
		}
	}
	m.releasePorts(rec.ID)

	final := models.StatusError
	if stopped {
		final = models.StatusStopped
	}
	now := m.now()
	updated, err := m.registry.Update(rec.ID, func(s *models.Session) error {
		if err := transition(s, final); err != nil {
			return err
		}
		s.StoppedAt = &now
		s.Endpoints = models.Endpoints{}
		if !stopped {
			s.Error.Count++
			s.Error.Message = cause.Error()
			s.Error.LastAt = &now
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to record create failure")
		updated = rec
	}

	if stopped {
		log.Info().Msg("session stopped while starting")
		m.emit(audit.SessionStopped, updated, "", "stopped while starting")
		return nil, errStoppedDuringCreate
	}
	log.Error().Err(cause).Msg("failed to create session")
	m.emit(audit.SessionError, updated, "", cause.Error())
	return nil, fmt.Errorf("failed to create session %s: %w", rec.ID, cause)
}

func (m *Manager) validate(req *models.CreateSessionRequest) error {
	verr := &ValidationError{}
	if req.Browser == "" {
		req.Browser = models.BrowserFirefox
	}
	if !req.Browser.Valid() {
		verr.add("browserType", fmt.Sprintf("must be one of %v", models.BrowserTypes))
	} else if m.opts.Images[req.Browser] == "" {
		verr.add("browserType", "no image configured")
	}
	if req.Resolution == "" {
		req.Resolution = defaultResolution
	}
	if !resolutionPattern.MatchString(req.Resolution) {
		verr.add("resolution", "must look like 1920x1080")
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name != "" {
		if len(req.Name) > maxNameLength {
			verr.add("name", fmt.Sprintf("must be at most %d characters", maxNameLength))
		} else if !namePattern.MatchString(req.Name) {
			verr.add("name", "may contain letters, digits, spaces, dots, dashes and underscores")
		}
	}
	return verr.orNil()
}

func (m *Manager) containerSpec(s *models.Session, extra map[string]string, display, web int) browser.ContainerSpec {
	env := make(map[string]string, len(extra)+8)
	for k, v := range extra {
		env[k] = v
	}
	env["VNC_PW"] = s.DisplayPassword
	env["RESOLUTION"] = s.Resolution
	env["VNC_RESOLUTION"] = s.Resolution
	env["VNC_PORT"] = strconv.Itoa(display)
	env["NOVNC_PORT"] = strconv.Itoa(web)
	env["VNC_COL_DEPTH"] = "24"
	env["DISPLAY"] = ":1"
	env["USER"] = "kasm-user"

	return browser.ContainerSpec{
		Name:  fmt.Sprintf("%s-%s-%s", browser.ServiceName, s.Browser, shortID(s.ID)),
		Image: s.Image,
		Env:   env,
		Labels: map[string]string{
			browser.LabelService:   browser.ServiceName,
			browser.LabelSessionID: s.ID,
			browser.LabelOwnerID:   s.OwnerID,
			browser.LabelBrowser:   string(s.Browser),
			browser.LabelCreatedAt: s.CreatedAt.Format(time.RFC3339),
		},
		ShmSize:     m.opts.ShmSize,
		SecurityOpt: []string{"seccomp=unconfined"},
		CPUShare:    s.Limits.CPUShare,
		MemoryBytes: s.Limits.MemoryBytes,
		DisplayPort: display,
		WebPort:     web,
		Network:     m.opts.Network,
	}
}

func (m *Manager) readySpec() browser.ReadySpec {
	return browser.ReadySpec{
		Timeout:     m.opts.ReadinessTimeout,
		Interval:    m.opts.ReadinessInterval,
		LogMarkers:  m.opts.ReadinessMarkers,
		Check:       m.opts.ReadinessCheck,
		CheckPort:   m.opts.ReadinessCheckPort,
		CheckScheme: m.opts.ReadinessCheckScheme,
		Settle:      m.opts.ReadinessSettle,
	}
}

func (m *Manager) endpoints(display, web int) models.Endpoints {
	return models.Endpoints{
		DisplayPort: display,
		WebPort:     web,
		AccessURL:   fmt.Sprintf("http://%s", net.JoinHostPort(m.opts.PublicHost, strconv.Itoa(web))),
		DisplayURL:  fmt.Sprintf("vnc://%s", net.JoinHostPort(m.opts.PublicHost, strconv.Itoa(display))),
	}
}

// GetSession returns a copy of the session.
func (m *Manager) GetSession(id string) (*models.Session, error) {
	return m.registry.Get(id)
}

// ListSessionsForOwner returns the owner's sessions, newest first.
func (m *Manager) ListSessionsForOwner(ownerID string, f models.SessionFilter) []*models.Session {
	f.OwnerID = ownerID
	return m.registry.List(f)
}

// AdminListAllSessions returns every session matching f, newest first.
func (m *Manager) AdminListAllSessions(f models.SessionFilter) []*models.Session {
	return m.registry.List(f)
}

// ExtendSession pushes the expiry of a running session out by hours,
// clamped to the per-call cap.
func (m *Manager) ExtendSession(ctx context.Context, id string, hours int) (*models.Session, error) {
	if hours < 1 {
		return nil, &ValidationError{Fields: map[string]string{"hours": "must be at least 1"}}
	}
	if hours > m.opts.ExtendCapHours {
		hours = m.opts.ExtendCapHours
	}

	unlock := m.registry.LockSession(id)
	defer unlock()

	s, err := m.requireRunning(ctx, id)
	if err != nil {
		return nil, err
	}

	now := m.now()
	updated, err := m.registry.Update(id, func(s *models.Session) error {
		base := s.ExpiresAt
		if base.Before(now) {
			base = now
		}
		s.ExpiresAt = base.Add(time.Duration(hours) * time.Hour)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info().Str("session_id", s.ID).Int("hours", hours).Time("expires_at", updated.ExpiresAt).Msg("session extended")
	m.emit(audit.SessionExtended, updated, "", fmt.Sprintf("extended by %dh", hours))
	return updated, nil
}

// UpdateSession changes the session's name or recorded resolution. The
// running display keeps the resolution it was started with.
func (m *Manager) UpdateSession(ctx context.Context, id string, req models.UpdateSessionRequest) (*models.UpdateSessionResult, error) {
	verr := &ValidationError{}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		switch {
		case name == "":
			verr.add("name", "must not be empty")
		case len(name) > maxNameLength:
			verr.add("name", fmt.Sprintf("must be at most %d characters", maxNameLength))
		case !namePattern.MatchString(name):
			verr.add("name", "may contain letters, digits, spaces, dots, dashes and underscores")
		}
		req.Name = &name
	}
	if req.Resolution != nil && !resolutionPattern.MatchString(*req.Resolution) {
		verr.add("resolution", "must look like 1920x1080")
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	unlock, err := m.registry.LockSessionContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var changed []string
	now := m.now()
	updated, err := m.registry.Update(id, func(s *models.Session) error {
		if req.Name != nil && *req.Name != s.Name {
			s.Name = *req.Name
			changed = append(changed, "name")
		}
		if req.Resolution != nil && *req.Resolution != s.Resolution {
			s.Resolution = *req.Resolution
			changed = append(changed, "resolution")
		}
		if len(changed) > 0 {
			s.LastAccessedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(changed) > 0 {
		m.log.Info().Str("session_id", id).Strs("fields", changed).Msg("session updated")
		m.emit(audit.SessionUpdated, updated, "", "updated: "+strings.Join(changed, ", "))
	} else {
		changed = []string{}
	}
	return &models.UpdateSessionResult{Session: updated, UpdatedFields: changed}, nil
}

// CleanupOwner expires the owner's live sessions whose TTL has elapsed and
// returns how many it expired. Teardown failures are joined into the error.
func (m *Manager) CleanupOwner(ctx context.Context, ownerID string) (int, error) {
	cutoff := m.now()
	var (
		expired int
		errs    []error
	)
	for _, s := range m.registry.ListByOwner(ownerID) {
		if !s.Status.Active() || !s.ExpiresAt.Before(cutoff) {
			continue
		}
		ok, err := m.expireIfDue(ctx, s.ID, cutoff)
		if ok {
			expired++
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
		}
	}
	if expired > 0 {
		m.log.Info().Str("owner_id", ownerID).Int("expired", expired).Msg("owner cleanup finished")
	}
	return expired, errors.Join(errs...)
}

// AccessSession records a client visit and returns connection details.
func (m *Manager) AccessSession(ctx context.Context, id string) (*models.AccessInfo, error) {
	unlock := m.registry.LockSession(id)
	defer unlock()

	s, err := m.requireRunning(ctx, id)
	if err != nil {
		return nil, err
	}

	var transferred int64 = -1
	if s.ContainerID != "" {
		callCtx, cancel := context.WithTimeout(ctx, m.opts.RuntimeCallTimeout)
		stats, err := m.runtime.Inspect(callCtx, browser.Handle{ID: s.ContainerID})
		cancel()
		if err != nil {
			m.log.Debug().Err(err).Str("session_id", id).Msg("could not refresh transfer counters")
		} else {
			transferred = int64(stats.NetRxBytes + stats.NetTxBytes)
		}
	}

	now := m.now()
	updated, err := m.registry.Update(id, func(s *models.Session) error {
		s.LastAccessedAt = now
		s.Counters.PageViews++
		if transferred >= 0 {
			s.Counters.BytesTransferred = transferred
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &models.AccessInfo{
		Session:       updated,
		Endpoints:     updated.Endpoints,
		TimeRemaining: updated.TimeRemaining(now).Seconds(),
	}, nil
}

// requireRunning loads a session that must be running, lazily expiring it
// when its TTL has already elapsed. The caller holds the session lock.
func (m *Manager) requireRunning(ctx context.Context, id string) (*models.Session, error) {
	s, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}
	switch {
	case s.Status == models.StatusExpired:
		return nil, ErrExpiredSession
	case s.Status != models.StatusRunning:
		return nil, fmt.Errorf("%w: status is %s", ErrNotRunning, s.Status)
	}
	if s.Expired(m.now()) {
		if _, _, err := m.shutdownLocked(ctx, s, models.StatusExpired, audit.SessionExpired, "", "expired on access"); err != nil {
			m.log.Warn().Err(err).Str("session_id", id).Msg("lazy expiry teardown incomplete")
		}
		return nil, ErrExpiredSession
	}
	return s, nil
}

// StopSession stops the session and releases its resources. Stopping a
// session that already reached a terminal state returns it unchanged.
func (m *Manager) StopSession(ctx context.Context, id string) (*models.Session, error) {
	return m.stop(ctx, id, "", "")
}

// AdminForceStop stops any session on behalf of an administrator.
func (m *Manager) AdminForceStop(ctx context.Context, id, reason string) (*models.Session, error) {
	if reason == "" {
		reason = "stopped by administrator"
	}
	return m.stop(ctx, id, "admin", reason)
}

func (m *Manager) stop(ctx context.Context, id, actor, reason string) (*models.Session, error) {
	m.mu.Lock()
	cancel, creating := m.inflight[id]
	m.mu.Unlock()
	if creating {
		cancel(errStoppedDuringCreate)
	}

	unlock := m.registry.LockSession(id)
	defer unlock()

	s, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return s, nil
	}
	updated, _, err := m.shutdownLocked(ctx, s, models.StatusStopped, audit.SessionStopped, actor, reason)
	return updated, err
}

// DeleteSession stops the session, confirms no container carries its id,
// and only then forgets the record.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	if _, err := m.StopSession(ctx, id); err != nil {
		return err
	}

	unlock := m.registry.LockSession(id)
	defer unlock()

	s, err := m.registry.Get(id)
	if err != nil {
		return err
	}

	if err := m.removeLeftovers(ctx, id); err != nil {
		return err
	}

	m.registry.Remove(id)
	m.log.Info().Str("session_id", id).Msg("session deleted")
	m.emit(audit.SessionDeleted, s, "", "")
	return nil
}

// ReportError records an error observed for the session. Once the count
// reaches the threshold a running session is moved to error and torn down.
func (m *Manager) ReportError(ctx context.Context, id, message string) (*models.Session, error) {
	unlock := m.registry.LockSession(id)
	defer unlock()

	now := m.now()
	updated, err := m.registry.Update(id, func(s *models.Session) error {
		s.Error.Count++
		s.Error.Message = message
		s.Error.LastAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.emit(audit.SessionError, updated, "", message)

	if updated.Status == models.StatusRunning && updated.Error.Count >= m.opts.ErrorThreshold {
		m.log.Warn().Str("session_id", id).Int("errors", updated.Error.Count).Msg("error threshold reached, tearing down")
		stopped, _, err := m.shutdownLocked(ctx, updated, models.StatusError, "", "", "error threshold reached")
		return stopped, err
	}
	return updated, nil
}

// ContainerStatus inspects the container of an active session.
func (m *Manager) ContainerStatus(ctx context.Context, id string) (*models.ContainerStats, error) {
	s, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if s.ContainerID == "" {
		return nil, fmt.Errorf("%w: status is %s", ErrNotRunning, s.Status)
	}
	callCtx, cancel := context.WithTimeout(ctx, m.opts.RuntimeCallTimeout)
	defer cancel()
	stats, err := m.runtime.Inspect(callCtx, browser.Handle{ID: s.ContainerID})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// TriggerCleanup runs one sweeper pass and waits for it.
func (m *Manager) TriggerCleanup(ctx context.Context) models.SweepReport {
	return m.sweeper.Trigger(ctx)
}

// SystemResourceSnapshot reports runtime host info, session counts and
// port usage. A runtime failure is reported in the snapshot, not returned.
func (m *Manager) SystemResourceSnapshot(ctx context.Context) models.SystemSnapshot {
	snap := models.SystemSnapshot{
		Sessions:     make(map[models.SessionStatus]int),
		Browsers:     make(map[models.BrowserType]int),
		DisplayPorts: m.ports.Usage(ports.Display),
		WebPorts:     m.ports.Usage(ports.Web),
		TakenAt:      m.now(),
	}
	for _, s := range m.registry.List(models.SessionFilter{}) {
		snap.Sessions[s.Status]++
		snap.Browsers[s.Browser]++
		snap.TotalSessions++
	}

	callCtx, cancel := context.WithTimeout(ctx, m.opts.RuntimeCallTimeout)
	defer cancel()
	info, err := m.runtime.Info(callCtx)
	if err != nil {
		snap.RuntimeError = err.Error()
	} else {
		snap.Runtime = &info
	}
	return snap
}

// Ping checks that the container runtime answers.
func (m *Manager) Ping(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, m.opts.RuntimeCallTimeout)
	defer cancel()
	return m.runtime.Ping(callCtx)
}

// PullImages makes sure every configured browser image is present.
func (m *Manager) PullImages(ctx context.Context) ([]models.ImagePullResult, error) {
	byImage := make(map[string][]models.BrowserType)
	for b, image := range m.opts.Images {
		if image != "" {
			byImage[image] = append(byImage[image], b)
		}
	}
	images := make([]string, 0, len(byImage))
	for image := range byImage {
		images = append(images, image)
	}
	sort.Strings(images)

	var errs []error
	results := make([]models.ImagePullResult, 0, len(images))
	for _, image := range images {
		browsers := byImage[image]
		sort.Slice(browsers, func(i, j int) bool { return browsers[i] < browsers[j] })
		res := models.ImagePullResult{Image: image, Browsers: browsers}
		if err := m.runtime.EnsureImage(ctx, image); err != nil {
			res.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", image, err))
			m.log.Error().Err(err).Str("image", image).Msg("failed to pull image")
		} else {
			m.log.Info().Str("image", image).Msg("image available")
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// shutdownLocked moves a live session through stopping into final, tearing
// down its container and releasing its ports. The record reaches final even
// when teardown fails; that failure is returned as teardownErr and the
// leftovers are collected by the orphan sweep. The caller holds the session
// lock.
func (m *Manager) shutdownLocked(ctx context.Context, s *models.Session, final models.SessionStatus, event audit.EventType, actor, reason string) (updated *models.Session, teardownErr error, err error) {
	log := m.log.With().Str("session_id", s.ID).Str("target", string(final)).Logger()

	if s.Status != models.StatusStopping {
		if _, err := m.registry.Update(s.ID, func(s *models.Session) error {
			return transition(s, models.StatusStopping)
		}); err != nil {
			return nil, nil, err
		}
	}

	if s.ContainerID != "" {
		teardownErr = m.teardown(ctx, browser.Handle{ID: s.ContainerID})
		if teardownErr != nil {
			log.Warn().Err(teardownErr).Str("container_id", shortID(s.ContainerID)).Msg("teardown incomplete")
		}
	}
	m.releasePorts(s.ID)

	now := m.now()
	updated, err = m.registry.Update(s.ID, func(s *models.Session) error {
		if err := transition(s, final); err != nil {
			return err
		}
		s.StoppedAt = &now
		s.Endpoints = models.Endpoints{}
		if final == models.StatusError && reason != "" {
			s.Error.Message = reason
		}
		return nil
	})
	if err != nil {
		return nil, teardownErr, err
	}

	log.Info().Str("actor", actor).Str("reason", reason).Msg("session shut down")
	if event != "" {
		m.emit(event, updated, actor, reason)
	}
	return updated, teardownErr, nil
}

// teardown stops and force-removes a container with bounded retries on a
// context detached from the caller, so a cancelled request still cleans up.
func (m *Manager) teardown(parent context.Context, h browser.Handle) error {
	ctx := context.WithoutCancel(parent)
	log := m.log.With().Str("container_id", shortID(h.ID)).Logger()

	stopErr := m.retry(ctx, func(callCtx context.Context) error {
		return m.runtime.Stop(callCtx, h, m.opts.StopGrace)
	})
	if stopErr != nil {
		log.Warn().Err(stopErr).Msg("stop failed, forcing removal")
	}
	removeErr := m.retry(ctx, func(callCtx context.Context) error {
		return m.runtime.Remove(callCtx, h, true)
	})
	if removeErr == nil {
		return nil
	}
	err := fmt.Errorf("%w: %v", ErrRemoveFailure, removeErr)
	if stopErr != nil {
		err = errors.Join(fmt.Errorf("%w: %v", ErrStopFailure, stopErr), err)
	}
	return err
}

func (m *Manager) retry(ctx context.Context, call func(context.Context) error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.opts.TeardownBackoff), uint64(m.opts.TeardownRetries)),
		ctx,
	)
	return backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, m.opts.RuntimeCallTimeout)
		defer cancel()
		return call(callCtx)
	}, b)
}

// expireIfDue expires a live session whose TTL elapsed before cutoff,
// waiting for any operation that holds the session lock. A teardown failure
// is returned together with expired == true.
func (m *Manager) expireIfDue(ctx context.Context, id string, cutoff time.Time) (expired bool, err error) {
	unlock, err := m.registry.LockSessionContext(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	s, err := m.registry.Get(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !s.Status.Active() || !s.ExpiresAt.Before(cutoff) {
		return false, nil
	}
	_, teardownErr, err := m.shutdownLocked(ctx, s, models.StatusExpired, audit.SessionExpired, "sweeper", "ttl elapsed")
	if err != nil {
		return false, err
	}
	return true, teardownErr
}

// removeLeftovers tears down every container labelled with the session id.
// The listing runs detached from ctx so a cancelled caller still cleans up.
func (m *Manager) removeLeftovers(ctx context.Context, id string) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.RuntimeCallTimeout)
	leftovers, err := m.runtime.ListByLabel(callCtx, map[string]string{browser.LabelSessionID: id})
	cancel()
	if err != nil {
		return fmt.Errorf("%w: cannot confirm removal of %s: %v", ErrRemoveFailure, id, err)
	}
	var errs []error
	for _, c := range leftovers {
		if err := m.teardown(ctx, browser.Handle{ID: c.ID, Name: c.Name}); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: session %s: %v", ErrRemoveFailure, id, err)
	}
	return nil
}

func (m *Manager) releasePorts(id string) {
	m.mu.Lock()
	lease, ok := m.leases[id]
	delete(m.leases, id)
	m.mu.Unlock()
	if ok {
		m.ports.Release(lease[0])
		m.ports.Release(lease[1])
	}
}

func (m *Manager) untrack(id string) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()
}

func (m *Manager) emit(t audit.EventType, s *models.Session, actor, message string) {
	m.audit.Emit(audit.Event{
		Type:      t,
		SessionID: s.ID,
		OwnerID:   s.OwnerID,
		Browser:   s.Browser,
		Status:    s.Status,
		Actor:     actor,
		Message:   message,
		At:        m.now(),
	})
}

func newPassword() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:passwordLength], nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
