package models

import "time"

// SessionStatus represents the current state of a browser session
type SessionStatus string

const (
	StatusCreating SessionStatus = "creating"
	StatusRunning  SessionStatus = "running"
	StatusStopping SessionStatus = "stopping"
	StatusStopped  SessionStatus = "stopped"
	StatusError    SessionStatus = "error"
	StatusExpired  SessionStatus = "expired"
)

// Terminal reports whether no further transitions are possible from s.
func (s SessionStatus) Terminal() bool {
	return s == StatusStopped || s == StatusError || s == StatusExpired
}

// Active reports whether the session counts against the owner's quota.
func (s SessionStatus) Active() bool {
	return s == StatusCreating || s == StatusRunning
}

// BrowserType is the browser variant running inside the container
type BrowserType string

const (
	BrowserFirefox  BrowserType = "firefox"
	BrowserChrome   BrowserType = "chrome"
	BrowserChromium BrowserType = "chromium"
)

// BrowserTypes lists every supported variant.
var BrowserTypes = []BrowserType{BrowserFirefox, BrowserChrome, BrowserChromium}

// Valid reports whether b is a supported variant.
func (b BrowserType) Valid() bool {
	for _, known := range BrowserTypes {
		if b == known {
			return true
		}
	}
	return false
}

// Endpoints describes how a client reaches a running session
type Endpoints struct {
	DisplayPort int    `json:"displayPort,omitempty"`
	WebPort     int    `json:"webPort,omitempty"`
	AccessURL   string `json:"accessUrl,omitempty"`
	DisplayURL  string `json:"displayUrl,omitempty"`
}

// ResourceLimits are the CPU and memory constraints applied to the container
type ResourceLimits struct {
	CPUShare    float64 `json:"cpuShare"`
	MemoryBytes int64   `json:"memoryBytes"`
}

// ErrorInfo tracks errors observed for a session
type ErrorInfo struct {
	Message string     `json:"message,omitempty"`
	Count   int        `json:"count"`
	LastAt  *time.Time `json:"lastAt,omitempty"`
}

// Counters tracks session usage
type Counters struct {
	PageViews        int64 `json:"pageViews"`
	BytesTransferred int64 `json:"bytesTransferred"`
}

// Session represents a remote browser workspace backed by one container
type Session struct {
	ID              string         `json:"id"`
	OwnerID         string         `json:"ownerId"`
	Name            string         `json:"name"`
	Browser         BrowserType    `json:"browserType"`
	Status          SessionStatus  `json:"status"`
	ContainerID     string         `json:"containerId,omitempty"`
	Image           string         `json:"image,omitempty"`
	Resolution      string         `json:"resolution"`
	Endpoints       Endpoints      `json:"endpoints"`
	DisplayPassword string         `json:"-"`
	Limits          ResourceLimits `json:"limits"`
	CreatedAt       time.Time      `json:"createdAt"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	LastAccessedAt  time.Time      `json:"lastAccessedAt"`
	ExpiresAt       time.Time      `json:"expiresAt"`
	StoppedAt       *time.Time     `json:"stoppedAt,omitempty"`
	Error           ErrorInfo      `json:"error"`
	Counters        Counters       `json:"counters"`
}

// Clone returns a deep copy that can be handed out without sharing state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.StartedAt = cloneTime(s.StartedAt)
	out.StoppedAt = cloneTime(s.StoppedAt)
	out.Error.LastAt = cloneTime(s.Error.LastAt)
	return &out
}

// Expired reports whether the TTL has elapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// TimeRemaining returns the time left before expiry, never negative.
func (s *Session) TimeRemaining(now time.Time) time.Duration {
	if s.ExpiresAt.IsZero() {
		return 0
	}
	remaining := s.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Uptime returns how long the session has been (or was) running.
func (s *Session) Uptime(now time.Time) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	end := now
	if s.StoppedAt != nil {
		end = *s.StoppedAt
	}
	return end.Sub(*s.StartedAt)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CreateSessionRequest is the payload for creating a new session
type CreateSessionRequest struct {
	Browser     BrowserType       `json:"browserType"`
	Name        string            `json:"name,omitempty"`
	Resolution  string            `json:"resolution,omitempty"`
	CPUShare    float64           `json:"cpuShare,omitempty"`
	MemoryLimit string            `json:"memoryLimit,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

// UpdateSessionRequest changes session metadata. Nil fields are left as they are.
type UpdateSessionRequest struct {
	Name       *string `json:"name,omitempty"`
	Resolution *string `json:"resolution,omitempty"`
}

// UpdateSessionResult reports which fields an update changed.
type UpdateSessionResult struct {
	Session       *Session `json:"session"`
	UpdatedFields []string `json:"updatedFields"`
}

// ExtendSessionRequest is the payload for extending a session
type ExtendSessionRequest struct {
	Hours int `json:"hours"`
}

// SessionFilter narrows session listings. Empty fields match everything.
type SessionFilter struct {
	OwnerID string
	Status  SessionStatus
	Browser BrowserType
}

// Match reports whether s satisfies the filter.
func (f SessionFilter) Match(s *Session) bool {
	if f.OwnerID != "" && s.OwnerID != f.OwnerID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Browser != "" && s.Browser != f.Browser {
		return false
	}
	return true
}

// AccessInfo is returned when a client records access to a running session
type AccessInfo struct {
	Session       *Session  `json:"session"`
	Endpoints     Endpoints `json:"connectionInfo"`
	TimeRemaining float64   `json:"timeRemainingSeconds"`
}
