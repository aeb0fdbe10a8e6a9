package browser

import (
	"context"
	"errors"
	"time"

	"github.com/shehryarbajwa/cloud-browser/pkg/models"
)

var (
	// ErrRuntimeUnavailable indicates the container engine could not be reached or failed transiently.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
	// ErrImageNotFound indicates the requested browser image does not exist.
	ErrImageNotFound = errors.New("browser image not found")
	// ErrResourceLimitExceeded indicates the runtime rejected the requested limits.
	ErrResourceLimitExceeded = errors.New("resource limit exceeded")
	// ErrReadinessTimeout indicates the container never signalled readiness.
	ErrReadinessTimeout = errors.New("container readiness timeout")
	// ErrContainerExited indicates the container stopped while waiting for readiness.
	ErrContainerExited = errors.New("container exited before becoming ready")
)

// Label keys attached to every session container.
const (
	LabelService   = "service"
	LabelSessionID = "session_id"
	LabelOwnerID   = "owner_id"
	LabelBrowser   = "browser_type"
	LabelCreatedAt = "created_at"

	ServiceName = "cloud-browser"
)

// Container ports exposed by the browser images.
const (
	DisplayContainerPort = 5901
	WebContainerPort     = 6901
)

// Handle identifies a container owned by a session.
type Handle struct {
	ID   string
	Name string
}

// Empty reports whether the handle refers to no container.
func (h Handle) Empty() bool { return h.ID == "" }

// ContainerSpec describes a browser container to create.
type ContainerSpec struct {
	Name        string
	Image       string
	Env         map[string]string
	Labels      map[string]string
	ShmSize     int64
	SecurityOpt []string
	CPUShare    float64
	MemoryBytes int64
	DisplayPort int
	WebPort     int
	Network     string
}

// CPU quota accounting uses a fixed 100ms period.
const CPUPeriod int64 = 100000

// CPUQuota converts a CPU share into a CFS quota for CPUPeriod.
func (s ContainerSpec) CPUQuota() int64 {
	return int64(s.CPUShare * float64(CPUPeriod))
}

// CheckKind selects how WaitReady checks the browser's web server.
type CheckKind string

const (
	CheckNone CheckKind = "none"
	CheckTCP  CheckKind = "tcp"
	CheckHTTP CheckKind = "http"
)

// Valid reports whether k is a known check kind.
func (k CheckKind) Valid() bool {
	switch k {
	case CheckNone, CheckTCP, CheckHTTP:
		return true
	}
	return false
}

// ReadySpec controls how readiness is detected. When markers and a check
// are both configured, both must pass.
type ReadySpec struct {
	Timeout  time.Duration
	Interval time.Duration
	// LogMarkers must include at least one line seen in the container logs.
	LogMarkers []string
	// Check is dialled against the container's own address on its network,
	// never the published host port.
	Check       CheckKind
	CheckPort   int
	CheckScheme string
	// Settle is waited after the container is running when no marker or
	// check is configured.
	Settle time.Duration
}

// Checking reports whether a network check is configured.
func (s ReadySpec) Checking() bool {
	return s.Check == CheckTCP || s.Check == CheckHTTP
}

// Container is a runtime-side view of a managed container.
type Container struct {
	ID      string
	Name    string
	Labels  map[string]string
	State   string
	Created time.Time
}

// Runtime is the container engine adapter used by the session manager.
type Runtime interface {
	Create(ctx context.Context, spec ContainerSpec) (Handle, error)
	WaitReady(ctx context.Context, h Handle, spec ReadySpec) error
	Stop(ctx context.Context, h Handle, grace time.Duration) error
	Remove(ctx context.Context, h Handle, force bool) error
	Inspect(ctx context.Context, h Handle) (models.ContainerStats, error)
	ListByLabel(ctx context.Context, labels map[string]string) ([]Container, error)
	EnsureImage(ctx context.Context, image string) error
	Info(ctx context.Context) (models.RuntimeInfo, error)
	Ping(ctx context.Context) error
	Close() error
}
