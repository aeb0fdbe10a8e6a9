package resources

import (
	"errors"
	"fmt"
	"strings"

	"github.com/docker/go-units"

	"github.com/shehryarbajwa/cloud-browser/pkg/models"
)

// ErrInvalidLimit is returned for an override that cannot be parsed.
var ErrInvalidLimit = errors.New("invalid resource limit")

// Bounds are the platform-wide defaults and clamps.
type Bounds struct {
	DefaultCPU    float64
	DefaultMemory int64
	CPUFloor      float64
	CPUCeiling    float64
	MemoryFloor   int64
	MemoryCeiling int64
}

// Accountant turns owner profiles and session requests into container limits.
type Accountant struct {
	bounds Bounds
}

// NewAccountant validates bounds and returns an Accountant.
func NewAccountant(b Bounds) (*Accountant, error) {
	if b.CPUFloor <= 0 || b.CPUCeiling < b.CPUFloor {
		return nil, fmt.Errorf("cpu bounds %.2f-%.2f are invalid", b.CPUFloor, b.CPUCeiling)
	}
	if b.MemoryFloor <= 0 || b.MemoryCeiling < b.MemoryFloor {
		return nil, fmt.Errorf("memory bounds %d-%d are invalid", b.MemoryFloor, b.MemoryCeiling)
	}
	return &Accountant{bounds: b}, nil
}

// Resolve layers defaults, the owner profile, and the request override, then
// clamps the result to the platform floor and ceiling.
func (a *Accountant) Resolve(profile models.OwnerProfile, req models.CreateSessionRequest) (models.ResourceLimits, error) {
	cpu := a.bounds.DefaultCPU
	mem := a.bounds.DefaultMemory

	if profile.CPUShare > 0 {
		cpu = profile.CPUShare
	}
	if profile.MemoryBytes > 0 {
		mem = profile.MemoryBytes
	}

	if req.CPUShare < 0 {
		return models.ResourceLimits{}, fmt.Errorf("%w: cpu share %.2f", ErrInvalidLimit, req.CPUShare)
	}
	if req.CPUShare > 0 {
		cpu = req.CPUShare
	}
	if s := strings.TrimSpace(req.MemoryLimit); s != "" {
		n, err := units.RAMInBytes(s)
		if err != nil || n <= 0 {
			return models.ResourceLimits{}, fmt.Errorf("%w: memory %q", ErrInvalidLimit, s)
		}
		mem = n
	}

	return models.ResourceLimits{
		CPUShare:    clampFloat(cpu, a.bounds.CPUFloor, a.bounds.CPUCeiling),
		MemoryBytes: clampInt(mem, a.bounds.MemoryFloor, a.bounds.MemoryCeiling),
	}, nil
}

// Describe formats limits for logs, e.g. "1.00 cpu / 2GiB".
func Describe(l models.ResourceLimits) string {
	return fmt.Sprintf("%.2f cpu / %s", l.CPUShare, units.BytesSize(float64(l.MemoryBytes)))
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
