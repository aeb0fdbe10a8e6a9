package session

import (
	"strings"
	"sync"
	"time"

	"github.com/shehryarbajwa/cloud-browser/internal/config"
	"github.com/shehryarbajwa/cloud-browser/pkg/models"
)

// ProfileProvider supplies per-owner quota and TTL.
type ProfileProvider interface {
	Profile(ownerID string) models.OwnerProfile
}

// StaticProfiles serves the platform defaults, replaced per owner by
// overrides from the config file.
type StaticProfiles struct {
	mu            sync.RWMutex
	maxContainers int
	ttl           time.Duration
	overrides     map[string]config.OwnerOverride
}

// NewStaticProfiles returns a provider with the given defaults.
func NewStaticProfiles(maxContainers int, ttl time.Duration, overrides map[string]config.OwnerOverride) *StaticProfiles {
	p := &StaticProfiles{maxContainers: maxContainers, ttl: ttl}
	p.SetOverrides(overrides)
	return p
}

// SetOverrides atomically replaces all per-owner overrides.
func (p *StaticProfiles) SetOverrides(overrides map[string]config.OwnerOverride) {
	cp := make(map[string]config.OwnerOverride, len(overrides))
	for k, v := range overrides {
		cp[k] = v
	}
	p.mu.Lock()
	p.overrides = cp
	p.mu.Unlock()
}

func (p *StaticProfiles) Profile(ownerID string) models.OwnerProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()

	prof := models.OwnerProfile{OwnerID: ownerID, MaxContainers: p.maxContainers, DefaultTTL: p.ttl}
	o, ok := p.overrides[ownerID]
	if !ok {
		// viper lowercases map keys read from the config file.
		o, ok = p.overrides[strings.ToLower(ownerID)]
	}
	if ok {
		if o.MaxContainers > 0 {
			prof.MaxContainers = o.MaxContainers
		}
		if o.DefaultTTL > 0 {
			prof.DefaultTTL = o.DefaultTTL
		}
	}
	return prof
}
