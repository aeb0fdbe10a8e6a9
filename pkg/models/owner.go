package models

import "time"

// OwnerProfile carries the per-owner limits applied to new sessions
type OwnerProfile struct {
	OwnerID       string        `json:"ownerId"`
	MaxContainers int           `json:"maxContainers"`
	DefaultTTL    time.Duration `json:"defaultTtl"`
	CPUShare      float64       `json:"cpuShare,omitempty"`
	MemoryBytes   int64         `json:"memoryBytes,omitempty"`
}

// OwnerUsage summarises an owner's current footprint
type OwnerUsage struct {
	OwnerID        string `json:"ownerId"`
	ActiveSessions int    `json:"activeSessions"`
	MaxContainers  int    `json:"maxContainers"`
}
