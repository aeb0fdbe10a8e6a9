package models

import "time"

// ContainerStats is a point-in-time view of a session container
type ContainerStats struct {
	Status        string     `json:"status"`
	Running       bool       `json:"isRunning"`
	CPUPercent    float64    `json:"cpuUsagePercent"`
	MemUsedBytes  uint64     `json:"memoryUsageBytes"`
	MemLimitBytes uint64     `json:"memoryLimitBytes"`
	MemPercent    float64    `json:"memoryUsagePercent"`
	NetRxBytes    uint64     `json:"networkRxBytes"`
	NetTxBytes    uint64     `json:"networkTxBytes"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
}

// RuntimeInfo describes the container engine host
type RuntimeInfo struct {
	ServerVersion     string `json:"serverVersion"`
	ContainersRunning int    `json:"containersRunning"`
	ContainersTotal   int    `json:"containersTotal"`
	Images            int    `json:"imagesCount"`
	MemTotal          int64  `json:"memoryTotal"`
	NCPU              int    `json:"cpuCount"`
	Driver            string `json:"storageDriver"`
	KernelVersion     string `json:"kernelVersion"`
	OperatingSystem   string `json:"operatingSystem"`
}

// PortUsage reports reservations within one port range
type PortUsage struct {
	Start    int `json:"start"`
	End      int `json:"end"`
	Reserved int `json:"reserved"`
	Total    int `json:"total"`
}

// SystemSnapshot aggregates runtime and engine state for administrators
type SystemSnapshot struct {
	Runtime       *RuntimeInfo          `json:"runtime,omitempty"`
	RuntimeError  string                `json:"runtimeError,omitempty"`
	Sessions      map[SessionStatus]int `json:"sessions"`
	Browsers      map[BrowserType]int   `json:"browsers"`
	TotalSessions int                   `json:"totalSessions"`
	DisplayPorts  PortUsage             `json:"displayPorts"`
	WebPorts      PortUsage             `json:"webPorts"`
	TakenAt       time.Time             `json:"takenAt"`
}

// SweepReport summarises one cleanup pass
type SweepReport struct {
	Expired  int       `json:"expiredSessions"`
	Orphans  int       `json:"orphanContainers"`
	Pruned   int       `json:"prunedRecords"`
	Failures []string  `json:"failures,omitempty"`
	Started  time.Time `json:"startedAt"`
	Duration string    `json:"duration"`
}

// ImagePullResult reports the outcome of ensuring one browser image
type ImagePullResult struct {
	Image    string        `json:"image"`
	Browsers []BrowserType `json:"browserTypes"`
	Error    string        `json:"error,omitempty"`
}
