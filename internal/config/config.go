package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/shehryarbajwa/cloud-browser/pkg/models"
)

// PortRange is a half-open range [Start, End) of host ports
type PortRange struct {
	Start int
	End   int
}

// OwnerOverride replaces the default quota or TTL for one owner
type OwnerOverride struct {
	MaxContainers int
	DefaultTTL    time.Duration
}

// Config holds every setting the service reads at startup
type Config struct {
	HTTPAddr    string
	PublicHost  string
	AdminToken  string
	CORSOrigins []string
	LogLevel    string
	LogFormat   string

	DockerHost    string
	DockerNetwork string

	DisplayPorts PortRange
	WebPorts     PortRange

	Images map[models.BrowserType]string

	DefaultCPU    float64
	DefaultMemory int64
	CPUFloor      float64
	CPUCeiling    float64
	MemoryFloor   int64
	MemoryCeiling int64
	ShmSize       int64

	DefaultTTL          time.Duration
	MaxContainers       int
	ExtendCapHours      int
	ReadinessTimeout    time.Duration
	ReadinessInterval   time.Duration
	ReadinessMarkers    []string
	ReadinessCheck      string
	ReadinessCheckPort  int
	ReadinessScheme     string
	RuntimeCallTimeout  time.Duration
	StopGrace           time.Duration
	TeardownRetries     int
	MaxConcurrentCreate int

	SweepInterval    time.Duration
	OrphanRate       float64
	OrphanMaxPerPass int
	RecordRetention  time.Duration

	CreateRatePerHour int
	CreateRateBurst   int

	Owners map[string]OwnerOverride

	v *viper.Viper
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("public_host", "localhost")
	v.SetDefault("admin_token", "")
	v.SetDefault("cors_origins", "*")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	v.SetDefault("docker_host", "")
	v.SetDefault("docker_network", "cloud-browser-network")

	v.SetDefault("display_port_start", 5900)
	v.SetDefault("display_port_end", 6000)
	v.SetDefault("web_port_start", 6080)
	v.SetDefault("web_port_end", 7000)

	v.SetDefault("firefox_image", "kasmweb/firefox:1.14.0")
	v.SetDefault("chrome_image", "kasmweb/chrome:1.14.0")
	v.SetDefault("chromium_image", "kasmweb/chrome:1.14.0")

	v.SetDefault("container_cpu_limit", 1.0)
	v.SetDefault("container_memory_limit", "2g")
	v.SetDefault("cpu_floor", 0.25)
	v.SetDefault("cpu_ceiling", 4.0)
	v.SetDefault("memory_floor", "512m")
	v.SetDefault("memory_ceiling", "8g")
	v.SetDefault("shm_size", "2g")

	v.SetDefault("container_timeout", 3600)
	v.SetDefault("max_containers_per_user", 3)
	v.SetDefault("extend_cap_hours", 8)
	v.SetDefault("readiness_timeout", "60s")
	v.SetDefault("readiness_interval", "1s")
	v.SetDefault("readiness_markers", "VNC started,noVNC started")
	v.SetDefault("readiness_check", "http")
	v.SetDefault("readiness_check_port", 6901)
	v.SetDefault("readiness_check_scheme", "https")
	v.SetDefault("runtime_call_timeout", "30s")
	v.SetDefault("stop_grace", "10s")
	v.SetDefault("teardown_retries", 3)
	v.SetDefault("max_concurrent_creates", 4)

	v.SetDefault("sweep_interval", "60s")
	v.SetDefault("orphan_rate", 2.0)
	v.SetDefault("orphan_max_per_pass", 20)
	v.SetDefault("record_retention", "24h")

	v.SetDefault("create_rate_per_hour", 10)
	v.SetDefault("create_rate_burst", 3)
}

// Load reads .env, an optional config file named by CONFIG_FILE, and the environment.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		HTTPAddr:    v.GetString("http_addr"),
		PublicHost:  v.GetString("public_host"),
		AdminToken:  v.GetString("admin_token"),
		CORSOrigins: splitList(v.GetString("cors_origins")),
		LogLevel:    v.GetString("log_level"),
		LogFormat:   v.GetString("log_format"),

		DockerHost:    v.GetString("docker_host"),
		DockerNetwork: v.GetString("docker_network"),

		DisplayPorts: PortRange{Start: v.GetInt("display_port_start"), End: v.GetInt("display_port_end")},
		WebPorts:     PortRange{Start: v.GetInt("web_port_start"), End: v.GetInt("web_port_end")},

		Images: map[models.BrowserType]string{
			models.BrowserFirefox:  v.GetString("firefox_image"),
			models.BrowserChrome:   v.GetString("chrome_image"),
			models.BrowserChromium: v.GetString("chromium_image"),
		},

		DefaultCPU: v.GetFloat64("container_cpu_limit"),
		CPUFloor:   v.GetFloat64("cpu_floor"),
		CPUCeiling: v.GetFloat64("cpu_ceiling"),

		DefaultTTL:          time.Duration(v.GetInt("container_timeout")) * time.Second,
		MaxContainers:       v.GetInt("max_containers_per_user"),
		ExtendCapHours:      v.GetInt("extend_cap_hours"),
		ReadinessTimeout:    v.GetDuration("readiness_timeout"),
		ReadinessInterval:   v.GetDuration("readiness_interval"),
		ReadinessMarkers:    splitList(v.GetString("readiness_markers")),
		ReadinessCheck:      strings.ToLower(strings.TrimSpace(v.GetString("readiness_check"))),
		ReadinessCheckPort:  v.GetInt("readiness_check_port"),
		ReadinessScheme:     strings.ToLower(strings.TrimSpace(v.GetString("readiness_check_scheme"))),
		RuntimeCallTimeout:  v.GetDuration("runtime_call_timeout"),
		StopGrace:           v.GetDuration("stop_grace"),
		TeardownRetries:     v.GetInt("teardown_retries"),
		MaxConcurrentCreate: v.GetInt("max_concurrent_creates"),

		SweepInterval:    v.GetDuration("sweep_interval"),
		OrphanRate:       v.GetFloat64("orphan_rate"),
		OrphanMaxPerPass: v.GetInt("orphan_max_per_pass"),
		RecordRetention:  v.GetDuration("record_retention"),

		CreateRatePerHour: v.GetInt("create_rate_per_hour"),
		CreateRateBurst:   v.GetInt("create_rate_burst"),

		Owners: ownerOverrides(v),
		v:      v,
	}

	sizes := []struct {
		key string
		dst *int64
	}{
		{"container_memory_limit", &cfg.DefaultMemory},
		{"memory_floor", &cfg.MemoryFloor},
		{"memory_ceiling", &cfg.MemoryCeiling},
		{"shm_size", &cfg.ShmSize},
	}
	for _, s := range sizes {
		n, err := units.RAMInBytes(v.GetString(s.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", s.key, err)
		}
		*s.dst = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DisplayPorts.Start <= 0 || c.DisplayPorts.End <= c.DisplayPorts.Start {
		errs = append(errs, fmt.Errorf("display port range %d-%d is empty", c.DisplayPorts.Start, c.DisplayPorts.End))
	}
	if c.WebPorts.Start <= 0 || c.WebPorts.End <= c.WebPorts.Start {
		errs = append(errs, fmt.Errorf("web port range %d-%d is empty", c.WebPorts.Start, c.WebPorts.End))
	}
	if c.DisplayPorts.Start < c.WebPorts.End && c.WebPorts.Start < c.DisplayPorts.End {
		errs = append(errs, errors.New("display and web port ranges overlap"))
	}
	if c.CPUFloor <= 0 || c.CPUCeiling < c.CPUFloor {
		errs = append(errs, fmt.Errorf("cpu floor %.2f / ceiling %.2f are inconsistent", c.CPUFloor, c.CPUCeiling))
	}
	if c.MemoryFloor <= 0 || c.MemoryCeiling < c.MemoryFloor {
		errs = append(errs, errors.New("memory floor / ceiling are inconsistent"))
	}
	if c.MaxContainers <= 0 {
		errs = append(errs, errors.New("max_containers_per_user must be positive"))
	}
	if c.DefaultTTL <= 0 {
		errs = append(errs, errors.New("container_timeout must be positive"))
	}
	if c.ExtendCapHours <= 0 {
		errs = append(errs, errors.New("extend_cap_hours must be positive"))
	}
	switch c.ReadinessCheck {
	case "none", "tcp", "http":
	default:
		errs = append(errs, fmt.Errorf("readiness_check %q must be none, tcp or http", c.ReadinessCheck))
	}
	if c.ReadinessCheck != "none" && (c.ReadinessCheckPort <= 0 || c.ReadinessCheckPort > 65535) {
		errs = append(errs, fmt.Errorf("readiness_check_port %d is out of range", c.ReadinessCheckPort))
	}
	if c.ReadinessCheck == "http" && c.ReadinessScheme != "http" && c.ReadinessScheme != "https" {
		errs = append(errs, fmt.Errorf("readiness_check_scheme %q must be http or https", c.ReadinessScheme))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}
	for browser, image := range c.Images {
		if strings.TrimSpace(image) == "" {
			errs = append(errs, fmt.Errorf("no image configured for %s", browser))
		}
	}
	return errors.Join(errs...)
}

// Watch re-reads owner overrides whenever the config file changes.
// It is a no-op when no config file was loaded.
func (c *Config) Watch(onChange func(map[string]OwnerOverride)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	var mu sync.Mutex
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		onChange(ownerOverrides(c.v))
	})
	c.v.WatchConfig()
}

// ownerOverrides reads the owners.<id>.max_containers / default_ttl section.
func ownerOverrides(v *viper.Viper) map[string]OwnerOverride {
	out := make(map[string]OwnerOverride)
	for id := range v.GetStringMap("owners") {
		sub := v.Sub("owners." + id)
		if sub == nil {
			continue
		}
		out[id] = OwnerOverride{
			MaxContainers: sub.GetInt("max_containers"),
			DefaultTTL:    sub.GetDuration("default_ttl"),
		}
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
