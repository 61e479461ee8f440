package domain

import "time"

// PlatformConfig configures how crucible reaches the compilation and
// hosting platform.
type PlatformConfig struct {
	Mode          string `json:"mode"`      // "remote" or "local"
	BaseURL       string `json:"base_url"`  // remote platform API root
	APIKey        string `json:"api_key"`   // encrypted in storage
	ArtifactRoot  string `json:"artifact_root"`
	DefaultTarget string `json:"default_target"`
}

// CompileConfig tunes the submission queue and the wait loop.
type CompileConfig struct {
	PollIntervalSeconds int  `json:"poll_interval_seconds"`
	MaxWaitSeconds      int  `json:"max_wait_seconds"` // 0 = wait forever
	FailFast            bool `json:"fail_fast"`        // abort on transient query errors
	MaxConcurrent       int  `json:"max_concurrent"`
}

// AppConfig is the main application configuration.
type AppConfig struct {
	Platform PlatformConfig `json:"platform"`
	Compile  CompileConfig  `json:"compile"`
}

// DefaultConfig returns safe defaults.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Platform: PlatformConfig{
			Mode:          "local",
			ArtifactRoot:  "artifacts",
			DefaultTarget: string(TargetCPULarge),
		},
		Compile: CompileConfig{
			PollIntervalSeconds: 30,
			MaxConcurrent:       4,
		},
	}
}

// PollInterval returns the configured interval, defaulting to 30s.
func (c CompileConfig) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// MaxWait returns the configured wait bound, 0 meaning unbounded.
func (c CompileConfig) MaxWait() time.Duration {
	if c.MaxWaitSeconds <= 0 {
		return 0
	}
	return time.Duration(c.MaxWaitSeconds) * time.Second
}
