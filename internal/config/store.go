package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/castiron/crucible/internal/core/domain"
)

// SettingsRepository is the minimal DB interface for settings persistence.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}

// OnChangeFunc is called when settings are updated.
type OnChangeFunc func(cfg *domain.AppConfig)

// SettingsStore manages persistent settings with the platform API key
// encrypted at rest and masked on read.
type SettingsStore struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	secret   *SecretKey
	repo     SettingsRepository
	config   *domain.AppConfig
	onChange []OnChangeFunc
}

const settingsKey = "app_config"

// NewSettingsStore loads saved settings from the repository, falling
// back to (and persisting) defaults on first run.
func NewSettingsStore(logger *slog.Logger, repo SettingsRepository, secret *SecretKey) (*SettingsStore, error) {
	store := &SettingsStore{
		logger: logger,
		secret: secret,
		repo:   repo,
	}

	ctx := context.Background()
	cfg, err := store.loadFromDB(ctx)
	if err != nil {
		logger.Warn("no saved settings found, using defaults", "error", err)
		cfg = domain.DefaultConfig()
		if err := store.saveToDB(ctx, cfg); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
	}

	store.config = cfg
	return store, nil
}

// OnChange registers a callback for settings updates, used to hot-swap
// the platform client without a restart.
func (s *SettingsStore) OnChange(fn OnChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// GetConfig returns the current config with the decrypted API key.
func (s *SettingsStore) GetConfig() *domain.AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := *s.config
	return &cp
}

// GetMaskedConfig returns config safe for API responses.
func (s *SettingsStore) GetMaskedConfig() *domain.AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := *s.config
	cp.Platform.APIKey = MaskSecret(s.config.Platform.APIKey)
	return &cp
}

// UpdateConfig validates, encrypts the API key, persists, and triggers
// onChange callbacks. If the update carries an empty or masked key the
// existing key is kept.
func (s *SettingsStore) UpdateConfig(ctx context.Context, update *domain.AppConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if update.Platform.APIKey == "" || isMasked(update.Platform.APIKey) {
		update.Platform.APIKey = s.config.Platform.APIKey
	}

	if update.Platform.Mode == "" {
		update.Platform.Mode = "local"
	}
	if update.Platform.Mode == "remote" {
		if update.Platform.BaseURL == "" {
			return fmt.Errorf("platform base_url is required when mode=remote")
		}
		if update.Platform.APIKey == "" {
			return fmt.Errorf("platform api_key is required when mode=remote")
		}
	}
	if update.Compile.PollIntervalSeconds < 0 {
		return fmt.Errorf("poll_interval_seconds must not be negative")
	}

	if err := s.saveToDB(ctx, update); err != nil {
		return err
	}

	s.config = update
	s.logger.Info("settings updated",
		"platform_mode", update.Platform.Mode,
		"poll_interval_seconds", update.Compile.PollIntervalSeconds,
	)

	for _, fn := range s.onChange {
		fn(update)
	}

	return nil
}

// storedConfig is the DB representation with the key encrypted.
type storedConfig struct {
	Platform storedPlatformConfig `json:"platform"`
	Compile  domain.CompileConfig `json:"compile"`
}

type storedPlatformConfig struct {
	Mode            string `json:"mode"`
	BaseURL         string `json:"base_url"`
	EncryptedAPIKey string `json:"encrypted_api_key,omitempty"`
	ArtifactRoot    string `json:"artifact_root"`
	DefaultTarget   string `json:"default_target"`
}

func (s *SettingsStore) loadFromDB(ctx context.Context) (*domain.AppConfig, error) {
	raw, err := s.repo.GetSetting(ctx, settingsKey)
	if err != nil {
		return nil, err
	}

	var stored storedConfig
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	cfg := &domain.AppConfig{
		Platform: domain.PlatformConfig{
			Mode:          stored.Platform.Mode,
			BaseURL:       stored.Platform.BaseURL,
			ArtifactRoot:  stored.Platform.ArtifactRoot,
			DefaultTarget: stored.Platform.DefaultTarget,
		},
		Compile: stored.Compile,
	}

	if stored.Platform.EncryptedAPIKey != "" {
		key, err := s.secret.Decrypt(stored.Platform.EncryptedAPIKey)
		if err != nil {
			s.logger.Warn("failed to decrypt platform API key", "error", err)
		} else {
			cfg.Platform.APIKey = key
		}
	}

	return cfg, nil
}

func (s *SettingsStore) saveToDB(ctx context.Context, cfg *domain.AppConfig) error {
	stored := storedConfig{
		Platform: storedPlatformConfig{
			Mode:          cfg.Platform.Mode,
			BaseURL:       cfg.Platform.BaseURL,
			ArtifactRoot:  cfg.Platform.ArtifactRoot,
			DefaultTarget: cfg.Platform.DefaultTarget,
		},
		Compile: cfg.Compile,
	}

	if cfg.Platform.APIKey != "" {
		enc, err := s.secret.Encrypt(cfg.Platform.APIKey)
		if err != nil {
			return fmt.Errorf("encrypt platform API key: %w", err)
		}
		stored.Platform.EncryptedAPIKey = enc
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	return s.repo.SaveSetting(ctx, settingsKey, string(raw))
}

func isMasked(s string) bool {
	return len(s) >= 4 && s[:4] == "****"
}
