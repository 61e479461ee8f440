package config

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/castiron/crucible/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSettings struct {
	values map[string]string
}

func (m *memSettings) GetSetting(_ context.Context, key string) (string, error) {
	v, ok := m.values[key]
	if !ok {
		return "", os.ErrNotExist
	}
	return v, nil
}

func (m *memSettings) SaveSetting(_ context.Context, key, value string) error {
	if m.values == nil {
		m.values = map[string]string{}
	}
	m.values[key] = value
	return nil
}

func newTestStore(t *testing.T, repo *memSettings) *SettingsStore {
	t.Helper()
	t.Setenv("CRUCIBLE_SECRET_KEY", "unit-test-key")

	secret, err := NewSecretKey()
	require.NoError(t, err)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	store, err := NewSettingsStore(logger, repo, secret)
	require.NoError(t, err)
	return store
}

func TestSettingsStore_DefaultsOnFirstRun(t *testing.T) {
	repo := &memSettings{}
	store := newTestStore(t, repo)

	cfg := store.GetConfig()
	assert.Equal(t, "local", cfg.Platform.Mode)
	assert.NotEmpty(t, repo.values[settingsKey], "defaults persisted")
}

func TestSettingsStore_APIKeyEncryptedAtRest(t *testing.T) {
	repo := &memSettings{}
	store := newTestStore(t, repo)

	err := store.UpdateConfig(context.Background(), &domain.AppConfig{
		Platform: domain.PlatformConfig{
			Mode:    "remote",
			BaseURL: "https://api.platform.example.com",
			APIKey:  "ck-secret-12345",
		},
	})
	require.NoError(t, err)

	stored := repo.values[settingsKey]
	assert.NotContains(t, stored, "ck-secret-12345")
	assert.Contains(t, stored, "enc:")

	assert.Equal(t, "ck-secret-12345", store.GetConfig().Platform.APIKey)
	masked := store.GetMaskedConfig().Platform.APIKey
	assert.True(t, strings.HasPrefix(masked, "****"), masked)
}

func TestSettingsStore_MaskedUpdateKeepsKey(t *testing.T) {
	store := newTestStore(t, &memSettings{})

	require.NoError(t, store.UpdateConfig(context.Background(), &domain.AppConfig{
		Platform: domain.PlatformConfig{
			Mode:    "remote",
			BaseURL: "https://api.platform.example.com",
			APIKey:  "ck-secret-12345",
		},
	}))

	// UI round-trips the masked key; the stored key must survive.
	require.NoError(t, store.UpdateConfig(context.Background(), &domain.AppConfig{
		Platform: domain.PlatformConfig{
			Mode:    "remote",
			BaseURL: "https://api.platform.example.com",
			APIKey:  "****2345",
		},
	}))

	assert.Equal(t, "ck-secret-12345", store.GetConfig().Platform.APIKey)
}

func TestSettingsStore_RemoteModeValidation(t *testing.T) {
	store := newTestStore(t, &memSettings{})

	err := store.UpdateConfig(context.Background(), &domain.AppConfig{
		Platform: domain.PlatformConfig{Mode: "remote"},
	})
	assert.ErrorContains(t, err, "base_url")

	err = store.UpdateConfig(context.Background(), &domain.AppConfig{
		Platform: domain.PlatformConfig{Mode: "remote", BaseURL: "https://api.example.com"},
	})
	assert.ErrorContains(t, err, "api_key")
}

func TestSettingsStore_OnChange(t *testing.T) {
	store := newTestStore(t, &memSettings{})

	var got *domain.AppConfig
	store.OnChange(func(cfg *domain.AppConfig) { got = cfg })

	require.NoError(t, store.UpdateConfig(context.Background(), &domain.AppConfig{
		Platform: domain.PlatformConfig{Mode: "local"},
	}))
	require.NotNil(t, got)
	assert.Equal(t, "local", got.Platform.Mode)
}

func TestSettingsStore_ReloadFromDB(t *testing.T) {
	repo := &memSettings{}
	store := newTestStore(t, repo)

	require.NoError(t, store.UpdateConfig(context.Background(), &domain.AppConfig{
		Platform: domain.PlatformConfig{
			Mode:    "remote",
			BaseURL: "https://api.platform.example.com",
			APIKey:  "ck-secret-12345",
		},
		Compile: domain.CompileConfig{PollIntervalSeconds: 10},
	}))

	// Fresh store over the same repo decrypts the persisted key.
	reloaded := newTestStore(t, repo)
	cfg := reloaded.GetConfig()
	assert.Equal(t, "ck-secret-12345", cfg.Platform.APIKey)
	assert.Equal(t, 10, cfg.Compile.PollIntervalSeconds)
}
