package discovery

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"

	"github.com/ai-consumption-tracker/aict/internal/usage"
)

func envMap(values map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := values[name]
		return v, ok
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func newTestLoader(t *testing.T, env map[string]string) (*Loader, string) {
	t.Helper()
	home := t.TempDir()
	tracker := filepath.Join(home, ".ai-consumption-tracker")
	return NewLoader(tracker, WithHome(home), WithEnv(envMap(env))), home
}

func find(configs []usage.ProviderConfig, id string) (usage.ProviderConfig, bool) {
	for _, c := range configs {
		if c.Matches(id) {
			return c, true
		}
	}
	return usage.ProviderConfig{}, false
}

func TestLoadPrimaryConfig(t *testing.T) {
	loader, _ := newTestLoader(t, nil)
	writeFile(t, loader.AuthPath(), `{
		"openai": {"key": "sk-test", "show_in_tray": true, "enabled_sub_trays": ["a", 3, "b"]},
		"kimi-for-coding": {"key": "kimi-key", "type": "quota"},
		"app_settings": {"font_size": 14},
		"broken": "not-an-object"
	}`)

	configs := loader.LoadPrimaryConfig()
	require.Len(t, configs, 2)

	assert.Equal(t, "kimi", configs[0].ProviderID)
	assert.Equal(t, "quota", configs[0].ConfigType)

	openai := configs[1]
	assert.Equal(t, "openai", openai.ProviderID)
	assert.Equal(t, "sk-test", openai.APIKey)
	assert.Equal(t, usage.TypeAPI, openai.ConfigType)
	assert.True(t, openai.ShowInTray)
	assert.Equal(t, []string{"a", "b"}, openai.EnabledSubTrays)
	assert.Equal(t, "Config: auth.json", openai.AuthSource)
	require.NotNil(t, openai.Limit)
	assert.Equal(t, 100.0, *openai.Limit)
}

func TestLoadPrimaryConfigMissingOrMalformed(t *testing.T) {
	loader, _ := newTestLoader(t, nil)
	assert.Empty(t, loader.LoadPrimaryConfig())

	writeFile(t, loader.AuthPath(), `{not json`)
	assert.Empty(t, loader.LoadPrimaryConfig())
	assert.NotNil(t, loader.LoadConfig(), "full discovery still returns well-known providers")
}

func TestLoadConfigLocalKeyBeatsDiscovered(t *testing.T) {
	loader, home := newTestLoader(t, map[string]string{
		"OPENAI_API_KEY":    "sk-env",
		"ANTHROPIC_API_KEY": "",
		"CLAUDE_API_KEY":    "claude-env",
		"DEEPSEEK_API_KEY":  "ds-env",
	})
	writeFile(t, loader.AuthPath(), `{"openai": {"key": "sk-local"}, "deepseek": {"key": ""}}`)
	writeFile(t, filepath.Join(home, ".opencode", "auth.json"), `{"openai": {"key": "sk-secondary"}, "mistral": {"key": "mistral-secondary"}}`)

	configs := loader.LoadConfig()

	openai, ok := find(configs, "openai")
	require.True(t, ok)
	assert.Equal(t, "sk-local", openai.APIKey)
	assert.Equal(t, "Config: auth.json", openai.AuthSource)

	deepseek, ok := find(configs, "deepseek")
	require.True(t, ok)
	assert.Equal(t, "ds-env", deepseek.APIKey, "discovered credential fills an empty local one")
	assert.Equal(t, "Env: DEEPSEEK_API_KEY", deepseek.AuthSource)
	assert.Equal(t, descEnv, deepseek.Description)

	claude, ok := find(configs, "claude-code")
	require.True(t, ok)
	assert.Equal(t, "claude-env", claude.APIKey)
	assert.Equal(t, "Env: ANTHROPIC_API_KEY", claude.AuthSource)

	mistral, ok := find(configs, "mistral")
	require.True(t, ok)
	assert.Equal(t, "mistral-secondary", mistral.APIKey)

	minimax, ok := find(configs, "minimax")
	require.True(t, ok)
	assert.Empty(t, minimax.APIKey)
	assert.Equal(t, descWellKnown, minimax.Description)
	assert.Equal(t, sourceWellKnown, minimax.AuthSource)
}

func TestLoadConfigDeduplicatesCaseInsensitively(t *testing.T) {
	loader, _ := newTestLoader(t, nil)
	writeFile(t, loader.AuthPath(), `{"OpenAI": {"key": "a"}, "openai": {"key": "b"}}`)

	count := 0
	for _, c := range loader.LoadConfig() {
		if c.Matches("openai") {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestDiscoverKiloCode(t *testing.T) {
	loader, home := newTestLoader(t, nil)
	writeFile(t, filepath.Join(home, ".kilocode", "secrets.json"), `{
		"kilo code.kilo-code": {
			"kilocodeToken": "kilo-token",
			"roo_cline_config_api_config": "{\"apiConfigs\":{\"default\":{\"anthropicApiKey\":\"ant-key\",\"mistralApiKey\":\"mis-key\"}}}"
		}
	}`)

	configs := loader.LoadConfig()

	kilo, ok := find(configs, "kilocode")
	require.True(t, ok)
	assert.Equal(t, "kilo-token", kilo.APIKey)
	assert.Equal(t, sourceKiloSecret, kilo.AuthSource)

	anthropic, ok := find(configs, "anthropic")
	require.True(t, ok)
	assert.Equal(t, "ant-key", anthropic.APIKey)
	assert.Equal(t, descRooConfig, anthropic.Description)

	mistral, ok := find(configs, "mistral")
	require.True(t, ok)
	assert.Equal(t, "mis-key", mistral.APIKey)
}

func TestDiscoverGitHubCLIAndProvidersFile(t *testing.T) {
	loader, home := newTestLoader(t, nil)
	writeFile(t, filepath.Join(home, ".config", "gh", "hosts.yml"), "github.com:\n    oauth_token: gho_abcdefghijklmnop\n    user: octocat\n")
	writeFile(t, filepath.Join(home, ".local", "share", "opencode", "providers.json"), `{"xiaomi": {"api": "https://api.xiaomi.example/v1"}, "custom": {}}`)

	configs := loader.LoadConfig()

	copilot, ok := find(configs, "github-copilot")
	require.True(t, ok)
	assert.Equal(t, "gho_abcdefghijklmnop", copilot.APIKey)
	assert.Equal(t, sourceGitHubCLI, copilot.AuthSource)

	custom, ok := find(configs, "custom")
	require.True(t, ok)
	assert.Equal(t, descProviders, custom.Description)

	xiaomi, ok := find(configs, "xiaomi")
	require.True(t, ok)
	assert.Equal(t, "https://api.xiaomi.example/v1", xiaomi.BaseURL)
}

func TestGitHubEnvBeatsHostsFile(t *testing.T) {
	loader, home := newTestLoader(t, map[string]string{"GH_TOKEN": "ghp_from_env"})
	writeFile(t, filepath.Join(home, ".config", "gh", "hosts.yml"), "github.com:\n    oauth_token: gho_from_file\n")

	copilot, ok := find(loader.LoadConfig(), "github-copilot")
	require.True(t, ok)
	assert.Equal(t, "ghp_from_env", copilot.APIKey)
	assert.Equal(t, "Env: GITHUB_TOKEN", copilot.AuthSource)
}

func TestSaveConfigPreservesSettings(t *testing.T) {
	loader, _ := newTestLoader(t, nil)
	writeFile(t, loader.AuthPath(), `{"old": {"key": "x"}, "app_settings": {"font_size": 16}}`)

	err := loader.SaveConfig([]usage.ProviderConfig{
		{ProviderID: "openai", APIKey: "sk-1", ConfigType: "api"},
		{ProviderID: "generic.local", BaseURL: "http://localhost:9000"},
		{ProviderID: "empty"},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(loader.AuthPath())
	require.NoError(t, err)

	assert.Equal(t, "sk-1", gjson.GetBytes(data, "openai.key").String())
	assert.Equal(t, "http://localhost:9000", gjson.GetBytes(data, `generic\.local.base_url`).String())
	assert.False(t, gjson.GetBytes(data, "empty").Exists())
	assert.False(t, gjson.GetBytes(data, "old").Exists())
	assert.Equal(t, int64(16), gjson.GetBytes(data, "app_settings.font_size").Int())
	assert.True(t, gjson.GetBytes(data, "openai.enabled_sub_trays").IsArray())

	configs := loader.LoadPrimaryConfig()
	require.Len(t, configs, 2)
	assert.Equal(t, "generic.local", configs[0].ProviderID)
}

func TestPreferencesRoundTrip(t *testing.T) {
	loader, _ := newTestLoader(t, nil)
	assert.Equal(t, usage.DefaultAppPreferences(), loader.LoadPreferences())

	writeFile(t, loader.AuthPath(), `{"openai": {"key": "sk-1"}}`)

	prefs := usage.DefaultAppPreferences()
	prefs.FontSize = 18
	prefs.ShowAll = true
	require.NoError(t, loader.SavePreferences(prefs))

	assert.Equal(t, prefs, loader.LoadPreferences())
	configs := loader.LoadPrimaryConfig()
	require.Len(t, configs, 1, "saving preferences keeps provider entries")
	assert.Equal(t, "sk-1", configs[0].APIKey)
}

func TestLoadPreferencesLegacyFile(t *testing.T) {
	loader, _ := newTestLoader(t, nil)
	writeFile(t, filepath.Join(loader.TrackerDir(), PreferencesFileName), `{"font_family": "Inter"}`)

	prefs := loader.LoadPreferences()
	assert.Equal(t, "Inter", prefs.FontFamily)
	assert.Equal(t, 12, prefs.FontSize)
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	loader, _ := newTestLoader(t, nil)
	writeFile(t, filepath.Join(loader.TrackerDir(), ".env"), "AICT_TEST_DOTENV_A=from-file\nAICT_TEST_DOTENV_B=from-file\n")
	t.Setenv("AICT_TEST_DOTENV_A", "from-env")
	t.Cleanup(func() { os.Unsetenv("AICT_TEST_DOTENV_B") })

	loader.LoadDotEnv()

	assert.Equal(t, "from-env", os.Getenv("AICT_TEST_DOTENV_A"))
	assert.Equal(t, "from-file", os.Getenv("AICT_TEST_DOTENV_B"))
}

func TestWatcherRediscoversOnChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	loader, _ := newTestLoader(t, nil)
	require.NoError(t, os.MkdirAll(loader.TrackerDir(), 0o700))

	var mu sync.Mutex
	var got []usage.ProviderConfig
	changed := make(chan struct{}, 1)
	w := NewWatcher(loader, 50*time.Millisecond, func(configs []usage.ProviderConfig) {
		mu.Lock()
		got = configs
		mu.Unlock()
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, loader.AuthPath(), `{"synthetic": {"key": "syn-key"}}`)

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not re-discover")
	}

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	synthetic, ok := find(got, "synthetic")
	require.True(t, ok)
	assert.Equal(t, "syn-key", synthetic.APIKey)
}

func TestSnapshot(t *testing.T) {
	var s Snapshot
	got, loaded := s.Get()
	assert.False(t, loaded)
	assert.Empty(t, got)

	in := []usage.ProviderConfig{{ProviderID: "openai"}}
	s.Set(in)
	in[0].ProviderID = "changed"

	got, loaded = s.Get()
	assert.True(t, loaded)
	require.Len(t, got, 1)
	assert.Equal(t, "openai", got[0].ProviderID)
}
