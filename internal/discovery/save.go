package discovery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ai-consumption-tracker/aict/internal/usage"
	"github.com/ai-consumption-tracker/aict/internal/util"
)

// authEntry is the on-disk shape of one provider in auth.json.
type authEntry struct {
	Key             string   `json:"key"`
	Type            string   `json:"type"`
	ShowInTray      bool     `json:"show_in_tray"`
	EnabledSubTrays []string `json:"enabled_sub_trays"`
	BaseURL         string   `json:"base_url,omitempty"`
}

// SaveConfig replaces the provider entries of the primary auth.json with configs.
// Entries with neither a credential nor an endpoint override are dropped, and an
// existing app_settings object is preserved.
func (l *Loader) SaveConfig(configs []usage.ProviderConfig) error {
	path := l.AuthPath()
	doc := []byte("{}")

	for _, cfg := range configs {
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			continue
		}
		configType := cfg.ConfigType
		if configType == "" {
			configType = usage.TypeAPI
		}
		trays := cfg.EnabledSubTrays
		if trays == nil {
			trays = []string{}
		}

		raw, err := json.Marshal(authEntry{
			Key:             cfg.APIKey,
			Type:            configType,
			ShowInTray:      cfg.ShowInTray,
			EnabledSubTrays: trays,
			BaseURL:         cfg.BaseURL,
		})
		if err != nil {
			return fmt.Errorf("failed to encode provider %s: %w", cfg.ProviderID, err)
		}
		if doc, err = sjson.SetRawBytes(doc, util.EscapePath(cfg.ProviderID), raw); err != nil {
			return fmt.Errorf("failed to set provider %s: %w", cfg.ProviderID, err)
		}
	}

	if existing := l.readPrimary(); existing != nil {
		if settings := gjson.GetBytes(existing, usage.SettingsKey); settings.IsObject() {
			var err error
			if doc, err = sjson.SetRawBytes(doc, usage.SettingsKey, []byte(settings.Raw)); err != nil {
				return fmt.Errorf("failed to preserve %s: %w", usage.SettingsKey, err)
			}
		}
	}

	if err := l.writePrimary(doc); err != nil {
		return err
	}
	log.WithField("path", path).Info("Provider configuration saved")
	return nil
}

// SavePreferences merges prefs into the app_settings object of auth.json,
// keeping every provider entry untouched.
func (l *Loader) SavePreferences(prefs usage.AppPreferences) error {
	doc := l.readPrimary()
	if doc == nil || !gjson.ParseBytes(doc).IsObject() {
		doc = []byte("{}")
	}

	doc, err := sjson.SetBytes(doc, usage.SettingsKey, prefs)
	if err != nil {
		return fmt.Errorf("failed to set preferences: %w", err)
	}
	return l.writePrimary(doc)
}

// LoadPreferences returns the app_settings of auth.json, falling back to the
// legacy preferences.json and then to defaults.
func (l *Loader) LoadPreferences() usage.AppPreferences {
	if doc := l.readPrimary(); doc != nil {
		if settings := gjson.GetBytes(doc, usage.SettingsKey); settings.IsObject() {
			prefs := usage.DefaultAppPreferences()
			if err := json.Unmarshal([]byte(settings.Raw), &prefs); err == nil {
				return prefs
			}
		}
	}

	if data, err := os.ReadFile(filepath.Join(l.trackerDir, PreferencesFileName)); err == nil {
		prefs := usage.DefaultAppPreferences()
		if err := json.Unmarshal(data, &prefs); err == nil {
			return prefs
		}
	}

	return usage.DefaultAppPreferences()
}

// readPrimary returns the primary file contents, or nil when missing or not valid JSON.
func (l *Loader) readPrimary() []byte {
	data, err := os.ReadFile(l.AuthPath())
	if err != nil || !gjson.ValidBytes(data) {
		return nil
	}
	return data
}

func (l *Loader) writePrimary(doc []byte) error {
	if err := os.MkdirAll(l.trackerDir, 0700); err != nil {
		return fmt.Errorf("failed to create tracker directory: %w", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, doc, "", "  "); err != nil {
		return fmt.Errorf("failed to format config: %w", err)
	}

	tmp := l.AuthPath() + ".tmp"
	if err := os.WriteFile(tmp, pretty.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, l.AuthPath()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
