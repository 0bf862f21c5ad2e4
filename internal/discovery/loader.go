// Package discovery finds provider credentials in the tracker's auth.json,
// in other tools' credential stores and in the environment.
//
// Discovery never fails: unreadable or malformed sources are skipped and
// whatever could be parsed is returned.
package discovery

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/ai-consumption-tracker/aict/internal/usage"
)

// AuthFileName is the primary credential file inside the tracker directory.
const AuthFileName = "auth.json"

// PreferencesFileName is the legacy standalone preferences file.
const PreferencesFileName = "preferences.json"

const defaultConfigLimit = 100

// Loader discovers provider configurations.
type Loader struct {
	trackerDir string
	homeDir    string
	dataHome   string
	lookupEnv  func(string) (string, bool)
}

// Option customizes a Loader.
type Option func(*Loader)

// WithHome roots every secondary source at home instead of the user's home directory.
func WithHome(home string) Option {
	return func(l *Loader) {
		l.homeDir = home
		l.dataHome = filepath.Join(home, ".local", "share")
	}
}

// WithEnv replaces os.LookupEnv for environment discovery.
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(l *Loader) {
		l.lookupEnv = lookup
	}
}

// NewLoader creates a loader whose primary file is <trackerDir>/auth.json.
func NewLoader(trackerDir string, opts ...Option) *Loader {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	l := &Loader{
		trackerDir: trackerDir,
		homeDir:    home,
		dataHome:   xdg.DataHome,
		lookupEnv:  os.LookupEnv,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TrackerDir returns the directory holding the primary auth.json.
func (l *Loader) TrackerDir() string {
	return l.trackerDir
}

// HomeDir returns the directory secondary sources are rooted at.
func (l *Loader) HomeDir() string {
	return l.homeDir
}

// DataHome returns the XDG data directory used for secondary sources.
func (l *Loader) DataHome() string {
	return l.dataHome
}

// AuthPath returns the path of the primary auth.json.
func (l *Loader) AuthPath() string {
	return filepath.Join(l.trackerDir, AuthFileName)
}

// LoadDotEnv loads <trackerDir>/.env into the process environment without
// overriding variables that are already set. A missing file is ignored.
func (l *Loader) LoadDotEnv() {
	path := filepath.Join(l.trackerDir, ".env")
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := godotenv.Load(path); err != nil {
		log.WithError(err).WithField("path", path).Warn("Failed to load .env file")
		return
	}
	log.WithField("path", path).Debug("Loaded .env file")
}

// LoadPrimaryConfig reads only the primary auth.json. It is the fast path used by refreshes.
func (l *Loader) LoadPrimaryConfig() []usage.ProviderConfig {
	return readAuthFile(l.AuthPath())
}

// LoadConfig runs full discovery: the primary file, the secondary auth stores,
// well-known providers, environment variables and heuristic credential files.
// Locally configured credentials beat discovered ones; discovered credentials
// fill gaps.
func (l *Loader) LoadConfig() []usage.ProviderConfig {
	var result []usage.ProviderConfig
	seen := make(map[string]bool)

	for _, path := range l.configPaths() {
		for _, cfg := range readAuthFile(path) {
			id := strings.ToLower(cfg.ProviderID)
			if seen[id] {
				continue
			}
			seen[id] = true
			result = append(result, cfg)
		}
	}

	for _, d := range l.discoverTokens() {
		idx := indexOf(result, d.ProviderID)
		if idx < 0 {
			result = append(result, d)
			continue
		}
		existing := &result[idx]
		if existing.APIKey == "" && d.APIKey != "" {
			existing.APIKey = d.APIKey
			existing.Description = d.Description
			existing.AuthSource = d.AuthSource
			if existing.BaseURL == "" {
				existing.BaseURL = d.BaseURL
			}
		}
	}

	log.WithField("count", len(result)).Debug("Provider discovery finished")
	return result
}

// configPaths lists the primary file followed by the secondary auth stores, without duplicates.
func (l *Loader) configPaths() []string {
	paths := []string{l.AuthPath()}
	if l.homeDir != "" {
		paths = append(paths, filepath.Join(l.homeDir, ".local", "share", "opencode", AuthFileName))
	}
	if l.dataHome != "" {
		paths = append(paths, filepath.Join(l.dataHome, "opencode", AuthFileName))
	}
	if l.homeDir != "" {
		paths = append(paths, filepath.Join(l.homeDir, ".opencode", AuthFileName))
	}

	unique := paths[:0]
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		clean := filepath.Clean(p)
		if seen[clean] {
			continue
		}
		seen[clean] = true
		unique = append(unique, clean)
	}
	return unique
}

// readAuthFile parses one auth.json. Entries are returned sorted by id.
func readAuthFile(path string) []usage.ProviderConfig {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	if !gjson.ValidBytes(data) {
		log.WithField("path", path).Warn("Skipping malformed config file")
		return nil
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil
	}

	source := "Config: " + filepath.Base(path)
	var configs []usage.ProviderConfig
	root.ForEach(func(key, value gjson.Result) bool {
		id := key.String()
		if strings.EqualFold(id, usage.SettingsKey) || !value.IsObject() {
			return true
		}
		configs = append(configs, parseEntry(NormalizeID(id), value, source))
		return true
	})

	sort.SliceStable(configs, func(i, j int) bool {
		return configs[i].ProviderID < configs[j].ProviderID
	})
	return configs
}

func parseEntry(id string, value gjson.Result, source string) usage.ProviderConfig {
	configType := stringField(value, "type")
	if configType == "" {
		configType = usage.TypeAPI
	}

	trays := []string{}
	for _, item := range value.Get("enabled_sub_trays").Array() {
		if item.Type == gjson.String {
			trays = append(trays, item.Str)
		}
	}

	return usage.ProviderConfig{
		ProviderID:      id,
		APIKey:          stringField(value, "key"),
		ConfigType:      configType,
		Limit:           usage.Float(defaultConfigLimit),
		BaseURL:         stringField(value, "base_url"),
		ShowInTray:      value.Get("show_in_tray").Type == gjson.True,
		EnabledSubTrays: trays,
		AuthSource:      source,
	}
}

// NormalizeID maps provider aliases to their canonical id.
func NormalizeID(id string) string {
	if strings.EqualFold(id, "kimi-for-coding") {
		return "kimi"
	}
	return id
}

func stringField(value gjson.Result, path string) string {
	v := value.Get(path)
	if v.Type != gjson.String {
		return ""
	}
	return v.Str
}

func indexOf(configs []usage.ProviderConfig, id string) int {
	for i := range configs {
		if configs[i].Matches(id) {
			return i
		}
	}
	return -1
}

