package discovery

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/ai-consumption-tracker/aict/internal/usage"
	"github.com/ai-consumption-tracker/aict/internal/util"
)

// wellKnownProviders always surface in full discovery, even without a credential.
var wellKnownProviders = []string{
	"openai",
	"minimax",
	"xiaomi",
	"kimi",
	"kilocode",
	"claude-code",
	"gemini-cli",
	"antigravity",
}

// envSource maps environment variable aliases to a provider. The first non-empty alias wins.
type envSource struct {
	providerID string
	vars       []string
}

var envSources = []envSource{
	{"openai", []string{"OPENAI_API_KEY"}},
	{"claude-code", []string{"ANTHROPIC_API_KEY", "CLAUDE_API_KEY"}},
	{"gemini-cli", []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}},
	{"deepseek", []string{"DEEPSEEK_API_KEY"}},
	{"openrouter", []string{"OPENROUTER_API_KEY"}},
	{"kimi", []string{"KIMI_API_KEY", "MOONSHOT_API_KEY"}},
	{"xiaomi", []string{"XIAOMI_API_KEY", "MIMO_API_KEY"}},
	{"minimax", []string{"MINIMAX_API_KEY"}},
	{"zai", []string{"ZAI_API_KEY", "Z_AI_API_KEY"}},
	{"antigravity", []string{"ANTIGRAVITY_API_KEY", "GOOGLE_ANTIGRAVITY_API_KEY"}},
	{"opencode-zen", []string{"OPENCODE_API_KEY"}},
	{"cloudcode", []string{"CLOUDCODE_API_KEY"}},
	{"codex", []string{"CODEX_API_KEY"}},
	{"github-copilot", []string{"GITHUB_TOKEN", "GH_TOKEN", "GITHUB_COPILOT_TOKEN"}},
}

// rooKeys maps Roo Cline api config properties to provider ids.
var rooKeys = []struct {
	property   string
	providerID string
}{
	{"anthropicApiKey", "anthropic"},
	{"openAiApiKey", "openai"},
	{"geminiApiKey", "gemini"},
	{"openrouterApiKey", "openrouter"},
	{"mistralApiKey", "mistral"},
	{"kilocodeToken", "kilocode"},
}

const (
	descEnv          = "Discovered via Environment Variable"
	descWellKnown    = "Well-known provider"
	descKiloSecrets  = "Discovered in Kilo Code secrets"
	descRooConfig    = "Discovered in Kilo Code (Roo Config)"
	descProviders    = "Discovered in providers.json"
	descGitHubCLI    = "Discovered in GitHub CLI hosts.yml"
	sourceWellKnown  = "System Default"
	sourceKiloSecret = "Kilo Code Secrets"
	sourceRooConfig  = "Kilo Code Roo Config"
	sourceProviders  = "Config: providers.json"
	sourceGitHubCLI  = "GitHub CLI"
)

// discoverTokens collects credentials from every non-file-config source.
func (l *Loader) discoverTokens() []usage.ProviderConfig {
	discovered := make([]usage.ProviderConfig, 0, len(wellKnownProviders)+len(envSources))
	for _, id := range wellKnownProviders {
		discovered = append(discovered, usage.ProviderConfig{
			ProviderID:  id,
			ConfigType:  usage.TypePayAsYouGo,
			Description: descWellKnown,
			AuthSource:  sourceWellKnown,
		})
	}

	l.discoverEnv(&discovered)
	l.discoverGitHubCLI(&discovered)
	l.discoverKiloCode(&discovered)
	l.discoverProvidersFile(&discovered)
	return discovered
}

// addOrUpdate appends a new entry, or overwrites the credential and provenance
// of an existing one when key is non-empty.
func addOrUpdate(configs *[]usage.ProviderConfig, id, key, description, source string) {
	if idx := indexOf(*configs, id); idx >= 0 {
		if key != "" {
			existing := &(*configs)[idx]
			existing.APIKey = key
			existing.Description = description
			existing.AuthSource = source
		}
		return
	}
	*configs = append(*configs, usage.ProviderConfig{
		ProviderID:  id,
		APIKey:      key,
		ConfigType:  usage.TypePayAsYouGo,
		Description: description,
		AuthSource:  source,
	})
}

func (l *Loader) discoverEnv(configs *[]usage.ProviderConfig) {
	for _, src := range envSources {
		for _, name := range src.vars {
			value, ok := l.lookupEnv(name)
			if !ok || value == "" {
				continue
			}
			addOrUpdate(configs, src.providerID, value, descEnv, "Env: "+src.vars[0])
			break
		}
	}
}

// ghHosts is the subset of ~/.config/gh/hosts.yml that carries the token.
type ghHosts map[string]struct {
	OAuthToken string `yaml:"oauth_token"`
	User       string `yaml:"user"`
}

func (l *Loader) discoverGitHubCLI(configs *[]usage.ProviderConfig) {
	if l.homeDir == "" {
		return
	}
	if idx := indexOf(*configs, "github-copilot"); idx >= 0 && (*configs)[idx].APIKey != "" {
		return
	}

	path := filepath.Join(l.homeDir, ".config", "gh", "hosts.yml")
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var hosts ghHosts
	if err := yaml.Unmarshal(data, &hosts); err != nil {
		log.WithError(err).WithField("path", path).Debug("Skipping unreadable GitHub CLI hosts file")
		return
	}
	if host, ok := hosts["github.com"]; ok && host.OAuthToken != "" {
		addOrUpdate(configs, "github-copilot", host.OAuthToken, descGitHubCLI, sourceGitHubCLI)
	}
}

func (l *Loader) discoverKiloCode(configs *[]usage.ProviderConfig) {
	if l.homeDir == "" {
		return
	}
	data, err := os.ReadFile(filepath.Join(l.homeDir, ".kilocode", "secrets.json"))
	if err != nil || !gjson.ValidBytes(data) {
		return
	}

	entry := gjson.GetBytes(data, util.EscapePath("kilo code.kilo-code"))
	if !entry.Exists() {
		return
	}

	if token := stringField(entry, "kilocodeToken"); token != "" {
		addOrUpdate(configs, "kilocode", token, descKiloSecrets, sourceKiloSecret)
	}

	roo := entry.Get("roo_cline_config_api_config")
	if roo.Type != gjson.String || !gjson.Valid(roo.Str) {
		return
	}
	gjson.Get(roo.Str, "apiConfigs").ForEach(func(_, apiConfig gjson.Result) bool {
		for _, rk := range rooKeys {
			if key := stringField(apiConfig, rk.property); key != "" {
				addOrUpdate(configs, rk.providerID, key, descRooConfig, sourceRooConfig)
			}
		}
		return true
	})
}

// discoverProvidersFile lists the ids known to opencode's providers.json, carrying
// any endpoint it declares.
func (l *Loader) discoverProvidersFile(configs *[]usage.ProviderConfig) {
	if l.homeDir == "" {
		return
	}
	data, err := os.ReadFile(filepath.Join(l.homeDir, ".local", "share", "opencode", "providers.json"))
	if err != nil || !gjson.ValidBytes(data) {
		return
	}

	gjson.ParseBytes(data).ForEach(func(key, value gjson.Result) bool {
		id := key.String()
		addOrUpdate(configs, id, "", descProviders, sourceProviders)
		if baseURL := util.EndpointURL(value); baseURL != "" {
			if idx := indexOf(*configs, id); idx >= 0 && (*configs)[idx].BaseURL == "" {
				(*configs)[idx].BaseURL = baseURL
			}
		}
		return true
	})
}

