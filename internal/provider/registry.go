package provider

import (
	"net/http"
	"path/filepath"
)

// GenericID is the adapter used for configs of type "api" or "pay-as-you-go"
// whose id has no dedicated adapter.
const GenericID = genericID

// SystemProviderIDs are always fetched, even without a configured credential.
var SystemProviderIDs = []string{antigravityID, geminiID, openCodeZenID, copilotID}

// Options carries what the adapters need beyond a ProviderConfig.
type Options struct {
	// Client is the shared outbound client.
	Client *http.Client
	// InsecureClient is used for loopback servers with self-signed certificates.
	InsecureClient *http.Client
	// HomeDir anchors the per-tool credential files.
	HomeDir string
	// DataHome is the XDG data directory.
	DataHome string

	GeminiClientID     string
	GeminiClientSecret string
}

// ProvidersFiles lists the opencode providers.json locations in lookup order.
func (o Options) ProvidersFiles() []string {
	files := []string{filepath.Join(o.HomeDir, ".local", "share", "opencode", "providers.json")}
	if o.DataHome != "" {
		if p := filepath.Join(o.DataHome, "opencode", "providers.json"); p != files[0] {
			files = append(files, p)
		}
	}
	return append(files, filepath.Join(o.HomeDir, ".config", "opencode", "providers.json"))
}

// DefaultProviders builds the full adapter set.
func DefaultProviders(opts Options) []Provider {
	providersFiles := opts.ProvidersFiles()
	return []Provider{
		NewOpenAI(opts.Client),
		Anthropic{},
		NewMistral(opts.Client),
		NewDeepSeek(opts.Client),
		NewOpenRouter(opts.Client),
		NewOpenCode(opts.Client),
		NewOpenCodeZen(opts.Client),
		NewKimi(opts.Client),
		NewZAI(opts.Client),
		NewSynthetic(opts.Client, providersFiles),
		NewCopilot(opts.Client),
		NewGemini(opts.Client, filepath.Join(opts.HomeDir, ".config", "opencode", "antigravity-accounts.json"),
			opts.GeminiClientID, opts.GeminiClientSecret),
		NewAntigravity(opts.InsecureClient),
		NewCodex(opts.Client, filepath.Join(opts.HomeDir, ".codex", "auth.json")),
		NewGeneric(opts.Client, providersFiles),
	}
}
