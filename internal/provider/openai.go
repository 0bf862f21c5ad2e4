package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ai-consumption-tracker/aict/internal/usage"
)

const (
	openAIID      = "openai"
	openAIName    = "OpenAI"
	openAIBaseURL = "https://api.openai.com"
)

// OpenAI validates the key against the models endpoint. OpenAI does not
// expose usage for user keys, so success only confirms connectivity.
type OpenAI struct {
	Client  *http.Client
	BaseURL string
}

// NewOpenAI creates the OpenAI adapter.
func NewOpenAI(client *http.Client) *OpenAI {
	return &OpenAI{Client: client, BaseURL: openAIBaseURL}
}

func (p *OpenAI) ID() string { return openAIID }

func (p *OpenAI) FetchUsage(ctx context.Context, cfg usage.ProviderConfig) []usage.UsageRecord {
	if cfg.APIKey == "" {
		return unavailable(openAIID, openAIName, "API Key is missing via environment variable or auth.json")
	}
	if strings.HasPrefix(cfg.APIKey, "sk-proj") {
		return unavailable(openAIID, openAIName, "Project keys (sk-proj-...) not supported yet. Use a standard user API key.")
	}

	resp, err := do(ctx, p.Client, http.MethodGet, p.BaseURL+"/v1/models", bearer(cfg.APIKey), nil)
	if err != nil {
		return unavailable(openAIID, openAIName, descConnectionFailed)
	}
	if !resp.OK() {
		records := unavailable(openAIID, openAIName, fmt.Sprintf("Invalid Key (%s)", resp.Status()))
		records[0].RawResponse = string(resp.Body)
		return records
	}

	return []usage.UsageRecord{{
		ProviderID:   openAIID,
		ProviderName: openAIName,
		PaymentType:  usage.UsageBased,
		UsageUnit:    unitStatus,
		IsAvailable:  true,
		Description:  descCheckDashboard,
		RawResponse:  string(resp.Body),
	}}
}
