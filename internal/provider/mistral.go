package provider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ai-consumption-tracker/aict/internal/usage"
)

const (
	mistralID      = "mistral"
	mistralName    = "Mistral AI"
	mistralBaseURL = "https://api.mistral.ai"
)

// Mistral validates the key against the models endpoint.
type Mistral struct {
	Client  *http.Client
	BaseURL string
}

// NewMistral creates the Mistral adapter.
func NewMistral(client *http.Client) *Mistral {
	return &Mistral{Client: client, BaseURL: mistralBaseURL}
}

func (p *Mistral) ID() string { return mistralID }

func (p *Mistral) FetchUsage(ctx context.Context, cfg usage.ProviderConfig) []usage.UsageRecord {
	if cfg.APIKey == "" {
		return unavailable(mistralID, mistralName, descKeyMissing)
	}

	resp, err := do(ctx, p.Client, http.MethodGet, p.BaseURL+"/v1/models", bearer(cfg.APIKey), nil)
	if err != nil {
		return unavailable(mistralID, mistralName, descConnectionFailed)
	}
	if !resp.OK() {
		return unavailable(mistralID, mistralName, fmt.Sprintf("Invalid API Key (%s)", resp.Status()))
	}

	return []usage.UsageRecord{{
		ProviderID:   mistralID,
		ProviderName: mistralName,
		PaymentType:  usage.UsageBased,
		UsageUnit:    unitStatus,
		IsAvailable:  true,
		Description:  descCheckDashboard,
		RawResponse:  string(resp.Body),
	}}
}
