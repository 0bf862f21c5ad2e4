package provider

import (
	"context"

	"github.com/ai-consumption-tracker/aict/internal/usage"
)

const (
	anthropicID   = "anthropic"
	anthropicName = "Claude Code"
)

// Anthropic reports a configured key without calling the API; there is no
// public usage endpoint for personal keys.
type Anthropic struct{}

func (Anthropic) ID() string { return anthropicID }

func (Anthropic) FetchUsage(_ context.Context, cfg usage.ProviderConfig) []usage.UsageRecord {
	if cfg.APIKey == "" {
		return unavailable(anthropicID, anthropicName, descKeyMissing)
	}
	return []usage.UsageRecord{{
		ProviderID:   anthropicID,
		ProviderName: anthropicName,
		PaymentType:  usage.UsageBased,
		UsageUnit:    unitStatus,
		IsAvailable:  true,
		Description:  descCheckDashboard,
	}}
}
