package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ai-consumption-tracker/aict/internal/usage"
)

const (
	openCodeID         = "opencode"
	openCodeName       = "OpenCode"
	openCodeZenID      = "opencode-zen"
	openCodeZenName    = "OpenCode Zen"
	openCodeCreditsURL = "https://api.opencode.ai/v1/credits"
)

// OpenCode reads the prepaid credit balance. The Zen variant is a system
// provider that honors a base_url override and breaks the balance into details.
type OpenCode struct {
	Client *http.Client
	URL    string

	id      string
	name    string
	details bool
}

// NewOpenCode creates the OpenCode adapter.
func NewOpenCode(client *http.Client) *OpenCode {
	return &OpenCode{Client: client, URL: openCodeCreditsURL, id: openCodeID, name: openCodeName}
}

// NewOpenCodeZen creates the OpenCode Zen adapter.
func NewOpenCodeZen(client *http.Client) *OpenCode {
	return &OpenCode{Client: client, URL: openCodeCreditsURL, id: openCodeZenID, name: openCodeZenName, details: true}
}

func (p *OpenCode) ID() string { return p.id }

type creditBalance struct {
	total float64
	used  float64
}

var creditsDecoder = Decoder[creditBalance]{
	Name:  "credits",
	Match: func(root gjson.Result) bool { return root.Get("data.total_credits").Exists() },
	Decode: func(root gjson.Result) (creditBalance, error) {
		return creditBalance{
			total: root.Get("data.total_credits").Float(),
			used:  root.Get("data.used_credits").Float(),
		}, nil
	},
}

func (p *OpenCode) FetchUsage(ctx context.Context, cfg usage.ProviderConfig) []usage.UsageRecord {
	if cfg.APIKey == "" {
		return unavailable(p.id, p.name, descKeyMissing)
	}

	url := p.URL
	if p.details && cfg.BaseURL != "" {
		url = cfg.BaseURL
	}

	resp, err := do(ctx, p.Client, http.MethodGet, url, bearer(cfg.APIKey), nil)
	if err != nil {
		return unavailable(p.id, p.name, descConnectionFailed)
	}
	if !resp.OK() {
		return unavailable(p.id, p.name, fmt.Sprintf("API Error (%s)", resp.Status()))
	}
	if strings.Contains(string(resp.Body), "Not Found") {
		return unavailable(p.id, p.name, "Service Unavailable")
	}

	balance, err := DecodeFirst(resp.Body, creditsDecoder)
	switch {
	case errors.Is(err, ErrNoDecoderMatched) && gjson.ValidBytes(resp.Body):
		return unavailable(p.id, p.name, "Invalid response structure")
	case err != nil:
		return unavailable(p.id, p.name, fmt.Sprintf("Parse error: %v", err))
	}

	var pct float64
	if balance.total > 0 {
		pct = balance.used / balance.total * 100
	}

	record := usage.UsageRecord{
		ProviderID:      p.id,
		ProviderName:    p.name,
		UsagePercentage: clampPercent(pct),
		CostUsed:        balance.used,
		CostLimit:       balance.total,
		PaymentType:     usage.Credits,
		UsageUnit:       unitCredits,
		IsAvailable:     true,
		Description:     fmt.Sprintf("%.2f / %.2f credits", balance.used, balance.total),
		RawResponse:     string(resp.Body),
	}
	if p.details {
		record.Details = []usage.UsageDetail{
			{Name: "Total Credits", Used: fmt.Sprintf("%.2f", balance.total), Description: "Available credits"},
			{Name: "Used Credits", Used: fmt.Sprintf("%.2f", balance.used), Description: fmt.Sprintf("%.1f%% of total", pct)},
			{Name: "Remaining Credits", Used: fmt.Sprintf("%.2f", balance.total-balance.used), Description: "Available for use"},
		}
	}
	return []usage.UsageRecord{record}
}
