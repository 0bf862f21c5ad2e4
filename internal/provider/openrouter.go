package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ai-consumption-tracker/aict/internal/usage"
)

const (
	openRouterID      = "openrouter"
	openRouterName    = "OpenRouter"
	openRouterBaseURL = "https://openrouter.ai"
)

// OpenRouter reports the remaining credit balance and, when the key has one,
// its spending limit.
type OpenRouter struct {
	Client  *http.Client
	BaseURL string
}

// NewOpenRouter creates the OpenRouter adapter.
func NewOpenRouter(client *http.Client) *OpenRouter {
	return &OpenRouter{Client: client, BaseURL: openRouterBaseURL}
}

func (p *OpenRouter) ID() string { return openRouterID }

type openRouterCredits struct {
	total float64
	used  float64
}

var openRouterDecoders = []Decoder[openRouterCredits]{{
	Name:  "credits",
	Match: func(root gjson.Result) bool { return root.Get("data").IsObject() },
	Decode: func(root gjson.Result) (openRouterCredits, error) {
		if !hasNumbers(root, "data.total_credits", "data.total_usage") {
			return openRouterCredits{}, ErrEmptyPayload
		}
		return openRouterCredits{
			total: root.Get("data.total_credits").Float(),
			used:  root.Get("data.total_usage").Float(),
		}, nil
	},
}}

func (p *OpenRouter) FetchUsage(ctx context.Context, cfg usage.ProviderConfig) []usage.UsageRecord {
	if cfg.APIKey == "" {
		return unavailable(openRouterID, openRouterName, descKeyNotFound)
	}

	resp, err := do(ctx, p.Client, http.MethodGet, p.BaseURL+"/api/v1/credits", bearer(cfg.APIKey), nil)
	if err != nil {
		return unavailable(openRouterID, openRouterName, descConnectionFailed)
	}
	if !resp.OK() {
		return unavailable(openRouterID, openRouterName, fmt.Sprintf("API Error (%s)", resp.Status()))
	}

	credits, err := DecodeFirst(resp.Body, openRouterDecoders...)
	switch {
	case errors.Is(err, ErrEmptyPayload):
		return unavailable(openRouterID, openRouterName, "Failed to parse credits response")
	case err != nil:
		return unavailable(openRouterID, openRouterName, descParsingFailed)
	}

	now := timeNow()

	name := openRouterName
	var details []usage.UsageDetail
	var nextReset *time.Time

	// The key endpoint is optional enrichment; failures leave the credits record intact.
	if keyResp, err := do(ctx, p.Client, http.MethodGet, p.BaseURL+"/api/v1/key", bearer(cfg.APIKey), nil); err == nil && keyResp.OK() {
		data := gjson.GetBytes(keyResp.Body, "data")
		if label := data.Get("label").String(); label != "" {
			name = label
		}
		if limit := data.Get("limit").Float(); limit > 0 {
			nextReset = parseReset(data.Get("limit_reset").String(), now)
			details = append(details, usage.UsageDetail{
				Name:          "Spending Limit",
				Used:          fmt.Sprintf("%.2f%s", limit, resetSuffix(nextReset)),
				NextResetTime: nextReset,
			})
		}
		freeTier := "No"
		if data.Get("is_free_tier").Bool() {
			freeTier = "Yes"
		}
		details = append(details, usage.UsageDetail{Name: "Free Tier", Used: freeTier})
	}

	var pct float64
	if credits.total > 0 {
		pct = math.Min(credits.used/credits.total*100, 100)
	}
	remaining := credits.total - credits.used

	return []usage.UsageRecord{{
		ProviderID:      cfg.ProviderID,
		ProviderName:    name,
		UsagePercentage: pct,
		CostUsed:        credits.used,
		CostLimit:       credits.total,
		PaymentType:     usage.Credits,
		UsageUnit:       unitCredits,
		IsQuotaBased:    true,
		IsAvailable:     true,
		Description:     fmt.Sprintf("%.2f Credits Remaining%s", remaining, resetSuffix(nextReset)),
		NextResetTime:   nextReset,
		Details:         details,
		RawResponse:     string(resp.Body),
	}}
}
