package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	neturl "net/url"
	"os"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ai-consumption-tracker/aict/internal/usage"
	"github.com/ai-consumption-tracker/aict/internal/util"
)

const (
	genericID          = "generic-pay-as-you-go"
	descConfigRequired = "Configuration Required (Add 'base_url' to auth.json)"
)

// Generic handles pay-as-you-go services that expose a credits or balance
// endpoint. It also serves any configured id without a dedicated adapter.
type Generic struct {
	Client         *http.Client
	ProvidersFiles []string
}

// NewGeneric creates the generic pay-as-you-go adapter.
func NewGeneric(client *http.Client, providersFiles []string) *Generic {
	return &Generic{Client: client, ProvidersFiles: providersFiles}
}

func (p *Generic) ID() string { return genericID }

var genericDecoders = []Decoder[creditBalance]{
	creditsDecoder,
	{
		Name:  "balance",
		Match: func(root gjson.Result) bool { return root.Get("data.available_balance").Exists() },
		Decode: func(root gjson.Result) (creditBalance, error) {
			return creditBalance{total: root.Get("data.available_balance").Float()}, nil
		},
	},
}

// resolveURL picks the endpoint from base_url, the built-in table, or providers.json.
func (p *Generic) resolveURL(cfg usage.ProviderConfig) string {
	if cfg.BaseURL != "" {
		return cfg.BaseURL
	}
	id := strings.ToLower(cfg.ProviderID)
	switch {
	case strings.Contains(id, "opencode"):
		return openCodeCreditsURL
	case id == "minimax":
		return "https://api.minimax.chat/v1/user/usage"
	case id == "xiaomi":
		return "https://api.xiaomimimo.com/v1/user/balance"
	case strings.Contains(id, "kilocode"), id == "kilo":
		return "https://api.kilocode.ai/v1/credits"
	}
	return lookupProviderURL(p.ProvidersFiles, cfg.ProviderID)
}

// normalizeCreditsURL adds a scheme and, for bare API roots, the /v1/credits path.
func normalizeCreditsURL(raw string) string {
	url := raw
	if !strings.HasPrefix(url, "http") {
		url = "https://" + url
	}
	if strings.HasSuffix(url, "/credits") {
		return url
	}
	for _, marker := range []string{"/quota", "billing", "usage", "balance"} {
		if strings.Contains(url, marker) {
			return url
		}
	}
	url = strings.TrimRight(url, "/")
	if strings.HasSuffix(url, "/v1") {
		return url + "/credits"
	}
	return url + "/v1/credits"
}

func (p *Generic) displayName(cfg usage.ProviderConfig, url string) string {
	if !strings.EqualFold(cfg.ProviderID, genericID) {
		return util.DisplayName(cfg.ProviderID)
	}
	if u, err := neturl.Parse(url); err == nil && u.Hostname() != "" {
		return util.DisplayName(u.Hostname())
	}
	return "Generic"
}

func (p *Generic) FetchUsage(ctx context.Context, cfg usage.ProviderConfig) []usage.UsageRecord {
	name := util.DisplayName(cfg.ProviderID)
	if cfg.APIKey == "" {
		return unavailable(cfg.ProviderID, name, descKeyNotFound)
	}

	resolved := p.resolveURL(cfg)
	if resolved == "" {
		return unavailable(cfg.ProviderID, name, descConfigRequired)
	}
	url := normalizeCreditsURL(resolved)
	name = p.displayName(cfg, url)

	resp, err := do(ctx, p.Client, http.MethodGet, url, bearer(cfg.APIKey), nil)
	if err != nil {
		return unavailable(cfg.ProviderID, name, descConnectionFailed)
	}
	if !resp.OK() {
		return unavailable(cfg.ProviderID, name, fmt.Sprintf("API Error (%s)", resp.Status()))
	}
	if strings.Contains(string(resp.Body), "Not Found") {
		return unavailable(cfg.ProviderID, name, "Not Found (Invalid Key/URL)")
	}

	balance, err := DecodeFirst(resp.Body, genericDecoders...)
	switch {
	case errors.Is(err, ErrNoDecoderMatched):
		return unavailable(cfg.ProviderID, name, "Unknown response format")
	case err != nil:
		return unavailable(cfg.ProviderID, name, descParsingFailed)
	}

	var pct float64
	if balance.total > 0 {
		pct = clampPercent(balance.used / balance.total * 100)
	}

	return []usage.UsageRecord{{
		ProviderID:      cfg.ProviderID,
		ProviderName:    name,
		UsagePercentage: pct,
		CostUsed:        balance.used,
		CostLimit:       balance.total,
		PaymentType:     usage.Credits,
		UsageUnit:       unitCredits,
		IsAvailable:     true,
		Description:     fmt.Sprintf("%.2f / %.2f credits", balance.used, balance.total),
		RawResponse:     string(resp.Body),
	}}
}

// lookupProviderURL returns the endpoint registered for id in the first providers.json that has one.
func lookupProviderURL(files []string, id string) string {
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil || !gjson.ValidBytes(data) {
			continue
		}
		if url := util.EndpointURL(gjson.GetBytes(data, util.EscapePath(id))); url != "" {
			return url
		}
	}
	return ""
}
