package provider

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ai-consumption-tracker/aict/internal/usage"
)

const (
	copilotID      = "github-copilot"
	copilotName    = "GitHub Copilot"
	copilotBaseURL = "https://api.github.com"
)

var copilotPlans = map[string]string{
	"copilot_individual": "Copilot Individual",
	"copilot_business":   "Copilot Business",
	"copilot_enterprise": "Copilot Enterprise",
}

// Copilot reports the GitHub account, its Copilot plan and the hourly core API rate limit.
type Copilot struct {
	Client  *http.Client
	BaseURL string
}

// NewCopilot creates the GitHub Copilot adapter.
func NewCopilot(client *http.Client) *Copilot {
	return &Copilot{Client: client, BaseURL: copilotBaseURL}
}

func (p *Copilot) ID() string { return copilotID }

func (p *Copilot) get(ctx context.Context, token, path string) (response, error) {
	headers := bearer(token)
	headers["User-Agent"] = userAgent
	return do(ctx, p.Client, http.MethodGet, p.BaseURL+path, headers, nil)
}

func (p *Copilot) FetchUsage(ctx context.Context, cfg usage.ProviderConfig) []usage.UsageRecord {
	token := cfg.APIKey
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	if token == "" {
		records := unavailable(copilotID, copilotName, "Not authenticated. Please login in Settings.")
		records[0].PaymentType = usage.Quota
		records[0].IsQuotaBased = true
		return records
	}

	userResp, err := p.get(ctx, token, "/user")
	if err != nil {
		return unavailable(copilotID, copilotName, descConnectionFailed)
	}
	if userResp.StatusCode == http.StatusUnauthorized || userResp.StatusCode == http.StatusForbidden {
		return unavailable(copilotID, copilotName, fmt.Sprintf("Invalid Token (%s)", userResp.Status()))
	}

	raw := []byte(`{}`)
	login := "User"
	if userResp.OK() && gjson.ValidBytes(userResp.Body) {
		if v := gjson.GetBytes(userResp.Body, "login").String(); v != "" {
			login = v
		}
		raw, _ = sjson.SetRawBytes(raw, "user", userResp.Body)
	}

	plan := "Unknown Plan"
	if tokenResp, err := p.get(ctx, token, "/copilot_internal/v2/token"); err == nil && tokenResp.OK() && gjson.ValidBytes(tokenResp.Body) {
		if sku := gjson.GetBytes(tokenResp.Body, "sku").String(); sku != "" {
			plan = sku
			if name, ok := copilotPlans[sku]; ok {
				plan = name
			}
		}
		raw, _ = sjson.SetRawBytes(raw, "copilot_token", tokenResp.Body)
	} else if err != nil {
		log.WithError(err).Debug("Copilot token lookup failed")
	}

	var limit, remaining float64
	var reset *time.Time
	if rateResp, err := p.get(ctx, token, "/rate_limit"); err == nil && rateResp.OK() && gjson.ValidBytes(rateResp.Body) {
		core := gjson.GetBytes(rateResp.Body, "resources.core")
		limit = core.Get("limit").Float()
		remaining = core.Get("remaining").Float()
		if ts := core.Get("reset").Int(); ts > 0 {
			reset = futureOrNil(timePtr(time.Unix(ts, 0).UTC()), timeNow())
		}
		raw, _ = sjson.SetRawBytes(raw, "rate_limit", rateResp.Body)
	}

	used := limit - remaining
	var pct float64
	if limit > 0 {
		pct = clampPercent(used / limit * 100)
	}

	return []usage.UsageRecord{{
		ProviderID:          copilotID,
		ProviderName:        copilotName,
		UsagePercentage:     pct,
		RemainingPercentage: usage.Float(100 - pct),
		CostUsed:            used,
		CostLimit:           limit,
		PaymentType:         usage.Quota,
		UsageUnit:           "Reqs",
		IsQuotaBased:        true,
		IsAvailable:         true,
		Description:         fmt.Sprintf("API Rate Limit (Hourly): %.0f/%.0f Used", used, limit) + resetSuffix(reset),
		AccountName:         login,
		NextResetTime:       reset,
		Details:             []usage.UsageDetail{{Name: "Plan", Used: plan}},
		RawResponse:         string(raw),
	}}
}
