package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/ai-consumption-tracker/aict/internal/usage"
)

const (
	zaiID      = "zai-coding-plan"
	zaiName    = "Z.AI"
	zaiBaseURL = "https://api.z.ai"
)

// ZAI reads the coding plan token and time limits.
type ZAI struct {
	Client  *http.Client
	BaseURL string
}

// NewZAI creates the Z.AI adapter.
func NewZAI(client *http.Client) *ZAI {
	return &ZAI{Client: client, BaseURL: zaiBaseURL}
}

func (p *ZAI) ID() string { return zaiID }

type zaiQuota struct {
	plan    string
	usedPct float64
	detail  string
}

var zaiDecoders = []Decoder[zaiQuota]{{
	Name:  "limits",
	Match: func(root gjson.Result) bool { return root.Get("data.limits").IsArray() },
	Decode: func(root gjson.Result) (zaiQuota, error) {
		limits := root.Get("data.limits").Array()
		if len(limits) == 0 {
			return zaiQuota{}, ErrEmptyPayload
		}
		out := zaiQuota{plan: "Coding Plan"}
		for _, l := range limits {
			switch l.Get("type").String() {
			case "TOKENS_LIMIT":
				total := l.Get("usage").Float()
				current := l.Get("currentValue").Float()
				pct := l.Get("percentage").Float()
				if !l.Get("percentage").Exists() && total > 0 {
					pct = current / total * 100
				}
				switch {
				case total > 50_000_000:
					out.plan = "Coding Plan (Ultra/Enterprise)"
				case total > 10_000_000:
					out.plan = "Coding Plan (Pro)"
				}
				out.usedPct = math.Max(out.usedPct, pct)
				out.detail = fmt.Sprintf("%.1f%% of %.0fM tokens used", pct, total/1_000_000)
			case "TIME_LIMIT":
				if pct := l.Get("percentage").Float(); pct > 0 {
					out.usedPct = math.Max(out.usedPct, pct)
				}
			}
		}
		return out, nil
	},
}}

func (p *ZAI) FetchUsage(ctx context.Context, cfg usage.ProviderConfig) []usage.UsageRecord {
	if cfg.APIKey == "" {
		return unavailable(zaiID, zaiName, descKeyMissing)
	}

	headers := map[string]string{
		"Authorization":   cfg.APIKey,
		"Accept-Language": "en-US,en",
	}
	resp, err := do(ctx, p.Client, http.MethodGet, p.BaseURL+"/api/monitor/usage/quota/limit", headers, nil)
	if err != nil {
		return unavailable(zaiID, zaiName, descConnectionFailed)
	}
	if !resp.OK() {
		return unavailable(zaiID, zaiName, fmt.Sprintf("API Error (%s)", resp.Status()))
	}

	quota, err := DecodeFirst(resp.Body, zaiDecoders...)
	switch {
	case errors.Is(err, ErrEmptyPayload), errors.Is(err, ErrNoDecoderMatched) && gjson.ValidBytes(resp.Body):
		return unavailable(zaiID, zaiName, "No usage limits found")
	case err != nil:
		return unavailable(zaiID, zaiName, descParsingFailed)
	}

	used := clampPercent(quota.usedPct)
	reset := NextUTCMidnight(timeNow())
	description := quota.detail
	if description == "" {
		description = fmt.Sprintf("%.1f%% utilized", used)
	}

	return []usage.UsageRecord{{
		ProviderID:          zaiID,
		ProviderName:        zaiName + " " + quota.plan,
		UsagePercentage:     used,
		RemainingPercentage: usage.Float(100 - used),
		CostUsed:            used,
		CostLimit:           100,
		PaymentType:         usage.Quota,
		UsageUnit:           unitQuota,
		IsQuotaBased:        true,
		IsAvailable:         true,
		Description:         description + resetSuffix(&reset),
		NextResetTime:       &reset,
		RawResponse:         string(resp.Body),
	}}
}
