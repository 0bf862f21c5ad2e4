package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ai-consumption-tracker/aict/internal/usage"
)

const (
	kimiID      = "kimi"
	kimiName    = "Kimi"
	kimiBaseURL = "https://api.kimi.com"
)

// Kimi reads the coding plan point quota and its rolling windows.
type Kimi struct {
	Client  *http.Client
	BaseURL string
}

// NewKimi creates the Kimi adapter.
func NewKimi(client *http.Client) *Kimi {
	return &Kimi{Client: client, BaseURL: kimiBaseURL}
}

func (p *Kimi) ID() string { return kimiID }

type kimiUsage struct {
	limit     float64
	remaining float64
	reset     *time.Time
	details   []usage.UsageDetail
}

func kimiDecoders(now time.Time) []Decoder[kimiUsage] {
	return []Decoder[kimiUsage]{{
		Name:  "usages",
		Match: func(root gjson.Result) bool { return root.Get("usage").IsObject() },
		Decode: func(root gjson.Result) (kimiUsage, error) {
			u := root.Get("usage")
			out := kimiUsage{
				limit:     u.Get("limit").Float(),
				remaining: u.Get("remaining").Float(),
				reset:     parseReset(u.Get("resetTime").String(), now),
			}
			for _, l := range root.Get("limits").Array() {
				detail := l.Get("detail")
				limit := detail.Get("limit").Float()
				if limit <= 0 {
					continue
				}
				remaining := detail.Get("remaining").Float()
				used := limit - remaining
				remainingPct := remaining / limit * 100
				reset := parseReset(detail.Get("resetTime").String(), now)

				out.details = append(out.details, usage.UsageDetail{
					Name:          kimiWindowName(l.Get("window")) + " Limit",
					Used:          fmt.Sprintf("%.1f%%", used/limit*100),
					Remaining:     usage.Float(remainingPct),
					Description:   fmt.Sprintf("%.0f remaining%s", remaining, resetSuffix(reset)),
					NextResetTime: reset,
				})
			}
			return out, nil
		},
	}}
}

// kimiWindowName renders a window like {"duration":60,"timeUnit":"TIME_UNIT_MINUTE"} as "Hourly".
func kimiWindowName(window gjson.Result) string {
	duration := window.Get("duration").Int()
	unit := window.Get("timeUnit").String()
	switch unit {
	case "TIME_UNIT_MINUTE":
		if duration == 60 {
			return "Hourly"
		}
		return fmt.Sprintf("%dm", duration)
	case "TIME_UNIT_HOUR":
		return fmt.Sprintf("%dh", duration)
	case "TIME_UNIT_DAY":
		return fmt.Sprintf("%dd", duration)
	default:
		return unit
	}
}

func (p *Kimi) FetchUsage(ctx context.Context, cfg usage.ProviderConfig) []usage.UsageRecord {
	if cfg.APIKey == "" {
		return unavailable(kimiID, kimiName, descKeyMissing)
	}

	resp, err := do(ctx, p.Client, http.MethodGet, p.BaseURL+"/coding/v1/usages", bearer(cfg.APIKey), nil)
	if err != nil {
		return unavailable(kimiID, kimiName, descConnectionFailed)
	}
	if !resp.OK() {
		return unavailable(kimiID, kimiName, fmt.Sprintf("API Error (%s)", resp.Status()))
	}

	now := timeNow()
	u, err := DecodeFirst(resp.Body, kimiDecoders(now)...)
	if err != nil {
		if errors.Is(err, ErrNoDecoderMatched) {
			return unavailable(kimiID, kimiName, "Unknown response format")
		}
		return unavailable(kimiID, kimiName, descParsingFailed)
	}

	sortDetails(u.details)

	usedPct := 0.0
	remainingPct := 100.0
	description := "Unlimited / Pay-as-you-go"
	if u.limit > 0 {
		remainingPct = u.remaining / u.limit * 100
		usedPct = 100 - remainingPct
		description = fmt.Sprintf("%.1f%% Used (%.0f/%.0f)", usedPct, u.remaining, u.limit)
	}

	nextReset := SoonestReset(u.details, now)
	if nextReset == nil {
		nextReset = u.reset
	}

	return []usage.UsageRecord{{
		ProviderID:          kimiID,
		ProviderName:        kimiName,
		UsagePercentage:     clampPercent(usedPct),
		RemainingPercentage: usage.Float(clampPercent(remainingPct)),
		CostUsed:            u.limit - u.remaining,
		CostLimit:           u.limit,
		PaymentType:         usage.Quota,
		UsageUnit:           "Points",
		IsQuotaBased:        true,
		IsAvailable:         true,
		Description:         description + resetSuffix(nextReset),
		NextResetTime:       nextReset,
		Details:             u.details,
		RawResponse:         string(resp.Body),
	}}
}
