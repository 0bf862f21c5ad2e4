package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/ai-consumption-tracker/aict/internal/usage"
)

const (
	syntheticID   = "synthetic"
	syntheticName = "Synthetic"
)

// Synthetic reads the subscription request quota from a user-supplied endpoint.
type Synthetic struct {
	Client         *http.Client
	ProvidersFiles []string
}

// NewSynthetic creates the Synthetic adapter.
func NewSynthetic(client *http.Client, providersFiles []string) *Synthetic {
	return &Synthetic{Client: client, ProvidersFiles: providersFiles}
}

func (p *Synthetic) ID() string { return syntheticID }

type syntheticSubscription struct {
	limit    float64
	requests float64
	renewsAt string
}

var syntheticDecoders = []Decoder[syntheticSubscription]{{
	Name:  "subscription",
	Match: func(root gjson.Result) bool { return root.Get("subscription").IsObject() },
	Decode: func(root gjson.Result) (syntheticSubscription, error) {
		s := root.Get("subscription")
		return syntheticSubscription{
			limit:    s.Get("limit").Float(),
			requests: s.Get("requests").Float(),
			renewsAt: s.Get("renewsAt").String(),
		}, nil
	},
}}

func (p *Synthetic) FetchUsage(ctx context.Context, cfg usage.ProviderConfig) []usage.UsageRecord {
	if cfg.APIKey == "" {
		return unavailable(syntheticID, syntheticName, descKeyMissing)
	}

	url := cfg.BaseURL
	if url == "" {
		url = lookupProviderURL(p.ProvidersFiles, syntheticID)
	}
	if url == "" {
		return unavailable(syntheticID, syntheticName, descConfigRequired)
	}

	resp, err := do(ctx, p.Client, http.MethodGet, url, map[string]string{"Authorization": cfg.APIKey}, nil)
	if err != nil {
		return unavailable(syntheticID, syntheticName, descConnectionFailed)
	}
	if !resp.OK() {
		return unavailable(syntheticID, syntheticName, fmt.Sprintf("API Error (%s)", resp.Status()))
	}

	sub, err := DecodeFirst(resp.Body, syntheticDecoders...)
	switch {
	case errors.Is(err, ErrNoDecoderMatched) && gjson.ValidBytes(resp.Body):
		return unavailable(syntheticID, syntheticName, "No subscription data found")
	case err != nil:
		return unavailable(syntheticID, syntheticName, "Failed to parse response")
	}

	var pct float64
	if sub.limit > 0 {
		pct = sub.requests / sub.limit * 100
	}
	pct = clampPercent(pct)

	reset := parseReset(sub.renewsAt, timeNow())

	return []usage.UsageRecord{{
		ProviderID:          syntheticID,
		ProviderName:        syntheticName,
		UsagePercentage:     pct,
		RemainingPercentage: usage.Float(100 - pct),
		CostUsed:            sub.requests,
		CostLimit:           sub.limit,
		PaymentType:         usage.Quota,
		UsageUnit:           unitQuota,
		IsQuotaBased:        true,
		IsAvailable:         true,
		Description:         fmt.Sprintf("%.1f%% used", pct) + resetSuffix(reset),
		NextResetTime:       reset,
		RawResponse:         string(resp.Body),
	}}
}
