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
	deepSeekID      = "deepseek"
	deepSeekName    = "DeepSeek"
	deepSeekBaseURL = "https://api.deepseek.com"
)

// DeepSeek reads the prepaid balance of the account.
type DeepSeek struct {
	Client  *http.Client
	BaseURL string
}

// NewDeepSeek creates the DeepSeek adapter.
func NewDeepSeek(client *http.Client) *DeepSeek {
	return &DeepSeek{Client: client, BaseURL: deepSeekBaseURL}
}

func (p *DeepSeek) ID() string { return deepSeekID }

type deepSeekBalance struct {
	available bool
	currency  string
	total     float64
	details   []usage.UsageDetail
}

var deepSeekDecoders = []Decoder[deepSeekBalance]{{
	Name:  "balance_infos",
	Match: func(root gjson.Result) bool { return root.Get("balance_infos").IsArray() },
	Decode: func(root gjson.Result) (deepSeekBalance, error) {
		infos := root.Get("balance_infos").Array()
		if len(infos) == 0 {
			return deepSeekBalance{}, ErrEmptyPayload
		}
		out := deepSeekBalance{available: root.Get("is_available").Bool()}
		for i, info := range infos {
			currency := info.Get("currency").String()
			total := info.Get("total_balance").Float()
			if i == 0 {
				out.currency = currency
				out.total = total
			}
			out.details = append(out.details, usage.UsageDetail{
				Name:        "Balance (" + currency + ")",
				Used:        fmt.Sprintf("%.2f %s", total, currency),
				Description: fmt.Sprintf("Granted %s, topped up %s", info.Get("granted_balance").String(), info.Get("topped_up_balance").String()),
			})
		}
		return out, nil
	},
}}

func (p *DeepSeek) FetchUsage(ctx context.Context, cfg usage.ProviderConfig) []usage.UsageRecord {
	if cfg.APIKey == "" {
		return unavailable(deepSeekID, deepSeekName, descKeyMissing)
	}

	resp, err := do(ctx, p.Client, http.MethodGet, strings.TrimRight(p.BaseURL, "/")+"/user/balance", bearer(cfg.APIKey), nil)
	if err != nil {
		return unavailable(deepSeekID, deepSeekName, descConnectionFailed)
	}
	if !resp.OK() {
		return unavailable(deepSeekID, deepSeekName, fmt.Sprintf("API Error (%s)", resp.Status()))
	}

	balance, err := DecodeFirst(resp.Body, deepSeekDecoders...)
	switch {
	case errors.Is(err, ErrEmptyPayload):
		return unavailable(deepSeekID, deepSeekName, "No balance information found")
	case err != nil:
		return unavailable(deepSeekID, deepSeekName, descParsingFailed)
	}

	description := fmt.Sprintf("Balance: %.2f %s", balance.total, balance.currency)
	if !balance.available {
		description = "Insufficient balance (" + description + ")"
	}
	return []usage.UsageRecord{{
		ProviderID:   deepSeekID,
		ProviderName: deepSeekName,
		CostLimit:    balance.total,
		PaymentType:  usage.Credits,
		UsageUnit:    balance.currency,
		IsAvailable:  true,
		Description:  description,
		Details:      balance.details,
		RawResponse:  string(resp.Body),
	}}
}
