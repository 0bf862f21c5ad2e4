package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ai-consumption-tracker/aict/internal/usage"
)

const (
	codexID      = "codex"
	codexName    = "Codex"
	codexBaseURL = "https://chatgpt.com/backend-api"
)

// Codex reads the ChatGPT rate-limit windows of the signed-in Codex CLI account.
type Codex struct {
	Client   *http.Client
	BaseURL  string
	AuthFile string
}

// NewCodex creates the Codex adapter reading credentials from authFile (~/.codex/auth.json).
func NewCodex(client *http.Client, authFile string) *Codex {
	return &Codex{Client: client, BaseURL: codexBaseURL, AuthFile: authFile}
}

func (p *Codex) ID() string { return codexID }

// credentials returns the access token and account id; a configured key wins over the auth file.
func (p *Codex) credentials(cfg usage.ProviderConfig) (string, string) {
	var token, accountID string
	if data, err := os.ReadFile(p.AuthFile); err == nil && gjson.ValidBytes(data) {
		doc := gjson.ParseBytes(data)
		token = doc.Get("tokens.access_token").String()
		accountID = doc.Get("tokens.account_id").String()
		if accountID == "" {
			accountID = doc.Get("account_id").String()
		}
	}
	if cfg.APIKey != "" {
		token = cfg.APIKey
	}
	return token, accountID
}

type codexWindow struct {
	name    string
	used    float64
	reset   *time.Time
	minutes int
}

type codexUsage struct {
	email   string
	plan    string
	windows []codexWindow
	credits string
}

func codexDecoders(now time.Time) []Decoder[codexUsage] {
	decode := func(root, limits gjson.Result) (codexUsage, error) {
		out := codexUsage{
			email: root.Get("email").String(),
			plan:  root.Get("plan_type").String(),
		}
		if out.plan == "" {
			out.plan = root.Get("rate_limit_status.plan_type").String()
		}
		for _, w := range []struct{ name, primary, fallback string }{
			{"Primary", "primary_window", "primary"},
			{"Secondary", "secondary_window", "secondary"},
		} {
			window := limits.Get(w.primary)
			if !window.Exists() {
				window = limits.Get(w.fallback)
			}
			if parsed, ok := parseCodexWindow(w.name, window, now); ok {
				out.windows = append(out.windows, parsed)
			}
		}
		if credits := root.Get("credits"); credits.Exists() {
			switch {
			case credits.Get("unlimited").Bool():
				out.credits = "Unlimited"
			case credits.Get("has_credits").Bool():
				out.credits = credits.Get("balance").String()
			default:
				out.credits = "None"
			}
		}
		if len(out.windows) == 0 {
			return out, ErrEmptyPayload
		}
		return out, nil
	}

	return []Decoder[codexUsage]{
		{
			Name:   "rate_limit",
			Match:  func(root gjson.Result) bool { return root.Get("rate_limit").IsObject() },
			Decode: func(root gjson.Result) (codexUsage, error) { return decode(root, root.Get("rate_limit")) },
		},
		{
			Name:  "rate_limit_status",
			Match: func(root gjson.Result) bool { return root.Get("rate_limit_status.rate_limit").IsObject() },
			Decode: func(root gjson.Result) (codexUsage, error) {
				return decode(root, root.Get("rate_limit_status.rate_limit"))
			},
		},
	}
}

func parseCodexWindow(name string, w gjson.Result, now time.Time) (codexWindow, bool) {
	if !w.IsObject() {
		return codexWindow{}, false
	}
	out := codexWindow{name: name}
	switch {
	case w.Get("used_percent").Exists():
		out.used = clampPercent(w.Get("used_percent").Float())
	case w.Get("remaining_percent").Exists():
		out.used = clampPercent(100 - w.Get("remaining_percent").Float())
	default:
		return codexWindow{}, false
	}

	switch {
	case w.Get("limit_window_seconds").Int() > 0:
		out.minutes = int(math.Ceil(w.Get("limit_window_seconds").Float() / 60))
	case w.Get("window_minutes").Int() > 0:
		out.minutes = int(w.Get("window_minutes").Int())
	}

	var resetAt time.Time
	switch {
	case w.Get("reset_at").Int() > 0:
		resetAt = time.Unix(w.Get("reset_at").Int(), 0)
	case w.Get("resets_at").Int() > 0:
		resetAt = time.Unix(w.Get("resets_at").Int(), 0)
	case w.Get("reset_after_seconds").Int() > 0:
		resetAt = now.Add(time.Duration(w.Get("reset_after_seconds").Int()) * time.Second)
	}
	if !resetAt.IsZero() {
		out.reset = futureOrNil(timePtr(resetAt.UTC()), now)
	}
	return out, true
}

// formatWindow renders a window length like 300 → "5h" or 10080 → "7d".
func formatWindow(minutes int) string {
	switch {
	case minutes <= 0:
		return ""
	case minutes < 60:
		return fmt.Sprintf("%dm", minutes)
	case minutes%1440 == 0:
		return fmt.Sprintf("%dd", minutes/1440)
	case minutes%60 == 0:
		return fmt.Sprintf("%dh", minutes/60)
	default:
		return fmt.Sprintf("%dh%dm", minutes/60, minutes%60)
	}
}

func (p *Codex) FetchUsage(ctx context.Context, cfg usage.ProviderConfig) []usage.UsageRecord {
	token, accountID := p.credentials(cfg)
	if token == "" {
		return unavailable(codexID, codexName, "Codex auth not found (run 'codex login')")
	}

	headers := bearer(token)
	headers["User-Agent"] = "codex-cli"
	if accountID != "" {
		headers["ChatGPT-Account-Id"] = accountID
	}
	resp, err := do(ctx, p.Client, http.MethodGet, p.BaseURL+"/wham/usage", headers, nil)
	if err != nil {
		return unavailable(codexID, codexName, descConnectionFailed)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return unavailable(codexID, codexName, fmt.Sprintf("Authentication expired (%s)", resp.Status()))
	case !resp.OK():
		return unavailable(codexID, codexName, fmt.Sprintf("API Error (%s)", resp.Status()))
	}

	now := timeNow()
	u, err := DecodeFirst(resp.Body, codexDecoders(now)...)
	switch {
	case errors.Is(err, ErrEmptyPayload):
		return unavailable(codexID, codexName, "No rate limit windows reported")
	case err != nil:
		return unavailable(codexID, codexName, descParsingFailed)
	}

	var used float64
	details := make([]usage.UsageDetail, 0, len(u.windows)+1)
	for _, w := range u.windows {
		used = math.Max(used, w.used)
		name := w.name + " Limit"
		if label := formatWindow(w.minutes); label != "" {
			name += " (" + label + ")"
		}
		details = append(details, usage.UsageDetail{
			Name:          name,
			Used:          fmt.Sprintf("%.0f%%", w.used),
			Remaining:     usage.Float(100 - w.used),
			Description:   strings.TrimSpace(resetSuffix(w.reset)),
			NextResetTime: w.reset,
		})
	}
	if u.credits != "" {
		details = append(details, usage.UsageDetail{Name: "[Credits] Balance", Used: u.credits})
	}
	sortDetails(details)

	description := fmt.Sprintf("%.1f%% Used", used)
	if u.plan != "" {
		description += " (" + u.plan + " plan)"
	}
	reset := SoonestReset(details, now)

	return []usage.UsageRecord{{
		ProviderID:          codexID,
		ProviderName:        codexName,
		UsagePercentage:     used,
		RemainingPercentage: usage.Float(100 - used),
		CostUsed:            used,
		CostLimit:           100,
		PaymentType:         usage.Quota,
		UsageUnit:           unitQuota,
		IsQuotaBased:        true,
		IsAvailable:         true,
		Description:         description + resetSuffix(reset),
		AccountName:         u.email,
		NextResetTime:       reset,
		Details:             details,
		RawResponse:         string(resp.Body),
	}}
}
