package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/oauth2"

	"github.com/ai-consumption-tracker/aict/internal/usage"
)

const (
	geminiID       = "gemini-cli"
	geminiName     = "Gemini CLI"
	geminiTokenURL = "https://oauth2.googleapis.com/token"
	geminiQuotaURL = "https://cloudcode-pa.googleapis.com/v1internal:retrieveUserQuota"
)

// Gemini reports per-account request quotas for every Google account stored
// by the opencode antigravity plugin.
type Gemini struct {
	Client       *http.Client
	AccountsFile string
	TokenURL     string
	QuotaURL     string
	ClientID     string
	ClientSecret string
}

// NewGemini creates the Gemini CLI adapter.
//
// Parameters:
//   - client: Outbound HTTP client used for token refresh and quota calls
//   - accountsFile: Path of antigravity-accounts.json
//   - clientID, clientSecret: OAuth client used to refresh account tokens
func NewGemini(client *http.Client, accountsFile, clientID, clientSecret string) *Gemini {
	return &Gemini{
		Client:       client,
		AccountsFile: accountsFile,
		TokenURL:     geminiTokenURL,
		QuotaURL:     geminiQuotaURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}
}

func (p *Gemini) ID() string { return geminiID }

type geminiAccount struct {
	email        string
	refreshToken string
	projectID    string
}

// accounts reads the accounts file, keeping the first entry per email.
func (p *Gemini) accounts() []geminiAccount {
	data, err := os.ReadFile(p.AccountsFile)
	if err != nil || !gjson.ValidBytes(data) {
		return nil
	}
	seen := make(map[string]struct{})
	var out []geminiAccount
	for _, a := range gjson.GetBytes(data, "accounts").Array() {
		acct := geminiAccount{
			email:        a.Get("email").String(),
			refreshToken: a.Get("refreshToken").String(),
			projectID:    a.Get("projectId").String(),
		}
		if acct.refreshToken == "" {
			continue
		}
		key := strings.ToLower(acct.email)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, acct)
	}
	return out
}

func (p *Gemini) FetchUsage(ctx context.Context, _ usage.ProviderConfig) []usage.UsageRecord {
	accounts := p.accounts()
	if len(accounts) == 0 {
		records := unavailable(geminiID, geminiName, "No Gemini accounts found")
		records[0].PaymentType = usage.Credits
		return records
	}
	if p.ClientID == "" {
		return unavailable(geminiID, geminiName, "Gemini OAuth client is not configured")
	}

	records := make([]usage.UsageRecord, 0, len(accounts))
	for _, acct := range accounts {
		record, err := p.fetchAccount(ctx, acct)
		if err != nil {
			log.WithError(err).WithField("account", acct.email).Debug("Gemini quota fetch failed")
			record = unavailable(geminiID, geminiName, fmt.Sprintf("Error: %v", err))[0]
			record.AccountName = acct.email
		}
		records = append(records, record)
	}
	return records
}

func (p *Gemini) fetchAccount(ctx context.Context, acct geminiAccount) (usage.UsageRecord, error) {
	conf := &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: p.TokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
	oauthCtx := ctx
	if p.Client != nil {
		oauthCtx = context.WithValue(ctx, oauth2.HTTPClient, p.Client)
	}
	token, err := conf.TokenSource(oauthCtx, &oauth2.Token{RefreshToken: acct.refreshToken}).Token()
	if err != nil {
		return usage.UsageRecord{}, fmt.Errorf("token refresh failed: %w", err)
	}

	body, _ := sjson.SetBytes([]byte(`{}`), "project", acct.projectID)
	resp, err := do(ctx, p.Client, http.MethodPost, p.QuotaURL, bearer(token.AccessToken), body)
	if err != nil {
		return usage.UsageRecord{}, err
	}
	if !resp.OK() {
		return usage.UsageRecord{}, fmt.Errorf("quota request returned %s", resp.Status())
	}

	now := timeNow()
	quota, err := DecodeFirst(resp.Body, geminiDecoders(now)...)
	if err != nil && !errors.Is(err, ErrEmptyPayload) {
		return usage.UsageRecord{}, err
	}
	details := quota.details
	sortDetails(details)

	minFrac := MinRemaining(quota.fractions)
	used := clampPercent((1 - minFrac) * 100)
	reset := SoonestReset(details, now)

	return usage.UsageRecord{
		ProviderID:          geminiID,
		ProviderName:        geminiName,
		UsagePercentage:     used,
		RemainingPercentage: usage.Float(clampPercent(minFrac * 100)),
		CostUsed:            used,
		CostLimit:           100,
		PaymentType:         usage.Quota,
		UsageUnit:           unitQuota,
		IsQuotaBased:        true,
		IsAvailable:         true,
		Description:         fmt.Sprintf("%.1f%% Used", used) + resetSuffix(reset),
		AccountName:         acct.email,
		NextResetTime:       reset,
		Details:             details,
		RawResponse:         string(resp.Body),
	}, nil
}

type geminiQuota struct {
	details   []usage.UsageDetail
	fractions []float64
}

func geminiDecoders(now time.Time) []Decoder[geminiQuota] {
	return []Decoder[geminiQuota]{{
		Name:  "buckets",
		Match: func(root gjson.Result) bool { return root.IsObject() },
		Decode: func(root gjson.Result) (geminiQuota, error) {
			buckets := root.Get("buckets").Array()
			if len(buckets) == 0 {
				return geminiQuota{}, ErrEmptyPayload
			}
			var out geminiQuota
			for _, b := range buckets {
				frac := 1.0
				if v := b.Get("remainingFraction"); v.Exists() {
					frac = v.Float()
				}
				quotaID := b.Get("quotaId").String()
				reset := parseReset(b.Get("resetTime").String(), now)
				if reset == nil {
					reset = inferGeminiReset(quotaID, now)
				}
				out.fractions = append(out.fractions, frac)
				out.details = append(out.details, usage.UsageDetail{
					Name:          geminiBucketName(quotaID),
					Used:          fmt.Sprintf("%.1f%%", (1-frac)*100),
					Remaining:     usage.Float(frac * 100),
					Description:   fmt.Sprintf("%.1f%% remaining", frac*100) + resetSuffix(reset),
					NextResetTime: reset,
				})
			}
			return out, nil
		},
	}}
}

// geminiBucketName turns "geminiProRequestsPerDay" into "Gemini Pro (Day)".
func geminiBucketName(quotaID string) string {
	if quotaID == "" {
		return "Quota Bucket"
	}
	words := strings.Fields(SplitCamelCase(quotaID))
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	name := strings.Join(words, " ")
	name = strings.ReplaceAll(name, "Requests Per Day", "(Day)")
	name = strings.ReplaceAll(name, "Requests Per Minute", "(Min)")
	return name
}

func inferGeminiReset(quotaID string, now time.Time) *time.Time {
	id := strings.ToLower(quotaID)
	switch {
	case strings.Contains(id, "requestsperday"):
		return timePtr(NextUTCMidnight(now))
	case strings.Contains(id, "requestsperminute"):
		return timePtr(now.Add(time.Minute).UTC())
	default:
		return nil
	}
}
