// Package provider implements one usage adapter per external AI service.
//
// Every adapter satisfies Provider and never returns an error: missing
// credentials, network failures, non-2xx responses and malformed payloads
// all become a single unavailable UsageRecord carrying the reason.
package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/ai-consumption-tracker/aict/internal/usage"
)

// Provider is the capability every adapter implements.
type Provider interface {
	// ID is the constant identity used to match configs to adapters.
	ID() string
	// FetchUsage returns at least one record; failures are reported as unavailable records.
	FetchUsage(ctx context.Context, cfg usage.ProviderConfig) []usage.UsageRecord
}

const (
	descConnectionFailed = "Connection Failed"
	descCheckDashboard   = "Connected (Check Dashboard)"
	descKeyMissing       = "API Key missing"
	descKeyNotFound      = "API Key not found"
	descParsingFailed    = "Parsing failed"

	unitStatus  = "Status"
	unitCredits = "Credits"
	unitQuota   = "Quota %"

	maxResponseBody = 1 << 20
	userAgent       = "AIConsumptionTracker/1.0"
)

// unavailable builds the single-record result used for every failure mode.
func unavailable(id, name, description string) []usage.UsageRecord {
	return []usage.UsageRecord{{
		ProviderID:   id,
		ProviderName: name,
		IsAvailable:  false,
		Description:  description,
	}}
}

// response is a fully read upstream response.
type response struct {
	StatusCode int
	Body       []byte
}

// OK reports a 2xx status.
func (r response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Status renders the status like "401 Unauthorized".
func (r response) Status() string {
	return fmt.Sprintf("%d %s", r.StatusCode, http.StatusText(r.StatusCode))
}

// do sends one request and reads at most maxResponseBody bytes of the body.
func do(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body []byte) (response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return response{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return response{StatusCode: resp.StatusCode}, fmt.Errorf("failed to read response: %w", err)
	}
	return response{StatusCode: resp.StatusCode, Body: data}, nil
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// sortDetails orders buckets with "[Credits]" entries first, then by name.
func sortDetails(details []usage.UsageDetail) {
	sort.SliceStable(details, func(i, j int) bool {
		ci := strings.HasPrefix(details[i].Name, "[Credits]")
		cj := strings.HasPrefix(details[j].Name, "[Credits]")
		if ci != cj {
			return ci
		}
		return details[i].Name < details[j].Name
	})
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
