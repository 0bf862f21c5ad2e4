// Package usage defines the provider configuration and usage model shared by
// discovery, the adapters, the coordinator and the HTTP API.
package usage

import (
	"strings"
	"time"
)

// PaymentType classifies how a provider bills its users.
type PaymentType string

const (
	// UsageBased is pay-per-call with no fixed ceiling.
	UsageBased PaymentType = "UsageBased"
	// Credits is a prepaid balance; percentage is used/total.
	Credits PaymentType = "Credits"
	// Quota is a subscription allotment that resets periodically.
	Quota PaymentType = "Quota"
)

// Config type values recognised by the generic fallback.
const (
	TypeAPI        = "api"
	TypePayAsYouGo = "pay-as-you-go"
	TypeQuota      = "quota"
)

// SettingsKey is the reserved top-level key of auth.json holding AppPreferences.
const SettingsKey = "app_settings"

// ProviderConfig is one discovered or configured provider credential.
type ProviderConfig struct {
	ProviderID      string   `json:"provider_id"`
	APIKey          string   `json:"api_key"`
	ConfigType      string   `json:"type"`
	Limit           *float64 `json:"limit,omitempty"`
	BaseURL         string   `json:"base_url,omitempty"`
	ShowInTray      bool     `json:"show_in_tray"`
	EnabledSubTrays []string `json:"enabled_sub_trays"`
	AuthSource      string   `json:"auth_source"`
	Description     string   `json:"description,omitempty"`
}

// Matches reports whether the config belongs to the given provider id, ignoring case.
func (c ProviderConfig) Matches(id string) bool {
	return strings.EqualFold(c.ProviderID, id)
}

// UsageDetail is a sub-metric within a provider, such as a per-model quota bucket.
type UsageDetail struct {
	Name          string     `json:"name"`
	Used          string     `json:"used"`
	Remaining     *float64   `json:"remaining,omitempty"`
	Description   string     `json:"description"`
	NextResetTime *time.Time `json:"next_reset_time,omitempty"`
}

// UsageRecord is the normalized usage snapshot returned by an adapter.
// IsAvailable=false carries the reason in Description.
type UsageRecord struct {
	ProviderID          string        `json:"provider_id"`
	ProviderName        string        `json:"provider_name"`
	UsagePercentage     float64       `json:"usage_percentage"`
	RemainingPercentage *float64      `json:"remaining_percentage,omitempty"`
	CostUsed            float64       `json:"cost_used"`
	CostLimit           float64       `json:"cost_limit"`
	PaymentType         PaymentType   `json:"payment_type"`
	UsageUnit           string        `json:"usage_unit"`
	IsQuotaBased        bool          `json:"is_quota_based"`
	IsAvailable         bool          `json:"is_available"`
	Description         string        `json:"description"`
	AuthSource          string        `json:"auth_source"`
	AccountName         string        `json:"account_name"`
	NextResetTime       *time.Time    `json:"next_reset_time,omitempty"`
	Details             []UsageDetail `json:"details,omitempty"`
	RawResponse         string        `json:"raw_response,omitempty"`
}

// AppPreferences are the desktop client settings stored under "app_settings".
type AppPreferences struct {
	ShowAll              bool    `json:"show_all"`
	WindowWidth          float64 `json:"window_width"`
	WindowHeight         float64 `json:"window_height"`
	StayOpen             bool    `json:"stay_open"`
	AlwaysOnTop          bool    `json:"always_on_top"`
	CompactMode          bool    `json:"compact_mode"`
	ColorThresholdYellow int     `json:"color_threshold_yellow"`
	ColorThresholdRed    int     `json:"color_threshold_red"`
	InvertProgressBar    bool    `json:"invert_progress_bar"`
	FontFamily           string  `json:"font_family"`
	FontSize             int     `json:"font_size"`
	FontBold             bool    `json:"font_bold"`
	FontItalic           bool    `json:"font_italic"`
}

// DefaultAppPreferences returns the settings used when none are stored.
func DefaultAppPreferences() AppPreferences {
	return AppPreferences{
		WindowWidth:          420,
		WindowHeight:         500,
		AlwaysOnTop:          true,
		CompactMode:          true,
		ColorThresholdYellow: 60,
		ColorThresholdRed:    80,
		FontFamily:           "Segoe UI",
		FontSize:             12,
	}
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
