package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"runtime"
	"strings"

	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/ai-consumption-tracker/aict/internal/usage"
)

const (
	antigravityID   = "antigravity"
	antigravityName = "Antigravity"

	antigravityStatusPath = "/exa.language_server_pb.LanguageServerService/GetUserStatus"
	antigravityBody       = `{"metadata":{"ideName":"antigravity","extensionName":"antigravity","ideVersion":"unknown","locale":"en"}}`
)

var csrfTokenPattern = regexp.MustCompile(`--csrf_token[=\s]+([a-zA-Z0-9-]+)`)

// languageServer is one running Antigravity language server reachable on loopback.
type languageServer struct {
	pid       int32
	csrfToken string
	ports     []uint32
}

// Antigravity queries the local language server of every running Antigravity
// IDE for per-model quotas. The servers use self-signed certificates.
type Antigravity struct {
	Client *http.Client

	discover  func(ctx context.Context) ([]languageServer, error)
	supported bool
}

// NewAntigravity creates the Antigravity adapter; client must skip TLS verification.
func NewAntigravity(client *http.Client) *Antigravity {
	return &Antigravity{
		Client:    client,
		discover:  findLanguageServers,
		supported: platformSupported(runtime.GOOS),
	}
}

func platformSupported(goos string) bool {
	switch goos {
	case "windows", "linux", "darwin":
		return true
	default:
		return false
	}
}

func (p *Antigravity) ID() string { return antigravityID }

func (p *Antigravity) FetchUsage(ctx context.Context, _ usage.ProviderConfig) []usage.UsageRecord {
	if !p.supported {
		return unavailable(antigravityID, antigravityName, "Antigravity is not supported on this platform")
	}

	servers, err := p.discover(ctx)
	if err != nil {
		log.WithError(err).Debug("Antigravity process scan failed")
	}
	if len(servers) == 0 {
		return unavailable(antigravityID, antigravityName, "Antigravity process not running")
	}

	seen := make(map[string]struct{})
	var records []usage.UsageRecord
	for _, srv := range servers {
		record, err := p.fetchServer(ctx, srv)
		if err != nil {
			log.WithError(err).WithField("pid", srv.pid).Debug("Antigravity server unreachable")
			continue
		}
		key := strings.ToLower(record.AccountName)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		records = append(records, record)
	}
	if len(records) == 0 {
		return unavailable(antigravityID, antigravityName, "Antigravity process not running or unreachable")
	}
	return records
}

// fetchServer tries each listening port over https, then plain http.
func (p *Antigravity) fetchServer(ctx context.Context, srv languageServer) (usage.UsageRecord, error) {
	headers := map[string]string{
		"X-Codeium-Csrf-Token":     srv.csrfToken,
		"Connect-Protocol-Version": "1",
	}
	lastErr := errors.New("no listening ports")
	for _, port := range srv.ports {
		for _, scheme := range []string{"https", "http"} {
			url := fmt.Sprintf("%s://127.0.0.1:%d%s", scheme, port, antigravityStatusPath)
			resp, err := do(ctx, p.Client, http.MethodPost, url, headers, []byte(antigravityBody))
			if err != nil {
				lastErr = err
				continue
			}
			if !resp.OK() {
				lastErr = fmt.Errorf("HTTP error: %s", resp.Status())
				continue
			}
			return parseAntigravityStatus(resp.Body)
		}
	}
	return usage.UsageRecord{}, lastErr
}

func parseAntigravityStatus(body []byte) (usage.UsageRecord, error) {
	if !gjson.ValidBytes(body) {
		return usage.UsageRecord{}, fmt.Errorf("%w: invalid JSON", ErrNoDecoderMatched)
	}
	status := gjson.GetBytes(body, "userStatus")
	if !status.Exists() {
		return usage.UsageRecord{}, errors.New("missing userStatus in response")
	}
	modelData := status.Get("cascadeModelConfigData")

	configs := make(map[string]gjson.Result)
	var configLabels []string
	for _, c := range modelData.Get("clientModelConfigs").Array() {
		label := c.Get("label").String()
		if label == "" {
			continue
		}
		if _, ok := configs[label]; !ok {
			configLabels = append(configLabels, label)
		}
		configs[label] = c
	}

	labels := uniqueLabels(modelData.Get("clientModelSorts.0.groups.#.modelLabels"))
	if len(labels) == 0 {
		labels = configLabels
	}

	now := timeNow()
	minRemaining := 100.0
	details := make([]usage.UsageDetail, 0, len(labels))
	for _, label := range labels {
		remaining := 0.0
		quota := configs[label].Get("quotaInfo")
		if frac := quota.Get("remainingFraction"); frac.Exists() {
			remaining = frac.Float() * 100
		} else if total := quota.Get("totalRequests").Float(); total > 0 {
			remaining = math.Max(0, total-quota.Get("usedRequests").Float()) / total * 100
		}
		details = append(details, usage.UsageDetail{
			Name:          label,
			Used:          fmt.Sprintf("%.0f%%", 100-remaining),
			Remaining:     usage.Float(remaining),
			NextResetTime: parseReset(quota.Get("resetTime").String(), now),
		})
		minRemaining = math.Min(minRemaining, remaining)
	}
	sortDetails(details)

	used := 100 - minRemaining
	reset := SoonestReset(details, now)
	return usage.UsageRecord{
		ProviderID:          antigravityID,
		ProviderName:        antigravityName,
		UsagePercentage:     used,
		RemainingPercentage: usage.Float(minRemaining),
		CostUsed:            used,
		CostLimit:           100,
		PaymentType:         usage.Quota,
		UsageUnit:           unitQuota,
		IsQuotaBased:        true,
		IsAvailable:         true,
		Description:         fmt.Sprintf("%.1f%% Used", used) + resetSuffix(reset),
		AccountName:         status.Get("email").String(),
		NextResetTime:       reset,
		Details:             details,
		RawResponse:         string(body),
	}, nil
}

// uniqueLabels flattens the nested modelLabels arrays, keeping first occurrence order.
func uniqueLabels(groups gjson.Result) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, group := range groups.Array() {
		for _, l := range group.Array() {
			label := l.String()
			if _, dup := seen[label]; dup || label == "" {
				continue
			}
			seen[label] = struct{}{}
			out = append(out, label)
		}
	}
	return out
}

// findLanguageServers scans running processes for the Antigravity language
// server and collects its csrf token and loopback listening ports.
func findLanguageServers(ctx context.Context) ([]languageServer, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	var servers []languageServer
	for _, proc := range procs {
		name, err := proc.NameWithContext(ctx)
		if err != nil || !strings.Contains(strings.ToLower(name), "language_server") {
			continue
		}
		cmdline, err := proc.CmdlineWithContext(ctx)
		if err != nil || !strings.Contains(strings.ToLower(cmdline), "antigravity") {
			continue
		}
		match := csrfTokenPattern.FindStringSubmatch(cmdline)
		if match == nil {
			continue
		}

		conns, err := gnet.ConnectionsPidWithContext(ctx, "tcp", proc.Pid)
		if err != nil {
			continue
		}
		srv := languageServer{pid: proc.Pid, csrfToken: match[1]}
		for _, c := range conns {
			if c.Status != "LISTEN" {
				continue
			}
			if ip := c.Laddr.IP; ip == "127.0.0.1" || ip == "::1" || ip == "0.0.0.0" || ip == "::" {
				srv.ports = append(srv.ports, c.Laddr.Port)
			}
		}
		if len(srv.ports) > 0 {
			servers = append(servers, srv)
		}
	}
	return servers, nil
}
