package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ai-consumption-tracker/aict/internal/provider"
	"github.com/ai-consumption-tracker/aict/internal/usage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type staticSource []usage.ProviderConfig

func (s staticSource) LoadPrimaryConfig() []usage.ProviderConfig { return s }

type fakeProvider struct {
	id      string
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	fail    atomic.Bool
	panics  bool
}

func (f *fakeProvider) ID() string { return f.id }

func (f *fakeProvider) FetchUsage(ctx context.Context, cfg usage.ProviderConfig) []usage.UsageRecord {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.panics {
		panic("boom")
	}
	if f.fail.Load() {
		return []usage.UsageRecord{{ProviderID: f.id, Description: "Connection Failed"}}
	}
	return []usage.UsageRecord{{
		ProviderID:   cfg.ProviderID,
		ProviderName: f.id,
		IsAvailable:  true,
		CostUsed:     1,
		AuthSource:   "adapter",
	}}
}

func TestSingleFlightRefresh(t *testing.T) {
	p := &fakeProvider{id: "openai", started: make(chan struct{}, 1), release: make(chan struct{})}
	c := NewCoordinator(staticSource{{ProviderID: "openai", AuthSource: "Config: auth.json"}},
		[]provider.Provider{p}, WithSystemProviders())

	const callers = 8
	results := make([][]usage.UsageRecord, callers)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = c.GetAllUsage(context.Background(), true)
	}()
	<-p.started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.GetAllUsage(context.Background(), true)
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(p.release)
	wg.Wait()

	assert.Equal(t, int32(1), p.calls.Load())
	for i := range results {
		if diff := cmp.Diff(results[0], results[i]); diff != "" {
			t.Fatalf("caller %d saw a different result (-want +got):\n%s", i, diff)
		}
	}
}

func TestCacheShortCircuit(t *testing.T) {
	p := &fakeProvider{id: "openai"}
	c := NewCoordinator(staticSource{{ProviderID: "openai"}}, []provider.Provider{p}, WithSystemProviders())

	first := c.GetAllUsage(context.Background(), false)
	require.Len(t, first, 1)
	require.True(t, first[0].IsAvailable)

	p.fail.Store(true)
	second := c.GetAllUsage(context.Background(), false)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), p.calls.Load())

	forced := c.GetAllUsage(context.Background(), true)
	require.Len(t, forced, 1)
	assert.False(t, forced[0].IsAvailable)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestAuthSourceStampedFromConfig(t *testing.T) {
	p := &fakeProvider{id: "openai"}
	c := NewCoordinator(staticSource{{ProviderID: "openai", AuthSource: "Env: OPENAI_API_KEY"}},
		[]provider.Provider{p}, WithSystemProviders())

	recs := c.GetAllUsage(context.Background(), true)
	require.Len(t, recs, 1)
	assert.Equal(t, "Env: OPENAI_API_KEY", recs[0].AuthSource)
}

func TestMatchingAndFallback(t *testing.T) {
	anthropic := &fakeProvider{id: "anthropic"}
	generic := &fakeProvider{id: provider.GenericID}
	c := NewCoordinator(staticSource{
		{ProviderID: "claude-code", ConfigType: usage.TypeAPI},
		{ProviderID: "minimax", ConfigType: usage.TypePayAsYouGo},
		{ProviderID: "mystery", ConfigType: usage.TypeQuota},
	}, []provider.Provider{anthropic, generic}, WithSystemProviders())

	recs := c.GetAllUsage(context.Background(), true)
	require.Len(t, recs, 3)
	assert.Equal(t, int32(1), anthropic.calls.Load())
	assert.Equal(t, int32(1), generic.calls.Load())

	assert.Equal(t, "claude-code", recs[0].ProviderID)
	assert.Equal(t, "minimax", recs[1].ProviderID)
	assert.Equal(t, "Connected (Generic)", recs[2].Description)
	assert.Equal(t, "Mystery", recs[2].ProviderName)
	assert.True(t, recs[2].IsAvailable)
}

func TestSystemProvidersInjected(t *testing.T) {
	copilot := &fakeProvider{id: "github-copilot"}
	zen := &fakeProvider{id: "opencode-zen"}
	c := NewCoordinator(staticSource{{ProviderID: "GitHub-Copilot", AuthSource: "GitHub CLI"}},
		[]provider.Provider{copilot, zen}, WithSystemProviders("github-copilot", "opencode-zen"))

	recs := c.GetAllUsage(context.Background(), true)
	require.Len(t, recs, 2)
	assert.Equal(t, int32(1), copilot.calls.Load())
	assert.Equal(t, "GitHub CLI", recs[0].AuthSource)
	assert.Equal(t, "opencode-zen", recs[1].ProviderID)
	assert.Equal(t, SystemAuthSource, recs[1].AuthSource)
}

func TestPanickingProviderDoesNotAbortRefresh(t *testing.T) {
	bad := &fakeProvider{id: "kimi", panics: true}
	good := &fakeProvider{id: "openai"}
	c := NewCoordinator(staticSource{{ProviderID: "kimi"}, {ProviderID: "openai"}},
		[]provider.Provider{bad, good}, WithSystemProviders())

	recs := c.GetAllUsage(context.Background(), true)
	require.Len(t, recs, 1)
	assert.Equal(t, "openai", recs[0].ProviderID)
}

func TestLookupIgnoresCase(t *testing.T) {
	c := NewCoordinator(staticSource{{ProviderID: "openai"}}, []provider.Provider{&fakeProvider{id: "openai"}}, WithSystemProviders())

	_, ok := c.Lookup("openai")
	assert.False(t, ok)
	_, ok = c.LastRefresh()
	assert.False(t, ok)

	c.GetAllUsage(context.Background(), true)
	rec, ok := c.Lookup("OpenAI")
	require.True(t, ok)
	assert.Equal(t, "openai", rec.ProviderID)
	_, ok = c.LastRefresh()
	assert.True(t, ok)
}

func TestCachedIsACopy(t *testing.T) {
	c := NewCoordinator(staticSource{{ProviderID: "openai"}}, []provider.Provider{&fakeProvider{id: "openai"}}, WithSystemProviders())
	c.GetAllUsage(context.Background(), true)

	cached := c.Cached()
	cached[0].ProviderName = "mutated"
	assert.Equal(t, "openai", c.Cached()[0].ProviderName)
}
