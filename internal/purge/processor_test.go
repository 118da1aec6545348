package purge

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/purgectl/internal/metrics"
	"github.com/l0p7/purgectl/internal/secrets"
	"github.com/l0p7/purgectl/internal/settings"
	"github.com/l0p7/purgectl/internal/templates"
)

const testPurger = "edge"

func settingsFor(t *testing.T, serverURL string) settings.PurgerSettings {
	t.Helper()
	parsed, err := url.Parse(serverURL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(parsed.Host)
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port)
	require.NoError(t, err)
	return settings.PurgerSettings{
		Name:            "Edge",
		Scheme:          "http",
		Hostname:        host,
		Port:            portNum,
		Account:         "1",
		Application:     "2",
		EnvironmentName: "Production",
		ServiceName:     "varnish",
	}
}

type processorFixture struct {
	processor *Processor
	repo      settings.Repository
	metrics   *metrics.Recorder
	logs      interface{ String() string }
}

func newProcessorFixture(t *testing.T, s settings.PurgerSettings, store secrets.Store) processorFixture {
	t.Helper()
	repo := settings.NewMemory()
	require.NoError(t, repo.Save(context.Background(), testPurger, s))
	logger, logs := bufferLogger()
	rec := metrics.NewRecorder(prometheus.NewRegistry())
	p, err := NewProcessor(testPurger, Dependencies{
		Settings: repo,
		Secrets:  store,
		Tokens:   templates.NewRenderer(false, nil),
		Metrics:  rec,
		Logger:   logger,
	})
	require.NoError(t, err)
	return processorFixture{processor: p, repo: repo, metrics: rec, logs: logs}
}

func dispatchCount(t *testing.T, rec *metrics.Recorder, kind, outcome string) float64 {
	t.Helper()
	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "purgectl_dispatch_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelValue(m, "purger") == testPurger && labelValue(m, "kind") == kind && labelValue(m, "outcome") == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelValue(m *dto.Metric, name string) string {
	for _, label := range m.GetLabel() {
		if label.GetName() == name {
			return label.GetValue()
		}
	}
	return ""
}

func TestProcessorInvalidatePaths(t *testing.T) {
	server := newBanServer(t, http.StatusOK)
	s := settingsFor(t, server.URL)
	s.SiteName = "www.example.com"
	s.Username = "operator"
	s.PasswordKey = "section"
	s.Headers = []settings.HeaderSetting{{Field: "X-Invalidation", Value: "{{ .invalidation.id }}"}}
	s.Body = `{"ignored":true}`
	s.BodyContentType = "application/vnd.section+json"
	f := newProcessorFixture(t, s, secrets.StaticStore{"section": "hunter2"})

	batch := []*Invalidation{
		NewInvalidation("a", KindPath, "/news/index.html"),
		NewInvalidation("b", KindPath, "/about"),
	}
	results, err := f.processor.InvalidatePaths(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, inv := range batch {
		require.Equal(t, StateSucceeded, inv.State())
	}

	reqs := server.captured()
	require.Len(t, reqs, 2)
	require.Equal(t, "/api/v1/account/1/application/2/environment/Production/proxy/varnish/state", reqs[0].path)
	require.Equal(t, `req.url ~ "^/news/index\.html$" && req.http.host == "www.example.com"`, reqs[0].ban)
	require.Equal(t, "a", reqs[0].header.Get("X-Invalidation"))
	require.Equal(t, "b", reqs[1].header.Get("X-Invalidation"))
	require.Equal(t, "hunter2", reqs[1].password)
	require.Equal(t, "application/json", reqs[0].header.Get("Accept"))
	require.Equal(t, "application/vnd.section+json", reqs[0].header.Get("Content-Type"))
	require.Empty(t, reqs[0].body)

	require.Equal(t, float64(2), dispatchCount(t, f.metrics, "path", "succeeded"))
	require.Contains(t, f.logs.String(), "ban expression built")
}

func TestProcessorMalformedItemIsIsolated(t *testing.T) {
	server := newBanServer(t, http.StatusOK)
	f := newProcessorFixture(t, settingsFor(t, server.URL), nil)

	good := NewInvalidation("good", KindURL, "https://example.com/a")
	bad := NewInvalidation("bad", KindURL, "not a url")
	last := NewInvalidation("last", KindURL, "https://example.com/b")

	results, err := f.processor.InvalidateURLs(context.Background(), []*Invalidation{good, bad, last})
	require.Error(t, err)
	var malformed *MalformedExpressionError
	require.ErrorAs(t, err, &malformed)
	require.Equal(t, "not a url", malformed.Expression)

	require.Len(t, results, 3)
	require.Equal(t, StateSucceeded, good.State())
	require.Equal(t, StateFailed, bad.State())
	require.Equal(t, StateSucceeded, last.State())
	require.Equal(t, OutcomeMalformed, results[1].Outcome)
	require.Len(t, server.captured(), 2)
	require.Equal(t, float64(1), dispatchCount(t, f.metrics, "url", "malformed"))
}

func TestProcessorProviderFailureMarksItemFailed(t *testing.T) {
	server := newBanServer(t, http.StatusServiceUnavailable)
	f := newProcessorFixture(t, settingsFor(t, server.URL), nil)

	inv := NewInvalidation("1", KindDomain, "example.com")
	results, err := f.processor.InvalidateDomains(context.Background(), []*Invalidation{inv})
	require.NoError(t, err)
	require.Equal(t, StateFailed, inv.State())
	require.Equal(t, OutcomeRequestFailure, results[0].Outcome)
	require.Contains(t, f.logs.String(), `"level":"ERROR+4"`)
	require.Equal(t, float64(1), dispatchCount(t, f.metrics, "domain", "request_failure"))
}

func TestProcessorMissingSecretAbortsBatch(t *testing.T) {
	server := newBanServer(t, http.StatusOK)
	s := settingsFor(t, server.URL)
	s.Username = "operator"
	s.PasswordKey = "absent"
	f := newProcessorFixture(t, s, secrets.StaticStore{})

	inv := NewInvalidation("1", KindEverything, "")
	results, err := f.processor.InvalidateEverything(context.Background(), []*Invalidation{inv})
	require.ErrorIs(t, err, secrets.ErrSecretNotFound)
	require.Nil(t, results)
	require.Equal(t, StateNew, inv.State())
	require.Empty(t, server.captured())
}

func TestProcessorMissingSettings(t *testing.T) {
	p, err := NewProcessor("ghost", Dependencies{Settings: settings.NewMemory(), Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)

	_, err = p.InvalidateTags(context.Background(), []*Invalidation{NewInvalidation("1", KindTag, "x")})
	require.ErrorIs(t, err, ErrConfigurationMissing)

	_, err = p.TimeHint(context.Background())
	require.ErrorIs(t, err, ErrConfigurationMissing)
}

func TestProcessorDisabledKind(t *testing.T) {
	server := newBanServer(t, http.StatusOK)
	s := settingsFor(t, server.URL)
	s.DisabledTypes = []string{"raw", "regex"}
	f := newProcessorFixture(t, s, nil)

	_, err := f.processor.InvalidateRaw(context.Background(), []*Invalidation{NewInvalidation("1", KindRaw, "x")})
	require.ErrorIs(t, err, ErrKindDisabled)

	kinds, err := f.processor.Types(context.Background())
	require.NoError(t, err)
	require.NotContains(t, kinds, KindRaw)
	require.NotContains(t, kinds, KindRegex)
	require.Contains(t, kinds, KindWildcardURL)
	require.Len(t, kinds, 7)
}

func TestProcessorUnsupportedKind(t *testing.T) {
	server := newBanServer(t, http.StatusOK)
	f := newProcessorFixture(t, settingsFor(t, server.URL), nil)
	_, err := f.processor.Invalidate(context.Background(), Kind("purge-all"), nil)
	require.ErrorIs(t, err, ErrKindUnsupported)
}

func TestProcessorAcceptWhen(t *testing.T) {
	server := newBanServer(t, http.StatusOK)
	s := settingsFor(t, server.URL)
	s.AcceptWhen = `response.status == 202`
	f := newProcessorFixture(t, s, nil)

	inv := NewInvalidation("1", KindRegex, `"^/api"`)
	results, err := f.processor.InvalidateRegex(context.Background(), []*Invalidation{inv})
	require.NoError(t, err)
	require.Equal(t, OutcomeRequestFailure, results[0].Outcome)
	require.Equal(t, StateFailed, inv.State())
}

func TestProcessorTimeHint(t *testing.T) {
	server := newBanServer(t, http.StatusOK)
	s := settingsFor(t, server.URL)
	s.ConnectTimeout = 1.5
	s.Timeout = 2
	f := newProcessorFixture(t, s, nil)
	ctx := context.Background()

	hint, err := f.processor.TimeHint(ctx)
	require.NoError(t, err)
	require.Equal(t, 3500*time.Millisecond, hint)

	measured, err := f.processor.HasRuntimeMeasurement(ctx)
	require.NoError(t, err)
	require.False(t, measured)

	s.RuntimeMeasurement = true
	require.NoError(t, f.repo.Save(ctx, testPurger, s))
	hint, err = f.processor.TimeHint(ctx)
	require.NoError(t, err)
	require.Equal(t, initialRuntimeEstimate, hint)

	_, err = f.processor.InvalidateWildcardPaths(ctx, []*Invalidation{NewInvalidation("1", KindWildcardPath, "/a/*")})
	require.NoError(t, err)
	hint, err = f.processor.TimeHint(ctx)
	require.NoError(t, err)
	require.Less(t, hint, initialRuntimeEstimate)
	require.GreaterOrEqual(t, hint, minRuntimeEstimate)
}

func TestProcessorDescriptors(t *testing.T) {
	server := newBanServer(t, http.StatusOK)
	s := settingsFor(t, server.URL)
	s.CooldownTime = 0.25
	s.MaxRequests = 40
	f := newProcessorFixture(t, s, nil)
	ctx := context.Background()

	label, err := f.processor.Label(ctx)
	require.NoError(t, err)
	require.Equal(t, "Edge", label)

	cooldown, err := f.processor.CooldownTime(ctx)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, cooldown)

	limit, err := f.processor.IdealConditionsLimit(ctx)
	require.NoError(t, err)
	require.Equal(t, 40, limit)

	require.NoError(t, f.processor.Delete(ctx))
	_, err = f.processor.Label(ctx)
	require.ErrorIs(t, err, ErrConfigurationMissing)
}

func TestRuntimeMeasurementClamps(t *testing.T) {
	m := newRuntimeMeasurement()
	for range 20 {
		m.record(time.Millisecond)
	}
	require.Equal(t, minRuntimeEstimate, m.current())
	for range 20 {
		m.record(time.Minute)
	}
	require.Equal(t, maxRuntimeEstimate, m.current())
	m.record(0)
	require.Equal(t, maxRuntimeEstimate, m.current())
}

func TestRegistry(t *testing.T) {
	server := newBanServer(t, http.StatusOK)
	repo := settings.NewMemory()
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, testPurger, settingsFor(t, server.URL)))

	reg, err := NewRegistry(Dependencies{Settings: repo, Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)

	a, err := reg.Processor(ctx, testPurger)
	require.NoError(t, err)
	b, err := reg.Processor(ctx, testPurger)
	require.NoError(t, err)
	require.Same(t, a, b)

	ids, err := reg.IDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{testPurger}, ids)

	_, err = reg.Processor(ctx, "ghost")
	require.ErrorIs(t, err, ErrConfigurationMissing)

	require.NoError(t, reg.Delete(ctx, testPurger))
	_, err = reg.Processor(ctx, testPurger)
	require.ErrorIs(t, err, ErrConfigurationMissing)
}

func TestRegistryDescribe(t *testing.T) {
	server := newBanServer(t, http.StatusOK)
	repo := settings.NewMemory()
	ctx := context.Background()
	s := settingsFor(t, server.URL)
	s.DisabledTypes = []string{"everything"}
	s.CooldownTime = 1
	require.NoError(t, repo.Save(ctx, testPurger, s))

	reg, err := NewRegistry(Dependencies{Settings: repo, Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)

	desc, err := reg.Describe(ctx, testPurger)
	require.NoError(t, err)
	require.Equal(t, "Edge", desc.Label)
	require.Equal(t, 2*time.Second, desc.TimeHint)
	require.Equal(t, time.Second, desc.CooldownTime)
	require.Equal(t, settings.DefaultMaxRequests, desc.IdealConditionsLimit)
	require.NotContains(t, desc.Types, KindEverything)

	inv := NewInvalidation("1", KindTag, `obj.http.x-tags ~ "a"`)
	results, err := reg.Invalidate(ctx, testPurger, KindTag, []*Invalidation{inv})
	require.NoError(t, err)
	require.Equal(t, OutcomeSucceeded, results[0].Outcome)
	require.Equal(t, `obj.http.x-tags ~ "a"`, server.captured()[0].ban)
}
