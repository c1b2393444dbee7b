package compile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fortknox/internal/content"
	"fortknox/internal/fault"
	"fortknox/internal/lease"
	"fortknox/internal/metrics"
	"fortknox/internal/pack"
	"fortknox/internal/pii"
	"fortknox/internal/remote"
	"fortknox/internal/reportstore"
)

var fixedNow = time.Date(2025, 3, 4, 10, 11, 12, 987654321, time.UTC)

const (
	rawStandup = "Standup notes. The rollout moved to next sprint. Contact anna@example.com for access."
	rawReview  = "The quarterly review covered the migration plan for the storage cluster in detail."
)

type harness struct {
	src     *content.MemoryStore
	store   reportstore.Store
	leases  *lease.Table
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, mode lease.Mode) *harness {
	t.Helper()
	h := &harness{
		src:     content.NewMemoryStore(),
		store:   reportstore.NewMemory(),
		metrics: metrics.New(),
	}
	h.leases = lease.New(time.Minute, mode, h.metrics)
	return h
}

// put stores raw text for id and sanitizes it starting at level.
func (h *harness) put(t *testing.T, id, raw string, level pii.Level) {
	t.Helper()
	h.src.Put(id, content.KindDocument, raw, content.Restrictions{AIAllowed: true, ExportAllowed: true})
	require.NoError(t, h.src.SetLevel(id, level))
	res := content.NewSanitizer(h.src, pii.DefaultRuleset(), 1, nil, h.metrics).Sanitize(context.Background(), id)
	require.NoError(t, res.Err)
}

func (h *harness) service(c remote.Client, reidSpan int) *Service {
	return New(Deps{
		Source:   h.src,
		Store:    h.store,
		Leases:   h.leases,
		Remote:   c,
		Metrics:  h.metrics,
		ReIDSpan: reidSpan,
		Now:      func() time.Time { return fixedNow },
	})
}

// stubClient returns text verbatim, optionally blocking until released.
type stubClient struct {
	text    string
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func newStub(text string) *stubClient {
	return &stubClient{text: text, started: make(chan struct{}, 16)}
}

func (s *stubClient) EngineID() string { return "stub@1" }

func (s *stubClient) Compile(ctx context.Context, _ *pack.Pack, _ pack.Policy) (*remote.Result, error) {
	s.calls.Add(1)
	s.started <- struct{}{}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, fault.Wrap(fault.RemoteError, ctx.Err(), remote.ReasonTimeout)
		}
	}
	return &remote.Result{Text: s.text}, nil
}

func internalReq(items ...string) Request {
	return Request{PolicyID: pack.PolicyInternal, TemplateID: "weekly", Items: items}
}

func TestCompile_Idempotent(t *testing.T) {
	h := newHarness(t, lease.Wait)
	h.put(t, "d1", rawStandup, pii.Normal)
	h.put(t, "d2", rawReview, pii.Normal)
	fx := remote.NewFixture("fixture@1")
	svc := h.service(fx, 0)
	ctx := context.Background()

	first, err := svc.Compile(ctx, internalReq("d1", "d2"))
	require.NoError(t, err)
	second, err := svc.Compile(ctx, internalReq("d2", "d1", "d1"))
	require.NoError(t, err)

	assert.EqualValues(t, 1, fx.Calls())
	assert.Equal(t, first, second)
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	assert.Equal(t, string(a), string(b))

	assert.Equal(t, "fixture@1", first.EngineID)
	assert.True(t, fixedNow.Truncate(time.Millisecond).Equal(first.CreatedAt))
	assert.Contains(t, first.Content, "# Testrapport - Intern")
	assert.NotContains(t, first.Content, "anna@example.com")
	require.Len(t, first.Manifest, 2)

	stored, err := svc.Report(ctx, first.Fingerprint, "")
	require.NoError(t, err)
	assert.Equal(t, first, stored)

	snap := h.metrics.Snapshot()
	assert.EqualValues(t, 1, snap.Compile.Outcomes[metrics.OutcomeCompiled])
	assert.EqualValues(t, 1, snap.Compile.Outcomes[metrics.OutcomeCacheHit])
	assert.EqualValues(t, 1, snap.Remote.Calls)
}

func TestCompile_FingerprintDependsOnPolicyAndTemplate(t *testing.T) {
	h := newHarness(t, lease.Wait)
	h.put(t, "d1", rawStandup, pii.Strict)
	svc := h.service(newStub("Kort sammanfattning."), 0)
	ctx := context.Background()

	a, err := svc.Compile(ctx, internalReq("d1"))
	require.NoError(t, err)
	b, err := svc.Compile(ctx, Request{PolicyID: pack.PolicyInternal, TemplateID: "monthly", Items: []string{"d1"}})
	require.NoError(t, err)
	c, err := svc.Compile(ctx, Request{PolicyID: pack.PolicyExternal, TemplateID: "weekly", Items: []string{"d1"}})
	require.NoError(t, err)

	assert.NotEqual(t, a.Fingerprint, b.Fingerprint)
	assert.NotEqual(t, a.Fingerprint, c.Fingerprint)
	assert.Equal(t, pack.PolicyExternal, c.PolicyID)
}

func TestCompile_OfflineServesStoredReport(t *testing.T) {
	h := newHarness(t, lease.Wait)
	h.put(t, "d1", rawStandup, pii.Normal)
	ctx := context.Background()

	online, err := h.service(remote.NewFixture("fixture@1"), 0).Compile(ctx, internalReq("d1"))
	require.NoError(t, err)

	offline := h.service(remote.Offline{Engine: "fixture@1"}, 0)
	got, err := offline.Compile(ctx, internalReq("d1"))
	require.NoError(t, err)
	assert.Equal(t, online, got)

	h.put(t, "d2", rawReview, pii.Normal)
	_, err = offline.Compile(ctx, internalReq("d2"))
	assert.Equal(t, fault.Offline, fault.KindOf(err))
}

func TestCompile_SizeExceededNeverCallsRemote(t *testing.T) {
	h := newHarness(t, lease.Wait)
	h.put(t, "d1", rawReview, pii.Normal)
	fx := remote.NewFixture("fixture@1")
	svc := New(Deps{
		Source: h.src,
		Policies: pack.Policies{
			pack.PolicyInternal: {ID: pack.PolicyInternal, MinLevel: pii.Normal, MaxBytes: 10, QuoteLimit: 8},
		},
		Store:  h.store,
		Leases: h.leases,
		Remote: fx,
	})

	_, err := svc.Compile(context.Background(), internalReq("d1"))
	assert.Equal(t, fault.SizeExceeded, fault.KindOf(err))
	assert.Len(t, fault.ReasonsOf(err), 2)
	assert.Zero(t, fx.Calls())
}

func TestCompile_PackFailures(t *testing.T) {
	h := newHarness(t, lease.Wait)
	h.src.Put("raw", content.KindNote, rawReview, content.Restrictions{AIAllowed: true})
	fx := remote.NewFixture("fixture@1")
	svc := h.service(fx, 0)
	ctx := context.Background()

	_, err := svc.Compile(ctx, Request{PolicyID: "public", TemplateID: "weekly", Items: []string{"raw"}})
	assert.Equal(t, fault.UnknownPolicy, fault.KindOf(err))

	_, err = svc.Compile(ctx, internalReq("missing"))
	assert.Equal(t, fault.EmptyPack, fault.KindOf(err))

	_, err = svc.Compile(ctx, internalReq("raw"))
	assert.Equal(t, fault.EmptyPack, fault.KindOf(err))

	assert.Zero(t, fx.Calls())
	assert.EqualValues(t, 2, h.metrics.Snapshot().Compile.Outcomes["EMPTY_PACK"])
}

func TestCompile_ReIDGuardStoresNothing(t *testing.T) {
	h := newHarness(t, lease.Wait)
	h.put(t, "d1", rawReview, pii.Normal)
	stub := newStub("Summary: the quarterly review covered the migration plan for the storage cluster in depth.")
	svc := h.service(stub, 0)
	ctx := context.Background()

	_, err := svc.Compile(ctx, internalReq("d1"))
	assert.Equal(t, fault.ReIDGuardFailed, fault.KindOf(err))

	// Nothing was stored, so a retry calls the engine again.
	_, err = svc.Compile(ctx, internalReq("d1"))
	assert.Equal(t, fault.ReIDGuardFailed, fault.KindOf(err))
	assert.EqualValues(t, 2, stub.calls.Load())

	// A wider span lets the same output through.
	r, err := h.service(stub, 20).Compile(ctx, internalReq("d1"))
	require.NoError(t, err)
	assert.Equal(t, stub.text, r.Content)
}

func TestCompile_OutputGateRejectsExternalFixture(t *testing.T) {
	h := newHarness(t, lease.Wait)
	h.put(t, "d1", rawStandup, pii.Strict)
	fx := remote.NewFixture("fixture@1")

	_, err := h.service(fx, 0).Compile(context.Background(), Request{PolicyID: pack.PolicyExternal, TemplateID: "weekly", Items: []string{"d1"}})
	assert.Equal(t, fault.OutputGateFailed, fault.KindOf(err))
	assert.Contains(t, fault.ReasonsOf(err), pii.CatDate)
	assert.EqualValues(t, 1, fx.Calls())
}

func TestCompile_BelowPolicyLevelIsExcluded(t *testing.T) {
	h := newHarness(t, lease.Wait)
	h.put(t, "d1", rawStandup, pii.Normal)
	fx := remote.NewFixture("fixture@1")

	_, err := h.service(fx, 0).Compile(context.Background(), Request{PolicyID: pack.PolicyExternal, TemplateID: "weekly", Items: []string{"d1"}})
	assert.Equal(t, fault.EmptyPack, fault.KindOf(err))
	assert.Zero(t, fx.Calls())
}

func TestCompile_ConcurrentSameKeyCallsRemoteOnce(t *testing.T) {
	h := newHarness(t, lease.Wait)
	h.put(t, "d1", rawStandup, pii.Normal)
	stub := newStub("Kort sammanfattning av veckan.")
	stub.release = make(chan struct{})
	svc := h.service(stub, 0)

	const n = 8
	var wg sync.WaitGroup
	reports := make([]string, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := svc.Compile(context.Background(), internalReq("d1"))
			errs[i] = err
			if err == nil {
				b, _ := json.Marshal(r)
				reports[i] = string(b)
			}
		}(i)
	}

	<-stub.started
	close(stub.release)
	wg.Wait()

	assert.EqualValues(t, 1, stub.calls.Load())
	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, reports[0], reports[i])
	}
}

func TestCompile_FailFastReportsInFlight(t *testing.T) {
	h := newHarness(t, lease.FailFast)
	h.put(t, "d1", rawStandup, pii.Normal)
	stub := newStub("Kort sammanfattning av veckan.")
	stub.release = make(chan struct{})
	svc := h.service(stub, 0)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Compile(context.Background(), internalReq("d1"))
		done <- err
	}()
	<-stub.started

	_, err := svc.Compile(context.Background(), internalReq("d1"))
	assert.Equal(t, fault.CompileInFlight, fault.KindOf(err))

	close(stub.release)
	require.NoError(t, <-done)

	_, err = svc.Compile(context.Background(), internalReq("d1"))
	assert.NoError(t, err)
}

func TestCompile_CancelledWaiterLeavesHolderRunning(t *testing.T) {
	h := newHarness(t, lease.Wait)
	h.put(t, "d1", rawStandup, pii.Normal)
	stub := newStub("Kort sammanfattning av veckan.")
	stub.release = make(chan struct{})
	svc := h.service(stub, 0)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Compile(context.Background(), internalReq("d1"))
		done <- err
	}()
	<-stub.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.Compile(ctx, internalReq("d1"))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(stub.release)
	require.NoError(t, <-done)
	assert.Zero(t, h.leases.Len())
	assert.EqualValues(t, 1, stub.calls.Load())
	assert.EqualValues(t, 1, h.metrics.Snapshot().Lease.Waits)
}

func TestCompile_RemoteOutlastingLeaseIsCutOff(t *testing.T) {
	h := newHarness(t, lease.Wait)
	h.leases = lease.New(100*time.Millisecond, lease.Wait, h.metrics)
	h.put(t, "d1", rawStandup, pii.Normal)
	stub := newStub("Kort sammanfattning av veckan.")
	stub.release = make(chan struct{})
	svc := h.service(stub, 0)

	holder := make(chan error, 1)
	go func() {
		_, err := svc.Compile(context.Background(), internalReq("d1"))
		holder <- err
	}()
	<-stub.started

	waiter := make(chan error, 1)
	go func() {
		_, err := svc.Compile(context.Background(), internalReq("d1"))
		waiter <- err
	}()

	err := <-holder
	assert.Equal(t, fault.RemoteError, fault.KindOf(err))
	assert.Equal(t, []string{remote.ReasonTimeout}, fault.ReasonsOf(err))

	// The waiter takes over only after the holder gave up; its call succeeds.
	<-stub.started
	close(stub.release)
	require.NoError(t, <-waiter)

	assert.EqualValues(t, 2, stub.calls.Load())
	assert.Zero(t, h.metrics.Snapshot().Lease.Expiries, "no lease expired under a running holder")
	_, err = svc.Compile(context.Background(), internalReq("d1"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, stub.calls.Load())
}

func TestReport_NotFound(t *testing.T) {
	h := newHarness(t, lease.Wait)
	_, err := h.service(newStub(""), 0).Report(context.Background(), "nope", "")
	assert.ErrorIs(t, err, reportstore.ErrNotFound)
}
