package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franckalain/healthscan/internal/database"
	"github.com/franckalain/healthscan/internal/history"
	"github.com/franckalain/healthscan/internal/logger"
	"github.com/franckalain/healthscan/internal/ml"
	"github.com/franckalain/healthscan/internal/models"
)

type fakeResolver struct {
	mu       sync.Mutex
	products map[string]*models.Product
	err      error
	gate     chan struct{}
	calls    int
}

func (f *fakeResolver) Resolve(ctx context.Context, barcode string) (*models.Product, bool, error) {
	f.mu.Lock()
	f.calls++
	gate, err := f.gate, f.err
	p, ok := f.products[barcode]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	if err != nil {
		return nil, false, err
	}
	return p, ok, nil
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAnalyzer struct {
	mu        sync.Mutex
	result    *models.HealthAssessment
	err       error
	calls     int
	lastPrefs *models.UserPreferences
}

func (f *fakeAnalyzer) Assess(_ context.Context, _ *models.Product, prefs *models.UserPreferences) (*models.HealthAssessment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastPrefs = prefs
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type countingHistory struct {
	*history.Store
	mu    sync.Mutex
	calls int
}

func (h *countingHistory) Add(ctx context.Context, rec models.ScanRecord) (models.ScanRecord, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	return h.Store.Add(ctx, rec)
}

func (h *countingHistory) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type staticPrefs struct{ prefs *models.UserPreferences }

func (s staticPrefs) Preferences(context.Context) (*models.UserPreferences, error) {
	return s.prefs, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const cokeBarcode = "5449000131805"

type harness struct {
	ctrl     *Controller
	resolver *fakeResolver
	analyzer *fakeAnalyzer
	history  *countingHistory
	clock    *clock
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		resolver: &fakeResolver{products: map[string]*models.Product{
			cokeBarcode:     {Code: cokeBarcode, ProductName: "Coca-Cola", Brands: "Coca-Cola"},
			"3017620422003": {Code: "3017620422003", ProductName: "Nutella"},
		}},
		analyzer: &fakeAnalyzer{result: &models.HealthAssessment{
			OverallScore: 42,
			SubScores:    map[string]float64{"nutrition": 30, "additives": 55},
		}},
		clock: &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	store := history.New(context.Background(), database.NewMemoryKV(), nil, nil, logger.Nop(), history.Options{})
	t.Cleanup(store.Close)
	h.history = &countingHistory{Store: store}

	if opts.Cooldown == 0 {
		opts.Cooldown = time.Hour
	}
	opts.Now = h.clock.Now
	h.ctrl = New(h.resolver, h.analyzer, h.history, logger.Nop(), opts)
	t.Cleanup(h.ctrl.Cancel)
	return h
}

func (h *harness) list() []models.ScanRecord {
	return h.history.List(context.Background())
}

func TestScanStoresAssessedProduct(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.ctrl.StartScan())

	res := h.ctrl.Submit(context.Background(), cokeBarcode)
	require.True(t, res.Accepted)
	require.NoError(t, res.Err())
	assert.Equal(t, Settled, res.State)
	require.NotNil(t, res.Record)
	assert.Equal(t, "Coca-Cola", res.Record.Product.DisplayName())

	list := h.list()
	require.Len(t, list, 1)
	assert.Equal(t, cokeBarcode, list[0].Barcode)
	assert.Equal(t, 42.0, list[0].Analysis.OverallScore)
	assert.Equal(t, map[string]float64{"nutrition": 30, "additives": 55}, list[0].Analysis.SubScores)

	state := h.ctrl.State()
	assert.Equal(t, Settled, state.State)
	assert.Equal(t, cokeBarcode, state.Barcode)
	require.NotNil(t, state.Record)
	assert.Equal(t, res.Record.ID, state.Record.ID)
}

func TestUnknownBarcodeFailsWithNotFound(t *testing.T) {
	h := newHarness(t, Options{})
	before := len(h.list())

	res := h.ctrl.Submit(context.Background(), "000000000000")
	require.True(t, res.Accepted)
	assert.Equal(t, Failed, res.State)

	var failure *Failure
	require.ErrorAs(t, res.Err(), &failure)
	assert.Equal(t, NotFound, failure.Kind)
	assert.NotEmpty(t, failure.Message)

	assert.Len(t, h.list(), before)
	assert.Zero(t, h.analyzer.callCount())
	assert.Zero(t, h.history.callCount())
}

func TestLookupErrorFailsWithLookupFailed(t *testing.T) {
	h := newHarness(t, Options{})
	h.resolver.err = errors.New("connection refused")

	res := h.ctrl.Submit(context.Background(), cokeBarcode)
	require.NotNil(t, res.Failure)
	assert.Equal(t, LookupFailed, res.Failure.Kind)
	assert.ErrorContains(t, res.Err(), "connection refused")
	assert.Zero(t, h.analyzer.callCount())
	assert.Empty(t, h.list())
}

func TestLookupTimeoutIsLookupFailure(t *testing.T) {
	h := newHarness(t, Options{LookupTimeout: 20 * time.Millisecond})
	h.resolver.gate = make(chan struct{})

	res := h.ctrl.Submit(context.Background(), cokeBarcode)
	require.NotNil(t, res.Failure)
	assert.Equal(t, LookupFailed, res.Failure.Kind)
	assert.ErrorIs(t, res.Err(), context.DeadlineExceeded)
}

func TestAnalysisFailurePersistsNothing(t *testing.T) {
	h := newHarness(t, Options{})
	h.analyzer.err = errors.New("model unavailable")

	res := h.ctrl.Submit(context.Background(), cokeBarcode)
	require.NotNil(t, res.Failure)
	assert.Equal(t, AnalysisFailed, res.Failure.Kind)
	assert.Nil(t, res.Record)
	assert.Nil(t, h.ctrl.State().Product)
	assert.Zero(t, h.history.callCount())
	assert.Empty(t, h.list())
}

func TestInvalidAssessmentIsAnalysisFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.analyzer.result = &models.HealthAssessment{OverallScore: 140, SubScores: map[string]float64{}}

	res := h.ctrl.Submit(context.Background(), cokeBarcode)
	require.NotNil(t, res.Failure)
	assert.Equal(t, AnalysisFailed, res.Failure.Kind)
	assert.ErrorIs(t, res.Err(), models.ErrInvalidAssessment)
	assert.Empty(t, h.list())
}

func TestRateLimitHasItsOwnMessage(t *testing.T) {
	h := newHarness(t, Options{})
	h.analyzer.err = fmt.Errorf("%w: quota", ml.ErrRateLimited)

	res := h.ctrl.Submit(context.Background(), cokeBarcode)
	require.NotNil(t, res.Failure)
	assert.Equal(t, AnalysisFailed, res.Failure.Kind)
	assert.Equal(t, msgRateLimited, res.Failure.Message)
}

func TestDuplicateReadDuringSessionIsDropped(t *testing.T) {
	h := newHarness(t, Options{})
	h.resolver.gate = make(chan struct{})
	require.NoError(t, h.ctrl.StartScan())

	done := make(chan Result, 1)
	go func() { done <- h.ctrl.Submit(context.Background(), cokeBarcode) }()
	require.Eventually(t, func() bool { return h.ctrl.State().State == ResolvingProduct }, time.Second, time.Millisecond)

	dup := h.ctrl.Submit(context.Background(), cokeBarcode)
	assert.False(t, dup.Accepted)
	assert.Equal(t, ResolvingProduct, dup.State)
	assert.False(t, h.ctrl.Submit(context.Background(), "3017620422003").Accepted)
	assert.ErrorIs(t, h.ctrl.StartScan(), ErrSessionActive)

	close(h.resolver.gate)
	res := <-done
	assert.Equal(t, Settled, res.State)

	assert.Equal(t, 1, h.resolver.callCount())
	assert.Equal(t, 1, h.analyzer.callCount())
	assert.Equal(t, 1, h.history.callCount())
	assert.Len(t, h.list(), 1)
}

func TestConcurrentReadsRunOnePipeline(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.ctrl.StartScan())

	var wg sync.WaitGroup
	results := make(chan Result, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- h.ctrl.Submit(context.Background(), cokeBarcode)
		}()
	}
	wg.Wait()
	close(results)

	accepted := 0
	for r := range results {
		if r.Accepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, h.resolver.callCount())
	assert.Len(t, h.list(), 1)
}

func TestClosedBarcodeIsGuardedForCooldown(t *testing.T) {
	h := newHarness(t, Options{Cooldown: time.Hour})

	require.Equal(t, Settled, h.ctrl.Submit(context.Background(), cokeBarcode).State)
	assert.False(t, h.ctrl.Submit(context.Background(), cokeBarcode).Accepted, "terminal state drops reads")

	require.True(t, h.ctrl.Close())
	assert.Equal(t, Idle, h.ctrl.State().State)
	assert.False(t, h.ctrl.Submit(context.Background(), cokeBarcode).Accepted, "trailing read after close")

	h.clock.Advance(2 * time.Hour)
	res := h.ctrl.Submit(context.Background(), cokeBarcode)
	assert.True(t, res.Accepted)
	assert.Equal(t, Settled, res.State)
	assert.Equal(t, 2, h.resolver.callCount())
}

func TestOtherBarcodeIsNotGuarded(t *testing.T) {
	h := newHarness(t, Options{})

	require.Equal(t, Settled, h.ctrl.Submit(context.Background(), cokeBarcode).State)
	require.True(t, h.ctrl.Close())

	res := h.ctrl.Submit(context.Background(), "3017620422003")
	assert.True(t, res.Accepted)
	assert.Equal(t, Settled, res.State)
}

func TestStartScanClearsGuard(t *testing.T) {
	h := newHarness(t, Options{})

	require.Equal(t, Settled, h.ctrl.Submit(context.Background(), cokeBarcode).State)
	require.True(t, h.ctrl.Close())
	require.NoError(t, h.ctrl.StartScan())
	assert.ErrorIs(t, h.ctrl.StartScan(), ErrSessionActive)

	res := h.ctrl.Submit(context.Background(), cokeBarcode)
	assert.True(t, res.Accepted)
	assert.Len(t, h.list(), 2)
}

func TestStartScanFromTerminalState(t *testing.T) {
	h := newHarness(t, Options{})

	require.Equal(t, Failed, h.ctrl.Submit(context.Background(), "000000000000").State)
	assert.False(t, h.ctrl.Close(), "failures are acknowledged, not closed")
	require.NoError(t, h.ctrl.StartScan())
	assert.Equal(t, Capturing, h.ctrl.State().State)
	assert.Nil(t, h.ctrl.State().Failure)
}

func TestAcknowledgeFailure(t *testing.T) {
	h := newHarness(t, Options{})
	assert.False(t, h.ctrl.Acknowledge())

	require.Equal(t, Failed, h.ctrl.Submit(context.Background(), "000000000000").State)
	require.True(t, h.ctrl.Acknowledge())
	assert.Equal(t, Idle, h.ctrl.State().State)

	// A failed barcode is not guarded.
	assert.True(t, h.ctrl.Submit(context.Background(), "000000000000").Accepted)
}

func TestTerminalStatesReturnToIdleAfterCooldown(t *testing.T) {
	h := newHarness(t, Options{Cooldown: 20 * time.Millisecond})

	require.Equal(t, Settled, h.ctrl.Submit(context.Background(), cokeBarcode).State)
	require.Eventually(t, func() bool { return h.ctrl.State().State == Idle }, time.Second, 5*time.Millisecond)

	require.Equal(t, Failed, h.ctrl.Submit(context.Background(), "000000000000").State)
	require.Eventually(t, func() bool { return h.ctrl.State().State == Idle }, time.Second, 5*time.Millisecond)
}

func TestCancelDiscardsInFlightResult(t *testing.T) {
	h := newHarness(t, Options{})
	h.resolver.gate = make(chan struct{})
	require.NoError(t, h.ctrl.StartScan())

	done := make(chan Result, 1)
	go func() { done <- h.ctrl.Submit(context.Background(), cokeBarcode) }()
	require.Eventually(t, func() bool { return h.ctrl.State().State == ResolvingProduct }, time.Second, time.Millisecond)

	h.ctrl.Cancel()
	assert.Equal(t, Idle, h.ctrl.State().State)

	close(h.resolver.gate)
	res := <-done
	assert.True(t, res.Discarded)
	assert.Equal(t, Idle, res.State)
	assert.Nil(t, res.Record)

	assert.Equal(t, Idle, h.ctrl.State().State)
	assert.Zero(t, h.analyzer.callCount())
	assert.Empty(t, h.list())
}

func TestEventsFollowPipelineOrder(t *testing.T) {
	h := newHarness(t, Options{})
	events, unsubscribe := h.ctrl.Subscribe(16)
	defer unsubscribe()

	require.NoError(t, h.ctrl.StartScan())
	h.ctrl.Submit(context.Background(), cokeBarcode)
	require.True(t, h.ctrl.Close())

	var states []State
	for len(states) < 6 {
		select {
		case ev := <-events:
			states = append(states, ev.State)
			if ev.State == Settled {
				require.NotNil(t, ev.Record)
				assert.Equal(t, cokeBarcode, ev.Record.Barcode)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out after %v", states)
		}
	}
	assert.Equal(t, []State{Capturing, ResolvingProduct, AnalyzingHealth, Persisting, Settled, Idle}, states)
}

func TestPreferencesReachAnalyzer(t *testing.T) {
	prefs := &models.UserPreferences{Allergies: []string{"peanuts"}}
	h := newHarness(t, Options{Preferences: staticPrefs{prefs: prefs}})

	h.ctrl.Submit(context.Background(), cokeBarcode)
	h.analyzer.mu.Lock()
	defer h.analyzer.mu.Unlock()
	assert.Equal(t, prefs, h.analyzer.lastPrefs)
}
