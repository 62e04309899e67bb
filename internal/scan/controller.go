// Package scan turns barcode reads into stored, health-graded scan records.
//
// A Controller runs at most one pipeline at a time: resolve the product,
// assess it, store the record. Reads arriving while a pipeline runs, or
// repeats of the last stored barcode during the cooldown that follows a
// closed result, are dropped.
package scan

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/franckalain/healthscan/internal/logger"
	"github.com/franckalain/healthscan/internal/ml"
	"github.com/franckalain/healthscan/internal/models"
)

var ErrSessionActive = errors.New("a scan session is already active")

const (
	msgNotFound     = "Product not found. Try entering the barcode manually or scan a different product."
	msgLookupFailed = "Could not reach the product database. Check your connection and try again."
	msgAnalysis     = "Health analysis failed. Please try again."
	msgRateLimited  = "The analysis service is busy. Wait a moment and try again."
)

// Resolver looks a barcode up. found is false when the product is unknown.
type Resolver interface {
	Resolve(ctx context.Context, barcode string) (product *models.Product, found bool, err error)
}

// Analyzer grades a product; prefs may be nil.
type Analyzer interface {
	Assess(ctx context.Context, product *models.Product, prefs *models.UserPreferences) (*models.HealthAssessment, error)
}

// History stores completed scans.
type History interface {
	Add(ctx context.Context, rec models.ScanRecord) (models.ScanRecord, error)
}

// PreferenceSource supplies the current user's dietary preferences, or nil.
type PreferenceSource interface {
	Preferences(ctx context.Context) (*models.UserPreferences, error)
}

type Options struct {
	// Cooldown is both the delay before a terminal state returns to Idle and
	// how long the last stored barcode is ignored after its result closes.
	Cooldown        time.Duration
	LookupTimeout   time.Duration
	AnalysisTimeout time.Duration
	StoreTimeout    time.Duration
	// Preferences is optional.
	Preferences PreferenceSource
	Now         func() time.Time
}

func (o *Options) setDefaults() {
	if o.Cooldown <= 0 {
		o.Cooldown = time.Second
	}
	if o.LookupTimeout <= 0 {
		o.LookupTimeout = 10 * time.Second
	}
	if o.AnalysisTimeout <= 0 {
		o.AnalysisTimeout = 30 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Controller struct {
	resolver Resolver
	analyzer Analyzer
	history  History
	opts     Options
	log      *logger.Logger
	tracer   trace.Tracer

	mu      sync.Mutex
	state   State
	barcode string
	product *models.Product
	record  *models.ScanRecord
	failure *Failure
	// generation advances whenever a session starts or is abandoned; stale
	// pipeline results and timers compare against it.
	generation  uint64
	lastBarcode string
	guardUntil  time.Time
	timer       *time.Timer

	nextSub int
	subs    map[int]chan Event
}

func New(resolver Resolver, analyzer Analyzer, history History, log *logger.Logger, opts Options) *Controller {
	opts.setDefaults()
	return &Controller{
		resolver: resolver,
		analyzer: analyzer,
		history:  history,
		opts:     opts,
		log:      log.With("service", "ScanController"),
		tracer:   otel.Tracer("healthscan/scan"),
		state:    Idle,
		subs:     make(map[int]chan Event),
	}
}

// State returns the current session snapshot.
func (c *Controller) State() Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe returns a channel receiving every later transition, in order.
// Events are dropped for a subscriber whose buffer is full. The returned
// function closes the channel.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

// StartScan arms a new session and clears the dedup guard. A result still
// on screen is closed first. It fails while a session is capturing or
// running.
func (c *Controller) StartScan() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Capturing || c.state.InFlight() {
		return ErrSessionActive
	}
	c.resetLocked()
	c.lastBarcode = ""
	c.guardUntil = time.Time{}
	c.transitionLocked(Capturing)
	return nil
}

// Cancel abandons the session from any state. Calls already in flight run
// to completion but their results are discarded.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle {
		c.log.Info("Scan session cancelled", "state", c.state, "barcode", c.barcode)
	}
	c.resetLocked()
	c.lastBarcode = ""
	c.guardUntil = time.Time{}
	c.transitionLocked(Idle)
}

// Close dismisses a settled result. It reports false in any other state.
func (c *Controller) Close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Settled {
		return false
	}
	c.closeLocked()
	return true
}

// Acknowledge dismisses a failure. It reports false in any other state.
func (c *Controller) Acknowledge() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Failed {
		return false
	}
	c.closeLocked()
	return true
}

// Submit feeds one barcode read into the session and, if accepted, runs the
// whole pipeline on the calling goroutine.
func (c *Controller) Submit(ctx context.Context, barcode string) Result {
	barcode = strings.TrimSpace(barcode)

	c.mu.Lock()
	if reason := c.dropReasonLocked(barcode); reason != "" {
		state := c.state
		c.mu.Unlock()
		c.log.Debug("Barcode dropped", "barcode", barcode, "reason", reason, "state", state)
		return Result{State: state}
	}
	c.resetLocked()
	gen := c.generation
	c.barcode = barcode
	c.transitionLocked(ResolvingProduct)
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "scan.pipeline", trace.WithAttributes(attribute.String("barcode", barcode)))
	defer span.End()

	res := c.run(ctx, gen, barcode)
	span.SetAttributes(attribute.String("scan.state", string(res.State)), attribute.Bool("scan.discarded", res.Discarded))
	if res.Failure != nil {
		span.SetStatus(codes.Error, string(res.Failure.Kind))
	}
	return res
}

func (c *Controller) dropReasonLocked(barcode string) string {
	switch {
	case barcode == "":
		return "empty barcode"
	case c.state != Idle && c.state != Capturing:
		return "session busy"
	case barcode == c.lastBarcode && c.opts.Now().Before(c.guardUntil):
		return "duplicate within cooldown"
	}
	return ""
}

func (c *Controller) run(ctx context.Context, gen uint64, barcode string) Result {
	product, failure := c.resolve(ctx, barcode)
	if failure != nil {
		return c.fail(gen, failure)
	}
	if !c.advance(gen, AnalyzingHealth, func() { c.product = product }) {
		return c.discarded()
	}

	analysis, failure := c.analyze(ctx, product)
	if failure != nil {
		return c.fail(gen, failure)
	}
	if !c.advance(gen, Persisting, nil) {
		return c.discarded()
	}

	rec := models.NewScanRecord(barcode, product, analysis, c.opts.Now())
	stored := c.persist(ctx, rec)
	return c.settle(gen, stored)
}

func (c *Controller) resolve(ctx context.Context, barcode string) (*models.Product, *Failure) {
	ctx, span := c.tracer.Start(ctx, "scan.resolve")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.opts.LookupTimeout)
	defer cancel()

	product, found, err := c.resolver.Resolve(ctx, barcode)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failed")
		c.log.Warn("Product lookup failed", "barcode", barcode, "error", err)
		return nil, &Failure{Kind: LookupFailed, Message: msgLookupFailed, Err: err}
	}
	if !found || product == nil {
		c.log.Info("Product not found", "barcode", barcode)
		return nil, &Failure{Kind: NotFound, Message: msgNotFound}
	}
	span.SetAttributes(attribute.String("product.name", product.DisplayName()))
	return product, nil
}

func (c *Controller) analyze(ctx context.Context, product *models.Product) (*models.HealthAssessment, *Failure) {
	ctx, span := c.tracer.Start(ctx, "scan.analyze")
	defer span.End()

	prefs := c.preferences(ctx)
	ctx, cancel := context.WithTimeout(ctx, c.opts.AnalysisTimeout)
	defer cancel()

	analysis, err := c.analyzer.Assess(ctx, product, prefs)
	if err == nil {
		err = analysis.Validate()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "analysis failed")
		c.log.Warn("Health analysis failed", "barcode", product.Code, "error", err)
		msg := msgAnalysis
		if errors.Is(err, ml.ErrRateLimited) {
			msg = msgRateLimited
		}
		return nil, &Failure{Kind: AnalysisFailed, Message: msg, Err: err}
	}
	span.SetAttributes(attribute.Float64("analysis.overall_score", analysis.OverallScore))
	return analysis, nil
}

func (c *Controller) preferences(ctx context.Context) *models.UserPreferences {
	if c.opts.Preferences == nil {
		return nil
	}
	prefs, err := c.opts.Preferences.Preferences(ctx)
	if err != nil {
		c.log.Warn("Failed to load dietary preferences, analysing without them", "error", err)
		return nil
	}
	return prefs
}

// persist never fails the session: the history keeps the record locally
// whatever happens to the remote write.
func (c *Controller) persist(ctx context.Context, rec models.ScanRecord) models.ScanRecord {
	ctx, span := c.tracer.Start(ctx, "scan.persist")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()

	stored, err := c.history.Add(ctx, rec)
	if err != nil {
		span.RecordError(err)
		c.log.Error("Failed to store scan", "barcode", rec.Barcode, "error", err)
		return rec
	}
	span.SetAttributes(attribute.Bool("record.synced", stored.Synced))
	return stored
}

// advance moves a live session to the next stage. It reports false when the
// session was abandoned while the previous stage ran.
func (c *Controller) advance(gen uint64, to State, mutate func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return false
	}
	if mutate != nil {
		mutate()
	}
	c.transitionLocked(to)
	return true
}

func (c *Controller) fail(gen uint64, f *Failure) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return c.discardedLocked()
	}
	c.product = nil
	c.failure = f
	c.transitionLocked(Failed)
	c.scheduleCloseLocked(gen)
	return Result{Accepted: true, State: Failed, Failure: f}
}

func (c *Controller) settle(gen uint64, rec models.ScanRecord) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return c.discardedLocked()
	}
	c.record = &rec
	c.lastBarcode = rec.Barcode
	c.transitionLocked(Settled)
	c.scheduleCloseLocked(gen)
	c.log.Info("Scan settled", "barcode", rec.Barcode, "id", rec.ID, "synced", rec.Synced, "score", rec.Analysis.OverallScore)
	out := rec
	return Result{Accepted: true, State: Settled, Record: &out}
}

func (c *Controller) discarded() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discardedLocked()
}

func (c *Controller) discardedLocked() Result {
	c.log.Debug("Discarding result of abandoned session")
	return Result{Accepted: true, Discarded: true, State: c.state}
}

func (c *Controller) scheduleCloseLocked(gen uint64) {
	c.stopTimerLocked()
	c.timer = time.AfterFunc(c.opts.Cooldown, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen == c.generation && c.state.Terminal() {
			c.closeLocked()
		}
	})
}

// closeLocked returns a terminal session to Idle. After a settled result
// the same barcode stays ignored for one more cooldown to absorb trailing
// camera reads.
func (c *Controller) closeLocked() {
	if c.state == Settled {
		c.guardUntil = c.opts.Now().Add(c.opts.Cooldown)
	}
	c.resetLocked()
	c.transitionLocked(Idle)
}

// resetLocked clears per-session fields and invalidates anything still
// running for the previous session.
func (c *Controller) resetLocked() {
	c.stopTimerLocked()
	c.generation++
	c.barcode = ""
	c.product = nil
	c.record = nil
	c.failure = nil
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) transitionLocked(to State) {
	from := c.state
	c.state = to
	c.log.Debug("Scan state changed", "from", from, "to", to, "barcode", c.barcode)

	ev := c.snapshotLocked()
	for id, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.log.Warn("Dropping scan event for slow subscriber", "subscriber", id, "state", to)
		}
	}
}

func (c *Controller) snapshotLocked() Event {
	ev := Event{
		State:   c.state,
		Barcode: c.barcode,
		Product: c.product,
		Failure: c.failure,
		At:      c.opts.Now(),
	}
	if c.record != nil {
		rec := *c.record
		ev.Record = &rec
		ev.Barcode = rec.Barcode
	}
	return ev
}

