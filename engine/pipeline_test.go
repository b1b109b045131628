package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/simfleet/topup/engine/config"
	"github.com/simfleet/topup/engine/provider"
	"github.com/simfleet/topup/engine/queue"
	"github.com/simfleet/topup/engine/recharge"
	"github.com/simfleet/topup/engine/retry"
	"github.com/simfleet/topup/engine/settlement"
	"github.com/simfleet/topup/engine/store"
)

// --- test doubles ---

type fakeLocker struct {
	mu     sync.Mutex
	held   map[string]string
	denied bool

	acquires int
	releases int
	extends  int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]string{}}
}

func (l *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	if l.denied {
		return "", false, nil
	}
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	token := "tok-" + key
	l.held[key] = token
	return token, true, nil
}

func (l *fakeLocker) Release(ctx context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	if l.held[key] != token {
		return false, nil
	}
	delete(l.held, key)
	return true, nil
}

func (l *fakeLocker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extends++
	return l.held[key] == token, nil
}

type fakeNetErr struct{}

func (fakeNetErr) Error() string   { return "dial tcp: i/o timeout" }
func (fakeNetErr) Timeout() bool   { return true }
func (fakeNetErr) Temporary() bool { return true }

// fakeProvider replays a scripted sequence of responses.
type fakeProvider struct {
	name    string
	balance float64

	mu        sync.Mutex
	responses []func() (provider.Result, error)
	calls     int
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Balance(ctx context.Context) (float64, error) { return p.balance, nil }

func (p *fakeProvider) Recharge(ctx context.Context, sim, code string) (provider.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	p.calls++
	if idx < len(p.responses) {
		return p.responses[idx]()
	}
	// Past the script: keep succeeding.
	return provider.Result{Success: true, Folio: "F-extra"}, nil
}

func success(folio string) func() (provider.Result, error) {
	return func() (provider.Result, error) {
		return provider.Result{Success: true, Folio: folio, TransID: "T-" + folio, FinalBalance: 90, Carrier: "Telcel", IP: "10.0.0.1"}, nil
	}
}

func timeout() func() (provider.Result, error) {
	return func() (provider.Result, error) { return provider.Result{}, fakeNetErr{} }
}

// fakePipeline implements ServicePipeline around canned candidates and a
// scripted settle function.
type fakePipeline struct {
	svc recharge.Service
	loc *time.Location
	cfg config.ServiceConfig
	// amountOverride simulates a per-code amount override; zero means the
	// flat config amount applies.
	amountOverride float64
	cand           []recharge.Candidate

	candCalls int

	settleFn    func(items []recharge.PendingRecharge, opts settlement.Options) (settlement.Result, error)
	settleItems [][]recharge.PendingRecharge
	settleOpts  []settlement.Options
}

func (p *fakePipeline) Service() recharge.Service { return p.svc }

func (p *fakePipeline) GetCandidates(ctx context.Context, now time.Time) ([]recharge.Candidate, error) {
	p.candCalls++
	return p.cand, nil
}

func (p *fakePipeline) Classify(cands []recharge.Candidate, now time.Time) recharge.Classification {
	return recharge.Classify(cands, recharge.Thresholds{
		MinutesThreshold: p.cfg.MinutesThreshold,
		Now:              now,
		EndOfToday:       recharge.EndOfDay(now, p.loc),
	})
}

func (p *fakePipeline) Settle(ctx context.Context, items []recharge.PendingRecharge, opts settlement.Options) (settlement.Result, error) {
	p.settleItems = append(p.settleItems, items)
	p.settleOpts = append(p.settleOpts, opts)
	if p.settleFn == nil {
		res := settlement.Result{MasterID: 1}
		for _, it := range items {
			res.Settled = append(res.Settled, it.ID)
		}
		return res, nil
	}
	return p.settleFn(items, opts)
}

func (p *fakePipeline) Config() config.ServiceConfig { return p.cfg }

func (p *fakePipeline) UnitAmount() float64 {
	if p.amountOverride != 0 {
		return p.amountOverride
	}
	return p.cfg.UnitAmount
}

type recordingSink struct {
	mu     sync.Mutex
	topics []string
	events []any
}

func (s *recordingSink) Publish(ctx context.Context, topic string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	s.events = append(s.events, payload)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) lastSummary(t *testing.T) TickSummary {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if sum, ok := s.events[i].(TickSummary); ok {
			return sum
		}
	}
	t.Fatal("no tick summary published")
	return TickSummary{}
}

// --- harness ---

type harness struct {
	worker   *Worker
	pipeline *fakePipeline
	locker   *fakeLocker
	queue    queue.Store
	sink     *recordingSink
}

func newHarness(t *testing.T, pipeline *fakePipeline, providers ...provider.Client) *harness {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	q, err := queue.NewFileStore(t.TempDir(), pipeline.svc, log, nil)
	if err != nil {
		t.Fatal(err)
	}
	locker := newFakeLocker()
	sink := &recordingSink{}
	cfg := &config.Config{Location: time.UTC, LockTTL: time.Hour}

	w := NewWorker(pipeline, locker, q, provider.NewRegistry(providers, store.NewLookupCache(), log), retry.Default(), sink, cfg, log)
	w.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return &harness{worker: w, pipeline: pipeline, locker: locker, queue: q, sink: sink}
}

func gpsPipelineFixture(cands ...recharge.Candidate) *fakePipeline {
	return &fakePipeline{
		svc: recharge.ServiceGPS,
		loc: time.UTC,
		cfg: config.ServiceConfig{MinutesThreshold: 10, UnitAmount: 10, ValidityDays: 8, ProductCode: "TEL010"},
		cand: cands,
	}
}

func candidateFixture(sim string, expiry time.Time, minutesIdle int) recharge.Candidate {
	return recharge.Candidate{
		Device:             recharge.Device{ID: 1, SIM: sim, Description: "Unidad " + sim, Company: "Acme", Expiry: expiry},
		MinutesSinceReport: minutesIdle,
	}
}

// --- scenarios ---

func TestTickHappyPath(t *testing.T) {
	now := time.Now().UTC()
	pipeline := gpsPipelineFixture(
		candidateFixture("D1", now.Add(-48*time.Hour), 20), // expired, silent
		candidateFixture("D2", now.Add(time.Minute), 2),    // expiring, reporting
		candidateFixture("D3", now.Add(96*time.Hour), 500), // stable
	)
	p1 := &fakeProvider{name: "P1", balance: 100, responses: []func() (provider.Result, error){success("F1")}}
	h := newHarness(t, pipeline, p1)

	h.worker.Tick(context.Background())

	sum := h.sink.lastSummary(t)
	if sum.Outcome != outcomeCompleted {
		t.Fatalf("outcome = %s", sum.Outcome)
	}
	if sum.ToRecharge != 1 || sum.Grace != 1 || sum.Stable != 1 {
		t.Fatalf("classification = %+v", sum)
	}
	if sum.Succeeded != 1 || sum.Failed != 0 {
		t.Fatalf("successes = %+v", sum)
	}
	if p1.calls != 1 {
		t.Fatalf("provider calls = %d", p1.calls)
	}
	if len(pipeline.settleItems) != 1 || len(pipeline.settleItems[0]) != 1 {
		t.Fatalf("settle batches = %v", pipeline.settleItems)
	}
	item := pipeline.settleItems[0][0]
	if item.Folio != "F1" || item.SIM != "D1" || item.Provider != "P1" {
		t.Fatalf("settled item = %+v", item)
	}
	if depth, _ := h.queue.Depth(context.Background()); depth != 0 {
		t.Fatalf("queue depth after tick = %d", depth)
	}
	if len(h.locker.held) != 0 {
		t.Fatal("lock still held after tick")
	}
}

func TestTickGraceDevicesAreNotCharged(t *testing.T) {
	now := time.Now().UTC()
	expired := now.Add(-24 * time.Hour)
	var cands []recharge.Candidate
	for i := 0; i < 100; i++ {
		idle := 3
		if i < 20 {
			idle = 45
		}
		cands = append(cands, candidateFixture("S", expired, idle))
	}
	pipeline := gpsPipelineFixture(cands...)
	p1 := &fakeProvider{name: "P1", balance: 10000}
	h := newHarness(t, pipeline, p1)

	h.worker.Tick(context.Background())

	if p1.calls != 20 {
		t.Fatalf("provider calls = %d, want exactly 20", p1.calls)
	}
	sum := h.sink.lastSummary(t)
	if sum.Grace != 80 {
		t.Fatalf("grace = %d", sum.Grace)
	}
}

func TestTickSkippedOnLockContention(t *testing.T) {
	pipeline := gpsPipelineFixture(candidateFixture("D1", time.Now().Add(-time.Hour), 20))
	h := newHarness(t, pipeline, &fakeProvider{name: "P1", balance: 100})
	h.locker.denied = true

	h.worker.Tick(context.Background())

	if pipeline.candCalls != 0 {
		t.Fatal("candidate query issued despite lock contention")
	}
}

func TestTickInsufficientBalance(t *testing.T) {
	now := time.Now().UTC()
	pipeline := gpsPipelineFixture(candidateFixture("D1", now.Add(-time.Hour), 20))
	p1 := &fakeProvider{name: "P1", balance: 9.99} // unit is 10
	h := newHarness(t, pipeline, p1)

	h.worker.Tick(context.Background())

	if p1.calls != 0 {
		t.Fatal("recharge attempted without balance")
	}
	if sum := h.sink.lastSummary(t); sum.Outcome != outcomeInsufficientBalance {
		t.Fatalf("outcome = %s", sum.Outcome)
	}
}

func TestBalanceEqualUnitAmountIsEligible(t *testing.T) {
	now := time.Now().UTC()
	pipeline := gpsPipelineFixture(candidateFixture("D1", now.Add(-time.Hour), 20))
	p1 := &fakeProvider{name: "P1", balance: 10, responses: []func() (provider.Result, error){success("F1")}}
	h := newHarness(t, pipeline, p1)

	h.worker.Tick(context.Background())

	if p1.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", p1.calls)
	}
}

func TestResolvedUnitAmountDrivesEligibilityAndCharge(t *testing.T) {
	now := time.Now().UTC()
	pipeline := gpsPipelineFixture(candidateFixture("D1", now.Add(-time.Hour), 20))
	pipeline.amountOverride = 50 // per-code override above the flat 10

	// Enough for the flat amount, short of the resolved one.
	p1 := &fakeProvider{name: "P1", balance: 40}
	h := newHarness(t, pipeline, p1)

	h.worker.Tick(context.Background())
	if p1.calls != 0 {
		t.Fatal("eligibility used the flat amount instead of the resolved one")
	}
	if sum := h.sink.lastSummary(t); sum.Outcome != outcomeInsufficientBalance {
		t.Fatalf("outcome = %s", sum.Outcome)
	}

	// With balance to cover it, the charged amount is the resolved one.
	p2 := &fakeProvider{name: "P2", balance: 100, responses: []func() (provider.Result, error){success("F1")}}
	h2 := newHarness(t, pipeline, p2)
	h2.worker.Tick(context.Background())

	if len(pipeline.settleItems) != 1 {
		t.Fatalf("settle batches = %d", len(pipeline.settleItems))
	}
	if got := pipeline.settleItems[0][0].Amount; got != 50 {
		t.Fatalf("charged amount = %v, want resolved 50", got)
	}
}

func TestProviderFailover(t *testing.T) {
	now := time.Now().UTC()
	pipeline := gpsPipelineFixture(candidateFixture("D1", now.Add(-time.Hour), 20))
	// p1 has the larger balance, so it is tried first and times out three
	// times; the pipeline then switches to p2.
	p1 := &fakeProvider{name: "P1", balance: 200, responses: []func() (provider.Result, error){timeout(), timeout(), timeout()}}
	p2 := &fakeProvider{name: "P2", balance: 100, responses: []func() (provider.Result, error){success("F2")}}
	h := newHarness(t, pipeline, p1, p2)

	h.worker.Tick(context.Background())

	if p1.calls != 3 {
		t.Fatalf("p1 calls = %d, want 3", p1.calls)
	}
	if p2.calls != 1 {
		t.Fatalf("p2 calls = %d, want 1", p2.calls)
	}
	if len(pipeline.settleItems) != 1 {
		t.Fatalf("settle batches = %d", len(pipeline.settleItems))
	}
	if got := pipeline.settleItems[0][0].Provider; got != "P2" {
		t.Fatalf("recorded provider = %s, want P2", got)
	}
}

func TestBusinessDeclineEndsDeviceAndContinues(t *testing.T) {
	now := time.Now().UTC()
	pipeline := gpsPipelineFixture(
		candidateFixture("D1", now.Add(-time.Hour), 20),
		candidateFixture("D2", now.Add(-time.Hour), 30),
	)
	p1 := &fakeProvider{name: "P1", balance: 1000, responses: []func() (provider.Result, error){
		func() (provider.Result, error) {
			return provider.Result{}, &provider.BusinessError{Provider: "P1", Code: "SIM_INVALIDA", Message: "sim invalida"}
		},
		success("F2"),
	}}
	h := newHarness(t, pipeline, p1)

	h.worker.Tick(context.Background())

	sum := h.sink.lastSummary(t)
	if sum.Failed != 1 || sum.Succeeded != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if p1.calls != 2 {
		t.Fatalf("p1 calls = %d, want 2 (one decline, one success)", p1.calls)
	}
}

func TestRecoveryAfterCrashBeforeSettlement(t *testing.T) {
	// Scenario: the process died after the queue append, before the
	// settlement transaction.
	pipeline := gpsPipelineFixture() // no candidates this tick
	p1 := &fakeProvider{name: "P1", balance: 100}
	h := newHarness(t, pipeline, p1)

	leftover := recharge.PendingRecharge{
		ID: "orphan", Service: recharge.ServiceGPS, SIM: "D1", Folio: "F1",
		Status: recharge.StatusPendingDB, Provider: "P1", Amount: 10,
	}
	if err := h.queue.Append(context.Background(), leftover); err != nil {
		t.Fatal(err)
	}

	h.worker.Tick(context.Background())

	if len(pipeline.settleOpts) != 1 || !pipeline.settleOpts[0].Recovery {
		t.Fatalf("settle opts = %+v, want one recovery settle", pipeline.settleOpts)
	}
	if pipeline.settleItems[0][0].Folio != "F1" {
		t.Fatalf("recovered item = %+v", pipeline.settleItems[0][0])
	}
	if p1.calls != 0 {
		t.Fatal("provider called during recovery")
	}
	if depth, _ := h.queue.Depth(context.Background()); depth != 0 {
		t.Fatal("queue not drained after recovery")
	}
}

func TestRecoveryAbsorbsDuplicateAfterCrashBeforeRemove(t *testing.T) {
	// Scenario: the settlement committed but the process died before the
	// queue remove; the replay hits the folio constraint.
	pipeline := gpsPipelineFixture()
	pipeline.settleFn = func(items []recharge.PendingRecharge, opts settlement.Options) (settlement.Result, error) {
		return settlement.Result{MasterID: 2, Duplicates: []string{items[0].ID}}, nil
	}
	p1 := &fakeProvider{name: "P1", balance: 100}
	h := newHarness(t, pipeline, p1)

	leftover := recharge.PendingRecharge{
		ID: "dup", Service: recharge.ServiceGPS, SIM: "D1", Folio: "F1",
		Status: recharge.StatusPendingDB,
	}
	if err := h.queue.Append(context.Background(), leftover); err != nil {
		t.Fatal(err)
	}

	h.worker.Tick(context.Background())

	if p1.calls != 0 {
		t.Fatal("provider called again for an already-charged folio")
	}
	if depth, _ := h.queue.Depth(context.Background()); depth != 0 {
		t.Fatal("duplicate item not removed from queue")
	}
}

func TestBlockedRecoveryStopsTheTick(t *testing.T) {
	pipeline := gpsPipelineFixture(candidateFixture("D1", time.Now().Add(-time.Hour), 20))
	pipeline.settleFn = func(items []recharge.PendingRecharge, opts settlement.Options) (settlement.Result, error) {
		return settlement.Result{}, errors.New("db connection lost")
	}
	p1 := &fakeProvider{name: "P1", balance: 100}
	h := newHarness(t, pipeline, p1)

	stuck := recharge.PendingRecharge{
		ID: "stuck", Service: recharge.ServiceGPS, SIM: "D1", Folio: "F1",
		Status: recharge.StatusPendingDB,
	}
	if err := h.queue.Append(context.Background(), stuck); err != nil {
		t.Fatal(err)
	}

	h.worker.Tick(context.Background())

	if pipeline.candCalls != 0 {
		t.Fatal("candidate selector ran with a blocked queue")
	}
	if p1.calls != 0 {
		t.Fatal("provider called with a blocked queue")
	}
	sum := h.sink.lastSummary(t)
	if sum.Outcome != outcomeRecoveryBlocked {
		t.Fatalf("outcome = %s", sum.Outcome)
	}

	items, _ := h.queue.Snapshot(context.Background())
	if len(items) != 1 || items[0].Status != recharge.StatusInsertFailed || items[0].Attempts != 1 {
		t.Fatalf("stuck item = %+v", items)
	}

	// The next tick repeats recovery and stays blocked.
	h.worker.Tick(context.Background())
	if pipeline.candCalls != 0 {
		t.Fatal("second tick ran candidates despite blocked queue")
	}
}

func TestVerificationFailureKeepsItemPending(t *testing.T) {
	now := time.Now().UTC()
	pipeline := gpsPipelineFixture(candidateFixture("D1", now.Add(-time.Hour), 20))
	pipeline.settleFn = func(items []recharge.PendingRecharge, opts settlement.Options) (settlement.Result, error) {
		return settlement.Result{MasterID: 3, Unverified: []string{items[0].ID}}, nil
	}
	p1 := &fakeProvider{name: "P1", balance: 100, responses: []func() (provider.Result, error){success("F1")}}
	h := newHarness(t, pipeline, p1)

	h.worker.Tick(context.Background())

	items, _ := h.queue.Snapshot(context.Background())
	if len(items) != 1 || items[0].Status != recharge.StatusVerifyFailed {
		t.Fatalf("queue after unverified settlement = %+v", items)
	}
	sum := h.sink.lastSummary(t)
	if sum.QueueDepth != 1 || len(sum.PendingIDs) != 1 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestAppendIsDurableBeforeSettlement(t *testing.T) {
	// The pending item must hit the queue file before Settle runs.
	now := time.Now().UTC()
	pipeline := gpsPipelineFixture(candidateFixture("D1", now.Add(-time.Hour), 20))
	h := newHarness(t, pipeline, &fakeProvider{name: "P1", balance: 100, responses: []func() (provider.Result, error){success("F1")}})

	var depthAtSettle int
	pipeline.settleFn = func(items []recharge.PendingRecharge, opts settlement.Options) (settlement.Result, error) {
		depthAtSettle, _ = h.queue.Depth(context.Background())
		return settlement.Result{MasterID: 1, Settled: []string{items[0].ID}}, nil
	}

	h.worker.Tick(context.Background())

	if depthAtSettle != 1 {
		t.Fatalf("queue depth at settlement time = %d, want 1", depthAtSettle)
	}
}
