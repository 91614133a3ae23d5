package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Burlarad/SolaraInsights.com-sub003/internal/archive"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/budget"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/lock"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/ratelimit"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/reading"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/store"
)

// countingGenerator is the stub generation callback. It counts invocations
// so tests can assert the at-most-one-generation property.
type countingGenerator struct {
	calls   atomic.Int64
	content []byte
	cost    int64
	err     error
	block   chan struct{} // when non-nil, Generate waits for it to close
}

func (g *countingGenerator) Generate(ctx context.Context, _ reading.NormalizedRequest) ([]byte, int64, error) {
	g.calls.Add(1)
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	if g.err != nil {
		return nil, 0, g.err
	}
	return g.content, g.cost, nil
}

// memArchive is a map-backed Archive for tests.
type memArchive struct {
	mu      sync.Mutex
	records map[string][]byte
	getErr  error
}

func newMemArchive() *memArchive {
	return &memArchive{records: make(map[string][]byte)}
}

func (a *memArchive) Insert(_ context.Context, key string, content []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.records[key]; exists {
		return archive.ErrConflict
	}
	a.records[key] = content
	return nil
}

func (a *memArchive) Get(_ context.Context, key string) ([]byte, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.getErr != nil {
		return nil, false, a.getErr
	}
	content, ok := a.records[key]
	return content, ok, nil
}

// downStore simulates an unreachable backend.
type downStore struct{}

func (downStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}
func (downStore) Set(context.Context, string, []byte, time.Duration) error {
	return fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}
func (downStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}
func (downStore) IncrBy(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}
func (downStore) Delete(context.Context, string) error {
	return fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}

type fixture struct {
	coord *Coordinator
	store store.Store
	gen   *countingGenerator
	arc   *memArchive
}

type fixtureOpts struct {
	store    store.Store
	limiter  ratelimit.Config
	budget   int64
	cfg      Config
	archived bool
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()

	s := opts.store
	if s == nil {
		mem := store.NewMemoryStore(time.Minute)
		t.Cleanup(func() { mem.Close() })
		s = mem
	}

	gen := &countingGenerator{content: []byte(`{"text":"the stars align"}`), cost: 10}

	var arc *memArchive
	var arcIface archive.Archive
	if opts.archived {
		arc = newMemArchive()
		arcIface = arc
	}

	cfg := opts.cfg
	if cfg.WaitPollInterval == 0 {
		cfg.WaitPollInterval = 5 * time.Millisecond
	}
	if cfg.WaitPollMaxAttempts == 0 {
		cfg.WaitPollMaxAttempts = 40
	}
	if cfg.GenerationTimeout == 0 {
		cfg.GenerationTimeout = 5 * time.Second
	}

	coord := New(
		s,
		lock.NewManager(s, time.Minute),
		ratelimit.NewLimiter(s, opts.limiter),
		budget.NewGuard(s, opts.budget),
		gen,
		arcIface,
		cfg,
	)

	return &fixture{coord: coord, store: s, gen: gen, arc: arc}
}

func horoscopeNorm() reading.NormalizedRequest {
	return reading.NormalizedRequest{
		Type:       reading.TypeDailyHoroscope,
		FullName:   "luna delgado",
		BirthDate:  "1990-03-21",
		TargetDate: "2026-08-30",
		Locale:     "en",
	}
}

func natalNorm() reading.NormalizedRequest {
	return reading.NormalizedRequest{
		Type:      reading.TypeNatalChart,
		FullName:  "luna delgado",
		BirthDate: "1990-03-21",
		BirthTime: "09:05",
		Latitude:  40.416775,
		Longitude: -3.70379,
		HasCoords: true,
		Locale:    "en",
	}
}

func TestFetch_GeneratesOnMissThenServesFromCache(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	norm := horoscopeNorm()

	res, err := f.coord.Fetch(ctx, norm, "user:a", "")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if res.FromCache {
		t.Fatalf("expected fresh generation on first fetch")
	}
	if !bytes.Equal(res.Content, f.gen.content) {
		t.Fatalf("unexpected content: %s", res.Content)
	}

	res, err = f.coord.Fetch(ctx, norm, "user:b", "")
	if err != nil {
		t.Fatalf("second Fetch failed: %v", err)
	}
	if !res.FromCache {
		t.Fatalf("expected cache hit on second fetch")
	}
	if got := f.gen.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one generation, got %d", got)
	}
}

func TestFetch_AtMostOneGenerationUnderConcurrency(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.gen.block = make(chan struct{})
	norm := horoscopeNorm()

	const n = 20
	results := make(chan Result, n)
	errs := make(chan error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.coord.Fetch(context.Background(), norm, fmt.Sprintf("user:%d", i), "")
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}(i)
	}

	// Let the winner reach the callback and the rest pile up in the wait
	// poll before releasing the generation.
	time.Sleep(30 * time.Millisecond)
	close(f.gen.block)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent Fetch failed: %v", err)
	}

	count := 0
	for res := range results {
		count++
		if !bytes.Equal(res.Content, f.gen.content) {
			t.Fatalf("caller observed divergent content: %s", res.Content)
		}
	}
	if count != n {
		t.Fatalf("expected %d results, got %d", n, count)
	}
	if got := f.gen.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one generation under contention, got %d", got)
	}
}

func TestFetch_CacheHitsNeverConsumeQuota(t *testing.T) {
	limiter := ratelimit.Config{BurstLimit: 2, BurstWindow: time.Hour}
	f := newFixture(t, fixtureOpts{limiter: limiter})
	ctx := context.Background()
	norm := horoscopeNorm()

	// Pre-warm via one generation (consumes one burst slot).
	if _, err := f.coord.Fetch(ctx, norm, "user:a", ""); err != nil {
		t.Fatalf("warmup Fetch failed: %v", err)
	}

	// Far more reads than the limit: all free.
	for i := 0; i < 10; i++ {
		res, err := f.coord.Fetch(ctx, norm, "user:a", "")
		if err != nil {
			t.Fatalf("read %d failed: %v", i, err)
		}
		if !res.FromCache {
			t.Fatalf("read %d unexpectedly regenerated", i)
		}
	}
}

func TestFetch_RateLimitedOnMiss(t *testing.T) {
	limiter := ratelimit.Config{Cooldown: time.Hour}
	f := newFixture(t, fixtureOpts{limiter: limiter})
	ctx := context.Background()

	if _, err := f.coord.Fetch(ctx, horoscopeNorm(), "user:a", ""); err != nil {
		t.Fatalf("first Fetch failed: %v", err)
	}

	other := horoscopeNorm()
	other.TargetDate = "2026-08-31"

	_, err := f.coord.Fetch(ctx, other, "user:a", "")
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityError, got %v", err)
	}
	if capErr.Tier != ratelimit.TierCooldown {
		t.Fatalf("expected cooldown tier, got %q", capErr.Tier)
	}
	if capErr.RetryAfter <= 0 {
		t.Fatalf("expected positive retry delay")
	}
	if got := f.gen.calls.Load(); got != 1 {
		t.Fatalf("denied request must not generate, got %d calls", got)
	}
}

func TestFetch_BudgetExhaustedDeniesMisses(t *testing.T) {
	f := newFixture(t, fixtureOpts{budget: 15})
	ctx := context.Background()

	// First generation costs 10 of the 15-unit cap.
	if _, err := f.coord.Fetch(ctx, horoscopeNorm(), "user:a", ""); err != nil {
		t.Fatalf("first Fetch failed: %v", err)
	}

	// The increment is async; wait for it to land.
	waitForBudgetSpend(t, f, 10)

	other := horoscopeNorm()
	other.TargetDate = "2026-08-31"
	if _, err := f.coord.Fetch(ctx, other, "user:b", ""); err != nil {
		t.Fatalf("second Fetch failed: %v", err)
	}
	waitForBudgetSpend(t, f, 20)

	// 20 units spent against a 15-unit cap: further misses denied.
	third := horoscopeNorm()
	third.TargetDate = "2026-09-01"
	_, err := f.coord.Fetch(ctx, third, "user:c", "")
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}

	// Cached content stays free even with the budget gone.
	res, err := f.coord.Fetch(ctx, horoscopeNorm(), "user:d", "")
	if err != nil || !res.FromCache {
		t.Fatalf("expected free cache hit, res=%+v err=%v", res, err)
	}
}

// waitForBudgetSpend blocks until the day's counter reaches at least want.
func waitForBudgetSpend(t *testing.T, f *fixture, want int64) {
	t.Helper()
	key := "budget:spend:" + time.Now().UTC().Format("2006-01-02")
	deadline := time.Now().Add(time.Second)
	for {
		raw, hit, err := f.store.Get(context.Background(), key)
		if err == nil && hit {
			var n int64
			if _, serr := fmt.Sscan(string(raw), &n); serr == nil && n >= want {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("budget increment never reached %d", want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFetch_FailsClosedWhenStoreDown(t *testing.T) {
	f := newFixture(t, fixtureOpts{store: downStore{}})

	_, err := f.coord.Fetch(context.Background(), horoscopeNorm(), "user:a", "")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if got := f.gen.calls.Load(); got != 0 {
		t.Fatalf("generation callback must never fire with the store down, got %d", got)
	}
}

func TestFetch_IdempotencyTokenShortCircuits(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	cached := []byte(`{"text":"already answered"}`)
	if err := f.store.Set(ctx, "idem:tok-1", cached, time.Minute); err != nil {
		t.Fatalf("seed Set failed: %v", err)
	}

	res, err := f.coord.Fetch(ctx, horoscopeNorm(), "user:a", "tok-1")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !res.FromCache || !bytes.Equal(res.Content, cached) {
		t.Fatalf("expected idempotent replay, got %+v", res)
	}
	if got := f.gen.calls.Load(); got != 0 {
		t.Fatalf("idempotent replay must not generate, got %d", got)
	}
}

func TestFetch_WaitPollExhaustionFailsClosed(t *testing.T) {
	f := newFixture(t, fixtureOpts{cfg: Config{
		WaitPollInterval:    time.Millisecond,
		WaitPollMaxAttempts: 3,
	}})
	ctx := context.Background()
	norm := horoscopeNorm()

	// Another worker holds the lock and never finishes.
	key := reading.Key(norm, "v1")
	if ok, err := f.store.SetNX(ctx, "lock:"+key, []byte("1"), time.Minute); err != nil || !ok {
		t.Fatalf("failed to plant foreign lock: ok=%v err=%v", ok, err)
	}

	_, err := f.coord.Fetch(ctx, norm, "user:a", "")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if got := f.gen.calls.Load(); got != 0 {
		t.Fatalf("waiter must never fall through to generate, got %d", got)
	}
}

func TestFetch_WaiterPicksUpHolderResult(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	norm := horoscopeNorm()
	key := reading.Key(norm, "v1")

	if ok, _ := f.store.SetNX(ctx, "lock:"+key, []byte("1"), time.Minute); !ok {
		t.Fatalf("failed to plant foreign lock")
	}

	content := []byte(`{"text":"from the other worker"}`)
	go func() {
		time.Sleep(15 * time.Millisecond)
		_ = f.store.Set(context.Background(), key, content, time.Minute)
	}()

	res, err := f.coord.Fetch(ctx, norm, "user:a", "")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !res.FromCache || !bytes.Equal(res.Content, content) {
		t.Fatalf("expected holder's content via wait poll, got %+v", res)
	}
	if got := f.gen.calls.Load(); got != 0 {
		t.Fatalf("waiter must not generate, got %d", got)
	}
}

func TestFetch_DurableArchiveServedWithoutRegeneration(t *testing.T) {
	f := newFixture(t, fixtureOpts{archived: true})
	ctx := context.Background()
	norm := natalNorm()
	key := reading.Key(norm, "v1")

	archived := []byte(`{"text":"carved in stone"}`)
	if err := f.arc.Insert(ctx, key, archived); err != nil {
		t.Fatalf("seed Insert failed: %v", err)
	}

	res, err := f.coord.Fetch(ctx, norm, "user:a", "")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !res.FromCache || !bytes.Equal(res.Content, archived) {
		t.Fatalf("expected archived record, got %+v", res)
	}
	if got := f.gen.calls.Load(); got != 0 {
		t.Fatalf("generate-once content must not regenerate, got %d", got)
	}
}

func TestFetch_InsertConflictResolvedByReread(t *testing.T) {
	f := newFixture(t, fixtureOpts{archived: true})
	ctx := context.Background()
	norm := natalNorm()
	key := reading.Key(norm, "v1")

	winner := []byte(`{"text":"the winner's record"}`)

	// The record appears between the miss-path checks and the insert: the
	// generator itself plants it, simulating a racing worker that finishes
	// after our archive lookup but before our persist.
	f.gen.block = make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = f.arc.Insert(context.Background(), key, winner)
		close(f.gen.block)
	}()

	res, err := f.coord.Fetch(ctx, norm, "user:a", "")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !bytes.Equal(res.Content, winner) {
		t.Fatalf("expected conflict resolved by re-read, got %s", res.Content)
	}

	// The cache must hold the canonical (winning) record too.
	cached, hit, _ := f.store.Get(ctx, key)
	if !hit || !bytes.Equal(cached, winner) {
		t.Fatalf("expected cache to carry the winning record, got %q (hit=%v)", cached, hit)
	}
}

func TestFetch_CallerCancellationDoesNotAbortGeneration(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	norm := horoscopeNorm()
	key := reading.Key(norm, "v1")

	f.gen.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		// The caller disconnects mid-generation; the work still completes
		// and lands in the cache for everyone else.
		_, _ = f.coord.Fetch(ctx, norm, "user:a", "")
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)
	close(f.gen.block)
	<-done

	deadline := time.Now().Add(time.Second)
	for {
		cached, hit, _ := f.store.Get(context.Background(), key)
		if hit {
			if !bytes.Equal(cached, f.gen.content) {
				t.Fatalf("unexpected cached content: %s", cached)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("generation result never reached the cache after caller cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := f.gen.calls.Load(); got != 1 {
		t.Fatalf("expected one committed generation, got %d", got)
	}
}

func TestFetch_GenerationFailureReleasesLock(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	norm := horoscopeNorm()

	f.gen.err = errors.New("provider melted")
	_, err := f.coord.Fetch(ctx, norm, "user:a", "")
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}

	// Lock released on the failure path: a retry may generate immediately.
	f.gen.err = nil
	res, err := f.coord.Fetch(ctx, norm, "user:a", "")
	if err != nil {
		t.Fatalf("retry Fetch failed: %v", err)
	}
	if res.FromCache {
		t.Fatalf("failed generation must not populate the cache")
	}
	if got := f.gen.calls.Load(); got != 2 {
		t.Fatalf("expected two generation attempts, got %d", got)
	}
}
