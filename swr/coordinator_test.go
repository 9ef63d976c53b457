package swr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jonwraymond/mealsync/cache"
	"github.com/jonwraymond/mealsync/diff"
	"github.com/jonwraymond/mealsync/events"
	"github.com/jonwraymond/mealsync/fetch"
	"github.com/jonwraymond/mealsync/inflight"
	"github.com/jonwraymond/mealsync/resilience"
)

type shoppingList struct {
	ID           string   `json:"id" validate:"required"`
	Items        []string `json:"items"`
	LastAccessed string   `json:"last_accessed,omitempty"`
}

// server is a fake remote whose payload can be swapped between reads.
type server struct {
	mu      sync.Mutex
	payload string
	err     error
	calls   atomic.Int32
}

func (s *server) set(payload string) {
	s.mu.Lock()
	s.payload = payload
	s.mu.Unlock()
}

func (s *server) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *server) fetch(context.Context) ([]byte, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return []byte(s.payload), nil
}

type recorder struct {
	mu        sync.Mutex
	successes int
	failures  []error
}

func (r *recorder) RecordSuccess(string) {
	r.mu.Lock()
	r.successes++
	r.mu.Unlock()
}

func (r *recorder) RecordFailure(_ string, err error) {
	r.mu.Lock()
	r.failures = append(r.failures, err)
	r.mu.Unlock()
}

type fixture struct {
	clock   *clockwork.FakeClock
	store   *cache.MemoryStore
	bus     *events.Bus
	tracker *recorder
	coord   *Coordinator
	lists   *Resource[shoppingList]
}

func newFixture(t *testing.T, mod func(*Deps)) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	engine := diff.New()
	f := &fixture{
		clock:   clock,
		store:   cache.NewMemoryStore(cache.DefaultPolicy(), cache.WithClock(clock), cache.WithFingerprinter(engine.Fingerprint)),
		bus:     events.NewBus(nil),
		tracker: &recorder{},
	}
	deps := Deps{
		Store:    f.store,
		Registry: inflight.New(inflight.Config{}),
		Bus:      f.bus,
		Diff:     engine,
		Tracker:  f.tracker,
	}
	if mod != nil {
		mod(&deps)
	}
	coord, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.coord = coord
	f.lists = NewResource[shoppingList](coord, "shopping-list")
	return f
}

const listKey = "calendar:shopping-list:42"

func TestNew_RequiresStoreAndRegistry(t *testing.T) {
	if _, err := New(Deps{Registry: inflight.New(inflight.Config{})}); !errors.Is(err, ErrNilStore) {
		t.Errorf("New() error = %v, want ErrNilStore", err)
	}
	if _, err := New(Deps{Store: cache.NewMemoryStore(cache.DefaultPolicy())}); !errors.Is(err, ErrNilRegistry) {
		t.Errorf("New() error = %v, want ErrNilRegistry", err)
	}
}

// Stale data is served immediately, refreshed in the background, and the
// refreshed value is announced once and served afterwards.
func TestResource_StaleWhileRevalidate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	srv := &server{payload: `{"id":"42","items":["A"]}`}

	var updates []shoppingList
	unsub := events.OnUpdated(f.bus, "shopping-list", func(_ context.Context, _ string, l shoppingList) {
		updates = append(updates, l)
	})
	defer unsub()

	const ttl = 5 * time.Second

	res, err := f.lists.Get(ctx, listKey, ttl, srv.fetch)
	if err != nil {
		t.Fatalf("Get() at t=0 error = %v", err)
	}
	if res.FromCache || !res.Updated || res.Data.Items[0] != "A" {
		t.Fatalf("Get() at t=0 = %+v, want network fetch of A", res)
	}

	f.clock.Advance(3 * time.Second)
	srv.set(`{"id":"42","items":["B"]}`)
	f.clock.Advance(3 * time.Second)

	res, err = f.lists.Get(ctx, listKey, ttl, srv.fetch)
	if err != nil {
		t.Fatalf("Get() at t=6s error = %v", err)
	}
	if !res.FromCache || !res.Stale || res.Data.Items[0] != "A" {
		t.Fatalf("Get() at t=6s = %+v, want stale A from cache", res)
	}
	if res.Age != 6*time.Second {
		t.Errorf("Age = %v, want 6s", res.Age)
	}

	f.coord.Wait()
	if len(updates) != 1 || updates[0].Items[0] != "B" {
		t.Fatalf("updated events = %+v, want exactly one carrying B", updates)
	}

	f.clock.Advance(100 * time.Millisecond)
	res, err = f.lists.Get(ctx, listKey, ttl, srv.fetch)
	if err != nil {
		t.Fatalf("Get() at t=6.1s error = %v", err)
	}
	if !res.FromCache || res.Stale || res.Data.Items[0] != "B" {
		t.Fatalf("Get() at t=6.1s = %+v, want fresh B", res)
	}
	if got := srv.calls.Load(); got != 2 {
		t.Errorf("network calls = %d, want 2", got)
	}
	if f.tracker.successes != 1 {
		t.Errorf("tracked successes = %d, want 1", f.tracker.successes)
	}
}

func TestResource_FreshHitNoNetwork(t *testing.T) {
	f := newFixture(t, nil)
	srv := &server{payload: `{"id":"42"}`}

	first, err := f.lists.Get(context.Background(), listKey, time.Minute, srv.fetch)
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(30 * time.Second)
	second, err := f.lists.Get(context.Background(), listKey, time.Minute, srv.fetch)
	if err != nil {
		t.Fatal(err)
	}

	if first.FromCache || !second.FromCache || second.Updated {
		t.Fatalf("first = %+v, second = %+v", first, second)
	}
	if got := srv.calls.Load(); got != 1 {
		t.Fatalf("network calls = %d, want 1", got)
	}
}

func TestResource_ConcurrentMissesShareOneFetch(t *testing.T) {
	f := newFixture(t, nil)
	const n = 8

	release := make(chan struct{})
	var calls atomic.Int32
	fetcher := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte(`{"id":"42","items":["milk"]}`), nil
	}

	var wg sync.WaitGroup
	results := make([]Result[shoppingList], n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.lists.Get(context.Background(), listKey, time.Minute, fetcher)
		}(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.coord.deps.Registry.Waiters(listKey) < n && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("network calls = %d, want 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil || results[i].Data.Items[0] != "milk" {
			t.Fatalf("caller %d got (%+v, %v)", i, results[i], errs[i])
		}
	}

	// Callers receive independent copies.
	results[0].Data.Items[0] = "changed"
	if results[1].Data.Items[0] != "milk" {
		t.Fatal("callers share the same slice")
	}
}

func TestResource_ForegroundErrorCachesNothing(t *testing.T) {
	f := newFixture(t, nil)
	srv := &server{}
	srv.fail(&fetch.NetworkError{StatusCode: 503, Path: "/shopping-lists/42"})

	_, err := f.lists.Get(context.Background(), listKey, time.Minute, srv.fetch)
	if !errors.Is(err, fetch.ErrNetwork) {
		t.Fatalf("Get() error = %v, want ErrNetwork", err)
	}
	if f.store.Len() != 0 {
		t.Fatalf("store has %d entries after failed fetch", f.store.Len())
	}

	srv.fail(nil)
	srv.set(`{"id":"42"}`)
	if _, err := f.lists.Get(context.Background(), listKey, time.Minute, srv.fetch); err != nil {
		t.Fatalf("Get() after recovery error = %v", err)
	}
}

func TestResource_InvalidPayloadNotCached(t *testing.T) {
	f := newFixture(t, nil)
	srv := &server{payload: `{"items":[]}`}

	_, err := f.lists.Get(context.Background(), listKey, time.Minute, srv.fetch)
	if !errors.Is(err, fetch.ErrInvalidResponse) {
		t.Fatalf("Get() error = %v, want ErrInvalidResponse", err)
	}
	if f.store.Len() != 0 {
		t.Fatal("invalid payload was cached")
	}
}

func TestResource_BackgroundErrorKeepsStale(t *testing.T) {
	var expired []string
	f := newFixture(t, func(d *Deps) {
		d.OnSessionExpired = func(_ context.Context, key string, _ error) { expired = append(expired, key) }
	})
	srv := &server{payload: `{"id":"42","items":["A"]}`}
	ctx := context.Background()

	if _, err := f.lists.Get(ctx, listKey, time.Second, srv.fetch); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(2 * time.Second)

	tests := []struct {
		name        string
		err         error
		wantExpired int
	}{
		{"network", &fetch.NetworkError{StatusCode: 500}, 0},
		{"timeout", inflight.ErrTimeout, 0},
		{"session expired", fetch.ErrSessionExpired, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expired = nil
			srv.fail(tt.err)

			res, err := f.lists.Get(ctx, listKey, time.Second, srv.fetch)
			if err != nil {
				t.Fatalf("Get() error = %v, background failures must not surface", err)
			}
			f.coord.Wait()

			if res.Data.Items[0] != "A" || !res.Stale {
				t.Fatalf("Get() = %+v, want stale A", res)
			}
			if _, ok := f.store.Get(ctx, listKey); !ok {
				t.Fatal("stale entry evicted after background failure")
			}
			if len(expired) != tt.wantExpired {
				t.Fatalf("OnSessionExpired calls = %d, want %d", len(expired), tt.wantExpired)
			}
		})
	}

	if len(f.tracker.failures) != 3 {
		t.Fatalf("tracked failures = %d, want 3", len(f.tracker.failures))
	}
	if !errors.Is(f.tracker.failures[1], fetch.ErrTimeout) {
		t.Errorf("timeout failure recorded as %v, want fetch.ErrTimeout", f.tracker.failures[1])
	}
}

func TestResource_UnchangedRefreshEmitsNothing(t *testing.T) {
	f := newFixture(t, nil)
	srv := &server{payload: `{"id":"42","items":["A"],"last_accessed":"2024-01-01"}`}
	ctx := context.Background()

	events.OnUpdated(f.bus, "shopping-list", func(context.Context, string, shoppingList) {
		t.Error("updated event emitted for an unchanged refresh")
	})

	if _, err := f.lists.Get(ctx, listKey, time.Second, srv.fetch); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(2 * time.Second)
	srv.set(`{"last_accessed":"2024-06-01","items":["A"],"id":"42"}`)

	if _, err := f.lists.Get(ctx, listKey, time.Second, srv.fetch); err != nil {
		t.Fatal(err)
	}
	f.coord.Wait()

	res, err := f.lists.Get(ctx, listKey, time.Second, srv.fetch)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stale {
		t.Fatal("unchanged refresh did not reset the entry age")
	}
	if res.Data.LastAccessed != "2024-01-01" {
		t.Fatalf("unchanged refresh replaced stored payload: %+v", res.Data)
	}
}

func TestResource_ConfirmedWriteBeatsStaleRefresh(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	srv := &server{payload: `{"id":"42","items":["old"]}`}

	if _, err := f.lists.Get(ctx, listKey, time.Second, srv.fetch); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(2 * time.Second)

	emitted := false
	events.OnUpdated(f.bus, "shopping-list", func(context.Context, string, shoppingList) { emitted = true })

	racing := func(ctx context.Context) ([]byte, error) {
		// A mutation commits while the refresh is on the wire.
		_ = f.store.Set(ctx, listKey, []byte(`{"id":"42","items":["confirmed"]}`), time.Minute)
		return []byte(`{"id":"42","items":["stale-server-read"]}`), nil
	}

	if _, err := f.lists.Get(ctx, listKey, time.Second, racing); err != nil {
		t.Fatal(err)
	}
	f.coord.Wait()

	res, err := f.lists.Get(ctx, listKey, time.Second, srv.fetch)
	if err != nil {
		t.Fatal(err)
	}
	if res.Data.Items[0] != "confirmed" {
		t.Fatalf("stored value = %+v, want the confirmed write", res.Data)
	}
	if emitted {
		t.Fatal("superseded refresh emitted an event")
	}
}

func TestResource_ForegroundTimeoutClearsInFlight(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Timeout = 20 * time.Millisecond })

	release := make(chan struct{})
	defer close(release)
	slow := func(context.Context) ([]byte, error) {
		<-release
		return []byte(`{"id":"late"}`), nil
	}

	_, err := f.lists.Get(context.Background(), listKey, time.Minute, slow)
	if !errors.Is(err, fetch.ErrTimeout) {
		t.Fatalf("Get() error = %v, want fetch.ErrTimeout", err)
	}

	srv := &server{payload: `{"id":"42"}`}
	res, err := f.lists.Get(context.Background(), listKey, time.Minute, srv.fetch)
	if err != nil {
		t.Fatalf("Get() after timeout error = %v", err)
	}
	if res.Data.ID != "42" || srv.calls.Load() != 1 {
		t.Fatalf("Get() after timeout = %+v, calls = %d; want a fresh fetch", res, srv.calls.Load())
	}
}

func TestResource_BulkheadFullSkipsRefresh(t *testing.T) {
	bulkhead := resilience.NewBulkhead(resilience.BulkheadConfig{MaxConcurrent: 1})
	f := newFixture(t, func(d *Deps) { d.Bulkhead = bulkhead })
	srv := &server{payload: `{"id":"42"}`}
	ctx := context.Background()

	if _, err := f.lists.Get(ctx, listKey, time.Second, srv.fetch); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(2 * time.Second)

	if !bulkhead.TryAcquire() {
		t.Fatal("TryAcquire() failed")
	}
	if _, err := f.lists.Get(ctx, listKey, time.Second, srv.fetch); err != nil {
		t.Fatal(err)
	}
	f.coord.Wait()
	if srv.calls.Load() != 1 {
		t.Fatalf("network calls = %d, want 1 (refresh skipped)", srv.calls.Load())
	}

	bulkhead.Release()
	if _, err := f.lists.Get(ctx, listKey, time.Second, srv.fetch); err != nil {
		t.Fatal(err)
	}
	f.coord.Wait()
	if srv.calls.Load() != 2 {
		t.Fatalf("network calls = %d, want 2 after slot freed", srv.calls.Load())
	}
}

func TestResource_Prefetch(t *testing.T) {
	f := newFixture(t, nil)
	srv := &server{payload: `{"id":"42","items":["A"]}`}
	ctx := context.Background()

	if err := f.lists.Prefetch(ctx, listKey, time.Second, srv.fetch); err != nil {
		t.Fatalf("Prefetch() miss error = %v", err)
	}
	if err := f.lists.Prefetch(ctx, listKey, time.Second, srv.fetch); err != nil {
		t.Fatalf("Prefetch() fresh error = %v", err)
	}
	if srv.calls.Load() != 1 {
		t.Fatalf("network calls = %d, want 1", srv.calls.Load())
	}

	var updates int
	events.OnUpdated(f.bus, "shopping-list", func(context.Context, string, shoppingList) { updates++ })
	f.clock.Advance(2 * time.Second)
	srv.set(`{"id":"42","items":["B"]}`)
	if err := f.lists.Prefetch(ctx, listKey, time.Second, srv.fetch); err != nil {
		t.Fatalf("Prefetch() stale error = %v", err)
	}
	if updates != 1 {
		t.Fatalf("updated events = %d, want 1", updates)
	}

	srv.fail(errors.New("offline"))
	f.clock.Advance(2 * time.Second)
	if err := f.lists.Prefetch(ctx, listKey, time.Second, srv.fetch); err == nil {
		t.Fatal("Prefetch() error = nil for failing refresh")
	}
}

func TestResource_InvalidKey(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.lists.Get(context.Background(), "", time.Second, (&server{}).fetch); !errors.Is(err, cache.ErrInvalidKey) {
		t.Fatalf("Get() error = %v, want cache.ErrInvalidKey", err)
	}
}

func ExampleResource_Get() {
	store := cache.NewMemoryStore(cache.DefaultPolicy())
	coord, _ := New(Deps{Store: store, Registry: inflight.New(inflight.Config{})})
	menus := NewResource[[]string](coord, "menu")

	fetcher := func(context.Context) ([]byte, error) { return []byte(`["pasta","curry"]`), nil }

	first, _ := menus.Get(context.Background(), "calendar:menus", time.Minute, fetcher)
	second, _ := menus.Get(context.Background(), "calendar:menus", time.Minute, fetcher)
	fmt.Println(first.Data, first.FromCache)
	fmt.Println(second.Data, second.FromCache)
	// Output:
	// [pasta curry] false
	// [pasta curry] true
}
