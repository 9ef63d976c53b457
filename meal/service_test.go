package meal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jonwraymond/mealsync/cache"
	"github.com/jonwraymond/mealsync/diff"
	"github.com/jonwraymond/mealsync/events"
	"github.com/jonwraymond/mealsync/fetch"
	"github.com/jonwraymond/mealsync/inflight"
	"github.com/jonwraymond/mealsync/invalidate"
	"github.com/jonwraymond/mealsync/mutation"
	"github.com/jonwraymond/mealsync/swr"
)

type call struct {
	Method string
	Path   string
	Body   string
}

// backend is an in-memory Accessor.
type backend struct {
	mu     sync.Mutex
	gets   map[string]string
	writes map[string]func(body any) (string, error)
	calls  []call
}

func newBackend() *backend {
	return &backend{gets: make(map[string]string), writes: make(map[string]func(any) (string, error))}
}

func (b *backend) Get(_ context.Context, path string, params map[string]string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call{Method: http.MethodGet, Path: path})
	if from, ok := params["from"]; ok {
		path += "?from=" + from
	}
	body, ok := b.gets[path]
	if !ok {
		return nil, &fetch.NetworkError{StatusCode: http.StatusNotFound, Path: path}
	}
	return []byte(body), nil
}

func (b *backend) Mutate(_ context.Context, method, path string, body any) ([]byte, error) {
	b.mu.Lock()
	raw, _ := json.Marshal(body)
	b.calls = append(b.calls, call{Method: method, Path: path, Body: string(raw)})
	fn, ok := b.writes[method+" "+path]
	b.mu.Unlock()
	if !ok {
		return nil, &fetch.NetworkError{StatusCode: http.StatusNotFound, Path: path}
	}
	out, err := fn(body)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func (b *backend) count(method, path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

type fixture struct {
	api   *backend
	store *cache.MemoryStore
	bus   *events.Bus
	coord *swr.Coordinator
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine := diff.New()
	store := cache.NewMemoryStore(cache.DefaultPolicy(), cache.WithFingerprinter(engine.Fingerprint))
	bus := events.NewBus(nil)
	coord, err := swr.New(swr.Deps{
		Store:    store,
		Registry: inflight.New(inflight.Config{}),
		Bus:      bus,
		Diff:     engine,
	})
	if err != nil {
		t.Fatalf("swr.New() error = %v", err)
	}
	reconciler := mutation.NewReconciler(mutation.Config{
		Store:       store,
		Bus:         bus,
		Invalidator: invalidate.New(store, DefaultRules(), nil),
	})

	api := newBackend()
	svc, err := NewService(Config{Accessor: api, Coordinator: coord, Reconciler: reconciler})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return &fixture{api: api, store: store, bus: bus, coord: coord, svc: svc}
}

const list42 = `{"id":"42","name":"Weekend","version":3,"items":[` +
	`{"id":"1","name":"milk","quantity":1,"is_checked":false},` +
	`{"id":"2","name":"eggs","quantity":12,"is_checked":true}]}`

func decodeList(t *testing.T, raw string) ShoppingList {
	t.Helper()
	l, err := fetch.Decode[ShoppingList]([]byte(raw))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return l
}

func TestService_Reads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.api.gets["shopping-lists"] = `[` + list42 + `]`
	f.api.gets["shopping-lists/42"] = list42
	f.api.gets["menus"] = `[{"id":"m1","date":"2026-10-19","meal":"dinner","dishes":[{"id":"d1","name":"Curry","servings":4}]}]`
	f.api.gets["fridge/items"] = `[{"id":"f1","name":"butter","quantity":250,"unit":"g"}]`
	f.api.gets["families/7"] = `{"id":"7","name":"Tanaka","members":[{"id":"u1","name":"Aki"}]}`

	lists, err := f.svc.ShoppingLists(ctx)
	if err != nil || len(lists.Data) != 1 || !lists.Updated {
		t.Fatalf("ShoppingLists() = (%+v, %v)", lists, err)
	}
	list, err := f.svc.ShoppingList(ctx, "42")
	if err != nil || len(list.Data.Items) != 2 {
		t.Fatalf("ShoppingList() = (%+v, %v)", list, err)
	}
	menus, err := f.svc.Menus(ctx)
	if err != nil || menus.Data[0].Dishes[0].Name != "Curry" {
		t.Fatalf("Menus() = (%+v, %v)", menus, err)
	}
	fridge, err := f.svc.FridgeItems(ctx)
	if err != nil || fridge.Data[0].Unit != "g" {
		t.Fatalf("FridgeItems() = (%+v, %v)", fridge, err)
	}
	family, err := f.svc.Family(ctx, "7")
	if err != nil || family.Data.Members[0].Name != "Aki" {
		t.Fatalf("Family() = (%+v, %v)", family, err)
	}

	// A fresh second read is served from cache.
	again, err := f.svc.ShoppingList(ctx, "42")
	if err != nil || !again.FromCache || again.Updated {
		t.Fatalf("second ShoppingList() = (%+v, %v), want cache hit", again, err)
	}
	if n := f.api.count(http.MethodGet, "shopping-lists/42"); n != 1 {
		t.Fatalf("list fetched %d times, want 1", n)
	}
	for _, key := range []string{KeyShoppingLists, ShoppingListKey("42"), KeyMenus, KeyFridgeItems, FamilyKey("7")} {
		if _, ok := f.store.Get(ctx, key); !ok {
			t.Errorf("key %q not cached", key)
		}
	}
}

func TestService_MenusBetween(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.api.gets["menus?from=2026-10-01"] = `[{"id":"m1","date":"2026-10-01","meal":"lunch"}]`
	f.api.gets["menus?from=2026-11-01"] = `[{"id":"m2","date":"2026-11-01","meal":"dinner"}]`

	oct, err := f.svc.MenusBetween(ctx, "2026-10-01", "2026-10-31")
	if err != nil || oct.Data[0].ID != "m1" {
		t.Fatalf("MenusBetween(october) = (%+v, %v)", oct, err)
	}
	nov, err := f.svc.MenusBetween(ctx, "2026-11-01", "2026-11-30")
	if err != nil || nov.Data[0].ID != "m2" {
		t.Fatalf("MenusBetween(november) = (%+v, %v)", nov, err)
	}
	again, err := f.svc.MenusBetween(ctx, "2026-10-01", "2026-10-31")
	if err != nil || !again.FromCache {
		t.Fatalf("repeated MenusBetween() = (%+v, %v), want cache hit", again, err)
	}

	removed := f.store.ClearByPattern(ctx, cache.Prefix(KeyMenus))
	if len(removed) != 2 {
		t.Fatalf("menus prefix removed %v, want both ranges", removed)
	}
}

func TestService_InvalidPayloadNotCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.api.gets["menus"] = `[{"id":"m1","date":"2026-10-19","meal":"brunch"}]`

	if _, err := f.svc.Menus(ctx); !errors.Is(err, fetch.ErrInvalidResponse) {
		t.Fatalf("Menus() error = %v, want ErrInvalidResponse", err)
	}
	if _, ok := f.store.Get(ctx, KeyMenus); ok {
		t.Fatal("invalid payload cached")
	}
}

// Toggling an item whose PATCH fails with 500 reverts the list and emits
// nothing.
func TestService_ToggleItemFailureReverts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	state := mutation.NewState(decodeList(t, list42))

	var during bool
	f.api.writes["PATCH shopping-lists/42/items/1"] = func(any) (string, error) {
		item, _ := state.Get().Item("1")
		during = item.IsChecked
		return "", &fetch.NetworkError{StatusCode: http.StatusInternalServerError, Path: "shopping-lists/42/items/1"}
	}
	published := 0
	events.OnUpdated(f.bus, TopicShoppingList, func(context.Context, string, ShoppingList) { published++ })

	_, err := f.svc.ToggleItem(ctx, state, "1")
	var ne *fetch.NetworkError
	if !errors.As(err, &ne) || ne.StatusCode != http.StatusInternalServerError {
		t.Fatalf("ToggleItem() error = %v, want 500 NetworkError", err)
	}
	if !during {
		t.Fatal("item was not checked optimistically")
	}
	if item, _ := state.Get().Item("1"); item.IsChecked {
		t.Fatal("item still checked after failure")
	}
	if !reflect.DeepEqual(state.Get(), decodeList(t, list42)) {
		t.Fatalf("state = %+v, want original list", state.Get())
	}
	if published != 0 {
		t.Fatalf("published %d events for a failed toggle", published)
	}
}

// Two screens subscribed to shopping-list updates each see a successful
// toggle exactly once with the same payload.
func TestService_ToggleItemFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	state := mutation.NewState(decodeList(t, list42))

	var body map[string]any
	f.api.writes["PATCH shopping-lists/42/items/1"] = func(b any) (string, error) {
		body = b.(map[string]any)
		l := decodeList(t, list42)
		l.Version = 4
		l.Items[0].IsChecked = true
		raw, _ := json.Marshal(l)
		return string(raw), nil
	}

	var calendar, group []ShoppingList
	defer events.OnUpdated(f.bus, TopicShoppingList, func(_ context.Context, _ string, l ShoppingList) { calendar = append(calendar, l) })()
	defer events.OnUpdated(f.bus, TopicShoppingList, func(_ context.Context, _ string, l ShoppingList) { group = append(group, l) })()

	got, err := f.svc.ToggleItem(ctx, state, "1")
	if err != nil {
		t.Fatalf("ToggleItem() error = %v", err)
	}
	if body["is_checked"] != true {
		t.Fatalf("request body = %v, want is_checked=true", body)
	}
	if len(calendar) != 1 || len(group) != 1 {
		t.Fatalf("calendar got %d events, group got %d; want 1 each", len(calendar), len(group))
	}
	if !reflect.DeepEqual(calendar[0], got) || !reflect.DeepEqual(group[0], got) {
		t.Fatal("screens observed different payloads")
	}
	if got.Version != 4 || !reflect.DeepEqual(state.Get(), got) {
		t.Fatalf("state = %+v, want server response", state.Get())
	}

	// The next read serves the authoritative list without a fetch.
	read, err := f.svc.ShoppingList(ctx, "42")
	if err != nil || !read.FromCache || read.Data.Version != 4 {
		t.Fatalf("ShoppingList() after toggle = (%+v, %v)", read, err)
	}
}

func TestService_ToggleItemConflictShowsServerVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	state := mutation.NewState(decodeList(t, list42))

	server := `{"id":"42","name":"Weekend","version":9,"items":[{"id":"1","name":"milk","quantity":2,"is_checked":true}]}`
	f.api.gets["shopping-lists/42"] = server
	f.api.writes["PATCH shopping-lists/42/items/2"] = func(any) (string, error) {
		return "", &fetch.ConflictError{Path: "shopping-lists/42/items/2", Message: "version mismatch"}
	}

	got, err := f.svc.ToggleItem(ctx, state, "2")
	if !errors.Is(err, fetch.ErrConflict) {
		t.Fatalf("ToggleItem() error = %v, want ErrConflict", err)
	}
	if got.Version != 9 || state.Get().Version != 9 {
		t.Fatalf("state version = %d, want server version 9", state.Get().Version)
	}
}

// Two quick toggles of one item send opposite values, and the second
// carries the version the first one produced.
func TestService_ToggleItemTwiceAlternates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	state := mutation.NewState(decodeList(t, list42))

	release := make(chan struct{})
	var mu sync.Mutex
	var bodies []map[string]any
	f.api.writes["PATCH shopping-lists/42/items/1"] = func(b any) (string, error) {
		body := b.(map[string]any)
		mu.Lock()
		bodies = append(bodies, body)
		first := len(bodies) == 1
		mu.Unlock()
		if first {
			<-release
		}

		l := decodeList(t, list42)
		l.Version = body["version"].(int) + 1
		l.Items[0].IsChecked = body["is_checked"].(bool)
		raw, _ := json.Marshal(l)
		return string(raw), nil
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := f.svc.ToggleItem(ctx, state, "1")
		firstDone <- err
	}()
	for f.api.count(http.MethodPatch, "shopping-lists/42/items/1") == 0 {
		time.Sleep(time.Millisecond)
	}

	secondDone := make(chan error, 1)
	go func() {
		_, err := f.svc.ToggleItem(ctx, state, "1")
		secondDone <- err
	}()
	for state.Pending() != 2 {
		time.Sleep(time.Millisecond)
	}
	if item, _ := state.Get().Item("1"); item.IsChecked {
		t.Fatal("second toggle not applied optimistically")
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first ToggleItem() error = %v", err)
	}
	if err := <-secondDone; err != nil {
		t.Fatalf("second ToggleItem() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("sent %d requests, want 2", len(bodies))
	}
	if bodies[0]["is_checked"] != true || bodies[0]["version"] != 3 {
		t.Fatalf("first body = %v, want is_checked=true version=3", bodies[0])
	}
	if bodies[1]["is_checked"] != false || bodies[1]["version"] != 4 {
		t.Fatalf("second body = %v, want is_checked=false version=4", bodies[1])
	}
	got := state.Get()
	if item, _ := got.Item("1"); item.IsChecked || got.Version != 5 {
		t.Fatalf("final state = %+v, want unchecked at version 5", got)
	}
}

func TestService_ToggleUnknownItem(t *testing.T) {
	f := newFixture(t)
	state := mutation.NewState(decodeList(t, list42))

	if _, err := f.svc.ToggleItem(context.Background(), state, "99"); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("ToggleItem() error = %v, want ErrItemNotFound", err)
	}
	if len(f.api.calls) != 0 {
		t.Fatalf("backend called %d times", len(f.api.calls))
	}
}

func TestService_AddItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	state := mutation.NewState(decodeList(t, list42))

	f.api.writes["POST shopping-lists/42/items"] = func(any) (string, error) {
		l := decodeList(t, list42)
		l.Items = append(l.Items, ShoppingListItem{ID: "3", Name: "bread", Quantity: 1})
		raw, _ := json.Marshal(l)
		return string(raw), nil
	}

	got, err := f.svc.AddItem(ctx, state, NewItem{Name: "bread", Quantity: 1})
	if err != nil {
		t.Fatalf("AddItem() error = %v", err)
	}
	if item, ok := got.Item("3"); !ok || item.Name != "bread" {
		t.Fatalf("AddItem() = %+v, want item 3", got)
	}

	_, err = f.svc.AddItem(ctx, state, NewItem{Quantity: -1})
	var ve *fetch.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("AddItem(invalid) error = %v, want ValidationError", err)
	}
	if f.api.count(http.MethodPost, "shopping-lists/42/items") != 1 {
		t.Fatal("invalid item was sent to the backend")
	}
}

func TestService_RemoveItemInvalidatesCollection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.api.gets["shopping-lists"] = `[` + list42 + `]`
	if _, err := f.svc.ShoppingLists(ctx); err != nil {
		t.Fatal(err)
	}

	state := mutation.NewState(decodeList(t, list42))
	f.api.writes["DELETE shopping-lists/42/items/2"] = func(any) (string, error) {
		l := decodeList(t, list42)
		l.Items = l.Items[:1]
		raw, _ := json.Marshal(l)
		return string(raw), nil
	}

	got, err := f.svc.RemoveItem(ctx, state, "2")
	if err != nil || len(got.Items) != 1 {
		t.Fatalf("RemoveItem() = (%+v, %v)", got, err)
	}
	if _, ok := f.store.Get(ctx, KeyShoppingLists); ok {
		t.Fatal("collection key still cached after item removal")
	}
}

func TestService_PrefetchCalendar(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.api.gets["shopping-lists"] = `[]`
	f.api.gets["menus"] = `[]`

	if err := f.svc.PrefetchCalendar(ctx); err != nil {
		t.Fatalf("PrefetchCalendar() error = %v", err)
	}
	for _, key := range []string{KeyShoppingLists, KeyMenus} {
		if _, ok := f.store.Get(ctx, key); !ok {
			t.Errorf("key %q not prefetched", key)
		}
	}
}

func TestNewService_MissingDependency(t *testing.T) {
	if _, err := NewService(Config{}); !errors.Is(err, ErrNilDependency) {
		t.Fatalf("NewService() error = %v, want ErrNilDependency", err)
	}
}

func TestDefaultRules(t *testing.T) {
	if err := DefaultRules().Validate(); err != nil {
		t.Fatalf("DefaultRules().Validate() error = %v", err)
	}
	store := cache.NewMemoryStore(cache.DefaultPolicy())
	ctx := context.Background()
	for _, k := range []string{KeyShoppingLists, ShoppingListKey("1"), KeyMenus, FamilyKey("7"), FamilyKey("8")} {
		_ = store.Set(ctx, k, []byte(`{}`), time.Hour)
	}

	removed, err := invalidate.New(store, DefaultRules(), nil).InvalidateEntity(ctx, TopicFamily, "7")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{KeyMenus, ShoppingListKey("1"), KeyShoppingLists, FamilyKey("7")}
	if len(removed) != len(want) {
		t.Fatalf("InvalidateEntity(family) removed %v, want %v", removed, want)
	}
	if _, ok := store.Get(ctx, FamilyKey("8")); !ok {
		t.Fatal("other family invalidated")
	}
}
