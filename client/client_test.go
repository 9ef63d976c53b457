package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/jonwraymond/mealsync/config"
	"github.com/jonwraymond/mealsync/events"
	"github.com/jonwraymond/mealsync/fetch"
	"github.com/jonwraymond/mealsync/health"
	"github.com/jonwraymond/mealsync/meal"
	"github.com/jonwraymond/mealsync/mutation"
	"github.com/jonwraymond/mealsync/session"
)

func token(t *testing.T, exp time.Time) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return signed
}

type server struct {
	*httptest.Server
	gets atomic.Int32
	auth atomic.Value
	list meal.ShoppingList
}

func newServer(t *testing.T) *server {
	t.Helper()
	s := &server{list: meal.ShoppingList{ID: "42", Name: "Weekend", Version: 1, Items: []meal.ShoppingListItem{
		{ID: "1", Name: "milk", Quantity: 1},
	}}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/shopping-lists/42", func(w http.ResponseWriter, r *http.Request) {
		s.gets.Add(1)
		s.auth.Store(r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(s.list)
	})
	mux.HandleFunc("PATCH /v1/shopping-lists/42/items/1", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			IsChecked bool `json:"is_checked"`
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		updated := s.list
		updated.Version++
		updated.Items = []meal.ShoppingListItem{{ID: "1", Name: "milk", Quantity: 1, IsChecked: body.IsChecked}}
		_ = json.NewEncoder(w).Encode(updated)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func testConfig(t *testing.T, baseURL, dir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Backend.BaseURL = baseURL + "/v1"
	cfg.Backend.Token = token(t, time.Now().Add(time.Hour))
	cfg.Observe.Logging.Enabled = false
	if dir != "" {
		cfg.Persistence.Backend = config.PersistenceFile
		cfg.Persistence.Dir = dir
	}
	return &cfg
}

func TestClient_ReadMutateAndRestore(t *testing.T) {
	srv := newServer(t)
	dir := t.TempDir()
	ctx := context.Background()

	c, err := New(ctx, testConfig(t, srv.URL, dir))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got, err := c.Meals.ShoppingList(ctx, "42")
	if err != nil {
		t.Fatalf("ShoppingList() error = %v", err)
	}
	if got.Data.Name != "Weekend" || !got.Updated {
		t.Fatalf("ShoppingList() = %+v", got)
	}
	if auth, _ := srv.auth.Load().(string); len(auth) < len("Bearer ") || auth[:7] != "Bearer " {
		t.Fatalf("Authorization header = %q", auth)
	}

	var seen []meal.ShoppingList
	unsub := events.OnUpdated(c.Bus, meal.TopicShoppingList, func(_ context.Context, _ string, l meal.ShoppingList) {
		seen = append(seen, l)
	})
	defer unsub()

	state := mutation.NewState(got.Data)
	updated, err := c.Meals.ToggleItem(ctx, state, "1")
	if err != nil {
		t.Fatalf("ToggleItem() error = %v", err)
	}
	if !updated.Items[0].IsChecked || updated.Version != 2 {
		t.Fatalf("ToggleItem() = %+v", updated)
	}
	if len(seen) != 1 {
		t.Fatalf("received %d events, want 1", len(seen))
	}

	results := c.Health.CheckAll(ctx)
	if status := health.Overall(results); status != health.StatusHealthy {
		t.Fatalf("health = %v, want healthy: %+v", status, results)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// A new client restores the authoritative list from disk.
	restarted, err := New(ctx, testConfig(t, srv.URL, dir))
	if err != nil {
		t.Fatalf("New() after restart error = %v", err)
	}
	defer restarted.Close(ctx)

	again, err := restarted.Meals.ShoppingList(ctx, "42")
	if err != nil {
		t.Fatalf("ShoppingList() after restart error = %v", err)
	}
	if !again.FromCache || again.Data.Version != 2 || !again.Data.Items[0].IsChecked {
		t.Fatalf("ShoppingList() after restart = %+v, want persisted toggle", again)
	}
	if n := srv.gets.Load(); n != 1 {
		t.Fatalf("backend read %d times, want 1", n)
	}
}

func TestClient_Invalidate(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	c, err := New(ctx, testConfig(t, srv.URL, ""))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close(ctx)

	if _, err := c.Meals.ShoppingList(ctx, "42"); err != nil {
		t.Fatal(err)
	}
	removed, err := c.Invalidate(ctx, "calendar:")
	if err != nil || len(removed) != 1 || removed[0] != meal.ShoppingListKey("42") {
		t.Fatalf("Invalidate() = (%v, %v)", removed, err)
	}
	if _, err := c.Meals.ShoppingList(ctx, "42"); err != nil {
		t.Fatal(err)
	}
	if n := srv.gets.Load(); n != 2 {
		t.Fatalf("backend read %d times after invalidation, want 2", n)
	}

	if _, err := c.Invalidate(ctx, "re:("); err == nil {
		t.Fatal("Invalidate() accepted an invalid regex")
	}
}

func TestClient_ResourceTTLFromConfig(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Now())

	cfg := testConfig(t, srv.URL, "")
	cfg.Cache.DefaultTTL = 10 * time.Minute
	cfg.Cache.Resources.ShoppingLists = time.Minute
	c, err := New(ctx, cfg, WithClock(clock))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close(ctx)

	if _, err := c.Meals.ShoppingList(ctx, "42"); err != nil {
		t.Fatalf("ShoppingList() error = %v", err)
	}
	clock.Advance(2 * time.Minute)

	got, err := c.Meals.ShoppingList(ctx, "42")
	if err != nil {
		t.Fatalf("ShoppingList() error = %v", err)
	}
	if !got.FromCache || !got.Stale {
		t.Fatalf("ShoppingList() after 2m = %+v, want stale under the 1m list TTL", got)
	}
	c.Wait()
	if n := srv.gets.Load(); n != 2 {
		t.Fatalf("backend GETs = %d, want 2 (initial fetch and background refresh)", n)
	}
}

func TestClient_ExpiredSessionNotSent(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	cfg := testConfig(t, srv.URL, "")
	cfg.Backend.Token = token(t, time.Now().Add(-time.Minute))

	c, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close(ctx)

	if _, err := c.Meals.ShoppingList(ctx, "42"); !errors.Is(err, fetch.ErrSessionExpired) {
		t.Fatalf("ShoppingList() error = %v, want session expired", err)
	}
	if srv.gets.Load() != 0 {
		t.Fatal("request sent with an expired token")
	}
}

func TestNew_Errors(t *testing.T) {
	ctx := context.Background()

	if _, err := New(ctx, nil); err == nil {
		t.Error("New(nil) error = nil")
	}

	cfg := config.Default()
	if _, err := New(ctx, &cfg); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("New() without base URL error = %v, want ErrInvalid", err)
	}

	bad := testConfig(t, "https://api.example.com", "")
	bad.Backend.Token = "not-a-jwt"
	if _, err := New(ctx, bad); !errors.Is(err, session.ErrMalformedToken) {
		t.Errorf("New() with malformed token error = %v, want ErrMalformedToken", err)
	}

	missing := testConfig(t, "https://api.example.com", "")
	missing.Backend.Token = "secretref:env:MEALSYNC_TOKEN_UNSET_FOR_TEST"
	if _, err := New(ctx, missing); !errors.Is(err, config.ErrMissingEnv) {
		t.Errorf("New() with unresolved secret error = %v, want ErrMissingEnv", err)
	}
}
