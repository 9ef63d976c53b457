// Package meal exposes the meal-planning resources screens read and edit.
//
// Reads go through stale-while-revalidate resources; edits go through the
// mutation reconciler, so every screen sees optimistic updates, rollbacks
// and the authoritative result on the same event topics.
package meal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jonwraymond/mealsync/cache"
	"github.com/jonwraymond/mealsync/events"
	"github.com/jonwraymond/mealsync/fetch"
	"github.com/jonwraymond/mealsync/mutation"
	"github.com/jonwraymond/mealsync/swr"
)

// ErrItemNotFound is returned when a list has no item with the given ID.
var ErrItemNotFound = errors.New("meal: item not found")

// ErrNilDependency is returned by NewService for a missing dependency.
var ErrNilDependency = errors.New("meal: missing dependency")

// TTLs are the cache lifetimes per resource. Zero uses the store default.
type TTLs struct {
	ShoppingLists time.Duration
	Menus         time.Duration
	Fridge        time.Duration
	Family        time.Duration
}

// Config configures a Service.
type Config struct {
	Accessor    fetch.Accessor
	Coordinator *swr.Coordinator
	Reconciler  *mutation.Reconciler
	TTL         TTLs
}

// Service provides the meal-planning operations.
type Service struct {
	api        fetch.Accessor
	reconciler *mutation.Reconciler
	ttl        TTLs
	keyer      cache.Keyer

	lists  *swr.Resource[[]ShoppingList]
	list   *swr.Resource[ShoppingList]
	menus  *swr.Resource[[]Menu]
	fridge *swr.Resource[[]FridgeItem]
	family *swr.Resource[Family]
}

// NewService creates a Service.
func NewService(config Config) (*Service, error) {
	switch {
	case config.Accessor == nil:
		return nil, fmt.Errorf("%w: accessor", ErrNilDependency)
	case config.Coordinator == nil:
		return nil, fmt.Errorf("%w: coordinator", ErrNilDependency)
	case config.Reconciler == nil:
		return nil, fmt.Errorf("%w: reconciler", ErrNilDependency)
	}
	c := config.Coordinator
	return &Service{
		api:        config.Accessor,
		reconciler: config.Reconciler,
		ttl:        config.TTL,
		keyer:      cache.NewDefaultKeyer(),
		lists:      swr.NewResource[[]ShoppingList](c, TopicShoppingLists),
		list:       swr.NewResource[ShoppingList](c, TopicShoppingList),
		menus:      swr.NewResource[[]Menu](c, TopicMenus),
		fridge:     swr.NewResource[[]FridgeItem](c, TopicFridgeItems),
		family:     swr.NewResource[Family](c, TopicFamily),
	}, nil
}

func (s *Service) getter(path string) swr.Fetcher {
	return func(ctx context.Context) ([]byte, error) {
		return s.api.Get(ctx, path, nil)
	}
}

func listPath(id string) string { return "shopping-lists/" + url.PathEscape(id) }

// ShoppingLists returns every shopping list.
func (s *Service) ShoppingLists(ctx context.Context) (swr.Result[[]ShoppingList], error) {
	return s.lists.Get(ctx, KeyShoppingLists, s.ttl.ShoppingLists, s.getter("shopping-lists"))
}

// ShoppingList returns one shopping list.
func (s *Service) ShoppingList(ctx context.Context, id string) (swr.Result[ShoppingList], error) {
	return s.list.Get(ctx, ShoppingListKey(id), s.ttl.ShoppingLists, s.getter(listPath(id)))
}

// Menus returns the planned menus.
func (s *Service) Menus(ctx context.Context) (swr.Result[[]Menu], error) {
	return s.menus.Get(ctx, KeyMenus, s.ttl.Menus, s.getter("menus"))
}

// MenusBetween returns the menus planned from one date to another,
// inclusive. Each range is cached under its own calendar:menus variant.
func (s *Service) MenusBetween(ctx context.Context, from, to string) (swr.Result[[]Menu], error) {
	params := map[string]string{"from": from, "to": to}
	key, err := s.keyer.Key(KeyMenus, params)
	if err != nil {
		return swr.Result[[]Menu]{}, err
	}
	return s.menus.Get(ctx, key, s.ttl.Menus, func(ctx context.Context) ([]byte, error) {
		return s.api.Get(ctx, "menus", params)
	})
}

// FridgeItems returns the ingredients in stock.
func (s *Service) FridgeItems(ctx context.Context) (swr.Result[[]FridgeItem], error) {
	return s.fridge.Get(ctx, KeyFridgeItems, s.ttl.Fridge, s.getter("fridge/items"))
}

// Family returns one family group.
func (s *Service) Family(ctx context.Context, id string) (swr.Result[Family], error) {
	return s.family.Get(ctx, FamilyKey(id), s.ttl.Family, s.getter("families/"+url.PathEscape(id)))
}

// PrefetchCalendar warms the calendar screen's resources.
func (s *Service) PrefetchCalendar(ctx context.Context) error {
	return errors.Join(
		s.lists.Prefetch(ctx, KeyShoppingLists, s.ttl.ShoppingLists, s.getter("shopping-lists")),
		s.menus.Prefetch(ctx, KeyMenus, s.ttl.Menus, s.getter("menus")),
	)
}

// ToggleItem flips the checked flag of one item. The list in state changes
// at once and is restored if the backend rejects the change. The new flag
// and the version sent are taken from the list the toggle is applied to,
// so rapid toggles of one item alternate instead of repeating.
func (s *Service) ToggleItem(ctx context.Context, state *mutation.State[ShoppingList], itemID string) (ShoppingList, error) {
	current := state.Get()
	if _, ok := current.Item(itemID); !ok {
		return ShoppingList{}, fmt.Errorf("%w: %q in list %q", ErrItemNotFound, itemID, current.ID)
	}

	// The patch is re-run when an earlier mutation settles; the request
	// body follows its latest run.
	var (
		mu      sync.Mutex
		checked bool
		version int
	)
	return mutation.Mutate(ctx, s.reconciler, state, s.listIntent(current.ID, events.Updated,
		func(l ShoppingList) ShoppingList {
			mu.Lock()
			defer mu.Unlock()
			version = l.Version
			for i := range l.Items {
				if l.Items[i].ID == itemID {
					l.Items[i].IsChecked = !l.Items[i].IsChecked
					checked = l.Items[i].IsChecked
				}
			}
			return l
		},
		func(ctx context.Context) ([]byte, error) {
			mu.Lock()
			body := map[string]any{"is_checked": checked, "version": version}
			mu.Unlock()
			path := listPath(current.ID) + "/items/" + url.PathEscape(itemID)
			return s.api.Mutate(ctx, http.MethodPatch, path, body)
		},
	))
}

// AddItem appends an item. The optimistic line has no ID until the backend
// assigns one.
func (s *Service) AddItem(ctx context.Context, state *mutation.State[ShoppingList], item NewItem) (ShoppingList, error) {
	if err := fetch.Validate(item); err != nil {
		return ShoppingList{}, &fetch.ValidationError{Message: err.Error()}
	}
	current := state.Get()

	return mutation.Mutate(ctx, s.reconciler, state, s.listIntent(current.ID, events.Updated,
		func(l ShoppingList) ShoppingList {
			l.Items = append(l.Items, ShoppingListItem{Name: item.Name, Quantity: item.Quantity, Unit: item.Unit})
			return l
		},
		func(ctx context.Context) ([]byte, error) {
			return s.api.Mutate(ctx, http.MethodPost, listPath(current.ID)+"/items", item)
		},
	))
}

// RemoveItem deletes one item.
func (s *Service) RemoveItem(ctx context.Context, state *mutation.State[ShoppingList], itemID string) (ShoppingList, error) {
	current := state.Get()
	if _, ok := current.Item(itemID); !ok {
		return ShoppingList{}, fmt.Errorf("%w: %q in list %q", ErrItemNotFound, itemID, current.ID)
	}

	return mutation.Mutate(ctx, s.reconciler, state, s.listIntent(current.ID, events.Updated,
		func(l ShoppingList) ShoppingList {
			kept := l.Items[:0]
			for _, it := range l.Items {
				if it.ID != itemID {
					kept = append(kept, it)
				}
			}
			l.Items = kept
			return l
		},
		func(ctx context.Context) ([]byte, error) {
			return s.api.Mutate(ctx, http.MethodDelete, listPath(current.ID)+"/items/"+url.PathEscape(itemID), nil)
		},
	))
}

// listIntent builds an intent whose remote call returns the updated list.
func (s *Service) listIntent(
	listID string,
	event events.Type,
	patch func(ShoppingList) ShoppingList,
	remote func(ctx context.Context) ([]byte, error),
) mutation.Intent[ShoppingList] {
	return mutation.Intent[ShoppingList]{
		EntityType: TopicShoppingList,
		EntityID:   listID,
		Key:        ShoppingListKey(listID),
		TTL:        s.ttl.ShoppingLists,
		Event:      event,
		Patch:      patch,
		Remote: func(ctx context.Context) (ShoppingList, error) {
			raw, err := remote(ctx)
			if err != nil {
				return ShoppingList{}, err
			}
			return fetch.Decode[ShoppingList](raw)
		},
		Refetch: func(ctx context.Context) (ShoppingList, error) {
			raw, err := s.api.Get(ctx, listPath(listID), nil)
			if err != nil {
				return ShoppingList{}, err
			}
			return fetch.Decode[ShoppingList](raw)
		},
	}
}
