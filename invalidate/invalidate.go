// Package invalidate removes cache entries made obsolete by a confirmed
// mutation, so the next read of those keys misses and refetches regardless
// of remaining TTL.
package invalidate

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jonwraymond/mealsync/cache"
	"github.com/jonwraymond/mealsync/observe"
)

// ErrUnknownEntity is returned by InvalidateEntity for an entity type with
// no rule.
var ErrUnknownEntity = errors.New("invalidate: no rule for entity type")

// IDPlaceholder is replaced by the entity ID in rule patterns. In regex
// patterns the ID is quoted.
const IDPlaceholder = "{id}"

// Rules maps an entity type to the textual patterns (see cache.ParsePattern)
// whose keys depend on it.
//
//	invalidate.Rules{
//	    "shopping-list": {"calendar:shopping-list"},
//	    "family":        {"group:family:{id}", "re:^calendar:menus"},
//	}
type Rules map[string][]string

// Validate checks that every pattern parses.
func (r Rules) Validate() error {
	var errs []error
	for entity, patterns := range r {
		for _, p := range patterns {
			if _, err := cache.ParsePattern(strings.ReplaceAll(p, IDPlaceholder, "x")); err != nil {
				errs = append(errs, fmt.Errorf("invalidate: rule %q pattern %q: %w", entity, p, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Invalidator clears cache keys by pattern.
//
// Contract:
//   - Concurrency: safe for concurrent use.
//   - Ordering: removal bumps key generations, so a refresh that started
//     before the invalidation cannot write its result back.
type Invalidator struct {
	store  cache.Store
	rules  Rules
	in     *observe.Instrumentation
	logger observe.Logger
}

// New creates an Invalidator. rules may be nil.
func New(store cache.Store, rules Rules, in *observe.Instrumentation) *Invalidator {
	if in == nil {
		in = observe.NopInstrumentation()
	}
	return &Invalidator{
		store:  store,
		rules:  rules,
		in:     in,
		logger: in.Logger().With(observe.Field{Key: "component", Value: "invalidate"}),
	}
}

// Invalidate removes every key matching any of patterns and returns the
// removed keys, sorted and de-duplicated.
func (i *Invalidator) Invalidate(ctx context.Context, patterns ...cache.Pattern) []string {
	seen := make(map[string]struct{})
	for _, p := range patterns {
		if p == nil {
			continue
		}
		removed := i.store.ClearByPattern(ctx, p)
		i.in.Metrics().RecordInvalidation(ctx, p.String(), len(removed))
		i.logger.Debug(ctx, "cache invalidated",
			observe.Field{Key: "pattern", Value: p.String()},
			observe.Field{Key: "removed", Value: len(removed)},
		)
		for _, k := range removed {
			seen[k] = struct{}{}
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// InvalidateText parses each textual pattern and invalidates them. Nothing
// is removed if any pattern is invalid.
func (i *Invalidator) InvalidateText(ctx context.Context, patterns ...string) ([]string, error) {
	parsed := make([]cache.Pattern, 0, len(patterns))
	for _, s := range patterns {
		p, err := cache.ParsePattern(s)
		if err != nil {
			return nil, fmt.Errorf("invalidate: %w", err)
		}
		parsed = append(parsed, p)
	}
	return i.Invalidate(ctx, parsed...), nil
}

// Patterns returns the rule patterns for entityType with id substituted.
func (i *Invalidator) Patterns(entityType, id string) ([]cache.Pattern, error) {
	texts, ok := i.rules[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, entityType)
	}

	out := make([]cache.Pattern, 0, len(texts))
	for _, t := range texts {
		p, err := cache.ParsePattern(expand(t, id))
		if err != nil {
			return nil, fmt.Errorf("invalidate: rule %q: %w", entityType, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// InvalidateEntity applies the rule for entityType.
func (i *Invalidator) InvalidateEntity(ctx context.Context, entityType, id string) ([]string, error) {
	patterns, err := i.Patterns(entityType, id)
	if err != nil {
		return nil, err
	}
	return i.Invalidate(ctx, patterns...), nil
}

func expand(pattern, id string) string {
	if strings.HasPrefix(pattern, cache.RegexPrefix) {
		return strings.ReplaceAll(pattern, IDPlaceholder, regexp.QuoteMeta(id))
	}
	return strings.ReplaceAll(pattern, IDPlaceholder, id)
}
