package meal

import "github.com/jonwraymond/mealsync/invalidate"

// Event topics.
const (
	TopicShoppingLists = "shopping-lists"
	TopicShoppingList  = "shopping-list"
	TopicMenus         = "menus"
	TopicFridgeItems   = "fridge-items"
	TopicFamily        = "family"
)

// Cache keys follow "<domain>:<resource>[:<id>]".
const (
	KeyShoppingLists = "calendar:shopping-lists"
	KeyMenus         = "calendar:menus"
	KeyFridgeItems   = "fridge:items"

	shoppingListPrefix = "calendar:shopping-list"
)

// ShoppingListKey returns the cache key of one shopping list.
func ShoppingListKey(id string) string { return shoppingListPrefix + ":" + id }

// FamilyKey returns the cache key of one family.
func FamilyKey(id string) string { return "group:family:" + id }

// DefaultRules returns the keys each entity type's mutations invalidate.
// The shopping-list prefix covers the collection and every list.
func DefaultRules() invalidate.Rules {
	return invalidate.Rules{
		TopicShoppingList: {shoppingListPrefix},
		TopicMenus:        {"calendar:menu"},
		TopicFridgeItems:  {"fridge:"},
		TopicFamily:       {"group:family:{id}", "calendar:"},
	}
}
