package meal

// ShoppingListItem is one line of a shopping list.
type ShoppingListItem struct {
	ID        string  `json:"id" validate:"required"`
	Name      string  `json:"name" validate:"required"`
	Quantity  float64 `json:"quantity" validate:"gte=0"`
	Unit      string  `json:"unit,omitempty"`
	IsChecked bool    `json:"is_checked"`
}

// ShoppingList is a dated shopping list shared by a family.
type ShoppingList struct {
	ID       string             `json:"id" validate:"required"`
	Name     string             `json:"name" validate:"required"`
	Date     string             `json:"date,omitempty"`
	FamilyID string             `json:"family_id,omitempty"`
	Version  int                `json:"version" validate:"gte=0"`
	Items    []ShoppingListItem `json:"items" validate:"dive"`
}

// Item returns the item with id.
func (l ShoppingList) Item(id string) (ShoppingListItem, bool) {
	for _, it := range l.Items {
		if it.ID == id {
			return it, true
		}
	}
	return ShoppingListItem{}, false
}

// NewItem is the body of an add-item request.
type NewItem struct {
	Name     string  `json:"name" validate:"required"`
	Quantity float64 `json:"quantity" validate:"gte=0"`
	Unit     string  `json:"unit,omitempty"`
}

// Dish is a recipe that can appear on a menu.
type Dish struct {
	ID       string `json:"id" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Servings int    `json:"servings" validate:"gte=0"`
}

// Menu is the plan for one meal of one day.
type Menu struct {
	ID     string `json:"id" validate:"required"`
	Date   string `json:"date" validate:"required"`
	Meal   string `json:"meal" validate:"required,oneof=breakfast lunch dinner snack"`
	Dishes []Dish `json:"dishes" validate:"dive"`
}

// FridgeItem is an ingredient in stock.
type FridgeItem struct {
	ID        string  `json:"id" validate:"required"`
	Name      string  `json:"name" validate:"required"`
	Quantity  float64 `json:"quantity" validate:"gte=0"`
	Unit      string  `json:"unit,omitempty"`
	ExpiresOn string  `json:"expires_on,omitempty"`
}

// Member is a person in a family group.
type Member struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name" validate:"required"`
	Role string `json:"role,omitempty"`
}

// Family is a group sharing menus and shopping lists.
type Family struct {
	ID      string   `json:"id" validate:"required"`
	Name    string   `json:"name" validate:"required"`
	Members []Member `json:"members" validate:"dive"`
}
