/*Package model defines the grocify domain types.

Grocify keeps per-user documents: a user profile, a list of grocery items,
the stores the user shops at, store-specific values attached to items, the
last-purchased dates per item, and a pantry inventory. The sparse documents
(store-specific values, last purchased, inventory) live in the documents
layer as a single JSONB document per user.
*/
package model

import "time"

// ValuesField is the name of the field that holds the per-store value map
// inside a store-specific values document. Merge paths are built on top of
// this prefix, e.g. "values.costco.price".
const ValuesField = "values"

// Names of the per-user document collections.
const (
	CollectionUsers               = "users"
	CollectionItems               = "items"
	CollectionStores              = "stores"
	CollectionStoreSpecificValues = "store_specific_values"
	CollectionLastPurchased       = "last_purchased"
	CollectionInventory           = "inventory"
)

// StoreSpecificValueKey enumerates the value keys an item can carry per store.
type StoreSpecificValueKey string

// The store-specific value keys.
const (
	AisleNumber StoreSpecificValueKey = "aisleNumber"
	IsInCart    StoreSpecificValueKey = "isInCart"
	ItemID      StoreSpecificValueKey = "itemId"
	Note        StoreSpecificValueKey = "note"
	Price       StoreSpecificValueKey = "price"
	Quantity    StoreSpecificValueKey = "quantity"
)

// StoreSpecificValueKeys lists all valid keys.
var StoreSpecificValueKeys = []StoreSpecificValueKey{
	AisleNumber, IsInCart, ItemID, Note, Price, Quantity,
}

// Valid reports whether k is one of the known store-specific value keys.
func (k StoreSpecificValueKey) Valid() bool {
	for _, known := range StoreSpecificValueKeys {
		if k == known {
			return true
		}
	}
	return false
}

// StoreSpecificValue maps a store name to a scalar value: a string, number
// or boolean, depending on the value key it sits under.
type StoreSpecificValue map[string]interface{}

// StoreSpecificValues holds the values of one item, keyed by
// StoreSpecificValueKey. The structure is sparse: an item need not carry
// every key, and a key need not carry every store.
type StoreSpecificValues map[StoreSpecificValueKey]StoreSpecificValue

// StoreSpecificValuesMap holds the values of all items of a user, keyed by
// item key. The item key is the item's persistent id, or its name or UPC
// before an id was assigned.
type StoreSpecificValuesMap map[string]StoreSpecificValues

// LastPurchasedMap records when an item was last bought per store, keyed by
// item key. Timestamps are unix milliseconds.
type LastPurchasedMap map[string]map[string]int64

// Key identifies an item that has no persistent id yet, by name or UPC.
type Key struct {
	Name string `json:"name,omitempty"`
	UPC  string `json:"upc,omitempty"`
}

// User is a grocify account.
type User struct {
	ID           string    `json:"_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	HasPaid      bool      `json:"hasPaid,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Item is a grocery item on a user's list. The id is a UUID created by the
// frontend; until one is assigned the item is keyed by UPC or name.
// Timestamps and the restock frequency are unix milliseconds.
type Item struct {
	ID              string   `json:"_id"`
	UserID          string   `json:"userId"`
	Name            string   `json:"name"`
	UPC             string   `json:"upc,omitempty"`
	Unit            string   `json:"unit,omitempty"`
	Frequency       int64    `json:"frequency,omitempty"`
	Images          []string `json:"images,omitempty"`
	ImageToUseIndex int      `json:"imageToUseIndex,omitempty"`
	FullscreenImage string   `json:"fullscreenImage,omitempty"`
	AddedDate       int64    `json:"addedDate,omitempty"`
	LastUpdatedDate int64    `json:"lastUpdatedDate,omitempty"`
}

// Store is a store a user shops at. The name doubles as the key under which
// store-specific values are filed, after sanitizing.
type Store struct {
	ID             string                 `json:"_id"`
	UserID         string                 `json:"userId"`
	Name           string                 `json:"name"`
	Address        map[string]interface{} `json:"address,omitempty"`
	GPSCoordinates map[string]interface{} `json:"gpsCoordinates,omitempty"`
}

// InventoryLocation is a place where pantry items are kept, e.g. "freezer".
type InventoryLocation struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// InventoryItem is the stock of one grocery item at one location.
// ExpirationDates maps an expiration timestamp in unix milliseconds to the
// number of units expiring at that time.
type InventoryItem struct {
	ExpirationDates map[string]float64 `json:"expirationDates,omitempty"`
}
