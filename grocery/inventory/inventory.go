/*Package inventory manages the per-user pantry inventory document.

The document holds the stock of grocery items per location, counted by
expiration timestamp, plus the locations themselves:

	{
	  "currentLocationId": "...",
	  "items": { "<locationId>": { "<itemId>": { "expirationDates": { "<ts>": 2 } } } },
	  "locations": { "<locationId>": { "_id": "...", "name": "freezer" } }
	}

Adding stock is expressed as increment patches and needs no prior read.
Moves between locations read the document under a row lock, verify that the
origin holds enough stock, and apply all staged changes as one upsert inside
the transaction, so a failing pre-check rolls back the whole move.
*/
package inventory

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/grocify-tech/grocify/core/documents"
	"github.com/grocify-tech/grocify/core/schema"
	"github.com/grocify-tech/grocify/grocery/model"
)

// Field names of the inventory document.
const (
	ItemsField     = "items"
	LocationsField = "locations"
)

// ExpirationDates maps an expiration timestamp in unix milliseconds (as a
// string, since it is a JSON object key) to a quantity.
type ExpirationDates map[string]float64

// AddItem adds stock of one item at one location.
type AddItem struct {
	LocationID      string          `json:"locationId"`
	ItemID          string          `json:"itemId"`
	ExpirationDates ExpirationDates `json:"expirationDates"`
}

// MoveItem moves the whole stock of one item to another location.
type MoveItem struct {
	OriginLocationID string `json:"originLocationId"`
	TargetLocationID string `json:"targetLocationId"`
	ItemID           string `json:"itemId"`
}

// MoveExpiration moves the given quantities per expiration timestamp to
// another location.
type MoveExpiration struct {
	OriginLocationID string          `json:"originLocationId"`
	TargetLocationID string          `json:"targetLocationId"`
	ItemID           string          `json:"itemId"`
	ExpirationDates  ExpirationDates `json:"expirationDates"`
}

// RemoveItem removes quantities per expiration timestamp from one location.
type RemoveItem struct {
	LocationID      string          `json:"locationId"`
	ItemID          string          `json:"itemId"`
	ExpirationDates ExpirationDates `json:"expirationDates"`
}

// Document is the inventory document of one user.
type Document struct {
	CurrentLocationID string                                    `json:"currentLocationId,omitempty"`
	Items             map[string]map[string]model.InventoryItem `json:"items,omitempty"`
	Locations         map[string]model.InventoryLocation        `json:"locations,omitempty"`
}

const (
	schemaAddItems = `{
	"$id": "grocify.inventory.addItems",
	"type": "array",
	"minItems": 1,
	"items": {
		"type": "object",
		"required": ["locationId", "itemId", "expirationDates"],
		"properties": {
			"locationId": { "type": "string", "minLength": 1 },
			"itemId": { "type": "string", "minLength": 1 },
			"expirationDates": {
				"type": "object",
				"minProperties": 1,
				"additionalProperties": { "type": "number", "exclusiveMinimum": 0 }
			}
		}
	}
}`
	schemaMoveItems = `{
	"$id": "grocify.inventory.moveItems",
	"type": "array",
	"minItems": 1,
	"items": {
		"type": "object",
		"required": ["originLocationId", "targetLocationId", "itemId"],
		"properties": {
			"originLocationId": { "type": "string", "minLength": 1 },
			"targetLocationId": { "type": "string", "minLength": 1 },
			"itemId": { "type": "string", "minLength": 1 }
		}
	}
}`
	schemaMoveExpiration = `{
	"$id": "grocify.inventory.moveExpirationDates",
	"type": "array",
	"minItems": 1,
	"items": {
		"type": "object",
		"required": ["originLocationId", "targetLocationId", "itemId", "expirationDates"],
		"properties": {
			"originLocationId": { "type": "string", "minLength": 1 },
			"targetLocationId": { "type": "string", "minLength": 1 },
			"itemId": { "type": "string", "minLength": 1 },
			"expirationDates": {
				"type": "object",
				"minProperties": 1,
				"additionalProperties": { "type": "number", "minimum": 0 }
			}
		}
	}
}`
	schemaRemoveItems = `{
	"$id": "grocify.inventory.removeItems",
	"type": "array",
	"minItems": 1,
	"items": {
		"type": "object",
		"required": ["locationId", "itemId", "expirationDates"],
		"properties": {
			"locationId": { "type": "string", "minLength": 1 },
			"itemId": { "type": "string", "minLength": 1 },
			"expirationDates": {
				"type": "object",
				"minProperties": 1,
				"additionalProperties": { "type": "number", "exclusiveMinimum": 0 }
			}
		}
	}
}`
	schemaLocations = `{
	"$id": "grocify.inventory.locations",
	"type": "array",
	"minItems": 1,
	"items": {
		"type": "object",
		"required": ["_id", "name"],
		"properties": {
			"_id": { "type": "string", "minLength": 1 },
			"name": { "type": "string", "minLength": 1 }
		}
	}
}`
)

// Service provides the inventory operations on top of the documents layer.
type Service struct {
	store     *documents.Store
	docs      *documents.Collection
	validator *schema.Validator

	// now is replaced in tests
	now func() time.Time
}

// NewService creates the inventory service and its collection.
func NewService(store *documents.Store) (*Service, error) {
	docs, err := store.Collection(model.CollectionInventory)
	if err != nil {
		return nil, err
	}
	validator, err := schema.NewValidator([]string{
		schemaAddItems, schemaMoveItems, schemaMoveExpiration, schemaRemoveItems, schemaLocations,
	}, nil)
	if err != nil {
		return nil, err
	}
	return &Service{store: store, docs: docs, validator: validator, now: time.Now}, nil
}

// Get returns the user's inventory document, or documents.ErrNotFound.
func (s *Service) Get(ctx context.Context, userID string) (Document, error) {
	var doc Document
	err := s.docs.GetInto(ctx, userID, &doc)
	return doc, err
}

// requireFuture rejects expiration timestamps that lie in the past.
func (s *Service) requireFuture(dates ExpirationDates) error {
	now := s.now().UnixMilli()
	for ts := range dates {
		millis, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return fmt.Errorf("expiration date '%s' is not a timestamp", ts)
		}
		if millis < now {
			return fmt.Errorf("expiration date '%s' is in the past", ts)
		}
	}
	return nil
}

func itemPath(locationID, itemID string) string {
	return ItemsField + "." + locationID + "." + itemID
}

func expirationPath(locationID, itemID, ts string) string {
	return itemPath(locationID, itemID) + ".expirationDates." + ts
}

// AddItems adds stock as one bulk write of increment patches. The document
// is created on first use; no prior read is needed.
func (s *Service) AddItems(ctx context.Context, userID string, items []AddItem) error {
	if err := s.validator.ValidateStruct(items, "grocify.inventory.addItems"); err != nil {
		return err
	}
	ops := make([]documents.BulkOp, 0, len(items))
	for _, item := range items {
		if err := s.requireFuture(item.ExpirationDates); err != nil {
			return err
		}
		inc := make(map[string]float64, len(item.ExpirationDates))
		for ts, quantity := range item.ExpirationDates {
			inc[expirationPath(item.LocationID, item.ItemID, ts)] = quantity
		}
		ops = append(ops, documents.BulkOp{UserID: userID, Patch: documents.Patch{Inc: inc}})
	}
	return s.docs.BulkUpsert(ctx, ops)
}

func (s *Service) getForUpdate(ctx context.Context, tx *sql.Tx, userID string) (Document, error) {
	var doc Document
	raw, err := s.docs.GetForUpdateTx(ctx, tx, userID)
	if err == documents.ErrNotFound {
		return doc, fmt.Errorf("no inventory found for user '%s'", userID)
	}
	if err != nil {
		return doc, err
	}
	return doc, unmarshalDocument(raw, &doc)
}

// MoveItems moves whole item subtrees between locations. Items missing at
// their origin are skipped. All moves are applied as one upsert inside a
// transaction holding a lock on the document row.
func (s *Service) MoveItems(ctx context.Context, userID string, moves []MoveItem) error {
	if err := s.validator.ValidateStruct(moves, "grocify.inventory.moveItems"); err != nil {
		return err
	}
	return s.store.WithinTransaction(ctx, func(tx *sql.Tx) error {
		doc, err := s.getForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		patch := documents.Patch{
			Set:   map[string]interface{}{},
			Unset: map[string]int{},
		}
		for _, move := range moves {
			item, ok := doc.Items[move.OriginLocationID][move.ItemID]
			if !ok {
				continue
			}
			patch.Set[itemPath(move.TargetLocationID, move.ItemID)] = item
			patch.Unset[itemPath(move.OriginLocationID, move.ItemID)] = 1
		}
		if patch.IsEmpty() {
			return nil
		}
		_, err = s.docs.UpsertTx(ctx, tx, userID, patch)
		return err
	})
}

// expirationRef addresses one expiration-date entry of the document.
type expirationRef struct {
	locationID string
	itemID     string
	ts         string
}

func (r expirationRef) path() string {
	return expirationPath(r.locationID, r.itemID, r.ts)
}

// stageExpirationMoves verifies the moves against the document snapshot and
// stages them as one patch. Quantities draining the same origin entry count
// against the origin as a sum, additions to the same target entry
// accumulate, and entries whose net change is zero are left untouched.
func stageExpirationMoves(doc Document, moves []MoveExpiration) (documents.Patch, error) {
	drained := map[expirationRef]float64{}
	deltas := map[expirationRef]float64{}
	for _, move := range moves {
		stored := doc.Items[move.OriginLocationID][move.ItemID].ExpirationDates
		for ts, quantity := range move.ExpirationDates {
			available, ok := stored[ts]
			if !ok {
				return documents.Patch{}, fmt.Errorf("expiration date '%s' not found in origin '%s' for item '%s'",
					ts, move.OriginLocationID, move.ItemID)
			}
			origin := expirationRef{move.OriginLocationID, move.ItemID, ts}
			drained[origin] += quantity
			if available < drained[origin] {
				return documents.Patch{}, fmt.Errorf("insufficient quantity for expiration date '%s' in origin '%s' for item '%s': available %v, required %v",
					ts, move.OriginLocationID, move.ItemID, available, drained[origin])
			}
			deltas[origin] -= quantity
			deltas[expirationRef{move.TargetLocationID, move.ItemID, ts}] += quantity
		}
	}
	patch := documents.Patch{
		Set:   map[string]interface{}{},
		Unset: map[string]int{},
	}
	for ref, delta := range deltas {
		if delta == 0 {
			continue
		}
		current := doc.Items[ref.locationID][ref.itemID].ExpirationDates[ref.ts]
		if remaining := current + delta; remaining > 0 {
			patch.Set[ref.path()] = remaining
		} else {
			patch.Unset[ref.path()] = 1
		}
	}
	return patch, nil
}

// MoveExpirationDates moves per-timestamp quantities between locations. The
// origin must hold every timestamp with at least the total requested
// quantity, summed over all moves draining it; any violation fails the
// whole call and nothing is moved. Origin entries that reach zero are
// removed.
func (s *Service) MoveExpirationDates(ctx context.Context, userID string, moves []MoveExpiration) error {
	if err := s.validator.ValidateStruct(moves, "grocify.inventory.moveExpirationDates"); err != nil {
		return err
	}
	for _, move := range moves {
		if err := s.requireFuture(move.ExpirationDates); err != nil {
			return err
		}
	}
	return s.store.WithinTransaction(ctx, func(tx *sql.Tx) error {
		doc, err := s.getForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		patch, err := stageExpirationMoves(doc, moves)
		if err != nil {
			return err
		}
		if patch.IsEmpty() {
			return nil
		}
		_, err = s.docs.UpsertTx(ctx, tx, userID, patch)
		return err
	})
}

// RemoveItems decrements per-timestamp quantities, removing entries that
// drop to zero or below. Timestamps not present at the location are left
// untouched. A missing inventory document is a no-op.
func (s *Service) RemoveItems(ctx context.Context, userID string, items []RemoveItem) error {
	if err := s.validator.ValidateStruct(items, "grocify.inventory.removeItems"); err != nil {
		return err
	}
	return s.store.WithinTransaction(ctx, func(tx *sql.Tx) error {
		raw, err := s.docs.GetForUpdateTx(ctx, tx, userID)
		if err == documents.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var doc Document
		if err := unmarshalDocument(raw, &doc); err != nil {
			return err
		}
		patch := documents.Patch{
			Set:   map[string]interface{}{},
			Unset: map[string]int{},
		}
		for _, item := range items {
			stored := doc.Items[item.LocationID][item.ItemID].ExpirationDates
			for ts, quantity := range item.ExpirationDates {
				available, ok := stored[ts]
				if !ok {
					continue
				}
				path := expirationPath(item.LocationID, item.ItemID, ts)
				if remaining := available - quantity; remaining > 0 {
					patch.Set[path] = remaining
				} else {
					patch.Unset[path] = 1
				}
			}
		}
		if patch.IsEmpty() {
			return nil
		}
		_, err = s.docs.UpsertTx(ctx, tx, userID, patch)
		return err
	})
}

// AddLocations adds locations that do not exist yet; existing locations are
// left untouched. The document is created on first use.
func (s *Service) AddLocations(ctx context.Context, userID string, locations []model.InventoryLocation) error {
	if err := s.validator.ValidateStruct(locations, "grocify.inventory.locations"); err != nil {
		return err
	}
	return s.store.WithinTransaction(ctx, func(tx *sql.Tx) error {
		var doc Document
		raw, err := s.docs.GetForUpdateTx(ctx, tx, userID)
		if err != nil && err != documents.ErrNotFound {
			return err
		}
		if err == nil {
			if err := unmarshalDocument(raw, &doc); err != nil {
				return err
			}
		}
		patch := documents.Patch{Set: map[string]interface{}{}}
		for _, location := range locations {
			if _, exists := doc.Locations[location.ID]; exists {
				continue
			}
			patch.Set[LocationsField+"."+location.ID] = location
		}
		if patch.IsEmpty() {
			return nil
		}
		_, err = s.docs.UpsertTx(ctx, tx, userID, patch)
		return err
	})
}

// UpdateLocations updates locations field by field, so concurrent updates of
// different fields do not clobber each other.
func (s *Service) UpdateLocations(ctx context.Context, userID string, locations []model.InventoryLocation) error {
	if err := s.validator.ValidateStruct(locations, "grocify.inventory.locations"); err != nil {
		return err
	}
	patch := documents.Patch{Set: map[string]interface{}{}}
	for _, location := range locations {
		patch.Set[LocationsField+"."+location.ID+".name"] = location.Name
		patch.Set[LocationsField+"."+location.ID+"._id"] = location.ID
	}
	_, err := s.docs.Upsert(ctx, userID, patch)
	return err
}

// DeleteLocations removes the locations and all item stock kept at them, in
// one upsert.
func (s *Service) DeleteLocations(ctx context.Context, userID string, locationIDs []string) error {
	patch := documents.Patch{Unset: map[string]int{}}
	for _, id := range locationIDs {
		if id == "" {
			continue
		}
		patch.Unset[LocationsField+"."+id] = 1
		patch.Unset[ItemsField+"."+id] = 1
	}
	if patch.IsEmpty() {
		return nil
	}
	_, err := s.docs.Upsert(ctx, userID, patch)
	return err
}

// SetCurrentLocation records the location the user is currently working in.
func (s *Service) SetCurrentLocation(ctx context.Context, userID, locationID string) error {
	_, err := s.docs.Upsert(ctx, userID, documents.Patch{
		Set: map[string]interface{}{"currentLocationId": locationID},
	})
	return err
}

// RemoveItemRefsTx removes an item's stock from every location, within the
// caller's transaction. Used by the item deletion cascade together with the
// store-specific-values cleanup, so both happen atomically or not at all.
func (s *Service) RemoveItemRefsTx(ctx context.Context, tx *sql.Tx, userID string, itemIDs []string) error {
	raw, err := s.docs.GetForUpdateTx(ctx, tx, userID)
	if err == documents.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	var doc Document
	if err := unmarshalDocument(raw, &doc); err != nil {
		return err
	}
	patch := documents.Patch{Unset: map[string]int{}}
	for locationID, items := range doc.Items {
		for _, itemID := range itemIDs {
			if _, ok := items[itemID]; ok {
				patch.Unset[itemPath(locationID, itemID)] = 1
			}
		}
	}
	if patch.IsEmpty() {
		return nil
	}
	_, err = s.docs.UpsertTx(ctx, tx, userID, patch)
	return err
}

// WithinTransaction exposes the underlying transaction scope for callers
// composing inventory changes with other collections.
func (s *Service) WithinTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.store.WithinTransaction(ctx, fn)
}

// DeleteAll removes the user's whole inventory document.
func (s *Service) DeleteAll(ctx context.Context, userID string) error {
	return s.docs.Delete(ctx, userID)
}

func unmarshalDocument(raw json.RawMessage, doc *Document) error {
	return json.Unmarshal(raw, doc)
}
