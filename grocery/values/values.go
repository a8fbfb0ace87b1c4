/*Package values implements the sparse-map update engine for the per-user
value documents: store-specific values and last-purchased timestamps.

Both documents hold one deeply nested sparse map under the "values" field.
Updates never replace the map; they are expressed as flat patches of dotted
leaf paths, so concurrent writers touching different paths cannot clobber
each other. This package flattens nested value maps into such patches,
builds the matching deletion patches, and applies them through the documents
layer as a single upsert per call.

Path segments come from user input (item names, UPCs, store names). The dot
is the structural separator of the encoding, so Sanitize removes it from
every segment before it is embedded in a path.
*/
package values

import (
	"context"
	"strings"

	"github.com/grocify-tech/grocify/core/documents"
	"github.com/grocify-tech/grocify/core/logger"
	"github.com/grocify-tech/grocify/grocery/model"
)

// Sanitize makes s safe as a path segment: every dot is removed, not
// replaced, and the result is trimmed of surrounding whitespace. Sanitize is
// idempotent and never fails; an empty input yields an empty string.
func Sanitize(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, ".", ""))
}

// SanitizeKey returns key with its name and UPC sanitized.
func SanitizeKey(key model.Key) model.Key {
	return model.Key{
		Name: Sanitize(key.Name),
		UPC:  Sanitize(key.UPC),
	}
}

// KeyToUse returns the sanitized string under which an item without a
// persistent id is filed: its UPC if present, otherwise its name.
func KeyToUse(key model.Key) string {
	sanitized := SanitizeKey(key)
	if sanitized.UPC != "" {
		return sanitized.UPC
	}
	return sanitized.Name
}

// Node is one node of a nested value tree: either a leaf holding a scalar,
// or a branch holding named children.
type Node struct {
	value    interface{}
	children map[string]Node
	leaf     bool
}

// Leaf returns a leaf node holding v.
func Leaf(v interface{}) Node {
	return Node{value: v, leaf: true}
}

// Branch returns a branch node with the given children.
func Branch(children map[string]Node) Node {
	return Node{children: children}
}

// NodeFromValuesMap converts a store-specific values map into a tree of
// depth three: item key, value key, store name.
func NodeFromValuesMap(m model.StoreSpecificValuesMap) Node {
	items := make(map[string]Node, len(m))
	for itemKey, vals := range m {
		keys := make(map[string]Node, len(vals))
		for valueKey, stores := range vals {
			leaves := make(map[string]Node, len(stores))
			for store, v := range stores {
				leaves[store] = Leaf(v)
			}
			keys[string(valueKey)] = Branch(leaves)
		}
		items[itemKey] = Branch(keys)
	}
	return Branch(items)
}

// NodeFromLastPurchased converts a last-purchased map into a tree of depth
// two: item key, store name.
func NodeFromLastPurchased(m model.LastPurchasedMap) Node {
	items := make(map[string]Node, len(m))
	for itemKey, stores := range m {
		leaves := make(map[string]Node, len(stores))
		for store, ts := range stores {
			leaves[store] = Leaf(ts)
		}
		items[itemKey] = Branch(leaves)
	}
	return Branch(items)
}

// Flatten walks root depth-first and returns a flat patch mapping dotted
// leaf paths to leaf values, rooted at fieldPrefix. Every path segment is
// sanitized; a segment that sanitizes to empty drops its whole subtree,
// because an empty segment is not a valid field accessor. An empty root
// yields an empty map.
func Flatten(root Node, fieldPrefix string) map[string]interface{} {
	out := map[string]interface{}{}
	flattenInto(out, root, fieldPrefix, "")
	return out
}

func flattenInto(out map[string]interface{}, n Node, fieldPrefix, path string) {
	if n.leaf {
		if path == "" {
			return
		}
		out[fieldPrefix+"."+path] = n.value
		return
	}
	for key, child := range n.children {
		segment := Sanitize(key)
		if segment == "" {
			continue
		}
		childPath := segment
		if path != "" {
			childPath = path + "." + segment
		}
		flattenInto(out, child, fieldPrefix, childPath)
	}
}

// UnsetPaths returns a deletion patch that removes the subtrees of the given
// top-level keys under fieldPrefix. The value 1 is a removal marker with no
// further meaning. Empty keys are skipped; an empty input yields an empty
// map, and duplicate keys collapse into one entry.
func UnsetPaths(keys []string, fieldPrefix string) map[string]int {
	out := map[string]int{}
	for _, key := range keys {
		if key == "" {
			continue
		}
		out[fieldPrefix+"."+key] = 1
	}
	return out
}

// ReplacedValuesMap returns a copy of m with every item key replaced
// according to keyMapping. Keys without a mapping keep their original key.
// Used when a provisional item key (name or UPC) is replaced by the item's
// persistent id.
func ReplacedValuesMap(keyMapping map[string]string, m model.StoreSpecificValuesMap) model.StoreSpecificValuesMap {
	out := make(model.StoreSpecificValuesMap, len(m))
	for key, vals := range m {
		if newKey, ok := keyMapping[key]; ok && newKey != "" {
			key = newKey
		}
		out[key] = vals
	}
	return out
}

// Documents is the slice of the documents layer the service needs: a patch
// upsert and a typed read, both scoped to one user.
type Documents interface {
	Upsert(ctx context.Context, userID string, p documents.Patch) (documents.Result, error)
	GetInto(ctx context.Context, userID string, out interface{}) error
}

// Service applies value patches to the per-user store-specific-values and
// last-purchased documents.
type Service struct {
	values        Documents
	lastPurchased Documents
}

// NewService returns a service writing to the given document collections.
func NewService(values, lastPurchased Documents) *Service {
	return &Service{values: values, lastPurchased: lastPurchased}
}

// MergeStoreSpecificValues merges valuesToAdd into the user's
// store-specific-values document with a single upsert. If originalKey is
// non-empty, the subtree stored under that key is removed in the same
// operation; this replaces a provisional item key with the item's persistent
// id. An empty valuesToAdd is a no-op, not an error, and performs no
// persistence call. Persistence failures are returned unmodified.
func (s *Service) MergeStoreSpecificValues(ctx context.Context, itemID, userID string, valuesToAdd model.StoreSpecificValuesMap, originalKey string) (documents.Result, error) {
	if len(valuesToAdd) == 0 {
		return documents.Result{}, nil
	}
	patch := documents.Patch{
		Set: Flatten(NodeFromValuesMap(valuesToAdd), model.ValuesField),
	}
	if originalKey != "" {
		patch.Unset = UnsetPaths([]string{originalKey}, model.ValuesField)
	}
	logger.FromContext(ctx).Debugf("merge store-specific values: item %s, user %s, %d set, %d unset",
		itemID, userID, len(patch.Set), len(patch.Unset))
	return s.values.Upsert(ctx, userID, patch)
}

// RecordLastPurchased merges the given purchase timestamps into the user's
// last-purchased document. An empty map is a no-op.
func (s *Service) RecordLastPurchased(ctx context.Context, userID string, purchases model.LastPurchasedMap) (documents.Result, error) {
	if len(purchases) == 0 {
		return documents.Result{}, nil
	}
	patch := documents.Patch{
		Set: Flatten(NodeFromLastPurchased(purchases), model.ValuesField),
	}
	return s.lastPurchased.Upsert(ctx, userID, patch)
}

// RemoveItemKeys removes the subtrees of the given item keys from both the
// store-specific-values and the last-purchased document. Called when items
// are deleted.
func (s *Service) RemoveItemKeys(ctx context.Context, userID string, keys []string) error {
	unset := UnsetPaths(keys, model.ValuesField)
	if len(unset) == 0 {
		return nil
	}
	if _, err := s.values.Upsert(ctx, userID, documents.Patch{Unset: unset}); err != nil {
		return err
	}
	_, err := s.lastPurchased.Upsert(ctx, userID, documents.Patch{Unset: unset})
	return err
}

type valuesDocument struct {
	UserID string                       `json:"userId"`
	Values model.StoreSpecificValuesMap `json:"values"`
}

// PropagateStoreRename rewrites every leaf filed under oldStoreName to
// newStoreName across the user's whole store-specific-values document, in
// one upsert of staged sets and unsets. Store names double as the innermost
// map key, so a rename would otherwise orphan all values under the stale
// name. A rename to the same name, a missing document and a document without
// matching leaves are all no-ops.
func (s *Service) PropagateStoreRename(ctx context.Context, userID, oldStoreName, newStoreName string) error {
	if oldStoreName == newStoreName {
		return nil
	}
	var doc valuesDocument
	err := s.values.GetInto(ctx, userID, &doc)
	if err == documents.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	newStore := Sanitize(newStoreName)
	patch := documents.Patch{
		Set:   map[string]interface{}{},
		Unset: map[string]int{},
	}
	for itemKey, vals := range doc.Values {
		for valueKey, stores := range vals {
			for store, v := range stores {
				if store != oldStoreName || store == newStore {
					continue
				}
				base := model.ValuesField + "." + itemKey + "." + string(valueKey)
				if newStore != "" {
					patch.Set[base+"."+newStore] = v
				}
				patch.Unset[base+"."+store] = 1
			}
		}
	}
	if patch.IsEmpty() {
		return nil
	}
	logger.FromContext(ctx).Debugf("propagate store rename for user %s: %q -> %q, %d leaves",
		userID, oldStoreName, newStoreName, len(patch.Unset))
	_, err = s.values.Upsert(ctx, userID, patch)
	return err
}
