package rest

import (
	"database/sql"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/grocify-tech/grocify/core/documents"
	"github.com/grocify-tech/grocify/core/events"
	"github.com/grocify-tech/grocify/core/logger"
	"github.com/grocify-tech/grocify/grocery/model"
	"github.com/grocify-tech/grocify/grocery/values"
)

// itemsField is the top-level field of the items document.
const itemsField = "items"

type itemsDocument struct {
	Items map[string]model.Item `json:"items"`
}

type saveItemRequest struct {
	UserID                 string                       `json:"userId"`
	Password               string                       `json:"password"`
	Item                   model.Item                   `json:"item"`
	StoreSpecificValuesMap model.StoreSpecificValuesMap `json:"storeSpecificValuesMap,omitempty"`
	// OriginalKey is the provisional key (name or UPC) the item's values were
	// filed under before the item got its persistent id.
	OriginalKey string `json:"originalKey,omitempty"`
}

type deleteManyRequest struct {
	UserID   string   `json:"userId"`
	Password string   `json:"password"`
	IDs      []string `json:"ids"`
}

func (h *Handler) addItemRoutes(router *mux.Router) {
	router.HandleFunc("/item", h.saveItem).Methods(http.MethodPost)
	router.HandleFunc("/item/user/{userId}", h.getUserItems).Methods(http.MethodGet)
	router.HandleFunc("/item", h.deleteItems).Methods(http.MethodDelete)
}

// saveItem stores the item and merges its store-specific values. When the
// item receives its persistent id here, the values staged under the
// provisional key are re-keyed to the id and the provisional subtree is
// unset in the same upsert.
func (h *Handler) saveItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req saveItemRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	if _, err := h.authorize(ctx, req.UserID, req.Password); err != nil {
		h.writeError(ctx, w, err)
		return
	}

	item := req.Item
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.UserID = req.UserID

	_, err := h.items.Upsert(ctx, req.UserID, documents.Patch{
		Set: map[string]interface{}{itemsField + "." + item.ID: item},
	})
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	valuesToAdd := req.StoreSpecificValuesMap
	if req.OriginalKey != "" {
		valuesToAdd = values.ReplacedValuesMap(map[string]string{req.OriginalKey: item.ID}, valuesToAdd)
	}
	if _, err := h.values.MergeStoreSpecificValues(ctx, item.ID, req.UserID, valuesToAdd, req.OriginalKey); err != nil {
		h.writeError(ctx, w, err)
		return
	}

	if h.broker != nil {
		payload, _ := json.Marshal(item)
		if err := h.broker.Raise(ctx, events.Event{Type: EventItemUpdated, Key: req.UserID, Payload: payload}); err != nil {
			logger.FromContext(ctx).WithError(err).Errorln("cannot raise event", EventItemUpdated)
		}
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) getUserItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := mux.Vars(r)["userId"]

	var doc itemsDocument
	err := h.items.GetInto(ctx, userID, &doc)
	if err == documents.ErrNotFound {
		writeJSON(w, http.StatusOK, []model.Item{})
		return
	}
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	items := make([]model.Item, 0, len(doc.Items))
	for _, item := range doc.Items {
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, items)
}

// deleteItems removes items together with their inventory stock and their
// value subtrees. The document updates run in one transaction: a partially
// deleted inventory with dangling store-specific values is an inconsistent
// state, so these changes happen atomically or not at all. Stored images
// are deleted afterwards, outside the transaction.
func (h *Handler) deleteItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req deleteManyRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	if _, err := h.authorize(ctx, req.UserID, req.Password); err != nil {
		h.writeError(ctx, w, err)
		return
	}

	err := h.store.WithinTransaction(ctx, func(tx *sql.Tx) error {
		unsetItems := documents.Patch{Unset: values.UnsetPaths(req.IDs, itemsField)}
		if unsetItems.IsEmpty() {
			return nil
		}
		if _, err := h.items.UpsertTx(ctx, tx, req.UserID, unsetItems); err != nil {
			return err
		}
		if err := h.inventory.RemoveItemRefsTx(ctx, tx, req.UserID, req.IDs); err != nil {
			return err
		}
		unsetValues := documents.Patch{Unset: values.UnsetPaths(req.IDs, model.ValuesField)}
		if _, err := h.valuesDocs.UpsertTx(ctx, tx, req.UserID, unsetValues); err != nil {
			return err
		}
		if _, err := h.lastPurchased.UpsertTx(ctx, tx, req.UserID, unsetValues); err != nil {
			return err
		}
		if h.broker == nil {
			return nil
		}
		// raised in the same transaction: the event exists exactly when the
		// cascade was committed
		payload, _ := json.Marshal(req.IDs)
		return h.broker.RaiseTx(ctx, tx, events.Event{Type: EventItemDeleted, Key: req.UserID, Payload: payload})
	})
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	for _, id := range req.IDs {
		if id == "" {
			continue
		}
		if err := h.images.DeleteItemImages(ctx, req.UserID, id); err != nil {
			logger.FromContext(ctx).WithError(err).Errorln("cannot delete images of item", id)
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": len(req.IDs)})
}
