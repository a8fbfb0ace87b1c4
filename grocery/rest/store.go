package rest

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/grocify-tech/grocify/core/documents"
	"github.com/grocify-tech/grocify/grocery/model"
	"github.com/grocify-tech/grocify/grocery/values"
)

// storesField is the top-level field of the stores document.
const storesField = "stores"

type storesDocument struct {
	Stores map[string]model.Store `json:"stores"`
}

type saveStoreRequest struct {
	UserID   string      `json:"userId"`
	Password string      `json:"password"`
	Store    model.Store `json:"store"`
}

func (h *Handler) addStoreRoutes(router *mux.Router) {
	router.HandleFunc("/store", h.saveStore).Methods(http.MethodPost)
	router.HandleFunc("/store/user/{userId}", h.getUserStores).Methods(http.MethodGet)
	router.HandleFunc("/store", h.deleteStores).Methods(http.MethodDelete)
}

// saveStore creates or updates a store. The store name doubles as a path
// segment in the value documents, so it is stored sanitized; a name change
// propagates through every store-specific value of the user.
func (h *Handler) saveStore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req saveStoreRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	if _, err := h.authorize(ctx, req.UserID, req.Password); err != nil {
		h.writeError(ctx, w, err)
		return
	}

	store := req.Store
	store.Name = values.Sanitize(store.Name)
	if store.ID == "" {
		store.ID = uuid.NewString()
	}
	store.UserID = req.UserID

	var oldName string
	var doc storesDocument
	err := h.stores.GetInto(ctx, req.UserID, &doc)
	if err != nil && err != documents.ErrNotFound {
		h.writeError(ctx, w, err)
		return
	}
	if existing, ok := doc.Stores[store.ID]; ok {
		oldName = existing.Name
	}

	_, err = h.stores.Upsert(ctx, req.UserID, documents.Patch{
		Set: map[string]interface{}{storesField + "." + store.ID: store},
	})
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	if oldName != "" && oldName != store.Name {
		if err := h.values.PropagateStoreRename(ctx, req.UserID, oldName, store.Name); err != nil {
			h.writeError(ctx, w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, store)
}

func (h *Handler) getUserStores(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := mux.Vars(r)["userId"]

	var doc storesDocument
	err := h.stores.GetInto(ctx, userID, &doc)
	if err == documents.ErrNotFound {
		writeJSON(w, http.StatusOK, []model.Store{})
		return
	}
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	stores := make([]model.Store, 0, len(doc.Stores))
	for _, store := range doc.Stores {
		stores = append(stores, store)
	}
	writeJSON(w, http.StatusOK, stores)
}

func (h *Handler) deleteStores(w http.ResponseWriter, r *http.Request) {
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
	patch := documents.Patch{Unset: values.UnsetPaths(req.IDs, storesField)}
	if patch.IsEmpty() {
		writeJSON(w, http.StatusOK, map[string]int{"deleted": 0})
		return
	}
	if _, err := h.stores.Upsert(ctx, req.UserID, patch); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": len(req.IDs)})
}
