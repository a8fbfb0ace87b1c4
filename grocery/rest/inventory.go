package rest

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/grocify-tech/grocify/core/documents"
	"github.com/grocify-tech/grocify/grocery/inventory"
	"github.com/grocify-tech/grocify/grocery/model"
)

type saveInventoryItemsRequest struct {
	UserID         string              `json:"userId"`
	Password       string              `json:"password"`
	InventoryItems []inventory.AddItem `json:"inventoryItems"`
}

type moveInventoryItemsRequest struct {
	UserID      string               `json:"userId"`
	Password    string               `json:"password"`
	ItemsToMove []inventory.MoveItem `json:"itemsToMove"`
}

type moveExpirationDatesRequest struct {
	UserID      string                     `json:"userId"`
	Password    string                     `json:"password"`
	ItemsToMove []inventory.MoveExpiration `json:"itemsToMove"`
}

type deleteInventoryItemsRequest struct {
	UserID         string                 `json:"userId"`
	Password       string                 `json:"password"`
	InventoryItems []inventory.RemoveItem `json:"inventoryItems"`
}

type inventoryLocationsRequest struct {
	UserID    string                    `json:"userId"`
	Password  string                    `json:"password"`
	Locations []model.InventoryLocation `json:"locations"`
}

func (h *Handler) addInventoryRoutes(router *mux.Router) {
	router.HandleFunc("/inventory/{userId}", h.getInventory).Methods(http.MethodGet)
	router.HandleFunc("/inventory/items", h.addInventoryItems).Methods(http.MethodPost)
	router.HandleFunc("/inventory/items/move", h.moveInventoryItems).Methods(http.MethodPost)
	router.HandleFunc("/inventory/items/move/expiration", h.moveExpirationDates).Methods(http.MethodPost)
	router.HandleFunc("/inventory/items", h.deleteInventoryItems).Methods(http.MethodDelete)
	router.HandleFunc("/inventory/locations", h.addInventoryLocations).Methods(http.MethodPost)
	router.HandleFunc("/inventory/locations", h.updateInventoryLocations).Methods(http.MethodPut)
	router.HandleFunc("/inventory/locations", h.deleteInventoryLocations).Methods(http.MethodDelete)
}

func (h *Handler) getInventory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := mux.Vars(r)["userId"]

	doc, err := h.inventory.Get(ctx, userID)
	if err == documents.ErrNotFound {
		writeJSON(w, http.StatusOK, inventory.Document{})
		return
	}
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) addInventoryItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req saveInventoryItemsRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	if _, err := h.authorize(ctx, req.UserID, req.Password); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if err := h.inventory.AddItems(ctx, req.UserID, req.InventoryItems); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	writeJSON(w, http.StatusOK, true)
}

func (h *Handler) moveInventoryItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req moveInventoryItemsRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	if _, err := h.authorize(ctx, req.UserID, req.Password); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if err := h.inventory.MoveItems(ctx, req.UserID, req.ItemsToMove); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	writeJSON(w, http.StatusOK, true)
}

func (h *Handler) moveExpirationDates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req moveExpirationDatesRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	if _, err := h.authorize(ctx, req.UserID, req.Password); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if err := h.inventory.MoveExpirationDates(ctx, req.UserID, req.ItemsToMove); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	writeJSON(w, http.StatusOK, true)
}

func (h *Handler) deleteInventoryItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req deleteInventoryItemsRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	if _, err := h.authorize(ctx, req.UserID, req.Password); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if err := h.inventory.RemoveItems(ctx, req.UserID, req.InventoryItems); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	writeJSON(w, http.StatusOK, true)
}

func (h *Handler) addInventoryLocations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req inventoryLocationsRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	if _, err := h.authorize(ctx, req.UserID, req.Password); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if err := h.inventory.AddLocations(ctx, req.UserID, req.Locations); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	writeJSON(w, http.StatusOK, true)
}

func (h *Handler) updateInventoryLocations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req inventoryLocationsRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	if _, err := h.authorize(ctx, req.UserID, req.Password); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if err := h.inventory.UpdateLocations(ctx, req.UserID, req.Locations); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	writeJSON(w, http.StatusOK, true)
}

func (h *Handler) deleteInventoryLocations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req inventoryLocationsRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	if _, err := h.authorize(ctx, req.UserID, req.Password); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	ids := make([]string, 0, len(req.Locations))
	for _, location := range req.Locations {
		ids = append(ids, location.ID)
	}
	if err := h.inventory.DeleteLocations(ctx, req.UserID, ids); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	writeJSON(w, http.StatusOK, true)
}
