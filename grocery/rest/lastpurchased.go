package rest

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/grocify-tech/grocify/grocery/model"
)

type saveLastPurchasedRequest struct {
	UserID           string                 `json:"userId"`
	Password         string                 `json:"password"`
	LastPurchasedMap model.LastPurchasedMap `json:"lastPurchasedMap"`
}

func (h *Handler) addLastPurchasedRoutes(router *mux.Router) {
	router.HandleFunc("/lastPurchased/{userId}", h.getLastPurchased).Methods(http.MethodGet)
	router.HandleFunc("/lastPurchased", h.saveLastPurchased).Methods(http.MethodPost)
}

func (h *Handler) getLastPurchased(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := mux.Vars(r)["userId"]

	doc, err := h.lastPurchased.Get(ctx, userID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(json.RawMessage(doc))
}

func (h *Handler) saveLastPurchased(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req saveLastPurchasedRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	if _, err := h.authorize(ctx, req.UserID, req.Password); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	result, err := h.values.RecordLastPurchased(ctx, req.UserID, req.LastPurchasedMap)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
