package rest

import (
	"net/http"

	"github.com/gorilla/mux"
)

type signedURLRequest struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
	ItemID   string `json:"itemId"`
	Index    int    `json:"index"`
}

type visionRequest struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
	Image    string `json:"image"`
}

func (h *Handler) addStorageRoutes(router *mux.Router) {
	router.HandleFunc("/s3/signedUrlForUpload", h.signedURLForUpload).Methods(http.MethodPost)
	router.HandleFunc("/s3/signedUrlForDownload", h.signedURLForDownload).Methods(http.MethodPost)
}

func (h *Handler) addVisionRoutes(router *mux.Router) {
	router.HandleFunc("/openAi/processGroceryList", h.processGroceryList).Methods(http.MethodPost)
}

func (h *Handler) signedURLForUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req signedURLRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	if _, err := h.authorize(ctx, req.UserID, req.Password); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	url, err := h.images.UploadURL(ctx, req.UserID, req.ItemID, req.Index)
	if err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (h *Handler) signedURLForDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req signedURLRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	if _, err := h.authorize(ctx, req.UserID, req.Password); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	url, err := h.images.DownloadURL(ctx, req.UserID, req.ItemID, req.Index)
	if err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (h *Handler) processGroceryList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req visionRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	if _, err := h.authorize(ctx, req.UserID, req.Password); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	completion, err := h.vision.ProcessGroceryList(ctx, req.Image)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, completion)
}
