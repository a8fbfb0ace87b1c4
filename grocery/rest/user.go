package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"
	"unicode"

	"github.com/gorilla/mux"

	"github.com/grocify-tech/grocify/core/access"
	"github.com/grocify-tech/grocify/core/documents"
	"github.com/grocify-tech/grocify/core/events"
	"github.com/grocify-tech/grocify/core/logger"
	"github.com/grocify-tech/grocify/core/pointers"
)

type userRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	// HasPaid is optional; a request without it leaves the stored flag alone.
	HasPaid *bool `json:"hasPaid,omitempty"`
}

func (h *Handler) addUserRoutes(router *mux.Router) {
	router.HandleFunc("/user", h.createUser).Methods(http.MethodPost)
	router.HandleFunc("/user/login", h.login).Methods(http.MethodPost)
	router.HandleFunc("/user/isPasswordSame", h.isPasswordSame).Methods(http.MethodPost)
	router.HandleFunc("/user/{email}", h.getUserRoute).Methods(http.MethodGet)
	router.HandleFunc("/user", h.updateUser).Methods(http.MethodPut)
	router.HandleFunc("/user/{email}", h.deleteUser).Methods(http.MethodDelete)
}

// validatePassword enforces the password policy: at least 8 characters with
// an upper-case letter, a lower-case letter, a digit and a special character.
func validatePassword(password string) error {
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			special = true
		}
	}
	if len(password) < 8 || !upper || !lower || !digit || !special {
		return fmt.Errorf("password must be at least 8 characters long and contain an uppercase letter, a lowercase letter, a digit and a special character")
	}
	return nil
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req userRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	if req.Email == "" {
		h.writeError(ctx, w, badRequest(fmt.Errorf("email must not be empty")))
		return
	}
	if err := validatePassword(req.Password); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	if _, err := h.users.Get(ctx, req.Email); err == nil {
		h.writeError(ctx, w, badRequest(fmt.Errorf("user '%s' already exists", req.Email)))
		return
	} else if err != documents.ErrNotFound {
		h.writeError(ctx, w, err)
		return
	}

	hash, err := access.HashPassword(req.Password)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	doc := userDocument{
		Email:     req.Email,
		Hash:      hash,
		HasPaid:   pointers.SafeBool(req.HasPaid),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := h.users.Replace(ctx, req.Email, doc); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	logger.FromContext(ctx).Infoln("created user", req.Email)
	writeJSON(w, http.StatusCreated, doc.user(req.Email))
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req userRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	user, err := h.getUser(ctx, req.Email)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if err := access.CheckAuthorized(req.Password, user.Hash); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	token, err := h.tokens.Issue(req.Email)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *Handler) isPasswordSame(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req userRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	user, err := h.getUser(ctx, req.Email)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, access.ComparePasswords(req.Password, user.Hash))
}

func (h *Handler) getUserRoute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	email := mux.Vars(r)["email"]
	user, err := h.getUser(ctx, email)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, user.user(email))
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req userRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	if err := validatePassword(req.Password); err != nil {
		h.writeError(ctx, w, badRequest(err))
		return
	}
	current, err := h.getUser(ctx, req.Email)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	hash, err := access.HashPassword(req.Password)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	hasPaid := current.HasPaid
	if req.HasPaid != nil {
		hasPaid = *req.HasPaid
	}
	doc := userDocument{
		Email:     req.Email,
		Hash:      hash,
		HasPaid:   hasPaid,
		CreatedAt: current.CreatedAt,
	}
	if err := h.users.Replace(ctx, req.Email, doc); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	h.raiseUserEvent(ctx, EventUserUpdated, req.Email)
	writeJSON(w, http.StatusOK, doc.user(req.Email))
}

// deleteUser removes the account and everything stored for it: items,
// stores, both value documents, the inventory and all stored images. The
// deletes are independent; there is no cross-document transaction here.
func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	email := mux.Vars(r)["email"]

	if err := h.users.Delete(ctx, email); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	for _, c := range []*documents.Collection{h.items, h.stores, h.valuesDocs, h.lastPurchased} {
		if err := c.Delete(ctx, email); err != nil {
			h.writeError(ctx, w, err)
			return
		}
	}
	if err := h.inventory.DeleteAll(ctx, email); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if err := h.images.DeleteUserImages(ctx, email); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	h.raiseUserEvent(ctx, EventUserDeleted, email)
	h.userCache.Delete(email)
	logger.FromContext(ctx).Infoln("deleted user", email)
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// raiseUserEvent queues a user mutation event; the registered handler evicts
// the cache entry when the event is delivered. Without a broker the eviction
// happens inline.
func (h *Handler) raiseUserEvent(ctx context.Context, eventType, userID string) {
	if h.broker == nil {
		h.userCache.Delete(userID)
		return
	}
	if err := h.broker.Raise(ctx, events.Event{Type: eventType, Key: userID}); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot raise event", eventType)
	}
}
