/*Package rest exposes the grocify API over HTTP.

The handlers are thin: they authenticate the caller, decode the request and
delegate to the services. All mutation of the sparse value documents goes
through the values engine; handlers never patch those documents directly,
except for the item deletion cascade which composes the inventory cleanup
and the values cleanup inside one transaction.

Every route accepts either the user's password in the request body, exactly
like the original clients send it, or a bearer token obtained from the login
route.
*/
package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/grocify-tech/grocify/core/access"
	"github.com/grocify-tech/grocify/core/cache"
	"github.com/grocify-tech/grocify/core/documents"
	"github.com/grocify-tech/grocify/core/events"
	"github.com/grocify-tech/grocify/core/logger"
	"github.com/grocify-tech/grocify/grocery/images"
	"github.com/grocify-tech/grocify/grocery/inventory"
	"github.com/grocify-tech/grocify/grocery/model"
	"github.com/grocify-tech/grocify/grocery/values"
	"github.com/grocify-tech/grocify/grocery/vision"
)

// Event types raised by the handlers.
const (
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"
	EventItemUpdated = "item.updated"
	EventItemDeleted = "item.deleted"
)

// Handler carries the services behind the REST surface.
type Handler struct {
	store         *documents.Store
	users         *documents.Collection
	items         *documents.Collection
	stores        *documents.Collection
	valuesDocs    *documents.Collection
	lastPurchased *documents.Collection

	values    *values.Service
	inventory *inventory.Service
	images    *images.Service
	vision    *vision.Client

	userCache *cache.Cache
	tokens    *access.TokenIssuer
	broker    *events.Broker
}

// New creates the handler and its collections, and registers the event
// handlers that keep the user cache consistent.
func New(store *documents.Store, inv *inventory.Service, img *images.Service,
	vis *vision.Client, userCache *cache.Cache, tokens *access.TokenIssuer,
	broker *events.Broker) (*Handler, error) {

	users, err := store.Collection(model.CollectionUsers)
	if err != nil {
		return nil, err
	}
	items, err := store.Collection(model.CollectionItems)
	if err != nil {
		return nil, err
	}
	stores, err := store.Collection(model.CollectionStores)
	if err != nil {
		return nil, err
	}
	valuesDocs, err := store.Collection(model.CollectionStoreSpecificValues)
	if err != nil {
		return nil, err
	}
	lastPurchased, err := store.Collection(model.CollectionLastPurchased)
	if err != nil {
		return nil, err
	}

	h := &Handler{
		store:         store,
		users:         users,
		items:         items,
		stores:        stores,
		valuesDocs:    valuesDocs,
		lastPurchased: lastPurchased,
		values:        values.NewService(valuesDocs, lastPurchased),
		inventory:     inv,
		images:        img,
		vision:        vis,
		userCache:     userCache,
		tokens:        tokens,
		broker:        broker,
	}
	if broker != nil {
		// keep the per-process user cache in sync with user mutations
		evict := func(ctx context.Context, ev events.Event) error {
			h.userCache.Delete(ev.Key)
			return nil
		}
		broker.HandleEvent(EventUserUpdated, evict)
		broker.HandleEvent(EventUserDeleted, evict)
	}
	return h, nil
}

// Routes registers all REST routes on the given router and returns it
// wrapped with logging, CORS, compression and token middleware. The router
// is passed in so other components, like the local filesystem storage, can
// share it.
func (h *Handler) Routes(router *mux.Router) http.Handler {
	logger.AddRequestID(router)
	if h.tokens != nil {
		router.Use(h.tokens.Middleware())
	}

	h.addUserRoutes(router)
	h.addItemRoutes(router)
	h.addStoreRoutes(router)
	h.addLastPurchasedRoutes(router)
	h.addInventoryRoutes(router)
	h.addStorageRoutes(router)
	h.addVisionRoutes(router)

	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(handlers.CompressHandler(router))
}

// userDocument is the persisted shape of a user account. The password hash
// never leaves the service.
type userDocument struct {
	Email     string `json:"email"`
	Hash      string `json:"hash"`
	HasPaid   bool   `json:"hasPaid"`
	CreatedAt string `json:"createdAt,omitempty"`
}

func (d userDocument) user(id string) model.User {
	return model.User{ID: id, Email: d.Email, HasPaid: d.HasPaid}
}

// getUser loads a user through the cache.
func (h *Handler) getUser(ctx context.Context, userID string) (userDocument, error) {
	if cached, ok := h.userCache.Get(userID); ok {
		return cached.(userDocument), nil
	}
	var doc userDocument
	if err := h.users.GetInto(ctx, userID, &doc); err != nil {
		if err == documents.ErrNotFound {
			return doc, fmt.Errorf("no user with id of '%s' found: %w", userID, err)
		}
		return doc, err
	}
	h.userCache.Set(userID, doc)
	return doc, nil
}

// authorize checks the caller's credential for userID: the password from
// the request body if given, otherwise the bearer token identity.
func (h *Handler) authorize(ctx context.Context, userID, password string) (userDocument, error) {
	user, err := h.getUser(ctx, userID)
	if err != nil {
		return user, err
	}
	if password == "" {
		if access.IdentityFromContext(ctx) == userID {
			return user, nil
		}
		return user, access.ErrNotAuthorized
	}
	if err := access.CheckAuthorized(password, user.Hash); err != nil {
		return user, err
	}
	return user, nil
}

func decodeBody(r *http.Request, into interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Message string `json:"message"`
}

// writeError translates propagated errors into HTTP status codes. The
// services never swallow errors, so the translation happens here only.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, access.ErrNotAuthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, documents.ErrNotFound):
		status = http.StatusNotFound
	case isBadRequest(err):
		status = http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError {
		logger.FromContext(ctx).WithError(err).Errorln("request failed")
	} else {
		logger.FromContext(ctx).WithError(err).Debugln("request rejected")
	}
	writeJSON(w, status, errorResponse{Message: err.Error()})
}

// badRequestError marks a client error.
type badRequestError struct{ err error }

func (e badRequestError) Error() string { return e.err.Error() }
func (e badRequestError) Unwrap() error { return e.err }

func badRequest(err error) error {
	if err == nil {
		return nil
	}
	return badRequestError{err: err}
}

func isBadRequest(err error) bool {
	_, ok := err.(badRequestError)
	return ok
}
