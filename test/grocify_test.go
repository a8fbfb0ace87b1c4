package test

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/grocify-tech/grocify/core/events"
	"github.com/grocify-tech/grocify/grocery/inventory"
	"github.com/grocify-tech/grocify/grocery/model"
)

const testPassword = "Sup3r!secret"

// document shapes as stored, for direct verification behind the API
type storeValuesDoc struct {
	Values map[string]map[string]map[string]interface{} `json:"values"`
}

type lastPurchasedDoc struct {
	Values map[string]map[string]float64 `json:"values"`
}

type itemsDoc struct {
	Items map[string]model.Item `json:"items"`
}

func (s *IntegrationTestSuite) createUser(email string) {
	status, err := s.client.Post("/user", map[string]interface{}{
		"email":    email,
		"password": testPassword,
	}, nil)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusCreated, status)
}

func futureMillis(d time.Duration) string {
	return strconv.FormatInt(time.Now().Add(d).UnixMilli(), 10)
}

func (s *IntegrationTestSuite) TestUserLifecycle() {
	email := "lifecycle@example.com"
	s.createUser(email)

	// duplicate registration is rejected
	status, err := s.client.Post("/user", map[string]interface{}{
		"email": email, "password": testPassword,
	}, nil)
	s.Error(err)
	s.Equal(http.StatusBadRequest, status)

	var login map[string]string
	status, err = s.client.Post("/user/login", map[string]interface{}{
		"email": email, "password": testPassword,
	}, &login)
	s.Require().NoError(err)
	s.Equal(http.StatusOK, status)
	s.NotEmpty(login["token"])

	status, err = s.client.Post("/user/login", map[string]interface{}{
		"email": email, "password": "Wrong1!pass",
	}, nil)
	s.Error(err)
	s.Equal(http.StatusUnauthorized, status)

	var same bool
	_, err = s.client.Post("/user/isPasswordSame", map[string]interface{}{
		"email": email, "password": testPassword,
	}, &same)
	s.Require().NoError(err)
	s.True(same)

	var user model.User
	_, err = s.client.Get("/user/"+email, &user)
	s.Require().NoError(err)
	s.Equal(email, user.ID)
	s.Equal(email, user.Email)

	// the bearer token authorizes requests without a password
	authed := s.client.WithToken(login["token"])
	var item model.Item
	_, err = authed.Post("/item", map[string]interface{}{
		"userId": email,
		"item":   map[string]interface{}{"name": "milk"},
	}, &item)
	s.Require().NoError(err)
	s.NotEmpty(item.ID)

	// without token nor password the same request is unauthorized
	status, err = s.client.Post("/item", map[string]interface{}{
		"userId": email,
		"item":   map[string]interface{}{"name": "milk"},
	}, nil)
	s.Error(err)
	s.Equal(http.StatusUnauthorized, status)

	_, err = s.client.Delete("/user/"+email, nil, nil)
	s.Require().NoError(err)
	status, err = s.client.Get("/user/"+email, nil)
	s.Error(err)
	s.Equal(http.StatusNotFound, status)
}

// TestItemValuesMerge saves an item whose store-specific values were staged
// under a provisional key, and checks that the values end up re-keyed to the
// item id with the provisional subtree removed, while values of other items
// survive the merge.
func (s *IntegrationTestSuite) TestItemValuesMerge() {
	email := "merge@example.com"
	s.createUser(email)
	ctx := context.Background()
	valuesDocs := s.store.MustCollection(model.CollectionStoreSpecificValues)

	// a sibling item's values, present before the merge
	var sibling model.Item
	_, err := s.client.Post("/item", map[string]interface{}{
		"userId":   email,
		"password": testPassword,
		"item":     map[string]interface{}{"_id": "sibling", "name": "butter"},
		"storeSpecificValuesMap": map[string]interface{}{
			"sibling": map[string]interface{}{
				"price": map[string]interface{}{"costco": 4.99},
			},
		},
	}, &sibling)
	s.Require().NoError(err)

	var item model.Item
	_, err = s.client.Post("/item", map[string]interface{}{
		"userId":   email,
		"password": testPassword,
		"item":     map[string]interface{}{"name": "cheddar cheese"},
		"storeSpecificValuesMap": map[string]interface{}{
			"cheddar cheese": map[string]interface{}{
				"price":       map[string]interface{}{"costco": 7.49, "target": 8.99},
				"aisleNumber": map[string]interface{}{"target": "12"},
			},
		},
		"originalKey": "cheddar cheese",
	}, &item)
	s.Require().NoError(err)
	s.Require().NotEmpty(item.ID)

	var doc storeValuesDoc
	s.Require().NoError(valuesDocs.GetInto(ctx, email, &doc))
	s.Equal(7.49, doc.Values[item.ID]["price"]["costco"])
	s.Equal(8.99, doc.Values[item.ID]["price"]["target"])
	s.Equal("12", doc.Values[item.ID]["aisleNumber"]["target"])
	s.NotContains(doc.Values, "cheddar cheese", "provisional key must be unset in the same upsert")
	s.Equal(4.99, doc.Values["sibling"]["price"]["costco"], "merge must not clobber other items")

	// a later partial merge updates one leaf and keeps the rest
	_, err = s.client.Post("/item", map[string]interface{}{
		"userId":   email,
		"password": testPassword,
		"item":     map[string]interface{}{"_id": item.ID, "name": "cheddar cheese"},
		"storeSpecificValuesMap": map[string]interface{}{
			item.ID: map[string]interface{}{
				"price": map[string]interface{}{"target": 7.99},
			},
		},
	}, nil)
	s.Require().NoError(err)
	doc = storeValuesDoc{}
	s.Require().NoError(valuesDocs.GetInto(ctx, email, &doc))
	s.Equal(7.99, doc.Values[item.ID]["price"]["target"])
	s.Equal(7.49, doc.Values[item.ID]["price"]["costco"])
	s.Equal("12", doc.Values[item.ID]["aisleNumber"]["target"])

	var items []model.Item
	_, err = s.client.Get("/item/user/"+email, &items)
	s.Require().NoError(err)
	s.Len(items, 2)
}

func (s *IntegrationTestSuite) TestStoreRenamePropagation() {
	email := "rename@example.com"
	s.createUser(email)
	ctx := context.Background()
	valuesDocs := s.store.MustCollection(model.CollectionStoreSpecificValues)

	_, err := s.client.Post("/item", map[string]interface{}{
		"userId":   email,
		"password": testPassword,
		"item":     map[string]interface{}{"_id": "item1", "name": "eggs"},
		"storeSpecificValuesMap": map[string]interface{}{
			"item1": map[string]interface{}{
				"price":       map[string]interface{}{"target": 3.29, "costco": 2.99},
				"aisleNumber": map[string]interface{}{"target": "7"},
			},
		},
	}, nil)
	s.Require().NoError(err)

	var store model.Store
	_, err = s.client.Post("/store", map[string]interface{}{
		"userId":   email,
		"password": testPassword,
		"store":    map[string]interface{}{"_id": "st1", "name": "target"},
	}, &store)
	s.Require().NoError(err)
	s.Equal("target", store.Name)

	// renaming the store moves every leaf filed under the old name
	_, err = s.client.Post("/store", map[string]interface{}{
		"userId":   email,
		"password": testPassword,
		"store":    map[string]interface{}{"_id": "st1", "name": "target in st. paul"},
	}, &store)
	s.Require().NoError(err)
	s.Equal("target in st paul", store.Name, "store names are stored sanitized")

	var doc storeValuesDoc
	s.Require().NoError(valuesDocs.GetInto(ctx, email, &doc))
	s.Equal(3.29, doc.Values["item1"]["price"]["target in st paul"])
	s.Equal("7", doc.Values["item1"]["aisleNumber"]["target in st paul"])
	s.NotContains(doc.Values["item1"]["price"], "target")
	s.NotContains(doc.Values["item1"]["aisleNumber"], "target")
	s.Equal(2.99, doc.Values["item1"]["price"]["costco"], "other stores stay untouched")
}

func (s *IntegrationTestSuite) TestLastPurchased() {
	email := "purchased@example.com"
	s.createUser(email)

	ts := time.Now().UnixMilli()
	_, err := s.client.Post("/lastPurchased", map[string]interface{}{
		"userId":   email,
		"password": testPassword,
		"lastPurchasedMap": map[string]interface{}{
			"item1": map[string]interface{}{"target": ts},
		},
	}, nil)
	s.Require().NoError(err)

	var doc lastPurchasedDoc
	_, err = s.client.Get("/lastPurchased/"+email, &doc)
	s.Require().NoError(err)
	s.Equal(float64(ts), doc.Values["item1"]["target"])
}

// TestItemDeletionCascade deletes an item and verifies that its list entry,
// its inventory stock and both value subtrees disappear together.
func (s *IntegrationTestSuite) TestItemDeletionCascade() {
	email := "cascade@example.com"
	s.createUser(email)
	ctx := context.Background()

	body := map[string]interface{}{"userId": email, "password": testPassword}

	_, err := s.client.Post("/item", mergeBody(body, map[string]interface{}{
		"item": map[string]interface{}{"_id": "del1", "name": "yogurt"},
		"storeSpecificValuesMap": map[string]interface{}{
			"del1": map[string]interface{}{"price": map[string]interface{}{"target": 1.99}},
		},
	}), nil)
	s.Require().NoError(err)
	_, err = s.client.Post("/item", mergeBody(body, map[string]interface{}{
		"item": map[string]interface{}{"_id": "keep1", "name": "granola"},
		"storeSpecificValuesMap": map[string]interface{}{
			"keep1": map[string]interface{}{"price": map[string]interface{}{"target": 5.49}},
		},
	}), nil)
	s.Require().NoError(err)

	_, err = s.client.Post("/lastPurchased", mergeBody(body, map[string]interface{}{
		"lastPurchasedMap": map[string]interface{}{
			"del1": map[string]interface{}{"target": time.Now().UnixMilli()},
		},
	}), nil)
	s.Require().NoError(err)

	ts := futureMillis(48 * time.Hour)
	_, err = s.client.Post("/inventory/items", mergeBody(body, map[string]interface{}{
		"inventoryItems": []map[string]interface{}{
			{"locationId": "fridge", "itemId": "del1", "expirationDates": map[string]float64{ts: 2}},
			{"locationId": "fridge", "itemId": "keep1", "expirationDates": map[string]float64{ts: 1}},
		},
	}), nil)
	s.Require().NoError(err)

	_, err = s.client.Delete("/item", mergeBody(body, map[string]interface{}{
		"ids": []string{"del1"},
	}), nil)
	s.Require().NoError(err)

	var items itemsDoc
	s.Require().NoError(s.store.MustCollection(model.CollectionItems).GetInto(ctx, email, &items))
	s.NotContains(items.Items, "del1")
	s.Contains(items.Items, "keep1")

	var vals storeValuesDoc
	s.Require().NoError(s.store.MustCollection(model.CollectionStoreSpecificValues).GetInto(ctx, email, &vals))
	s.NotContains(vals.Values, "del1")
	s.Contains(vals.Values, "keep1")

	var purchased lastPurchasedDoc
	s.Require().NoError(s.store.MustCollection(model.CollectionLastPurchased).GetInto(ctx, email, &purchased))
	s.NotContains(purchased.Values, "del1")

	inv, err := s.inventory.Get(ctx, email)
	s.Require().NoError(err)
	s.NotContains(inv.Items["fridge"], "del1")
	s.Contains(inv.Items["fridge"], "keep1")
}

func (s *IntegrationTestSuite) TestInventoryFlow() {
	email := "inventory@example.com"
	s.createUser(email)
	ctx := context.Background()
	body := map[string]interface{}{"userId": email, "password": testPassword}

	_, err := s.client.Post("/inventory/locations", mergeBody(body, map[string]interface{}{
		"locations": []map[string]interface{}{
			{"_id": "pantry", "name": "Pantry"},
			{"_id": "freezer", "name": "Freezer"},
		},
	}), nil)
	s.Require().NoError(err)

	tsA := futureMillis(24 * time.Hour)
	tsB := futureMillis(72 * time.Hour)
	_, err = s.client.Post("/inventory/items", mergeBody(body, map[string]interface{}{
		"inventoryItems": []map[string]interface{}{
			{"locationId": "pantry", "itemId": "beans", "expirationDates": map[string]float64{tsA: 3, tsB: 2}},
		},
	}), nil)
	s.Require().NoError(err)

	// expiration dates in the past are rejected
	status, err := s.client.Post("/inventory/items", mergeBody(body, map[string]interface{}{
		"inventoryItems": []map[string]interface{}{
			{"locationId": "pantry", "itemId": "beans", "expirationDates": map[string]float64{"1000": 1}},
		},
	}), nil)
	s.Error(err)
	s.Equal(http.StatusBadRequest, status)

	var doc inventory.Document
	_, err = s.client.Get("/inventory/"+email, &doc)
	s.Require().NoError(err)
	s.Equal(float64(3), doc.Items["pantry"]["beans"].ExpirationDates[tsA])
	s.Equal("Pantry", doc.Locations["pantry"].Name)

	// moving more than available fails the whole call and changes nothing
	status, err = s.client.Post("/inventory/items/move/expiration", mergeBody(body, map[string]interface{}{
		"itemsToMove": []map[string]interface{}{
			{"originLocationId": "pantry", "targetLocationId": "freezer", "itemId": "beans",
				"expirationDates": map[string]float64{tsA: 1, tsB: 5}},
		},
	}), nil)
	s.Error(err)
	s.Equal(http.StatusBadRequest, status)
	inv, err := s.inventory.Get(ctx, email)
	s.Require().NoError(err)
	s.Equal(float64(3), inv.Items["pantry"]["beans"].ExpirationDates[tsA], "failed move must roll back entirely")
	s.Empty(inv.Items["freezer"])

	_, err = s.client.Post("/inventory/items/move/expiration", mergeBody(body, map[string]interface{}{
		"itemsToMove": []map[string]interface{}{
			{"originLocationId": "pantry", "targetLocationId": "freezer", "itemId": "beans",
				"expirationDates": map[string]float64{tsA: 1, tsB: 2}},
		},
	}), nil)
	s.Require().NoError(err)
	inv, err = s.inventory.Get(ctx, email)
	s.Require().NoError(err)
	s.Equal(float64(2), inv.Items["pantry"]["beans"].ExpirationDates[tsA])
	s.NotContains(inv.Items["pantry"]["beans"].ExpirationDates, tsB, "entries reaching zero are removed")
	s.Equal(float64(1), inv.Items["freezer"]["beans"].ExpirationDates[tsA])
	s.Equal(float64(2), inv.Items["freezer"]["beans"].ExpirationDates[tsB])

	_, err = s.client.Post("/inventory/items/move", mergeBody(body, map[string]interface{}{
		"itemsToMove": []map[string]interface{}{
			{"originLocationId": "freezer", "targetLocationId": "pantry", "itemId": "beans"},
		},
	}), nil)
	s.Require().NoError(err)
	inv, err = s.inventory.Get(ctx, email)
	s.Require().NoError(err)
	s.NotContains(inv.Items["freezer"], "beans")
	s.Equal(float64(2), inv.Items["pantry"]["beans"].ExpirationDates[tsB], "whole subtree replaces the target")

	_, err = s.client.Delete("/inventory/items", mergeBody(body, map[string]interface{}{
		"inventoryItems": []map[string]interface{}{
			{"locationId": "pantry", "itemId": "beans", "expirationDates": map[string]float64{tsB: 5}},
		},
	}), nil)
	s.Require().NoError(err)
	inv, err = s.inventory.Get(ctx, email)
	s.Require().NoError(err)
	s.NotContains(inv.Items["pantry"]["beans"].ExpirationDates, tsB)

	_, err = s.client.Put("/inventory/locations", mergeBody(body, map[string]interface{}{
		"locations": []map[string]interface{}{{"_id": "freezer", "name": "Garage Freezer"}},
	}), nil)
	s.Require().NoError(err)
	_, err = s.client.Delete("/inventory/locations", mergeBody(body, map[string]interface{}{
		"locations": []map[string]interface{}{{"_id": "pantry", "name": "Pantry"}},
	}), nil)
	s.Require().NoError(err)
	inv, err = s.inventory.Get(ctx, email)
	s.Require().NoError(err)
	s.NotContains(inv.Locations, "pantry")
	s.NotContains(inv.Items, "pantry")
	s.Equal("Garage Freezer", inv.Locations["freezer"].Name)
}

// TestUserEventDelivery checks the outbox path: a user update queues an
// event, and delivering it evicts the cached user.
func (s *IntegrationTestSuite) TestUserEventDelivery() {
	email := "events@example.com"
	s.createUser(email)

	// warm the cache
	var user model.User
	_, err := s.client.Get("/user/"+email, &user)
	s.Require().NoError(err)
	_, cached := s.userCache.Get(email)
	s.Require().True(cached)

	_, err = s.client.Put("/user", map[string]interface{}{
		"email": email, "password": testPassword, "hasPaid": true,
	}, nil)
	s.Require().NoError(err)

	s.drainEvents()
	_, cached = s.userCache.Get(email)
	s.False(cached, "delivered update event must evict the cached user")

	_, err = s.client.Get("/user/"+email, &user)
	s.Require().NoError(err)
	s.True(user.HasPaid)
}

// TestEventRedeliveryBackoff checks that a failed delivery burns one attempt
// and is then delayed, instead of being re-claimed immediately by the next
// drain pass.
func (s *IntegrationTestSuite) TestEventRedeliveryBackoff() {
	ctx := context.Background()

	calls := 0
	s.broker.HandleEvent("inventory.audit", func(ctx context.Context, ev events.Event) error {
		calls++
		return fmt.Errorf("downstream unavailable")
	})
	s.Require().NoError(s.broker.Raise(ctx, events.Event{Type: "inventory.audit", Key: "audit-1"}))

	// deliver queued events until ours has failed once
	for calls == 0 {
		delivered, err := s.broker.DeliverOne(ctx)
		s.Require().NoError(err)
		s.Require().True(delivered, "the raised event must be claimable")
	}
	s.Equal(1, calls)

	// the failed event is delayed; a full drain must not retry it
	s.drainEvents()
	s.Equal(1, calls)

	var attemptsLeft int
	s.Require().NoError(s.db.QueryRow(`SELECT attempts_left FROM `+s.db.Schema+`."_event_outbox_" WHERE type = $1;`,
		"inventory.audit").Scan(&attemptsLeft))
	s.Equal(3, attemptsLeft)
}

func mergeBody(base, extra map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
