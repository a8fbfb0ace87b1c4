package values

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grocify-tech/grocify/core/documents"
	"github.com/grocify-tech/grocify/grocery/model"
)

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"":                       "",
		"costco":                 "costco",
		"target in n. st. paul":  "target in n st paul",
		"Some_Key.With.Dots":     "Some_KeyWithDots",
		"...":                    "",
		"  padded  ":             "padded",
		" . leading dot store. ": "leading dot store",
	}
	for in, want := range cases {
		got := Sanitize(in)
		assert.Equal(t, want, got, "Sanitize(%q)", in)
		assert.Equal(t, got, Sanitize(got), "Sanitize must be idempotent for %q", in)
	}
}

func TestKeyToUse(t *testing.T) {
	assert.Equal(t, "000000000001", KeyToUse(model.Key{Name: "Milk", UPC: "000000000001"}))
	assert.Equal(t, "Milk", KeyToUse(model.Key{Name: "Milk"}))
	assert.Equal(t, "Dr Pepper", KeyToUse(model.Key{Name: "Dr. Pepper", UPC: "..."}))
	assert.Equal(t, "", KeyToUse(model.Key{}))
}

func TestFlattenEmpty(t *testing.T) {
	assert.Empty(t, Flatten(Branch(nil), "values"))
	assert.Empty(t, Flatten(Branch(map[string]Node{}), "values"))
	assert.Empty(t, Flatten(NodeFromValuesMap(nil), "values"))
	assert.Empty(t, Flatten(NodeFromValuesMap(model.StoreSpecificValuesMap{}), "values"))
}

func TestFlattenDepthThree(t *testing.T) {
	got := Flatten(NodeFromValuesMap(model.StoreSpecificValuesMap{
		"A": {
			model.AisleNumber: {"target": 321, "costco": 554},
		},
	}), "values")
	assert.Equal(t, map[string]interface{}{
		"values.A.aisleNumber.target": 321,
		"values.A.aisleNumber.costco": 554,
	}, got)
}

func TestFlattenStripsDots(t *testing.T) {
	const keyWithDots = "Some_Key.With.Dots"
	const storeWithDots = "target in n. st. paul"

	got := Flatten(NodeFromValuesMap(model.StoreSpecificValuesMap{
		keyWithDots: {
			model.AisleNumber: {storeWithDots: 321},
			model.ItemID:      {storeWithDots: "abc123"},
			model.IsInCart:    {storeWithDots: true},
			model.Price:       {storeWithDots: 3.88},
			model.Quantity:    {storeWithDots: 2},
		},
		storeWithDots: {
			model.AisleNumber: {storeWithDots: 321},
			model.ItemID:      {storeWithDots: "abc123"},
			model.IsInCart:    {storeWithDots: true},
			model.Price:       {storeWithDots: 3.88},
			model.Quantity:    {storeWithDots: 2},
		},
	}), "values")

	assert.Equal(t, map[string]interface{}{
		"values.Some_KeyWithDots.aisleNumber.target in n st paul":    321,
		"values.Some_KeyWithDots.itemId.target in n st paul":         "abc123",
		"values.Some_KeyWithDots.isInCart.target in n st paul":       true,
		"values.Some_KeyWithDots.price.target in n st paul":          3.88,
		"values.Some_KeyWithDots.quantity.target in n st paul":       2,
		"values.target in n st paul.aisleNumber.target in n st paul": 321,
		"values.target in n st paul.itemId.target in n st paul":      "abc123",
		"values.target in n st paul.isInCart.target in n st paul":    true,
		"values.target in n st paul.price.target in n st paul":       3.88,
		"values.target in n st paul.quantity.target in n st paul":    2,
	}, got)

	// the stripped dots must not introduce extra path boundaries
	for path := range got {
		assert.Len(t, splitPath(path), 4, "path %q", path)
	}
}

func splitPath(path string) []string {
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			segments = append(segments, path[start:i])
			start = i + 1
		}
	}
	return append(segments, path[start:])
}

func TestFlattenDropsEmptySegments(t *testing.T) {
	got := Flatten(NodeFromValuesMap(model.StoreSpecificValuesMap{
		"Some_Key.With.Dots": {
			model.IsInCart: {"": true},
		},
	}), "values")
	assert.Empty(t, got)

	got = Flatten(NodeFromValuesMap(model.StoreSpecificValuesMap{
		"...": {
			model.Price: {"target": 3.88},
		},
	}), "values")
	assert.Empty(t, got)
}

func TestFlattenFixture(t *testing.T) {
	got := Flatten(NodeFromValuesMap(model.StoreSpecificValuesMap{
		"000000000001": {
			model.AisleNumber: {"target": 321, "costco": 554},
			model.ItemID:      {"target": "abc123"},
			model.IsInCart:    {"target": true},
			model.Price:       {"target": 3.88},
			model.Quantity:    {"target": 2},
		},
		"000000000002": {
			model.AisleNumber: {"target": 321, "costco": 554, "walmart": 231},
			model.ItemID:      {"target": "abc123", "walmart": "abc12345"},
			model.IsInCart:    {"target": true, "walmart": false},
			model.Price:       {"target": 3.88, "walmart": 3.99},
			model.Quantity:    {"target": 2, "walmart": 99},
		},
	}), "values")

	assert.Equal(t, map[string]interface{}{
		"values.000000000001.aisleNumber.target":  321,
		"values.000000000001.aisleNumber.costco":  554,
		"values.000000000001.itemId.target":       "abc123",
		"values.000000000001.isInCart.target":     true,
		"values.000000000001.price.target":        3.88,
		"values.000000000001.quantity.target":     2,
		"values.000000000002.aisleNumber.target":  321,
		"values.000000000002.aisleNumber.costco":  554,
		"values.000000000002.aisleNumber.walmart": 231,
		"values.000000000002.itemId.target":       "abc123",
		"values.000000000002.itemId.walmart":      "abc12345",
		"values.000000000002.isInCart.target":     true,
		"values.000000000002.isInCart.walmart":    false,
		"values.000000000002.price.target":        3.88,
		"values.000000000002.price.walmart":       3.99,
		"values.000000000002.quantity.target":     2,
		"values.000000000002.quantity.walmart":    99,
	}, got)
	assert.Len(t, got, 17)
}

func TestFlattenLastPurchased(t *testing.T) {
	now := time.Now().UnixMilli()
	earlier := now - 1000

	got := Flatten(NodeFromLastPurchased(model.LastPurchasedMap{
		"000000000001": {"target in n. st. paul": now, "Some_Key.With.Dots": earlier},
		"000000000002": {"target in n. st. paul": now},
	}), "values")

	assert.Equal(t, map[string]interface{}{
		"values.000000000001.target in n st paul": now,
		"values.000000000001.Some_KeyWithDots":    earlier,
		"values.000000000002.target in n st paul": now,
	}, got)
}

func TestUnsetPaths(t *testing.T) {
	assert.Empty(t, UnsetPaths(nil, "values"))
	assert.Empty(t, UnsetPaths([]string{}, "values"))
	assert.Empty(t, UnsetPaths([]string{""}, "values"))

	assert.Equal(t, map[string]int{
		"values.k1": 1,
		"values.k2": 1,
	}, UnsetPaths([]string{"k1", "k2", "", "k1"}, "values"))
}

func TestReplacedValuesMap(t *testing.T) {
	value := model.StoreSpecificValues{
		model.AisleNumber: {"target": 12},
	}
	assert.Empty(t, ReplacedValuesMap(map[string]string{"000000000001": "abc123"}, nil))

	got := ReplacedValuesMap(map[string]string{
		"000000000001": "abc123",
		"000000000002": "abc1234",
		"000000000003": "abc12356",
	}, model.StoreSpecificValuesMap{
		"000000000001": value,
		"000000000002": value,
		"000000000003": value,
	})
	assert.Equal(t, model.StoreSpecificValuesMap{
		"abc123":   value,
		"abc1234":  value,
		"abc12356": value,
	}, got)

	// unmapped keys keep their original key
	got = ReplacedValuesMap(map[string]string{}, model.StoreSpecificValuesMap{"000000000001": value})
	assert.Equal(t, model.StoreSpecificValuesMap{"000000000001": value}, got)
}

type fakeDocuments struct {
	patches []documents.Patch
	doc     interface{}
	getErr  error
}

func (f *fakeDocuments) Upsert(ctx context.Context, userID string, p documents.Patch) (documents.Result, error) {
	f.patches = append(f.patches, p)
	return documents.Result{}, nil
}

func (f *fakeDocuments) GetInto(ctx context.Context, userID string, out interface{}) error {
	if f.getErr != nil {
		return f.getErr
	}
	data, err := json.Marshal(f.doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func TestMergeNoOp(t *testing.T) {
	fake := &fakeDocuments{}
	s := NewService(fake, &fakeDocuments{})

	_, err := s.MergeStoreSpecificValues(context.Background(), "item1", "user1", nil, "")
	require.NoError(t, err)
	_, err = s.MergeStoreSpecificValues(context.Background(), "item1", "user1", model.StoreSpecificValuesMap{}, "oldKey")
	require.NoError(t, err)
	assert.Empty(t, fake.patches, "empty input must not touch persistence")
}

func TestMergeWithOriginalKey(t *testing.T) {
	fake := &fakeDocuments{}
	s := NewService(fake, &fakeDocuments{})

	_, err := s.MergeStoreSpecificValues(context.Background(), "item1", "user1", model.StoreSpecificValuesMap{
		"item1": {
			model.Price: {"costco": 4.49},
		},
	}, "oldKey")
	require.NoError(t, err)

	require.Len(t, fake.patches, 1)
	assert.Equal(t, map[string]interface{}{"values.item1.price.costco": 4.49}, fake.patches[0].Set)
	assert.Equal(t, map[string]int{"values.oldKey": 1}, fake.patches[0].Unset)
}

func TestMergeWithoutOriginalKey(t *testing.T) {
	fake := &fakeDocuments{}
	s := NewService(fake, &fakeDocuments{})

	_, err := s.MergeStoreSpecificValues(context.Background(), "item1", "user1", model.StoreSpecificValuesMap{
		"item1": {
			model.IsInCart: {"target": true},
		},
	}, "")
	require.NoError(t, err)

	require.Len(t, fake.patches, 1)
	assert.Empty(t, fake.patches[0].Unset)
}

func TestRecordLastPurchased(t *testing.T) {
	valuesDocs := &fakeDocuments{}
	lastPurchased := &fakeDocuments{}
	s := NewService(valuesDocs, lastPurchased)

	_, err := s.RecordLastPurchased(context.Background(), "user1", nil)
	require.NoError(t, err)
	assert.Empty(t, lastPurchased.patches)

	now := time.Now().UnixMilli()
	_, err = s.RecordLastPurchased(context.Background(), "user1", model.LastPurchasedMap{
		"000000000001": {"costco": now},
	})
	require.NoError(t, err)
	require.Len(t, lastPurchased.patches, 1)
	assert.Equal(t, map[string]interface{}{"values.000000000001.costco": now}, lastPurchased.patches[0].Set)
	assert.Empty(t, valuesDocs.patches, "last purchased writes must not touch the values document")
}

func TestRemoveItemKeys(t *testing.T) {
	valuesDocs := &fakeDocuments{}
	lastPurchased := &fakeDocuments{}
	s := NewService(valuesDocs, lastPurchased)

	require.NoError(t, s.RemoveItemKeys(context.Background(), "user1", nil))
	assert.Empty(t, valuesDocs.patches)

	require.NoError(t, s.RemoveItemKeys(context.Background(), "user1", []string{"k1", "k2"}))
	require.Len(t, valuesDocs.patches, 1)
	require.Len(t, lastPurchased.patches, 1)
	want := map[string]int{"values.k1": 1, "values.k2": 1}
	assert.Equal(t, want, valuesDocs.patches[0].Unset)
	assert.Equal(t, want, lastPurchased.patches[0].Unset)
}

func TestPropagateStoreRename(t *testing.T) {
	fake := &fakeDocuments{
		doc: valuesDocument{
			UserID: "user1",
			Values: model.StoreSpecificValuesMap{
				"000000000001": {
					model.Price:       {"old mart": 3.88, "costco": 4.49},
					model.AisleNumber: {"old mart": 12},
				},
				"000000000002": {
					model.Quantity: {"costco": 2},
				},
			},
		},
	}
	s := NewService(fake, &fakeDocuments{})

	require.NoError(t, s.PropagateStoreRename(context.Background(), "user1", "old mart", "new mart"))
	require.Len(t, fake.patches, 1)
	// the fake round-trips through JSON, so numbers come back as float64
	assert.Equal(t, map[string]interface{}{
		"values.000000000001.price.new mart":       3.88,
		"values.000000000001.aisleNumber.new mart": float64(12),
	}, fake.patches[0].Set)
	assert.Equal(t, map[string]int{
		"values.000000000001.price.old mart":       1,
		"values.000000000001.aisleNumber.old mart": 1,
	}, fake.patches[0].Unset)
}

func TestPropagateStoreRenameNoOps(t *testing.T) {
	fake := &fakeDocuments{getErr: documents.ErrNotFound}
	s := NewService(fake, &fakeDocuments{})

	// unchanged name skips the read entirely
	require.NoError(t, s.PropagateStoreRename(context.Background(), "user1", "costco", "costco"))
	// missing document is fine
	require.NoError(t, s.PropagateStoreRename(context.Background(), "user1", "old", "new"))
	assert.Empty(t, fake.patches)

	// a document without leaves under the old name stays untouched
	fake = &fakeDocuments{
		doc: valuesDocument{
			UserID: "user1",
			Values: model.StoreSpecificValuesMap{
				"000000000001": {model.Price: {"costco": 3.88}},
			},
		},
	}
	s = NewService(fake, &fakeDocuments{})
	require.NoError(t, s.PropagateStoreRename(context.Background(), "user1", "old", "new"))
	assert.Empty(t, fake.patches)
}
