package test

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/grocify-tech/grocify/core/documents"
)

type semanticsDoc struct {
	A struct {
		B float64 `json:"b"`
		C string  `json:"c"`
	} `json:"a"`
	Counter float64 `json:"counter"`
}

// TestDocumentsUpsertSemantics exercises the jsonb patch helpers against the
// real database: deep set, unset, inc, sibling preservation and the inserted
// flag.
func (s *IntegrationTestSuite) TestDocumentsUpsertSemantics() {
	ctx := context.Background()
	docs := s.store.MustCollection("doc_semantics")

	result, err := docs.Upsert(ctx, "alice", documents.Patch{
		Set: map[string]interface{}{"a.b": 1, "a.c": "hello"},
	})
	s.Require().NoError(err)
	s.True(result.Inserted)

	result, err = docs.Upsert(ctx, "alice", documents.Patch{
		Set: map[string]interface{}{"a.b": 2},
	})
	s.Require().NoError(err)
	s.False(result.Inserted)

	var doc semanticsDoc
	s.Require().NoError(docs.GetInto(ctx, "alice", &doc))
	s.Equal(float64(2), doc.A.B)
	s.Equal("hello", doc.A.C, "deep set must not clobber siblings")

	// unsetting a path that does not exist is silent
	_, err = docs.Upsert(ctx, "alice", documents.Patch{
		Unset: map[string]int{"a.missing": 1, "a.c": 1},
	})
	s.Require().NoError(err)
	doc = semanticsDoc{}
	s.Require().NoError(docs.GetInto(ctx, "alice", &doc))
	s.Empty(doc.A.C)
	s.Equal(float64(2), doc.A.B)

	// inc creates the leaf on first use, then accumulates
	for i := 0; i < 3; i++ {
		_, err = docs.Upsert(ctx, "alice", documents.Patch{
			Inc: map[string]float64{"counter": 2.5},
		})
		s.Require().NoError(err)
	}
	doc = semanticsDoc{}
	s.Require().NoError(docs.GetInto(ctx, "alice", &doc))
	s.Equal(7.5, doc.Counter)

	// set and unset combined in one upsert
	_, err = docs.Upsert(ctx, "alice", documents.Patch{
		Set:   map[string]interface{}{"a.c": "back"},
		Unset: map[string]int{"counter": 1},
	})
	s.Require().NoError(err)
	doc = semanticsDoc{}
	s.Require().NoError(docs.GetInto(ctx, "alice", &doc))
	s.Equal("back", doc.A.C)
	s.Zero(doc.Counter)

	s.Require().NoError(docs.Delete(ctx, "alice"))
	s.ErrorIs(docs.GetInto(ctx, "alice", &doc), documents.ErrNotFound)
}

func (s *IntegrationTestSuite) TestDocumentsEmptyPatchIsNoop() {
	ctx := context.Background()
	docs := s.store.MustCollection("doc_semantics")

	_, err := docs.Upsert(ctx, "bob", documents.Patch{})
	s.Require().NoError(err)
	var doc semanticsDoc
	s.ErrorIs(docs.GetInto(ctx, "bob", &doc), documents.ErrNotFound)
}

// TestDocumentsTransactionRollback checks that a failing transaction leaves
// no trace of the writes staged inside it.
func (s *IntegrationTestSuite) TestDocumentsTransactionRollback() {
	ctx := context.Background()
	docs := s.store.MustCollection("doc_semantics")

	err := s.store.WithinTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := docs.UpsertTx(ctx, tx, "carol", documents.Patch{
			Set: map[string]interface{}{"a.b": 42},
		}); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	s.Require().EqualError(err, "abort")

	var doc semanticsDoc
	s.ErrorIs(docs.GetInto(ctx, "carol", &doc), documents.ErrNotFound)
}

func (s *IntegrationTestSuite) TestDocumentsBulkUpsert() {
	ctx := context.Background()
	docs := s.store.MustCollection("doc_semantics")

	err := docs.BulkUpsert(ctx, []documents.BulkOp{
		{UserID: "dave", Patch: documents.Patch{Inc: map[string]float64{"counter": 1}}},
		{UserID: "dave", Patch: documents.Patch{Inc: map[string]float64{"counter": 1}}},
		{UserID: "erin", Patch: documents.Patch{Set: map[string]interface{}{"a.c": "x"}}},
	})
	s.Require().NoError(err)

	var doc semanticsDoc
	s.Require().NoError(docs.GetInto(ctx, "dave", &doc))
	s.Equal(float64(2), doc.Counter)
	doc = semanticsDoc{}
	s.Require().NoError(docs.GetInto(ctx, "erin", &doc))
	s.Equal("x", doc.A.C)
}
