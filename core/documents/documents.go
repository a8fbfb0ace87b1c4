/*Package documents provides per-user JSON documents with sparse path updates.

Each collection is a postgres table holding at most one JSONB document per
user. Documents are modified through patches of dotted paths: set-paths assign
leaf values (creating intermediate objects as needed), unset-paths remove a
path or whole subtree (silently, if absent), and inc-paths add to a numeric
leaf. A patch is applied as a single atomic upsert statement, so concurrent
writers touching different paths of the same document never lose each other's
updates.
*/
package documents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/grocify-tech/grocify/core/csql"
)

// ErrNotFound is returned when a user has no document in a collection.
var ErrNotFound = errors.New("document not found")

// Patch describes a sparse update of a document. All paths are dotted;
// path segments must not contain the separator character themselves.
type Patch struct {
	// Set assigns leaf values, creating intermediate objects as needed.
	Set map[string]interface{}
	// Unset removes paths or whole subtrees. The value is a sentinel and
	// carries no meaning; by convention it is 1.
	Unset map[string]int
	// Inc adds to numeric leaves, treating absent leaves as 0.
	Inc map[string]float64
}

// IsEmpty returns true if the patch contains no operation at all.
func (p Patch) IsEmpty() bool {
	return len(p.Set) == 0 && len(p.Unset) == 0 && len(p.Inc) == 0
}

// Merge combines another patch into this one and returns the result.
func (p Patch) Merge(other Patch) Patch {
	out := Patch{
		Set:   map[string]interface{}{},
		Unset: map[string]int{},
		Inc:   map[string]float64{},
	}
	for k, v := range p.Set {
		out.Set[k] = v
	}
	for k, v := range other.Set {
		out.Set[k] = v
	}
	for k := range p.Unset {
		out.Unset[k] = 1
	}
	for k := range other.Unset {
		out.Unset[k] = 1
	}
	for k, v := range p.Inc {
		out.Inc[k] += v
	}
	for k, v := range other.Inc {
		out.Inc[k] += v
	}
	return out
}

// BulkOp is one upsert within a bulk write.
type BulkOp struct {
	UserID string
	Patch  Patch
}

// Result reports the outcome of an upsert.
type Result struct {
	// Inserted is true when the upsert created the document.
	Inserted bool
}

// Store manages document collections within one database schema.
type Store struct {
	db *csql.DB
}

// NewStore creates a store and installs the jsonb helper functions
// into the database schema.
func NewStore(db *csql.DB) (*Store, error) {
	schema := db.Schema
	_, err := db.Exec(`CREATE OR REPLACE FUNCTION ` + schema + `.jsonb_set_deep(target jsonb, path text[], val jsonb)
RETURNS jsonb AS $$
DECLARE
	i int;
	cur jsonb;
BEGIN
	IF target IS NULL THEN
		target := '{}'::jsonb;
	END IF;
	FOR i IN 1 .. coalesce(array_length(path, 1), 0) - 1 LOOP
		cur := target #> path[1:i];
		IF cur IS NULL OR jsonb_typeof(cur) <> 'object' THEN
			target := jsonb_set(target, path[1:i], '{}'::jsonb, true);
		END IF;
	END LOOP;
	RETURN jsonb_set(target, path, val, true);
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE FUNCTION ` + schema + `.jsonb_inc_deep(target jsonb, path text[], delta numeric)
RETURNS jsonb AS $$
BEGIN
	RETURN ` + schema + `.jsonb_set_deep(target, path,
		to_jsonb(coalesce((target #>> path)::numeric, 0) + delta));
END;
$$ LANGUAGE plpgsql;
`)
	if err != nil {
		return nil, fmt.Errorf("cannot install jsonb helpers: %w", err)
	}
	return &Store{db: db}, nil
}

// MustNewStore creates a store like NewStore, but panics on error.
func MustNewStore(db *csql.DB) *Store {
	s, err := NewStore(db)
	if err != nil {
		panic(err)
	}
	return s
}

// DB returns the underlying database.
func (s *Store) DB() *csql.DB {
	return s.db
}

// WithinTransaction runs fn inside a database transaction. Collections
// participate through their Tx method variants.
func (s *Store) WithinTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.db.WithinTransaction(ctx, fn)
}

// Collection returns the named collection, creating its table if needed.
func (s *Store) Collection(name string) (*Collection, error) {
	for _, r := range name {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return nil, fmt.Errorf("invalid collection name '%s'", name)
		}
	}
	table := s.db.Schema + `."` + name + `"`
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS ` + table + `
(user_id varchar NOT NULL PRIMARY KEY,
doc jsonb NOT NULL DEFAULT '{}'::jsonb,
created_at timestamp NOT NULL DEFAULT now(),
updated_at timestamp NOT NULL DEFAULT now()
);`)
	if err != nil {
		return nil, fmt.Errorf("cannot create collection '%s': %w", name, err)
	}
	return &Collection{store: s, name: name, table: table}, nil
}

// MustCollection returns the named collection like Collection, but panics on error.
func (s *Store) MustCollection(name string) *Collection {
	c, err := s.Collection(name)
	if err != nil {
		panic(err)
	}
	return c
}

// Collection is one document table: at most one document per user.
type Collection struct {
	store *Store
	name  string
	table string
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// runner is satisfied by both *sql.DB and *sql.Tx
type runner interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// patchExpression builds the SQL expression which applies the patch on top of
// base. The same argument slice serves the insert and the update branch of the
// upsert, so the expression is built as a function of the base only. Paths are
// processed in sorted order to keep statements deterministic.
func (c *Collection) patchExpression(base string, p Patch, firstArg int) (string, []interface{}, error) {
	schema := c.store.db.Schema
	expr := base
	var args []interface{}
	arg := firstArg

	for _, path := range sortedKeys(p.Set) {
		value, err := json.Marshal(p.Set[path])
		if err != nil {
			return "", nil, fmt.Errorf("cannot marshal value for path '%s': %w", path, err)
		}
		expr = schema + ".jsonb_set_deep(" + expr + ", $" + strconv.Itoa(arg) + "::text[], $" + strconv.Itoa(arg+1) + "::jsonb)"
		args = append(args, pq.Array(strings.Split(path, ".")), string(value))
		arg += 2
	}
	for _, path := range sortedKeys(p.Unset) {
		expr = "(" + expr + " #- $" + strconv.Itoa(arg) + "::text[])"
		args = append(args, pq.Array(strings.Split(path, ".")))
		arg++
	}
	for _, path := range sortedKeys(p.Inc) {
		expr = schema + ".jsonb_inc_deep(" + expr + ", $" + strconv.Itoa(arg) + "::text[], $" + strconv.Itoa(arg+1) + ")"
		args = append(args, pq.Array(strings.Split(path, ".")), p.Inc[path])
		arg += 2
	}
	return expr, args, nil
}

func (c *Collection) upsert(ctx context.Context, r runner, userID string, p Patch) (Result, error) {
	if p.IsEmpty() {
		return Result{}, nil
	}
	insertExpr, args, err := c.patchExpression("'{}'::jsonb", p, 2)
	if err != nil {
		return Result{}, err
	}
	updateExpr, _, err := c.patchExpression(c.table+".doc", p, 2)
	if err != nil {
		return Result{}, err
	}

	query := `INSERT INTO ` + c.table + ` (user_id, doc) VALUES ($1, ` + insertExpr + `)
ON CONFLICT (user_id) DO UPDATE SET doc = ` + updateExpr + `, updated_at = now()
RETURNING (xmax = 0) AS inserted;`

	var result Result
	err = r.QueryRowContext(ctx, query, append([]interface{}{userID}, args...)...).Scan(&result.Inserted)
	if err != nil {
		return Result{}, fmt.Errorf("upsert into '%s' for user '%s': %w", c.name, userID, err)
	}
	return result, nil
}

// Upsert applies the patch to the user's document, creating the document
// if it does not exist yet. An empty patch is a no-op.
func (c *Collection) Upsert(ctx context.Context, userID string, p Patch) (Result, error) {
	return c.upsert(ctx, c.store.db.DB, userID, p)
}

// UpsertTx applies the patch within a transaction.
func (c *Collection) UpsertTx(ctx context.Context, tx *sql.Tx, userID string, p Patch) (Result, error) {
	return c.upsert(ctx, tx, userID, p)
}

// BulkUpsert applies several independent patches in one transaction.
func (c *Collection) BulkUpsert(ctx context.Context, ops []BulkOp) error {
	if len(ops) == 0 {
		return nil
	}
	return c.store.WithinTransaction(ctx, func(tx *sql.Tx) error {
		for _, op := range ops {
			if _, err := c.upsert(ctx, tx, op.UserID, op.Patch); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Collection) get(ctx context.Context, r runner, userID string, forUpdate bool) (json.RawMessage, error) {
	query := `SELECT doc FROM ` + c.table + ` WHERE user_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var doc json.RawMessage
	err := r.QueryRowContext(ctx, query+`;`, userID).Scan(&doc)
	if err == csql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read '%s' for user '%s': %w", c.name, userID, err)
	}
	return doc, nil
}

// Get returns the user's document, or ErrNotFound.
func (c *Collection) Get(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.get(ctx, c.store.db.DB, userID, false)
}

// GetInto reads the user's document and unmarshals it into out.
func (c *Collection) GetInto(ctx context.Context, userID string, out interface{}) error {
	doc, err := c.Get(ctx, userID)
	if err != nil {
		return err
	}
	return json.Unmarshal(doc, out)
}

// GetForUpdateTx reads the user's document within a transaction and locks the
// row until the transaction ends.
func (c *Collection) GetForUpdateTx(ctx context.Context, tx *sql.Tx, userID string) (json.RawMessage, error) {
	return c.get(ctx, tx, userID, true)
}

func (c *Collection) replace(ctx context.Context, r runner, userID string, doc interface{}) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = r.ExecContext(ctx, `INSERT INTO `+c.table+` (user_id, doc) VALUES ($1, $2::jsonb)
ON CONFLICT (user_id) DO UPDATE SET doc = $2::jsonb, updated_at = now();`, userID, string(body))
	if err != nil {
		return fmt.Errorf("replace '%s' for user '%s': %w", c.name, userID, err)
	}
	return nil
}

// Replace writes the whole document, creating it if needed.
func (c *Collection) Replace(ctx context.Context, userID string, doc interface{}) error {
	return c.replace(ctx, c.store.db.DB, userID, doc)
}

// ReplaceTx writes the whole document within a transaction.
func (c *Collection) ReplaceTx(ctx context.Context, tx *sql.Tx, userID string, doc interface{}) error {
	return c.replace(ctx, tx, userID, doc)
}

// Delete removes the user's document. Deleting a missing document is a no-op.
func (c *Collection) Delete(ctx context.Context, userID string) error {
	_, err := c.store.db.ExecContext(ctx, `DELETE FROM `+c.table+` WHERE user_id = $1;`, userID)
	return err
}

// DeleteTx removes the user's document within a transaction.
func (c *Collection) DeleteTx(ctx context.Context, tx *sql.Tx, userID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM `+c.table+` WHERE user_id = $1;`, userID)
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
