// Package pgstore implements the document store on postgres.
//
// All documents live in a single jsonb table per schema; identifiers are
// allocated from a per-kind counter table. Equality filters and ordering
// compile to jsonb field accessors, cursor pagination to a keyed range scan.
package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"

	_ "github.com/lib/pq" // load database driver for postgres

	"github.com/harborside-tech/marina/core/logger"
	"github.com/harborside-tech/marina/core/store"
)

// DB is a postgres-backed document store for one schema.
type DB struct {
	*sql.DB
	Schema string
}

// OpenWithSchema opens a postgres database and binds the document store to
// the given schema. Schema and tables get created if they do not exist yet.
func OpenWithSchema(dataSourceName, password, schema string) (*DB, error) {
	rlog := logger.Default()
	rlog.Infoln("connecting to postgres database")
	if len(password) > 0 {
		dataSourceName += " password=" + password
	}
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		return nil, err
	}
	if len(schema) == 0 {
		schema = "public"
	} else {
		rlog.Infoln("selected database schema:", schema)
		_, err = db.Exec(`CREATE schema IF NOT EXISTS ` + schema + `;`)
		if err != nil {
			return nil, err
		}
	}
	_, err = db.Exec(fmt.Sprintf(`
CREATE table IF NOT EXISTS %[1]s.documents (
	kind varchar NOT NULL,
	id bigint NOT NULL,
	properties jsonb NOT NULL DEFAULT '{}'::jsonb,
	PRIMARY KEY (kind, id)
);
CREATE table IF NOT EXISTS %[1]s.document_ids (
	kind varchar NOT NULL PRIMARY KEY,
	next bigint NOT NULL
);`, schema))
	if err != nil {
		return nil, err
	}
	return &DB{DB: db, Schema: schema}, nil
}

// ClearSchema clears all the data contained in the database's schema.
// Technically this is done by dropping the schema and then recreating it.
func (db *DB) ClearSchema() error {
	if db.Schema == "public" {
		return fmt.Errorf("refuse to drop public schema")
	}
	_, err := db.Exec(`DROP SCHEMA ` + db.Schema + ` CASCADE;`)
	if err != nil {
		return err
	}
	_, err = db.Exec(fmt.Sprintf(`
CREATE schema IF NOT EXISTS %[1]s;
CREATE table IF NOT EXISTS %[1]s.documents (
	kind varchar NOT NULL,
	id bigint NOT NULL,
	properties jsonb NOT NULL DEFAULT '{}'::jsonb,
	PRIMARY KEY (kind, id)
);
CREATE table IF NOT EXISTS %[1]s.document_ids (
	kind varchar NOT NULL PRIMARY KEY,
	next bigint NOT NULL
);`, db.Schema))
	return err
}

// GenerateKey allocates the next identifier for the kind.
func (db *DB) GenerateKey(ctx context.Context, kind string) (store.Key, error) {
	query := fmt.Sprintf(`INSERT INTO %s.document_ids (kind, next) VALUES($1, 1)
ON CONFLICT (kind) DO UPDATE SET next = document_ids.next + 1 RETURNING next;`, db.Schema)
	var id int64
	if err := db.QueryRowContext(ctx, query, kind).Scan(&id); err != nil {
		return store.Key{}, err
	}
	return store.Key{Kind: kind, ID: id}, nil
}

// Get reads the document for key into dst.
func (db *DB) Get(ctx context.Context, key store.Key, dst interface{}) error {
	query := fmt.Sprintf("SELECT properties FROM %s.documents WHERE kind=$1 AND id=$2;", db.Schema)
	var properties []byte
	err := db.QueryRowContext(ctx, query, key.Kind, key.ID).Scan(&properties)
	if err == sql.ErrNoRows {
		return store.ErrNoSuchEntity
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(properties, dst)
}

// Put creates or fully overwrites the document for key.
func (db *DB) Put(ctx context.Context, key store.Key, src interface{}) error {
	properties, err := json.Marshal(src)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s.documents (kind, id, properties) VALUES($1, $2, $3)
ON CONFLICT (kind, id) DO UPDATE SET properties = $3;`, db.Schema)
	_, err = db.ExecContext(ctx, query, key.Kind, key.ID, properties)
	if err != nil {
		return err
	}
	// identifiers written from outside must not collide with generated ones
	bump := fmt.Sprintf(`INSERT INTO %s.document_ids (kind, next) VALUES($1, $2)
ON CONFLICT (kind) DO UPDATE SET next = GREATEST(document_ids.next, $2);`, db.Schema)
	_, err = db.ExecContext(ctx, bump, key.Kind, key.ID)
	return err
}

// Delete removes the document for key.
func (db *DB) Delete(ctx context.Context, key store.Key) error {
	query := fmt.Sprintf("DELETE FROM %s.documents WHERE kind=$1 AND id=$2;", db.Schema)
	res, err := db.ExecContext(ctx, query, key.Kind, key.ID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return store.ErrNoSuchEntity
	}
	return nil
}

// Run executes a query and returns one page of results. Rows iterate in
// ascending key order unless q.Order names a field to sort by. Cursor
// pagination is only supported for key-ordered queries.
func (db *DB) Run(ctx context.Context, q store.Query) (*store.Result, error) {
	selected := "id, properties"
	if q.KeysOnly {
		selected = "id"
	}
	query := fmt.Sprintf("SELECT %s FROM %s.documents WHERE kind=$1", selected, db.Schema)
	parameters := []interface{}{q.Kind}
	for _, f := range q.Filters {
		query += fmt.Sprintf(" AND properties->>'%s' = $%d", f.Field, len(parameters)+1)
		parameters = append(parameters, fmt.Sprint(f.Value))
	}
	if q.Order != "" {
		if q.Cursor != "" {
			return nil, fmt.Errorf("store: cursor pagination requires key order")
		}
		query += fmt.Sprintf(" ORDER BY properties->>'%s'", q.Order)
	} else {
		if q.Cursor != "" {
			after, err := store.DecodeCursor(q.Cursor)
			if err != nil {
				return nil, err
			}
			query += fmt.Sprintf(" AND id > $%d", len(parameters)+1)
			parameters = append(parameters, after)
		}
		query += " ORDER BY id"
	}
	if q.Limit > 0 {
		// one row beyond the page tells us whether there are more
		query += " LIMIT " + strconv.Itoa(q.Limit+1)
	}
	query += ";"

	rows, err := db.QueryContext(ctx, query, parameters...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := &store.Result{}
	for rows.Next() {
		var id int64
		var properties []byte
		if q.KeysOnly {
			err = rows.Scan(&id)
		} else {
			err = rows.Scan(&id, &properties)
		}
		if err != nil {
			return nil, err
		}
		result.Keys = append(result.Keys, store.Key{Kind: q.Kind, ID: id})
		if !q.KeysOnly {
			result.Items = append(result.Items, properties)
		}
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	if q.Limit > 0 && len(result.Keys) > q.Limit {
		result.Keys = result.Keys[:q.Limit]
		if !q.KeysOnly {
			result.Items = result.Items[:q.Limit]
		}
		result.More = true
		result.NextCursor = store.EncodeCursor(result.Keys[q.Limit-1].ID)
	}
	return result, nil
}
