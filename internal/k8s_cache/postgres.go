package k8s_cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	apperrors "github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/errors"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/logger"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Pool is the subset of *pgxpool.Pool the cache uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

var _ ObjectCache = (*PostgresCache)(nil)

// PostgresCache stores objects in the k8s_objects table. Every write is a
// single statement, so the version check and the write are atomic per key
// without explicit transactions.
type PostgresCache struct {
	pool Pool
	log  logger.Logger
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS k8s_objects (
	cluster          TEXT        NOT NULL,
	namespace        TEXT        NOT NULL,
	api_group        TEXT        NOT NULL,
	api_version      TEXT        NOT NULL,
	kind             TEXT        NOT NULL,
	name             TEXT        NOT NULL,
	manifest         JSONB       NOT NULL,
	user_id          TEXT        NOT NULL,
	resource_version BIGINT      NOT NULL,
	deleted          BOOLEAN     NOT NULL DEFAULT false,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	pending          BOOLEAN     NOT NULL DEFAULT false,
	pending_version  BIGINT      NOT NULL DEFAULT 0,
	PRIMARY KEY (cluster, namespace, api_group, api_version, kind, name)
);
ALTER TABLE k8s_objects ADD COLUMN IF NOT EXISTS pending BOOLEAN NOT NULL DEFAULT false;
ALTER TABLE k8s_objects ADD COLUMN IF NOT EXISTS pending_version BIGINT NOT NULL DEFAULT 0;
CREATE INDEX IF NOT EXISTS k8s_objects_user_id_idx ON k8s_objects (user_id) WHERE NOT deleted;
CREATE INDEX IF NOT EXISTS k8s_objects_tombstone_idx ON k8s_objects (updated_at) WHERE deleted;
CREATE INDEX IF NOT EXISTS k8s_objects_pending_idx ON k8s_objects (cluster, kind) WHERE pending;
`

const keyColumns = "cluster, namespace, api_group, api_version, kind, name"

const keyMatch = `cluster = $1 AND namespace = $2 AND api_group = $3 AND api_version = $4 AND kind = $5 AND name = $6`

const selectColumns = keyColumns + ", manifest::text, user_id, resource_version, deleted, updated_at, pending, pending_version"

const upsertSQL = `
INSERT INTO k8s_objects (` + keyColumns + `, manifest, user_id, resource_version, deleted, updated_at, pending, pending_version)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, false, now(), true, $9)
ON CONFLICT (` + keyColumns + `) DO UPDATE
SET manifest = EXCLUDED.manifest,
	user_id = EXCLUDED.user_id,
	resource_version = EXCLUDED.resource_version,
	deleted = false,
	updated_at = EXCLUDED.updated_at,
	pending = true,
	pending_version = EXCLUDED.pending_version
WHERE k8s_objects.resource_version < EXCLUDED.resource_version
RETURNING resource_version`

// The CTE reads the previous tombstone flag under a row lock so the
// statement can report whether this call made the transition. Only that
// transition touches the pending mark.
const tombstoneSQL = `
WITH prev AS (
	SELECT deleted FROM k8s_objects WHERE ` + keyMatch + ` FOR UPDATE
)
INSERT INTO k8s_objects (` + keyColumns + `, manifest, user_id, resource_version, deleted, updated_at, pending, pending_version)
VALUES ($1, $2, $3, $4, $5, $6, '{}'::jsonb, '', $7, true, now(), true, $7)
ON CONFLICT (` + keyColumns + `) DO UPDATE
SET deleted = true,
	resource_version = GREATEST(k8s_objects.resource_version, EXCLUDED.resource_version),
	updated_at = CASE WHEN k8s_objects.deleted THEN k8s_objects.updated_at ELSE EXCLUDED.updated_at END,
	pending = k8s_objects.pending OR NOT k8s_objects.deleted,
	pending_version = CASE WHEN k8s_objects.deleted THEN k8s_objects.pending_version ELSE EXCLUDED.pending_version END
RETURNING (SELECT deleted FROM prev)`

const acknowledgeSQL = `
UPDATE k8s_objects SET pending = false
WHERE ` + keyMatch + ` AND pending AND pending_version = $7 AND deleted = $8`

const getSQL = `SELECT ` + selectColumns + ` FROM k8s_objects WHERE ` + keyMatch + ` AND NOT deleted`

const purgeSQL = `DELETE FROM k8s_objects WHERE deleted AND updated_at < now() - ($1::double precision * interval '1 second')`

// NewPostgresCache uses an already connected pool.
func NewPostgresCache(pool Pool, log logger.Logger) *PostgresCache {
	return &PostgresCache{pool: pool, log: log}
}

// Connect opens a pool for url. maxConns <= 0 keeps the pgxpool default.
func Connect(ctx context.Context, url string, maxConns int32, log logger.Logger) (*PostgresCache, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, apperrors.Validation("invalid database url: %v", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, apperrors.StoreUnavailable("failed to connect to database %s: %v", cfg.ConnConfig.Host, err)
	}
	log.Infof(ctx, "Connected to database host=%s database=%s maxConns=%d",
		cfg.ConnConfig.Host, cfg.ConnConfig.Database, cfg.MaxConns)
	return NewPostgresCache(pool, log), nil
}

// EnsureSchema creates the table and its indexes if missing. Deployments
// manage the schema with their own migrations; this is for development and tests.
func (c *PostgresCache) EnsureSchema(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, schemaDDL); err != nil {
		return storeError("ensure-schema", "", err)
	}
	return nil
}

func (c *PostgresCache) Ping(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return storeError("ping", "", err)
	}
	return nil
}

func (c *PostgresCache) Close() {
	c.pool.Close()
}

func keyArgs(key ObjectKey) []interface{} {
	return []interface{}{string(key.Cluster), key.Namespace, key.GVK.Group, key.GVK.Version, key.GVK.Kind, key.Name}
}

func toBigint(rv ResourceVersion) (int64, error) {
	if uint64(rv) > math.MaxInt64 {
		return 0, fmt.Errorf("resource version %d does not fit a bigint", rv)
	}
	return int64(rv), nil
}

func (c *PostgresCache) Upsert(ctx context.Context, key ObjectKey, manifest Manifest, rv ResourceVersion, userID string) (bool, error) {
	version, err := toBigint(rv)
	if err != nil {
		return false, &apperrors.StoreError{Op: "upsert", Key: key.String(), Err: err}
	}
	body, err := json.Marshal(manifest)
	if err != nil {
		return false, &apperrors.StoreError{Op: "upsert", Key: key.String(), Err: fmt.Errorf("failed to encode manifest: %w", err)}
	}

	args := append(keyArgs(key), string(body), userID, version)
	var stored int64
	err = c.pool.QueryRow(ctx, upsertSQL, args...).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		// the WHERE clause rejected the update: stored version is newer or equal
		return false, nil
	}
	if err != nil {
		return false, storeError("upsert", key.String(), err)
	}
	return true, nil
}

func (c *PostgresCache) Tombstone(ctx context.Context, key ObjectKey, rv ResourceVersion) (bool, error) {
	version, err := toBigint(rv)
	if err != nil {
		return false, &apperrors.StoreError{Op: "tombstone", Key: key.String(), Err: err}
	}

	args := append(keyArgs(key), version)
	var prevDeleted *bool
	if err := c.pool.QueryRow(ctx, tombstoneSQL, args...).Scan(&prevDeleted); err != nil {
		return false, storeError("tombstone", key.String(), err)
	}
	// NULL: no previous row
	return prevDeleted == nil || !*prevDeleted, nil
}

func (c *PostgresCache) Acknowledge(ctx context.Context, key ObjectKey, rv ResourceVersion, deleted bool) (bool, error) {
	version, err := toBigint(rv)
	if err != nil {
		return false, &apperrors.StoreError{Op: "acknowledge", Key: key.String(), Err: err}
	}

	args := append(keyArgs(key), version, deleted)
	tag, err := c.pool.Exec(ctx, acknowledgeSQL, args...)
	if err != nil {
		return false, storeError("acknowledge", key.String(), err)
	}
	return tag.RowsAffected() == 1, nil
}

func (c *PostgresCache) Get(ctx context.Context, key ObjectKey) (*CachedObject, error) {
	obj, err := scanObject(c.pool.QueryRow(ctx, getSQL, keyArgs(key)...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeError("get", key.String(), err)
	}
	return obj, nil
}

// List narrows rows in SQL and applies the label selector on the decoded
// manifests, since selectors support set and existence operators that do not
// map onto a single jsonb predicate.
func (c *PostgresCache) List(ctx context.Context, filter Filter) ([]CachedObject, error) {
	query, args := buildListQuery(filter)

	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeError("list", "", err)
	}
	defer rows.Close()

	result := make([]CachedObject, 0)
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, storeError("list", "", err)
		}
		if !filter.matchesLabels(obj) {
			continue
		}
		result = append(result, *obj)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list", "", err)
	}
	return result, nil
}

func buildListQuery(filter Filter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(column string, value interface{}) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if filter.Cluster != "" {
		add("cluster", string(filter.Cluster))
	}
	if filter.Namespace != "" {
		add("namespace", filter.Namespace)
	}
	if filter.GVK != nil {
		add("api_group", filter.GVK.Group)
		add("api_version", filter.GVK.Version)
		add("kind", filter.GVK.Kind)
	}
	if filter.UserID != "" {
		add("user_id", filter.UserID)
	}
	if !filter.IncludeDeleted {
		conds = append(conds, "NOT deleted")
	}

	query := "SELECT " + selectColumns + " FROM k8s_objects"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY " + keyColumns
	return query, args
}

func (c *PostgresCache) PurgeTombstonesOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	tag, err := c.pool.Exec(ctx, purgeSQL, age.Seconds())
	if err != nil {
		return 0, storeError("purge", "", err)
	}
	return tag.RowsAffected(), nil
}

func scanObject(row pgx.Row) (*CachedObject, error) {
	var (
		obj      CachedObject
		cluster  string
		group    string
		version  string
		kind     string
		manifest string
		rv       int64
		pending  int64
	)
	err := row.Scan(&cluster, &obj.Key.Namespace, &group, &version, &kind, &obj.Key.Name,
		&manifest, &obj.UserID, &rv, &obj.Deleted, &obj.UpdatedAt, &obj.Pending, &pending)
	if err != nil {
		return nil, err
	}
	obj.Key.Cluster = ClusterID(cluster)
	obj.Key.GVK = schema.GroupVersionKind{Group: group, Version: version, Kind: kind}
	obj.ResourceVersion = ResourceVersion(rv)
	obj.PendingVersion = ResourceVersion(pending)
	if err := json.Unmarshal([]byte(manifest), &obj.Manifest); err != nil {
		return nil, fmt.Errorf("%w of %s: %v", errCorruptManifest, obj.Key, err)
	}
	return &obj, nil
}
