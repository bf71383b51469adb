package apikey

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"modelhub.org/internal/auth"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store on PostgreSQL. Scopes are stored as a
// comma-joined text column; quota windows live in api_key_usage keyed by
// (key_id, window_start) so consumption is one conditional upsert.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const keyColumns = `id, owner_id, name, key_hash, key_prefix, scopes, is_active,
	rate_limit_requests, total_requests, replaces_id, created_at, expires_at, last_used_at`

func (s *PGStore) Insert(ctx context.Context, key *Key) error {
	return insertKey(ctx, s.db, key)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertKey(ctx context.Context, db execer, key *Key) error {
	var replaces any
	if key.ReplacesID != "" {
		replaces = key.ReplacesID
	}
	_, err := db.ExecContext(ctx,
		`insert into api_keys(id, owner_id, name, key_hash, key_prefix, scopes, is_active,
		   rate_limit_requests, total_requests, replaces_id, created_at, expires_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		key.ID, key.OwnerID, key.Name, key.KeyHash, key.KeyPrefix,
		strings.Join(key.Scopes, ","), key.IsActive,
		key.RateLimitRequests, key.TotalRequests, replaces, key.CreatedAt, key.ExpiresAt,
	)
	return err
}

func (s *PGStore) Find(ctx context.Context, id string) (*Key, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+keyColumns+` from api_keys where id=$1`, id)
	return scanKey(row)
}

func (s *PGStore) FindByHash(ctx context.Context, keyHash string) (*Key, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+keyColumns+` from api_keys where key_hash=$1`, keyHash)
	return scanKey(row)
}

func (s *PGStore) ListByOwner(ctx context.Context, ownerID string) ([]*Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+keyColumns+` from api_keys where owner_id=$1 order by created_at desc`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*Key
	for rows.Next() {
		key, err := scanKeyRow(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Consume is a single conditional upsert: the window row is created or
// incremented only while under the limit, so concurrent requests on the same
// key serialize on the row and the cap is hard.
func (s *PGStore) Consume(ctx context.Context, keyID string, windowStart time.Time, limit int, now time.Time) (bool, error) {
	if limit > 0 {
		var requests int
		err := s.db.QueryRowContext(ctx,
			`insert into api_key_usage(key_id, window_start, requests)
			 values($1,$2,1)
			 on conflict (key_id, window_start) do update
			   set requests = api_key_usage.requests + 1
			   where api_key_usage.requests < $3
			 returning requests`,
			keyID, windowStart, limit,
		).Scan(&requests)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	_, err := s.db.ExecContext(ctx,
		`update api_keys set total_requests = total_requests + 1, last_used_at = $2 where id = $1`,
		keyID, now,
	)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PGStore) Replace(ctx context.Context, oldID string, replacement *Key) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Create before deactivate: a crash in between leaves the old key valid.
	if err := insertKey(ctx, tx, replacement); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`update api_keys set is_active=false where id=$1`, oldID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return auth.ErrNotFound
	}
	return tx.Commit()
}

func (s *PGStore) Deactivate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`update api_keys set is_active=false where id=$1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from api_keys where id=$1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return auth.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row *sql.Row) (*Key, error) {
	key, err := scanKeyRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	return key, nil
}

func scanKeyRow(row rowScanner) (*Key, error) {
	var (
		key      Key
		scopes   string
		replaces sql.NullString
		expires  sql.NullTime
		lastUsed sql.NullTime
	)
	err := row.Scan(&key.ID, &key.OwnerID, &key.Name, &key.KeyHash, &key.KeyPrefix,
		&scopes, &key.IsActive, &key.RateLimitRequests, &key.TotalRequests,
		&replaces, &key.CreatedAt, &expires, &lastUsed)
	if err != nil {
		return nil, err
	}
	if scopes != "" {
		key.Scopes = strings.Split(scopes, ",")
	}
	if replaces.Valid {
		key.ReplacesID = replaces.String
	}
	if expires.Valid {
		t := expires.Time
		key.ExpiresAt = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		key.LastUsedAt = &t
	}
	return &key, nil
}
