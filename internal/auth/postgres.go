package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"modelhub.org/internal/ids"
)

var _ AccountStore = (*PGAccountStore)(nil)

// PGAccountStore implements AccountStore on PostgreSQL.
type PGAccountStore struct {
	db *sql.DB
}

func NewPGAccountStore(db *sql.DB) *PGAccountStore {
	return &PGAccountStore{db: db}
}

const accountColumns = `id, email, password_hash, display_name, role, is_active, is_superuser, created_at, updated_at`

func (s *PGAccountStore) Create(ctx context.Context, account *Account) error {
	if account.ID == "" {
		account.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into accounts(id, email, password_hash, display_name, role, is_active, is_superuser)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		account.ID, account.Email, account.PasswordHash, account.DisplayName,
		account.Role.String(), account.IsActive, account.IsSuperuser,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrConflict
	}
	return err
}

func (s *PGAccountStore) Find(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where id=$1`, id)
	return scanAccount(row)
}

func (s *PGAccountStore) FindByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where email=$1`, email)
	return scanAccount(row)
}

func (s *PGAccountStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return s.exec(ctx, `update accounts set password_hash=$2, updated_at=now() where id=$1`, id, passwordHash)
}

func (s *PGAccountStore) UpdateRole(ctx context.Context, id string, role Role) error {
	return s.exec(ctx, `update accounts set role=$2, updated_at=now() where id=$1`, id, role.String())
}

func (s *PGAccountStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.exec(ctx, `update accounts set is_active=$2, updated_at=now() where id=$1`, id, active)
}

func (s *PGAccountStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAccount(row *sql.Row) (*Account, error) {
	var (
		account Account
		role    string
	)
	err := row.Scan(&account.ID, &account.Email, &account.PasswordHash, &account.DisplayName,
		&role, &account.IsActive, &account.IsSuperuser, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	account.Role = Role(role)
	return &account, nil
}
