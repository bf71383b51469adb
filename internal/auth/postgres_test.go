package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPGAccountStoreFind(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "email", "password_hash", "display_name", "role", "is_active", "is_superuser", "created_at", "updated_at",
	}).AddRow("acc-1", "alice@example.com", "$2a$hash", "Alice", "reviewer", true, false, now, now)
	mock.ExpectQuery("select .* from accounts where id=\\$1").WithArgs("acc-1").WillReturnRows(rows)

	store := NewPGAccountStore(db)
	account, err := store.Find(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if account.Email != "alice@example.com" || account.Role != RoleReviewer {
		t.Fatalf("unexpected account: %+v", account)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGAccountStoreFindNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("select .* from accounts where email=\\$1").
		WithArgs("nobody@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	store := NewPGAccountStore(db)
	if _, err := store.FindByEmail(context.Background(), "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGAccountStoreCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("insert into accounts").
		WithArgs(sqlmock.AnyArg(), "bob@example.com", sqlmock.AnyArg(), "Bob", "user", true, false).
		WillReturnResult(sqlmock.NewResult(1, 1))

	store := NewPGAccountStore(db)
	account := &Account{Email: "bob@example.com", PasswordHash: "h", DisplayName: "Bob", Role: RoleUser, IsActive: true}
	if err := store.Create(context.Background(), account); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if account.ID == "" {
		t.Fatalf("expected generated id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGAccountStoreUpdateRoleNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("update accounts set role").
		WithArgs("missing", "admin").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewPGAccountStore(db)
	if err := store.UpdateRole(context.Background(), "missing", RoleAdmin); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
