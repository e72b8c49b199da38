package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/db/models"
)

var errDB = errors.New("db error")

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newDirectoryUserRepo(t *testing.T) (*DirectoryUserRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewDirectoryUserRepository(sqlx.NewDb(db, "sqlmock")), mock
}

var directoryUserCols = []string{
	"id", "external_id", "username", "first_name", "last_name", "email", "is_active",
	"last_login", "attributes", "created_at", "updated_at",
}

func strPtr(s string) *string { return &s }

// ---------------------------------------------------------------------------
// ListAll
// ---------------------------------------------------------------------------

func TestDirectoryUserListAll_Success(t *testing.T) {
	repo, mock := newDirectoryUserRepo(t)
	now := time.Now()
	mock.ExpectQuery("SELECT id.*FROM directory_users").
		WillReturnRows(sqlmock.NewRows(directoryUserCols).
			AddRow("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa", "42", "alice", "Alice", "Smith", "alice@example.org", true,
				now, []byte(`{"team":"ops"}`), now, now).
			AddRow("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb", nil, "legacy", "", "", "", false,
				nil, nil, now, now))

	users, err := repo.ListAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("len = %d, want 2", len(users))
	}
	if users[0].ExternalID == nil || *users[0].ExternalID != "42" {
		t.Errorf("ExternalID = %v, want 42", users[0].ExternalID)
	}
	if users[0].Attributes["team"] != "ops" {
		t.Errorf("Attributes = %v, want team=ops", users[0].Attributes)
	}
	if users[1].ExternalID != nil {
		t.Errorf("ExternalID = %v, want nil", *users[1].ExternalID)
	}
	if users[1].LastLogin != nil {
		t.Errorf("LastLogin = %v, want nil", users[1].LastLogin)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDirectoryUserListAll_Error(t *testing.T) {
	repo, mock := newDirectoryUserRepo(t)
	mock.ExpectQuery("SELECT id.*FROM directory_users").WillReturnError(errDB)

	if _, err := repo.ListAll(context.Background()); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// Count
// ---------------------------------------------------------------------------

func TestDirectoryUserCount(t *testing.T) {
	repo, mock := newDirectoryUserRepo(t)
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := repo.Count(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 7 {
		t.Errorf("Count = %d, want 7", n)
	}
}

// ---------------------------------------------------------------------------
// ApplyBatch
// ---------------------------------------------------------------------------

func TestDirectoryUserApplyBatch_Empty(t *testing.T) {
	repo, mock := newDirectoryUserRepo(t)
	if err := repo.ApplyBatch(context.Background(), nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDirectoryUserApplyBatch_UpdatesBeforeInserts(t *testing.T) {
	repo, mock := newDirectoryUserRepo(t)
	mock.MatchExpectationsInOrder(true)
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("UPDATE directory_users SET")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO directory_users").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	inserted := &models.DirectoryUser{ExternalID: strPtr("1"), Username: strPtr("alice"), IsActive: true}
	updated := &models.DirectoryUser{ID: "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb", ExternalID: strPtr("2"), Username: strPtr("bob")}

	if err := repo.ApplyBatch(context.Background(), []*models.DirectoryUser{inserted}, []*models.DirectoryUser{updated}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inserted.ID == "" {
		t.Error("expected insert to be assigned an ID")
	}
	if inserted.CreatedAt.IsZero() || updated.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDirectoryUserApplyBatch_RollsBackOnUpdateError(t *testing.T) {
	repo, mock := newDirectoryUserRepo(t)
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("UPDATE directory_users SET")
	prep.ExpectExec().WillReturnError(errDB)
	mock.ExpectRollback()

	updated := &models.DirectoryUser{ID: "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb", Username: strPtr("bob")}
	err := repo.ApplyBatch(context.Background(), nil, []*models.DirectoryUser{updated})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, errDB) {
		t.Errorf("error = %v, want wrapped errDB", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDirectoryUserApplyBatch_RenameReleasesUsernameForInsert(t *testing.T) {
	repo, mock := newDirectoryUserRepo(t)
	mock.MatchExpectationsInOrder(true)
	mock.ExpectBegin()
	// id 1 moves from bob to bobby before the new row claims bob
	prep := mock.ExpectPrepare("UPDATE directory_users SET")
	prep.ExpectExec().
		WithArgs("1", "bobby", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO directory_users").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	renamed := &models.DirectoryUser{ID: "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa", ExternalID: strPtr("1"), Username: strPtr("bobby")}
	newcomer := &models.DirectoryUser{ExternalID: strPtr("2"), Username: strPtr("bob")}

	if err := repo.ApplyBatch(context.Background(), []*models.DirectoryUser{newcomer}, []*models.DirectoryUser{renamed}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDirectoryUserApplyBatch_RollsBackOnInsertErrorAfterUpdates(t *testing.T) {
	repo, mock := newDirectoryUserRepo(t)
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("UPDATE directory_users SET")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO directory_users").WillReturnError(errDB)
	mock.ExpectRollback()

	updated := &models.DirectoryUser{ID: "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb", Username: strPtr("bob")}
	inserted := &models.DirectoryUser{ExternalID: strPtr("3"), Username: strPtr("carol")}
	err := repo.ApplyBatch(context.Background(), []*models.DirectoryUser{inserted}, []*models.DirectoryUser{updated})
	if !errors.Is(err, errDB) {
		t.Errorf("error = %v, want wrapped errDB", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDirectoryUserApplyBatch_BeginError(t *testing.T) {
	repo, mock := newDirectoryUserRepo(t)
	mock.ExpectBegin().WillReturnError(errDB)

	err := repo.ApplyBatch(context.Background(), []*models.DirectoryUser{{Username: strPtr("x")}}, nil)
	if err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// DeleteByIDs
// ---------------------------------------------------------------------------

func TestDirectoryUserDeleteByIDs(t *testing.T) {
	repo, mock := newDirectoryUserRepo(t)
	mock.ExpectExec("DELETE FROM directory_users WHERE id = ANY").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.DeleteByIDs(context.Background(), []string{
		"aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa",
		"bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
}

func TestDirectoryUserDeleteByIDs_Empty(t *testing.T) {
	repo, mock := newDirectoryUserRepo(t)
	n, err := repo.DeleteByIDs(context.Background(), nil)
	if err != nil || n != 0 {
		t.Errorf("DeleteByIDs(nil) = %d, %v; want 0, nil", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDirectoryUserDeleteByIDs_Error(t *testing.T) {
	repo, mock := newDirectoryUserRepo(t)
	mock.ExpectExec("DELETE FROM directory_users").WillReturnError(errDB)

	if _, err := repo.DeleteByIDs(context.Background(), []string{"aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"}); err == nil {
		t.Error("expected error, got nil")
	}
}
