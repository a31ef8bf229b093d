package cache

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/nferrors"
)

func setupRepoMock(t *testing.T) (*Repository, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	repo := NewRepository(db)
	cleanup := func() { db.Close() }
	return repo, mock, cleanup
}

func TestRepositoryGet_Hit(t *testing.T) {
	repo, mock, cleanup := setupRepoMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value, expires FROM cache_data WHERE bucket = ? AND identifier = ?`)).
		WithArgs("metadata", "G1_vid1").
		WillReturnRows(sqlmock.NewRows([]string{"value", "expires"}).AddRow([]byte("blob"), int64(1700000100)))

	value, expires, err := repo.Get(context.Background(), "metadata", "G1_vid1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(value) != "blob" || expires != 1700000100 {
		t.Errorf("got (%q, %d)", value, expires)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepositoryGet_Miss(t *testing.T) {
	repo, mock, cleanup := setupRepoMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value, expires FROM cache_data WHERE bucket = ? AND identifier = ?`)).
		WithArgs("metadata", "G1_absent").
		WillReturnRows(sqlmock.NewRows([]string{"value", "expires"}))

	_, _, err := repo.Get(context.Background(), "metadata", "G1_absent")
	if !errors.Is(err, nferrors.ErrCacheMiss) {
		t.Errorf("expected ErrCacheMiss, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepositorySet(t *testing.T) {
	repo, mock, cleanup := setupRepoMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO cache_data (bucket, identifier, value, expires, last_modified)`)).
		WithArgs("mylist", "G1_list", []byte("v"), int64(100), int64(50)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.Set(context.Background(), Entry{
		Bucket: "mylist", Identifier: "G1_list", Value: []byte("v"),
		Expires: 100, LastModified: 50,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepositorySetBatch_SingleTransaction(t *testing.T) {
	repo, mock, cleanup := setupRepoMock(t)
	defer cleanup()

	mock.ExpectBegin()
	for _, id := range []string{"a", "b"} {
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO cache_data`)).
			WithArgs("metadata", id, []byte("v"), int64(10), int64(5)).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()

	err := repo.SetBatch(context.Background(), []Entry{
		{Bucket: "metadata", Identifier: "a", Value: []byte("v"), Expires: 10, LastModified: 5},
		{Bucket: "metadata", Identifier: "b", Value: []byte("v"), Expires: 10, LastModified: 5},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepositorySetBatch_RollbackOnError(t *testing.T) {
	repo, mock, cleanup := setupRepoMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO cache_data`)).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.SetBatch(context.Background(), []Entry{
		{Bucket: "metadata", Identifier: "a", Value: []byte("v")},
	})
	if err == nil {
		t.Error("expected error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepositoryDeleteExpired(t *testing.T) {
	repo, mock, cleanup := setupRepoMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM cache_data WHERE bucket = ? AND expires <= ?`)).
		WithArgs("metadata", int64(1700000000)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM cache_data WHERE bucket = ? AND expires <= ?`)).
		WithArgs("mylist", int64(1700000000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	removed, err := repo.DeleteExpired(context.Background(), []string{"metadata", "mylist"}, 1700000000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 4 {
		t.Errorf("removed = %d, want 4", removed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepositoryDeletePrefix(t *testing.T) {
	repo, mock, cleanup := setupRepoMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM cache_data`)).
		WithArgs("search", "G1_query", "G1_query").
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := repo.DeletePrefix(context.Background(), "search", "G1_query"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
