package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

// Driver-level failures must surface wrapped, not swallowed; sqlmock stands
// in for a database that errors mid-flight.

func TestListOpenCasesPropagatesQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()

	boom := errors.New("disk I/O error")
	mock.ExpectQuery("SELECT .* FROM cases").WillReturnError(boom)

	s := New(db)
	if _, err := s.ListOpenCases(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("want wrapped driver error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimSealJobMintingPropagatesExecError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()

	boom := errors.New("database is locked")
	mock.ExpectExec("UPDATE seal_jobs").WillReturnError(boom)

	s := New(db)
	if err := s.ClaimSealJobMinting(context.Background(), "job-1", time.Now()); !errors.Is(err, boom) {
		t.Fatalf("want wrapped driver error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
