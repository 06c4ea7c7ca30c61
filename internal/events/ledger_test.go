package events

import (
	"context"
	"testing"

	pgx "github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestLedger(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	ledger := newLedgerWithExec(mock)

	mock.ExpectQuery("SELECT 1 FROM dedupe_ledger").WithArgs("k1").WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(1))
	seen, err := ledger.Seen(context.Background(), "k1")
	if err != nil || !seen {
		t.Fatalf("expected existing key, got seen=%v err=%v", seen, err)
	}

	mock.ExpectQuery("SELECT 1 FROM dedupe_ledger").WithArgs("k-miss").WillReturnError(pgx.ErrNoRows)
	seen, err = ledger.Seen(context.Background(), "k-miss")
	if err != nil || seen {
		t.Fatalf("expected missing key, got seen=%v err=%v", seen, err)
	}

	mock.ExpectExec("INSERT INTO dedupe_ledger").WithArgs("k-new").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	ok, err := ledger.Record(context.Background(), "k-new")
	if err != nil || !ok {
		t.Fatalf("expected record success, got %v %v", ok, err)
	}

	// Conflict: zero rows affected means another caller already holds the key.
	mock.ExpectExec("INSERT INTO dedupe_ledger").WithArgs("k-new").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	ok, err = ledger.Record(context.Background(), "k-new")
	if err != nil || ok {
		t.Fatalf("expected duplicate, got %v %v", ok, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
