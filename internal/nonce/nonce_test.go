package nonce

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

type fakeRow struct {
	value int64
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*int64)) = r.value
	return nil
}

type fakeQuerier struct {
	row      fakeRow
	lastSQL  string
	lastArgs []any
}

func (q *fakeQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	q.lastSQL = sql
	q.lastArgs = args
	return q.row
}

func TestAllocate_ReturnsPreIncrementValue(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{row: fakeRow{value: 0}}
	var o [32]byte
	o[31] = 0x01

	got, err := Allocate(context.Background(), q, "deposit", o)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got != 0 {
		t.Fatalf("first allocation: got %d want 0", got)
	}
	if len(q.lastArgs) != 2 {
		t.Fatalf("args: got %d want 2", len(q.lastArgs))
	}

	q.row = fakeRow{value: 6}
	got, err = Allocate(context.Background(), q, "deposit", o)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got != 6 {
		t.Fatalf("allocation: got %d want 6", got)
	}
}

func TestAllocate_Validation(t *testing.T) {
	t.Parallel()

	var o [32]byte
	if _, err := Allocate(context.Background(), nil, "deposit", o); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("nil querier: got %v want ErrInvalidInput", err)
	}
	if _, err := Allocate(context.Background(), &fakeQuerier{}, "", o); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty kind: got %v want ErrInvalidInput", err)
	}
}

func TestAllocate_WrapsQueryError(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("boom")
	q := &fakeQuerier{row: fakeRow{err: sentinel}}
	var o [32]byte
	if _, err := Allocate(context.Background(), q, "deposit", o); !errors.Is(err, sentinel) {
		t.Fatalf("query error: got %v want wrapped sentinel", err)
	}
}
