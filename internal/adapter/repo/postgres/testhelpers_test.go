package postgres_test

import (
	"context"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row with a programmable scan.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// scanInto copies src values into scan destinations, converting through
// reflection so domain string types (Backend, SessionStatus, ...) work.
func scanInto(dest []any, src []any) error {
	for i, d := range dest {
		dv := reflect.ValueOf(d).Elem()
		if i >= len(src) || src[i] == nil {
			dv.Set(reflect.Zero(dv.Type()))
			continue
		}
		sv := reflect.ValueOf(src[i])
		if sv.Type().ConvertibleTo(dv.Type()) {
			dv.Set(sv.Convert(dv.Type()))
			continue
		}
		dv.Set(sv)
	}
	return nil
}

// valueRow scans a fixed value tuple.
func valueRow(src ...any) rowStub {
	return rowStub{scan: func(dest ...any) error { return scanInto(dest, src) }}
}

// errRow fails every scan.
func errRow(err error) rowStub {
	return rowStub{scan: func(...any) error { return err }}
}

// rowsStub implements pgx.Rows over fixed value tuples.
type rowsStub struct {
	rows [][]any
	i    int
	err  error
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Next() bool {
	if r.i >= len(r.rows) {
		return false
	}
	r.i++
	return true
}
func (r *rowsStub) Scan(dest ...any) error { return scanInto(dest, r.rows[r.i-1]) }
func (r *rowsStub) Values() ([]any, error) { return r.rows[r.i-1], nil }
func (r *rowsStub) RawValues() [][]byte    { return nil }
func (r *rowsStub) Conn() *pgx.Conn        { return nil }

// poolStub implements postgres.PgxPool, recording calls and serving
// programmed results.
type poolStub struct {
	execErr  error
	execTag  pgconn.CommandTag
	execSQL  []string
	execArgs [][]any

	row       rowStub
	queryErr  error
	rows      *rowsStub
	querySQL  []string
	queryArgs [][]any
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execSQL = append(p.execSQL, sql)
	p.execArgs = append(p.execArgs, args)
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.querySQL = append(p.querySQL, sql)
	p.queryArgs = append(p.queryArgs, args)
	if p.row.scan == nil {
		return errRow(pgx.ErrNoRows)
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.querySQL = append(p.querySQL, sql)
	p.queryArgs = append(p.queryArgs, args)
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if p.rows == nil {
		return &rowsStub{}, nil
	}
	return p.rows, nil
}
