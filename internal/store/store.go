// Package store implements the registry adapter: the external mapping from
// member_id to conga_id that participants consult on HELLO and clean up
// after on BYE. The schema (conga_congamember(id, conga_id)) matches the
// registry this relay was built to sit in front of.
package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
)

// ErrNotFound is returned by LookupConga when member_id has no membership
// row — the HELLO handler treats this as a protocol violation.
var ErrNotFound = errors.New("store: member not found")

// Registry resolves conga membership and retires it on departure. Both
// methods are context-aware so a shutting-down relay can cancel in-flight
// queries rather than block the drain window on a slow backend.
type Registry interface {
	LookupConga(ctx context.Context, memberID int64) (congaID int64, err error)
	DeleteMembership(ctx context.Context, memberID int64) error
}

const (
	lookupCongaQuery       = "SELECT conga_id FROM conga_congamember WHERE id = ?"
	deleteMembershipQuery  = "DELETE FROM conga_congamember WHERE id = ?"
)

// sqlRegistry is the database/sql-backed Registry shared by both concrete
// backends; only the driver name and placeholder dialect differ between
// them.
type sqlRegistry struct {
	db        *sql.DB
	translate func(query string) string
}

func (r *sqlRegistry) LookupConga(ctx context.Context, memberID int64) (int64, error) {
	row := r.db.QueryRowContext(ctx, r.translate(lookupCongaQuery), memberID)
	var congaID int64
	if err := row.Scan(&congaID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return congaID, nil
}

func (r *sqlRegistry) DeleteMembership(ctx context.Context, memberID int64) error {
	_, err := r.db.ExecContext(ctx, r.translate(deleteMembershipQuery), memberID)
	return err
}

// Close releases the underlying connection pool.
func (r *sqlRegistry) Close() error { return r.db.Close() }

// Seed inserts (or replaces) a membership row directly, bypassing the
// registry's normal write path. It exists for tests that need to populate
// a backend without a live HELLO/participant flow.
func (r *sqlRegistry) Seed(memberID, congaID int64) error {
	_, err := r.db.Exec(r.translate("INSERT OR REPLACE INTO conga_congamember (id, conga_id) VALUES (?, ?)"), memberID, congaID)
	return err
}

// passthrough leaves `?` placeholders untouched, for drivers (sqlite) that
// accept them directly.
func passthrough(query string) string { return query }

// translatePostgres rewrites every `?` placeholder into the `$1, $2, ...`
// positional form pgx requires. Callers always write `?` and bound args;
// this is the only place that ever sees a raw query string, which keeps
// every call site immune to the string-formatting mistake the original
// Python adapter's docstring warns against ("DO NOT ADD THEM YOURSELF").
func translatePostgres(query string) string {
	var sb strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}
