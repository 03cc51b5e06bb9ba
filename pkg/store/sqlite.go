package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/usersync/pkg/users"
)

// SQLite keeps users in a single sqlite table. seq records first insertion
// and is never rewritten by later upserts.
type SQLite struct {
	database *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	slog.Info("Opening database", "path", path)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, wrap("open", err)
	}
	// one writer keeps seq allocation race free
	db.SetMaxOpenConns(1)
	s := &SQLite{database: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS users (
		id integer not null primary key,
		seq integer not null,
		login text not null,
		avatar_url text not null,
		variant text not null,
		notes text,
		image blob
		)`,
	); err != nil {
		return wrap("init", fmt.Errorf("failed to create table: %w", err))
	}
	return nil
}

func (s *SQLite) Upsert(ctx context.Context, us []users.User) error {
	if len(us) == 0 {
		return nil
	}
	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return wrap("upsert", fmt.Errorf("failed to start tx: %w", err))
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Error("failed to rollback", "err", err)
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO users (id, seq, login, avatar_url, variant, notes, image)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM users), ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			login = excluded.login,
			avatar_url = excluded.avatar_url,
			variant = CASE WHEN excluded.notes IS NULL THEN users.variant ELSE excluded.variant END,
			notes = COALESCE(excluded.notes, users.notes),
			image = COALESCE(excluded.image, users.image)`)
	if err != nil {
		return wrap("upsert", fmt.Errorf("failed to prepare: %w", err))
	}
	defer stmt.Close()

	for _, u := range us {
		if _, err := stmt.ExecContext(ctx, u.ID, u.Login, u.AvatarURL, u.Variant.String(), nullNotes(u), nullImage(u.Image)); err != nil {
			return wrap("upsert", fmt.Errorf("failed to persist user %d: %w", u.ID, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return wrap("upsert", fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

func (s *SQLite) QueryAll(ctx context.Context) ([]users.User, error) {
	rows, err := s.database.QueryContext(ctx, `SELECT id, login, avatar_url, variant, notes, image FROM users ORDER BY seq`)
	if err != nil {
		return nil, wrap("query", fmt.Errorf("failed to query: %w", err))
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}(rows)

	out := make([]users.User, 0)
	for rows.Next() {
		var u users.User
		var variant string
		var notes sql.NullString
		var image []byte
		if err := rows.Scan(&u.ID, &u.Login, &u.AvatarURL, &variant, &notes, &image); err != nil {
			return nil, wrap("query", fmt.Errorf("failed to scan: %w", err))
		}
		u.Variant = users.ParseVariant(variant)
		if notes.Valid {
			n := notes.String
			u.Notes = &n
		}
		if len(image) > 0 {
			u.Image = image
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("query", err)
	}
	return out, nil
}

func (s *SQLite) UpsertImage(ctx context.Context, id int64, image []byte) error {
	res, err := s.database.ExecContext(ctx, `UPDATE users SET image = ? WHERE id = ?`, nullImage(image), id)
	if err != nil {
		return wrap("upsert image", fmt.Errorf("failed to update: %w", err))
	} else if r, err := res.RowsAffected(); err != nil {
		return wrap("upsert image", fmt.Errorf("failed to count rows affected: %w", err))
	} else if r == 0 {
		return wrap("upsert image", fmt.Errorf("no user with id %d", id))
	}
	return nil
}

func (s *SQLite) Close() error {
	return wrap("close", s.database.Close())
}

func nullNotes(u users.User) sql.NullString {
	if n, ok := u.NotesText(); ok {
		return sql.NullString{String: n, Valid: true}
	}
	return sql.NullString{}
}

func nullImage(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ Store = (*SQLite)(nil)
