// Package gallery keeps saved sketches in a local sqlite database.
package gallery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

var ErrNotFound = errors.New("sketch not found")

// Sketch is one saved canvas.
type Sketch struct {
	ID        string
	Timestamp time.Time
	ImageData []byte
	Title     string
	// RemoteID is the ledger id once uploaded.
	RemoteID string
}

type Store struct {
	database *sql.DB
}

// Open opens (creating if needed) the gallery database at path. Use
// ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open gallery %s: %w", path, err)
	}
	if path == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	s := &Store{database: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS sketches (
		id text not null primary key,
		created_at integer not null,
		title text not null,
		image blob not null,
		remote_id text not null default ''
		)`,
	); err != nil {
		return fmt.Errorf("failed to create sketches table: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.database.Close()
}

// Insert stores sk, assigning an id and timestamp when they are unset, and
// returns the stored record.
func (s *Store) Insert(ctx context.Context, sk Sketch) (Sketch, error) {
	if sk.Timestamp.IsZero() {
		sk.Timestamp = time.Now()
	}
	if sk.ID == "" {
		sk.ID = ulid.MustNew(ulid.Timestamp(sk.Timestamp), ulid.DefaultEntropy()).String()
	}
	if sk.ImageData == nil {
		sk.ImageData = []byte{}
	}
	if _, err := s.database.ExecContext(
		ctx, `INSERT INTO sketches (id, created_at, title, image, remote_id) VALUES (?, ?, ?, ?, ?)`,
		sk.ID,
		sk.Timestamp.UnixMilli(),
		sk.Title,
		sk.ImageData,
		sk.RemoteID,
	); err != nil {
		return Sketch{}, fmt.Errorf("failed to insert sketch: %w", err)
	}
	glog.V(1).Infof("[gallery]inserted %s %q", sk.ID, sk.Title)
	return sk, nil
}

func (s *Store) Get(ctx context.Context, id string) (Sketch, error) {
	row := s.database.QueryRowContext(
		ctx, `SELECT id, created_at, title, image, remote_id FROM sketches WHERE id = ?`, id,
	)
	sk, err := scanSketch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Sketch{}, ErrNotFound
	} else if err != nil {
		return Sketch{}, fmt.Errorf("failed to get sketch %s: %w", id, err)
	}
	return sk, nil
}

// List returns every sketch, newest first.
func (s *Store) List(ctx context.Context) ([]Sketch, error) {
	res, err := s.database.QueryContext(
		ctx, `SELECT id, created_at, title, image, remote_id FROM sketches ORDER BY created_at DESC, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(res *sql.Rows) {
		if err := res.Close(); err != nil {
			glog.Errorf("[gallery]failed to close rows: %s", err)
		}
	}(res)

	sketches := []Sketch{}
	for res.Next() {
		sk, err := scanSketch(res)
		if err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		sketches = append(sketches, sk)
	}
	return sketches, res.Err()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.database.ExecContext(ctx, `DELETE FROM sketches WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete sketch %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRemoteID records where the sketch was uploaded.
func (s *Store) SetRemoteID(ctx context.Context, id string, remoteID string) error {
	res, err := s.database.ExecContext(ctx, `UPDATE sketches SET remote_id = ? WHERE id = ?`, remoteID, id)
	if err != nil {
		return fmt.Errorf("failed to update sketch %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSketch(row scanner) (Sketch, error) {
	var sk Sketch
	var createdAt int64
	if err := row.Scan(&sk.ID, &createdAt, &sk.Title, &sk.ImageData, &sk.RemoteID); err != nil {
		return Sketch{}, err
	}
	sk.Timestamp = time.UnixMilli(createdAt)
	return sk, nil
}
