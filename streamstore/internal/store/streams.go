// CLAUDE:SUMMARY Stream and commit persistence — genesis insert, tip-checked append, ordered commit log, metadata and pins.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/streamreg/dbopen"
)

var (
	// ErrNotFound is returned for unknown streams.
	ErrNotFound = errors.New("store: stream not found")
	// ErrExists is returned when a genesis would create an existing stream.
	ErrExists = errors.New("store: stream already exists")
)

// ErrStaleTip is returned when an append does not build on the current tip.
type ErrStaleTip struct {
	StreamID string
	Tip      string
	Prev     string
}

func (e *ErrStaleTip) Error() string {
	return fmt.Sprintf("store: stream %s: prev %s is not the tip %s", e.StreamID, e.Prev, e.Tip)
}

// Commit is one stored commit.
type Commit struct {
	CID      string
	Seq      int
	PrevCID  string
	Envelope json.RawMessage
}

// Stream is the metadata row of a stream.
type Stream struct {
	ID          string
	GenesisCID  string
	Controllers []string
	TipCID      string
	Log         []string
	Pinned      bool
	CreatedAt   int64
	UpdatedAt   int64
}

// CreateStream inserts a stream together with its genesis commit.
func (s *Store) CreateStream(ctx context.Context, streamID, genesisCID string, controllers []string, envelope []byte) error {
	ctrl, err := json.Marshal(controllers)
	if err != nil {
		return fmt.Errorf("store: encode controllers: %w", err)
	}
	now := time.Now().UnixMilli()
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM streams WHERE stream_id = ?`, streamID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrExists
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO streams (stream_id, genesis_cid, controllers, tip_cid, created_at, updated_at)
			VALUES (?,?,?,?,?,?)`,
			streamID, genesisCID, string(ctrl), genesisCID, now, now); err != nil {
			return fmt.Errorf("store: insert stream: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO commits (cid, stream_id, seq, prev_cid, envelope, created_at)
			VALUES (?,?,0,NULL,?,?)`,
			genesisCID, streamID, string(envelope), now); err != nil {
			return fmt.Errorf("store: insert genesis: %w", err)
		}
		return nil
	})
}

// AppendCommit adds a commit after prev, which must be the stream's tip.
func (s *Store) AppendCommit(ctx context.Context, streamID, prev, cid string, envelope []byte) error {
	now := time.Now().UnixMilli()
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		var tip string
		err := tx.QueryRowContext(ctx,
			`SELECT tip_cid FROM streams WHERE stream_id = ?`, streamID).Scan(&tip)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if tip != prev {
			return &ErrStaleTip{StreamID: streamID, Tip: tip, Prev: prev}
		}

		var seq int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), -1) + 1 FROM commits WHERE stream_id = ?`, streamID).Scan(&seq); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO commits (cid, stream_id, seq, prev_cid, envelope, created_at)
			VALUES (?,?,?,?,?,?)`,
			cid, streamID, seq, prev, string(envelope), now); err != nil {
			return fmt.Errorf("store: insert commit: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE streams SET tip_cid = ?, updated_at = ? WHERE stream_id = ?`, cid, now, streamID)
		return err
	})
}

// Commits returns the chain of a stream, genesis first.
func (s *Store) Commits(ctx context.Context, streamID string) ([]Commit, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT cid, seq, COALESCE(prev_cid, ''), envelope
		FROM commits WHERE stream_id = ? ORDER BY seq`, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Commit
	for rows.Next() {
		var c Commit
		var env string
		if err := rows.Scan(&c.CID, &c.Seq, &c.PrevCID, &env); err != nil {
			return nil, err
		}
		c.Envelope = json.RawMessage(env)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// GetStream returns the metadata of a stream, including its CID log.
func (s *Store) GetStream(ctx context.Context, streamID string) (*Stream, error) {
	st := &Stream{ID: streamID}
	var ctrl string
	var pinned int
	err := s.DB.QueryRowContext(ctx, `
		SELECT s.genesis_cid, s.controllers, s.tip_cid, s.created_at, s.updated_at,
		       EXISTS(SELECT 1 FROM pins p WHERE p.stream_id = s.stream_id)
		FROM streams s WHERE s.stream_id = ?`, streamID).Scan(
		&st.GenesisCID, &ctrl, &st.TipCID, &st.CreatedAt, &st.UpdatedAt, &pinned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ctrl), &st.Controllers); err != nil {
		return nil, fmt.Errorf("store: decode controllers: %w", err)
	}
	st.Pinned = pinned != 0

	rows, err := s.DB.QueryContext(ctx,
		`SELECT cid FROM commits WHERE stream_id = ? ORDER BY seq`, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			return nil, err
		}
		st.Log = append(st.Log, cid)
	}
	return st, rows.Err()
}

// Pin marks a stream as pinned. Pinning twice is a no-op.
func (s *Store) Pin(ctx context.Context, streamID string) error {
	if err := s.exists(ctx, streamID); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO pins (stream_id, pinned_at) VALUES (?, ?)`,
		streamID, time.Now().UnixMilli())
	return err
}

// Unpin clears the pin of a stream. Unpinning an unpinned stream is a no-op.
func (s *Store) Unpin(ctx context.Context, streamID string) error {
	if err := s.exists(ctx, streamID); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, `DELETE FROM pins WHERE stream_id = ?`, streamID)
	return err
}

func (s *Store) exists(ctx context.Context, streamID string) error {
	var n int
	if err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM streams WHERE stream_id = ?`, streamID).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats holds store-wide counters.
type Stats struct {
	Streams int `json:"streams"`
	Commits int `json:"commits"`
	Pinned  int `json:"pinned"`
}

// Stats counts streams, commits and pins.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	err := s.DB.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM streams),
		       (SELECT COUNT(*) FROM commits),
		       (SELECT COUNT(*) FROM pins)`).Scan(&st.Streams, &st.Commits, &st.Pinned)
	return st, err
}
