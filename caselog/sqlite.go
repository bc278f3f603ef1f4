package caselog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable Store backed by a SQLite database in WAL mode.
// Each record is one row keyed (case_id, seq); the append transaction
// checks the head sequence so a torn write can never leave a gap.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the log database at path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open log database: %w", err)
	}
	// The append transaction relies on a single writer.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate log database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		case_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (case_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_records_case ON records(case_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, caseID string, expectedSeq int64, recs []*Record) (int64, error) {
	if len(recs) == 0 {
		return 0, fmt.Errorf("caselog: append of zero records")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	head, err := headSeq(ctx, tx, caseID)
	if err != nil {
		return 0, err
	}
	if expectedSeq != head {
		return 0, ErrSequenceConflict
	}

	seq := head
	for _, r := range recs {
		seq++
		cp := *r
		cp.CaseID = caseID
		cp.Seq = seq
		payload, err := json.Marshal(&cp)
		if err != nil {
			return 0, fmt.Errorf("encode record: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO records (case_id, seq, kind, payload) VALUES (?, ?, ?, ?)`,
			caseID, seq, string(cp.Kind), string(payload)); err != nil {
			return 0, fmt.Errorf("insert record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return seq, nil
}

func headSeq(ctx context.Context, tx *sql.Tx, caseID string) (int64, error) {
	var head sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM records WHERE case_id = ?`, caseID).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("query head: %w", err)
	}
	if !head.Valid {
		return -1, nil
	}
	return head.Int64, nil
}

func (s *SQLiteStore) Read(ctx context.Context, caseID string, fromSeq int64) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, payload FROM records WHERE case_id = ? AND seq >= ? ORDER BY seq`,
		caseID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	next := fromSeq
	for rows.Next() {
		var seq int64
		var payload string
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if seq != next {
			return nil, &CorruptLogError{CaseID: caseID, Seq: next,
				Err: fmt.Errorf("sequence gap, next stored is %d", seq)}
		}
		var rec Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, &CorruptLogError{CaseID: caseID, Seq: seq, Err: err}
		}
		rec.Seq = seq
		out = append(out, &rec)
		next++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Head(ctx context.Context, caseID string) (int64, error) {
	var head sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM records WHERE case_id = ?`, caseID).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("query head: %w", err)
	}
	if !head.Valid {
		return -1, nil
	}
	return head.Int64, nil
}

func (s *SQLiteStore) Cases(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT case_id FROM records ORDER BY case_id`)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan case id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
