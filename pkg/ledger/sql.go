package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/Mindburn-Labs/sijill/pkg/chain"
	"github.com/Mindburn-Labs/sijill/pkg/record"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (creating if needed) a SQLite ledger database with
// WAL journaling and full synchronous mode, so a committed append is
// fsync-durable before the call returns.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?%s", url.PathEscape(path), url.Values{
		"_pragma": []string{"journal_mode(WAL)", "synchronous(FULL)", "busy_timeout(5000)"},
	}.Encode())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	// The writer lock serializes appends; a single connection avoids
	// SQLITE_BUSY between the writer and concurrent readers in tests.
	db.SetMaxOpenConns(1)
	return db, nil
}

const selectEntry = `
SELECT id, decision_type, input_snapshot, output_snapshot, model_version,
       reasoning_primary, reasoning_secondary, ts_civil, ts_hijri,
       entry_hash, prev_hash
FROM entries`

func insertEntryTx(ctx context.Context, tx *sql.Tx, blockID uint64, e chain.Entry) error {
	var secondary sql.NullString
	if e.Record.Reasoning.Secondary != "" {
		secondary = sql.NullString{String: e.Record.Reasoning.Secondary, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO entries (
			id, block_id, decision_type, input_snapshot, output_snapshot,
			model_version, reasoning_primary, reasoning_secondary,
			ts_civil, ts_hijri, entry_hash, prev_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, blockID, e.Record.DecisionType,
		string(e.Record.InputSnapshot), string(e.Record.OutputSnapshot),
		e.Record.ModelVersion, e.Record.Reasoning.Primary, secondary,
		formatTime(e.Record.Timestamp.Civil), e.Record.Timestamp.Hijri,
		e.EntryHash.String(), e.PrevHash.String(),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntryFrom(row rowScanner) (chain.Entry, error) {
	var (
		e            chain.Entry
		decisionType string
		input        string
		output       string
		secondary    sql.NullString
		tsCivil      string
		entryHash    string
		prevHash     string
	)
	err := row.Scan(&e.ID, &decisionType, &input, &output,
		&e.Record.ModelVersion, &e.Record.Reasoning.Primary, &secondary,
		&tsCivil, &e.Record.Timestamp.Hijri, &entryHash, &prevHash)
	if err != nil {
		return chain.Entry{}, err
	}
	e.Record.DecisionType = record.DecisionType(decisionType)
	e.Record.InputSnapshot = []byte(input)
	e.Record.OutputSnapshot = []byte(output)
	e.Record.Reasoning.Secondary = secondary.String
	e.Record.Timestamp.Civil = parseTime(tsCivil)
	e.EntryHash = digest.Digest(entryHash)
	e.PrevHash = digest.Digest(prevHash)
	return e, nil
}

func scanEntryRow(row *sql.Row) (chain.Entry, error) {
	return scanEntryFrom(row)
}

func scanEntries(rows *sql.Rows) ([]chain.Entry, error) {
	var entries []chain.Entry
	for rows.Next() {
		e, err := scanEntryFrom(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func scanBlocks(rows *sql.Rows) ([]Block, error) {
	var blocks []Block
	for rows.Next() {
		var (
			b         Block
			endID     sql.NullInt64
			blockHash sql.NullString
			state     string
			openedAt  string
			sealedAt  sql.NullString
		)
		if err := rows.Scan(&b.BlockID, &b.StartID, &endID, &blockHash, &state, &openedAt, &sealedAt); err != nil {
			return nil, err
		}
		b.EndID = uint64(endID.Int64)
		b.BlockHash = digest.Digest(blockHash.String)
		b.State = BlockState(state)
		b.OpenedAt = parseTime(openedAt)
		if sealedAt.Valid {
			b.SealedAt = parseTime(sealedAt.String)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return blocks, nil
}

// formatTime keeps the original zone offset so that a scanned entry
// re-marshals to the exact bytes that were hashed at append time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
