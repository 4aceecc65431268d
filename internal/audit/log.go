package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/warden/internal/database"
)

// schema is the audit database DDL. The table is append-only: no UPDATE or
// DELETE statements exist anywhere in this package.
const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	seq INTEGER PRIMARY KEY,
	ts TEXT NOT NULL,
	kind TEXT NOT NULL,
	actor TEXT NOT NULL,
	clause_refs TEXT,
	subject_ids TEXT,
	constitution_version TEXT,
	payload TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_records(kind);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_records(ts);
`

// Log is the append-only audit log. Writes are serialized through a single
// mutex so sequence numbers are assigned atomically; the backing database
// uses the ledger profile (synchronous=FULL), so a successful Append implies
// the record survived fsync.
type Log struct {
	db                  *sql.DB
	constitutionVersion string
	log                 zerolog.Logger

	mu             sync.Mutex
	nextSeq        int64
	flushedThrough int64
}

// NewLog opens the audit log over the given ledger-profile database, applies
// the schema, and resumes the sequence after the highest persisted record.
func NewLog(db *database.DB, constitutionVersion string, log zerolog.Logger) (*Log, error) {
	if db.Profile() != database.ProfileLedger {
		return nil, fmt.Errorf("audit log requires the ledger database profile, got %q", db.Profile())
	}

	if _, err := db.Conn().Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply audit schema: %w", err)
	}

	var maxSeq sql.NullInt64
	if err := db.Conn().QueryRow(`SELECT MAX(seq) FROM audit_records`).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("failed to read audit sequence: %w", err)
	}

	l := &Log{
		db:                  db.Conn(),
		constitutionVersion: constitutionVersion,
		log:                 log.With().Str("service", "audit").Logger(),
		nextSeq:             maxSeq.Int64 + 1,
		flushedThrough:      maxSeq.Int64,
	}
	return l, nil
}

// Append persists a record and returns its assigned sequence number. The
// record's Seq, Timestamp and ConstitutionVersion fields are set by the log.
// Returns only after the transaction committed; the ledger profile fsyncs on
// commit, so the record is durable once Append returns.
func (l *Log) Append(rec Record) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.nextSeq
	rec.Seq = seq
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.ConstitutionVersion == "" && len(rec.ClauseRefs) > 0 {
		rec.ConstitutionVersion = l.constitutionVersion
	}

	clauseJSON, err := marshalStrings(rec.ClauseRefs)
	if err != nil {
		return 0, fmt.Errorf("failed to encode clause refs: %w", err)
	}
	subjectJSON, err := marshalStrings(rec.SubjectIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to encode subject ids: %w", err)
	}
	var payloadJSON []byte
	if rec.Payload != nil {
		payloadJSON, err = json.Marshal(rec.Payload)
		if err != nil {
			return 0, fmt.Errorf("failed to encode payload: %w", err)
		}
	}

	err = database.WithTransaction(l.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO audit_records (seq, ts, kind, actor, clause_refs, subject_ids, constitution_version, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.Seq,
			rec.Timestamp.Format(time.RFC3339Nano),
			string(rec.Kind),
			rec.Actor,
			nullable(clauseJSON),
			nullable(subjectJSON),
			nullableString(rec.ConstitutionVersion),
			nullable(payloadJSON),
		)
		return err
	})
	if err != nil {
		// The sequence is not advanced on failure, so the run stays gap-free.
		return 0, fmt.Errorf("failed to append audit record: %w", err)
	}

	l.nextSeq++
	l.flushedThrough = seq
	return seq, nil
}

// Healthy probes the backing database.
func (l *Log) Healthy() error {
	var one int
	if err := l.db.QueryRow(`SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("audit database unreachable: %w", err)
	}
	return nil
}

// FlushedThrough returns the highest sequence number known durable.
func (l *Log) FlushedThrough() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushedThrough
}

// Query returns records matching the filter in ascending sequence order.
// Readers never block the writer beyond the connection pool.
func (l *Log) Query(filter Filter) ([]Record, error) {
	var (
		conds []string
		args  []interface{}
	)
	if len(filter.Kinds) > 0 {
		placeholders := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		conds = append(conds, fmt.Sprintf("kind IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.SubjectID != "" {
		// subject_ids is a JSON array; match the quoted element.
		conds = append(conds, "subject_ids LIKE ?")
		args = append(args, `%"`+filter.SubjectID+`"%`)
	}
	if filter.SinceSeq > 0 {
		conds = append(conds, "seq > ?")
		args = append(args, filter.SinceSeq)
	}

	query := `SELECT seq, ts, kind, actor, clause_refs, subject_ids, constitution_version, payload FROM audit_records`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}
	return records, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec        Record
		ts         string
		kind       string
		clauseJSON sql.NullString
		subjJSON   sql.NullString
		version    sql.NullString
		payload    sql.NullString
	)
	if err := rows.Scan(&rec.Seq, &ts, &kind, &rec.Actor, &clauseJSON, &subjJSON, &version, &payload); err != nil {
		return rec, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return rec, fmt.Errorf("bad timestamp %q: %w", ts, err)
	}
	rec.Timestamp = parsed
	rec.Kind = Kind(kind)
	rec.ConstitutionVersion = version.String

	if clauseJSON.Valid && clauseJSON.String != "" {
		if err := json.Unmarshal([]byte(clauseJSON.String), &rec.ClauseRefs); err != nil {
			return rec, fmt.Errorf("bad clause refs: %w", err)
		}
	}
	if subjJSON.Valid && subjJSON.String != "" {
		if err := json.Unmarshal([]byte(subjJSON.String), &rec.SubjectIDs); err != nil {
			return rec, fmt.Errorf("bad subject ids: %w", err)
		}
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &rec.Payload); err != nil {
			return rec, fmt.Errorf("bad payload: %w", err)
		}
	}
	return rec, nil
}

func marshalStrings(values []string) ([]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}
	return json.Marshal(values)
}

func nullable(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
