package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/caracal-sh/caracal/pkg/contracts"
)

// SQLiteStore is the embedded backend for dev and single-node deployments.
// Advisory partition locks are process-local; sqlite files are single-writer
// anyway, so cross-process exclusion comes from the OS file lock.
type SQLiteStore struct {
	db *sql.DB

	lockMu sync.Mutex
	locks  map[int32]chan struct{}
}

// NewSQLiteStore opens (creating if needed) the database at path and runs
// migrations. Pass ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent appenders.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, locks: make(map[int32]chan struct{})}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS principals (
			id TEXT PRIMARY KEY,
			public_key BLOB NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			owner TEXT NOT NULL DEFAULT '',
			parent_id TEXT REFERENCES principals(id),
			created_at TEXT NOT NULL,
			deactivated INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS authority_policies (
			id TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL REFERENCES principals(id),
			resources TEXT NOT NULL,
			actions TEXT NOT NULL,
			max_validity_ms INTEGER NOT NULL,
			max_depth INTEGER NOT NULL,
			allow_delegation INTEGER NOT NULL,
			condition TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL,
			version INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE (principal_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS mandates (
			id TEXT PRIMARY KEY,
			issuer TEXT NOT NULL REFERENCES principals(id),
			subject TEXT NOT NULL REFERENCES principals(id),
			resources TEXT NOT NULL,
			actions TEXT NOT NULL,
			not_before TEXT NOT NULL,
			not_after TEXT NOT NULL,
			parent_id TEXT REFERENCES mandates(id),
			depth INTEGER NOT NULL,
			intent_hash TEXT NOT NULL DEFAULT '',
			signature BLOB NOT NULL,
			created_at TEXT NOT NULL,
			revoked_at TEXT,
			revoke_reason TEXT,
			revoker TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mandates_parent ON mandates(parent_id)`,
		`CREATE TABLE IF NOT EXISTS ledger_events (
			partition INTEGER NOT NULL,
			id INTEGER NOT NULL,
			ts_ms INTEGER NOT NULL,
			principal_id TEXT NOT NULL,
			type TEXT NOT NULL,
			mandate_id TEXT,
			action TEXT NOT NULL DEFAULT '',
			resource TEXT NOT NULL DEFAULT '',
			cost_minor_units INTEGER,
			currency TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			producer_seq INTEGER,
			metadata BLOB,
			content_hash BLOB NOT NULL,
			batch_id INTEGER,
			PRIMARY KEY (partition, id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_producer_seq
			ON ledger_events(principal_id, producer_seq)
			WHERE producer_seq IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_events_principal_ts
			ON ledger_events(principal_id, ts_ms)`,
		`CREATE TABLE IF NOT EXISTS merkle_batches (
			partition INTEGER NOT NULL,
			batch_id INTEGER NOT NULL,
			first_event_id INTEGER NOT NULL,
			last_event_id INTEGER NOT NULL,
			root_hash BLOB NOT NULL,
			signing_key_id TEXT NOT NULL,
			signature BLOB NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (partition, batch_id),
			UNIQUE (partition, first_event_id, last_event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			partition INTEGER NOT NULL,
			id INTEGER NOT NULL,
			ledger_offset INTEGER NOT NULL,
			state BLOB NOT NULL,
			taken_at TEXT NOT NULL,
			PRIMARY KEY (partition, id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func sqliteErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	default:
		return err
	}
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func scanTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}

func marshalStrings(vals []string) string {
	b, _ := json.Marshal(vals)
	return string(b)
}

func unmarshalStrings(raw string) []string {
	var out []string
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func (s *SQLiteStore) CreatePrincipal(ctx context.Context, p *contracts.Principal) error {
	var parent sql.NullString
	if p.ParentID != nil {
		parent = sql.NullString{String: p.ParentID.String(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO principals (id, public_key, display_name, owner, parent_id, created_at, deactivated)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.PublicKey, p.DisplayName, p.Owner, parent, fmtTime(p.CreatedAt), boolInt(p.Deactivated))
	return sqliteErr(err)
}

func (s *SQLiteStore) GetPrincipal(ctx context.Context, id uuid.UUID) (*contracts.Principal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, public_key, display_name, owner, parent_id, created_at, deactivated
		 FROM principals WHERE id = ?`, id.String())
	return scanPrincipal(row)
}

func scanPrincipal(row *sql.Row) (*contracts.Principal, error) {
	var (
		idStr, name, owner, createdAt string
		pubKey                        []byte
		parent                        sql.NullString
		deactivated                   int
	)
	err := row.Scan(&idStr, &pubKey, &name, &owner, &parent, &createdAt, &deactivated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: principal", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p := &contracts.Principal{
		ID:          uuid.MustParse(idStr),
		PublicKey:   pubKey,
		DisplayName: name,
		Owner:       owner,
		CreatedAt:   scanTime(createdAt),
		Deactivated: deactivated != 0,
	}
	if parent.Valid {
		pid := uuid.MustParse(parent.String)
		p.ParentID = &pid
	}
	return p, nil
}

func (s *SQLiteStore) DeactivatePrincipal(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE principals SET deactivated = 1 WHERE id = ?`, id.String())
	if err != nil {
		return sqliteErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: principal %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) CreatePolicy(ctx context.Context, p *contracts.AuthorityPolicy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var maxVersion sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM authority_policies WHERE principal_id = ?`,
		p.PrincipalID.String()).Scan(&maxVersion); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE authority_policies SET active = 0 WHERE principal_id = ? AND active = 1`,
		p.PrincipalID.String()); err != nil {
		return sqliteErr(err)
	}
	p.Version = int(maxVersion.Int64) + 1
	p.Active = true
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO authority_policies
		 (id, principal_id, resources, actions, max_validity_ms, max_depth, allow_delegation, condition, active, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		p.ID.String(), p.PrincipalID.String(), marshalStrings(p.Resources), marshalStrings(p.Actions),
		p.MaxValidity.Milliseconds(), p.MaxDepth, boolInt(p.AllowDelegation), p.Condition,
		p.Version, fmtTime(p.CreatedAt)); err != nil {
		return sqliteErr(err)
	}
	return tx.Commit()
}

const policyColumns = `id, principal_id, resources, actions, max_validity_ms, max_depth, allow_delegation, condition, active, version, created_at`

func (s *SQLiteStore) GetActivePolicy(ctx context.Context, principalID uuid.UUID) (*contracts.AuthorityPolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+policyColumns+` FROM authority_policies WHERE principal_id = ? AND active = 1`,
		principalID.String())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: active policy for %s", ErrNotFound, principalID)
	}
	return scanPolicy(rows)
}

func (s *SQLiteStore) PolicyHistory(ctx context.Context, principalID uuid.UUID) ([]contracts.AuthorityPolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+policyColumns+` FROM authority_policies WHERE principal_id = ? ORDER BY version`,
		principalID.String())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.AuthorityPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPolicy(rows *sql.Rows) (*contracts.AuthorityPolicy, error) {
	var (
		idStr, principalStr, resources, actions, condition, createdAt string
		maxValidityMS                                                 int64
		maxDepth, allowDelegation, active, version                    int
	)
	if err := rows.Scan(&idStr, &principalStr, &resources, &actions, &maxValidityMS,
		&maxDepth, &allowDelegation, &condition, &active, &version, &createdAt); err != nil {
		return nil, err
	}
	return &contracts.AuthorityPolicy{
		ID:              uuid.MustParse(idStr),
		PrincipalID:     uuid.MustParse(principalStr),
		Resources:       unmarshalStrings(resources),
		Actions:         unmarshalStrings(actions),
		MaxValidity:     time.Duration(maxValidityMS) * time.Millisecond,
		MaxDepth:        maxDepth,
		AllowDelegation: allowDelegation != 0,
		Condition:       condition,
		Active:          active != 0,
		Version:         version,
		CreatedAt:       scanTime(createdAt),
	}, nil
}

func (s *SQLiteStore) CreateMandate(ctx context.Context, m *contracts.Mandate, ev *contracts.LedgerEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var parent sql.NullString
	if m.ParentID != nil {
		parent = sql.NullString{String: m.ParentID.String(), Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO mandates
		 (id, issuer, subject, resources, actions, not_before, not_after, parent_id, depth, intent_hash, signature, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.Issuer.String(), m.Subject.String(),
		marshalStrings(m.Resources), marshalStrings(m.Actions),
		fmtTime(m.NotBefore), fmtTime(m.NotAfter), parent, m.Depth, m.IntentHash,
		m.Signature, fmtTime(m.CreatedAt)); err != nil {
		return sqliteErr(err)
	}
	if err := appendEventTx(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

const mandateColumns = `id, issuer, subject, resources, actions, not_before, not_after, parent_id, depth, intent_hash, signature, created_at, revoked_at, revoke_reason, revoker`

func (s *SQLiteStore) GetMandate(ctx context.Context, id uuid.UUID) (*contracts.Mandate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mandateColumns+` FROM mandates WHERE id = ?`, id.String())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: mandate %s", ErrNotFound, id)
	}
	return scanMandate(rows)
}

func (s *SQLiteStore) GetMandateChain(ctx context.Context, id uuid.UUID) ([]contracts.Mandate, error) {
	var chain []contracts.Mandate
	cur := &id
	for cur != nil {
		m, err := s.GetMandate(ctx, *cur)
		if err != nil {
			if errors.Is(err, ErrNotFound) && len(chain) > 0 {
				return nil, fmt.Errorf("%w: broken chain at %s", ErrIntegrity, *cur)
			}
			return nil, err
		}
		chain = append(chain, *m)
		cur = m.ParentID
	}
	return chain, nil
}

func (s *SQLiteStore) ChildMandates(ctx context.Context, parentID uuid.UUID) ([]contracts.Mandate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mandateColumns+` FROM mandates WHERE parent_id = ?`, parentID.String())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Mandate
	for rows.Next() {
		m, err := scanMandate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanMandate(rows *sql.Rows) (*contracts.Mandate, error) {
	var (
		idStr, issuerStr, subjectStr, resources, actions string
		notBefore, notAfter, intentHash, createdAt       string
		parent, revokedAt, revokeReason, revoker         sql.NullString
		depth                                            int
		signature                                        []byte
	)
	if err := rows.Scan(&idStr, &issuerStr, &subjectStr, &resources, &actions,
		&notBefore, &notAfter, &parent, &depth, &intentHash, &signature, &createdAt,
		&revokedAt, &revokeReason, &revoker); err != nil {
		return nil, err
	}
	m := &contracts.Mandate{
		ID:         uuid.MustParse(idStr),
		Issuer:     uuid.MustParse(issuerStr),
		Subject:    uuid.MustParse(subjectStr),
		Resources:  unmarshalStrings(resources),
		Actions:    unmarshalStrings(actions),
		NotBefore:  scanTime(notBefore),
		NotAfter:   scanTime(notAfter),
		Depth:      depth,
		IntentHash: intentHash,
		Signature:  signature,
		CreatedAt:  scanTime(createdAt),
	}
	if parent.Valid {
		pid := uuid.MustParse(parent.String)
		m.ParentID = &pid
	}
	if revokedAt.Valid {
		m.Revocation = &contracts.Revocation{
			RevokedAt: scanTime(revokedAt.String),
			Reason:    revokeReason.String,
			Revoker:   uuid.MustParse(revoker.String),
		}
	}
	return m, nil
}

func (s *SQLiteStore) RevokeMandate(ctx context.Context, id uuid.UUID, rev contracts.Revocation, ev *contracts.LedgerEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE mandates SET revoked_at = ?, revoke_reason = ?, revoker = ?
		 WHERE id = ? AND revoked_at IS NULL`,
		fmtTime(rev.RevokedAt), rev.Reason, rev.Revoker.String(), id.String())
	if err != nil {
		return sqliteErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM mandates WHERE id = ?`, id.String()).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("%w: mandate %s", ErrNotFound, id)
		}
		return fmt.Errorf("%w: mandate %s already revoked", ErrConflict, id)
	}
	if err := appendEventTx(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *contracts.LedgerEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := appendEventTx(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

// appendEventTx assigns the next dense id for the event's partition and
// inserts the row. The caller owns the transaction.
func appendEventTx(ctx context.Context, tx *sql.Tx, ev *contracts.LedgerEvent) error {
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) + 1 FROM ledger_events WHERE partition = ?`,
		ev.Partition).Scan(&ev.ID); err != nil {
		return err
	}
	if err := StampContentHash(ev); err != nil {
		return err
	}
	var mandateID sql.NullString
	if ev.MandateID != nil {
		mandateID = sql.NullString{String: ev.MandateID.String(), Valid: true}
	}
	var cost, seq sql.NullInt64
	if ev.CostMinorUnits != nil {
		cost = sql.NullInt64{Int64: *ev.CostMinorUnits, Valid: true}
	}
	if ev.ProducerSeq != nil {
		seq = sql.NullInt64{Int64: *ev.ProducerSeq, Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_events
		 (partition, id, ts_ms, principal_id, type, mandate_id, action, resource,
		  cost_minor_units, currency, outcome, correlation_id, producer_seq, metadata, content_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Partition, ev.ID, ev.TSMillis, ev.PrincipalID.String(), string(ev.Type),
		mandateID, ev.Action, ev.Resource, cost, ev.Currency, string(ev.Outcome),
		ev.CorrelationID, seq, ev.Metadata, ev.ContentHash)
	return sqliteErr(err)
}

const eventColumns = `partition, id, ts_ms, principal_id, type, mandate_id, action, resource, cost_minor_units, currency, outcome, correlation_id, producer_seq, metadata, content_hash, batch_id`

func (s *SQLiteStore) GetEvent(ctx context.Context, partition int32, id int64) (*contracts.LedgerEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE partition = ? AND id = ?`,
		partition, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: event %d in partition %d", ErrNotFound, id, partition)
	}
	return scanEvent(rows)
}

func (s *SQLiteStore) MaxEventID(ctx context.Context, partition int32) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM ledger_events WHERE partition = ?`, partition).Scan(&max)
	return max, err
}

func (s *SQLiteStore) EventsInRange(ctx context.Context, partition int32, firstID, lastID int64) ([]contracts.LedgerEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM ledger_events
		 WHERE partition = ? AND id >= ? AND id <= ? ORDER BY id`,
		partition, firstID, lastID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectEvents(rows)
}

func (s *SQLiteStore) EventsByPrincipal(ctx context.Context, principalID uuid.UUID, from, to time.Time) ([]contracts.LedgerEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM ledger_events
		 WHERE principal_id = ? AND ts_ms >= ? AND ts_ms < ? ORDER BY ts_ms`,
		principalID.String(), from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectEvents(rows)
}

func (s *SQLiteStore) SumSpending(ctx context.Context, principalID uuid.UUID, from, to time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_minor_units), 0) FROM ledger_events
		 WHERE principal_id = ? AND type = ? AND ts_ms >= ? AND ts_ms < ?`,
		principalID.String(), string(contracts.EventMetering), from.UnixMilli(), to.UnixMilli()).Scan(&total)
	return total, err
}

func collectEvents(rows *sql.Rows) ([]contracts.LedgerEvent, error) {
	var out []contracts.LedgerEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (*contracts.LedgerEvent, error) {
	var (
		partition                                                   int32
		id, tsMS                                                    int64
		principalStr, typ, action, resource, currency, outcome, cid string
		mandateID                                                   sql.NullString
		cost, seq, batchID                                          sql.NullInt64
		metadata, contentHash                                       []byte
	)
	if err := rows.Scan(&partition, &id, &tsMS, &principalStr, &typ, &mandateID,
		&action, &resource, &cost, &currency, &outcome, &cid, &seq, &metadata,
		&contentHash, &batchID); err != nil {
		return nil, err
	}
	ev := &contracts.LedgerEvent{
		ID:            id,
		Partition:     partition,
		TSMillis:      tsMS,
		PrincipalID:   uuid.MustParse(principalStr),
		Type:          contracts.EventType(typ),
		Action:        action,
		Resource:      resource,
		Currency:      currency,
		Outcome:       contracts.Outcome(outcome),
		CorrelationID: cid,
		Metadata:      metadata,
		ContentHash:   contentHash,
	}
	if mandateID.Valid {
		mid := uuid.MustParse(mandateID.String)
		ev.MandateID = &mid
	}
	if cost.Valid {
		v := cost.Int64
		ev.CostMinorUnits = &v
	}
	if seq.Valid {
		v := seq.Int64
		ev.ProducerSeq = &v
	}
	if batchID.Valid {
		v := batchID.Int64
		ev.BatchID = &v
	}
	return ev, nil
}

func (s *SQLiteStore) SealBatch(ctx context.Context, b *contracts.MerkleBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Re-sealing the same range is a no-op returning the stored batch.
	var existingID int64
	err = tx.QueryRowContext(ctx,
		`SELECT batch_id FROM merkle_batches
		 WHERE partition = ? AND first_event_id = ? AND last_event_id = ?`,
		b.Partition, b.FirstEventID, b.LastEventID).Scan(&existingID)
	if err == nil {
		b.BatchID = existingID
		return tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	var maxEvent int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM ledger_events WHERE partition = ?`,
		b.Partition).Scan(&maxEvent); err != nil {
		return err
	}
	if b.FirstEventID < 1 || b.LastEventID > maxEvent || b.FirstEventID > b.LastEventID {
		return fmt.Errorf("%w: batch range [%d,%d] outside ledger", ErrIntegrity, b.FirstEventID, b.LastEventID)
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(batch_id), 0) + 1 FROM merkle_batches WHERE partition = ?`,
		b.Partition).Scan(&b.BatchID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO merkle_batches
		 (partition, batch_id, first_event_id, last_event_id, root_hash, signing_key_id, signature, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Partition, b.BatchID, b.FirstEventID, b.LastEventID, b.RootHash,
		b.SigningKeyID, b.Signature, fmtTime(b.CreatedAt)); err != nil {
		return sqliteErr(err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE ledger_events SET batch_id = ? WHERE partition = ? AND id >= ? AND id <= ?`,
		b.BatchID, b.Partition, b.FirstEventID, b.LastEventID); err != nil {
		return sqliteErr(err)
	}
	return tx.Commit()
}

const batchColumns = `partition, batch_id, first_event_id, last_event_id, root_hash, signing_key_id, signature, created_at`

func (s *SQLiteStore) GetBatch(ctx context.Context, partition int32, batchID int64) (*contracts.MerkleBatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM merkle_batches WHERE partition = ? AND batch_id = ?`,
		partition, batchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: batch %d in partition %d", ErrNotFound, batchID, partition)
	}
	return scanBatch(rows)
}

func (s *SQLiteStore) BatchesInRange(ctx context.Context, partition int32, firstEventID, lastEventID int64) ([]contracts.MerkleBatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM merkle_batches
		 WHERE partition = ? AND last_event_id >= ? AND first_event_id <= ?
		 ORDER BY first_event_id`,
		partition, firstEventID, lastEventID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.MerkleBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func scanBatch(rows *sql.Rows) (*contracts.MerkleBatch, error) {
	var (
		partition                 int32
		batchID, firstID, lastID  int64
		rootHash, signature       []byte
		signingKeyID, createdAt   string
	)
	if err := rows.Scan(&partition, &batchID, &firstID, &lastID, &rootHash,
		&signingKeyID, &signature, &createdAt); err != nil {
		return nil, err
	}
	return &contracts.MerkleBatch{
		BatchID:      batchID,
		Partition:    partition,
		FirstEventID: firstID,
		LastEventID:  lastID,
		RootHash:     rootHash,
		SigningKeyID: signingKeyID,
		Signature:    signature,
		CreatedAt:    scanTime(createdAt),
	}, nil
}

func (s *SQLiteStore) SealedHighWaterMark(ctx context.Context, partition int32) (int64, error) {
	var hwm int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(last_event_id), 0) FROM merkle_batches WHERE partition = ?`,
		partition).Scan(&hwm)
	return hwm, err
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *contracts.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) + 1 FROM snapshots WHERE partition = ?`,
		snap.Partition).Scan(&snap.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (partition, id, ledger_offset, state, taken_at)
		 VALUES (?, ?, ?, ?, ?)`,
		snap.Partition, snap.ID, snap.LedgerOffset, snap.State, fmtTime(snap.TakenAt)); err != nil {
		return sqliteErr(err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context, partition int32) (*contracts.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT partition, id, ledger_offset, state, taken_at FROM snapshots
		 WHERE partition = ? ORDER BY id DESC LIMIT 1`, partition)
	var (
		part            int32
		id, offset      int64
		state           []byte
		takenAt         string
	)
	err := row.Scan(&part, &id, &offset, &state, &takenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: snapshot for partition %d", ErrNotFound, partition)
	}
	if err != nil {
		return nil, err
	}
	return &contracts.Snapshot{
		ID:           id,
		Partition:    part,
		LedgerOffset: offset,
		State:        state,
		TakenAt:      scanTime(takenAt),
	}, nil
}

func (s *SQLiteStore) AcquirePartitionLock(ctx context.Context, partition int32) (func() error, error) {
	s.lockMu.Lock()
	ch, ok := s.locks[partition]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[partition] = ch
	}
	s.lockMu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() error {
			<-ch
			return nil
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
