package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/caracal-sh/caracal/pkg/contracts"
)

// PostgresStore is the production backend. Partition locks use
// pg_advisory_lock on a dedicated connection so the lock survives exactly as
// long as the session that took it.
type PostgresStore struct {
	db *sql.DB
}

// lockKeyspace namespaces our advisory lock keys within the database.
const lockKeyspace int32 = 0x4352434c // "CRCL"

// NewPostgresStore wraps an open *sql.DB and runs migrations.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS principals (
			id UUID PRIMARY KEY,
			public_key BYTEA NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			owner TEXT NOT NULL DEFAULT '',
			parent_id UUID REFERENCES principals(id),
			created_at TIMESTAMPTZ NOT NULL,
			deactivated BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS authority_policies (
			id UUID PRIMARY KEY,
			principal_id UUID NOT NULL REFERENCES principals(id),
			resources TEXT[] NOT NULL,
			actions TEXT[] NOT NULL,
			max_validity_ms BIGINT NOT NULL,
			max_depth INT NOT NULL,
			allow_delegation BOOLEAN NOT NULL,
			condition TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL,
			version INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (principal_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS mandates (
			id UUID PRIMARY KEY,
			issuer UUID NOT NULL REFERENCES principals(id),
			subject UUID NOT NULL REFERENCES principals(id),
			resources TEXT[] NOT NULL,
			actions TEXT[] NOT NULL,
			not_before TIMESTAMPTZ NOT NULL,
			not_after TIMESTAMPTZ NOT NULL,
			parent_id UUID REFERENCES mandates(id),
			depth INT NOT NULL,
			intent_hash TEXT NOT NULL DEFAULT '',
			signature BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			revoked_at TIMESTAMPTZ,
			revoke_reason TEXT,
			revoker UUID
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mandates_parent ON mandates(parent_id)`,
		`CREATE TABLE IF NOT EXISTS ledger_events (
			partition INT NOT NULL,
			id BIGINT NOT NULL,
			ts_ms BIGINT NOT NULL,
			principal_id UUID NOT NULL,
			type TEXT NOT NULL,
			mandate_id UUID,
			action TEXT NOT NULL DEFAULT '',
			resource TEXT NOT NULL DEFAULT '',
			cost_minor_units BIGINT,
			currency TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			producer_seq BIGINT,
			metadata JSONB,
			content_hash BYTEA NOT NULL,
			batch_id BIGINT,
			PRIMARY KEY (partition, id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_producer_seq
			ON ledger_events(principal_id, producer_seq)
			WHERE producer_seq IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_events_principal_ts
			ON ledger_events(principal_id, ts_ms)`,
		`CREATE TABLE IF NOT EXISTS merkle_batches (
			partition INT NOT NULL,
			batch_id BIGINT NOT NULL,
			first_event_id BIGINT NOT NULL,
			last_event_id BIGINT NOT NULL,
			root_hash BYTEA NOT NULL,
			signing_key_id TEXT NOT NULL,
			signature BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (partition, batch_id),
			UNIQUE (partition, first_event_id, last_event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			partition INT NOT NULL,
			id BIGINT NOT NULL,
			ledger_offset BIGINT NOT NULL,
			state JSONB NOT NULL,
			taken_at TIMESTAMPTZ NOT NULL,
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

// pgErr maps postgres error classes onto the store sentinels.
func pgErr(err error) error {
	if err == nil {
		return nil
	}
	var pqe *pq.Error
	if errors.As(err, &pqe) {
		switch pqe.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
	}
	return err
}

func (s *PostgresStore) CreatePrincipal(ctx context.Context, p *contracts.Principal) error {
	var parent any
	if p.ParentID != nil {
		parent = p.ParentID.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO principals (id, public_key, display_name, owner, parent_id, created_at, deactivated)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.PublicKey, p.DisplayName, p.Owner, parent, p.CreatedAt, p.Deactivated)
	return pgErr(err)
}

func (s *PostgresStore) GetPrincipal(ctx context.Context, id uuid.UUID) (*contracts.Principal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, public_key, display_name, owner, parent_id, created_at, deactivated
		 FROM principals WHERE id = $1`, id)
	var (
		p      contracts.Principal
		parent sql.NullString
	)
	err := row.Scan(&p.ID, &p.PublicKey, &p.DisplayName, &p.Owner, &parent, &p.CreatedAt, &p.Deactivated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: principal %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		pid := uuid.MustParse(parent.String)
		p.ParentID = &pid
	}
	return &p, nil
}

func (s *PostgresStore) DeactivatePrincipal(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE principals SET deactivated = TRUE WHERE id = $1`, id)
	if err != nil {
		return pgErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: principal %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) CreatePolicy(ctx context.Context, p *contracts.AuthorityPolicy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var maxVersion sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM authority_policies WHERE principal_id = $1 FOR UPDATE`,
		p.PrincipalID).Scan(&maxVersion); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE authority_policies SET active = FALSE WHERE principal_id = $1 AND active = TRUE`,
		p.PrincipalID); err != nil {
		return pgErr(err)
	}
	p.Version = int(maxVersion.Int64) + 1
	p.Active = true
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO authority_policies
		 (id, principal_id, resources, actions, max_validity_ms, max_depth, allow_delegation, condition, active, version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9, $10)`,
		p.ID, p.PrincipalID, pq.Array(p.Resources), pq.Array(p.Actions),
		p.MaxValidity.Milliseconds(), p.MaxDepth, p.AllowDelegation, p.Condition,
		p.Version, p.CreatedAt); err != nil {
		return pgErr(err)
	}
	return tx.Commit()
}

const pgPolicyColumns = `id, principal_id, resources, actions, max_validity_ms, max_depth, allow_delegation, condition, active, version, created_at`

func (s *PostgresStore) GetActivePolicy(ctx context.Context, principalID uuid.UUID) (*contracts.AuthorityPolicy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgPolicyColumns+` FROM authority_policies WHERE principal_id = $1 AND active = TRUE`,
		principalID)
	p, err := scanPGPolicy(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: active policy for %s", ErrNotFound, principalID)
	}
	return p, err
}

func (s *PostgresStore) PolicyHistory(ctx context.Context, principalID uuid.UUID) ([]contracts.AuthorityPolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgPolicyColumns+` FROM authority_policies WHERE principal_id = $1 ORDER BY version`,
		principalID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.AuthorityPolicy
	for rows.Next() {
		p, err := scanPGPolicy(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPGPolicy(scan func(...any) error) (*contracts.AuthorityPolicy, error) {
	var (
		p             contracts.AuthorityPolicy
		resources     pq.StringArray
		actions       pq.StringArray
		maxValidityMS int64
	)
	if err := scan(&p.ID, &p.PrincipalID, &resources, &actions, &maxValidityMS,
		&p.MaxDepth, &p.AllowDelegation, &p.Condition, &p.Active, &p.Version, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Resources = resources
	p.Actions = actions
	p.MaxValidity = time.Duration(maxValidityMS) * time.Millisecond
	return &p, nil
}

func (s *PostgresStore) CreateMandate(ctx context.Context, m *contracts.Mandate, ev *contracts.LedgerEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var parent any
	if m.ParentID != nil {
		parent = m.ParentID.String()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO mandates
		 (id, issuer, subject, resources, actions, not_before, not_after, parent_id, depth, intent_hash, signature, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.Issuer, m.Subject, pq.Array(m.Resources), pq.Array(m.Actions),
		m.NotBefore, m.NotAfter, parent, m.Depth, m.IntentHash, m.Signature, m.CreatedAt); err != nil {
		return pgErr(err)
	}
	if err := s.appendEventTx(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

const pgMandateColumns = `id, issuer, subject, resources, actions, not_before, not_after, parent_id, depth, intent_hash, signature, created_at, revoked_at, revoke_reason, revoker`

func (s *PostgresStore) GetMandate(ctx context.Context, id uuid.UUID) (*contracts.Mandate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgMandateColumns+` FROM mandates WHERE id = $1`, id)
	m, err := scanPGMandate(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: mandate %s", ErrNotFound, id)
	}
	return m, err
}

func (s *PostgresStore) GetMandateChain(ctx context.Context, id uuid.UUID) ([]contracts.Mandate, error) {
	rows, err := s.db.QueryContext(ctx,
		`WITH RECURSIVE chain AS (
			SELECT m.*, 0 AS pos FROM mandates m WHERE m.id = $1
			UNION ALL
			SELECT m.*, c.pos + 1 FROM mandates m JOIN chain c ON m.id = c.parent_id
		 )
		 SELECT `+pgMandateColumns+` FROM chain ORDER BY pos`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chain []contracts.Mandate
	for rows.Next() {
		m, err := scanPGMandate(rows.Scan)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: mandate %s", ErrNotFound, id)
	}
	if last := chain[len(chain)-1]; last.ParentID != nil {
		return nil, fmt.Errorf("%w: broken chain at %s", ErrIntegrity, *last.ParentID)
	}
	return chain, nil
}

func (s *PostgresStore) ChildMandates(ctx context.Context, parentID uuid.UUID) ([]contracts.Mandate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgMandateColumns+` FROM mandates WHERE parent_id = $1`, parentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Mandate
	for rows.Next() {
		m, err := scanPGMandate(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanPGMandate(scan func(...any) error) (*contracts.Mandate, error) {
	var (
		m                     contracts.Mandate
		resources, actions    pq.StringArray
		parent, reason, revkr sql.NullString
		revokedAt             sql.NullTime
	)
	if err := scan(&m.ID, &m.Issuer, &m.Subject, &resources, &actions,
		&m.NotBefore, &m.NotAfter, &parent, &m.Depth, &m.IntentHash,
		&m.Signature, &m.CreatedAt, &revokedAt, &reason, &revkr); err != nil {
		return nil, err
	}
	m.Resources = resources
	m.Actions = actions
	if parent.Valid {
		pid := uuid.MustParse(parent.String)
		m.ParentID = &pid
	}
	if revokedAt.Valid {
		m.Revocation = &contracts.Revocation{
			RevokedAt: revokedAt.Time,
			Reason:    reason.String,
			Revoker:   uuid.MustParse(revkr.String),
		}
	}
	return &m, nil
}

func (s *PostgresStore) RevokeMandate(ctx context.Context, id uuid.UUID, rev contracts.Revocation, ev *contracts.LedgerEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE mandates SET revoked_at = $1, revoke_reason = $2, revoker = $3
		 WHERE id = $4 AND revoked_at IS NULL`,
		rev.RevokedAt, rev.Reason, rev.Revoker, id)
	if err != nil {
		return pgErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM mandates WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: mandate %s", ErrNotFound, id)
		}
		return fmt.Errorf("%w: mandate %s already revoked", ErrConflict, id)
	}
	if err := s.appendEventTx(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *contracts.LedgerEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.appendEventTx(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) appendEventTx(ctx context.Context, tx *sql.Tx, ev *contracts.LedgerEvent) error {
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) + 1 FROM ledger_events WHERE partition = $1`,
		ev.Partition).Scan(&ev.ID); err != nil {
		return err
	}
	if err := StampContentHash(ev); err != nil {
		return err
	}
	var mandateID any
	if ev.MandateID != nil {
		mandateID = ev.MandateID.String()
	}
	var cost, seq any
	if ev.CostMinorUnits != nil {
		cost = *ev.CostMinorUnits
	}
	if ev.ProducerSeq != nil {
		seq = *ev.ProducerSeq
	}
	var metadata any
	if len(ev.Metadata) > 0 {
		metadata = json.RawMessage(ev.Metadata)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_events
		 (partition, id, ts_ms, principal_id, type, mandate_id, action, resource,
		  cost_minor_units, currency, outcome, correlation_id, producer_seq, metadata, content_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		ev.Partition, ev.ID, ev.TSMillis, ev.PrincipalID, string(ev.Type),
		mandateID, ev.Action, ev.Resource, cost, ev.Currency, string(ev.Outcome),
		ev.CorrelationID, seq, metadata, ev.ContentHash)
	return pgErr(err)
}

const pgEventColumns = `partition, id, ts_ms, principal_id, type, mandate_id, action, resource, cost_minor_units, currency, outcome, correlation_id, producer_seq, metadata, content_hash, batch_id`

func (s *PostgresStore) GetEvent(ctx context.Context, partition int32, id int64) (*contracts.LedgerEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgEventColumns+` FROM ledger_events WHERE partition = $1 AND id = $2`,
		partition, id)
	ev, err := scanPGEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: event %d in partition %d", ErrNotFound, id, partition)
	}
	return ev, err
}

func (s *PostgresStore) MaxEventID(ctx context.Context, partition int32) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM ledger_events WHERE partition = $1`, partition).Scan(&max)
	return max, err
}

func (s *PostgresStore) EventsInRange(ctx context.Context, partition int32, firstID, lastID int64) ([]contracts.LedgerEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgEventColumns+` FROM ledger_events
		 WHERE partition = $1 AND id >= $2 AND id <= $3 ORDER BY id`,
		partition, firstID, lastID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectPGEvents(rows)
}

func (s *PostgresStore) EventsByPrincipal(ctx context.Context, principalID uuid.UUID, from, to time.Time) ([]contracts.LedgerEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgEventColumns+` FROM ledger_events
		 WHERE principal_id = $1 AND ts_ms >= $2 AND ts_ms < $3 ORDER BY ts_ms`,
		principalID, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectPGEvents(rows)
}

func (s *PostgresStore) SumSpending(ctx context.Context, principalID uuid.UUID, from, to time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_minor_units), 0) FROM ledger_events
		 WHERE principal_id = $1 AND type = $2 AND ts_ms >= $3 AND ts_ms < $4`,
		principalID, string(contracts.EventMetering), from.UnixMilli(), to.UnixMilli()).Scan(&total)
	return total, err
}

func collectPGEvents(rows *sql.Rows) ([]contracts.LedgerEvent, error) {
	var out []contracts.LedgerEvent
	for rows.Next() {
		ev, err := scanPGEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func scanPGEvent(scan func(...any) error) (*contracts.LedgerEvent, error) {
	var (
		ev                 contracts.LedgerEvent
		typ, outcome       string
		mandateID          sql.NullString
		cost, seq, batchID sql.NullInt64
	)
	if err := scan(&ev.Partition, &ev.ID, &ev.TSMillis, &ev.PrincipalID, &typ,
		&mandateID, &ev.Action, &ev.Resource, &cost, &ev.Currency, &outcome,
		&ev.CorrelationID, &seq, &ev.Metadata, &ev.ContentHash, &batchID); err != nil {
		return nil, err
	}
	ev.Type = contracts.EventType(typ)
	ev.Outcome = contracts.Outcome(outcome)
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
	return &ev, nil
}

func (s *PostgresStore) SealBatch(ctx context.Context, b *contracts.MerkleBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var existingID int64
	err = tx.QueryRowContext(ctx,
		`SELECT batch_id FROM merkle_batches
		 WHERE partition = $1 AND first_event_id = $2 AND last_event_id = $3`,
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
		`SELECT COALESCE(MAX(id), 0) FROM ledger_events WHERE partition = $1`,
		b.Partition).Scan(&maxEvent); err != nil {
		return err
	}
	if b.FirstEventID < 1 || b.LastEventID > maxEvent || b.FirstEventID > b.LastEventID {
		return fmt.Errorf("%w: batch range [%d,%d] outside ledger", ErrIntegrity, b.FirstEventID, b.LastEventID)
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(batch_id), 0) + 1 FROM merkle_batches WHERE partition = $1`,
		b.Partition).Scan(&b.BatchID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO merkle_batches
		 (partition, batch_id, first_event_id, last_event_id, root_hash, signing_key_id, signature, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.Partition, b.BatchID, b.FirstEventID, b.LastEventID, b.RootHash,
		b.SigningKeyID, b.Signature, b.CreatedAt); err != nil {
		return pgErr(err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE ledger_events SET batch_id = $1 WHERE partition = $2 AND id >= $3 AND id <= $4`,
		b.BatchID, b.Partition, b.FirstEventID, b.LastEventID); err != nil {
		return pgErr(err)
	}
	return tx.Commit()
}

const pgBatchColumns = `partition, batch_id, first_event_id, last_event_id, root_hash, signing_key_id, signature, created_at`

func (s *PostgresStore) GetBatch(ctx context.Context, partition int32, batchID int64) (*contracts.MerkleBatch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgBatchColumns+` FROM merkle_batches WHERE partition = $1 AND batch_id = $2`,
		partition, batchID)
	var b contracts.MerkleBatch
	err := row.Scan(&b.Partition, &b.BatchID, &b.FirstEventID, &b.LastEventID,
		&b.RootHash, &b.SigningKeyID, &b.Signature, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: batch %d in partition %d", ErrNotFound, batchID, partition)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) BatchesInRange(ctx context.Context, partition int32, firstEventID, lastEventID int64) ([]contracts.MerkleBatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgBatchColumns+` FROM merkle_batches
		 WHERE partition = $1 AND last_event_id >= $2 AND first_event_id <= $3
		 ORDER BY first_event_id`,
		partition, firstEventID, lastEventID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.MerkleBatch
	for rows.Next() {
		var b contracts.MerkleBatch
		if err := rows.Scan(&b.Partition, &b.BatchID, &b.FirstEventID, &b.LastEventID,
			&b.RootHash, &b.SigningKeyID, &b.Signature, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SealedHighWaterMark(ctx context.Context, partition int32) (int64, error) {
	var hwm int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(last_event_id), 0) FROM merkle_batches WHERE partition = $1`,
		partition).Scan(&hwm)
	return hwm, err
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *contracts.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) + 1 FROM snapshots WHERE partition = $1`,
		snap.Partition).Scan(&snap.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (partition, id, ledger_offset, state, taken_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		snap.Partition, snap.ID, snap.LedgerOffset, json.RawMessage(snap.State), snap.TakenAt); err != nil {
		return pgErr(err)
	}
	return tx.Commit()
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, partition int32) (*contracts.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT partition, id, ledger_offset, state, taken_at FROM snapshots
		 WHERE partition = $1 ORDER BY id DESC LIMIT 1`, partition)
	var snap contracts.Snapshot
	err := row.Scan(&snap.Partition, &snap.ID, &snap.LedgerOffset, &snap.State, &snap.TakenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: snapshot for partition %d", ErrNotFound, partition)
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// AcquirePartitionLock takes a session-scoped advisory lock on a dedicated
// connection. The lock is held until release is called, which unlocks and
// returns the connection to the pool. If the process dies, postgres drops the
// session and with it the lock.
func (s *PostgresStore) AcquirePartitionLock(ctx context.Context, partition int32) (func() error, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1, $2)`, lockKeyspace, partition); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("acquire partition lock %d: %w", partition, err)
	}
	release := func() error {
		_, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1, $2)`, lockKeyspace, partition)
		closeErr := conn.Close()
		if err != nil {
			return err
		}
		return closeErr
	}
	return release, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }
