package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

// Dialect selects the SQL flavour spoken by SQLStore.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

// rebind rewrites ? placeholders to $N for Postgres.
func (d Dialect) rebind(q string) string {
	if d != Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) forUpdate() string {
	if d == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

func (d Dialect) txOptions() *sql.TxOptions {
	if d == Postgres {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return nil
}

// SQLStore implements Store on database/sql. Postgres serializes appends with
// a SERIALIZABLE transaction and a row lock on the container head; SQLite
// relies on its single writer. Both also take an in-process container lock.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	locks   keyedMutex
	clock   func() time.Time
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, clock: time.Now}
}

func NewSQLStoreWithClock(db *sql.DB, dialect Dialect, clock func() time.Time) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, clock: clock}
}

var schema = []string{`
CREATE TABLE IF NOT EXISTS ledger_entries (
	container_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	atom_hash TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	ts_ms BIGINT NOT NULL,
	intent_class SMALLINT NOT NULL,
	physics_delta TEXT NOT NULL,
	author_pubkey TEXT NOT NULL,
	signature TEXT NOT NULL,
	pact_id TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (container_id, sequence)
)`, `
CREATE TABLE IF NOT EXISTS ledger_heads (
	container_id TEXT PRIMARY KEY,
	sequence BIGINT NOT NULL,
	last_hash TEXT NOT NULL,
	balance TEXT NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS ledger_halts (
	container_id TEXT PRIMARY KEY,
	reason TEXT NOT NULL,
	halted_at_ms BIGINT NOT NULL
)`,
}

func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Head(ctx context.Context, cid contracts.ContainerID) (contracts.Head, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT sequence, last_hash, balance FROM ledger_heads WHERE container_id = ?`), cid.String())
	head, err := scanHead(cid, row)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.GenesisHead(cid), nil
	}
	return head, err
}

func scanHead(cid contracts.ContainerID, row scanner) (contracts.Head, error) {
	var (
		seq           uint64
		last, balance string
	)
	if err := row.Scan(&seq, &last, &balance); err != nil {
		return contracts.Head{}, err
	}
	h, err := contracts.ParseHash(last)
	if err != nil {
		return contracts.Head{}, fmt.Errorf("head last_hash: %w", err)
	}
	bal, err := contracts.ParseInt128(balance)
	if err != nil {
		return contracts.Head{}, fmt.Errorf("head balance: %w", err)
	}
	return contracts.Head{ContainerID: cid, Sequence: seq, LastHash: h, Balance: bal}, nil
}

const maxSerializationRetries = 3

func (s *SQLStore) Commit(ctx context.Context, cid contracts.ContainerID, fn Decide) (contracts.Entry, error) {
	unlock := s.locks.lock(cid)
	defer unlock()

	for attempt := 1; ; attempt++ {
		e, err := s.commitOnce(ctx, cid, fn)
		var ierr *IntegrityError
		if errors.As(err, &ierr) && ierr.Kind != contracts.KindAppendOutOfOrder {
			if herr := s.Halt(ctx, cid, ierr.Error()); herr != nil {
				return contracts.Entry{}, errors.Join(err, herr)
			}
			return contracts.Entry{}, err
		}
		if isSerializationFailure(err) && attempt < maxSerializationRetries {
			continue
		}
		return e, err
	}
}

func (s *SQLStore) commitOnce(ctx context.Context, cid contracts.ContainerID, fn Decide) (contracts.Entry, error) {
	q := s.dialect.rebind
	key := cid.String()

	tx, err := s.db.BeginTx(ctx, s.dialect.txOptions())
	if err != nil {
		return contracts.Entry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var reason string
	err = tx.QueryRowContext(ctx, q(`SELECT reason FROM ledger_halts WHERE container_id = ?`), key).Scan(&reason)
	switch {
	case err == nil:
		return contracts.Entry{}, &HaltedError{ContainerID: cid, Reason: reason}
	case !errors.Is(err, sql.ErrNoRows):
		return contracts.Entry{}, err
	}

	if _, err := tx.ExecContext(ctx,
		q(`INSERT INTO ledger_heads (container_id, sequence, last_hash, balance) VALUES (?, 0, ?, '0') ON CONFLICT (container_id) DO NOTHING`),
		key, contracts.ZeroHash.String()); err != nil {
		return contracts.Entry{}, err
	}
	head, err := scanHead(cid, tx.QueryRowContext(ctx,
		q(`SELECT sequence, last_hash, balance FROM ledger_heads WHERE container_id = ?`)+s.dialect.forUpdate(), key))
	if err != nil {
		return contracts.Entry{}, err
	}

	var (
		tail  *contracts.Entry
		count uint64
	)
	t, err := scanEntry(tx.QueryRowContext(ctx,
		q(selectEntry+` WHERE container_id = ? ORDER BY sequence DESC LIMIT 1`), key))
	switch {
	case err == nil:
		tail, count = &t, t.Sequence
	case !errors.Is(err, sql.ErrNoRows):
		return contracts.Entry{}, err
	}
	if err := checkTail(head, count, tail); err != nil {
		return contracts.Entry{}, err
	}

	c, err := fn(head)
	if err != nil {
		return contracts.Entry{}, err
	}
	var lastTS int64
	if tail != nil {
		lastTS = tail.Timestamp
	}
	e, next, err := nextEntry(head, lastTS, c, s.clock().UnixMilli())
	if err != nil {
		return contracts.Entry{}, err
	}

	if _, err := tx.ExecContext(ctx, q(`
		INSERT INTO ledger_entries (container_id, sequence, atom_hash, previous_hash, entry_hash, ts_ms, intent_class, physics_delta, author_pubkey, signature, pact_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		key, int64(e.Sequence), e.AtomHash.String(), e.PreviousHash.String(), e.EntryHash.String(), e.Timestamp,
		int(e.IntentClass), e.PhysicsDelta.String(), e.AuthorPubKey.String(), e.Signature.String(), e.PactID,
	); err != nil {
		if isUniqueViolation(err) {
			return contracts.Entry{}, integrity(contracts.KindSequenceViolation, cid, e.Sequence, "sequence already stored")
		}
		return contracts.Entry{}, err
	}

	res, err := tx.ExecContext(ctx,
		q(`UPDATE ledger_heads SET sequence = ?, last_hash = ?, balance = ? WHERE container_id = ? AND sequence = ?`),
		int64(next.Sequence), next.LastHash.String(), next.Balance.String(), key, int64(head.Sequence))
	if err != nil {
		return contracts.Entry{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return contracts.Entry{}, fmt.Errorf("failed to check rows affected: %w", err)
	} else if n != 1 {
		return contracts.Entry{}, integrity(contracts.KindAppendOutOfOrder, cid, e.Sequence, "head moved during append")
	}

	if err := tx.Commit(); err != nil {
		return contracts.Entry{}, err
	}
	return e, nil
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "40001"
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const selectEntry = `SELECT container_id, sequence, atom_hash, previous_hash, entry_hash, ts_ms, intent_class, physics_delta, author_pubkey, signature, pact_id FROM ledger_entries`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (contracts.Entry, error) {
	var (
		e                                      contracts.Entry
		cid, atom, prev, hash, delta, pub, sig string
		class                                  int
	)
	if err := row.Scan(&cid, &e.Sequence, &atom, &prev, &hash, &e.Timestamp, &class, &delta, &pub, &sig, &e.PactID); err != nil {
		return contracts.Entry{}, err
	}
	var err error
	if e.ContainerID, err = contracts.ParseContainerID(cid); err != nil {
		return e, err
	}
	if e.AtomHash, err = contracts.ParseHash(atom); err != nil {
		return e, err
	}
	if e.PreviousHash, err = contracts.ParseHash(prev); err != nil {
		return e, err
	}
	if e.EntryHash, err = contracts.ParseHash(hash); err != nil {
		return e, err
	}
	if e.PhysicsDelta, err = contracts.ParseInt128(delta); err != nil {
		return e, err
	}
	if e.AuthorPubKey, err = contracts.ParsePublicKey(pub); err != nil {
		return e, err
	}
	if e.Signature, err = contracts.ParseSignature(sig); err != nil {
		return e, err
	}
	e.IntentClass = contracts.IntentClass(class)
	return e, nil
}

func (s *SQLStore) Entry(ctx context.Context, cid contracts.ContainerID, seq uint64) (contracts.Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx,
		s.dialect.rebind(selectEntry+` WHERE container_id = ? AND sequence = ?`), cid.String(), int64(seq)))
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Entry{}, ErrNotFound
	}
	return e, err
}

func (s *SQLStore) Entries(ctx context.Context, cid contracts.ContainerID, after uint64, limit int) ([]contracts.Entry, error) {
	query := selectEntry + ` WHERE container_id = ? AND sequence > ? ORDER BY sequence`
	args := []any{cid.String(), int64(after)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) Containers(ctx context.Context) ([]contracts.ContainerID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT container_id FROM ledger_heads ORDER BY container_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.ContainerID, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		cid, err := contracts.ParseContainerID(key)
		if err != nil {
			return nil, err
		}
		result = append(result, cid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) Halt(ctx context.Context, cid contracts.ContainerID, reason string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO ledger_halts (container_id, reason, halted_at_ms) VALUES (?, ?, ?)
		ON CONFLICT (container_id) DO UPDATE SET reason = excluded.reason, halted_at_ms = excluded.halted_at_ms`),
		cid.String(), reason, s.clock().UnixMilli())
	return err
}

func (s *SQLStore) Resume(ctx context.Context, cid contracts.ContainerID) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM ledger_halts WHERE container_id = ?`), cid.String())
	return err
}
