package pact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

// SQLRegistry persists pacts with database/sql on Postgres or SQLite.
type SQLRegistry struct {
	db     *sql.DB
	sqlite bool
}

// NewSQLRegistry returns a registry for Postgres.
func NewSQLRegistry(db *sql.DB) *SQLRegistry {
	return &SQLRegistry{db: db}
}

// NewSQLiteRegistry returns a registry for SQLite.
func NewSQLiteRegistry(db *sql.DB) *SQLRegistry {
	return &SQLRegistry{db: db, sqlite: true}
}

// q rewrites $N placeholders to SQLite's ?N form.
func (r *SQLRegistry) q(query string) string {
	if r.sqlite {
		return strings.ReplaceAll(query, "$", "?")
	}
	return query
}

const pactSchema = `
CREATE TABLE IF NOT EXISTS pacts (
	pact_id TEXT PRIMARY KEY,
	version BIGINT NOT NULL,
	scope_kind TEXT NOT NULL,
	scope_value TEXT NOT NULL,
	intent_class INTEGER NOT NULL,
	threshold INTEGER NOT NULL,
	signers TEXT NOT NULL,
	not_before_ms BIGINT NOT NULL,
	not_after_ms BIGINT NOT NULL,
	risk_level INTEGER NOT NULL
);
`

func (r *SQLRegistry) Init(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, pactSchema)
	return err
}

func (r *SQLRegistry) Put(ctx context.Context, p *Pact) error {
	if err := p.Validate(); err != nil {
		return err
	}
	signers := make([]string, len(p.Signers))
	for i, s := range p.Signers {
		signers[i] = s.String()
	}
	query := `
		INSERT INTO pacts (pact_id, version, scope_kind, scope_value, intent_class, threshold, signers, not_before_ms, not_after_ms, risk_level)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (pact_id) DO UPDATE SET
			version = excluded.version,
			scope_kind = excluded.scope_kind,
			scope_value = excluded.scope_value,
			intent_class = excluded.intent_class,
			threshold = excluded.threshold,
			signers = excluded.signers,
			not_before_ms = excluded.not_before_ms,
			not_after_ms = excluded.not_after_ms,
			risk_level = excluded.risk_level
	`
	_, err := r.db.ExecContext(ctx, r.q(query),
		p.ID, int64(p.Version), string(p.Scope.Kind), scopeValue(p.Scope), int(p.IntentClass),
		int(p.Threshold), strings.Join(signers, ","),
		p.Window.NotBefore.UnixMilli(), p.Window.NotAfter.UnixMilli(), int(p.RiskLevel),
	)
	if err != nil {
		return fmt.Errorf("pact %s: store failed: %w", p.ID, err)
	}
	return nil
}

const selectPact = `SELECT pact_id, version, scope_kind, scope_value, intent_class, threshold, signers, not_before_ms, not_after_ms, risk_level FROM pacts`

func (r *SQLRegistry) Get(ctx context.Context, id string) (*Pact, error) {
	row := r.db.QueryRowContext(ctx, r.q(selectPact+` WHERE pact_id = $1`), id)
	p, err := scanPact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (r *SQLRegistry) List(ctx context.Context) ([]*Pact, error) {
	rows, err := r.db.QueryContext(ctx, selectPact+` ORDER BY pact_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Pact
	for rows.Next() {
		p, err := scanPact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPact(s scanner) (*Pact, error) {
	var (
		p                       Pact
		version                 int64
		scopeKind, scopeVal     string
		class, threshold, risk  int
		signers                 string
		notBeforeMs, notAfterMs int64
	)
	if err := s.Scan(&p.ID, &version, &scopeKind, &scopeVal, &class, &threshold, &signers, &notBeforeMs, &notAfterMs, &risk); err != nil {
		return nil, err
	}
	p.Version = uint32(version)
	p.IntentClass = contracts.IntentClass(class)
	p.Threshold = uint8(threshold)
	p.RiskLevel = RiskLevel(risk)
	p.Window = Window{NotBefore: time.UnixMilli(notBeforeMs).UTC(), NotAfter: time.UnixMilli(notAfterMs).UTC()}

	scope, err := parseScope(ScopeKind(scopeKind), scopeVal)
	if err != nil {
		return nil, fmt.Errorf("pact %s: %w", p.ID, err)
	}
	p.Scope = scope

	if signers != "" {
		for _, s := range strings.Split(signers, ",") {
			pk, err := contracts.ParsePublicKey(s)
			if err != nil {
				return nil, fmt.Errorf("pact %s: corrupt signer: %w", p.ID, err)
			}
			p.Signers = append(p.Signers, pk)
		}
	}
	return &p, nil
}

func scopeValue(s Scope) string {
	switch s.Kind {
	case ScopeContainer:
		return s.Container.String()
	case ScopeNamespace:
		return s.Namespace
	default:
		return ""
	}
}

func parseScope(kind ScopeKind, value string) (Scope, error) {
	switch kind {
	case ScopeGlobal:
		return GlobalScope(), nil
	case ScopeNamespace:
		return NamespaceScope(value), nil
	case ScopeContainer:
		cid, err := contracts.ParseContainerID(value)
		if err != nil {
			return Scope{}, err
		}
		return ContainerScope(cid), nil
	default:
		return Scope{}, fmt.Errorf("unknown scope %q", kind)
	}
}
