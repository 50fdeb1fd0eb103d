// Package postgres is the durable intent.Store.
//
// All lifecycle transitions are single UPDATE statements guarded by the
// expected current status, so rows affected tells a loser from a winner
// without explicit locking. Oracle configuration replacement runs in one
// transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/umbra-cash/umbra/internal/intent"
)

var ErrInvalidConfig = errors.New("intent/postgres: invalid config")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS intents (
	intent_id        BIGSERIAL PRIMARY KEY,
	amount           BIGINT NOT NULL CHECK (amount > 0),
	destination_hash BYTEA NOT NULL CHECK (octet_length(destination_hash) = 32),
	recipient        BYTEA NOT NULL CHECK (octet_length(recipient) = 20),
	solver           BYTEA CHECK (solver IS NULL OR octet_length(solver) = 20),
	created_at       TIMESTAMPTZ NOT NULL,
	status           TEXT NOT NULL CHECK (status IN ('CREATED','CLAIMED','SETTLED','EXPIRED')),
	confirmations    INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS intent_confirmations (
	intent_id BIGINT NOT NULL REFERENCES intents (intent_id),
	oracle    BYTEA NOT NULL CHECK (octet_length(oracle) = 20),
	PRIMARY KEY (intent_id, oracle)
);

CREATE TABLE IF NOT EXISTS oracle_config (
	singleton       BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
	threshold       INT NOT NULL,
	timeout_seconds BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS oracle_signers (
	signer BYTEA PRIMARY KEY CHECK (octet_length(signer) = 20)
);
`

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("intent/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, amount uint64, destinationHash [32]byte, recipient common.Address, at time.Time) (intent.Intent, error) {
	if amount == 0 {
		return intent.Intent{}, fmt.Errorf("%w: zero amount", intent.ErrInvalidInput)
	}
	if destinationHash == ([32]byte{}) {
		return intent.Intent{}, fmt.Errorf("%w: zero destination hash", intent.ErrInvalidInput)
	}
	if recipient == (common.Address{}) {
		return intent.Intent{}, fmt.Errorf("%w: zero recipient", intent.ErrInvalidInput)
	}
	if at.IsZero() {
		return intent.Intent{}, fmt.Errorf("%w: zero timestamp", intent.ErrInvalidInput)
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO intents (amount, destination_hash, recipient, created_at, status)
		VALUES ($1, $2, $3, $4, 'CREATED')
		RETURNING intent_id
	`, int64(amount), destinationHash[:], recipient[:], at.UTC()).Scan(&id)
	if err != nil {
		return intent.Intent{}, fmt.Errorf("intent/postgres: create: %w", err)
	}
	return intent.Intent{
		ID:              uint64(id),
		Amount:          amount,
		DestinationHash: destinationHash,
		Recipient:       recipient,
		CreatedAt:       at.UTC(),
		Status:          intent.StatusCreated,
	}, nil
}

func (s *Store) Get(ctx context.Context, id uint64) (intent.Intent, error) {
	return s.scanIntent(ctx, s.pool.QueryRow(ctx, `
		SELECT intent_id, amount, destination_hash, recipient, solver, created_at, status, confirmations
		FROM intents WHERE intent_id = $1
	`, int64(id)), id)
}

func (s *Store) Claim(ctx context.Context, id uint64, solver common.Address) (intent.Intent, error) {
	if solver == (common.Address{}) {
		return intent.Intent{}, fmt.Errorf("%w: zero solver", intent.ErrInvalidInput)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE intents SET solver = $2, status = 'CLAIMED'
		WHERE intent_id = $1 AND status = 'CREATED'
	`, int64(id), solver[:])
	if err != nil {
		return intent.Intent{}, fmt.Errorf("intent/postgres: claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		in, err := s.Get(ctx, id)
		if err != nil {
			return intent.Intent{}, err
		}
		return intent.Intent{}, fmt.Errorf("%w: status %s", intent.ErrNotClaimable, in.Status)
	}
	return s.Get(ctx, id)
}

func (s *Store) Confirm(ctx context.Context, id uint64, oracle common.Address) (intent.Intent, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return intent.Intent{}, fmt.Errorf("intent/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var isSigner bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM oracle_signers WHERE signer = $1)
	`, oracle[:]).Scan(&isSigner); err != nil {
		return intent.Intent{}, fmt.Errorf("intent/postgres: check signer: %w", err)
	}
	if !isSigner {
		return intent.Intent{}, fmt.Errorf("%w: %s", intent.ErrNotAnOracle, oracle.Hex())
	}

	var status string
	err = tx.QueryRow(ctx, `
		SELECT status FROM intents WHERE intent_id = $1 FOR UPDATE
	`, int64(id)).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return intent.Intent{}, fmt.Errorf("%w: intent %d", intent.ErrNotFound, id)
	}
	if err != nil {
		return intent.Intent{}, fmt.Errorf("intent/postgres: lock intent: %w", err)
	}
	if status != "CLAIMED" {
		return intent.Intent{}, fmt.Errorf("%w: status %s", intent.ErrNotClaimed, status)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO intent_confirmations (intent_id, oracle) VALUES ($1, $2)
	`, int64(id), oracle[:]); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return intent.Intent{}, fmt.Errorf("%w: %s on intent %d", intent.ErrAlreadyConfirmed, oracle.Hex(), id)
		}
		return intent.Intent{}, fmt.Errorf("intent/postgres: insert confirmation: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE intents SET confirmations = (
			SELECT COUNT(*) FROM intent_confirmations WHERE intent_id = $1
		) WHERE intent_id = $1
	`, int64(id)); err != nil {
		return intent.Intent{}, fmt.Errorf("intent/postgres: update count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return intent.Intent{}, fmt.Errorf("intent/postgres: commit: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *Store) Confirmed(ctx context.Context, id uint64, oracle common.Address) (bool, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM intent_confirmations WHERE intent_id = $1 AND oracle = $2)
	`, int64(id), oracle[:]).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("intent/postgres: confirmed: %w", err)
	}
	return ok, nil
}

func (s *Store) Settle(ctx context.Context, id uint64) (intent.Intent, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE intents SET status = 'SETTLED'
		WHERE intent_id = $1 AND status = 'CLAIMED'
		  AND confirmations >= (SELECT threshold FROM oracle_config WHERE singleton)
	`, int64(id))
	if err != nil {
		return intent.Intent{}, fmt.Errorf("intent/postgres: settle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		in, err := s.Get(ctx, id)
		if err != nil {
			return intent.Intent{}, err
		}
		switch in.Status {
		case intent.StatusSettled, intent.StatusExpired:
			return intent.Intent{}, fmt.Errorf("%w: status %s", intent.ErrFinalized, in.Status)
		case intent.StatusCreated:
			return intent.Intent{}, fmt.Errorf("%w: status %s", intent.ErrNotClaimed, in.Status)
		default:
			return intent.Intent{}, fmt.Errorf("%w: %d confirmations", intent.ErrThresholdNotMet, in.Confirmations)
		}
	}
	return s.Get(ctx, id)
}

func (s *Store) Expire(ctx context.Context, id uint64, at time.Time) (intent.Intent, error) {
	cfg, err := s.Config(ctx)
	if err != nil {
		return intent.Intent{}, err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE intents SET status = 'EXPIRED'
		WHERE intent_id = $1 AND status IN ('CREATED','CLAIMED') AND created_at + $2 <= $3
	`, int64(id), cfg.Timeout, at.UTC())
	if err != nil {
		return intent.Intent{}, fmt.Errorf("intent/postgres: expire: %w", err)
	}
	if tag.RowsAffected() == 0 {
		in, err := s.Get(ctx, id)
		if err != nil {
			return intent.Intent{}, err
		}
		switch in.Status {
		case intent.StatusSettled, intent.StatusExpired:
			return intent.Intent{}, fmt.Errorf("%w: status %s", intent.ErrFinalized, in.Status)
		default:
			deadline := in.CreatedAt.Add(cfg.Timeout)
			return intent.Intent{}, fmt.Errorf("%w: expires at %s", intent.ErrNotExpired, deadline.Format(time.RFC3339))
		}
	}
	return s.Get(ctx, id)
}

func (s *Store) Config(ctx context.Context) (intent.OracleConfig, error) {
	var (
		threshold      int
		timeoutSeconds int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT threshold, timeout_seconds FROM oracle_config WHERE singleton
	`).Scan(&threshold, &timeoutSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return intent.OracleConfig{Timeout: intent.DefaultTimeout}, nil
	}
	if err != nil {
		return intent.OracleConfig{}, fmt.Errorf("intent/postgres: config: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT signer FROM oracle_signers ORDER BY signer`)
	if err != nil {
		return intent.OracleConfig{}, fmt.Errorf("intent/postgres: signers: %w", err)
	}
	defer rows.Close()

	var signers []common.Address
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return intent.OracleConfig{}, fmt.Errorf("intent/postgres: scan signer: %w", err)
		}
		if len(raw) != 20 {
			return intent.OracleConfig{}, fmt.Errorf("intent/postgres: signer length %d", len(raw))
		}
		signers = append(signers, common.BytesToAddress(raw))
	}
	if err := rows.Err(); err != nil {
		return intent.OracleConfig{}, fmt.Errorf("intent/postgres: signers: %w", err)
	}

	return intent.OracleConfig{
		Signers:   signers,
		Threshold: threshold,
		Timeout:   time.Duration(timeoutSeconds) * time.Second,
	}, nil
}

func (s *Store) SetConfig(ctx context.Context, cfg intent.OracleConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("intent/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Full replacement: the old signer set is revoked before the new one
	// is installed.
	if _, err := tx.Exec(ctx, `DELETE FROM oracle_signers`); err != nil {
		return fmt.Errorf("intent/postgres: revoke signers: %w", err)
	}
	for _, signer := range cfg.Signers {
		if _, err := tx.Exec(ctx, `
			INSERT INTO oracle_signers (signer) VALUES ($1)
		`, signer[:]); err != nil {
			return fmt.Errorf("intent/postgres: install signer: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO oracle_config (singleton, threshold, timeout_seconds)
		VALUES (TRUE, $1, $2)
		ON CONFLICT (singleton) DO UPDATE SET threshold = $1, timeout_seconds = $2
	`, cfg.Threshold, int64(cfg.Timeout/time.Second)); err != nil {
		return fmt.Errorf("intent/postgres: set config: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("intent/postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) scanIntent(_ context.Context, row pgx.Row, id uint64) (intent.Intent, error) {
	var (
		rawID         int64
		amount        int64
		destHash      []byte
		recipient     []byte
		solver        []byte
		createdAt     time.Time
		status        string
		confirmations int
	)
	err := row.Scan(&rawID, &amount, &destHash, &recipient, &solver, &createdAt, &status, &confirmations)
	if errors.Is(err, pgx.ErrNoRows) {
		return intent.Intent{}, fmt.Errorf("%w: intent %d", intent.ErrNotFound, id)
	}
	if err != nil {
		return intent.Intent{}, fmt.Errorf("intent/postgres: scan intent: %w", err)
	}
	if len(destHash) != 32 || len(recipient) != 20 {
		return intent.Intent{}, fmt.Errorf("intent/postgres: malformed row for intent %d", rawID)
	}

	in := intent.Intent{
		ID:            uint64(rawID),
		Amount:        uint64(amount),
		Recipient:     common.BytesToAddress(recipient),
		CreatedAt:     createdAt.UTC(),
		Confirmations: confirmations,
	}
	copy(in.DestinationHash[:], destHash)
	if len(solver) == 20 {
		in.Solver = common.BytesToAddress(solver)
	}

	switch status {
	case "CREATED":
		in.Status = intent.StatusCreated
	case "CLAIMED":
		in.Status = intent.StatusClaimed
	case "SETTLED":
		in.Status = intent.StatusSettled
	case "EXPIRED":
		in.Status = intent.StatusExpired
	default:
		return intent.Intent{}, fmt.Errorf("intent/postgres: unknown status %q", status)
	}
	return in, nil
}

var _ intent.Store = (*Store)(nil)
