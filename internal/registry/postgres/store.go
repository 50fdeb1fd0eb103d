package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/umbra-cash/umbra/internal/denom"
	"github.com/umbra-cash/umbra/internal/registry"
)

var ErrInvalidConfig = errors.New("registry/postgres: invalid config")

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
		return fmt.Errorf("registry/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) InsertCommitment(ctx context.Context, c registry.Commitment) error {
	if err := c.Validate(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO commitments (value, leaf_index, batch_id, tier, depositor)
		VALUES ($1,$2,$3,$4,$5)
	`, c.Value[:], int64(c.LeafIndex), int64(c.BatchID), int16(c.Tier), c.Depositor[:])
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return registry.ErrDuplicateCommitment
		}
		return fmt.Errorf("registry/postgres: insert commitment: %w", err)
	}
	return nil
}

func (s *Store) GetCommitment(ctx context.Context, value [32]byte) (registry.Commitment, error) {
	return s.scanCommitment(ctx, `
		SELECT value, leaf_index, batch_id, tier, depositor
		FROM commitments WHERE value = $1
	`, value[:])
}

func (s *Store) CommitmentByLeaf(ctx context.Context, index uint64) (registry.Commitment, error) {
	c, err := s.scanCommitment(ctx, `
		SELECT value, leaf_index, batch_id, tier, depositor
		FROM commitments WHERE leaf_index = $1
	`, int64(index))
	if errors.Is(err, registry.ErrUnknownCommitment) {
		return registry.Commitment{}, fmt.Errorf("%w: leaf %d", registry.ErrNotFound, index)
	}
	return c, err
}

func (s *Store) ListCommitments(ctx context.Context) ([]registry.Commitment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT value, leaf_index, batch_id, tier, depositor
		FROM commitments ORDER BY leaf_index ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("registry/postgres: list commitments: %w", err)
	}
	defer rows.Close()

	var out []registry.Commitment
	for rows.Next() {
		c, err := scanCommitmentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry/postgres: list rows: %w", err)
	}
	return out, nil
}

func (s *Store) MapZKCommitment(ctx context.Context, zk [32]byte, value [32]byte) error {
	if zk == ([32]byte{}) {
		return fmt.Errorf("%w: zero zk commitment", registry.ErrInvalidInput)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO zk_commitments (zk_value, value) VALUES ($1,$2)
	`, zk[:], value[:])
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return registry.ErrZKAlreadyMapped
			case "23503":
				return registry.ErrUnknownCommitment
			}
		}
		return fmt.Errorf("registry/postgres: map zk commitment: %w", err)
	}
	return nil
}

func (s *Store) CommitmentByZK(ctx context.Context, zk [32]byte) (registry.Commitment, error) {
	c, err := s.scanCommitment(ctx, `
		SELECT c.value, c.leaf_index, c.batch_id, c.tier, c.depositor
		FROM zk_commitments z JOIN commitments c ON c.value = z.value
		WHERE z.zk_value = $1
	`, zk[:])
	if errors.Is(err, registry.ErrUnknownCommitment) {
		return registry.Commitment{}, registry.ErrUnknownZKCommitment
	}
	return c, err
}

func (s *Store) SpendNullifier(ctx context.Context, domain registry.Domain, n [32]byte) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO spent_nullifiers (domain, nullifier)
		VALUES ($1,$2)
		ON CONFLICT (domain, nullifier) DO NOTHING
	`, int16(domain), n[:])
	if err != nil {
		return fmt.Errorf("registry/postgres: spend nullifier: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return registry.ErrAlreadySpent
	}
	return nil
}

func (s *Store) NullifierSpent(ctx context.Context, domain registry.Domain, n [32]byte) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `
		SELECT 1 FROM spent_nullifiers WHERE domain = $1 AND nullifier = $2
	`, int16(domain), n[:]).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("registry/postgres: nullifier spent: %w", err)
	}
	return true, nil
}

func (s *Store) AddRoot(ctx context.Context, root [32]byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO merkle_roots (root) VALUES ($1) ON CONFLICT (root) DO NOTHING
	`, root[:])
	if err != nil {
		return fmt.Errorf("registry/postgres: add root: %w", err)
	}
	return nil
}

func (s *Store) HasRoot(ctx context.Context, root [32]byte) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM merkle_roots WHERE root = $1`, root[:]).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("registry/postgres: has root: %w", err)
	}
	return true, nil
}

func (s *Store) IncrementTierCount(ctx context.Context, tier denom.Tier) (uint64, error) {
	if _, err := denom.Amount(tier); err != nil {
		return 0, err
	}

	var count int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tier_counters (tier, count) VALUES ($1, 1)
		ON CONFLICT (tier) DO UPDATE SET count = tier_counters.count + 1
		RETURNING count
	`, int16(tier)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("registry/postgres: increment tier count: %w", err)
	}
	return uint64(count), nil
}

func (s *Store) TierCount(ctx context.Context, tier denom.Tier) (uint64, error) {
	if _, err := denom.Amount(tier); err != nil {
		return 0, err
	}

	var count int64
	err := s.pool.QueryRow(ctx, `SELECT count FROM tier_counters WHERE tier = $1`, int16(tier)).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("registry/postgres: tier count: %w", err)
	}
	return uint64(count), nil
}

func (s *Store) SetViewKey(ctx context.Context, value [32]byte, disclosure [32]byte) error {
	if disclosure == ([32]byte{}) {
		return fmt.Errorf("%w: zero disclosure hash", registry.ErrInvalidInput)
	}
	return s.upsertAnnotation(ctx, `
		INSERT INTO view_keys (value, disclosure) VALUES ($1,$2)
		ON CONFLICT (value) DO UPDATE SET disclosure = EXCLUDED.disclosure
	`, value, disclosure, "set view key")
}

func (s *Store) ViewKey(ctx context.Context, value [32]byte) ([32]byte, error) {
	return s.readAnnotation(ctx, `SELECT disclosure FROM view_keys WHERE value = $1`, value, "view key")
}

func (s *Store) SetIdentityHash(ctx context.Context, value [32]byte, identity [32]byte) error {
	if identity == ([32]byte{}) {
		return fmt.Errorf("%w: zero identity hash", registry.ErrInvalidInput)
	}
	return s.upsertAnnotation(ctx, `
		INSERT INTO identity_hashes (value, identity) VALUES ($1,$2)
		ON CONFLICT (value) DO UPDATE SET identity = EXCLUDED.identity
	`, value, identity, "set identity hash")
}

func (s *Store) IdentityHash(ctx context.Context, value [32]byte) ([32]byte, error) {
	return s.readAnnotation(ctx, `SELECT identity FROM identity_hashes WHERE value = $1`, value, "identity hash")
}

func (s *Store) upsertAnnotation(ctx context.Context, sql string, value, payload [32]byte, op string) error {
	_, err := s.pool.Exec(ctx, sql, value[:], payload[:])
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return registry.ErrUnknownCommitment
		}
		return fmt.Errorf("registry/postgres: %s: %w", op, err)
	}
	return nil
}

func (s *Store) readAnnotation(ctx context.Context, sql string, value [32]byte, op string) ([32]byte, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, sql, value[:]).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return [32]byte{}, registry.ErrNotFound
		}
		return [32]byte{}, fmt.Errorf("registry/postgres: %s: %w", op, err)
	}
	return to32(raw)
}

func (s *Store) scanCommitment(ctx context.Context, sql string, arg any) (registry.Commitment, error) {
	row := s.pool.QueryRow(ctx, sql, arg)
	c, err := scanCommitmentRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return registry.Commitment{}, registry.ErrUnknownCommitment
		}
		return registry.Commitment{}, err
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommitmentRow(row rowScanner) (registry.Commitment, error) {
	var (
		valueRaw  []byte
		leafIndex int64
		batchID   int64
		tier      int16
		depRaw    []byte
	)
	if err := row.Scan(&valueRaw, &leafIndex, &batchID, &tier, &depRaw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return registry.Commitment{}, err
		}
		return registry.Commitment{}, fmt.Errorf("registry/postgres: scan commitment: %w", err)
	}

	value, err := to32(valueRaw)
	if err != nil {
		return registry.Commitment{}, err
	}
	dep, err := to20(depRaw)
	if err != nil {
		return registry.Commitment{}, err
	}
	if leafIndex < 0 || batchID < 0 || tier < 0 {
		return registry.Commitment{}, fmt.Errorf("registry/postgres: negative values in db")
	}
	return registry.Commitment{
		Value:     value,
		LeafIndex: uint64(leafIndex),
		BatchID:   uint64(batchID),
		Tier:      denom.Tier(tier),
		Depositor: common.BytesToAddress(dep[:]),
	}, nil
}

func to32(b []byte) ([32]byte, error) {
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("registry/postgres: expected 32 bytes, got %d", len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}

func to20(b []byte) ([20]byte, error) {
	if len(b) != 20 {
		return [20]byte{}, fmt.Errorf("registry/postgres: expected 20 bytes, got %d", len(b))
	}
	var out [20]byte
	copy(out[:], b)
	return out, nil
}

var _ registry.Store = (*Store)(nil)
