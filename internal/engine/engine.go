// Package engine is the serialization point of the pool. Every operation
// takes one mutex, checks all of its preconditions against the stores, and
// only then writes, so concurrent callers always observe either none or all
// of an operation's effects. Outside a blockchain runtime this mutex is what
// stands in for transaction ordering.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/umbra-cash/umbra/internal/batch"
	"github.com/umbra-cash/umbra/internal/denom"
	"github.com/umbra-cash/umbra/internal/events"
	"github.com/umbra-cash/umbra/internal/exchange"
	"github.com/umbra-cash/umbra/internal/intent"
	"github.com/umbra-cash/umbra/internal/merkle"
	"github.com/umbra-cash/umbra/internal/note"
	"github.com/umbra-cash/umbra/internal/receipts"
	"github.com/umbra-cash/umbra/internal/registry"
	"github.com/umbra-cash/umbra/internal/token"
	"github.com/umbra-cash/umbra/internal/withdraw"
	"github.com/umbra-cash/umbra/internal/zkproof"
)

var (
	ErrInvalidConfig = errors.New("engine: invalid config")
	ErrInvalidInput  = errors.New("engine: invalid input")
	ErrNotOperator   = errors.New("engine: caller is not the operator")
	ErrNotAdmin      = errors.New("engine: caller is not the administrator")
	ErrNotDepositor  = errors.New("engine: caller is not the depositor")
)

// Config wires the engine's collaborators.
type Config struct {
	Registry registry.Store
	Batches  batch.Store
	Intents  intent.Store

	// DepositToken holds the asset users deposit; PayoutToken holds the
	// converted asset settlements produce and withdrawals pay out.
	DepositToken token.Ledger
	PayoutToken  token.Ledger

	Exchange exchange.Adapter
	Verifier zkproof.Verifier

	// Account is the engine's own address on both ledgers. Operator may
	// settle batches; Admin may reconfigure oracles and annotate any
	// commitment.
	Account  common.Address
	Operator common.Address
	Admin    common.Address

	// InputToken/OutputToken identify the swapped assets for the adapter.
	InputToken  common.Address
	OutputToken common.Address

	TreeDepth int
	MinDelay  time.Duration

	Publisher *events.Publisher
	Archive   *receipts.Archive

	Log *slog.Logger
	Now func() time.Time
}

type Engine struct {
	mu sync.Mutex

	registry registry.Store
	batches  batch.Store
	intents  intent.Store
	tree     *merkle.Accumulator
	auth     *withdraw.Authorizer

	deposits token.Ledger
	payouts  token.Ledger
	adapter  exchange.Adapter

	account  common.Address
	operator common.Address
	admin    common.Address

	inputToken  common.Address
	outputToken common.Address

	publisher *events.Publisher
	archive   *receipts.Archive

	log *slog.Logger
	now func() time.Time
}

func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Registry == nil || cfg.Batches == nil || cfg.Intents == nil {
		return nil, fmt.Errorf("%w: nil stores", ErrInvalidConfig)
	}
	if cfg.DepositToken == nil || cfg.PayoutToken == nil {
		return nil, fmt.Errorf("%w: nil token ledgers", ErrInvalidConfig)
	}
	if cfg.Exchange == nil {
		return nil, fmt.Errorf("%w: nil exchange adapter", ErrInvalidConfig)
	}
	if cfg.Account == (common.Address{}) || cfg.Operator == (common.Address{}) || cfg.Admin == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero account/operator/admin address", ErrInvalidConfig)
	}

	depth := cfg.TreeDepth
	if depth <= 0 {
		depth = merkle.DefaultDepth
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	tree, err := rebuildTree(ctx, cfg.Registry, depth)
	if err != nil {
		return nil, err
	}

	auth, err := withdraw.NewAuthorizer(cfg.Registry, cfg.Batches, cfg.Verifier, depth, cfg.MinDelay, now)
	if err != nil {
		return nil, err
	}

	return &Engine{
		registry:    cfg.Registry,
		batches:     cfg.Batches,
		intents:     cfg.Intents,
		tree:        tree,
		auth:        auth,
		deposits:    cfg.DepositToken,
		payouts:     cfg.PayoutToken,
		adapter:     cfg.Exchange,
		account:     cfg.Account,
		operator:    cfg.Operator,
		admin:       cfg.Admin,
		inputToken:  cfg.InputToken,
		outputToken: cfg.OutputToken,
		publisher:   cfg.Publisher,
		archive:     cfg.Archive,
		log:         log,
		now:         now,
	}, nil
}

// rebuildTree replays the registry's leaves in order. The node cache and
// every intermediate root are recomputed deterministically; the durable
// known-roots set in the registry is not touched.
func rebuildTree(ctx context.Context, reg registry.Store, depth int) (*merkle.Accumulator, error) {
	tree, err := merkle.New(depth)
	if err != nil {
		return nil, err
	}

	commitments, err := reg.ListCommitments(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: list commitments: %w", err)
	}
	for i, c := range commitments {
		if c.LeafIndex != uint64(i) {
			return nil, fmt.Errorf("engine: leaf index gap at %d (got %d)", i, c.LeafIndex)
		}
		if _, _, err := tree.Append(note.ReduceToField(c.Value)); err != nil {
			return nil, fmt.Errorf("engine: replay leaf %d: %w", i, err)
		}
	}
	return tree, nil
}

// Root returns the current accumulator root.
func (e *Engine) Root() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tree.Root()
}

// KnownRoot reports whether root ever was an accumulator root.
func (e *Engine) KnownRoot(ctx context.Context, root [32]byte) (bool, error) {
	return e.registry.HasRoot(ctx, root)
}

// MerklePath returns the sibling path for a leaf against the current tree.
func (e *Engine) MerklePath(_ context.Context, index uint64) ([][32]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tree.Proof(index)
}

// PendingBatch returns the open accumulation window.
func (e *Engine) PendingBatch(ctx context.Context) (batch.Pending, error) {
	return e.batches.Pending(ctx)
}

// BatchResult returns the settlement record for id.
func (e *Engine) BatchResult(ctx context.Context, id uint64) (batch.Result, error) {
	return e.batches.Result(ctx, id)
}

// AnonymitySetSize returns how many deposits a tier has ever accepted.
func (e *Engine) AnonymitySetSize(ctx context.Context, tier denom.Tier) (uint64, error) {
	return e.registry.TierCount(ctx, tier)
}

func (e *Engine) emit(ctx context.Context, eventType string, payload any) {
	e.publisher.Emit(ctx, eventType, payload)
}
