package intent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	mu sync.Mutex

	nextID  uint64
	intents map[uint64]*Intent

	// confirmed[id] holds the set of oracles that attested intent id.
	confirmed map[uint64]map[common.Address]struct{}

	config    OracleConfig
	hasConfig bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:    1,
		intents:   make(map[uint64]*Intent),
		confirmed: make(map[uint64]map[common.Address]struct{}),
	}
}

func (s *MemoryStore) Create(_ context.Context, amount uint64, destinationHash [32]byte, recipient common.Address, at time.Time) (Intent, error) {
	if amount == 0 {
		return Intent{}, fmt.Errorf("%w: zero amount", ErrInvalidInput)
	}
	if destinationHash == ([32]byte{}) {
		return Intent{}, fmt.Errorf("%w: zero destination hash", ErrInvalidInput)
	}
	if recipient == (common.Address{}) {
		return Intent{}, fmt.Errorf("%w: zero recipient", ErrInvalidInput)
	}
	if at.IsZero() {
		return Intent{}, fmt.Errorf("%w: zero timestamp", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	in := &Intent{
		ID:              s.nextID,
		Amount:          amount,
		DestinationHash: destinationHash,
		Recipient:       recipient,
		CreatedAt:       at.UTC(),
		Status:          StatusCreated,
	}
	s.nextID++
	s.intents[in.ID] = in
	return *in, nil
}

func (s *MemoryStore) Get(_ context.Context, id uint64) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[id]
	if !ok {
		return Intent{}, fmt.Errorf("%w: intent %d", ErrNotFound, id)
	}
	return *in, nil
}

func (s *MemoryStore) Claim(_ context.Context, id uint64, solver common.Address) (Intent, error) {
	if solver == (common.Address{}) {
		return Intent{}, fmt.Errorf("%w: zero solver", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[id]
	if !ok {
		return Intent{}, fmt.Errorf("%w: intent %d", ErrNotFound, id)
	}
	if in.Status != StatusCreated {
		return Intent{}, fmt.Errorf("%w: status %s", ErrNotClaimable, in.Status)
	}
	in.Solver = solver
	in.Status = StatusClaimed
	return *in, nil
}

func (s *MemoryStore) Confirm(_ context.Context, id uint64, oracle common.Address) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[id]
	if !ok {
		return Intent{}, fmt.Errorf("%w: intent %d", ErrNotFound, id)
	}
	if !s.configLocked().IsSigner(oracle) {
		return Intent{}, fmt.Errorf("%w: %s", ErrNotAnOracle, oracle.Hex())
	}
	if in.Status != StatusClaimed {
		return Intent{}, fmt.Errorf("%w: status %s", ErrNotClaimed, in.Status)
	}

	set := s.confirmed[id]
	if set == nil {
		set = make(map[common.Address]struct{})
		s.confirmed[id] = set
	}
	if _, ok := set[oracle]; ok {
		return Intent{}, fmt.Errorf("%w: %s on intent %d", ErrAlreadyConfirmed, oracle.Hex(), id)
	}
	set[oracle] = struct{}{}
	in.Confirmations = len(set)
	return *in, nil
}

func (s *MemoryStore) Confirmed(_ context.Context, id uint64, oracle common.Address) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.intents[id]; !ok {
		return false, fmt.Errorf("%w: intent %d", ErrNotFound, id)
	}
	_, ok := s.confirmed[id][oracle]
	return ok, nil
}

func (s *MemoryStore) Settle(_ context.Context, id uint64) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[id]
	if !ok {
		return Intent{}, fmt.Errorf("%w: intent %d", ErrNotFound, id)
	}
	switch in.Status {
	case StatusClaimed:
	case StatusSettled, StatusExpired:
		return Intent{}, fmt.Errorf("%w: status %s", ErrFinalized, in.Status)
	default:
		return Intent{}, fmt.Errorf("%w: status %s", ErrNotClaimed, in.Status)
	}
	cfg := s.configLocked()
	if cfg.Threshold < 1 || in.Confirmations < cfg.Threshold {
		return Intent{}, fmt.Errorf("%w: %d of %d", ErrThresholdNotMet, in.Confirmations, cfg.Threshold)
	}
	in.Status = StatusSettled
	return *in, nil
}

func (s *MemoryStore) Expire(_ context.Context, id uint64, at time.Time) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[id]
	if !ok {
		return Intent{}, fmt.Errorf("%w: intent %d", ErrNotFound, id)
	}
	switch in.Status {
	case StatusCreated, StatusClaimed:
	default:
		return Intent{}, fmt.Errorf("%w: status %s", ErrFinalized, in.Status)
	}

	deadline := in.CreatedAt.Add(s.configLocked().Timeout)
	if at.UTC().Before(deadline) {
		return Intent{}, fmt.Errorf("%w: expires at %s", ErrNotExpired, deadline.Format(time.RFC3339))
	}
	in.Status = StatusExpired
	return *in, nil
}

func (s *MemoryStore) Config(_ context.Context) (OracleConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configLocked(), nil
}

func (s *MemoryStore) SetConfig(_ context.Context, cfg OracleConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	signers := make([]common.Address, len(cfg.Signers))
	copy(signers, cfg.Signers)
	s.config = OracleConfig{
		Signers:   signers,
		Threshold: cfg.Threshold,
		Timeout:   cfg.Timeout,
	}
	s.hasConfig = true
	return nil
}

// configLocked returns the installed config, or the zero-signer default.
// Callers hold s.mu.
func (s *MemoryStore) configLocked() OracleConfig {
	if !s.hasConfig {
		return OracleConfig{Timeout: DefaultTimeout}
	}
	return s.config
}

var _ Store = (*MemoryStore)(nil)
