package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/umbra-cash/umbra/internal/denom"
)

// MemoryStore is an in-memory Store for unit tests and single-process usage.
// It is safe for concurrent use.
type MemoryStore struct {
	mu sync.Mutex

	byValue map[[32]byte]Commitment
	byLeaf  [][32]byte

	zkToValue map[[32]byte][32]byte

	spent map[Domain]map[[32]byte]struct{}
	roots map[[32]byte]struct{}

	tierCounts map[denom.Tier]uint64
	viewKeys   map[[32]byte][32]byte
	identities map[[32]byte][32]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byValue:   make(map[[32]byte]Commitment),
		zkToValue: make(map[[32]byte][32]byte),
		spent: map[Domain]map[[32]byte]struct{}{
			DomainLegacy: make(map[[32]byte]struct{}),
			DomainZK:     make(map[[32]byte]struct{}),
		},
		roots:      make(map[[32]byte]struct{}),
		tierCounts: make(map[denom.Tier]uint64),
		viewKeys:   make(map[[32]byte][32]byte),
		identities: make(map[[32]byte][32]byte),
	}
}

func (s *MemoryStore) InsertCommitment(_ context.Context, c Commitment) error {
	if err := c.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byValue[c.Value]; ok {
		return ErrDuplicateCommitment
	}
	s.byValue[c.Value] = c
	s.byLeaf = append(s.byLeaf, c.Value)
	return nil
}

func (s *MemoryStore) GetCommitment(_ context.Context, value [32]byte) (Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byValue[value]
	if !ok {
		return Commitment{}, ErrUnknownCommitment
	}
	return c, nil
}

func (s *MemoryStore) CommitmentByLeaf(_ context.Context, index uint64) (Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index >= uint64(len(s.byLeaf)) {
		return Commitment{}, fmt.Errorf("%w: leaf %d", ErrNotFound, index)
	}
	return s.byValue[s.byLeaf[index]], nil
}

func (s *MemoryStore) ListCommitments(_ context.Context) ([]Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Commitment, 0, len(s.byLeaf))
	for _, v := range s.byLeaf {
		out = append(out, s.byValue[v])
	}
	return out, nil
}

func (s *MemoryStore) MapZKCommitment(_ context.Context, zk [32]byte, value [32]byte) error {
	if zk == ([32]byte{}) {
		return fmt.Errorf("%w: zero zk commitment", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byValue[value]; !ok {
		return ErrUnknownCommitment
	}
	if _, ok := s.zkToValue[zk]; ok {
		return ErrZKAlreadyMapped
	}
	s.zkToValue[zk] = value
	return nil
}

func (s *MemoryStore) CommitmentByZK(_ context.Context, zk [32]byte) (Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.zkToValue[zk]
	if !ok {
		return Commitment{}, ErrUnknownZKCommitment
	}
	return s.byValue[value], nil
}

func (s *MemoryStore) SpendNullifier(_ context.Context, domain Domain, n [32]byte) error {
	set, err := s.spentSet(domain)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := set[n]; ok {
		return ErrAlreadySpent
	}
	set[n] = struct{}{}
	return nil
}

func (s *MemoryStore) NullifierSpent(_ context.Context, domain Domain, n [32]byte) (bool, error) {
	set, err := s.spentSet(domain)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := set[n]
	return ok, nil
}

func (s *MemoryStore) AddRoot(_ context.Context, root [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots[root] = struct{}{}
	return nil
}

func (s *MemoryStore) HasRoot(_ context.Context, root [32]byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.roots[root]
	return ok, nil
}

func (s *MemoryStore) IncrementTierCount(_ context.Context, tier denom.Tier) (uint64, error) {
	if _, err := denom.Amount(tier); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tierCounts[tier]++
	return s.tierCounts[tier], nil
}

func (s *MemoryStore) TierCount(_ context.Context, tier denom.Tier) (uint64, error) {
	if _, err := denom.Amount(tier); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tierCounts[tier], nil
}

func (s *MemoryStore) SetViewKey(_ context.Context, value [32]byte, disclosure [32]byte) error {
	if disclosure == ([32]byte{}) {
		return fmt.Errorf("%w: zero disclosure hash", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byValue[value]; !ok {
		return ErrUnknownCommitment
	}
	s.viewKeys[value] = disclosure
	return nil
}

func (s *MemoryStore) ViewKey(_ context.Context, value [32]byte) ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.viewKeys[value]
	if !ok {
		return [32]byte{}, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) SetIdentityHash(_ context.Context, value [32]byte, identity [32]byte) error {
	if identity == ([32]byte{}) {
		return fmt.Errorf("%w: zero identity hash", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byValue[value]; !ok {
		return ErrUnknownCommitment
	}
	s.identities[value] = identity
	return nil
}

func (s *MemoryStore) IdentityHash(_ context.Context, value [32]byte) ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.identities[value]
	if !ok {
		return [32]byte{}, ErrNotFound
	}
	return id, nil
}

func (s *MemoryStore) spentSet(domain Domain) (map[[32]byte]struct{}, error) {
	set, ok := s.spent[domain]
	if !ok {
		return nil, fmt.Errorf("%w: domain %v", ErrInvalidInput, domain)
	}
	return set, nil
}

var _ Store = (*MemoryStore)(nil)
