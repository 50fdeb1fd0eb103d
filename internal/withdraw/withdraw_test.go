package withdraw

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/umbra-cash/umbra/internal/batch"
	"github.com/umbra-cash/umbra/internal/denom"
	"github.com/umbra-cash/umbra/internal/merkle"
	"github.com/umbra-cash/umbra/internal/note"
	"github.com/umbra-cash/umbra/internal/registry"
	"github.com/umbra-cash/umbra/internal/zkproof"
)

type fixture struct {
	reg     *registry.MemoryStore
	batches *batch.MemoryStore
	tree    *merkle.Accumulator
	now     time.Time
	auth    *Authorizer
}

func newFixture(t *testing.T, verifier zkproof.Verifier) *fixture {
	t.Helper()

	tree, err := merkle.New(8)
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}
	f := &fixture{
		reg:     registry.NewMemoryStore(),
		batches: batch.NewMemoryStore(),
		tree:    tree,
		now:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	auth, err := NewAuthorizer(f.reg, f.batches, verifier, 8, MinDelay, func() time.Time { return f.now })
	if err != nil {
		t.Fatalf("new authorizer: %v", err)
	}
	f.auth = auth
	return f
}

// deposit inserts one note into the open batch and returns its commitment
// record.
func (f *fixture) deposit(t *testing.T, tier denom.Tier, secret, blinder [32]byte) registry.Commitment {
	t.Helper()
	ctx := context.Background()

	amount, err := denom.Amount(tier)
	if err != nil {
		t.Fatalf("amount: %v", err)
	}
	cm := note.Commitment(amount, secret, blinder)

	index, root, err := f.tree.Append(note.ReduceToField(cm))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := f.reg.AddRoot(ctx, root); err != nil {
		t.Fatalf("add root: %v", err)
	}

	batchID, err := f.batches.AddDeposit(ctx, amount)
	if err != nil {
		t.Fatalf("add deposit: %v", err)
	}

	c := registry.Commitment{
		Value:     cm,
		LeafIndex: index,
		BatchID:   batchID,
		Tier:      tier,
		Depositor: common.HexToAddress("0x1111111111111111111111111111111111111111"),
	}
	if err := f.reg.InsertCommitment(ctx, c); err != nil {
		t.Fatalf("insert commitment: %v", err)
	}
	return c
}

// settle finalizes the open batch and advances the clock past the cooldown.
func (f *fixture) settle(t *testing.T, totalOut uint64) batch.Result {
	t.Helper()
	res, err := f.batches.FinalizeCurrent(context.Background(), totalOut, f.now)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	f.now = f.now.Add(MinDelay)
	return res
}

func (f *fixture) path(t *testing.T, index uint64) [][32]byte {
	t.Helper()
	path, err := f.tree.Proof(index)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	return path
}

func b32(b byte) [32]byte {
	var v [32]byte
	v[31] = b
	return v
}

func TestAuthorizeLegacy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, nil)
	secret, blinder := b32(1), b32(2)
	c := f.deposit(t, denom.Tier2, secret, blinder)
	f.deposit(t, denom.Tier2, b32(3), b32(4))
	f.settle(t, 2_000)

	req := LegacyRequest{
		Tier:      denom.Tier2,
		Secret:    secret,
		Blinder:   blinder,
		Nullifier: note.Nullifier(secret),
		Path:      f.path(t, c.LeafIndex),
	}
	got, err := f.auth.AuthorizeLegacy(ctx, req)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if got.Share != 1_000 {
		t.Fatalf("share = %d, want 1000", got.Share)
	}
	if got.Amount != 1_000 || got.BatchID != c.BatchID || got.Domain != registry.DomainLegacy {
		t.Fatalf("unexpected authorization: %+v", got)
	}
	if got.Commitment.Value != c.Value {
		t.Fatalf("commitment mismatch")
	}

	// Authorization alone burns nothing; a second pass still succeeds.
	if _, err := f.auth.AuthorizeLegacy(ctx, req); err != nil {
		t.Fatalf("re-authorize before spend: %v", err)
	}

	if err := f.auth.Spend(ctx, got); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if _, err := f.auth.AuthorizeLegacy(ctx, req); !errors.Is(err, registry.ErrAlreadySpent) {
		t.Fatalf("authorize after spend err = %v, want ErrAlreadySpent", err)
	}
	if err := f.auth.Spend(ctx, got); !errors.Is(err, registry.ErrAlreadySpent) {
		t.Fatalf("double spend err = %v, want ErrAlreadySpent", err)
	}
}

func TestAuthorizeLegacyUnknownCommitment(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	c := f.deposit(t, denom.Tier1, b32(1), b32(2))
	f.settle(t, 100)

	req := LegacyRequest{
		Tier:      denom.Tier1,
		Secret:    b32(9), // wrong secret recomputes to an unregistered commitment
		Blinder:   b32(2),
		Nullifier: note.Nullifier(b32(9)),
		Path:      f.path(t, c.LeafIndex),
	}
	if _, err := f.auth.AuthorizeLegacy(context.Background(), req); !errors.Is(err, registry.ErrUnknownCommitment) {
		t.Fatalf("err = %v, want ErrUnknownCommitment", err)
	}
}

func TestAuthorizeLegacyNullifierMismatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	c := f.deposit(t, denom.Tier1, b32(1), b32(2))
	f.settle(t, 100)

	req := LegacyRequest{
		Tier:      denom.Tier1,
		Secret:    b32(1),
		Blinder:   b32(2),
		Nullifier: b32(7),
		Path:      f.path(t, c.LeafIndex),
	}
	if _, err := f.auth.AuthorizeLegacy(context.Background(), req); !errors.Is(err, ErrInvalidNullifier) {
		t.Fatalf("err = %v, want ErrInvalidNullifier", err)
	}

	// The failed attempt must not have burned anything.
	spent, err := f.reg.NullifierSpent(context.Background(), registry.DomainLegacy, note.Nullifier(b32(1)))
	if err != nil || spent {
		t.Fatalf("nullifier spent after failed attempt: spent=%v err=%v", spent, err)
	}
}

func TestAuthorizeLegacyBadPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	c := f.deposit(t, denom.Tier1, b32(1), b32(2))
	f.settle(t, 100)

	path := f.path(t, c.LeafIndex)
	path[0][31] ^= 0x01

	req := LegacyRequest{
		Tier:      denom.Tier1,
		Secret:    b32(1),
		Blinder:   b32(2),
		Nullifier: note.Nullifier(b32(1)),
		Path:      path,
	}
	if _, err := f.auth.AuthorizeLegacy(context.Background(), req); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("err = %v, want ErrInvalidProof", err)
	}
}

func TestAuthorizeLegacyHistoricalRoot(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	c := f.deposit(t, denom.Tier1, b32(1), b32(2))
	path := f.path(t, c.LeafIndex)
	f.settle(t, 100)

	// Later deposits move the tree forward; a proof against the older
	// recorded root must still pass.
	f.deposit(t, denom.Tier1, b32(3), b32(4))

	req := LegacyRequest{
		Tier:      denom.Tier1,
		Secret:    b32(1),
		Blinder:   b32(2),
		Nullifier: note.Nullifier(b32(1)),
		Path:      path,
	}
	if _, err := f.auth.AuthorizeLegacy(context.Background(), req); err != nil {
		t.Fatalf("authorize against historical root: %v", err)
	}
}

func TestAuthorizeLegacyBatchNotSettled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	c := f.deposit(t, denom.Tier1, b32(1), b32(2))

	req := LegacyRequest{
		Tier:      denom.Tier1,
		Secret:    b32(1),
		Blinder:   b32(2),
		Nullifier: note.Nullifier(b32(1)),
		Path:      f.path(t, c.LeafIndex),
	}
	if _, err := f.auth.AuthorizeLegacy(context.Background(), req); !errors.Is(err, batch.ErrBatchNotSettled) {
		t.Fatalf("err = %v, want ErrBatchNotSettled", err)
	}
}

func TestAuthorizeLegacyCooldown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, nil)
	c := f.deposit(t, denom.Tier1, b32(1), b32(2))
	res, err := f.batches.FinalizeCurrent(ctx, 100, f.now)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	req := LegacyRequest{
		Tier:      denom.Tier1,
		Secret:    b32(1),
		Blinder:   b32(2),
		Nullifier: note.Nullifier(b32(1)),
		Path:      f.path(t, c.LeafIndex),
	}

	f.now = res.SettledAt.Add(MinDelay - time.Second)
	if _, err := f.auth.AuthorizeLegacy(ctx, req); !errors.Is(err, ErrTooEarly) {
		t.Fatalf("err = %v, want ErrTooEarly", err)
	}

	// The boundary itself is allowed.
	f.now = res.SettledAt.Add(MinDelay)
	if _, err := f.auth.AuthorizeLegacy(ctx, req); err != nil {
		t.Fatalf("authorize at boundary: %v", err)
	}
}

func TestAuthorizeLegacyShareRoundsToZero(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	c := f.deposit(t, denom.Tier1, b32(1), b32(2))
	f.deposit(t, denom.Tier1, b32(3), b32(4))
	f.settle(t, 1) // 200 in, 1 out: each share floors to zero

	req := LegacyRequest{
		Tier:      denom.Tier1,
		Secret:    b32(1),
		Blinder:   b32(2),
		Nullifier: note.Nullifier(b32(1)),
		Path:      f.path(t, c.LeafIndex),
	}
	if _, err := f.auth.AuthorizeLegacy(context.Background(), req); !errors.Is(err, ErrShareRoundsToZero) {
		t.Fatalf("err = %v, want ErrShareRoundsToZero", err)
	}
}

func TestAuthorizeLegacyTierMismatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, nil)

	// The deposit paid Tier1 but its opaque commitment was computed over
	// Tier4's amount, so the Tier4 recomputation at withdrawal matches the
	// registered value. The recorded tier must win.
	secret, blinder := b32(1), b32(2)
	tier4Amount, err := denom.Amount(denom.Tier4)
	if err != nil {
		t.Fatalf("amount: %v", err)
	}
	cm := note.Commitment(tier4Amount, secret, blinder)

	index, root, err := f.tree.Append(note.ReduceToField(cm))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := f.reg.AddRoot(ctx, root); err != nil {
		t.Fatalf("add root: %v", err)
	}
	tier1Amount, err := denom.Amount(denom.Tier1)
	if err != nil {
		t.Fatalf("amount: %v", err)
	}
	batchID, err := f.batches.AddDeposit(ctx, tier1Amount)
	if err != nil {
		t.Fatalf("add deposit: %v", err)
	}
	if err := f.reg.InsertCommitment(ctx, registry.Commitment{
		Value:     cm,
		LeafIndex: index,
		BatchID:   batchID,
		Tier:      denom.Tier1,
		Depositor: common.HexToAddress("0x1111111111111111111111111111111111111111"),
	}); err != nil {
		t.Fatalf("insert commitment: %v", err)
	}
	f.settle(t, 100)

	req := LegacyRequest{
		Tier:      denom.Tier4,
		Secret:    secret,
		Blinder:   blinder,
		Nullifier: note.Nullifier(secret),
		Path:      f.path(t, index),
	}
	if _, err := f.auth.AuthorizeLegacy(ctx, req); !errors.Is(err, ErrTierMismatch) {
		t.Fatalf("err = %v, want ErrTierMismatch", err)
	}

	spent, err := f.reg.NullifierSpent(ctx, registry.DomainLegacy, note.Nullifier(secret))
	if err != nil || spent {
		t.Fatalf("nullifier spent after rejected claim: spent=%v err=%v", spent, err)
	}
}

func zkEnvelope(t *testing.T, zkCommitment, zkNullifier [32]byte, tier denom.Tier) []byte {
	t.Helper()
	raw, err := zkproof.EncodeEnvelope([]byte{0xaa}, zkproof.PublicInputs{
		ZKCommitment: zkCommitment,
		ZKNullifier:  zkNullifier,
		Tier:         tier,
	})
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return raw
}

func TestAuthorizeZK(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, &zkproof.Stub{})
	secret, blinder := b32(1), b32(2)
	c := f.deposit(t, denom.Tier3, secret, blinder)
	f.settle(t, 10_000)

	zkCommitment, zkNullifier := b32(0x20), b32(0x21)
	if err := f.reg.MapZKCommitment(ctx, zkCommitment, c.Value); err != nil {
		t.Fatalf("map zk commitment: %v", err)
	}

	req := ZKRequest{
		Tier:         denom.Tier3,
		ZKNullifier:  zkNullifier,
		ZKCommitment: zkCommitment,
		Proof:        zkEnvelope(t, zkCommitment, zkNullifier, denom.Tier3),
		Path:         f.path(t, c.LeafIndex),
	}
	got, err := f.auth.AuthorizeZK(ctx, req)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if got.Share != 10_000 || got.Domain != registry.DomainZK {
		t.Fatalf("unexpected authorization: %+v", got)
	}

	if err := f.auth.Spend(ctx, got); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if _, err := f.auth.AuthorizeZK(ctx, req); !errors.Is(err, registry.ErrAlreadySpent) {
		t.Fatalf("authorize after spend err = %v, want ErrAlreadySpent", err)
	}
}

func TestAuthorizeZKUnknownMapping(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &zkproof.Stub{})
	c := f.deposit(t, denom.Tier1, b32(1), b32(2))
	f.settle(t, 100)

	req := ZKRequest{
		Tier:         denom.Tier1,
		ZKNullifier:  b32(0x21),
		ZKCommitment: b32(0x22),
		Proof:        zkEnvelope(t, b32(0x22), b32(0x21), denom.Tier1),
		Path:         f.path(t, c.LeafIndex),
	}
	if _, err := f.auth.AuthorizeZK(context.Background(), req); !errors.Is(err, registry.ErrUnknownZKCommitment) {
		t.Fatalf("err = %v, want ErrUnknownZKCommitment", err)
	}
}

func TestAuthorizeZKRejectedProof(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, &zkproof.Stub{RejectAll: true})
	c := f.deposit(t, denom.Tier1, b32(1), b32(2))
	f.settle(t, 100)

	zkCommitment := b32(0x20)
	if err := f.reg.MapZKCommitment(ctx, zkCommitment, c.Value); err != nil {
		t.Fatalf("map zk commitment: %v", err)
	}

	req := ZKRequest{
		Tier:         denom.Tier1,
		ZKNullifier:  b32(0x21),
		ZKCommitment: zkCommitment,
		Proof:        zkEnvelope(t, zkCommitment, b32(0x21), denom.Tier1),
		Path:         f.path(t, c.LeafIndex),
	}
	if _, err := f.auth.AuthorizeZK(ctx, req); !errors.Is(err, zkproof.ErrProofRejected) {
		t.Fatalf("err = %v, want ErrProofRejected", err)
	}
}

func TestAuthorizeZKPublicInputMismatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, &zkproof.Stub{})
	c := f.deposit(t, denom.Tier1, b32(1), b32(2))
	f.settle(t, 100)

	zkCommitment := b32(0x20)
	if err := f.reg.MapZKCommitment(ctx, zkCommitment, c.Value); err != nil {
		t.Fatalf("map zk commitment: %v", err)
	}

	// Proof attests to a different nullifier than the request claims.
	req := ZKRequest{
		Tier:         denom.Tier1,
		ZKNullifier:  b32(0x21),
		ZKCommitment: zkCommitment,
		Proof:        zkEnvelope(t, zkCommitment, b32(0x99), denom.Tier1),
		Path:         f.path(t, c.LeafIndex),
	}
	if _, err := f.auth.AuthorizeZK(ctx, req); !errors.Is(err, ErrPublicInputMismatch) {
		t.Fatalf("err = %v, want ErrPublicInputMismatch", err)
	}
}

func TestAuthorizeZKTierMismatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, &zkproof.Stub{})
	c := f.deposit(t, denom.Tier1, b32(1), b32(2))
	f.settle(t, 100)

	zkCommitment, zkNullifier := b32(0x20), b32(0x21)
	if err := f.reg.MapZKCommitment(ctx, zkCommitment, c.Value); err != nil {
		t.Fatalf("map zk commitment: %v", err)
	}

	// The proof consistently attests to Tier4, but the mapped deposit only
	// paid Tier1. The claim must fail on the recorded tier.
	req := ZKRequest{
		Tier:         denom.Tier4,
		ZKNullifier:  zkNullifier,
		ZKCommitment: zkCommitment,
		Proof:        zkEnvelope(t, zkCommitment, zkNullifier, denom.Tier4),
		Path:         f.path(t, c.LeafIndex),
	}
	if _, err := f.auth.AuthorizeZK(ctx, req); !errors.Is(err, ErrTierMismatch) {
		t.Fatalf("err = %v, want ErrTierMismatch", err)
	}

	spent, err := f.reg.NullifierSpent(ctx, registry.DomainZK, zkNullifier)
	if err != nil || spent {
		t.Fatalf("nullifier spent after rejected claim: spent=%v err=%v", spent, err)
	}
}

func TestAuthorizeDomainsIndependent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, &zkproof.Stub{})
	secret, blinder := b32(1), b32(2)
	c := f.deposit(t, denom.Tier1, secret, blinder)
	f.settle(t, 100)

	// Spending in the legacy domain does not touch the zk domain.
	legacy := LegacyRequest{
		Tier:      denom.Tier1,
		Secret:    secret,
		Blinder:   blinder,
		Nullifier: note.Nullifier(secret),
		Path:      f.path(t, c.LeafIndex),
	}
	legacyAuth, err := f.auth.AuthorizeLegacy(ctx, legacy)
	if err != nil {
		t.Fatalf("legacy authorize: %v", err)
	}
	if err := f.auth.Spend(ctx, legacyAuth); err != nil {
		t.Fatalf("legacy spend: %v", err)
	}

	zkCommitment, zkNullifier := b32(0x20), b32(0x21)
	if err := f.reg.MapZKCommitment(ctx, zkCommitment, c.Value); err != nil {
		t.Fatalf("map zk commitment: %v", err)
	}
	zk := ZKRequest{
		Tier:         denom.Tier1,
		ZKNullifier:  zkNullifier,
		ZKCommitment: zkCommitment,
		Proof:        zkEnvelope(t, zkCommitment, zkNullifier, denom.Tier1),
		Path:         f.path(t, c.LeafIndex),
	}
	if _, err := f.auth.AuthorizeZK(ctx, zk); err != nil {
		t.Fatalf("zk authorize after legacy spend: %v", err)
	}
}

func TestShare(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		amount   uint64
		totalOut uint64
		totalIn  uint64
		want     uint64
		wantErr  error
	}{
		{name: "even split", amount: 400, totalOut: 10, totalIn: 1_000, want: 4},
		{name: "full rate", amount: 1_000, totalOut: 2_000, totalIn: 2_000, want: 1_000},
		{name: "floors down", amount: 100, totalOut: 999, totalIn: 1_000, want: 99},
		{name: "rounds to zero", amount: 100, totalOut: 1, totalIn: 200, wantErr: ErrShareRoundsToZero},
		{name: "zero total in", amount: 100, totalOut: 1, totalIn: 0, wantErr: ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Share(tt.amount, tt.totalOut, tt.totalIn)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("share: %v", err)
			}
			if got != tt.want {
				t.Fatalf("share = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSplitFee(t *testing.T) {
	t.Parallel()

	fee, rest, err := SplitFee(100, 200)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if fee != 2 || rest != 98 {
		t.Fatalf("split = (%d, %d), want (2, 98)", fee, rest)
	}

	fee, rest, err = SplitFee(100, 0)
	if err != nil || fee != 0 || rest != 100 {
		t.Fatalf("zero-fee split = (%d, %d, %v)", fee, rest, err)
	}

	if _, _, err := SplitFee(100, MaxRelayerFeeBps+1); !errors.Is(err, ErrFeeTooHigh) {
		t.Fatalf("err = %v, want ErrFeeTooHigh", err)
	}
}
