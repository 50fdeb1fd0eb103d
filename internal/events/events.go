// Package events publishes the engine's lifecycle events for off-ledger
// indexers. Event delivery is best-effort: a publish failure is logged and
// never fails the operation that produced it, because ledger state is the
// source of truth and indexers can rebuild from it.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const DefaultTopic = "umbra.pool.events"

// Event types. The version suffix is part of the wire contract.
const (
	TypeDepositCommitted    = "pool.deposit-committed.v1"
	TypeRootUpdated         = "pool.root-updated.v1"
	TypeBatchExecuted       = "pool.batch-executed.v1"
	TypeWithdrawal          = "pool.withdrawal.v1"
	TypePrivateWithdrawal   = "pool.private-withdrawal.v1"
	TypeWithdrawalIntent    = "pool.withdrawal-intent.v1"
	TypeIntentCreated       = "pool.intent-created.v1"
	TypeIntentClaimed       = "pool.intent-claimed.v1"
	TypeIntentConfirmed     = "pool.intent-confirmed.v1"
	TypeIntentSettled       = "pool.intent-settled.v1"
	TypeIntentExpired       = "pool.intent-expired.v1"
	TypeOracleConfigUpdated = "pool.oracle-config-updated.v1"
	TypeViewKeyRegistered   = "pool.view-key-registered.v1"
	TypeIdentityLinked      = "pool.identity-linked.v1"
)

// Envelope wraps every published event.
type Envelope struct {
	Type      string          `json:"type"`
	EmittedAt time.Time       `json:"emittedAt"`
	Data      json.RawMessage `json:"data"`
}

type DepositCommittedV1 struct {
	Commitment common.Hash `json:"commitment"`
	BatchID    uint64      `json:"batchId"`
	LeafIndex  uint64      `json:"leafIndex"`
	Tier       uint8       `json:"tier"`
}

type RootUpdatedV1 struct {
	Root      common.Hash `json:"root"`
	LeafCount uint64      `json:"leafCount"`
}

type BatchExecutedV1 struct {
	BatchID  uint64 `json:"batchId"`
	TotalIn  uint64 `json:"totalIn"`
	TotalOut uint64 `json:"totalOut"`
}

type WithdrawalV1 struct {
	Nullifier common.Hash    `json:"nullifier"`
	Recipient common.Address `json:"recipient"`
	Amount    uint64         `json:"amount"`
	BatchID   uint64         `json:"batchId"`
}

type WithdrawalIntentV1 struct {
	IntentID        uint64      `json:"intentId"`
	Amount          uint64      `json:"amount"`
	DestinationHash common.Hash `json:"destinationHash"`
}

type IntentCreatedV1 struct {
	IntentID uint64 `json:"intentId"`
	Amount   uint64 `json:"amount"`
}

type IntentClaimedV1 struct {
	IntentID uint64         `json:"intentId"`
	Solver   common.Address `json:"solver"`
}

type IntentConfirmedV1 struct {
	IntentID      uint64         `json:"intentId"`
	Oracle        common.Address `json:"oracle"`
	Confirmations int            `json:"confirmations"`
}

type IntentSettledV1 struct {
	IntentID uint64         `json:"intentId"`
	Solver   common.Address `json:"solver"`
	Amount   uint64         `json:"amount"`
}

type IntentExpiredV1 struct {
	IntentID  uint64         `json:"intentId"`
	Recipient common.Address `json:"recipient"`
	Amount    uint64         `json:"amount"`
}

type OracleConfigUpdatedV1 struct {
	Signers        []common.Address `json:"signers"`
	Threshold      int              `json:"threshold"`
	TimeoutSeconds int64            `json:"timeoutSeconds"`
}

type ViewKeyRegisteredV1 struct {
	Commitment common.Hash `json:"commitment"`
}

type IdentityLinkedV1 struct {
	Commitment common.Hash `json:"commitment"`
}

// Publisher serializes events into envelopes and hands them to a Producer.
// A nil Publisher is valid and drops everything.
type Publisher struct {
	producer Producer
	topic    string
	log      *slog.Logger
	now      func() time.Time
}

func NewPublisher(producer Producer, topic string, log *slog.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		producer: producer,
		topic:    topic,
		log:      log,
		now:      time.Now,
	}
}

// Emit publishes one event. Failures are logged, not returned.
func (p *Publisher) Emit(ctx context.Context, eventType string, payload any) {
	if p == nil || p.producer == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn("event payload marshal failed", "type", eventType, "err", err)
		return
	}
	raw, err := json.Marshal(Envelope{
		Type:      eventType,
		EmittedAt: p.now().UTC(),
		Data:      data,
	})
	if err != nil {
		p.log.Warn("event envelope marshal failed", "type", eventType, "err", err)
		return
	}
	if err := p.producer.Publish(ctx, p.topic, raw); err != nil {
		p.log.Warn("event publish failed", "type", eventType, "err", err)
	}
}

func (p *Publisher) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
