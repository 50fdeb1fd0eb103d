package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestNewProducerValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  ProducerConfig
	}{
		{
			name: "unsupported driver",
			cfg:  ProducerConfig{Driver: "unknown"},
		},
		{
			name: "kafka missing brokers",
			cfg:  ProducerConfig{Driver: DriverKafka},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := NewProducer(tc.cfg)
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if p != nil {
				t.Fatalf("expected nil producer on error")
			}
		})
	}
}

func TestStdioProducerWritesLines(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p, err := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: &buf})
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Close()

	if err := p.Publish(context.Background(), "ignored", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := p.Publish(context.Background(), "ignored", []byte(`{"b":2}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
}

func TestPublisherEnvelope(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	producer, err := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: &buf})
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	pub := NewPublisher(producer, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	pub.now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }

	pub.Emit(context.Background(), TypeBatchExecuted, BatchExecutedV1{
		BatchID:  3,
		TotalIn:  1_000,
		TotalOut: 950,
	})

	var env Envelope
	if err := json.Unmarshal(buf.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != TypeBatchExecuted {
		t.Fatalf("type = %q", env.Type)
	}
	if env.EmittedAt != time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) {
		t.Fatalf("emittedAt = %s", env.EmittedAt)
	}

	var data BatchExecutedV1
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.BatchID != 3 || data.TotalIn != 1_000 || data.TotalOut != 950 {
		t.Fatalf("data = %+v", data)
	}
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string, []byte) error {
	return errors.New("broker down")
}

func (failingProducer) Close() error { return nil }

func TestPublisherSwallowsPublishErrors(t *testing.T) {
	t.Parallel()

	var logBuf bytes.Buffer
	pub := NewPublisher(failingProducer{}, "t", slog.New(slog.NewTextHandler(&logBuf, nil)))

	// Must not panic or surface the error to the caller.
	pub.Emit(context.Background(), TypeRootUpdated, RootUpdatedV1{LeafCount: 1})

	if !strings.Contains(logBuf.String(), "event publish failed") {
		t.Fatalf("publish failure not logged: %q", logBuf.String())
	}
}

func TestNilPublisher(t *testing.T) {
	t.Parallel()

	var pub *Publisher
	pub.Emit(context.Background(), TypeRootUpdated, RootUpdatedV1{})
	if err := pub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNewConsumerValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  ConsumerConfig
	}{
		{
			name: "unsupported driver",
			cfg:  ConsumerConfig{Driver: "unknown"},
		},
		{
			name: "kafka missing brokers",
			cfg:  ConsumerConfig{Driver: DriverKafka, Group: "g", Topics: []string{"t"}},
		},
		{
			name: "kafka missing group",
			cfg:  ConsumerConfig{Driver: DriverKafka, Brokers: []string{"b:9092"}, Topics: []string{"t"}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, err := NewConsumer(context.Background(), tc.cfg)
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if c != nil {
				t.Fatalf("expected nil consumer on error")
			}
		})
	}
}

func TestStdioConsumerDeliversLines(t *testing.T) {
	t.Parallel()

	input := strings.NewReader(`{"type":"pool.intent-claimed.v1"}` + "\n" + `{"type":"pool.root-updated.v1"}` + "\n")
	c, err := NewConsumer(context.Background(), ConsumerConfig{Driver: DriverStdio, Reader: input})
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	defer c.Close()

	var types []string
	for msg := range c.Messages() {
		var env Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if err := msg.Ack(context.Background()); err != nil {
			t.Fatalf("ack: %v", err)
		}
		types = append(types, env.Type)
	}
	if len(types) != 2 || types[0] != TypeIntentClaimed || types[1] != TypeRootUpdated {
		t.Fatalf("types = %v", types)
	}
}
