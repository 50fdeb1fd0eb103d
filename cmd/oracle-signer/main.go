package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/umbra-cash/umbra/internal/events"
	"github.com/umbra-cash/umbra/internal/intent"
	"github.com/umbra-cash/umbra/internal/secrets"
)

type confirmationV1 struct {
	Version         string         `json:"version"`
	Oracle          common.Address `json:"oracle"`
	IntentID        uint64         `json:"intentId"`
	DestinationHash common.Hash    `json:"destinationHash"`
	Signature       string         `json:"signature"`
	SignedAt        time.Time      `json:"signedAt"`
}

func main() {
	var (
		poolAPIURL = flag.String("pool-api-url", "", "pool-engine API base URL (required)")

		oracleKeyRef = flag.String("oracle-key-ref", "env:UMBRA_ORACLE_PRIVATE_KEY", "oracle ECDSA private key reference (env:NAME or aws:SECRET_ID)")

		eventsDriver  = flag.String("events-driver", events.DriverKafka, "event stream driver (kafka|stdio)")
		eventsBrokers = flag.String("events-brokers", "", "kafka brokers (comma-separated)")
		eventsTopic   = flag.String("events-topic", events.DefaultTopic, "event stream topic")
		eventsGroup   = flag.String("events-group", "oracle-signer", "kafka consumer group")

		autoConfirm = flag.Bool("confirm", false, "POST signed confirmations back to the pool API")
		httpTimeout = flag.Duration("http-timeout", 10*time.Second, "HTTP client timeout for pool API calls")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	api := strings.TrimRight(strings.TrimSpace(*poolAPIURL), "/")
	if api == "" {
		fmt.Fprintln(os.Stderr, "error: --pool-api-url is required")
		os.Exit(2)
	}
	if *httpTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --http-timeout must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolver := secrets.NewResolver(secrets.NewEnv(), nil)
	if strings.HasPrefix(strings.TrimSpace(*oracleKeyRef), "aws:") {
		aws, err := secrets.NewAWS(ctx)
		if err != nil {
			log.Error("init aws secrets provider", "err", err)
			os.Exit(2)
		}
		resolver = secrets.NewResolver(secrets.NewEnv(), aws)
	}
	key, err := secrets.LoadPrivateKey(ctx, resolver, *oracleKeyRef)
	if err != nil {
		log.Error("load oracle key", "err", err)
		os.Exit(2)
	}
	oracle := secrets.KeyAddress(key)

	consumer, err := events.NewConsumer(ctx, events.ConsumerConfig{
		Driver:  *eventsDriver,
		Brokers: events.SplitCommaList(*eventsBrokers),
		Group:   *eventsGroup,
		Topics:  []string{*eventsTopic},
	})
	if err != nil {
		log.Error("init events consumer", "err", err)
		os.Exit(2)
	}
	defer consumer.Close()

	client := &http.Client{Timeout: *httpTimeout}
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)

	log.Info("oracle signer started", "oracle", oracle, "topic", *eventsTopic, "autoConfirm", *autoConfirm)

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown", "reason", ctx.Err())
			return
		case err, ok := <-consumer.Errors():
			if !ok {
				return
			}
			log.Error("consume events", "err", err)
		case msg, ok := <-consumer.Messages():
			if !ok {
				return
			}

			var env events.Envelope
			if err := json.Unmarshal(msg.Value, &env); err != nil {
				log.Warn("skip malformed event", "err", err)
				_ = msg.Ack(ctx)
				continue
			}
			if env.Type != events.TypeIntentClaimed {
				_ = msg.Ack(ctx)
				continue
			}
			var claimed events.IntentClaimedV1
			if err := json.Unmarshal(env.Data, &claimed); err != nil {
				log.Warn("skip malformed intent-claimed payload", "err", err)
				_ = msg.Ack(ctx)
				continue
			}

			if err := handleClaim(ctx, client, api, key, oracle, claimed.IntentID, enc, *autoConfirm, log); err != nil {
				// Leave the message uncommitted so a restart retries it.
				log.Error("handle intent claim", "intentId", claimed.IntentID, "err", err)
				continue
			}
			_ = msg.Ack(ctx)
		}
	}
}

func handleClaim(ctx context.Context, client *http.Client, api string, key *ecdsa.PrivateKey, oracle common.Address, intentID uint64, enc *json.Encoder, autoConfirm bool, log *slog.Logger) error {
	status, err := fetchIntent(ctx, client, api, intentID)
	if err != nil {
		return fmt.Errorf("fetch intent: %w", err)
	}
	if !status.Found {
		log.Warn("claimed intent not found; skipping", "intentId", intentID)
		return nil
	}
	if status.Status != intent.StatusClaimed.String() {
		log.Info("intent no longer claimed; skipping", "intentId", intentID, "status", status.Status)
		return nil
	}
	destHash, err := parseHex32(status.DestinationHash)
	if err != nil {
		return fmt.Errorf("parse destination hash: %w", err)
	}

	sig, err := intent.SignConfirmation(key, intentID, destHash)
	if err != nil {
		return fmt.Errorf("sign confirmation: %w", err)
	}

	out := confirmationV1{
		Version:         "pool.intent-confirmation.v1",
		Oracle:          oracle,
		IntentID:        intentID,
		DestinationHash: common.Hash(destHash),
		Signature:       "0x" + hex.EncodeToString(sig),
		SignedAt:        time.Now().UTC(),
	}
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	if autoConfirm {
		if err := postConfirmation(ctx, client, api, intentID, sig); err != nil {
			return fmt.Errorf("post confirmation: %w", err)
		}
		log.Info("confirmation submitted", "intentId", intentID)
	}
	return nil
}

type intentStatusV1 struct {
	Found           bool   `json:"found"`
	Status          string `json:"status"`
	DestinationHash string `json:"destinationHash"`
}

func fetchIntent(ctx context.Context, client *http.Client, api string, id uint64) (intentStatusV1, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/v1/intents/%d", api, id), nil)
	if err != nil {
		return intentStatusV1{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return intentStatusV1{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return intentStatusV1{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return intentStatusV1{}, fmt.Errorf("pool api status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out intentStatusV1
	if err := json.Unmarshal(body, &out); err != nil {
		return intentStatusV1{}, err
	}
	return out, nil
}

func postConfirmation(ctx context.Context, client *http.Client, api string, id uint64, sig []byte) error {
	payload, err := json.Marshal(map[string]string{
		"signature": "0x" + hex.EncodeToString(sig),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/v1/intents/%d/confirm", api, id), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		// Already confirmed or already settled; both are terminal for us.
		return nil
	default:
		return fmt.Errorf("pool api status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func parseHex32(s string) ([32]byte, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if len(s) != 64 {
		return [32]byte{}, fmt.Errorf("invalid length")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}
