// Package poolapi exposes the pool engine over HTTP for wallets, relayers,
// solvers, and oracles. All responses are JSON with a "version" field; state
// changes return the resulting record so callers never need a follow-up read.
package poolapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/umbra-cash/umbra/internal/batch"
	"github.com/umbra-cash/umbra/internal/denom"
	"github.com/umbra-cash/umbra/internal/engine"
	"github.com/umbra-cash/umbra/internal/intent"
	"github.com/umbra-cash/umbra/internal/merkle"
	"github.com/umbra-cash/umbra/internal/registry"
	"github.com/umbra-cash/umbra/internal/token"
	"github.com/umbra-cash/umbra/internal/withdraw"
)

var ErrInvalidConfig = errors.New("poolapi: invalid config")

// Pool is the slice of the engine the API serves. *engine.Engine satisfies
// it; tests substitute lighter fakes.
type Pool interface {
	Deposit(ctx context.Context, req engine.DepositRequest) (engine.DepositReceipt, error)
	WithdrawLegacy(ctx context.Context, proof withdraw.LegacyRequest, req engine.WithdrawalRequest) (engine.WithdrawalReceipt, error)
	WithdrawZK(ctx context.Context, proof withdraw.ZKRequest, req engine.WithdrawalRequest) (engine.WithdrawalReceipt, error)

	GetIntent(ctx context.Context, id uint64) (intent.Intent, error)
	ClaimIntent(ctx context.Context, id uint64, solver common.Address) (intent.Intent, error)
	ConfirmIntent(ctx context.Context, id uint64, sig []byte) (intent.Intent, error)
	ReleaseIntent(ctx context.Context, id uint64) (intent.Intent, error)
	ExpireIntent(ctx context.Context, id uint64) (intent.Intent, error)
	OracleConfig(ctx context.Context) (intent.OracleConfig, error)

	Root() [32]byte
	KnownRoot(ctx context.Context, root [32]byte) (bool, error)
	MerklePath(ctx context.Context, index uint64) ([][32]byte, error)
	PendingBatch(ctx context.Context) (batch.Pending, error)
	BatchResult(ctx context.Context, id uint64) (batch.Result, error)
	AnonymitySetSize(ctx context.Context, tier denom.Tier) (uint64, error)
}

type Config struct {
	PoolAddress common.Address
	InputToken  common.Address
	OutputToken common.Address
	MinDelay    time.Duration

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	AnonCacheTTL        time.Duration
	AnonCacheMaxEntries int

	Now func() time.Time
}

func NewHandler(cfg Config, pool Pool) (http.Handler, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	if cfg.PoolAddress == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing pool address", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.AnonCacheTTL <= 0 {
		cfg.AnonCacheTTL = 30 * time.Second
	}
	if cfg.AnonCacheMaxEntries <= 0 {
		cfg.AnonCacheMaxEntries = 64
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg:  cfg,
		pool: pool,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
		anonCache: newResponseCache(cfg.AnonCacheTTL, cfg.AnonCacheMaxEntries),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/config", h.handleConfig)
	mux.HandleFunc("GET /v1/root", h.handleRoot)
	mux.HandleFunc("GET /v1/roots/{root}", h.handleKnownRoot)
	mux.HandleFunc("GET /v1/paths/{index}", h.handleMerklePath)
	mux.HandleFunc("GET /v1/batches/pending", h.handlePendingBatch)
	mux.HandleFunc("GET /v1/batches/{batchId}", h.handleBatchResult)
	mux.HandleFunc("GET /v1/anonymity/{tier}", h.handleAnonymitySet)
	mux.HandleFunc("POST /v1/deposits", h.handleDeposit)
	mux.HandleFunc("POST /v1/withdrawals", h.handleWithdrawLegacy)
	mux.HandleFunc("POST /v1/withdrawals/zk", h.handleWithdrawZK)
	mux.HandleFunc("GET /v1/intents/{intentId}", h.handleIntentStatus)
	mux.HandleFunc("GET /v1/oracle-config", h.handleOracleConfig)
	mux.HandleFunc("POST /v1/intents/{intentId}/claim", h.handleIntentClaim)
	mux.HandleFunc("POST /v1/intents/{intentId}/confirm", h.handleIntentConfirm)
	mux.HandleFunc("POST /v1/intents/{intentId}/release", h.handleIntentRelease)
	mux.HandleFunc("POST /v1/intents/{intentId}/expire", h.handleIntentExpire)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks must never be throttled.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		ip := clientIP(r)
		allowed := h.limiter.Allow(ip, now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"version": "v1",
				"error":   "rate_limited",
			})
			return
		}

		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg  Config
	pool Pool

	limiter   *ipRateLimiter
	anonCache *responseCache
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleConfig(w http.ResponseWriter, _ *http.Request) {
	tiers := map[string]string{}
	for _, t := range denom.Tiers() {
		amt, err := denom.Amount(t)
		if err != nil {
			continue
		}
		tiers[strconv.Itoa(int(t))] = strconv.FormatUint(amt, 10)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":              "v1",
		"poolAddress":          h.cfg.PoolAddress.Hex(),
		"inputToken":           h.cfg.InputToken.Hex(),
		"outputToken":          h.cfg.OutputToken.Hex(),
		"withdrawDelaySeconds": uint64(h.cfg.MinDelay / time.Second),
		"maxRelayerFeeBps":     withdraw.MaxRelayerFeeBps,
		"tiers":                tiers,
	})
}

func (h *handler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	root := h.pool.Root()
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"root":    "0x" + hex.EncodeToString(root[:]),
	})
}

func (h *handler) handleKnownRoot(w http.ResponseWriter, r *http.Request) {
	root, err := parseHex32(r.PathValue("root"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_root")
		return
	}
	known, err := h.pool.KnownRoot(r.Context(), root)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"root":    "0x" + hex.EncodeToString(root[:]),
		"known":   known,
	})
}

func (h *handler) handleMerklePath(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(r.PathValue("index"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_index")
		return
	}
	path, err := h.pool.MerklePath(r.Context(), index)
	if err != nil {
		if errors.Is(err, merkle.ErrUnknownLeaf) {
			writeError(w, http.StatusNotFound, "unknown_leaf")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"index":   strconv.FormatUint(index, 10),
		"path":    encodeHex32Slice(path),
	})
}

func (h *handler) handlePendingBatch(w http.ResponseWriter, r *http.Request) {
	pending, err := h.pool.PendingBatch(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  "v1",
		"batchId":  pending.ID,
		"totalIn":  strconv.FormatUint(pending.TotalIn, 10),
		"deposits": pending.Deposits,
	})
}

func (h *handler) handleBatchResult(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("batchId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_batch_id")
		return
	}
	result, err := h.pool.BatchResult(r.Context(), id)
	if err != nil {
		if errors.Is(err, batch.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{
				"version": "v1",
				"found":   false,
				"batchId": id,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	settledAt := ""
	if result.Finalized {
		settledAt = result.SettledAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"found":     true,
		"batchId":   result.ID,
		"totalIn":   strconv.FormatUint(result.TotalIn, 10),
		"totalOut":  strconv.FormatUint(result.TotalOut, 10),
		"finalized": result.Finalized,
		"settledAt": settledAt,
	})
}

func (h *handler) handleAnonymitySet(w http.ResponseWriter, r *http.Request) {
	tierNum, err := strconv.ParseUint(r.PathValue("tier"), 10, 8)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_tier")
		return
	}
	tier := denom.Tier(tierNum)
	if _, err := denom.Amount(tier); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_tier")
		return
	}

	cacheKey := strconv.FormatUint(tierNum, 10)
	if body, ok := h.anonCache.Get(cacheKey, h.cfg.Now().UTC()); ok {
		writeJSONBytes(w, http.StatusOK, body)
		return
	}

	size, err := h.pool.AnonymitySetSize(r.Context(), tier)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	body, err := json.Marshal(map[string]any{
		"version": "v1",
		"tier":    tierNum,
		"size":    strconv.FormatUint(size, 10),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	body = append(body, '\n')
	h.anonCache.Set(cacheKey, body, h.cfg.Now().UTC())
	writeJSONBytes(w, http.StatusOK, body)
}

type depositRequestBody struct {
	Depositor    string `json:"depositor"`
	Tier         uint8  `json:"tier"`
	Commitment   string `json:"commitment"`
	ZKCommitment string `json:"zkCommitment,omitempty"`
}

func (h *handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[depositRequestBody](w, r)
	if !ok {
		return
	}
	if !common.IsHexAddress(strings.TrimSpace(body.Depositor)) {
		writeError(w, http.StatusBadRequest, "invalid_depositor")
		return
	}
	commitment, err := parseHex32(body.Commitment)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_commitment")
		return
	}
	var zk [32]byte
	if strings.TrimSpace(body.ZKCommitment) != "" {
		zk, err = parseHex32(body.ZKCommitment)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_zk_commitment")
			return
		}
	}

	receipt, err := h.pool.Deposit(r.Context(), engine.DepositRequest{
		Depositor:    common.HexToAddress(strings.TrimSpace(body.Depositor)),
		Tier:         denom.Tier(body.Tier),
		Commitment:   commitment,
		ZKCommitment: zk,
	})
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code)
		return
	}
	root := receipt.Root
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"leafIndex": strconv.FormatUint(receipt.LeafIndex, 10),
		"batchId":   receipt.BatchID,
		"tier":      uint8(receipt.Tier),
		"amount":    strconv.FormatUint(receipt.Amount, 10),
		"root":      "0x" + hex.EncodeToString(root[:]),
	})
}

type withdrawalFields struct {
	Recipient       string `json:"recipient"`
	Relayer         string `json:"relayer,omitempty"`
	FeeBps          uint32 `json:"feeBps,omitempty"`
	DestinationHash string `json:"destinationHash,omitempty"`
}

func (f withdrawalFields) parse() (engine.WithdrawalRequest, error) {
	var out engine.WithdrawalRequest
	if !common.IsHexAddress(strings.TrimSpace(f.Recipient)) {
		return out, errors.New("invalid recipient")
	}
	out.Recipient = common.HexToAddress(strings.TrimSpace(f.Recipient))
	if s := strings.TrimSpace(f.Relayer); s != "" {
		if !common.IsHexAddress(s) {
			return out, errors.New("invalid relayer")
		}
		out.Relayer = common.HexToAddress(s)
	}
	out.FeeBps = f.FeeBps
	if s := strings.TrimSpace(f.DestinationHash); s != "" {
		hash, err := parseHex32(s)
		if err != nil {
			return out, err
		}
		out.DestinationHash = hash
	}
	return out, nil
}

type legacyWithdrawBody struct {
	Tier      uint8    `json:"tier"`
	Secret    string   `json:"secret"`
	Blinder   string   `json:"blinder"`
	Nullifier string   `json:"nullifier"`
	Path      []string `json:"path"`

	withdrawalFields
}

func (h *handler) handleWithdrawLegacy(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[legacyWithdrawBody](w, r)
	if !ok {
		return
	}
	secret, err := parseHex32(body.Secret)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_secret")
		return
	}
	blinder, err := parseHex32(body.Blinder)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_blinder")
		return
	}
	nullifier, err := parseHex32(body.Nullifier)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_nullifier")
		return
	}
	path, err := parseHex32Slice(body.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_path")
		return
	}
	req, err := body.withdrawalFields.parse()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_withdrawal")
		return
	}

	receipt, err := h.pool.WithdrawLegacy(r.Context(), withdraw.LegacyRequest{
		Tier:      denom.Tier(body.Tier),
		Secret:    secret,
		Blinder:   blinder,
		Nullifier: nullifier,
		Path:      path,
	}, req)
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code)
		return
	}
	writeWithdrawalReceipt(w, receipt)
}

type zkWithdrawBody struct {
	Tier         uint8    `json:"tier"`
	ZKNullifier  string   `json:"zkNullifier"`
	ZKCommitment string   `json:"zkCommitment"`
	Proof        string   `json:"proof"`
	Path         []string `json:"path"`

	withdrawalFields
}

func (h *handler) handleWithdrawZK(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[zkWithdrawBody](w, r)
	if !ok {
		return
	}
	zkNullifier, err := parseHex32(body.ZKNullifier)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_zk_nullifier")
		return
	}
	zkCommitment, err := parseHex32(body.ZKCommitment)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_zk_commitment")
		return
	}
	proof, err := decodeHexBytes(body.Proof)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_proof")
		return
	}
	path, err := parseHex32Slice(body.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_path")
		return
	}
	req, err := body.withdrawalFields.parse()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_withdrawal")
		return
	}

	receipt, err := h.pool.WithdrawZK(r.Context(), withdraw.ZKRequest{
		Tier:         denom.Tier(body.Tier),
		ZKNullifier:  zkNullifier,
		ZKCommitment: zkCommitment,
		Proof:        proof,
		Path:         path,
	}, req)
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code)
		return
	}
	writeWithdrawalReceipt(w, receipt)
}

func writeWithdrawalReceipt(w http.ResponseWriter, receipt engine.WithdrawalReceipt) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    "v1",
		"share":      strconv.FormatUint(receipt.Share, 10),
		"relayerFee": strconv.FormatUint(receipt.RelayerFee, 10),
		"paid":       strconv.FormatUint(receipt.Paid, 10),
		"batchId":    receipt.BatchID,
		"intentId":   receipt.IntentID,
	})
}

func (h *handler) handleIntentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("intentId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_intent_id")
		return
	}
	in, err := h.pool.GetIntent(r.Context(), id)
	if err != nil {
		if errors.Is(err, intent.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{
				"version":  "v1",
				"found":    false,
				"intentId": id,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeIntent(w, in, true)
}

func (h *handler) handleOracleConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.pool.OracleConfig(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	signers := make([]string, 0, len(cfg.Signers))
	for _, s := range cfg.Signers {
		signers = append(signers, s.Hex())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        "v1",
		"signers":        signers,
		"threshold":      cfg.Threshold,
		"timeoutSeconds": uint64(cfg.Timeout / time.Second),
	})
}

type intentClaimBody struct {
	Solver string `json:"solver"`
}

func (h *handler) handleIntentClaim(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("intentId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_intent_id")
		return
	}
	body, ok := decodeJSONBody[intentClaimBody](w, r)
	if !ok {
		return
	}
	if !common.IsHexAddress(strings.TrimSpace(body.Solver)) {
		writeError(w, http.StatusBadRequest, "invalid_solver")
		return
	}
	in, err := h.pool.ClaimIntent(r.Context(), id, common.HexToAddress(strings.TrimSpace(body.Solver)))
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code)
		return
	}
	writeIntent(w, in, false)
}

type intentConfirmBody struct {
	Signature string `json:"signature"`
}

func (h *handler) handleIntentConfirm(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("intentId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_intent_id")
		return
	}
	body, ok := decodeJSONBody[intentConfirmBody](w, r)
	if !ok {
		return
	}
	sig, err := decodeHexBytes(body.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_signature")
		return
	}
	in, err := h.pool.ConfirmIntent(r.Context(), id, sig)
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code)
		return
	}
	writeIntent(w, in, false)
}

func (h *handler) handleIntentRelease(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("intentId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_intent_id")
		return
	}
	in, err := h.pool.ReleaseIntent(r.Context(), id)
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code)
		return
	}
	writeIntent(w, in, false)
}

func (h *handler) handleIntentExpire(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("intentId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_intent_id")
		return
	}
	in, err := h.pool.ExpireIntent(r.Context(), id)
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code)
		return
	}
	writeIntent(w, in, false)
}

func writeIntent(w http.ResponseWriter, in intent.Intent, found bool) {
	resp := map[string]any{
		"version":         "v1",
		"intentId":        in.ID,
		"status":          in.Status.String(),
		"amount":          strconv.FormatUint(in.Amount, 10),
		"destinationHash": "0x" + hex.EncodeToString(in.DestinationHash[:]),
		"recipient":       in.Recipient.Hex(),
		"confirmations":   in.Confirmations,
		"createdAt":       in.CreatedAt.UTC().Format(time.RFC3339),
	}
	if found {
		resp["found"] = true
	}
	if in.Solver != (common.Address{}) {
		resp["solver"] = in.Solver.Hex()
	}
	writeJSON(w, http.StatusOK, resp)
}

// errorStatus maps engine sentinels to HTTP status plus a stable error code.
// Unknown errors deliberately collapse to 500/internal so internals never
// leak to callers.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrInvalidInput), errors.Is(err, denom.ErrInvalidTier):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, withdraw.ErrFeeTooHigh):
		return http.StatusBadRequest, "fee_too_high"
	case errors.Is(err, registry.ErrDuplicateCommitment):
		return http.StatusConflict, "duplicate_commitment"
	case errors.Is(err, registry.ErrZKAlreadyMapped):
		return http.StatusConflict, "zk_commitment_in_use"
	case errors.Is(err, registry.ErrAlreadySpent):
		return http.StatusConflict, "nullifier_spent"
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, registry.ErrUnknownCommitment),
		errors.Is(err, registry.ErrUnknownZKCommitment):
		return http.StatusUnprocessableEntity, "unknown_commitment"
	case errors.Is(err, merkle.ErrTreeFull):
		return http.StatusConflict, "tree_full"
	case errors.Is(err, withdraw.ErrTierMismatch):
		return http.StatusUnprocessableEntity, "tier_mismatch"
	case errors.Is(err, withdraw.ErrInvalidNullifier):
		return http.StatusUnprocessableEntity, "invalid_nullifier"
	case errors.Is(err, withdraw.ErrInvalidProof):
		return http.StatusUnprocessableEntity, "invalid_proof"
	case errors.Is(err, withdraw.ErrPublicInputMismatch):
		return http.StatusUnprocessableEntity, "public_input_mismatch"
	case errors.Is(err, withdraw.ErrShareRoundsToZero):
		return http.StatusUnprocessableEntity, "share_rounds_to_zero"
	case errors.Is(err, withdraw.ErrTooEarly):
		return http.StatusConflict, "cooldown_active"
	case errors.Is(err, batch.ErrBatchNotSettled):
		return http.StatusConflict, "batch_not_settled"
	case errors.Is(err, token.ErrInsufficientBalance), errors.Is(err, token.ErrInsufficientAllowance):
		return http.StatusConflict, "funds_unavailable"
	case errors.Is(err, intent.ErrNotFound):
		return http.StatusNotFound, "intent_not_found"
	case errors.Is(err, intent.ErrInvalidSignature):
		return http.StatusBadRequest, "invalid_signature"
	case errors.Is(err, intent.ErrNotAnOracle):
		return http.StatusForbidden, "not_an_oracle"
	case errors.Is(err, intent.ErrAlreadyConfirmed):
		return http.StatusConflict, "already_confirmed"
	case errors.Is(err, intent.ErrNotClaimable):
		return http.StatusConflict, "not_claimable"
	case errors.Is(err, intent.ErrNotClaimed):
		return http.StatusConflict, "not_claimed"
	case errors.Is(err, intent.ErrThresholdNotMet):
		return http.StatusConflict, "threshold_not_met"
	case errors.Is(err, intent.ErrNotExpired):
		return http.StatusConflict, "not_expired"
	case errors.Is(err, intent.ErrFinalized):
		return http.StatusConflict, "intent_finalized"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, code int, errCode string) {
	writeJSON(w, code, map[string]any{
		"version": "v1",
		"error":   errCode,
	})
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

func parseHex32Slice(in []string) ([][32]byte, error) {
	if len(in) == 0 {
		return nil, errors.New("empty path")
	}
	out := make([][32]byte, len(in))
	for i, s := range in {
		v, err := parseHex32(s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func encodeHex32Slice(in [][32]byte) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = "0x" + hex.EncodeToString(v[:])
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONBytes(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return out, false
	}
	return out, true
}

func decodeHexBytes(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "0x")
	raw = strings.TrimPrefix(raw, "0X")
	if raw == "" {
		return nil, errors.New("empty hex value")
	}
	return hex.DecodeString(raw)
}

func clientIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	host := remote
	if i := strings.LastIndex(remote, ":"); i > 0 {
		host = remote[:i]
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.String()
	}
	return remote
}

type limiterState struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTrackedIPs   int
	states          map[string]limiterState
}

func newIPRateLimiter(refillPerSecond float64, burst float64, maxTrackedIPs int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTrackedIPs:   maxTrackedIPs,
		states:          make(map[string]limiterState),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[ip]
	if !ok {
		if len(l.states) >= l.maxTrackedIPs {
			l.evictOne()
		}
		l.states[ip] = limiterState{
			tokens:   l.burst - 1,
			lastAt:   now,
			lastSeen: now,
		}
		return true
	}

	elapsed := now.Sub(st.lastAt).Seconds()
	if elapsed > 0 {
		st.tokens += elapsed * l.refillPerSecond
		if st.tokens > l.burst {
			st.tokens = l.burst
		}
	}
	st.lastAt = now
	st.lastSeen = now

	if st.tokens < 1 {
		l.states[ip] = st
		return false
	}
	st.tokens -= 1
	l.states[ip] = st
	return true
}

func (l *ipRateLimiter) evictOne() {
	var oldestIP string
	var oldestAt time.Time
	first := true
	for ip, st := range l.states {
		if first || st.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = st.lastSeen
			first = false
		}
	}
	if oldestIP != "" {
		delete(l.states, oldestIP)
	}
}

type cacheEntry struct {
	body      []byte
	expiresAt time.Time
	lastSeen  time.Time
}

// responseCache memoizes rendered JSON bodies. Anonymity counters only grow,
// so a slightly stale size is safe to serve.
type responseCache struct {
	mu sync.Mutex

	ttl        time.Duration
	maxEntries int
	entries    map[string]cacheEntry
}

func newResponseCache(ttl time.Duration, maxEntries int) *responseCache {
	return &responseCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]cacheEntry),
	}
}

func (c *responseCache) Get(key string, now time.Time) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	e.lastSeen = now
	c.entries[key] = e
	return append([]byte(nil), e.body...), true
}

func (c *responseCache) Set(key string, body []byte, now time.Time) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneExpired(now)
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOne()
	}

	c.entries[key] = cacheEntry{
		body:      append([]byte(nil), body...),
		expiresAt: now.Add(c.ttl),
		lastSeen:  now,
	}
}

func (c *responseCache) pruneExpired(now time.Time) {
	for k, v := range c.entries {
		if !now.Before(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}

func (c *responseCache) evictOne() {
	var evictKey string
	var oldest time.Time
	first := true
	for k, v := range c.entries {
		if first || v.lastSeen.Before(oldest) {
			first = false
			oldest = v.lastSeen
			evictKey = k
		}
	}
	if evictKey != "" {
		delete(c.entries, evictKey)
	}
}
