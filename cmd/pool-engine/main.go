package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/umbra-cash/umbra/internal/batch"
	batchpg "github.com/umbra-cash/umbra/internal/batch/postgres"
	"github.com/umbra-cash/umbra/internal/engine"
	"github.com/umbra-cash/umbra/internal/events"
	"github.com/umbra-cash/umbra/internal/exchange"
	"github.com/umbra-cash/umbra/internal/intent"
	intentpg "github.com/umbra-cash/umbra/internal/intent/postgres"
	"github.com/umbra-cash/umbra/internal/leases"
	leasespg "github.com/umbra-cash/umbra/internal/leases/postgres"
	"github.com/umbra-cash/umbra/internal/merkle"
	"github.com/umbra-cash/umbra/internal/poolapi"
	"github.com/umbra-cash/umbra/internal/receipts"
	"github.com/umbra-cash/umbra/internal/registry"
	registrypg "github.com/umbra-cash/umbra/internal/registry/postgres"
	"github.com/umbra-cash/umbra/internal/token"
	"github.com/umbra-cash/umbra/internal/withdraw"
	"github.com/umbra-cash/umbra/internal/zkproof"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8090", "HTTP listen address")

		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN; empty runs on in-memory stores")

		poolAddr     = flag.String("pool-address", "", "pool custody account address (required)")
		operatorAddr = flag.String("operator-address", "", "settlement operator address (required)")
		adminAddr    = flag.String("admin-address", "", "administrator address (required)")
		inputToken   = flag.String("input-token", "", "input asset address (required)")
		outputToken  = flag.String("output-token", "", "output asset address (required)")

		treeDepth = flag.Int("tree-depth", merkle.DefaultDepth, "commitment tree depth")
		minDelay  = flag.Duration("withdraw-delay", withdraw.MinDelay, "minimum delay between settlement and withdrawal")

		verifyingKeyFile = flag.String("verifying-key-file", "", "groth16 verifying key file; empty accepts no zk withdrawals")
		zkStubVerifier   = flag.Bool("zk-stub-verifier", false, "accept structurally valid zk proofs without verification (dev only)")

		swapBin        = flag.String("swap-bin", "", "external swap planner binary; empty uses the fixed-rate dev adapter")
		swapMaxRespLen = flag.Int("swap-max-response-bytes", 1<<16, "maximum swap binary response size")
		fixedRateNum   = flag.Uint64("fixed-rate-num", 1, "fixed-rate dev adapter numerator")
		fixedRateDen   = flag.Uint64("fixed-rate-den", 1, "fixed-rate dev adapter denominator")

		settleInterval = flag.Duration("settle-interval", 0, "auto-settlement ticker; 0 disables the settlement loop")
		settleFloorBps = flag.Uint64("settle-floor-bps", 9_500, "minimum acceptable output as bps of batch input")
		leaseTTL       = flag.Duration("lease-ttl", 30*time.Second, "settlement lease TTL")
		leaseOwner     = flag.String("lease-owner", "", "settlement lease owner id; defaults to hostname")

		eventsDriver  = flag.String("events-driver", events.DriverStdio, "event stream driver (kafka|stdio)")
		eventsBrokers = flag.String("events-brokers", "", "kafka brokers (comma-separated)")
		eventsTopic   = flag.String("events-topic", events.DefaultTopic, "event stream topic")

		receiptsDriver = flag.String("receipts-driver", receipts.DriverMemory, "receipt blobstore driver (s3|memory)")
		receiptsBucket = flag.String("receipts-bucket", "", "receipt S3 bucket")
		receiptsPrefix = flag.String("receipts-prefix", "umbra", "receipt blobstore key prefix")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 10*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	for name, v := range map[string]string{
		"pool-address":     *poolAddr,
		"operator-address": *operatorAddr,
		"admin-address":    *adminAddr,
		"input-token":      *inputToken,
		"output-token":     *outputToken,
	} {
		if !common.IsHexAddress(strings.TrimSpace(v)) {
			fmt.Fprintf(os.Stderr, "error: --%s must be a valid hex address\n", name)
			os.Exit(2)
		}
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *settleFloorBps > 10_000 {
		fmt.Fprintln(os.Stderr, "error: --settle-floor-bps must be <= 10000")
		os.Exit(2)
	}
	if strings.TrimSpace(*verifyingKeyFile) != "" && *zkStubVerifier {
		fmt.Fprintln(os.Stderr, "error: use only one of --verifying-key-file or --zk-stub-verifier")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		registryStore registry.Store
		batchStore    batch.Store
		intentStore   intent.Store
		leaseStore    leases.Store
	)
	if strings.TrimSpace(*postgresDSN) != "" {
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		regStore, err := registrypg.New(pool)
		if err != nil {
			log.Error("init registry store", "err", err)
			os.Exit(2)
		}
		if err := regStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure registry schema", "err", err)
			os.Exit(2)
		}
		batStore, err := batchpg.New(pool)
		if err != nil {
			log.Error("init batch store", "err", err)
			os.Exit(2)
		}
		if err := batStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure batch schema", "err", err)
			os.Exit(2)
		}
		intStore, err := intentpg.New(pool)
		if err != nil {
			log.Error("init intent store", "err", err)
			os.Exit(2)
		}
		if err := intStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure intent schema", "err", err)
			os.Exit(2)
		}
		lseStore, err := leasespg.New(pool)
		if err != nil {
			log.Error("init lease store", "err", err)
			os.Exit(2)
		}
		if err := lseStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure lease schema", "err", err)
			os.Exit(2)
		}
		registryStore, batchStore, intentStore, leaseStore = regStore, batStore, intStore, lseStore
		log.Info("stores ready", "backend", "postgres")
	} else {
		registryStore = registry.NewMemoryStore()
		batchStore = batch.NewMemoryStore()
		intentStore = intent.NewMemoryStore()
		leaseStore = leases.NewMemoryStore(nil)
		log.Warn("running on in-memory stores; state is lost on restart")
	}

	var verifier zkproof.Verifier
	switch {
	case strings.TrimSpace(*verifyingKeyFile) != "":
		vkBytes, err := os.ReadFile(strings.TrimSpace(*verifyingKeyFile))
		if err != nil {
			log.Error("read verifying key", "err", err)
			os.Exit(2)
		}
		verifier, err = zkproof.NewGnarkVerifier(vkBytes)
		if err != nil {
			log.Error("init zk verifier", "err", err)
			os.Exit(2)
		}
	case *zkStubVerifier:
		log.Warn("zk proofs accepted WITHOUT verification; never use in production")
		verifier = &zkproof.Stub{}
	}

	var adapter exchange.Adapter
	payouts := token.NewMemoryLedger(common.HexToAddress(*poolAddr))
	deposits := token.NewMemoryLedger(common.HexToAddress(*poolAddr))
	if strings.TrimSpace(*swapBin) != "" {
		execAdapter, err := exchange.NewExecAdapter(strings.TrimSpace(*swapBin), *swapMaxRespLen)
		if err != nil {
			log.Error("init swap adapter", "err", err)
			os.Exit(2)
		}
		adapter = execAdapter
	} else {
		fixed, err := exchange.NewFixedRate(payouts, *fixedRateNum, *fixedRateDen)
		if err != nil {
			log.Error("init fixed-rate adapter", "err", err)
			os.Exit(2)
		}
		adapter = fixed
		log.Warn("using fixed-rate dev adapter", "num", *fixedRateNum, "den", *fixedRateDen)
	}

	producer, err := events.NewProducer(events.ProducerConfig{
		Driver:  *eventsDriver,
		Brokers: events.SplitCommaList(*eventsBrokers),
	})
	if err != nil {
		log.Error("init events producer", "err", err)
		os.Exit(2)
	}
	defer producer.Close()
	publisher := events.NewPublisher(producer, *eventsTopic, log)

	blobs, err := newBlobStore(ctx, *receiptsDriver, *receiptsBucket, *receiptsPrefix)
	if err != nil {
		log.Error("init receipt blobstore", "err", err)
		os.Exit(2)
	}
	archive, err := receipts.NewArchive(blobs)
	if err != nil {
		log.Error("init receipt archive", "err", err)
		os.Exit(2)
	}

	eng, err := engine.New(ctx, engine.Config{
		Registry:     registryStore,
		Batches:      batchStore,
		Intents:      intentStore,
		DepositToken: deposits,
		PayoutToken:  payouts,
		Exchange:     adapter,
		Verifier:     verifier,
		Account:      common.HexToAddress(*poolAddr),
		Operator:     common.HexToAddress(*operatorAddr),
		Admin:        common.HexToAddress(*adminAddr),
		InputToken:   common.HexToAddress(*inputToken),
		OutputToken:  common.HexToAddress(*outputToken),
		TreeDepth:    *treeDepth,
		MinDelay:     *minDelay,
		Publisher:    publisher,
		Archive:      archive,
		Log:          log,
	})
	if err != nil {
		log.Error("init engine", "err", err)
		os.Exit(2)
	}

	if *settleInterval > 0 {
		owner := strings.TrimSpace(*leaseOwner)
		if owner == "" {
			host, hostErr := os.Hostname()
			if hostErr != nil || strings.TrimSpace(host) == "" {
				host = fmt.Sprintf("pool-engine-%d", os.Getpid())
			}
			owner = host
		}
		keeper, keeperErr := leases.NewKeeper(leaseStore, leases.SettlementLease, owner, *leaseTTL, log)
		if keeperErr != nil {
			log.Error("init settlement lease keeper", "err", keeperErr)
			os.Exit(2)
		}
		go keeper.Run(ctx)
		go settlementLoop(ctx, log, eng, keeper, common.HexToAddress(*operatorAddr), *settleInterval, *settleFloorBps)
		log.Info("settlement loop enabled", "interval", *settleInterval, "floorBps", *settleFloorBps, "leaseOwner", owner)
	}

	handler, err := poolapi.NewHandler(poolapi.Config{
		PoolAddress:             common.HexToAddress(*poolAddr),
		InputToken:              common.HexToAddress(*inputToken),
		OutputToken:             common.HexToAddress(*outputToken),
		MinDelay:                *minDelay,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
	}, eng)
	if err != nil {
		log.Error("init pool api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("pool-engine listening", "addr", *listenAddr, "pool", *poolAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// settlementLoop closes the open batch on a timer while this instance holds
// the settlement lease. The output floor is expressed relative to batch input
// so operators tune one knob instead of absolute amounts.
func settlementLoop(ctx context.Context, log *slog.Logger, eng *engine.Engine, keeper *leases.Keeper, operator common.Address, interval time.Duration, floorBps uint64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !keeper.Held() {
			continue
		}

		pending, err := eng.PendingBatch(ctx)
		if err != nil {
			log.Error("read pending batch", "err", err)
			continue
		}
		if pending.TotalIn == 0 {
			continue
		}

		minOutput := pending.TotalIn / 10_000 * floorBps
		if pending.TotalIn < 10_000 {
			minOutput = pending.TotalIn * floorBps / 10_000
		}
		result, err := eng.Settle(ctx, operator, minOutput, nil)
		if err != nil {
			log.Error("settle batch", "batchID", pending.ID, "err", err)
			continue
		}
		log.Info("batch settled", "batchID", result.ID, "totalIn", result.TotalIn, "totalOut", result.TotalOut)
	}
}

func newBlobStore(ctx context.Context, driver, bucket, prefix string) (receipts.Blobstore, error) {
	cfg := receipts.Config{
		Driver: strings.TrimSpace(strings.ToLower(driver)),
		Bucket: strings.TrimSpace(bucket),
		Prefix: strings.TrimSpace(prefix),
	}
	if cfg.Driver == receipts.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	return receipts.NewBlobstore(cfg)
}
