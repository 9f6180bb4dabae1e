package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/phoenixvc/phoenix-evidence/pkg/db"
	"github.com/phoenixvc/phoenix-evidence/pkg/ledger"
	"github.com/phoenixvc/phoenix-evidence/pkg/ledger/rfc3161"
	"github.com/phoenixvc/phoenix-evidence/pkg/ledger/solana"
	"github.com/phoenixvc/phoenix-evidence/services/anchor/internal/config"
	"github.com/phoenixvc/phoenix-evidence/services/anchor/internal/dispatch"
	"github.com/phoenixvc/phoenix-evidence/services/anchor/internal/store"
	"github.com/phoenixvc/phoenix-evidence/services/anchor/internal/worker"
)

func main() {
	log.SetFormatter(&log.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := db.MustConnect(ctx, cfg.DatabaseURL)
	defer pool.Close()

	st := store.New(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("ensure schema")
	}

	backend := buildBackend(cfg)
	owner := keeperOwner()
	log.WithFields(log.Fields{"owner": owner, "backend": cfg.AnchorBackend}).Info("keeper starting")

	go serveMetrics(cfg.MetricsPort)

	jobs := make(chan store.Job)
	d := &dispatch.Dispatcher{
		Store:    st,
		Owner:    owner,
		Interval: cfg.ClaimInterval,
		Batch:    cfg.ClaimBatchSize,
		Lease:    cfg.LeaseDuration,
	}
	go d.Run(ctx, jobs)

	if cfg.BatchMaxSize > 1 {
		b := &worker.Batcher{
			Store:       st,
			Backend:     backend,
			Owner:       owner,
			MaxSize:     cfg.BatchMaxSize,
			MaxAge:      cfg.BatchMaxAge,
			MaxAttempts: cfg.MaxAttempts,
			Lease:       cfg.LeaseDuration,
			PollEvery:   cfg.PollInterval,
			PollTimeout: cfg.PollTimeout,
		}
		b.Run(ctx, jobs)
	} else {
		p := &worker.Pool{
			Store:       st,
			Backend:     backend,
			Owner:       owner,
			Count:       cfg.WorkerCount,
			MaxAttempts: cfg.MaxAttempts,
			Lease:       cfg.LeaseDuration,
			PollEvery:   cfg.PollInterval,
			PollTimeout: cfg.PollTimeout,
		}
		p.Run(ctx, jobs)
	}

	log.Info("keeper stopped")
}

func buildBackend(cfg *config.Settings) ledger.Backend {
	switch cfg.AnchorBackend {
	case "rfc3161":
		return rfc3161.New(cfg.TSAURL, cfg.TSAPolicyOID)
	default:
		return solana.New(cfg.SolanaRPCURL, cfg.SolanaNetwork)
	}
}

// keeperOwner derives a lease owner id that is stable enough to read in
// logs and unique across keeper processes.
func keeperOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "keeper"
	}
	frag := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return "keeper-" + host + "-" + frag
}

func serveMetrics(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("metrics listener")
	}
}
