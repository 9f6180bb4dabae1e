package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/phoenixvc/phoenix-evidence/pkg/digest"
	"github.com/phoenixvc/phoenix-evidence/pkg/httpx"
	"github.com/phoenixvc/phoenix-evidence/services/anchor/internal/gateway"
	"github.com/phoenixvc/phoenix-evidence/services/anchor/internal/store"
)

const (
	defaultPerPage = 10
	maxPerPage     = 100
)

// jobStore is the store surface the ingestion handlers use.
type jobStore interface {
	Insert(ctx context.Context, j *store.Job) error
	Get(ctx context.Context, id string) (store.Job, error)
	List(ctx context.Context, page, perPage int) ([]store.Job, int64, error)
	AnchoredJobWithDigest(ctx context.Context, digestHex string) (store.Job, bool, error)
}

type evidenceOut struct {
	ID        string       `json:"id"`
	DigestHex string       `json:"digest_hex"`
	Status    store.Status `json:"status"`
	Attempts  int64        `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
	TxHandle  string       `json:"tx_handle,omitempty"`
	CreatedMs int64        `json:"created_ms"`
	UpdatedMs int64        `json:"updated_ms"`
}

func jobOut(j store.Job) evidenceOut {
	return evidenceOut{
		ID:        j.ID,
		DigestHex: j.DigestHex,
		Status:    j.Status,
		Attempts:  j.Attempts,
		LastError: j.LastError,
		TxHandle:  j.TxHandle,
		CreatedMs: j.CreatedMs,
		UpdatedMs: j.UpdatedMs,
	}
}

func newRouter(st jobStore, gw *gateway.Gateway) chi.Router {
	r := chi.NewRouter()
	r.Use(requestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/evidence", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID          string         `json:"id"`
			DigestHex   string         `json:"digest_hex"`
			PayloadMime string         `json:"payload_mime"`
			Metadata    map[string]any `json:"metadata"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "invalid json: "+err.Error())
			return
		}
		dg, err := digest.Normalize(req.DigestHex)
		if err != nil {
			httpx.WriteError(w, 400, "digest_hex must be a 64-character hex sha256")
			return
		}

		if existing, found, err := st.AnchoredJobWithDigest(r.Context(), dg); err == nil && found {
			httpx.WriteJSON(w, 409, map[string]any{
				"error":    "digest already anchored",
				"existing": jobOut(existing),
			})
			return
		} else if err != nil {
			httpx.WriteError(w, 500, "internal error")
			return
		}

		j := store.Job{
			ID:          req.ID,
			DigestHex:   dg,
			PayloadMime: req.PayloadMime,
			Status:      store.StatusPending,
			CreatedMs:   store.NowMs(),
		}
		if j.ID == "" {
			j.ID = "ej_" + uuid.NewString()
		}
		if req.Metadata != nil {
			j.Metadata, _ = json.Marshal(req.Metadata)
		}
		if err := st.Insert(r.Context(), &j); err != nil {
			if errors.Is(err, store.ErrDuplicateID) {
				httpx.WriteError(w, 409, "evidence id already exists")
				return
			}
			log.WithError(err).Error("insert evidence job")
			httpx.WriteError(w, 500, "internal error")
			return
		}
		httpx.WriteJSON(w, 201, jobOut(j))
	})

	r.Get("/evidence", func(w http.ResponseWriter, r *http.Request) {
		page := parseIntParam(r, "page", 1)
		perPage := parseIntParam(r, "per_page", defaultPerPage)
		if page < 1 {
			page = 1
		}
		if perPage < 1 {
			perPage = defaultPerPage
		}
		if perPage > maxPerPage {
			perPage = maxPerPage
		}
		jobs, total, err := st.List(r.Context(), page, perPage)
		if err != nil {
			log.WithError(err).Error("list evidence jobs")
			httpx.WriteError(w, 500, "internal error")
			return
		}
		out := make([]evidenceOut, len(jobs))
		for i, j := range jobs {
			out[i] = jobOut(j)
		}
		httpx.WriteJSON(w, 200, map[string]any{
			"data":     out,
			"page":     page,
			"per_page": perPage,
			"total":    total,
		})
	})

	r.Get("/evidence/{id}", func(w http.ResponseWriter, r *http.Request) {
		j, err := st.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				httpx.WriteError(w, 404, "evidence job not found")
				return
			}
			log.WithError(err).Error("get evidence job")
			httpx.WriteError(w, 500, "internal error")
			return
		}
		httpx.WriteJSON(w, 200, jobOut(j))
	})

	if gw != nil {
		gw.Mount(r)
	}
	return r
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"ip":     httpx.ClientIP(r),
			"dur_ms": time.Since(start).Milliseconds(),
		}).Info("request")
	})
}
