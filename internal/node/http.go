package node

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/strata/internal/blueprint"
	"github.com/dreamware/strata/internal/namespace"
	"github.com/dreamware/strata/internal/reactor"
)

// requestTimeout bounds how long a /kv request keeps retrying while the
// cluster converges.
const requestTimeout = 10 * time.Second

// Handler returns the admin HTTP API of the peer.
//
// Endpoints:
//   - GET /health: 200 while the peer runs
//   - GET /info: the peer's Info as JSON
//   - GET /directory: every business card this peer knows
//   - GET /blueprint, POST /blueprint: read or replace the blueprint (JSON)
//   - GET, PUT, DELETE /kv/{key}: read, write or delete one key
//   - POST /kv/{key}: run the body as an update script on the key
//   - GET /metrics: Prometheus metrics gathered from g
func (p *Peer) Handler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /info", func(w http.ResponseWriter, _ *http.Request) {
		p.writeJSON(w, p.Info())
	})
	mux.HandleFunc("GET /directory", func(w http.ResponseWriter, _ *http.Request) {
		p.writeJSON(w, p.Directory())
	})
	mux.HandleFunc("GET /blueprint", func(w http.ResponseWriter, _ *http.Request) {
		p.writeJSON(w, p.Blueprint.Get())
	})
	mux.HandleFunc("POST /blueprint", p.handleSetBlueprint)
	mux.HandleFunc("GET /kv/{key...}", p.handleGet)
	mux.HandleFunc("PUT /kv/{key...}", p.handlePut)
	mux.HandleFunc("DELETE /kv/{key...}", p.handleDelete)
	mux.HandleFunc("POST /kv/{key...}", p.handleUpdate)
	mux.Handle("GET /metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

func (p *Peer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		p.logger.Debug("writing response", zap.Error(err))
	}
}

func (p *Peer) handleSetBlueprint(w http.ResponseWriter, r *http.Request) {
	var bp blueprint.Blueprint
	if err := json.NewDecoder(r.Body).Decode(&bp); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := p.SetBlueprint(bp); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// retry runs fn through namespace.WithRetry under the request's context
// and requestTimeout.
func retry(r *http.Request, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	return namespace.WithRetry(ctx, func() error { return fn(ctx) })
}

// status maps a namespace error to an HTTP status.
func status(err error) int {
	var re *namespace.RequestError
	switch {
	case namespace.IsRetryable(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.As(err, &re) && (re.Code == reactor.CodeInvalid || re.Code == reactor.CodeScript):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (p *Peer) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var (
		value []byte
		found bool
	)
	err := retry(r, func(ctx context.Context) (err error) {
		value, found, err = p.Namespace.Read(ctx, key)
		return err
	})
	if err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	if !found {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(value); err != nil {
		p.logger.Debug("writing response", zap.Error(err))
	}
}

func (p *Peer) handlePut(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if err := retry(r, func(ctx context.Context) error {
		return p.Namespace.Write(ctx, key, body)
	}); err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *Peer) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := retry(r, func(ctx context.Context) error {
		return p.Namespace.Delete(ctx, key)
	}); err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdate runs the request body as an update script. The response is
// the new value, or 204 if the script deleted the key.
func (p *Peer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	script, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var (
		value []byte
		found bool
	)
	err = retry(r, func(ctx context.Context) (err error) {
		value, found, err = p.Namespace.Update(ctx, key, string(script))
		return err
	})
	if err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(value); err != nil {
		p.logger.Debug("writing response", zap.Error(err))
	}
}
