// Package httpapi exposes the transaction manager over JSON/HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/txnd/api"
	"pkt.systems/txnd/internal/core"
	"pkt.systems/txnd/internal/correlation"
	"pkt.systems/txnd/internal/lease"
	"pkt.systems/txnd/internal/loggingutil"
	"pkt.systems/txnd/internal/participant"
	"pkt.systems/txnd/internal/txn"
)

const (
	headerRequestID = "X-Request-ID"
	// maxBodyBytes bounds every request body.
	maxBodyBytes = 64 << 10
)

// Manager is the transaction manager surface served over HTTP.
// *core.Service implements it.
type Manager interface {
	Create(ctx context.Context, leaseDuration time.Duration) (core.Created, error)
	Join(ctx context.Context, id txn.ID, ref participant.Ref, crashCount int64) error
	State(ctx context.Context, id txn.ID) (txn.State, error)
	Commit(ctx context.Context, id txn.ID, waitFor time.Duration) error
	Abort(ctx context.Context, id txn.ID, waitFor time.Duration) error
	Renew(ctx context.Context, id txn.ID, extension time.Duration) (lease.Info, error)
	Cancel(ctx context.Context, id txn.ID) error
	Pending() (live int, settling int)
}

// Config wires a Handler.
type Config struct {
	Manager Manager
	Logger  pslog.Logger
	// Ready reports readiness; nil means always ready.
	Ready func() bool
	// EnableTracing wraps every endpoint in otelhttp and a server span.
	EnableTracing bool
}

// Handler serves the /v1/txn endpoints.
type Handler struct {
	manager Manager
	logger  pslog.Logger
	ready   func() bool
	tracer  trace.Tracer
	tracing bool
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

type httpError struct {
	Status int
	Code   string
	Detail string
	TxnID  string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

// New builds a Handler.
func New(cfg Config) *Handler {
	return &Handler{
		manager: cfg.Manager,
		logger:  loggingutil.EnsureLogger(cfg.Logger),
		ready:   cfg.Ready,
		tracer:  otel.Tracer("pkt.systems/txnd/httpapi"),
		tracing: cfg.EnableTracing,
	}
}

// Register installs the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/txn/create", h.wrap("txn.create", h.handleCreate))
	mux.Handle("/v1/txn/join", h.wrap("txn.join", h.handleJoin))
	mux.Handle("/v1/txn/state", h.wrap("txn.state", h.handleState))
	mux.Handle("/v1/txn/commit", h.wrap("txn.commit", h.handleCommit))
	mux.Handle("/v1/txn/abort", h.wrap("txn.abort", h.handleAbort))
	mux.Handle("/v1/txn/renew", h.wrap("txn.renew", h.handleRenew))
	mux.Handle("/v1/txn/cancel", h.wrap("txn.cancel", h.handleCancel))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	spanName := "txnd.txn." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := newRequestID()
		ctx := correlation.FromRequest(r)

		var span trace.Span
		if h.tracing {
			ctx, span = h.tracer.Start(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("txnd.sys", sys),
					attribute.String("txnd.operation", operation),
				),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		logger := loggingutil.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx, logger = applyCorrelation(ctx, logger, span)
		r = r.WithContext(ctx)

		w.Header().Set(headerRequestID, reqID)
		w.Header().Set(correlation.Header, correlation.ID(ctx))
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		err := fn(w, r)
		if err == nil {
			logger.Trace("http.request.complete", "elapsed", time.Since(start))
			return
		}
		if h.tracing {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler_error")
		}
		logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
		h.handleError(ctx, w, err)
	})

	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, spanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) error {
	var req api.CreateRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		return err
	}
	created, err := h.manager.Create(r.Context(), time.Duration(req.LeaseMillis)*time.Millisecond)
	if err != nil {
		return convertError(err)
	}
	pslog.LoggerFromContext(r.Context()).Debug("txn.create", "txn_id", created.ID.String())
	h.writeJSON(w, http.StatusOK, api.CreateResponse{
		TxnID:                    created.ID.String(),
		LeaseExpiresAtUnixMillis: created.Lease.Expires.UnixMilli(),
	})
	return nil
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) error {
	var req api.JoinRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		return err
	}
	id, err := parseTxnID(req.TxnID)
	if err != nil {
		return err
	}
	ref := participant.Ref{Kind: req.Participant.Kind, Address: req.Participant.Address, Key: req.Participant.Key}
	if err := h.manager.Join(r.Context(), id, ref, req.CrashCount); err != nil {
		return convertError(err)
	}
	state, err := h.manager.State(r.Context(), id)
	if err != nil {
		return convertError(err)
	}
	h.writeJSON(w, http.StatusOK, api.StateResponse{TxnID: id.String(), State: state.String()})
	return nil
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) error {
	var req api.TxnRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		return err
	}
	id, err := parseTxnID(req.TxnID)
	if err != nil {
		return err
	}
	state, err := h.manager.State(r.Context(), id)
	if err != nil {
		return convertError(err)
	}
	h.writeJSON(w, http.StatusOK, api.StateResponse{TxnID: id.String(), State: state.String()})
	return nil
}

func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) error {
	return h.complete(w, r, h.manager.Commit)
}

func (h *Handler) handleAbort(w http.ResponseWriter, r *http.Request) error {
	return h.complete(w, r, h.manager.Abort)
}

// complete runs commit or abort. A wait budget running out is not a failure:
// the response is 202 with the timeout_expired code and the current state.
func (h *Handler) complete(w http.ResponseWriter, r *http.Request, op func(context.Context, txn.ID, time.Duration) error) error {
	var req api.CompleteRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		return err
	}
	id, err := parseTxnID(req.TxnID)
	if err != nil {
		return err
	}
	wait := time.Duration(req.WaitMillis) * time.Millisecond
	if req.WaitMillis < 0 {
		wait = -1
	}
	if err := op(r.Context(), id, wait); err != nil {
		if errors.Is(err, txn.ErrTimeoutExpired) {
			h.writeJSON(w, http.StatusAccepted, api.ErrorResponse{
				ErrorCode: "timeout_expired",
				Detail:    "participants are still being notified",
				TxnID:     id.String(),
			})
			return nil
		}
		return convertError(err)
	}
	state, err := h.manager.State(r.Context(), id)
	if err != nil {
		return convertError(err)
	}
	h.writeJSON(w, http.StatusOK, api.StateResponse{TxnID: id.String(), State: state.String()})
	return nil
}

func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request) error {
	var req api.RenewRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		return err
	}
	id, err := parseTxnID(req.TxnID)
	if err != nil {
		return err
	}
	info, err := h.manager.Renew(r.Context(), id, time.Duration(req.ExtensionMillis)*time.Millisecond)
	if err != nil {
		return convertError(err)
	}
	h.writeJSON(w, http.StatusOK, api.RenewResponse{
		TxnID:                    id.String(),
		LeaseExpiresAtUnixMillis: info.Expires.UnixMilli(),
	})
	return nil
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) error {
	var req api.TxnRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		return err
	}
	id, err := parseTxnID(req.TxnID)
	if err != nil {
		return err
	}
	if err := h.manager.Cancel(r.Context(), id); err != nil {
		return convertError(err)
	}
	state, err := h.manager.State(r.Context(), id)
	if err != nil {
		return convertError(err)
	}
	h.writeJSON(w, http.StatusOK, api.StateResponse{TxnID: id.String(), State: state.String()})
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "GET required"}
	}
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "GET required"}
	}
	if h.ready != nil && !h.ready() {
		return httpError{Status: http.StatusServiceUnavailable, Code: "not_ready", Detail: "recovery in progress"}
	}
	live, settling := h.manager.Pending()
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ready", Live: live, Settling: settling})
	return nil
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
		)
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{
			ErrorCode: httpErr.Code,
			Detail:    httpErr.Detail,
			TxnID:     httpErr.TxnID,
		})
		return
	}
	logger.Error("http.request.unhandled", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func parseTxnID(raw string) (txn.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, httpError{Status: http.StatusBadRequest, Code: "missing_txn", Detail: "txn_id required"}
	}
	id, err := txn.ParseID(raw)
	if err != nil {
		return 0, httpError{Status: http.StatusBadRequest, Code: "invalid_txn", Detail: err.Error(), TxnID: raw}
	}
	return id, nil
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
