package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/txnd/internal/core/transport"
	"pkt.systems/txnd/internal/correlation"
)

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

func applyCorrelation(ctx context.Context, logger pslog.Logger, span trace.Span) (context.Context, pslog.Logger) {
	if id := correlation.ID(ctx); id != "" {
		logger = logger.With("cid", id)
		if span != nil {
			span.SetAttributes(attribute.String("txnd.correlation_id", id))
		}
	}
	return pslog.ContextWithLogger(ctx, logger), logger
}

// convertError maps core failures onto httpError. Other errors pass through
// and end up as 500.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return httpError{Status: http.StatusRequestTimeout, Code: "canceled", Detail: err.Error()}
	}
	if httpErr, ok := transport.ToHTTP(err); ok {
		out := httpError{Status: httpErr.Status, Code: httpErr.Code, Detail: httpErr.Detail}
		if httpErr.TxnID != 0 {
			out.TxnID = httpErr.TxnID.String()
		}
		return out
	}
	return err
}

// decodeBody reads a single JSON document from a POST body. Unknown fields
// are rejected.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	if r.Method != http.MethodPost {
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "POST required"}
	}
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: "unexpected trailing JSON value"}
	}
	return nil
}
