// Package httpparticipant speaks the participant protocol over JSON/HTTP:
// a Resolver for refs of kind "http" and a Handler exposing a local
// Participant to a remote coordinator.
package httpparticipant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/txnd/api"
	"pkt.systems/txnd/internal/correlation"
	"pkt.systems/txnd/internal/participant"
	"pkt.systems/txnd/internal/txn"
)

// Kind is the ref kind served by this package.
const Kind = "http"

const (
	pathPrepare          = "/v1/participant/prepare"
	pathCommit           = "/v1/participant/commit"
	pathAbort            = "/v1/participant/abort"
	pathPrepareAndCommit = "/v1/participant/prepare-and-commit"

	codeUnknownTransaction = "unknown_transaction"
)

// DefaultTimeout bounds a participant HTTP exchange when the caller's
// context has no deadline.
const DefaultTimeout = 30 * time.Second

// Resolver builds HTTP participants. The zero value is usable.
type Resolver struct {
	// HTTPClient overrides the instrumented default client.
	HTTPClient *http.Client
}

// NewResolver returns a Resolver whose client traces through otelhttp and
// forwards correlation ids.
func NewResolver() *Resolver {
	return &Resolver{HTTPClient: NewHTTPClient(DefaultTimeout)}
}

// NewHTTPClient returns the instrumented client used by NewResolver.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(correlation.Transport{}),
	}
}

// Resolve implements participant.Resolver.
func (r *Resolver) Resolve(_ context.Context, ref participant.Ref) (participant.Participant, error) {
	if !strings.EqualFold(ref.Kind, Kind) {
		return nil, fmt.Errorf("httpparticipant: unsupported kind %q", ref.Kind)
	}
	base := strings.TrimRight(strings.TrimSpace(ref.Address), "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("httpparticipant: address %q must be an http(s) URL", ref.Address)
	}
	client := r.HTTPClient
	if client == nil {
		client = NewHTTPClient(DefaultTimeout)
	}
	return &Client{base: base, key: ref.Key, http: client}, nil
}

// Client is a remote participant.
type Client struct {
	base string
	key  string
	http *http.Client
}

// Prepare implements participant.Participant.
func (c *Client) Prepare(ctx context.Context, id txn.ID) (txn.Vote, error) {
	return c.vote(ctx, pathPrepare, id)
}

// Commit implements participant.Participant.
func (c *Client) Commit(ctx context.Context, id txn.ID) error {
	_, err := c.call(ctx, pathCommit, id)
	return err
}

// Abort implements participant.Participant.
func (c *Client) Abort(ctx context.Context, id txn.ID) error {
	_, err := c.call(ctx, pathAbort, id)
	return err
}

// PrepareAndCommit implements participant.Participant.
func (c *Client) PrepareAndCommit(ctx context.Context, id txn.ID) (txn.Vote, error) {
	return c.vote(ctx, pathPrepareAndCommit, id)
}

func (c *Client) vote(ctx context.Context, path string, id txn.ID) (txn.Vote, error) {
	resp, err := c.call(ctx, path, id)
	if err != nil {
		return txn.VoteActive, err
	}
	vote, err := txn.ParseVote(resp.Vote)
	if err != nil {
		return txn.VoteActive, fmt.Errorf("httpparticipant: %s: %w", path, err)
	}
	return vote, nil
}

func (c *Client) call(ctx context.Context, path string, id txn.ID) (api.ParticipantResponse, error) {
	var out api.ParticipantResponse
	body, err := json.Marshal(api.ParticipantRequest{TxnID: id.String(), Key: c.key})
	if err != nil {
		return out, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		return out, fmt.Errorf("%w: %s: %v", participant.ErrTransport, path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return out, fmt.Errorf("%w: %s: read body: %v", participant.ErrTransport, path, err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		if len(bytes.TrimSpace(payload)) == 0 {
			return out, nil
		}
		if err := json.Unmarshal(payload, &out); err != nil {
			return out, fmt.Errorf("httpparticipant: %s: decode: %w", path, err)
		}
		return out, nil
	case resp.StatusCode >= 500:
		return out, fmt.Errorf("%w: %s: status %d", participant.ErrTransport, path, resp.StatusCode)
	}
	var apiErr api.ErrorResponse
	_ = json.Unmarshal(payload, &apiErr)
	if resp.StatusCode == http.StatusNotFound && apiErr.ErrorCode == codeUnknownTransaction {
		return out, fmt.Errorf("%w: %s", participant.ErrUnknownTransaction, id)
	}
	return out, &StatusError{Status: resp.StatusCode, Code: apiErr.ErrorCode, Detail: apiErr.Detail}
}

// StatusError is an unexpected participant answer. The coordinator treats
// it as a fault.
type StatusError struct {
	Status int
	Code   string
	Detail string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("httpparticipant: status %d", e.Status)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// IsStatus reports whether err is a StatusError with the given status.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}
