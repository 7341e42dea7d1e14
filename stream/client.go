// CLAUDE:SUMMARY Commit-chain client — create streams, fetch and fold commit lists, append signed patch commits, pin/unpin.
// Package stream is the client for an append-only, content-addressed
// stream store. A stream is a chain of signed commits; its document is
// the fold of every commit from genesis to tip.
//
//	c := stream.NewClient(transport.New(baseURL), signer.NewJWS())
//	id, err := c.CreateStream(ctx, who, doc, stream.Metadata{})
//	snap, err := c.FetchDocument(ctx, id)
//	_, err = c.AppendCommit(ctx, who, id, snap.Document, next)
//
// The client never retries. A stream must have at most one writer at a
// time; serialising writers is the caller's job.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/streamreg/horosafe"
	"github.com/hazyhaar/streamreg/idgen"
)

// Store endpoints.
const (
	pathStreams = "/streams"
	pathCommits = "/commits"
	pathPins    = "/pins"
)

// Client builds, submits and replays commit chains.
type Client struct {
	transport Transport
	signer    Signer
	validator Validator
	nonce     idgen.Generator
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithValidator validates every document before it is written.
func WithValidator(v Validator) Option {
	return func(c *Client) { c.validator = v }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithNonce sets the generator of genesis nonces. Two genesis commits
// with the same content and nonce would collide at the store.
func WithNonce(gen idgen.Generator) Option {
	return func(c *Client) { c.nonce = gen }
}

// NewClient returns a Client talking to the store through t and signing
// with s.
func NewClient(t Transport, s Signer, opts ...Option) *Client {
	c := &Client{
		transport: t,
		signer:    s,
		nonce:     idgen.ULID(),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CreateStream writes a genesis commit carrying doc and meta and returns
// the id assigned by the store.
func (c *Client) CreateStream(ctx context.Context, id Identity, doc Document, meta Metadata) (string, error) {
	if err := c.validate(doc); err != nil {
		return "", err
	}
	data, err := json.Marshal(orEmpty(doc))
	if err != nil {
		return "", &ValidationError{Reason: "document", Err: err}
	}

	header := Header{
		Controllers:   meta.Controllers,
		Schema:        meta.Schema,
		Family:        meta.Family,
		Unique:        c.nonce(),
		ExtraMetadata: meta.ExtraMetadata,
	}
	if len(header.Controllers) == 0 && id.DID != "" {
		header.Controllers = []string{id.DID}
	}
	payload, err := json.Marshal(genesisPayload{Header: header, Data: data})
	if err != nil {
		return "", fmt.Errorf("stream: encode genesis: %w", err)
	}
	env, err := c.signer.Sign(ctx, id, payload)
	if err != nil {
		return "", fmt.Errorf("stream: sign genesis: %w", err)
	}

	resp, err := c.transport.Request(ctx, http.MethodPost, pathStreams, map[string]any{"genesis": env})
	if err != nil {
		return "", &WriteRejected{Op: "create", Err: &TransportFailure{Method: http.MethodPost, Endpoint: pathStreams, Err: err}}
	}
	if resp.Status != http.StatusOK {
		return "", &WriteRejected{Op: "create", Status: resp.Status, Reason: bodyError(resp),
			Err: &TransportFailure{Method: http.MethodPost, Endpoint: pathStreams, Status: resp.Status}}
	}
	streamID, _ := resp.Body["streamId"].(string)
	if streamID == "" {
		return "", &WriteRejected{Op: "create", Status: resp.Status, Reason: "response has no streamId"}
	}

	c.logger.InfoContext(ctx, "stream: created", "stream_id", streamID, "bytes", len(payload))
	return streamID, nil
}

// FetchDocument reads the commit list of streamID and folds it.
func (c *Client) FetchDocument(ctx context.Context, streamID string) (*Snapshot, error) {
	if err := horosafe.ValidateIdentifier(streamID); err != nil {
		return nil, &ValidationError{Reason: "stream id", Err: err}
	}
	endpoint := pathCommits + "/" + streamID

	resp, err := c.transport.Request(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &ReadFailed{StreamID: streamID, Reason: "commit list unavailable",
			Err: &TransportFailure{Method: http.MethodGet, Endpoint: endpoint, Err: err}}
	}
	if resp.Status != http.StatusOK {
		return nil, &ReadFailed{StreamID: streamID, Reason: "commit list unavailable",
			Err: &TransportFailure{Method: http.MethodGet, Endpoint: endpoint, Status: resp.Status}}
	}

	raw, ok := resp.Body["commits"]
	if !ok || raw == nil {
		return nil, &ReadFailed{StreamID: streamID, Reason: "response has no commits"}
	}
	var commits []Commit
	if err := remarshal(raw, &commits); err != nil {
		return nil, &ReadFailed{StreamID: streamID, Reason: "malformed commit list", Err: err}
	}

	snap, err := Fold(commits)
	if err != nil {
		var rf *ReadFailed
		if errors.As(err, &rf) {
			rf.StreamID = streamID
		}
		return nil, err
	}
	snap.StreamID = streamID

	c.logger.DebugContext(ctx, "stream: fetched", "stream_id", streamID,
		"commits", len(commits), "tip", snap.TipCID)
	return snap, nil
}

// AppendCommit writes the transition to next on top of the stream's
// current tip and returns the new commit's CID when the store reports it.
// The chain state is always re-fetched: prior is only compared against
// it, never used to build the commit.
func (c *Client) AppendCommit(ctx context.Context, id Identity, streamID string, prior, next Document) (string, error) {
	if err := c.validate(next); err != nil {
		return "", err
	}
	snap, err := c.FetchDocument(ctx, streamID)
	if err != nil {
		return "", err
	}
	if prior != nil && !equalJSON(prior, snap.Document) {
		c.logger.DebugContext(ctx, "stream: caller prior differs from stored state, using stored state",
			"stream_id", streamID, "tip", snap.TipCID)
	}

	ops, err := Diff(snap.Document, next)
	if err != nil {
		return "", &ValidationError{Reason: "document", Err: err}
	}
	payload, err := json.Marshal(updatePayload{ID: snap.GenesisCID, Prev: snap.TipCID, Data: ops})
	if err != nil {
		return "", fmt.Errorf("stream: encode commit: %w", err)
	}
	env, err := c.signer.Sign(ctx, id, payload)
	if err != nil {
		return "", fmt.Errorf("stream: sign commit: %w", err)
	}

	resp, err := c.transport.Request(ctx, http.MethodPost, pathCommits, map[string]any{
		"streamId": streamID,
		"commit":   env,
	})
	if err != nil {
		return "", &WriteRejected{Op: "append", StreamID: streamID,
			Err: &TransportFailure{Method: http.MethodPost, Endpoint: pathCommits, Err: err}}
	}
	if resp.Status != http.StatusOK {
		return "", &WriteRejected{Op: "append", StreamID: streamID, Status: resp.Status, Reason: bodyError(resp),
			Err: &TransportFailure{Method: http.MethodPost, Endpoint: pathCommits, Status: resp.Status}}
	}
	if resp.Body == nil {
		return "", &WriteRejected{Op: "append", StreamID: streamID, Status: resp.Status, Reason: "response is not JSON"}
	}

	cid, _ := resp.Body["cid"].(string)
	c.logger.InfoContext(ctx, "stream: appended", "stream_id", streamID,
		"prev", snap.TipCID, "cid", cid, "bytes", len(payload))
	return cid, nil
}

// StreamState reads the store's metadata for streamID.
func (c *Client) StreamState(ctx context.Context, streamID string) (*StreamState, error) {
	if err := horosafe.ValidateIdentifier(streamID); err != nil {
		return nil, &ValidationError{Reason: "stream id", Err: err}
	}
	endpoint := pathStreams + "/" + streamID
	resp, err := c.transport.Request(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &TransportFailure{Method: http.MethodGet, Endpoint: endpoint, Err: err}
	}
	if resp.Status != http.StatusOK {
		return nil, &TransportFailure{Method: http.MethodGet, Endpoint: endpoint, Status: resp.Status}
	}
	if _, ok := resp.Body["streamId"]; !ok {
		return nil, &ReadFailed{StreamID: streamID, Reason: "response has no streamId"}
	}
	var st StreamState
	if err := remarshal(resp.Body, &st); err != nil {
		return nil, &ReadFailed{StreamID: streamID, Reason: "malformed stream state", Err: err}
	}
	return &st, nil
}

// Pin asks the store to retain streamID.
func (c *Client) Pin(ctx context.Context, streamID string) error {
	return c.pin(ctx, http.MethodPost, "pin", streamID)
}

// Unpin releases a pin on streamID.
func (c *Client) Unpin(ctx context.Context, streamID string) error {
	return c.pin(ctx, http.MethodDelete, "unpin", streamID)
}

func (c *Client) pin(ctx context.Context, method, op, streamID string) error {
	if err := horosafe.ValidateIdentifier(streamID); err != nil {
		return &ValidationError{Reason: "stream id", Err: err}
	}
	endpoint := pathPins + "/" + streamID
	resp, err := c.transport.Request(ctx, method, endpoint, nil)
	if err != nil {
		return &WriteRejected{Op: op, StreamID: streamID,
			Err: &TransportFailure{Method: method, Endpoint: endpoint, Err: err}}
	}
	if resp.Status != http.StatusOK {
		return &WriteRejected{Op: op, StreamID: streamID, Status: resp.Status, Reason: bodyError(resp),
			Err: &TransportFailure{Method: method, Endpoint: endpoint, Status: resp.Status}}
	}
	c.logger.InfoContext(ctx, "stream: "+op, "stream_id", streamID)
	return nil
}

func (c *Client) validate(doc Document) error {
	if c.validator == nil {
		return nil
	}
	if err := c.validator.Validate(doc); err != nil {
		return &ValidationError{Reason: "document", Err: err}
	}
	return nil
}

func orEmpty(doc Document) Document {
	if doc == nil {
		return Document{}
	}
	return doc
}

func remarshal(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func bodyError(resp *Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	msg, _ := resp.Body["error"].(string)
	return msg
}
