// CLAUDE:SUMMARY Stream data model — documents, identities, envelopes, commits, snapshots and the commit payload shapes.
package stream

import (
	"context"
	"encoding/json"
)

// Document is a stream's content: an arbitrary JSON object.
type Document map[string]any

// Identity is the writer identity handed to the Signer. DID names the
// controller; Seed is the key material the signer derives its key from.
type Identity struct {
	DID  string
	Seed []byte
}

// Metadata is attached to the genesis commit of a stream.
type Metadata struct {
	Controllers   []string       // defaults to the writer's DID
	Schema        string         // schema reference, opaque to the client
	Family        string         // free-form grouping tag
	ExtraMetadata map[string]any // copied verbatim into the genesis header
}

// Header is the metadata block carried by commit payloads.
type Header struct {
	Controllers   []string       `json:"controllers,omitempty"`
	Schema        string         `json:"schema,omitempty"`
	Family        string         `json:"family,omitempty"`
	Unique        string         `json:"unique,omitempty"`
	ExtraMetadata map[string]any `json:"extra_metadata,omitempty"`
}

// Signature is one signature over an envelope payload.
type Signature struct {
	Protected string `json:"protected"`
	Signature string `json:"signature"`
}

// Envelope is a signed commit as submitted to and returned by the store.
// Only the fold looks inside Payload.
type Envelope struct {
	Payload    json.RawMessage `json:"payload"`
	Signatures []Signature     `json:"signatures"`
}

// Commit is one accepted entry of a stream's chain.
type Commit struct {
	CID         string    `json:"cid"`
	PreviousCID string    `json:"previous_cid,omitempty"` // empty for genesis
	Envelope    *Envelope `json:"value"`
}

// IsGenesis reports whether c has no predecessor.
func (c Commit) IsGenesis() bool { return c.PreviousCID == "" }

// Snapshot is the folded state of a stream.
type Snapshot struct {
	StreamID   string
	Document   Document
	GenesisCID string
	TipCID     string
	Commits    []Commit
}

// StreamState is the store's metadata view of a stream.
type StreamState struct {
	StreamID    string   `json:"streamId"`
	Controllers []string `json:"controllers"`
	Tip         string   `json:"tip"`
	Log         []string `json:"log"`
	Pinned      bool     `json:"pinned"`
}

// genesisPayload is the signed content of a genesis commit.
type genesisPayload struct {
	Header Header          `json:"header"`
	Data   json.RawMessage `json:"data"`
}

// updatePayload is the signed content of a non-genesis commit. Data holds
// RFC 6902 operations turning the prior document into the next one.
type updatePayload struct {
	Header *Header         `json:"header,omitempty"`
	ID     string          `json:"id"`
	Prev   string          `json:"prev"`
	Data   json.RawMessage `json:"data"`
}

// Transport performs one request against the stream store. Body is nil
// unless the response content type was JSON. A returned error means the
// request did not complete; any status is reported through Response.
type Transport interface {
	Request(ctx context.Context, method, endpoint string, body any) (*Response, error)
}

// Response is a store reply.
type Response struct {
	Status int
	Body   map[string]any
}

// Signer wraps a payload into a signed Envelope for identity.
type Signer interface {
	Sign(ctx context.Context, id Identity, payload []byte) (*Envelope, error)
}

// Validator checks a document before any write is issued.
type Validator interface {
	Validate(doc Document) error
}
