package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// memStore is an in-process stand-in for the stream store.
type memStore struct {
	mu       sync.Mutex
	streams  map[string][]Commit
	pins     map[string]bool
	seq      int
	appends  int
	requests []string

	createStatus int   // forced status for POST /streams when non-zero
	failAppendAt int   // 1-based append number to reject with 500; 0 = never
	netErr       error // returned for every request when set
	emptyList    bool  // GET /commits returns an empty list
}

func newMemStore() *memStore {
	return &memStore{streams: map[string][]Commit{}, pins: map[string]bool{}}
}

func (m *memStore) Request(_ context.Context, method, endpoint string, body any) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, method+" "+endpoint)
	if m.netErr != nil {
		return nil, m.netErr
	}

	switch {
	case method == http.MethodPost && endpoint == "/streams":
		if m.createStatus != 0 {
			return &Response{Status: m.createStatus, Body: map[string]any{"error": "forced"}}, nil
		}
		var req struct {
			Genesis *Envelope `json:"genesis"`
		}
		if err := remarshal(body, &req); err != nil || req.Genesis == nil {
			return &Response{Status: http.StatusBadRequest}, nil
		}
		id := m.next("s")
		cid := m.next("cid")
		m.streams[id] = []Commit{{CID: cid, Envelope: req.Genesis}}
		return m.json(map[string]any{"streamId": id, "cid": cid}), nil

	case method == http.MethodPost && endpoint == "/commits":
		var req struct {
			StreamID string    `json:"streamId"`
			Commit   *Envelope `json:"commit"`
		}
		if err := remarshal(body, &req); err != nil || req.Commit == nil {
			return &Response{Status: http.StatusBadRequest}, nil
		}
		m.appends++
		if m.failAppendAt != 0 && m.appends == m.failAppendAt {
			return &Response{Status: http.StatusInternalServerError}, nil
		}
		chain, ok := m.streams[req.StreamID]
		if !ok {
			return &Response{Status: http.StatusNotFound}, nil
		}
		var p updatePayload
		if err := json.Unmarshal(req.Commit.Payload, &p); err != nil {
			return &Response{Status: http.StatusBadRequest}, nil
		}
		if p.Prev != chain[len(chain)-1].CID {
			return m.status(http.StatusConflict, "stale prev"), nil
		}
		cid := m.next("cid")
		m.streams[req.StreamID] = append(chain, Commit{CID: cid, Envelope: req.Commit})
		return m.json(map[string]any{"streamId": req.StreamID, "cid": cid}), nil

	case method == http.MethodGet && strings.HasPrefix(endpoint, "/commits/"):
		id := strings.TrimPrefix(endpoint, "/commits/")
		chain, ok := m.streams[id]
		if !ok {
			return &Response{Status: http.StatusNotFound}, nil
		}
		if m.emptyList {
			chain = nil
		}
		return m.json(map[string]any{"streamId": id, "commits": chain}), nil

	case method == http.MethodGet && strings.HasPrefix(endpoint, "/streams/"):
		id := strings.TrimPrefix(endpoint, "/streams/")
		chain, ok := m.streams[id]
		if !ok {
			return &Response{Status: http.StatusNotFound}, nil
		}
		log := make([]string, len(chain))
		for i, c := range chain {
			log[i] = c.CID
		}
		return m.json(map[string]any{"streamId": id, "tip": log[len(log)-1], "log": log, "pinned": m.pins[id]}), nil

	case strings.HasPrefix(endpoint, "/pins/"):
		id := strings.TrimPrefix(endpoint, "/pins/")
		if _, ok := m.streams[id]; !ok {
			return &Response{Status: http.StatusNotFound}, nil
		}
		m.pins[id] = method == http.MethodPost
		return m.json(map[string]any{"streamId": id}), nil
	}
	return &Response{Status: http.StatusNotFound}, nil
}

func (m *memStore) next(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

// json mimics a JSON response: the body goes through an encode/decode
// round trip like it would over the wire.
func (m *memStore) json(v map[string]any) *Response {
	var body map[string]any
	if err := remarshal(v, &body); err != nil {
		panic(err)
	}
	return &Response{Status: http.StatusOK, Body: body}
}

func (m *memStore) status(code int, msg string) *Response {
	return &Response{Status: code, Body: map[string]any{"error": msg}}
}

func (m *memStore) chain(id string) []Commit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Commit(nil), m.streams[id]...)
}

// stubSigner wraps payloads without real cryptography.
type stubSigner struct {
	fail bool
}

func (s stubSigner) Sign(_ context.Context, id Identity, payload []byte) (*Envelope, error) {
	if s.fail {
		return nil, errors.New("signer offline")
	}
	return &Envelope{
		Payload:    append(json.RawMessage(nil), payload...),
		Signatures: []Signature{{Protected: id.DID, Signature: "stub"}},
	}, nil
}

type rejectAll struct{}

func (rejectAll) Validate(Document) error { return errors.New("schema says no") }

var testIdentity = Identity{DID: "did:key:test", Seed: make([]byte, 32)}
