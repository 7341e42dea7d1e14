package streamstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/hazyhaar/streamreg/stream"
)

// tipDocument is the folded document of a stream at tip.
type tipDocument struct {
	tip string
	doc []byte
}

// documentCache keeps the latest folded document of each stream so an
// append can be checked against it without replaying the chain.
type documentCache struct {
	mu   sync.Mutex
	docs map[string]tipDocument
}

func (c *documentCache) get(streamID, tip string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.docs[streamID]
	if !ok || d.tip != tip {
		return nil, false
	}
	return d.doc, true
}

func (c *documentCache) put(streamID, tip string, doc []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.docs == nil {
		c.docs = make(map[string]tipDocument)
	}
	c.docs[streamID] = tipDocument{tip: tip, doc: doc}
}

// documentAt returns the document of streamID at tip, replaying the
// stored chain when the cache is behind.
func (s *Server) documentAt(ctx context.Context, streamID, tip string) ([]byte, error) {
	if doc, ok := s.docs.get(streamID, tip); ok {
		return doc, nil
	}
	stored, err := s.store.Commits(ctx, streamID)
	if err != nil {
		return nil, err
	}
	chain := make([]stream.Commit, 0, len(stored))
	for _, c := range stored {
		var env stream.Envelope
		if err := json.Unmarshal(c.Envelope, &env); err != nil {
			return nil, fmt.Errorf("commit %s: %w", c.CID, err)
		}
		chain = append(chain, stream.Commit{CID: c.CID, PreviousCID: c.PrevCID, Envelope: &env})
	}
	snap, err := stream.Fold(chain)
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(snap.Document)
	if err != nil {
		return nil, err
	}
	s.docs.put(streamID, snap.TipCID, doc)
	return doc, nil
}

// applyCommit applies the JSON Patch ops to doc. The result must still
// be a JSON object.
func applyCommit(doc []byte, ops json.RawMessage) ([]byte, error) {
	patch, err := jsonpatch.DecodePatch(ops)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	if len(patch) == 0 {
		return doc, nil
	}
	next, err := patch.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("patch does not apply: %w", err)
	}
	if trimmed := bytes.TrimSpace(next); len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("patch does not leave a JSON object")
	}
	return next, nil
}
