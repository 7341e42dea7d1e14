// CLAUDE:SUMMARY Batch write coordinator — splits a document collection into ordered chunks, one genesis then sequential appends; resume from stored state.
package stream

import (
	"context"
	"fmt"
	"log/slog"
)

// BatchRequest describes a chunked write of Document. Field names the
// array to split; every other key of Document is written unchanged with
// each commit.
type BatchRequest struct {
	Identity  Identity
	Document  Document
	Field     string
	ChunkSize int
	Metadata  Metadata
}

// BatchResult reports what the store accepted. On failure it describes
// the commits accepted before the error.
type BatchResult struct {
	StreamID   string
	Commits    []string // CIDs of the appended commits, as reported by the store
	ChunkSizes []int    // items added by each accepted commit, genesis first
}

// Items is the number of collection items the accepted commits carry.
func (r *BatchResult) Items() int {
	n := 0
	for _, s := range r.ChunkSizes {
		n += s
	}
	return n
}

// Coordinator drives chunked writes through a Client. Chunks of one
// stream are always written one after the other: chunk k is submitted
// only once chunk k-1 has been accepted.
type Coordinator struct {
	client *Client
	logger *slog.Logger
}

// NewCoordinator returns a Coordinator writing through c.
func NewCoordinator(c *Client, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{client: c, logger: logger}
}

// Chunks splits items into consecutive slices of at most size items.
// Zero items give zero chunks.
func Chunks(items []any, size int) [][]any {
	if size <= 0 {
		return nil
	}
	var out [][]any
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

// Write creates a new stream holding req.Document. The genesis carries
// the first chunk; each following chunk is appended to the running
// snapshot and submitted as the next document. Zero items produce a
// single genesis with an empty collection.
func (co *Coordinator) Write(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	base, items, err := splitCollection(req)
	if err != nil {
		return nil, err
	}
	chunks := Chunks(items, req.ChunkSize)

	first := []any{}
	if len(chunks) > 0 {
		first = chunks[0]
	}
	running := withCollection(base, req.Field, nil, first)

	res := &BatchResult{}
	streamID, err := co.client.CreateStream(ctx, req.Identity, running, req.Metadata)
	if err != nil {
		return res, err
	}
	res.StreamID = streamID
	res.ChunkSizes = append(res.ChunkSizes, len(first))
	co.logger.InfoContext(ctx, "stream: batch genesis written",
		"stream_id", streamID, "field", req.Field, "chunks", max(1, len(chunks)), "items", len(items))

	if len(chunks) > 1 {
		if err := co.appendChunks(ctx, req, streamID, base, running, chunks[1:], res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Resume finishes a batch write to an existing stream. The stored
// document is fetched and its collection must be a prefix of the target
// collection; only the missing items are appended, in chunks of
// req.ChunkSize. Resuming a complete stream writes nothing.
func (co *Coordinator) Resume(ctx context.Context, streamID string, req BatchRequest) (*BatchResult, error) {
	base, items, err := splitCollection(req)
	if err != nil {
		return nil, err
	}
	snap, err := co.client.FetchDocument(ctx, streamID)
	if err != nil {
		return nil, err
	}
	stored, err := collectionOf(snap.Document, req.Field)
	if err != nil {
		return nil, &ReadFailed{StreamID: streamID, Reason: err.Error(), Err: ErrDiverged}
	}
	if len(stored) > len(items) || !equalJSON(stored, items[:len(stored)]) {
		return nil, &ReadFailed{StreamID: streamID,
			Reason: fmt.Sprintf("stored %d items do not prefix the %d target items", len(stored), len(items)),
			Err:    ErrDiverged}
	}

	res := &BatchResult{StreamID: streamID}
	remaining := Chunks(items[len(stored):], req.ChunkSize)
	co.logger.InfoContext(ctx, "stream: batch resume",
		"stream_id", streamID, "stored", len(stored), "remaining_chunks", len(remaining))
	if len(remaining) == 0 {
		return res, nil
	}
	running := withCollection(base, req.Field, nil, stored)
	err = co.appendChunks(ctx, req, streamID, base, running, remaining, res)
	return res, err
}

func (co *Coordinator) appendChunks(ctx context.Context, req BatchRequest, streamID string, base, running Document, chunks [][]any, res *BatchResult) error {
	for i, chunk := range chunks {
		prevItems, _ := running[req.Field].([]any)
		next := withCollection(base, req.Field, prevItems, chunk)

		cid, err := co.client.AppendCommit(ctx, req.Identity, streamID, running, next)
		if err != nil {
			co.logger.WarnContext(ctx, "stream: batch stopped",
				"stream_id", streamID, "chunk", i+1, "of", len(chunks), "error", err)
			return err
		}
		res.Commits = append(res.Commits, cid)
		res.ChunkSizes = append(res.ChunkSizes, len(chunk))
		running = next
	}
	return nil
}

// splitCollection validates req and separates the collection from the
// rest of the document, both in plain JSON form.
func splitCollection(req BatchRequest) (Document, []any, error) {
	if req.ChunkSize <= 0 {
		return nil, nil, &ValidationError{Reason: fmt.Sprintf("chunk size %d", req.ChunkSize)}
	}
	if req.Field == "" {
		return nil, nil, &ValidationError{Reason: "collection field: empty name"}
	}
	doc, err := NormalizeDocument(req.Document)
	if err != nil {
		return nil, nil, &ValidationError{Reason: "document", Err: err}
	}
	if doc[req.Field] == nil {
		return nil, nil, &ValidationError{Reason: fmt.Sprintf("collection field %q: missing or null", req.Field)}
	}
	items, err := collectionOf(doc, req.Field)
	if err != nil {
		return nil, nil, &ValidationError{Reason: "collection field", Err: err}
	}
	delete(doc, req.Field)
	return doc, items, nil
}

// collectionOf returns the array at field; absent or null reads as empty.
func collectionOf(doc Document, field string) ([]any, error) {
	raw, ok := doc[field]
	if !ok || raw == nil {
		return []any{}, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("field %q is not an array", field)
	}
	return items, nil
}

// withCollection returns a copy of base whose field holds prefix then
// chunk in a freshly allocated slice.
func withCollection(base Document, field string, prefix, chunk []any) Document {
	out := make(Document, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	items := make([]any, 0, len(prefix)+len(chunk))
	items = append(items, prefix...)
	items = append(items, chunk...)
	out[field] = items
	return out
}
