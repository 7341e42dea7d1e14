package streamstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/ipfs/go-cid"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/streamreg/dbopen"
	"github.com/hazyhaar/streamreg/shield"
	"github.com/hazyhaar/streamreg/signer"
	"github.com/hazyhaar/streamreg/stream"
	"github.com/hazyhaar/streamreg/streamstore/internal/store"
	"github.com/hazyhaar/streamreg/transport"
)

type harness struct {
	tr     *transport.HTTP
	client *stream.Client
	alice  stream.Identity
	bob    stream.Identity
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	srv := newServer(&store.Store{DB: db}, &Config{}, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	tr, err := transport.New(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	alice, _ := signer.IdentityFromSeed(bytes.Repeat([]byte{1}, 32))
	bob, _ := signer.IdentityFromSeed(bytes.Repeat([]byte{2}, 32))
	return &harness{
		tr:     tr,
		client: stream.NewClient(tr, signer.NewJWS()),
		alice:  alice,
		bob:    bob,
	}
}

func TestEndToEnd_FoldCorrectness(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	doc := stream.Document{"users": []any{}, "module_data": map[string]any{}}
	id, err := h.client.CreateStream(ctx, h.alice, doc, stream.Metadata{Family: "registry"})
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if _, err := cid.Decode(id); err != nil {
		t.Fatalf("stream id %q is not a CID: %v", id, err)
	}

	prior := doc
	var last stream.Document
	for i := 1; i <= 4; i++ {
		users := make([]any, i)
		for j := range users {
			users[j] = map[string]any{"discord_id": fmt.Sprintf("d%d", j), "points": float64(j * 10)}
		}
		next := stream.Document{"users": users, "module_data": map[string]any{"round": float64(i)}}
		if _, err := h.client.AppendCommit(ctx, h.alice, id, prior, next); err != nil {
			t.Fatalf("AppendCommit %d: %v", i, err)
		}
		prior, last = next, next
	}

	snap, err := h.client.FetchDocument(ctx, id)
	if err != nil {
		t.Fatalf("FetchDocument: %v", err)
	}
	if diff := cmp.Diff(last, snap.Document); diff != "" {
		t.Fatalf("folded document (-want +got):\n%s", diff)
	}
	if len(snap.Commits) != 5 || snap.GenesisCID != id {
		t.Fatalf("commits = %d genesis = %s", len(snap.Commits), snap.GenesisCID)
	}
	for i := 1; i < len(snap.Commits); i++ {
		if snap.Commits[i].PreviousCID != snap.Commits[i-1].CID {
			t.Fatalf("commit %d links to %s, want %s", i, snap.Commits[i].PreviousCID, snap.Commits[i-1].CID)
		}
	}

	again, err := h.client.FetchDocument(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if again.TipCID != snap.TipCID || !cmp.Equal(again.Document, snap.Document) {
		t.Fatal("second fetch differs")
	}

	st, err := h.client.StreamState(ctx, id)
	if err != nil {
		t.Fatalf("StreamState: %v", err)
	}
	if st.Tip != snap.TipCID || len(st.Log) != 5 || st.Controllers[0] != h.alice.DID {
		t.Fatalf("state = %+v", st)
	}
}

func TestEndToEnd_BatchWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	items := make([]any, 550)
	for i := range items {
		items[i] = map[string]any{"n": float64(i)}
	}
	co := stream.NewCoordinator(h.client, nil)
	res, err := co.Write(ctx, stream.BatchRequest{
		Identity:  h.alice,
		Document:  stream.Document{"users": items, "module_data": map[string]any{"source": "import"}},
		Field:     "users",
		ChunkSize: 250,
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if diff := cmp.Diff([]int{250, 250, 50}, res.ChunkSizes); diff != "" {
		t.Fatalf("chunk sizes (-want +got):\n%s", diff)
	}

	snap, err := h.client.FetchDocument(ctx, res.StreamID)
	if err != nil {
		t.Fatal(err)
	}
	got := snap.Document["users"].([]any)
	if len(got) != 550 {
		t.Fatalf("items = %d", len(got))
	}
	for i, it := range got {
		if it.(map[string]any)["n"] != float64(i) {
			t.Fatalf("item %d out of order: %v", i, it)
		}
	}
	if snap.Document["module_data"].(map[string]any)["source"] != "import" {
		t.Fatalf("module_data lost: %v", snap.Document["module_data"])
	}
}

func TestForkRefused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.client.CreateStream(ctx, h.alice, stream.Document{"v": float64(0)}, stream.Metadata{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.client.AppendCommit(ctx, h.alice, id, nil, stream.Document{"v": float64(1)}); err != nil {
		t.Fatal(err)
	}

	// A commit built on the genesis instead of the current tip.
	payload := []byte(fmt.Sprintf(`{"id":%q,"prev":%q,"data":[{"op":"replace","path":"/v","value":2}]}`, id, id))
	env, err := signer.NewJWS().Sign(ctx, h.alice, payload)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := h.tr.Request(ctx, http.MethodPost, "/commits", map[string]any{"streamId": id, "commit": env})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.Status)
	}

	snap, _ := h.client.FetchDocument(ctx, id)
	if len(snap.Commits) != 2 || snap.Document["v"] != float64(1) {
		t.Fatalf("chain changed: %d commits, doc %v", len(snap.Commits), snap.Document)
	}
}

func TestAppend_PatchMustApply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.client.CreateStream(ctx, h.alice, stream.Document{"v": float64(0)}, stream.Metadata{})
	if err != nil {
		t.Fatal(err)
	}
	tip, err := h.client.AppendCommit(ctx, h.alice, id, nil, stream.Document{"v": float64(1)})
	if err != nil {
		t.Fatal(err)
	}

	bad := []string{
		`[{"op":"replace","path":"/missing/deep","value":2}]`,
		`[{"op":"remove","path":"/nope"}]`,
		`[{"op":"test","path":"/v","value":7}]`,
	}
	for _, ops := range bad {
		payload := []byte(fmt.Sprintf(`{"id":%q,"prev":%q,"data":%s}`, id, tip, ops))
		env, err := signer.NewJWS().Sign(ctx, h.alice, payload)
		if err != nil {
			t.Fatal(err)
		}
		resp, err := h.tr.Request(ctx, http.MethodPost, "/commits", map[string]any{"streamId": id, "commit": env})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Status != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", ops, resp.Status)
		}
	}

	// The stream stays readable and writable.
	if _, err := h.client.AppendCommit(ctx, h.alice, id, nil, stream.Document{"v": float64(2)}); err != nil {
		t.Fatalf("append after refused commit: %v", err)
	}
	snap, err := h.client.FetchDocument(ctx, id)
	if err != nil {
		t.Fatalf("fetch after refused commit: %v", err)
	}
	if len(snap.Commits) != 3 || snap.Document["v"] != float64(2) {
		t.Fatalf("chain = %d commits, doc %v", len(snap.Commits), snap.Document)
	}
}

func TestAppend_ChecksAgainstStoredChain(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := &store.Store{DB: db}
	ctx := context.Background()

	first := newServer(st, &Config{}, nil)
	ts := httptest.NewServer(first.Handler())
	t.Cleanup(ts.Close)
	tr, _ := transport.New(ts.URL)
	alice, _ := signer.IdentityFromSeed(bytes.Repeat([]byte{1}, 32))
	client := stream.NewClient(tr, signer.NewJWS())

	id, err := client.CreateStream(ctx, alice, stream.Document{"users": []any{"a"}}, stream.Metadata{})
	if err != nil {
		t.Fatal(err)
	}

	// A second server over the same database starts with an empty
	// document cache and must replay the chain.
	second := newServer(st, &Config{}, nil)
	ts2 := httptest.NewServer(second.Handler())
	t.Cleanup(ts2.Close)
	tr2, _ := transport.New(ts2.URL)
	client2 := stream.NewClient(tr2, signer.NewJWS())
	if _, err := client2.AppendCommit(ctx, alice, id, nil, stream.Document{"users": []any{"a", "b"}}); err != nil {
		t.Fatalf("append through a cold server: %v", err)
	}
	snap, err := client.FetchDocument(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(stream.Document{"users": []any{"a", "b"}}, snap.Document); diff != "" {
		t.Fatalf("document (-want +got):\n%s", diff)
	}
}

func TestSignatureChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, err := h.client.CreateStream(ctx, h.alice, stream.Document{"v": float64(0)}, stream.Metadata{})
	if err != nil {
		t.Fatal(err)
	}

	// Signed by someone who is not a controller.
	_, err = h.client.AppendCommit(ctx, h.bob, id, nil, stream.Document{"v": float64(1)})
	var wr *stream.WriteRejected
	if !errors.As(err, &wr) || wr.Status != http.StatusForbidden {
		t.Fatalf("foreign signer: %v", err)
	}

	// Tampered payload.
	payload := []byte(fmt.Sprintf(`{"id":%q,"prev":%q,"data":[]}`, id, id))
	env, _ := signer.NewJWS().Sign(ctx, h.alice, payload)
	env.Payload = json.RawMessage(fmt.Sprintf(`{"id":%q,"prev":%q,"data":[{"op":"add","path":"/x","value":1}]}`, id, id))
	resp, err := h.tr.Request(ctx, http.MethodPost, "/commits", map[string]any{"streamId": id, "commit": env})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusBadRequest {
		t.Fatalf("tampered: status = %d, want 400", resp.Status)
	}

	snap, _ := h.client.FetchDocument(ctx, id)
	if len(snap.Commits) != 1 {
		t.Fatalf("rejected commits were stored: %d", len(snap.Commits))
	}
}

func TestCreate_ControllersMustIncludeSigner(t *testing.T) {
	h := newHarness(t)
	_, err := h.client.CreateStream(context.Background(), h.alice, stream.Document{},
		stream.Metadata{Controllers: []string{h.bob.DID}})
	var wr *stream.WriteRejected
	if !errors.As(err, &wr) || wr.Status != http.StatusForbidden {
		t.Fatalf("expected 403 rejection, got %v", err)
	}
}

func TestFetch_UnknownStream(t *testing.T) {
	h := newHarness(t)
	_, err := h.client.FetchDocument(context.Background(), "bagunknown")
	var tf *stream.TransportFailure
	if !errors.Is(err, stream.ErrRead) || !errors.As(err, &tf) || tf.Status != http.StatusNotFound {
		t.Fatalf("expected read failure with 404, got %v", err)
	}
}

func TestPins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, _ := h.client.CreateStream(ctx, h.alice, stream.Document{}, stream.Metadata{})

	if err := h.client.Pin(ctx, id); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	st, _ := h.client.StreamState(ctx, id)
	if !st.Pinned {
		t.Fatal("not pinned")
	}
	if err := h.client.Unpin(ctx, id); err != nil {
		t.Fatalf("Unpin: %v", err)
	}
	st, _ = h.client.StreamState(ctx, id)
	if st.Pinned {
		t.Fatal("still pinned")
	}
	if err := h.client.Pin(ctx, "missing"); !errors.Is(err, stream.ErrWrite) {
		t.Fatalf("pin missing: %v", err)
	}
}

func TestCommitCID_Deterministic(t *testing.T) {
	env := &stream.Envelope{Payload: json.RawMessage(`{"a":1}`), Signatures: []stream.Signature{{Protected: "p", Signature: "s"}}}
	a, _, err := CommitCID(env)
	if err != nil {
		t.Fatal(err)
	}
	b, _, _ := CommitCID(env)
	if a != b {
		t.Fatalf("cids differ: %s %s", a, b)
	}
	c, err := cid.Decode(a)
	if err != nil {
		t.Fatal(err)
	}
	if c.Version() != 1 || c.Type() != cid.DagJSON {
		t.Fatalf("cid = v%d codec %x", c.Version(), c.Type())
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := t.TempDir() + "/store.yaml"
	if err := os.WriteFile(path, []byte("listen: \":9000\"\ndb_path: /tmp/x.db\nskip_verify: true\nrate_limits:\n  POST /commits:\n    max_requests: 30\n    window: 1m\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.defaults()
	if cfg.Listen != ":9000" || cfg.DBPath != "/tmp/x.db" || !cfg.SkipVerify || cfg.MaxBodyBytes != 4<<20 {
		t.Fatalf("cfg = %+v", cfg)
	}
	want := map[string]shield.RateLimit{"POST /commits": {MaxRequests: 30, Window: time.Minute}}
	if diff := cmp.Diff(want, cfg.RateLimits); diff != "" {
		t.Fatalf("rate limits (-want +got):\n%s", diff)
	}
}

func TestHandler_HeadersAndRateLimit(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	srv := newServer(&store.Store{DB: db}, &Config{
		RateLimits: map[string]shield.RateLimit{"POST /pins": {MaxRequests: 1, Window: time.Minute}},
	}, nil)
	t.Cleanup(func() { close(srv.done) })
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	post := func() *http.Response {
		resp, err := http.Post(ts.URL+"/pins/unknown", "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp
	}

	first := post()
	if first.StatusCode != http.StatusNotFound {
		t.Fatalf("first pin: status %d", first.StatusCode)
	}
	if first.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}
	if second := post(); second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second pin: status %d", second.StatusCode)
	}

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d", resp.StatusCode)
	}
}
