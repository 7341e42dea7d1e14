// CLAUDE:SUMMARY User registry service — loads the registry from its stream, publishes it back in chunks, awards points, merges duplicates, writes companion datasets.
// Package userstream keeps a community user registry in a stream.
//
// The registry lives in memory (package registry) and is persisted as
// one stream document {"users": [...], "module_data": {...}}. Publishing
// writes the current registry on top of the stream's tip: pure growth of
// the user list goes out in chunks, any other change as one commit.
//
// Usage:
//
//	svc, err := userstream.New(cfg, logger)
//	err = svc.Load(ctx)
//	svc.AwardPoints("discord_id", "123", 10)
//	res, err := svc.Publish(ctx)
//	svc.RegisterMCP(mcpServer)
//	svc.RegisterConnectivity(router)
//	defer svc.Close()
package userstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/streamreg/audit"
	"github.com/hazyhaar/streamreg/connectivity"
	"github.com/hazyhaar/streamreg/dbopen"
	"github.com/hazyhaar/streamreg/kit"
	"github.com/hazyhaar/streamreg/registry"
	"github.com/hazyhaar/streamreg/signer"
	"github.com/hazyhaar/streamreg/stream"
	"github.com/hazyhaar/streamreg/transport"
	"github.com/hazyhaar/streamreg/validate"
)

const usersField = "users"

// Service is the user registry service.
type Service struct {
	client   *stream.Client // validates registry documents
	raw      *stream.Client // companion datasets, free-form
	coord    *stream.Coordinator
	registry *registry.Registry
	identity stream.Identity
	config   *Config
	logger   *slog.Logger
	audit    audit.Logger
	closers  []func() error

	// writeMu serialises writes: each stream has a single writer.
	writeMu  sync.Mutex
	stateMu  sync.RWMutex
	streamID string
	datasets map[string]string
}

// PublishResult reports a publish.
type PublishResult struct {
	StreamID string   `json:"stream_id"`
	Commits  []string `json:"commits"`
	Users    int      `json:"users"`
	Created  bool     `json:"created"`
}

// New builds a service talking to cfg.StoreURL over HTTP.
func New(cfg *Config, logger *slog.Logger) (*Service, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	seed, err := signer.ParseSeed(cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("userstream: %w", err)
	}
	id, err := signer.IdentityFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("userstream: %w", err)
	}
	tr, err := transport.New(cfg.StoreURL,
		transport.WithTimeout(cfg.Timeout),
		transport.WithLogger(logger),
		transport.WithBreaker(connectivity.NewCircuitBreaker(
			connectivity.WithBreakerThreshold(cfg.BreakerThreshold))),
	)
	if err != nil {
		return nil, fmt.Errorf("userstream: %w", err)
	}
	jws := signer.NewJWS()
	client := stream.NewClient(tr, jws,
		stream.WithValidator(validate.Registry()),
		stream.WithLogger(logger))
	raw := stream.NewClient(tr, jws, stream.WithLogger(logger))
	svc := newService(cfg, client, raw, id, logger)

	if cfg.AuditDB != "" {
		db, err := dbopen.Open(cfg.AuditDB, dbopen.WithMkdirAll(), dbopen.WithSchema(audit.Schema))
		if err != nil {
			return nil, fmt.Errorf("userstream: audit db: %w", err)
		}
		al := audit.NewSQLiteLogger(db, audit.WithLogger(logger))
		svc.UseAudit(al)
		svc.closers = append(svc.closers, al.Close, db.Close)
	}
	return svc, nil
}

func newService(cfg *Config, client, raw *stream.Client, id stream.Identity, logger *slog.Logger) *Service {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	datasets := make(map[string]string, len(cfg.Datasets))
	for k, v := range cfg.Datasets {
		datasets[k] = v
	}
	return &Service{
		client:   client,
		raw:      raw,
		coord:    stream.NewCoordinator(client, logger),
		registry: registry.New(registry.UserSchema),
		identity: id,
		config:   cfg,
		logger:   logger,
		streamID: cfg.StreamID,
		datasets: datasets,
	}
}

// UseAudit records every mutation made through the MCP and connectivity
// surfaces to l. Call it before RegisterMCP and RegisterConnectivity.
func (s *Service) UseAudit(l audit.Logger) { s.audit = l }

// Close flushes the audit trail and releases its database.
func (s *Service) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// audited wraps a mutating endpoint with request logging and, when an
// audit logger is configured, the audit middleware.
func (s *Service) audited(action string, e kit.Endpoint) kit.Endpoint {
	mws := []kit.Middleware{kit.Logging(s.logger, action)}
	if s.audit != nil {
		mws = append(mws, audit.Middleware(s.audit, action))
	}
	return kit.Chain(mws...)(e)
}

// Registry returns the in-memory registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Identity returns the signing identity.
func (s *Service) Identity() stream.Identity { return s.identity }

// StreamID returns the registry stream id, empty before the first publish.
func (s *Service) StreamID() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.streamID
}

func (s *Service) setStreamID(id string) {
	s.stateMu.Lock()
	s.streamID = id
	s.stateMu.Unlock()
}

// Load replaces the in-memory registry with the stored one. Without a
// registry stream it leaves the registry empty.
func (s *Service) Load(ctx context.Context) error {
	id := s.StreamID()
	if id == "" {
		s.logger.Info("userstream: no registry stream yet, starting empty")
		return nil
	}
	snap, err := s.client.FetchDocument(ctx, id)
	if err != nil {
		return fmt.Errorf("userstream: load %s: %w", id, err)
	}
	if err := s.registry.Load(snap.Document); err != nil {
		return fmt.Errorf("userstream: load %s: %w", id, err)
	}
	s.logger.Info("userstream: registry loaded",
		"stream_id", id, "users", s.registry.Len(), "tip", snap.TipCID)
	return nil
}

// Publish writes the current registry to its stream, creating the stream
// when there is none. When the stored user list is a prefix of the local
// one, only the new users are appended, in chunks; otherwise the whole
// document goes out as one commit.
func (s *Service) Publish(ctx context.Context) (*PublishResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	doc := stream.Document(s.registry.Document())
	req := stream.BatchRequest{
		Identity:  s.identity,
		Document:  doc,
		Field:     usersField,
		ChunkSize: s.config.ChunkSize,
		Metadata:  stream.Metadata{Family: s.config.Family, Schema: "user-registry/v1"},
	}
	users := s.registry.Len()

	id := s.StreamID()
	if id == "" {
		res, err := s.coord.Write(ctx, req)
		if res != nil && res.StreamID != "" {
			s.setStreamID(res.StreamID)
		}
		if err != nil {
			return nil, fmt.Errorf("userstream: publish: %w", err)
		}
		s.logger.Info("userstream: registry stream created",
			"stream_id", res.StreamID, "users", users, "commits", len(res.Commits)+1)
		return &PublishResult{StreamID: res.StreamID, Commits: res.Commits, Users: users, Created: true}, nil
	}

	res, err := s.coord.Resume(ctx, id, req)
	switch {
	case errors.Is(err, stream.ErrDiverged):
		commits, err := s.rewrite(ctx, id, req)
		if err != nil {
			return nil, fmt.Errorf("userstream: publish: %w", err)
		}
		s.logger.Info("userstream: registry rewritten", "stream_id", id, "users", users, "commits", len(commits))
		return &PublishResult{StreamID: id, Commits: commits, Users: users}, nil
	case err != nil:
		return nil, fmt.Errorf("userstream: publish: %w", err)
	case len(res.Commits) > 0:
		s.logger.Info("userstream: users appended", "stream_id", id, "users", users, "commits", len(res.Commits))
		return &PublishResult{StreamID: id, Commits: res.Commits, Users: users}, nil
	}

	// Same user list: write the rest of the document if it changed.
	snap, err := s.client.FetchDocument(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("userstream: publish: %w", err)
	}
	norm, err := stream.NormalizeDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("userstream: publish: %w", err)
	}
	if stream.EqualDocuments(snap.Document, norm) {
		s.logger.Debug("userstream: nothing to publish", "stream_id", id)
		return &PublishResult{StreamID: id, Users: users}, nil
	}
	cid, err := s.client.AppendCommit(ctx, s.identity, id, snap.Document, doc)
	if err != nil {
		return nil, fmt.Errorf("userstream: publish: %w", err)
	}
	return &PublishResult{StreamID: id, Commits: []string{cid}, Users: users}, nil
}

// rewrite writes a registry whose user list is no longer an extension of
// the stored one. A patch within MaxCommitBytes goes out as one commit.
// A larger one is split: the first commit cuts the stored list back to
// the prefix it shares with the target, then the remaining users are
// appended in chunks.
func (s *Service) rewrite(ctx context.Context, id string, req stream.BatchRequest) ([]string, error) {
	snap, err := s.client.FetchDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	target, err := stream.NormalizeDocument(req.Document)
	if err != nil {
		return nil, err
	}
	patch, err := stream.Diff(snap.Document, target)
	if err != nil {
		return nil, err
	}
	if len(patch) <= s.config.MaxCommitBytes {
		cid, err := s.client.AppendCommit(ctx, s.identity, id, snap.Document, target)
		if err != nil {
			return nil, err
		}
		return []string{cid}, nil
	}

	stored, _ := snap.Document[usersField].([]any)
	wanted, _ := target[usersField].([]any)
	keep := stream.CommonPrefix(stored, wanted)
	trimmed := make(stream.Document, len(target))
	for k, v := range target {
		trimmed[k] = v
	}
	trimmed[usersField] = wanted[:keep]

	s.logger.Info("userstream: large rewrite split",
		"stream_id", id, "patch_bytes", len(patch), "kept_users", keep, "users", len(wanted))
	cid, err := s.client.AppendCommit(ctx, s.identity, id, snap.Document, trimmed)
	if err != nil {
		return nil, err
	}
	commits := []string{cid}
	res, err := s.coord.Resume(ctx, id, req)
	if res != nil {
		commits = append(commits, res.Commits...)
	}
	return commits, err
}

// AwardPoints adds points to the user whose field equals value, creating
// the user if needed.
func (s *Service) AwardPoints(field string, value any, points float64) (registry.Record, error) {
	if !s.isBaseline(field) {
		return nil, fmt.Errorf("userstream: %q is not a user identity field", field)
	}
	m, created, err := s.registry.UpdateOrCreate(field, value, registry.Record{"points": points})
	if err != nil {
		return nil, fmt.Errorf("userstream: award points: %w", err)
	}
	s.logger.Info("userstream: points awarded", "field", field, "points", points, "created", created)
	return m.Record, nil
}

// UpsertUser sets fields on the user whose field equals value, creating
// the user if needed. Points in fields are added, not replaced.
func (s *Service) UpsertUser(field string, value any, fields registry.Record) (registry.Record, bool, error) {
	m, created, err := s.registry.UpdateOrCreate(field, value, fields)
	if err != nil {
		return nil, false, fmt.Errorf("userstream: upsert: %w", err)
	}
	return m.Record, created, nil
}

// Merge consolidates users sharing key (default: Config.MergeKey).
func (s *Service) Merge(key string) (registry.MergeReport, error) {
	if key == "" {
		key = s.config.MergeKey
	}
	report, err := s.registry.MergeBySecondaryKey(key)
	if err != nil {
		s.logger.Warn("userstream: merge stopped", "key", key, "merged_groups", report.Groups, "error", err)
		return report, err
	}
	s.logger.Info("userstream: merge done", "key", key, "groups", report.Groups, "removed", report.Removed)
	return report, nil
}

// State returns the store's metadata of the registry stream.
func (s *Service) State(ctx context.Context) (*stream.StreamState, error) {
	id := s.StreamID()
	if id == "" {
		return nil, errors.New("userstream: registry not published yet")
	}
	return s.client.StreamState(ctx, id)
}

// Dataset returns the stream id of a companion dataset.
func (s *Service) Dataset(name string) (string, bool) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	id, ok := s.datasets[name]
	return id, ok
}

// PublishDatasets writes companion datasets, each to its own stream,
// concurrently. Known datasets get a commit on top of their tip; new
// ones get a fresh stream. It returns the stream id of every dataset
// written before the first failure.
func (s *Service) PublishDatasets(ctx context.Context, docs map[string]stream.Document) (map[string]string, error) {
	var (
		mu  sync.Mutex
		out = make(map[string]string, len(docs))
	)
	g, gctx := errgroup.WithContext(ctx)
	for name, doc := range docs {
		g.Go(func() error {
			id, err := s.publishDataset(gctx, name, doc)
			if err != nil {
				return fmt.Errorf("userstream: dataset %s: %w", name, err)
			}
			mu.Lock()
			out[name] = id
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return out, err
}

func (s *Service) publishDataset(ctx context.Context, name string, doc stream.Document) (string, error) {
	if id, ok := s.Dataset(name); ok {
		if _, err := s.raw.AppendCommit(ctx, s.identity, id, nil, doc); err != nil {
			return "", err
		}
		return id, nil
	}
	meta := stream.Metadata{Family: s.config.Family, ExtraMetadata: map[string]any{"dataset": name}}
	id, err := s.raw.CreateStream(ctx, s.identity, doc, meta)
	if err != nil {
		return "", err
	}
	s.stateMu.Lock()
	s.datasets[name] = id
	s.stateMu.Unlock()
	s.logger.Info("userstream: dataset stream created", "dataset", name, "stream_id", id)
	return id, nil
}

func (s *Service) isBaseline(field string) bool {
	f, ok := s.registry.Schema().Lookup(field)
	return ok && !f.Additive
}
