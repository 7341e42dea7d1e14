// CLAUDE:SUMMARY CLI over the stream client, batch coordinator and user registry service — create/fetch/append/batch/resume/pin/merge/mcp.
// Command streamreg talks to a stream store.
//
// Usage:
//
//	streamreg keygen
//	streamreg -store http://localhost:8707 -seed <hex> create doc.json
//	streamreg -store ... fetch <stream-id>
//	streamreg -store ... -seed <hex> append <stream-id> doc.json
//	streamreg -store ... -seed <hex> batch -field users -chunk 250 doc.json
//	streamreg -store ... -seed <hex> resume -field users -chunk 250 <stream-id> doc.json
//	streamreg -store ... state|pin|unpin <stream-id>
//	streamreg -config userstream.yaml merge [-key wallet_address]
//	streamreg -config userstream.yaml leaderboard [-n 10]
//	streamreg -config userstream.yaml mcp      # MCP tools over stdio
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/streamreg/signer"
	"github.com/hazyhaar/streamreg/stream"
	"github.com/hazyhaar/streamreg/transport"
	"github.com/hazyhaar/streamreg/userstream"
)

const usage = "usage: streamreg [-config file] [-store url] [-seed hex] keygen|create|fetch|append|batch|resume|state|pin|unpin|merge|leaderboard|mcp ..."

type globals struct {
	configPath string
	storeURL   string
	seed       string
	timeout    time.Duration
}

func main() {
	var g globals
	flag.StringVar(&g.configPath, "config", "", "path to userstream.yaml config file")
	flag.StringVar(&g.storeURL, "store", "", "stream store base URL (overrides config)")
	flag.StringVar(&g.seed, "seed", os.Getenv("STREAMREG_SEED"), "hex Ed25519 seed (default $STREAMREG_SEED)")
	flag.DurationVar(&g.timeout, "timeout", 30*time.Second, "per-request timeout")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, g, flag.Arg(0), flag.Args()[1:]); err != nil {
		logger.Error("streamreg: fatal", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, g globals, cmd string, args []string) error {
	switch cmd {
	case "keygen":
		return keygen()
	case "create", "fetch", "append", "batch", "resume", "state", "pin", "unpin":
		return runStream(ctx, logger, g, cmd, args)
	case "merge", "leaderboard", "mcp":
		return runRegistry(ctx, logger, g, cmd, args)
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func keygen() error {
	seed, err := signer.GenerateSeed()
	if err != nil {
		return err
	}
	id, err := signer.IdentityFromSeed(seed)
	if err != nil {
		return err
	}
	return printJSON(map[string]string{"seed": hex.EncodeToString(seed), "did": id.DID})
}

// resolveConfig merges the optional config file with command-line overrides.
func resolveConfig(g globals) (*userstream.Config, error) {
	cfg := &userstream.Config{}
	if g.configPath != "" {
		var err error
		if cfg, err = userstream.LoadConfigFile(g.configPath); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	if g.storeURL != "" {
		cfg.StoreURL = g.storeURL
	}
	if g.seed != "" {
		cfg.Seed = g.seed
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = g.timeout
	}
	if cfg.StoreURL == "" {
		return nil, errors.New("no store URL: use -store or store_url in -config")
	}
	return cfg, nil
}

func runStream(ctx context.Context, logger *slog.Logger, g globals, cmd string, args []string) error {
	cfg, err := resolveConfig(g)
	if err != nil {
		return err
	}
	tr, err := transport.New(cfg.StoreURL, transport.WithTimeout(cfg.Timeout), transport.WithLogger(logger))
	if err != nil {
		return err
	}
	client := stream.NewClient(tr, signer.NewJWS(), stream.WithLogger(logger))

	identity := func() (stream.Identity, error) {
		seed, err := signer.ParseSeed(cfg.Seed)
		if err != nil {
			return stream.Identity{}, fmt.Errorf("%w (use -seed or streamreg keygen)", err)
		}
		return signer.IdentityFromSeed(seed)
	}

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	field := fs.String("field", "users", "collection field to split (batch, resume)")
	chunk := fs.Int("chunk", 250, "items per commit (batch, resume)")
	family := fs.String("family", "", "stream family tag (create, batch)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()

	switch cmd {
	case "fetch":
		if len(rest) != 1 {
			return errors.New("fetch <stream-id>")
		}
		snap, err := client.FetchDocument(ctx, rest[0])
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"streamId": snap.StreamID, "genesis": snap.GenesisCID, "tip": snap.TipCID,
			"commits": len(snap.Commits), "document": snap.Document,
		})

	case "state", "pin", "unpin":
		if len(rest) != 1 {
			return fmt.Errorf("%s <stream-id>", cmd)
		}
		switch cmd {
		case "pin":
			err = client.Pin(ctx, rest[0])
		case "unpin":
			err = client.Unpin(ctx, rest[0])
		}
		if err != nil {
			return err
		}
		st, err := client.StreamState(ctx, rest[0])
		if err != nil {
			return err
		}
		return printJSON(st)
	}

	id, err := identity()
	if err != nil {
		return err
	}
	meta := stream.Metadata{Family: *family}

	switch cmd {
	case "create":
		if len(rest) != 1 {
			return errors.New("create <doc.json>")
		}
		doc, err := readDocument(rest[0])
		if err != nil {
			return err
		}
		streamID, err := client.CreateStream(ctx, id, doc, meta)
		if err != nil {
			return err
		}
		return printJSON(map[string]string{"streamId": streamID})

	case "append":
		if len(rest) != 2 {
			return errors.New("append <stream-id> <doc.json>")
		}
		doc, err := readDocument(rest[1])
		if err != nil {
			return err
		}
		cid, err := client.AppendCommit(ctx, id, rest[0], nil, doc)
		if err != nil {
			return err
		}
		return printJSON(map[string]string{"streamId": rest[0], "cid": cid})

	case "batch", "resume":
		co := stream.NewCoordinator(client, logger)
		var streamID, path string
		switch {
		case cmd == "batch" && len(rest) == 1:
			path = rest[0]
		case cmd == "resume" && len(rest) == 2:
			streamID, path = rest[0], rest[1]
		default:
			return fmt.Errorf("%s: wrong arguments", cmd)
		}
		doc, err := readDocument(path)
		if err != nil {
			return err
		}
		req := stream.BatchRequest{Identity: id, Document: doc, Field: *field, ChunkSize: *chunk, Metadata: meta}
		var res *stream.BatchResult
		if cmd == "batch" {
			res, err = co.Write(ctx, req)
		} else {
			res, err = co.Resume(ctx, streamID, req)
		}
		if res != nil && res.StreamID != "" {
			printJSON(map[string]any{"streamId": res.StreamID, "commits": res.Commits, "chunks": res.ChunkSizes, "items": res.Items()})
		}
		return err
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func runRegistry(ctx context.Context, logger *slog.Logger, g globals, cmd string, args []string) error {
	cfg, err := resolveConfig(g)
	if err != nil {
		return err
	}
	svc, err := userstream.New(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()
	if err := svc.Load(ctx); err != nil {
		return err
	}

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	key := fs.String("key", "", "secondary key to merge on (default from config)")
	n := fs.Int("n", 10, "leaderboard size")
	dryRun := fs.Bool("dry-run", false, "merge without publishing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch cmd {
	case "merge":
		report, err := svc.Merge(*key)
		if err != nil {
			return err
		}
		out := map[string]any{"report": report}
		if !*dryRun && report.Groups > 0 {
			res, err := svc.Publish(ctx)
			if err != nil {
				return err
			}
			out["publish"] = res
		}
		return printJSON(out)

	case "leaderboard":
		return printJSON(svc.Registry().Leaderboard(*n))

	case "mcp":
		srv := mcp.NewServer(&mcp.Implementation{Name: "streamreg", Version: "1.0.0"}, nil)
		svc.RegisterMCP(srv)
		logger.Info("streamreg: MCP over stdio", "stream_id", svc.StreamID())
		return srv.Run(ctx, &mcp.StdioTransport{})
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func readDocument(path string) (stream.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc stream.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
