// CLAUDE:SUMMARY Registers userstream MCP tools — find/upsert users, award points, merge, leaderboard, select, publish, stream state.
package userstream

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/streamreg/kit"
	"github.com/hazyhaar/streamreg/registry"
)

// RegisterMCP registers userstream tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerFindUserTool(srv)
	s.registerUpsertUserTool(srv)
	s.registerAwardPointsTool(srv)
	s.registerMergeTool(srv)
	s.registerLeaderboardTool(srv)
	s.registerSelectTool(srv)
	s.registerPublishTool(srv)
	s.registerStateTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func decodeInto[T any](req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var v T
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &v); err != nil {
			return nil, err
		}
	}
	return &kit.MCPDecodeResult{Request: &v}, nil
}

var identityFieldProp = map[string]any{
	"type":        "string",
	"description": "Identity field to match on (discord_id, twitter_handle, wallet_address, ...)",
}

// --- find_user ---

type findUserRequest struct {
	Field string `json:"field"`
	Value any    `json:"value"`
	All   bool   `json:"all,omitempty"`
}

func (s *Service) registerFindUserTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "userstream_find_user",
		Description: "Find users whose field equals value. Returns the first match, or every match with all=true.",
		InputSchema: inputSchema(map[string]any{
			"field": identityFieldProp,
			"value": map[string]any{"description": "Value to match"},
			"all":   map[string]any{"type": "boolean", "description": "Return every match"},
		}, []string{"field", "value"}),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*findUserRequest)
		if r.All {
			return s.registry.FindAllByField(r.Field, r.Value), nil
		}
		m, ok := s.registry.FindByField(r.Field, r.Value)
		if !ok {
			return nil, errors.New("user not found")
		}
		return m, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[findUserRequest])
}

// --- upsert_user ---

type upsertUserRequest struct {
	Field  string          `json:"field"`
	Value  any             `json:"value"`
	Fields registry.Record `json:"fields"`
}

func (s *Service) registerUpsertUserTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "userstream_upsert_user",
		Description: "Update the user matching field=value with fields, or create it. Points are added to the current total.",
		InputSchema: inputSchema(map[string]any{
			"field":  identityFieldProp,
			"value":  map[string]any{"description": "Value to match"},
			"fields": map[string]any{"type": "object", "description": "Fields to set"},
		}, []string{"field", "value"}),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*upsertUserRequest)
		rec, created, err := s.UpsertUser(r.Field, r.Value, r.Fields)
		if err != nil {
			return nil, err
		}
		return map[string]any{"user": rec, "created": created}, nil
	}
	kit.RegisterMCPTool(srv, tool, s.audited(tool.Name, endpoint), decodeInto[upsertUserRequest])
}

// --- award_points ---

type awardPointsRequest struct {
	Field  string  `json:"field"`
	Value  any     `json:"value"`
	Points float64 `json:"points"`
}

func (s *Service) registerAwardPointsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "userstream_award_points",
		Description: "Add points to a user, creating the user if unknown.",
		InputSchema: inputSchema(map[string]any{
			"field":  identityFieldProp,
			"value":  map[string]any{"description": "Value to match"},
			"points": map[string]any{"type": "number", "description": "Points to add (may be negative)"},
		}, []string{"field", "value", "points"}),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*awardPointsRequest)
		return s.AwardPoints(r.Field, r.Value, r.Points)
	}
	kit.RegisterMCPTool(srv, tool, s.audited(tool.Name, endpoint), decodeInto[awardPointsRequest])
}

// --- merge ---

type mergeRequest struct {
	Key string `json:"key,omitempty"`
}

func (s *Service) registerMergeTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "userstream_merge",
		Description: "Merge users sharing a secondary key. Points are summed; conflicting values abort the merge of that group.",
		InputSchema: inputSchema(map[string]any{
			"key": map[string]any{"type": "string", "description": "Secondary key (default from config, usually wallet_address)"},
		}, nil),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		return s.Merge(req.(*mergeRequest).Key)
	}
	kit.RegisterMCPTool(srv, tool, s.audited(tool.Name, endpoint), decodeInto[mergeRequest])
}

// --- leaderboard ---

type leaderboardRequest struct {
	Limit int `json:"limit,omitempty"`
}

func (s *Service) registerLeaderboardTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "userstream_leaderboard",
		Description: "Top users by points.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max results (default 10)"},
		}, nil),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		limit := req.(*leaderboardRequest).Limit
		if limit <= 0 {
			limit = 10
		}
		return s.registry.Leaderboard(limit), nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[leaderboardRequest])
}

// --- select ---

type selectRequest struct {
	Expr string `json:"expr"`
}

func (s *Service) registerSelectTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "userstream_select",
		Description: "Filter users with a boolean expression over their fields, e.g. `points > 100 && wallet_address != nil`.",
		InputSchema: inputSchema(map[string]any{
			"expr": map[string]any{"type": "string", "description": "Boolean expression"},
		}, []string{"expr"}),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		return s.registry.Select(req.(*selectRequest).Expr)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[selectRequest])
}

// --- publish ---

type publishRequest struct{}

func (s *Service) registerPublishTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "userstream_publish",
		Description: "Write the current registry to its stream.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.Publish(ctx)
	}
	kit.RegisterMCPTool(srv, tool, s.audited(tool.Name, endpoint), decodeInto[publishRequest])
}

// --- state ---

func (s *Service) registerStateTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "userstream_state",
		Description: "Store metadata of the registry stream: controllers, tip, commit log, pin status.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.State(ctx)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[publishRequest])
}
