package userstream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/streamreg/connectivity"
	"github.com/hazyhaar/streamreg/registry"
)

// RegisterConnectivity registers userstream service handlers on a connectivity Router.
//
// Registered services:
//
//	userstream_find_user    — first user matching field=value
//	userstream_upsert_user  — update or create a user
//	userstream_award_points — add points to a user
//	userstream_merge        — merge users sharing a secondary key
//	userstream_leaderboard  — top users by points
//	userstream_publish      — write the registry to its stream
func (s *Service) RegisterConnectivity(router *connectivity.Router) {
	router.RegisterLocal("userstream_find_user", s.handleFindUser)
	router.RegisterLocal("userstream_upsert_user", s.auditedHandler("userstream_upsert_user", s.handleUpsertUser))
	router.RegisterLocal("userstream_award_points", s.auditedHandler("userstream_award_points", s.handleAwardPoints))
	router.RegisterLocal("userstream_merge", s.auditedHandler("userstream_merge", s.handleMerge))
	router.RegisterLocal("userstream_leaderboard", s.handleLeaderboard)
	router.RegisterLocal("userstream_publish", s.auditedHandler("userstream_publish", s.handlePublish))
}

func (s *Service) auditedHandler(action string, h connectivity.Handler) connectivity.Handler {
	if s.audit == nil {
		return h
	}
	e := s.audited(action, func(ctx context.Context, req any) (any, error) {
		out, err := h(ctx, req.(json.RawMessage))
		if err != nil {
			return nil, err
		}
		return json.RawMessage(out), nil
	})
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		resp, err := e(ctx, json.RawMessage(payload))
		if err != nil {
			return nil, err
		}
		return resp.(json.RawMessage), nil
	}
}

func (s *Service) handleFindUser(_ context.Context, payload []byte) ([]byte, error) {
	var req findUserRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if req.All {
		return json.Marshal(s.registry.FindAllByField(req.Field, req.Value))
	}
	m, ok := s.registry.FindByField(req.Field, req.Value)
	if !ok {
		return nil, fmt.Errorf("user not found: %s=%v", req.Field, req.Value)
	}
	return json.Marshal(m)
}

func (s *Service) handleUpsertUser(_ context.Context, payload []byte) ([]byte, error) {
	var req upsertUserRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	rec, created, err := s.UpsertUser(req.Field, req.Value, req.Fields)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"user": rec, "created": created})
}

func (s *Service) handleAwardPoints(_ context.Context, payload []byte) ([]byte, error) {
	var req awardPointsRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	rec, err := s.AwardPoints(req.Field, req.Value, req.Points)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

func (s *Service) handleMerge(_ context.Context, payload []byte) ([]byte, error) {
	var req mergeRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
	}
	report, err := s.Merge(req.Key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(report)
}

func (s *Service) handleLeaderboard(_ context.Context, payload []byte) ([]byte, error) {
	var req leaderboardRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	top := s.registry.Leaderboard(req.Limit)
	out := make([]registry.Record, len(top))
	for i, m := range top {
		out[i] = m.Record
	}
	return json.Marshal(out)
}

func (s *Service) handlePublish(ctx context.Context, _ []byte) ([]byte, error) {
	res, err := s.Publish(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}
