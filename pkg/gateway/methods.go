package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/agentgate/internal/observability"
	"github.com/harun/agentgate/pkg/pipeline"
	"github.com/harun/agentgate/pkg/session"
	"github.com/harun/agentgate/pkg/transcript"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	healthTimeout       = 5 * time.Second
)

// registerBuiltinMethods wires the gateway's RPC surface
func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod("turn.submit", s.handleTurnSubmit)
	_ = s.router.RegisterMethod("agents.list", s.handleAgentsList)
	_ = s.router.RegisterMethod("health", s.handleHealth)
	if s.transcripts != nil {
		_ = s.router.RegisterMethod("sessions.history", s.handleSessionsHistory)
	}
	if s.sessions != nil {
		_ = s.router.RegisterMethod("sessions.delete", s.handleSessionsDelete)
	}
}

func stringParam(params map[string]interface{}, name string, required bool) (string, error) {
	raw, present := params[name]
	if !present || raw == nil {
		if required {
			return "", invalidParams(fmt.Sprintf("%s parameter is required", name))
		}
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", invalidParams(fmt.Sprintf("%s parameter must be a string", name))
	}
	return value, nil
}

// handleTurnSubmit handles turn.submit
func (s *Server) handleTurnSubmit(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var sub Submission
	var err error
	if sub.AgentID, err = stringParam(params, "agent_id", true); err != nil {
		return nil, err
	}
	if sub.UserID, err = stringParam(params, "user_id", true); err != nil {
		return nil, err
	}
	if sub.ConversationID, err = stringParam(params, "conversation_id", false); err != nil {
		return nil, err
	}
	if sub.Message, err = stringParam(params, "message", true); err != nil {
		return nil, err
	}
	if sub.RequestID, err = stringParam(params, "request_id", false); err != nil {
		return nil, err
	}

	resp := s.front.SubmitTurn(ctx, sub)
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// HistoryResult is the sessions.history payload
type HistoryResult struct {
	ConversationID string             `json:"conversation_id"`
	Entries        []transcript.Entry `json:"entries"`
}

func (s *Server) handleSessionsHistory(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	conversationID, err := stringParam(params, "conversation_id", true)
	if err != nil {
		return nil, err
	}

	limit := defaultHistoryLimit
	if raw, ok := params["limit"]; ok {
		n, ok := raw.(float64)
		if !ok || n < 1 {
			return nil, invalidParams("limit must be a positive number")
		}
		limit = int(n)
		if limit > maxHistoryLimit {
			limit = maxHistoryLimit
		}
	}

	if err := session.ValidateIdentity("conversation", conversationID); err != nil {
		return nil, invalidParams(err.Error())
	}
	entries, err := s.transcripts.Tail(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}
	return HistoryResult{ConversationID: conversationID, Entries: entries}, nil
}

func (s *Server) handleSessionsDelete(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	conversationID, err := stringParam(params, "conversation_id", true)
	if err != nil {
		return nil, err
	}

	known, err := s.sessions.Delete(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	transcriptDeleted := false
	if s.transcripts != nil {
		if err := s.transcripts.Delete(ctx, conversationID); err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to delete transcript")
		} else {
			transcriptDeleted = true
		}
	}

	observability.RecordSessionAudit(ctx, "rpc_delete", conversationID, "success", map[string]interface{}{
		"client": clientIDFromContext(ctx),
		"known":  known,
	})

	return map[string]interface{}{
		"conversation_id":    conversationID,
		"deleted":            known,
		"transcript_deleted": transcriptDeleted,
	}, nil
}

// AgentInfo describes one registered pipeline in agents.list
type AgentInfo struct {
	AgentID     string   `json:"agent_id"`
	Description string   `json:"description,omitempty"`
	Stages      []string `json:"stages"`
	Steps       int      `json:"steps"`
	Source      string   `json:"source,omitempty"`
}

func (s *Server) handleAgentsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var defs []pipeline.Definition
	if s.agents != nil {
		defs = s.agents.List()
	}

	agents := make([]AgentInfo, 0, len(defs))
	for _, def := range defs {
		stages := make([]string, 0, len(def.Stages))
		for _, st := range def.Stages {
			stages = append(stages, st.Label())
		}
		agents = append(agents, AgentInfo{
			AgentID:     def.Agent,
			Description: def.Description,
			Stages:      stages,
			Steps:       def.StepCount(),
			Source:      def.Source,
		})
	}
	return map[string]interface{}{"agents": agents}, nil
}

func (s *Server) handleHealth(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	status := "ok"
	report := map[string]interface{}{
		"clients": s.clients.Count(),
		"lanes":   s.front.queue.LaneCount(),
	}
	if s.sessions != nil {
		report["sessions"] = s.sessions.Count()
	}
	if s.agents != nil {
		report["agents"] = len(s.agents.List())
	}

	if s.health != nil {
		hctx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()
		if err := s.health.Health(hctx); err != nil {
			status = "degraded"
			report["backend"] = err.Error()
		} else {
			report["backend"] = "ok"
		}
	}

	report["status"] = status
	return report, nil
}
