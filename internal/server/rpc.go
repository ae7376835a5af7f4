package server

import (
	"encoding/json"

	"github.com/ehrlich-b/sightline/internal/registry"
	"github.com/ehrlich-b/sightline/internal/wire"
)

// RPC error codes. Not-found follows the registry surface's 404
// convention; the rest are JSON-RPC standard.
const (
	codeNotFound      = 404
	codeMethodUnknown = -32601
	codeBadParams     = -32602
)

// Session-registry RPC methods.
const (
	MethodListSessions    = "list_sessions"
	MethodCreateSession   = "create_session"
	MethodCloseSession    = "close_session"
	MethodSetActive       = "set_active_session"
	MethodGetSessionState = "get_session_state"
	MethodSetProviders    = "set_orchestrator_providers"
	MethodAddContextItems = "add_context_items"
)

func rpcError(id json.RawMessage, code int, message string) wire.RPCResponse {
	return wire.RPCResponse{ID: id, Error: &wire.RPCError{Code: code, Message: message}}
}

func rpcResult(id json.RawMessage, result any) wire.RPCResponse {
	return wire.RPCResponse{ID: id, Result: result}
}

// handleRPC dispatches one rpc client message against the registry.
func (s *Server) handleRPC(msg wire.ClientMessage) wire.RPCResponse {
	switch msg.Method {
	case MethodListSessions:
		var params struct {
			AgentID string `json:"agent_id"`
		}
		if len(msg.Params) > 0 {
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				return rpcError(msg.ID, codeBadParams, err.Error())
			}
		}
		sessions := s.Registry.List(params.AgentID)
		if sessions == nil {
			sessions = []registry.Summary{}
		}
		return rpcResult(msg.ID, sessions)

	case MethodCreateSession:
		var params registry.CreateParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return rpcError(msg.ID, codeBadParams, err.Error())
		}
		if params.AgentID == "" || params.SessionID == "" {
			return rpcError(msg.ID, codeBadParams, "agent_id and session_id are required")
		}
		if params.Mode == "" {
			params.Mode = wire.ModeSingleAgent
		}
		return rpcResult(msg.ID, s.Registry.Create(params))

	case MethodCloseSession:
		key, err := keyParams(msg.Params)
		if err != nil {
			return rpcError(msg.ID, codeBadParams, err.Error())
		}
		closed := s.Registry.Close(key)
		return rpcResult(msg.ID, map[string]bool{"closed": closed})

	case MethodSetActive:
		key, err := keyParams(msg.Params)
		if err != nil {
			return rpcError(msg.ID, codeBadParams, err.Error())
		}
		if !s.Registry.SetActive(key) {
			return rpcError(msg.ID, codeNotFound, "session not found")
		}
		return rpcResult(msg.ID, map[string]bool{"active": true})

	case MethodGetSessionState:
		key, err := keyParams(msg.Params)
		if err != nil {
			return rpcError(msg.ID, codeBadParams, err.Error())
		}
		sess, ok := s.Registry.Get(key)
		if !ok {
			return rpcError(msg.ID, codeNotFound, "session not found")
		}
		return rpcResult(msg.ID, sess)

	case MethodSetProviders:
		var params struct {
			AgentID   string         `json:"agent_id"`
			SessionID string         `json:"session_id"`
			Providers []registry.Key `json:"providers"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return rpcError(msg.ID, codeBadParams, err.Error())
		}
		sess, ok := s.Registry.SetProviders(
			registry.Key{AgentID: params.AgentID, SessionID: params.SessionID}, params.Providers)
		if !ok {
			return rpcError(msg.ID, codeNotFound, "session not found")
		}
		return rpcResult(msg.ID, sess)

	case MethodAddContextItems:
		var params struct {
			AgentID   string            `json:"agent_id"`
			SessionID string            `json:"session_id"`
			Items     []json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return rpcError(msg.ID, codeBadParams, err.Error())
		}
		sess, ok := s.Registry.AddContextItems(
			registry.Key{AgentID: params.AgentID, SessionID: params.SessionID}, params.Items)
		if !ok {
			return rpcError(msg.ID, codeNotFound, "session not found")
		}
		return rpcResult(msg.ID, sess)

	default:
		return rpcError(msg.ID, codeMethodUnknown, "unknown method: "+msg.Method)
	}
}

func keyParams(raw json.RawMessage) (registry.Key, error) {
	var key registry.Key
	if err := json.Unmarshal(raw, &key); err != nil {
		return registry.Key{}, err
	}
	return key, nil
}
