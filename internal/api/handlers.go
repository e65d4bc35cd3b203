package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"AgentForge/internal/agent"
	"AgentForge/internal/agentruntime"
	"AgentForge/internal/auth"
	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/token"
)

const (
	maxAgentBody   = 1 << 20
	maxDeployBody  = 8 << 20
	maxMessageBody = 8 << 20

	msgAgentCreated = "Agent created successfully!"
)

type createAgentResponse struct {
	Message  string      `json:"message"`
	Data     agent.Agent `json:"data"`
	Dispatch any         `json:"dispatch,omitempty"`
}

type listAgentsResponse struct {
	Data []agent.Summary `json:"data"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFromContext(r.Context())

	var req agent.CreateRequest
	if err := decodeJSON(w, r, maxAgentBody, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := s.agents.Create(r.Context(), caller.Address, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := createAgentResponse{Message: msgAgentCreated, Data: result.Agent}
	if result.Dispatch != nil {
		resp.Dispatch = result.Dispatch
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCharacter(w http.ResponseWriter, r *http.Request) {
	ch, err := s.agents.Character(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.agents.ListByOwner(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if agents == nil {
		agents = []agent.Summary{}
	}
	writeJSON(w, http.StatusOK, listAgentsResponse{Data: agents})
}

// handleSendMessage 接受 multipart/form 或 JSON 请求体，空消息直接返回空数组。
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFromContext(r.Context())
	agentID := chi.URLParam(r, "agentID")

	var msg agentruntime.Message
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Text     string `json:"text"`
			UserID   string `json:"userId"`
			RoomID   string `json:"roomId"`
			UserName string `json:"userName"`
			Name     string `json:"name"`
		}
		if err := decodeJSON(w, r, maxMessageBody, &body); err != nil {
			writeError(w, r, err)
			return
		}
		msg = agentruntime.Message(body)
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, maxMessageBody)
		if err := r.ParseMultipartForm(maxMessageBody); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			writeError(w, r, xerrors.Wrap(xerrors.CodeValidation, err, "Invalid message form"))
			return
		}
		msg = agentruntime.Message{
			Text:     r.FormValue("text"),
			UserID:   r.FormValue("userId"),
			RoomID:   r.FormValue("roomId"),
			UserName: r.FormValue("userName"),
			Name:     r.FormValue("name"),
		}
	}
	if msg.RoomID == "" {
		msg.RoomID = agentruntime.DefaultRoom(agentID)
	}

	reply, err := s.agents.SendMessage(r.Context(), caller.Address, agentID, msg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply)
}

func (s *Server) handleDeployToken(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFromContext(r.Context())

	var req token.Request
	if err := decodeJSON(w, r, maxDeployBody, &req); err != nil {
		// 请求体里几乎只有图片，超限按图片过大处理。
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = token.ImageTooLarge(err)
		}
		status, msg, fields := publicError(r, err)
		writeJSON(w, status, deployResponse{Success: false, Error: msg, Fields: fields})
		return
	}
	result, err := s.tokens.Deploy(r.Context(), caller.Address, req)
	if err != nil {
		status, msg, fields := publicError(r, err)
		resp := deployResponse{Success: false, Error: msg, Fields: fields}
		if xerrors.CodeOf(err) == xerrors.CodePartialFailure && result != nil {
			resp.PartialFailure = true
			resp.TokenAddress = result.TokenAddress
			resp.TransactionLink = result.TransactionLink
			resp.ExplorerLink = result.ExplorerLink
		}
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, deployResponse{
		Success:         true,
		TokenAddress:    result.TokenAddress,
		TransactionLink: result.TransactionLink,
		ExplorerLink:    result.ExplorerLink,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return xerrors.Wrap(xerrors.CodeValidation, err, "Request body too large")
		}
		return xerrors.Wrap(xerrors.CodeValidation, err, "Invalid request body")
	}
	return nil
}
