package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	xerrors "AgentForge/internal/errors"
	"AgentForge/pkg/logger"
)

type errorResponse struct {
	Error  string               `json:"error"`
	Fields []xerrors.FieldError `json:"fields,omitempty"`
}

type deployResponse struct {
	Success         bool                 `json:"success"`
	TokenAddress    string               `json:"tokenAddress,omitempty"`
	TransactionLink string               `json:"transactionLink,omitempty"`
	ExplorerLink    string               `json:"explorerLink,omitempty"`
	Error           string               `json:"error,omitempty"`
	Fields          []xerrors.FieldError `json:"fields,omitempty"`
	PartialFailure  bool                 `json:"partialFailure,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L().Debug("write response failed", slog.Any("error", err))
	}
}

// publicError 返回可以展示给调用方的错误信息与字段详情；5xx 的内部原因只写日志。
func publicError(r *http.Request, err error) (int, string, []xerrors.FieldError) {
	status := xerrors.HTTPStatus(err)
	var fields []xerrors.FieldError
	if e, ok := xerrors.From(err); ok {
		fields = e.Fields()
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
	}
	return status, xerrors.PublicMessage(err), fields
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg, fields := publicError(r, err)
	writeJSON(w, status, errorResponse{Error: msg, Fields: fields})
}

func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg, _ := publicError(r, err)
	if r.URL.Path == "/api/tokens" {
		writeJSON(w, status, deployResponse{Success: false, Error: msg})
		return
	}
	writeJSON(w, status, errorResponse{Error: msg})
}
