package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/gembridge/gembridge/pkg/session"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

// statusForCode maps the error taxonomy onto HTTP statuses. Unknown codes
// are treated as upstream failures.
func statusForCode(code string) int {
	switch code {
	case session.CodeNoCookies, session.CodeDisabled:
		return http.StatusServiceUnavailable
	case session.CodeAuthExpired:
		return http.StatusUnauthorized
	case session.CodeTranslation:
		return http.StatusBadRequest
	case session.CodeAttachmentFetch:
		return http.StatusUnprocessableEntity
	case session.CodeNetworkError, session.CodeBackendProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

// writeCodedError renders any error through the taxonomy mapping.
func writeCodedError(w http.ResponseWriter, err error) {
	code := session.CodeOf(err)
	writeError(w, statusForCode(code), code, err.Error())
}
