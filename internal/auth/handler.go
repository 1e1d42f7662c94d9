package auth

import (
	"encoding/json"
	"net/http"
)

// Handler provides HTTP handlers for auth endpoints.
type Handler struct{}

// NewHandler creates a new auth handler.
func NewHandler() *Handler {
	return &Handler{}
}

// HandleWhoAmI handles GET /api/auth/whoami. It must be mounted behind
// JWTMiddleware and echoes the caller's token claims.
func (h *Handler) HandleWhoAmI(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "no claims in request")
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

// --- helpers ---

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}
