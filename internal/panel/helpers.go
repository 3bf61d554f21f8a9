package panel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAgentError maps an error onto an HTTP status via its code.
func writeAgentError(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err.Error())
}

func statusForError(err error) int {
	var agentErr *schema.AgentError
	if !errors.As(err, &agentErr) {
		return http.StatusInternalServerError
	}
	switch agentErr.Code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeRateLimited, schema.ErrCodeDailyLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// actorNote decodes the {actor, note} body shared by the override
// endpoints. An empty body is allowed; the actor then defaults to
// "panel".
func actorNote(r *http.Request) (actor, note string) {
	var body struct {
		Actor string `json:"actor"`
		Note  string `json:"note"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Actor == "" {
		body.Actor = "panel"
	}
	return body.Actor, body.Note
}
