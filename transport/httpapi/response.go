package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	goStepAuth "github.com/MrEthical07/goStepAuth"
)

type tokenBody struct {
	Token                string     `json:"token"`
	TokenID              string     `json:"token_id"`
	ExpiresAt            time.Time  `json:"expires_at"`
	AccessToken          string     `json:"access_token,omitempty"`
	AccessTokenExpiresAt *time.Time `json:"access_token_expires_at,omitempty"`
}

type resultBody struct {
	Status            string     `json:"status"`
	Reason            string     `json:"reason,omitempty"`
	Handle            string     `json:"handle,omitempty"`
	Step              string     `json:"step,omitempty"`
	AttemptsRemaining *uint32    `json:"attempts_remaining,omitempty"`
	FirstTimeUser     bool       `json:"first_time_user,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	UnlockAt          *time.Time `json:"unlock_at,omitempty"`
	Session           *tokenBody `json:"session,omitempty"`
}

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, fields map[string]string) {
	writeJSON(w, status, errorBody{Error: code, Fields: fields})
}

// statusFor maps an orchestrator result to an HTTP status.
func statusFor(res *goStepAuth.Result) int {
	switch res.Status {
	case goStepAuth.StatusInProgress, goStepAuth.StatusCompleted:
		return http.StatusOK
	case goStepAuth.StatusBlocked:
		return http.StatusLocked
	case goStepAuth.StatusUnavailable:
		return http.StatusServiceUnavailable
	}
	if res.Reason == goStepAuth.ReasonStepMismatch {
		return http.StatusConflict
	}
	return http.StatusUnauthorized
}

func newResultBody(res *goStepAuth.Result) resultBody {
	body := resultBody{
		Status: res.Status.String(),
		Reason: res.Reason.String(),
		Handle: res.Handle,
	}
	if res.View != nil && res.Status == goStepAuth.StatusInProgress {
		remaining := res.View.AttemptsRemaining
		expires := res.View.ExpiresAt.UTC()
		body.Step = res.View.Step.String()
		body.AttemptsRemaining = &remaining
		body.FirstTimeUser = res.View.IsFirstTimeUser
		body.ExpiresAt = &expires
	}
	if !res.UnlockAt.IsZero() {
		u := res.UnlockAt.UTC()
		body.UnlockAt = &u
	}
	if res.Token != nil {
		body.Session = newTokenBody(res.Token)
	}
	return body
}

func newTokenBody(t *goStepAuth.SessionToken) *tokenBody {
	out := &tokenBody{
		Token:       t.Opaque,
		TokenID:     t.TokenID,
		ExpiresAt:   t.ExpiresAt.UTC(),
		AccessToken: t.AccessToken,
	}
	if !t.AccessTokenExpiresAt.IsZero() {
		exp := t.AccessTokenExpiresAt.UTC()
		out.AccessTokenExpiresAt = &exp
	}
	return out
}
