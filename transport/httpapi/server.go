package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	goStepAuth "github.com/MrEthical07/goStepAuth"
	"github.com/MrEthical07/goStepAuth/factor/totp"
	"github.com/MrEthical07/goStepAuth/metrics/export/prometheus"
	"github.com/MrEthical07/goStepAuth/middleware"
	"github.com/oklog/ulid/v2"
)

const maxBodyBytes = 8 << 10

// Options configures the handler.
type Options struct {
	Logger    *slog.Logger
	RateLimit RateLimitConfig
	// DisableMetrics hides GET /metrics.
	DisableMetrics bool
	// EnrollmentIssuer enables POST /v1/auth/second-factor/enrollment,
	// which hands out fresh TOTP secrets labelled with this issuer.
	EnrollmentIssuer string
	// TrustedProxies lists the peers (CIDRs or addresses) whose
	// X-Forwarded-For header is honoured. Empty means the client IP is
	// always the connection's remote address.
	TrustedProxies []string
}

// Server routes HTTP requests to an Engine.
type Server struct {
	engine   *goStepAuth.Engine
	logger   *slog.Logger
	validate *requestValidator
	limiter  *ipLimiter
	proxies  trustedProxies
	mux      *http.ServeMux
	issuer   string
}

// New builds the route table.
func New(engine *goStepAuth.Engine, opts Options) *Server {
	s := &Server{
		engine:   engine,
		logger:   opts.Logger,
		validate: newRequestValidator(),
		limiter:  newIPLimiter(opts.RateLimit),
		mux:      http.NewServeMux(),
		issuer:   opts.EnrollmentIssuer,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	proxies, err := parseTrustedProxies(opts.TrustedProxies)
	if err != nil {
		s.logger.Warn("ignoring trusted proxies", "err", err)
	} else {
		s.proxies = proxies
	}

	auth := s.limiter.middleware(s.proxies.clientIP)
	s.mux.Handle("POST /v1/auth/login", auth(http.HandlerFunc(s.handleLogin)))
	s.mux.Handle("POST /v1/auth/factor", auth(http.HandlerFunc(s.handleFactor)))
	s.mux.Handle("POST /v1/auth/second-factor", auth(http.HandlerFunc(s.handleSecondFactor)))
	s.mux.Handle("POST /v1/auth/reset", auth(http.HandlerFunc(s.handleReset)))
	if s.issuer != "" {
		s.mux.Handle("POST /v1/auth/second-factor/enrollment", auth(http.HandlerFunc(s.handleEnrollment)))
	}
	s.mux.HandleFunc("POST /v1/session/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /v1/session/logout", s.handleLogout)
	s.mux.Handle("GET /v1/session", middleware.RequireSession(engine)(http.HandlerFunc(s.handleSession)))
	if !opts.DisableMetrics {
		s.mux.Handle("GET /metrics", prometheus.New(engine).Handler())
	}
	return s
}

// ServeHTTP tags the request with a ULID request id and the client IP,
// then logs one line when the handler returns.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := r.Header.Get("X-Request-ID")
	if reqID == "" || len(reqID) > 64 {
		reqID = ulid.Make().String()
	}
	w.Header().Set("X-Request-ID", reqID)

	ctx := goStepAuth.WithRequestID(r.Context(), reqID)
	ctx = goStepAuth.WithClientIP(ctx, s.proxies.clientIP(r))

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(sw, r.WithContext(ctx))

	s.logger.LogAttrs(ctx, slog.LevelInfo, "http_request",
		slog.String("req_id", reqID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", sw.status),
		slog.Duration("duration", time.Since(start)),
	)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type loginRequest struct {
	Email        string `json:"email" validate:"required,email,max=254"`
	AccountClass string `json:"account_class" validate:"required,max=64"`
}

type factorRequest struct {
	Handle string `json:"handle" validate:"required,uuid"`
	Step   string `json:"step" validate:"required,oneof=EMAIL OTP SMS SECOND_FACTOR_SETUP"`
	Code   string `json:"code" validate:"required,max=320"`
}

type secondFactorRequest struct {
	Handle string `json:"handle" validate:"required,uuid"`
	Secret string `json:"secret" validate:"required,min=16,max=256"`
}

type enrollmentRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

type enrollmentBody struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauth_url"`
}

type resetRequest struct {
	Handle string `json:"handle" validate:"required,uuid"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.engine.Login(r.Context(), req.Email, req.AccountClass)
	s.writeResult(w, r, res, err)
}

func (s *Server) handleFactor(w http.ResponseWriter, r *http.Request) {
	var req factorRequest
	if !s.decode(w, r, &req) {
		return
	}
	step, _ := goStepAuth.ParseStepKind(req.Step)
	res, err := s.engine.SubmitFactor(r.Context(), req.Handle, step, req.Code)
	s.writeResult(w, r, res, err)
}

func (s *Server) handleSecondFactor(w http.ResponseWriter, r *http.Request) {
	var req secondFactorRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.engine.CompleteSecondFactorSetup(r.Context(), req.Handle, []byte(req.Secret))
	s.writeResult(w, r, res, err)
}

func (s *Server) handleEnrollment(w http.ResponseWriter, r *http.Request) {
	var req enrollmentRequest
	if !s.decode(w, r, &req) {
		return
	}
	enr, err := totp.NewEnrollment(s.issuer, req.Email)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "totp enrollment failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", nil)
		return
	}
	writeJSON(w, http.StatusOK, enrollmentBody{Secret: string(enr.Secret), URL: enr.URL})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.engine.Reset(r.Context(), req.Handle)
	s.writeResult(w, r, res, err)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token, ok := bearer(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token", nil)
		return
	}
	tok, err := s.engine.RefreshSession(r.Context(), token)
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenBody(tok))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := bearer(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token", nil)
		return
	}
	if err := s.engine.InvalidateSession(r.Context(), token); err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, goStepAuth.ReasonSessionExpired.String(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token_id":      p.TokenID,
		"email":         p.Identity.SubjectKey,
		"account_class": p.Identity.AccountClass,
		"account_id":    p.AccountID,
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", nil)
		return false
	}
	if fields := s.validate.check(dst); fields != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_request", fields)
		return false
	}
	return true
}

func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, res *goStepAuth.Result, err error) {
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if res.Status == goStepAuth.StatusBlocked && !res.UnlockAt.IsZero() {
		w.Header().Set("Retry-After", retryAfter(res.UnlockAt))
	}
	writeJSON(w, statusFor(res), newResultBody(res))
}

func (s *Server) writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, goStepAuth.ErrSessionExpired) {
		writeError(w, http.StatusUnauthorized, goStepAuth.ReasonSessionExpired.String(), nil)
		return
	}
	s.writeEngineError(w, r, err)
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	code := "internal_error"
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, goStepAuth.ErrStorageUnavailable):
		code, status = "storage_unavailable", http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code, status = "timeout", http.StatusServiceUnavailable
	}
	s.logger.ErrorContext(r.Context(), "auth request failed", "path", r.URL.Path, "err", err)
	writeError(w, status, code, nil)
}

func bearer(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) || len(h) == len(prefix) {
		return "", false
	}
	return h[len(prefix):], true
}

func retryAfter(unlockAt time.Time) string {
	secs := int(time.Until(unlockAt).Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
