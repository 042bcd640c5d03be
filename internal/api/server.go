package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spendguard/internal/config"
	"spendguard/internal/guard"
	"spendguard/internal/intent"
	"spendguard/internal/kernel"
	"spendguard/internal/service"
	"spendguard/internal/version"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	maxBodyBytes        = 1 << 20
)

// Server exposes the payment service over HTTP.
type Server struct {
	cfg    config.APIConfig
	svc    *service.Service
	router *mux.Router
	logger zerolog.Logger
}

// New builds the router.
func New(cfg config.APIConfig, svc *service.Service, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		router: mux.NewRouter(),
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.logRequests)
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/version", s.version).Methods(http.MethodGet)

	v1.HandleFunc("/payments", s.pay).Methods(http.MethodPost)
	v1.HandleFunc("/payments/simulate", s.simulate).Methods(http.MethodPost)

	v1.HandleFunc("/intents", s.createIntent).Methods(http.MethodPost)
	v1.HandleFunc("/intents/{id}", s.getIntent).Methods(http.MethodGet)
	v1.HandleFunc("/intents/{id}/confirm", s.confirmIntent).Methods(http.MethodPost)
	v1.HandleFunc("/intents/{id}/cancel", s.cancelIntent).Methods(http.MethodPost)

	v1.HandleFunc("/scopes/{scope}/guards", s.listGuards).Methods(http.MethodGet)
	v1.HandleFunc("/scopes/{scope}/guards", s.attachGuard).Methods(http.MethodPost)
	v1.HandleFunc("/scopes/{scope}/guards", s.applyGuards).Methods(http.MethodPut)
	v1.HandleFunc("/scopes/{scope}/guards/{name}", s.removeGuard).Methods(http.MethodDelete)
	v1.HandleFunc("/scopes/{scope}/history", s.history).Methods(http.MethodGet)
	v1.HandleFunc("/scopes/{scope}/spent", s.spent).Methods(http.MethodGet)

	v1.HandleFunc("/wallets/{wallet}/group", s.getGroup).Methods(http.MethodGet)
	v1.HandleFunc("/wallets/{wallet}/group", s.setGroup).Methods(http.MethodPut)
	v1.HandleFunc("/wallets/{wallet}/group", s.clearGroup).Methods(http.MethodDelete)
	v1.HandleFunc("/wallets/{wallet}/approvals", s.approve).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusNotFound, CodeNotFound, "route not found", nil)
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("http api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http api: %w", err)
	}
	s.logger.Info().Msg("http api stopped")
	return ctx.Err()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(started)).
			Msg("request served")
	})
}

func (s *Server) fail(w http.ResponseWriter, err error, details any) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error().Err(err).Msg("request failed")
	}
	WriteError(w, status, code, err.Error(), details)
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "decode body: "+err.Error(), nil)
		return false
	}
	return true
}

func pathScope(w http.ResponseWriter, r *http.Request) (kernel.Scope, bool) {
	scope, err := kernel.ParseScope(mux.Vars(r)["scope"])
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), nil)
		return kernel.Scope{}, false
	}
	return scope, true
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) version(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.Commit,
		"build_date": version.BuildDate,
	})
}

func (s *Server) pay(w http.ResponseWriter, r *http.Request) {
	var req service.PayRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.svc.Pay(r.Context(), req)
	if err != nil {
		s.fail(w, err, res)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) simulate(w http.ResponseWriter, r *http.Request) {
	var req service.PayRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.svc.Simulate(r.Context(), req)
	if err != nil {
		s.fail(w, err, nil)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

type createIntentRequest struct {
	ID        string            `json:"id,omitempty"`
	WalletID  string            `json:"wallet_id"`
	Recipient string            `json:"recipient"`
	Amount    decimal.Decimal   `json:"amount"`
	Purpose   string            `json:"purpose,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	TTL       string            `json:"ttl,omitempty"`
}

func (s *Server) createIntent(w http.ResponseWriter, r *http.Request) {
	var body createIntentRequest
	if !decode(w, r, &body) {
		return
	}
	var ttl time.Duration
	if body.TTL != "" {
		parsed, err := time.ParseDuration(body.TTL)
		if err != nil {
			WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "ttl: "+err.Error(), nil)
			return
		}
		ttl = parsed
	}
	in, err := s.svc.CreateIntent(r.Context(), intent.CreateRequest{
		ID:        body.ID,
		WalletID:  body.WalletID,
		Recipient: body.Recipient,
		Amount:    body.Amount,
		Purpose:   body.Purpose,
		Metadata:  body.Metadata,
		TTL:       ttl,
	})
	if err != nil {
		s.fail(w, err, nil)
		return
	}
	WriteJSON(w, http.StatusCreated, in)
}

func (s *Server) intents(w http.ResponseWriter) (*intent.Manager, bool) {
	m := s.svc.Intents()
	if m == nil {
		WriteError(w, http.StatusNotFound, CodeNotFound, "intents are not enabled", nil)
		return nil, false
	}
	return m, true
}

func (s *Server) getIntent(w http.ResponseWriter, r *http.Request) {
	m, ok := s.intents(w)
	if !ok {
		return
	}
	in, err := m.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err, nil)
		return
	}
	WriteJSON(w, http.StatusOK, in)
}

func (s *Server) confirmIntent(w http.ResponseWriter, r *http.Request) {
	m, ok := s.intents(w)
	if !ok {
		return
	}
	in, err := m.Confirm(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		var details any
		if in.ID != "" {
			details = in
		}
		s.fail(w, err, details)
		return
	}
	WriteJSON(w, http.StatusOK, in)
}

func (s *Server) cancelIntent(w http.ResponseWriter, r *http.Request) {
	m, ok := s.intents(w)
	if !ok {
		return
	}
	in, err := m.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err, nil)
		return
	}
	WriteJSON(w, http.StatusOK, in)
}

func (s *Server) listGuards(w http.ResponseWriter, r *http.Request) {
	scope, ok := pathScope(w, r)
	if !ok {
		return
	}
	set, err := s.svc.Kernel().ListGuards(r.Context(), scope)
	if err != nil {
		s.fail(w, err, nil)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"scope": scope.String(), "guards": set})
}

func (s *Server) attachGuard(w http.ResponseWriter, r *http.Request) {
	scope, ok := pathScope(w, r)
	if !ok {
		return
	}
	var def guard.Definition
	if !decode(w, r, &def) {
		return
	}
	cfg, err := def.Build()
	if err != nil {
		s.fail(w, err, nil)
		return
	}
	cfg, err = s.svc.Kernel().AttachGuard(r.Context(), scope, cfg)
	if err != nil {
		s.fail(w, err, nil)
		return
	}
	WriteJSON(w, http.StatusCreated, cfg)
}

func (s *Server) applyGuards(w http.ResponseWriter, r *http.Request) {
	scope, ok := pathScope(w, r)
	if !ok {
		return
	}
	var body struct {
		Guards []guard.Definition `json:"guards"`
	}
	if !decode(w, r, &body) {
		return
	}
	set := make([]guard.Config, 0, len(body.Guards))
	for i, def := range body.Guards {
		cfg, err := def.Build()
		if err != nil {
			s.fail(w, fmt.Errorf("guard #%d: %w", i+1, err), nil)
			return
		}
		set = append(set, cfg)
	}
	applied, err := s.svc.Kernel().ApplyGuards(r.Context(), scope, set)
	if err != nil {
		s.fail(w, err, nil)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"scope": scope.String(), "guards": applied})
}

func (s *Server) removeGuard(w http.ResponseWriter, r *http.Request) {
	scope, ok := pathScope(w, r)
	if !ok {
		return
	}
	if err := s.svc.Kernel().RemoveGuard(r.Context(), scope, mux.Vars(r)["name"]); err != nil {
		s.fail(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	scope, ok := pathScope(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil || limit <= 0 || limit > maxHistoryLimit {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit), nil)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "offset must be a non-negative integer", nil)
		return
	}
	entries, err := s.svc.Kernel().Ledger().History(r.Context(), scope.String(), limit, offset)
	if err != nil {
		s.fail(w, err, nil)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"scope": scope.String(), "entries": entries})
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func (s *Server) spent(w http.ResponseWriter, r *http.Request) {
	scope, ok := pathScope(w, r)
	if !ok {
		return
	}
	total, err := s.svc.Kernel().Ledger().TotalSpent(r.Context(), scope.String())
	if err != nil {
		s.fail(w, err, nil)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"scope": scope.String(), "total_spent": total, "currency": guard.Currency})
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	wallet := mux.Vars(r)["wallet"]
	group, err := s.svc.Kernel().WalletGroup(r.Context(), wallet)
	if err != nil {
		s.fail(w, err, nil)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"wallet_id": wallet, "group_id": group})
}

func (s *Server) setGroup(w http.ResponseWriter, r *http.Request) {
	wallet := mux.Vars(r)["wallet"]
	var body struct {
		GroupID string `json:"group_id"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.svc.Kernel().SetWalletGroup(r.Context(), wallet, body.GroupID); err != nil {
		s.fail(w, err, nil)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"wallet_id": wallet, "group_id": body.GroupID})
}

func (s *Server) clearGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Kernel().ClearWalletGroup(r.Context(), mux.Vars(r)["wallet"]); err != nil {
		s.fail(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	wallet := mux.Vars(r)["wallet"]
	var body struct {
		AttemptID string `json:"attempt_id"`
		TTL       string `json:"ttl,omitempty"`
	}
	if !decode(w, r, &body) {
		return
	}
	var ttl time.Duration
	if body.TTL != "" {
		parsed, err := time.ParseDuration(body.TTL)
		if err != nil {
			WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "ttl: "+err.Error(), nil)
			return
		}
		ttl = parsed
	}
	if err := s.svc.Kernel().Approve(r.Context(), wallet, body.AttemptID, ttl); err != nil {
		s.fail(w, err, nil)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]string{"wallet_id": wallet, "attempt_id": body.AttemptID})
}
