package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"capsule_farmer/internal/config"
	"capsule_farmer/internal/engine"
	"capsule_farmer/internal/logbus"
	"capsule_farmer/internal/model"
	"capsule_farmer/internal/notify"
	"capsule_farmer/internal/stats"
	"capsule_farmer/internal/store/sqlite"
	"capsule_farmer/internal/ws"
)

const maskedAuthCode = "******"

// Supervision is the read-only view of the supervisor the API exposes.
type Supervision interface {
	Running() []string
	Restarts() []engine.RestartState
}

type Options struct {
	Cfg        config.Config
	Bus        *logbus.Bus
	Store      *sqlite.Store
	Registry   *stats.Registry
	Supervisor Supervision
}

type Server struct {
	cfg        config.Config
	bus        *logbus.Bus
	store      *sqlite.Store
	registry   *stats.Registry
	supervisor Supervision
	ws         *ws.Handler

	sendTestEmail func(ctx context.Context, settings model.EmailSettings, events []notify.DropEvent) error
}

func New(opts Options) *Server {
	return &Server{
		cfg:           opts.Cfg,
		bus:           opts.Bus,
		store:         opts.Store,
		registry:      opts.Registry,
		supervisor:    opts.Supervisor,
		ws:            ws.NewHandler(opts.Bus, opts.Cfg.Server.Cors.AllowOrigins),
		sendTestEmail: notify.SendDropSummaryEmail,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/ws", s.ws)

	for _, rt := range s.routes() {
		mux.Handle(rt.path, withCORS(s.cfg.Server.Cors, rt.methods, rt.handler))
	}
	return mux
}

type route struct {
	path    string
	methods []string
	handler http.HandlerFunc
}

func (s *Server) routes() []route {
	get, post := http.MethodGet, http.MethodPost
	return []route{
		{"/api/v1/accounts", []string{get}, s.handleAccounts},
		{"/api/v1/accounts/toggle", []string{post}, s.handleAccountToggle},
		{"/api/v1/restarts", []string{get}, s.handleRestarts},
		{"/api/v1/drops", []string{get}, s.handleDrops},
		{"/api/v1/settings/email", []string{get, post}, s.handleEmailSettings},
		{"/api/v1/settings/email/test", []string{post}, s.handleEmailTest},
	}
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	if s.bus != nil {
		s.bus.Log("info", "http api listening", map[string]any{"addr": s.cfg.Server.Addr})
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type accountView struct {
	model.AccountStatus
	Running bool `json:"running"`
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	running := map[string]bool{}
	if s.supervisor != nil {
		for _, id := range s.supervisor.Running() {
			running[id] = true
		}
	}
	snap := s.registry.Snapshot()
	out := make([]accountView, 0, len(snap))
	for _, st := range snap {
		out = append(out, accountView{AccountStatus: st, Running: running[st.Account]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (s *Server) handleAccountToggle(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "id is required"})
		return
	}
	active, err := s.registry.ToggleActive(id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, stats.ErrUnknownAccount) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	if s.bus != nil {
		s.bus.Log("info", "account toggled", map[string]any{"account": id, "active": active})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"account": id, "active": active}})
}

func (s *Server) handleRestarts(w http.ResponseWriter, r *http.Request) {
	states := []engine.RestartState{}
	if s.supervisor != nil {
		states = append(states, s.supervisor.Restarts()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": states})
}

func (s *Server) handleDrops(w http.ResponseWriter, r *http.Request) {
	limit, err := parseInt(r.URL.Query().Get("limit"), 50)
	if err != nil || limit <= 0 || limit > 500 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "limit must be between 1 and 500"})
		return
	}
	drops, err := s.store.RecentDrops(r.Context(), strings.TrimSpace(r.URL.Query().Get("account")), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if drops == nil {
		drops = []model.Drop{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": drops})
}

type emailSettingsPayload struct {
	Enabled  *bool   `json:"enabled,omitempty"`
	Email    *string `json:"email,omitempty"`
	AuthCode *string `json:"authCode,omitempty"`
}

func maskEmailSettings(v model.EmailSettings) model.EmailSettings {
	if v.AuthCode != "" {
		v.AuthCode = maskedAuthCode
	}
	return v
}

func (s *Server) handleEmailSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		val, _, err := s.store.GetEmailSettings(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": maskEmailSettings(val)})
	case http.MethodPost:
		var body emailSettingsPayload
		if err := readJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}

		current, _, err := s.store.GetEmailSettings(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}

		next := current
		if body.Enabled != nil {
			next.Enabled = *body.Enabled
		}
		if body.Email != nil {
			next.Email = strings.TrimSpace(*body.Email)
		}
		if body.AuthCode != nil {
			// the masked placeholder echoed back by clients keeps the stored code
			if ac := strings.TrimSpace(*body.AuthCode); ac != maskedAuthCode {
				next.AuthCode = ac
			}
		}

		saved, err := s.store.UpsertEmailSettings(r.Context(), next)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": maskEmailSettings(saved)})
	}
}

type emailTestPayload struct {
	Email    string `json:"email,omitempty"`
	AuthCode string `json:"authCode,omitempty"`
}

func (s *Server) handleEmailTest(w http.ResponseWriter, r *http.Request) {
	var body emailTestPayload
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	val, _, err := s.store.GetEmailSettings(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if strings.TrimSpace(body.Email) != "" {
		val.Email = strings.TrimSpace(body.Email)
	}
	if strings.TrimSpace(body.AuthCode) != "" {
		val.AuthCode = strings.TrimSpace(body.AuthCode)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	if err := s.sendTestEmail(ctx, val, []notify.DropEvent{{
		At:      time.Now().UnixMilli(),
		Account: "test",
		League:  "Test League",
		Reward:  "Test capsule",
		DropID:  "TEST-" + strconv.FormatInt(time.Now().Unix(), 10),
	}}); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func parseInt(v string, def int) (int, error) {
	if strings.TrimSpace(v) == "" {
		return def, nil
	}
	return strconv.Atoi(strings.TrimSpace(v))
}
