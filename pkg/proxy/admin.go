package proxy

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/gembridge/gembridge/pkg/config"
	"github.com/gembridge/gembridge/pkg/curlparse"
	"github.com/gembridge/gembridge/pkg/logstore"
	"github.com/gembridge/gembridge/pkg/logutil"
	"github.com/gembridge/gembridge/pkg/session"
	"github.com/gembridge/gembridge/pkg/version"
)

// AdminHandler serves the management API: session status, cookie import,
// config edits, conversation and log inspection, and a websocket that
// streams logs and status to a dashboard.
type AdminHandler struct {
	server   *Server
	upgrader websocket.Upgrader
}

func NewAdminHandler(s *Server) *AdminHandler {
	return &AdminHandler{
		server: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Admin API binds to localhost; cross-origin dashboards are
			// explicitly allowed.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (a *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/admin", func(admin chi.Router) {
		admin.Get("/status", a.handleStatus)
		admin.Get("/stats", a.handleStats)
		admin.Get("/config", a.handleGetConfig)
		admin.Put("/config", a.handlePutConfig)
		admin.Post("/cookies", a.handleSetCookies)
		admin.Delete("/cookies", a.handleClearCookies)
		admin.Post("/cookies/import", a.handleImportCookies)
		admin.Post("/reinitialize", a.handleReinitialize)
		admin.Post("/rotate", a.handleRotate)
		admin.Put("/model", a.handleSetModel)
		admin.Put("/proxy", a.handleSetProxy)
		admin.Get("/conversations", a.handleListConversations)
		admin.Delete("/conversations/{id}", a.handleDeleteConversation)
		admin.Get("/logs", a.handleListLogs)
		admin.Delete("/logs", a.handleClearLogs)
		admin.Get("/ws", a.handleWebsocket)
	})
}

func maskSecret(v string) string {
	if len(v) <= 8 {
		if v == "" {
			return ""
		}
		return "****"
	}
	return v[:8] + "****"
}

func (a *AdminHandler) statusPayload() map[string]any {
	s := a.server
	st, lastErr := s.sessions.Status()
	cfg := s.store.Snapshot()
	return map[string]any{
		"version":        version.String(),
		"session_status": string(st),
		"session_error":  lastErr,
		"status_since":   s.sessions.StatusSince().UTC().Format(time.RFC3339),
		"enabled":        cfg.Enabled,
		"default_model":  cfg.DefaultModel,
		"has_cookies":    cfg.Cookies.Secure1PSID != "" && cfg.Cookies.Secure1PSIDTS != "",
		"conversations":  s.convs.Len(),
		"stats":          s.stats.Snapshot(),
	}
}

func (a *AdminHandler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.statusPayload())
}

func (a *AdminHandler) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.server.stats.Snapshot())
}

func (a *AdminHandler) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := a.server.store.Snapshot()
	cfg.Cookies.Secure1PSID = maskSecret(cfg.Cookies.Secure1PSID)
	cfg.Cookies.Secure1PSIDTS = maskSecret(cfg.Cookies.Secure1PSIDTS)
	writeJSON(w, http.StatusOK, cfg)
}

type configPatch struct {
	Enabled      *bool   `json:"enabled,omitempty"`
	DefaultModel *string `json:"default_model,omitempty"`
	LogLevel     *string `json:"log_level,omitempty"`
	HTTPProxy    *string `json:"http_proxy,omitempty"`
}

func (a *AdminHandler) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var patch configPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, session.CodeTranslation, "invalid request body: "+err.Error())
		return
	}
	err := a.server.store.Update(func(cfg *config.Config) error {
		if patch.Enabled != nil {
			cfg.Enabled = *patch.Enabled
		}
		if patch.DefaultModel != nil {
			cfg.DefaultModel = *patch.DefaultModel
		}
		if patch.LogLevel != nil {
			cfg.Logs.Level = *patch.LogLevel
		}
		if patch.HTTPProxy != nil {
			cfg.Proxy.HTTPProxy = *patch.HTTPProxy
		}
		return nil
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, session.CodeTranslation, err.Error())
		return
	}
	if patch.LogLevel != nil {
		if err := logutil.Configure(*patch.LogLevel); err != nil {
			a.server.logger.Warn("applying log level failed", "err", err)
		}
	}
	a.handleGetConfig(w, r)
}

type cookiesPayload struct {
	Secure1PSID   string `json:"secure_1psid"`
	Secure1PSIDTS string `json:"secure_1psidts"`
}

func (a *AdminHandler) handleSetCookies(w http.ResponseWriter, r *http.Request) {
	var body cookiesPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, session.CodeTranslation, "invalid request body: "+err.Error())
		return
	}
	a.applyCookies(w, r, config.Credentials{
		Secure1PSID:   body.Secure1PSID,
		Secure1PSIDTS: body.Secure1PSIDTS,
	})
}

func (a *AdminHandler) handleImportCookies(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Curl string `json:"curl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, session.CodeTranslation, "invalid request body: "+err.Error())
		return
	}
	cookies, err := curlparse.Parse(body.Curl)
	if err != nil {
		writeError(w, http.StatusBadRequest, session.CodeTranslation, err.Error())
		return
	}
	a.applyCookies(w, r, config.Credentials{
		Secure1PSID:   cookies.Secure1PSID,
		Secure1PSIDTS: cookies.Secure1PSIDTS,
	})
}

// applyCookies persists credentials atomically, then reconnects. The
// response reports the post-reconnect session status so the dashboard can
// tell working cookies from rejected ones in one round trip.
func (a *AdminHandler) applyCookies(w http.ResponseWriter, r *http.Request, creds config.Credentials) {
	if err := a.server.store.SetCredentials(creds); err != nil {
		writeError(w, http.StatusBadRequest, session.CodeTranslation, err.Error())
		return
	}
	if err := a.server.sessions.Reinitialize(r.Context()); err != nil {
		a.server.logger.Warn("reconnect after cookie update failed", "err", err)
	}
	writeJSON(w, http.StatusOK, a.statusPayload())
}

func (a *AdminHandler) handleClearCookies(w http.ResponseWriter, r *http.Request) {
	if err := a.server.store.ClearCredentials(); err != nil {
		writeError(w, http.StatusInternalServerError, session.CodeTranslation, err.Error())
		return
	}
	if err := a.server.sessions.Reinitialize(r.Context()); err != nil {
		a.server.logger.Debug("reinitialize after cookie clear", "err", err)
	}
	writeJSON(w, http.StatusOK, a.statusPayload())
}

func (a *AdminHandler) handleReinitialize(w http.ResponseWriter, r *http.Request) {
	if err := a.server.sessions.Reinitialize(r.Context()); err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.statusPayload())
}

func (a *AdminHandler) handleRotate(w http.ResponseWriter, r *http.Request) {
	if err := a.server.sessions.RotateNow(r.Context()); err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.statusPayload())
}

func (a *AdminHandler) handleSetModel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, session.CodeTranslation, "invalid request body: "+err.Error())
		return
	}
	resolved := a.server.translator.ResolveModel(body.Model)
	if err := a.server.store.SetDefaultModel(resolved); err != nil {
		writeError(w, http.StatusBadRequest, session.CodeTranslation, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"default_model": resolved})
}

func (a *AdminHandler) handleSetProxy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		HTTPProxy string `json:"http_proxy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, session.CodeTranslation, "invalid request body: "+err.Error())
		return
	}
	if err := a.server.store.SetProxy(body.HTTPProxy); err != nil {
		writeError(w, http.StatusBadRequest, session.CodeTranslation, err.Error())
		return
	}
	if err := a.server.sessions.Reinitialize(r.Context()); err != nil {
		a.server.logger.Warn("reconnect after proxy update failed", "err", err)
	}
	writeJSON(w, http.StatusOK, a.statusPayload())
}

func (a *AdminHandler) handleListConversations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"conversations": a.server.convs.List()})
}

func (a *AdminHandler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a.server.convs.Delete(id)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func (a *AdminHandler) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries := a.server.logs.List(logstore.ListFilter{
		Level: r.URL.Query().Get("level"),
		Query: r.URL.Query().Get("q"),
		Limit: limit,
	})
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

func (a *AdminHandler) handleClearLogs(w http.ResponseWriter, _ *http.Request) {
	a.server.logs.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

const (
	wsStatusInterval = 5 * time.Second
	wsWriteTimeout   = 10 * time.Second
)

// handleWebsocket streams log entries as they happen and a status snapshot
// every few seconds. The client side only reads; incoming messages are
// drained to detect disconnects.
func (a *AdminHandler) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logCh, cancel := a.server.logs.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(payload any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(payload)
	}
	if err := send(map[string]any{"type": "status", "status": a.statusPayload()}); err != nil {
		return
	}

	ticker := time.NewTicker(wsStatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case entry := <-logCh:
			if err := send(map[string]any{"type": "log", "entry": entry}); err != nil {
				return
			}
		case <-ticker.C:
			if err := send(map[string]any{"type": "status", "status": a.statusPayload()}); err != nil {
				return
			}
		}
	}
}
