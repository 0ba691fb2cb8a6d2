package session

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/gembridge/gembridge/pkg/config"
	"github.com/gembridge/gembridge/pkg/gemini"
)

// Status is the lifecycle state of the backend session.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusNoCookies    Status = "no_cookies"
	StatusAuthExpired  Status = "auth_expired"
	StatusNetworkError Status = "network_error"
	StatusDisabled     Status = "disabled"
)

// Backend is the slice of the Gemini client the manager drives. Tests swap
// in a fake through Options.Factory.
type Backend interface {
	Init(ctx context.Context) error
	Generate(ctx context.Context, req gemini.GenerateRequest) (*gemini.ModelOutput, error)
	RotateCookies(ctx context.Context) (string, error)
	RotatingToken() string
	UploadFile(ctx context.Context, name string, data []byte) (gemini.FileRef, error)
}

type Options struct {
	Factory          func(gemini.Options) (Backend, error)
	ProbeTimeout     time.Duration
	GenerateTimeout  time.Duration
	RotationInterval time.Duration
	RetryBackoff     time.Duration
}

// Manager owns the authenticated backend session: it builds the client from
// stored credentials, tracks connection status, serializes reinitialization
// through singleflight, retries transient failures, and persists the
// rotating cookie whenever the backend reissues it.
type Manager struct {
	store  *config.Store
	logger *log.Logger
	opts   Options

	sf singleflight.Group

	mu      sync.RWMutex
	status  Status
	lastErr string
	since   time.Time
	client  Backend
}

func NewManager(store *config.Store, logger *log.Logger, opts Options) *Manager {
	if opts.Factory == nil {
		opts.Factory = func(o gemini.Options) (Backend, error) { return gemini.NewClient(o) }
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.GenerateTimeout <= 0 {
		opts.GenerateTimeout = 2 * time.Minute
	}
	if opts.RotationInterval <= 0 {
		opts.RotationInterval = 10 * time.Minute
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	return &Manager{
		store:  store,
		logger: logger,
		opts:   opts,
		status: StatusDisconnected,
		since:  time.Now(),
	}
}

// Status returns the current state and the last error message, if any.
func (m *Manager) Status() (Status, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.lastErr
}

// StatusSince reports when the current status was entered.
func (m *Manager) StatusSince() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

func (m *Manager) setStatus(s Status, errMsg string) {
	m.mu.Lock()
	if m.status != s || m.lastErr != errMsg {
		m.since = time.Now()
	}
	m.status = s
	m.lastErr = errMsg
	m.mu.Unlock()
}

// Initialize builds and probes a backend client from the stored cookies.
// Concurrent callers share one probe: only the first does network work, the
// rest wait for its verdict.
func (m *Manager) Initialize(ctx context.Context) error {
	_, err, _ := m.sf.Do("init", func() (any, error) {
		return nil, m.initialize(ctx)
	})
	return err
}

// Reinitialize drops the current client and probes again. Used after cookie
// updates and by the admin reconnect endpoint.
func (m *Manager) Reinitialize(ctx context.Context) error {
	m.mu.Lock()
	m.client = nil
	m.mu.Unlock()
	return m.Initialize(ctx)
}

func (m *Manager) initialize(ctx context.Context) error {
	cfg := m.store.Snapshot()
	if !cfg.Enabled {
		m.setStatus(StatusDisabled, "")
		return NewError(CodeDisabled, "bridge is disabled in config", nil)
	}
	creds, ok := m.store.Credentials()
	if !ok {
		m.setStatus(StatusNoCookies, "")
		return NewError(CodeNoCookies, "no session cookies configured", nil)
	}

	m.setStatus(StatusConnecting, "")
	client, err := m.opts.Factory(gemini.Options{
		Secure1PSID:   creds.Secure1PSID,
		Secure1PSIDTS: creds.Secure1PSIDTS,
		ProxyURL:      cfg.Proxy.HTTPProxy,
	})
	if err != nil {
		m.setStatus(StatusNetworkError, err.Error())
		return NewError(CodeNetworkError, "building backend client failed", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	if err := client.Init(probeCtx); err != nil {
		if gemini.IsAuthError(err) {
			m.setStatus(StatusAuthExpired, err.Error())
			return NewError(CodeAuthExpired, "backend rejected session cookies", err)
		}
		m.setStatus(StatusNetworkError, err.Error())
		return NewError(CodeNetworkError, "backend unreachable", err)
	}

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	m.setStatus(StatusConnected, "")
	m.persistRotatedToken(client)
	m.logger.Info("backend session established")
	return nil
}

func (m *Manager) currentClient() Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// ready returns a connected client, initializing on demand.
func (m *Manager) ready(ctx context.Context) (Backend, error) {
	if c := m.currentClient(); c != nil {
		return c, nil
	}
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	c := m.currentClient()
	if c == nil {
		return nil, NewError(CodeNetworkError, "session not available", nil)
	}
	return c, nil
}

// Generate runs one turn against the backend. Transient network failures
// get up to two retries with backoff; auth and protocol failures fail fast
// and update the session status.
func (m *Manager) Generate(ctx context.Context, req gemini.GenerateRequest) (*gemini.ModelOutput, error) {
	if !m.store.Snapshot().Enabled {
		m.setStatus(StatusDisabled, "")
		return nil, NewError(CodeDisabled, "bridge is disabled in config", nil)
	}
	client, err := m.ready(ctx)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, NewError(CodeNetworkError, "request cancelled", ctx.Err())
			case <-time.After(time.Duration(1<<(attempt-1)) * m.opts.RetryBackoff):
			}
			m.logger.Warn("retrying backend call", "attempt", attempt, "err", lastErr)
		}
		callCtx, cancel := context.WithTimeout(ctx, m.opts.GenerateTimeout)
		out, err := client.Generate(callCtx, req)
		cancel()
		if err == nil {
			// A completed call proves the session is live, so a stale
			// failure status clears here without waiting for a reprobe.
			m.setStatus(StatusConnected, "")
			m.persistRotatedToken(client)
			return out, nil
		}
		lastErr = err
		switch {
		case gemini.IsAuthError(err):
			m.setStatus(StatusAuthExpired, err.Error())
			return nil, NewError(CodeAuthExpired, "backend rejected session cookies", err)
		case gemini.IsProtocolError(err):
			return nil, NewError(CodeBackendProtocol, "backend response not understood", err)
		case gemini.IsTransient(err) && ctx.Err() == nil:
			continue
		default:
			m.setStatus(StatusNetworkError, err.Error())
			return nil, NewError(CodeNetworkError, "backend call failed", err)
		}
	}
	m.setStatus(StatusNetworkError, lastErr.Error())
	return nil, NewError(CodeNetworkError, "backend call failed after retries", lastErr)
}

// UploadFile pushes attachment bytes to the backend file service.
func (m *Manager) UploadFile(ctx context.Context, name string, data []byte) (gemini.FileRef, error) {
	client, err := m.ready(ctx)
	if err != nil {
		return gemini.FileRef{}, err
	}
	ref, err := client.UploadFile(ctx, name, data)
	if err != nil {
		if gemini.IsAuthError(err) {
			m.setStatus(StatusAuthExpired, err.Error())
			return gemini.FileRef{}, NewError(CodeAuthExpired, "backend rejected session cookies", err)
		}
		return gemini.FileRef{}, NewError(CodeNetworkError, "attachment upload failed", err)
	}
	return ref, nil
}

// RotateNow asks the backend for the current rotating cookie and persists
// it when it changed.
func (m *Manager) RotateNow(ctx context.Context) error {
	client := m.currentClient()
	if client == nil {
		return NewError(CodeNetworkError, "session not initialized", nil)
	}
	rotateCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	token, err := client.RotateCookies(rotateCtx)
	if err != nil {
		// A failed rotation probe is not proof the session died; only a
		// real call failure flips the status.
		if gemini.IsAuthError(err) {
			return NewError(CodeAuthExpired, "cookie rotation rejected", err)
		}
		return NewError(CodeNetworkError, "cookie rotation failed", err)
	}
	changed, perr := m.store.SetRotatedToken(token)
	if perr != nil {
		m.logger.Error("persisting rotated cookie failed", "err", perr)
		return perr
	}
	if changed {
		m.logger.Info("rotating cookie refreshed")
	}
	return nil
}

// persistRotatedToken writes back a reissued rotating cookie picked up as a
// side effect of any backend call. Best effort; the in-memory client keeps
// working either way.
func (m *Manager) persistRotatedToken(client Backend) {
	token := client.RotatingToken()
	if token == "" {
		return
	}
	changed, err := m.store.SetRotatedToken(token)
	if err != nil {
		m.logger.Error("persisting rotated cookie failed", "err", err)
		return
	}
	if changed {
		m.logger.Info("rotating cookie refreshed")
	}
}

// RunRotation keeps the rotating cookie fresh until ctx is cancelled.
// Failures are logged and the next tick tries again.
func (m *Manager) RunRotation(ctx context.Context) {
	ticker := time.NewTicker(m.opts.RotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if st, _ := m.Status(); st != StatusConnected {
				continue
			}
			if err := m.RotateNow(ctx); err != nil {
				m.logger.Warn("scheduled cookie rotation failed", "err", err)
			}
		}
	}
}
