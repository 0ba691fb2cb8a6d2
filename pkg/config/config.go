package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFileName = "gembridge.toml"

// CookieConfig holds the Gemini web session cookie pair. The 1PSIDTS value
// rotates server-side and is rewritten by the session manager whenever the
// backend reissues it.
type CookieConfig struct {
	Secure1PSID   string `toml:"secure_1psid,omitempty" json:"secure_1psid,omitempty"`
	Secure1PSIDTS string `toml:"secure_1psidts,omitempty" json:"secure_1psidts,omitempty"`
	ExtractedAt   string `toml:"extracted_at,omitempty" json:"extracted_at,omitempty"`
}

func (c CookieConfig) Complete() bool {
	return strings.TrimSpace(c.Secure1PSID) != "" && strings.TrimSpace(c.Secure1PSIDTS) != ""
}

type ProxyConfig struct {
	HTTPProxy string `toml:"http_proxy,omitempty" json:"http_proxy,omitempty"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain,omitempty"`
	Email    string `toml:"email,omitempty"`
	CacheDir string `toml:"cache_dir,omitempty"`
}

type UploadsConfig struct {
	MaxFileMB int `toml:"max_file_mb,omitempty"`
	TTLHours  int `toml:"ttl_hours,omitempty"`
}

type LogsConfig struct {
	Level    string `toml:"level,omitempty"`
	MaxLines int    `toml:"max_lines,omitempty"`
}

type Config struct {
	ListenAddr   string        `toml:"listen_addr"`
	Enabled      bool          `toml:"enabled"`
	DefaultModel string        `toml:"default_model"`
	Cookies      CookieConfig  `toml:"cookies"`
	Proxy        ProxyConfig   `toml:"proxy"`
	Uploads      UploadsConfig `toml:"uploads"`
	Logs         LogsConfig    `toml:"logs"`
	TLS          TLSConfig     `toml:"tls"`
}

// Credentials is the live cookie pair handed to the session client.
type Credentials struct {
	Secure1PSID   string
	Secure1PSIDTS string
	ExtractedAt   time.Time
}

func (c Credentials) Complete() bool {
	return strings.TrimSpace(c.Secure1PSID) != "" && strings.TrimSpace(c.Secure1PSIDTS) != ""
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "gembridge", defaultConfigFileName)
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "gembridge", "tls-autocert")
}

func NewDefaultConfig() *Config {
	return &Config{
		ListenAddr:   "127.0.0.1:8000",
		Enabled:      true,
		DefaultModel: "gemini-3.0-flash",
		Uploads: UploadsConfig{
			MaxFileMB: 50,
			TTLHours:  24,
		},
		Logs: LogsConfig{
			Level:    "info",
			MaxLines: 5000,
		},
		TLS: TLSConfig{
			Enabled:  false,
			CacheDir: DefaultTLSCacheDir(),
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateConfig(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeAtomic(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, cfg)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *Config) Normalize() {
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = "127.0.0.1:8000"
	}
	c.DefaultModel = strings.TrimSpace(c.DefaultModel)
	if c.DefaultModel == "" {
		c.DefaultModel = "gemini-3.0-flash"
	}
	c.Cookies.Secure1PSID = strings.TrimSpace(c.Cookies.Secure1PSID)
	c.Cookies.Secure1PSIDTS = strings.TrimSpace(c.Cookies.Secure1PSIDTS)
	c.Cookies.ExtractedAt = strings.TrimSpace(c.Cookies.ExtractedAt)
	c.Proxy.HTTPProxy = strings.TrimSpace(c.Proxy.HTTPProxy)
	if c.Uploads.MaxFileMB <= 0 {
		c.Uploads.MaxFileMB = 50
	}
	if c.Uploads.TTLHours <= 0 {
		c.Uploads.TTLHours = 24
	}
	c.Logs.Level = strings.ToLower(strings.TrimSpace(c.Logs.Level))
	if c.Logs.Level == "" {
		c.Logs.Level = "info"
	}
	if c.Logs.MaxLines <= 0 {
		c.Logs.MaxLines = 5000
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *Config) Validate() error {
	if c.Proxy.HTTPProxy != "" {
		if _, err := url.Parse(c.Proxy.HTTPProxy); err != nil {
			return fmt.Errorf("proxy.http_proxy is not a valid URL: %w", err)
		}
	}
	if c.Cookies.ExtractedAt != "" {
		if _, err := time.Parse(time.RFC3339, c.Cookies.ExtractedAt); err != nil {
			return errors.New("cookies.extracted_at must be RFC3339")
		}
	}
	if c.Uploads.MaxFileMB > 512 {
		return errors.New("uploads.max_file_mb must be <= 512")
	}
	if c.Logs.MaxLines > 200000 {
		return errors.New("logs.max_lines must be <= 200000")
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls.enabled=true")
	}
	return nil
}

// Store serializes config mutation and guarantees all-or-nothing
// persistence: Update mutates a copy, validates it, writes it to disk and
// only then swaps the in-memory value. A failed write leaves readers on the
// previous config.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  *Config
}

func NewStore(path string, cfg *Config) *Store {
	return &Store{path: path, cfg: cfg}
}

func (s *Store) Path() string { return s.path }

func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.cfg
}

func (s *Store) Update(mutator func(*Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.cfg
	if err := mutator(&cp); err != nil {
		return err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := Save(s.path, &cp); err != nil {
		return err
	}
	s.cfg = &cp
	return nil
}

// Credentials returns the current cookie pair; ok is false when either
// cookie is missing.
func (s *Store) Credentials() (Credentials, bool) {
	cfg := s.Snapshot()
	creds := Credentials{
		Secure1PSID:   cfg.Cookies.Secure1PSID,
		Secure1PSIDTS: cfg.Cookies.Secure1PSIDTS,
	}
	if cfg.Cookies.ExtractedAt != "" {
		if ts, err := time.Parse(time.RFC3339, cfg.Cookies.ExtractedAt); err == nil {
			creds.ExtractedAt = ts
		}
	}
	return creds, creds.Complete()
}

func (s *Store) SetCredentials(creds Credentials) error {
	return s.Update(func(cfg *Config) error {
		if !creds.Complete() {
			return errors.New("both cookie values are required")
		}
		cfg.Cookies.Secure1PSID = strings.TrimSpace(creds.Secure1PSID)
		cfg.Cookies.Secure1PSIDTS = strings.TrimSpace(creds.Secure1PSIDTS)
		at := creds.ExtractedAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		cfg.Cookies.ExtractedAt = at.UTC().Format(time.RFC3339)
		return nil
	})
}

// SetRotatedToken replaces only the rotating 1PSIDTS value. Returns false
// without touching disk when the value is unchanged.
func (s *Store) SetRotatedToken(secure1PSIDTS string) (bool, error) {
	secure1PSIDTS = strings.TrimSpace(secure1PSIDTS)
	if secure1PSIDTS == "" {
		return false, errors.New("rotated token cannot be empty")
	}
	s.mu.RLock()
	unchanged := s.cfg.Cookies.Secure1PSIDTS == secure1PSIDTS
	s.mu.RUnlock()
	if unchanged {
		return false, nil
	}
	err := s.Update(func(cfg *Config) error {
		cfg.Cookies.Secure1PSIDTS = secure1PSIDTS
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) SetProxy(proxyURL string) error {
	return s.Update(func(cfg *Config) error {
		cfg.Proxy.HTTPProxy = strings.TrimSpace(proxyURL)
		return nil
	})
}

func (s *Store) SetDefaultModel(model string) error {
	return s.Update(func(cfg *Config) error {
		model = strings.TrimSpace(model)
		if model == "" {
			return errors.New("model cannot be empty")
		}
		cfg.DefaultModel = model
		return nil
	})
}

func (s *Store) ClearCredentials() error {
	return s.Update(func(cfg *Config) error {
		cfg.Cookies = CookieConfig{}
		return nil
	})
}
