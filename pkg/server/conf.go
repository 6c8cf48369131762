package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
)

// ServerConf holds server configuration. Values come from the defaults, then
// the YAML file, then ZED_* environment variables, then command-line flags.
type ServerConf struct {
	// --- Identity ---
	Name string `yaml:"name" env:"ZED_NAME"`

	// --- Storage ---
	Backend      string `yaml:"backend"       env:"ZED_BACKEND"`        // "bolt" or "sqlite"
	DBPath       string `yaml:"db_path"       env:"ZED_DB_PATH"`        // Path to the bbolt or SQLite file
	SQLTimeout   int    `yaml:"sql_timeout"   env:"ZED_SQL_TIMEOUT"`    // SQLite busy timeout in seconds
	ValidateBoot bool   `yaml:"validate_boot" env:"ZED_VALIDATE_BOOT"`  // Run the integrity checker at startup
	RepairBoot   bool   `yaml:"repair_boot"   env:"ZED_REPAIR_BOOT"`    // Apply fixable findings at startup

	// --- Archiving ---
	ArchiveDir      string `yaml:"archive_dir"      env:"ZED_ARCHIVE_DIR"`
	ArchiveInterval int    `yaml:"archive_interval" env:"ZED_ARCHIVE_INTERVAL"` // Minutes between archives (0 = off)
	ArchiveRetain   int    `yaml:"archive_retain"   env:"ZED_ARCHIVE_RETAIN"`   // Keep the newest N (0 = all)

	// --- Accounts ---
	UsersFile string `yaml:"users_file" env:"ZED_USERS_FILE"`

	// --- Sessions ---
	SessionQueue int     `yaml:"session_queue" env:"ZED_SESSION_QUEUE"` // Outbound messages buffered per session
	RequestRate  float64 `yaml:"request_rate"  env:"ZED_REQUEST_RATE"`  // Requests per second per session
	RequestBurst int     `yaml:"request_burst" env:"ZED_REQUEST_BURST"`
	PingWait     int     `yaml:"ping_wait"     env:"ZED_PING_WAIT"` // Seconds a ping waits for in-flight commits

	// --- Web/Security ---
	WebPort        int      `yaml:"web_port"         env:"ZED_WEB_PORT"`
	WebHost        string   `yaml:"web_host"         env:"ZED_WEB_HOST"`   // Bind address (empty = all interfaces)
	WebDomain      string   `yaml:"web_domain"       env:"ZED_WEB_DOMAIN"` // Let's Encrypt domain
	TLSCert        string   `yaml:"tls_cert"         env:"ZED_TLS_CERT"`
	TLSKey         string   `yaml:"tls_key"          env:"ZED_TLS_KEY"`
	CertDir        string   `yaml:"cert_dir"         env:"ZED_CERT_DIR"` // Directory for generated certs
	WebCORSOrigins []string `yaml:"web_cors_origins" env:"ZED_WEB_CORS_ORIGINS" envSeparator:","`
	WebRateLimit   int      `yaml:"web_rate_limit"   env:"ZED_WEB_RATE_LIMIT"` // HTTP requests per minute per IP
	JWTSecret      string   `yaml:"jwt_secret"       env:"ZED_JWT_SECRET"`     // Auto-generated if empty
	JWTExpiry      int      `yaml:"jwt_expiry"       env:"ZED_JWT_EXPIRY"`     // Seconds
}

// DefaultServerConf returns a ServerConf with defaults.
func DefaultServerConf() *ServerConf {
	def := DefaultSessionConfig()
	return &ServerConf{
		Name:          "zed",
		Backend:       BackendBolt,
		DBPath:        "data/channels.db",
		SQLTimeout:    5,
		ValidateBoot:  true,
		ArchiveDir:    "archives",
		ArchiveRetain: 10,
		SessionQueue:  def.QueueSize,
		RequestRate:   def.RequestRate,
		RequestBurst:  def.RequestBurst,
		PingWait:      int(def.PingWait / time.Second),
		WebPort:       8443,
		WebRateLimit:  120,
		JWTExpiry:     86400,
	}
}

// LoadServerConf loads a YAML config file over the defaults, then applies
// environment overrides. An empty path skips the file.
func LoadServerConf(path string) (*ServerConf, error) {
	gc := DefaultServerConf()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, gc); err != nil {
			return nil, fmt.Errorf("parsing YAML %s: %w", path, err)
		}
		// Relative paths are relative to the config file.
		baseDir := filepath.Dir(path)
		for _, p := range []*string{&gc.DBPath, &gc.UsersFile, &gc.ArchiveDir, &gc.CertDir} {
			if *p != "" && !filepath.IsAbs(*p) {
				*p = filepath.Join(baseDir, *p)
			}
		}
	}
	if err := env.Parse(gc); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := gc.Validate(); err != nil {
		return nil, err
	}
	return gc, nil
}

// Validate checks values that have no sensible fallback.
func (gc *ServerConf) Validate() error {
	gc.Backend = strings.ToLower(gc.Backend)
	switch gc.Backend {
	case BackendBolt, BackendSQLite:
	default:
		return fmt.Errorf("unknown backend %q (want %q or %q)", gc.Backend, BackendBolt, BackendSQLite)
	}
	if gc.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if gc.ArchiveInterval < 0 || gc.ArchiveRetain < 0 {
		return fmt.Errorf("archive_interval and archive_retain must not be negative")
	}
	if gc.WebPort <= 0 || gc.WebPort > 65535 {
		return fmt.Errorf("web_port %d out of range", gc.WebPort)
	}
	return nil
}

// SessionConfig returns the per-session settings.
func (gc *ServerConf) SessionConfig() SessionConfig {
	return SessionConfig{
		QueueSize:    gc.SessionQueue,
		RequestRate:  gc.RequestRate,
		RequestBurst: gc.RequestBurst,
		PingWait:     time.Duration(gc.PingWait) * time.Second,
	}
}

// WebConfig returns the HTTP listener settings.
func (gc *ServerConf) WebConfig() WebConfig {
	return WebConfig{
		Port:        gc.WebPort,
		Host:        gc.WebHost,
		Domain:      gc.WebDomain,
		CertFile:    gc.TLSCert,
		KeyFile:     gc.TLSKey,
		CertDir:     gc.CertDir,
		CORSOrigins: gc.WebCORSOrigins,
		RateLimit:   gc.WebRateLimit,
		JWTSecret:   gc.JWTSecret,
		JWTExpiry:   gc.JWTExpiry,
	}
}
