// Package config loads the broker's immutable runtime configuration
// (spec §3) from layered sources: built-in defaults, a YAML config file,
// BROKER_-prefixed environment variables, and command-line flags, in
// that order of increasing precedence.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// WorkerType is the kind of CAS worker a broker pools. Immutable per
// broker (spec §3).
type WorkerType string

const (
	WorkerStandard     WorkerType = "standard"
	WorkerUpload       WorkerType = "upload"
	WorkerAutoMigrator WorkerType = "auto-migrator"
)

// KeepConnection controls whether a session holds its worker across RPCs.
type KeepConnection string

const (
	KeepOff  KeepConnection = "off"
	KeepOn   KeepConnection = "on"
	KeepAuto KeepConnection = "auto"
)

// SQLLogMode is a bitset over {on, append, bind-values}; zero value is off.
type SQLLogMode uint8

const (
	SQLLogOff        SQLLogMode = 0
	SQLLogOn         SQLLogMode = 1 << 0
	SQLLogAppend     SQLLogMode = 1 << 1
	SQLLogBindValues SQLLogMode = 1 << 2
)

func (m SQLLogMode) Has(flag SQLLogMode) bool { return m&flag != 0 }

// ParseSQLLogMode parses a comma-separated token list ("on,bind-values")
// into a bitset. An empty string or "off" yields SQLLogOff.
func ParseSQLLogMode(raw string) (SQLLogMode, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "off" {
		return SQLLogOff, nil
	}
	var mode SQLLogMode
	for _, tok := range strings.Split(raw, ",") {
		switch strings.TrimSpace(tok) {
		case "off":
		case "on":
			mode |= SQLLogOn
		case "append":
			mode |= SQLLogAppend
		case "bind-values", "bind_values":
			mode |= SQLLogBindValues
		default:
			return 0, fmt.Errorf("unknown sql_log_mode token %q", tok)
		}
	}
	return mode, nil
}

// BrokerConfig is the immutable, fully-resolved broker configuration
// (spec §3). Fields named *Sec or *Ms are raw durations as stored in the
// config tree; use the accessor methods for time.Duration values.
type BrokerConfig struct {
	Name              string         `koanf:"name"`
	Port              int            `koanf:"port"`
	WorkerType        WorkerType     `koanf:"worker_type"`
	MinWorkers        int            `koanf:"min_workers"`
	MaxWorkers        int            `koanf:"max_workers"`
	AutoAddWorkers    bool           `koanf:"auto_add_workers"`
	SessionTimeoutSec int            `koanf:"session_timeout"`
	QueueMax          int            `koanf:"queue_max"`
	PriorityGapSec    int            `koanf:"priority_gap"`
	TimeToKillSec     int            `koanf:"time_to_kill"`
	SQLLogModeRaw     string         `koanf:"sql_log_mode"`
	SQLLogMaxSize     int64          `koanf:"sql_log_max_size"`
	KeepConnection    KeepConnection `koanf:"keep_connection"`
	StatementPooling  bool           `koanf:"statement_pooling"`
	ACLFile           string         `koanf:"acl_file"`
	ShardKeyFile      string         `koanf:"shard_key_file"`
	ShardModulo       int            `koanf:"shard_modulo"`
	LogDir            string         `koanf:"log_dir"`
	ShutdownTimeoutSec int           `koanf:"shutdown_timeout"`
	StickyTimeoutMs   int            `koanf:"sticky_timeout_ms"`
	ConnectTimeoutSec int            `koanf:"connect_timeout"`
	QueryTimeoutSec   int            `koanf:"query_timeout"`

	AdminPort        int    `koanf:"admin_port"`
	AdminTokenHash   string `koanf:"admin_token_hash"`
	AuditEnabled     bool   `koanf:"audit_enabled"`
	AuditDBPath      string `koanf:"audit_db_path"`

	// BackendAddr is the database server each CAS worker connects to at
	// start-up (spec §4.2 step 0). The wire protocol CAS speaks to that
	// server is out of this broker's scope; BackendAddr only says where
	// to dial.
	BackendAddr string `koanf:"backend_addr"`

	// SQLLogMode is derived from SQLLogModeRaw after load; use this field,
	// not SQLLogModeRaw, in application code.
	SQLLogMode SQLLogMode `koanf:"-"`

	// BrokerHome and ShmKey come from the environment directly (spec §6),
	// not the layered config tree.
	BrokerHome string `koanf:"-"`
	ShmKey     string `koanf:"-"`
}

func (c *BrokerConfig) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSec) * time.Second
}

func (c *BrokerConfig) PriorityGap() time.Duration {
	return time.Duration(c.PriorityGapSec) * time.Second
}

func (c *BrokerConfig) TimeToKill() time.Duration {
	return time.Duration(c.TimeToKillSec) * time.Second
}

func (c *BrokerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

func (c *BrokerConfig) StickyTimeout() time.Duration {
	return time.Duration(c.StickyTimeoutMs) * time.Millisecond
}

func (c *BrokerConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// QueryTimeout returns the per-RPC query timeout, or 0 if disabled.
func (c *BrokerConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSec) * time.Second
}

// Flags registers CLI overrides for the broker configuration. Call
// flag.Parse() (or FlagSet.Parse) after DefineFlags, then pass the
// returned *Flags to Load.
type Flags struct {
	ConfPath   string
	Name       string
	Port       int
	MinWorkers int
	MaxWorkers int
	LogDir     string
	fs         *flag.FlagSet
}

// DefineFlags registers broker flags on fs (use flag.CommandLine for the
// top-level CLI). Only flags the caller actually sets on the command line
// take precedence over file/env configuration — unset flags do not
// clobber lower-precedence values with their zero value.
func DefineFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVar(&f.ConfPath, "conf", "", "path to broker config file (default $BROKER_CONF or $BROKER_HOME/conf/broker.yaml)")
	fs.StringVar(&f.Name, "name", "", "broker name")
	fs.IntVar(&f.Port, "port", 0, "listening TCP port")
	fs.IntVar(&f.MinWorkers, "min-workers", 0, "minimum worker pool size")
	fs.IntVar(&f.MaxWorkers, "max-workers", 0, "maximum worker pool size")
	fs.StringVar(&f.LogDir, "log-dir", "", "log directory")
	return f
}

func defaults() map[string]any {
	return map[string]any{
		"name":                "broker1",
		"port":                30000,
		"worker_type":         string(WorkerStandard),
		"min_workers":         1,
		"max_workers":         1,
		"auto_add_workers":    true,
		"session_timeout":     300,
		"queue_max":           128,
		"priority_gap":        5,
		"time_to_kill":        120,
		"sql_log_mode":        "on",
		"sql_log_max_size":    10 * 1024 * 1024,
		"keep_connection":     string(KeepAuto),
		"statement_pooling":   true,
		"acl_file":            "",
		"shard_key_file":      "",
		"shard_modulo":        256,
		"log_dir":             "log",
		"shutdown_timeout":    10,
		"sticky_timeout_ms":   3000,
		"connect_timeout":     30,
		"query_timeout":       0,
		"admin_port":          30001,
		"admin_token_hash":    "",
		"audit_enabled":       false,
		"audit_db_path":       "",
		"backend_addr":        "localhost:30100",
	}
}

// Load resolves the full layered configuration: defaults, then the config
// file, then BROKER_-prefixed environment variables, then any CLI flags
// the caller explicitly set. flags may be nil to skip the flag layer
// (e.g. in tests).
func Load(flags *Flags) (*BrokerConfig, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	confPath := resolveConfPath(flags)
	if confPath != "" {
		if err := k.Load(file.Provider(confPath), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config file %s: %w", confPath, err)
			}
		}
	}

	if err := k.Load(env.Provider("BROKER_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "BROKER_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if flags != nil && flags.fs != nil {
		overlay := map[string]any{}
		flags.fs.Visit(func(fl *flag.Flag) {
			switch fl.Name {
			case "name":
				overlay["name"] = flags.Name
			case "port":
				overlay["port"] = flags.Port
			case "min-workers":
				overlay["min_workers"] = flags.MinWorkers
			case "max-workers":
				overlay["max_workers"] = flags.MaxWorkers
			case "log-dir":
				overlay["log_dir"] = flags.LogDir
			}
		})
		if len(overlay) > 0 {
			if err := k.Load(confmap.Provider(overlay, "."), nil); err != nil {
				return nil, fmt.Errorf("load flags: %w", err)
			}
		}
	}

	var cfg BrokerConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	mode, err := ParseSQLLogMode(cfg.SQLLogModeRaw)
	if err != nil {
		return nil, err
	}
	cfg.SQLLogMode = mode
	cfg.BrokerHome = os.Getenv("BROKER_HOME")
	cfg.ShmKey = envOr("BROKER_SHM_KEY", cfg.Name)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func resolveConfPath(flags *Flags) string {
	if flags != nil && flags.ConfPath != "" {
		return flags.ConfPath
	}
	if p := os.Getenv("BROKER_CONF"); p != "" {
		return p
	}
	if home := os.Getenv("BROKER_HOME"); home != "" {
		return filepath.Join(home, "conf", "broker.yaml")
	}
	return ""
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Validate checks the resolved configuration and ensures the log
// directory exists.
func (c *BrokerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("broker name is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MinWorkers < 0 {
		return fmt.Errorf("min_workers must be >= 0")
	}
	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("max_workers (%d) must be >= min_workers (%d)", c.MaxWorkers, c.MinWorkers)
	}
	if c.QueueMax < 0 {
		return fmt.Errorf("queue_max must be >= 0")
	}
	if c.PriorityGapSec <= 0 {
		return fmt.Errorf("priority_gap must be > 0")
	}
	switch c.WorkerType {
	case WorkerStandard, WorkerUpload, WorkerAutoMigrator:
	default:
		return fmt.Errorf("unknown worker_type %q", c.WorkerType)
	}
	switch c.KeepConnection {
	case KeepOff, KeepOn, KeepAuto:
	default:
		return fmt.Errorf("unknown keep_connection %q", c.KeepConnection)
	}
	if c.LogDir != "" {
		if err := os.MkdirAll(c.LogDir, 0o750); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}
	if c.AdminPort <= 0 || c.AdminPort > 65535 {
		return fmt.Errorf("invalid admin_port %d", c.AdminPort)
	}
	if c.AuditEnabled && c.AuditDBPath == "" {
		c.AuditDBPath = filepath.Join(c.LogDir, c.Name+"_audit.db")
	}
	return nil
}

// SQLLogPath returns the path to this broker's SQL log file for a given
// worker index (spec SPEC_FULL §C.1).
func (c *BrokerConfig) SQLLogPath(workerIndex int) string {
	return filepath.Join(c.LogDir, fmt.Sprintf("%s_%d.sql.log", c.Name, workerIndex))
}

// ScmPath returns the backing file path for this broker's shared
// control memory region (spec §4.1), keyed by BROKER_SHM_KEY under
// BROKER_HOME so every CAS worker process can attach to the same
// region the master created. Falls back to the system temp directory
// when BROKER_HOME is unset, for local runs and tests.
func (c *BrokerConfig) ScmPath() string {
	root := c.BrokerHome
	if root == "" {
		root = os.TempDir()
	}
	return filepath.Join(root, "scm", c.ShmKey+".scm")
}
