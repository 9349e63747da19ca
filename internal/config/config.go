package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DatabaseSchemePostgres is the postgres database scheme identifier
	DatabaseSchemePostgres = "postgres"
)

type Config struct {
	DBDialect   string // postgres only
	DBDsn       string // DSN string passed to GORM driver
	MetricsAddr string // empty disables the prometheus endpoint
	Debug       bool   // if true: debug logs to file; if false: errors only
	Headless    bool   // skip the dashboard and log at info level to stderr

	Shards           int
	VehiclesPerShard int
	RSUsPerShard     int

	GroupSize      int
	RedundantCount int
	EpochBlocks    int
	PermanentRSU   bool
	EjectBelow     float64

	BatchSize     int
	BlockInterval time.Duration
	RoundTimeout  time.Duration
	DecayInterval time.Duration
	TargetBlocks  int // per shard, 0 runs until interrupted
	EarlyAbort    bool
	SignVotes     bool

	MaliciousMultiplier float64
	MaxRecentEvents     int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: invalid %s=%q, using %d\n", key, v, def)
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: invalid %s=%q, using %g\n", key, v, def)
		return def
	}
	return f
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: invalid %s=%q, using %s\n", key, v, def)
		return def
	}
	return d
}

// parseDatabaseURL interprets DATABASE_URL and returns (dialect, dsn).
// Supported schemes: postgres, postgresql.
func parseDatabaseURL(databaseURL string) (string, string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", "", err
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case DatabaseSchemePostgres, "postgresql":
		// GORM postgres driver accepts URL DSN as-is
		return DatabaseSchemePostgres, databaseURL, nil
	default:
		return "", "", fmt.Errorf("unsupported DATABASE_URL scheme: %s", u.Scheme)
	}
}

func Load() Config {
	cfg := Config{
		MetricsAddr: os.Getenv("METRICS_ADDR"),
		Debug:       getenvBool("DEBUG", false),
		Headless:    getenvBool("HEADLESS", false),

		Shards:           getenvInt("SHARDS", 2),
		VehiclesPerShard: getenvInt("VEHICLES_PER_SHARD", 20),
		RSUsPerShard:     getenvInt("RSUS_PER_SHARD", 5),

		GroupSize:      getenvInt("GROUP_SIZE", 15),
		RedundantCount: getenvInt("REDUNDANT_COUNT", 5),
		EpochBlocks:    getenvInt("EPOCH_BLOCKS", 10),
		PermanentRSU:   getenvBool("PERMANENT_RSU", false),
		EjectBelow:     getenvFloat("EJECT_BELOW", 0),

		BatchSize:     getenvInt("BATCH_SIZE", 10),
		BlockInterval: getenvDuration("BLOCK_INTERVAL", 500*time.Millisecond),
		RoundTimeout:  getenvDuration("ROUND_TIMEOUT", 5*time.Second),
		DecayInterval: getenvDuration("DECAY_INTERVAL", 10*time.Second),
		TargetBlocks:  getenvInt("TARGET_BLOCKS", 0),
		EarlyAbort:    getenvBool("EARLY_ABORT", true),
		SignVotes:     getenvBool("SIGN_VOTES", true),

		MaliciousMultiplier: getenvFloat("MALICIOUS_MULTIPLIER", 1),
		MaxRecentEvents:     getenvInt("MAX_RECENT_EVENTS", 100),
	}

	if dbURL := strings.TrimSpace(getenv("DATABASE_URL", "")); dbURL != "" {
		if dialect, dsn, err := parseDatabaseURL(dbURL); err == nil {
			cfg.DBDialect = dialect
			cfg.DBDsn = dsn
		} else {
			fmt.Fprintf(os.Stderr, "warning: invalid DATABASE_URL, disabling persistence: %v\n", err)
		}
	}

	return cfg
}

// Validate rejects settings the simulator cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Shards <= 0 {
		errs = append(errs, fmt.Errorf("SHARDS must be positive, got %d", c.Shards))
	}
	if c.VehiclesPerShard+c.RSUsPerShard < 2 {
		errs = append(errs, errors.New("each shard needs at least two nodes"))
	}
	if c.GroupSize <= 0 {
		errs = append(errs, fmt.Errorf("GROUP_SIZE must be positive, got %d", c.GroupSize))
	}
	if c.RedundantCount < 0 {
		errs = append(errs, fmt.Errorf("REDUNDANT_COUNT must not be negative, got %d", c.RedundantCount))
	}
	if c.EpochBlocks <= 0 {
		errs = append(errs, fmt.Errorf("EPOCH_BLOCKS must be positive, got %d", c.EpochBlocks))
	}
	if c.EjectBelow < 0 || c.EjectBelow > 1 {
		errs = append(errs, fmt.Errorf("EJECT_BELOW must be within [0,1], got %g", c.EjectBelow))
	}
	if c.RoundTimeout <= 0 || c.BlockInterval <= 0 {
		errs = append(errs, errors.New("ROUND_TIMEOUT and BLOCK_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) String() string {
	return fmt.Sprintf("shards=%d vehicles=%d rsus=%d group=%d+%d epoch=%d db=%s",
		c.Shards, c.VehiclesPerShard, c.RSUsPerShard, c.GroupSize, c.RedundantCount, c.EpochBlocks, c.DBDialect)
}

// DebugString returns a human-friendly configuration string with masked secrets.
func (c Config) DebugString() string {
	return fmt.Sprintf(
		"%s dsn=%s metrics=%s batch=%d interval=%s timeout=%s decay=%s eject_below=%g permanent_rsu=%t early_abort=%t sign_votes=%t",
		c.String(),
		maskDSN(c.DBDialect, c.DBDsn),
		c.MetricsAddr,
		c.BatchSize,
		c.BlockInterval,
		c.RoundTimeout,
		c.DecayInterval,
		c.EjectBelow,
		c.PermanentRSU,
		c.EarlyAbort,
		c.SignVotes,
	)
}

func maskDSN(dialect, dsn string) string {
	switch strings.ToLower(dialect) {
	case DatabaseSchemePostgres:
		if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
			if u.User != nil {
				username := u.User.Username()
				u.User = url.User(username)
			}
			return u.String()
		}
		// Fallback for DSN as key-value list
		parts := strings.Fields(dsn)
		for i, p := range parts {
			lower := strings.ToLower(p)
			if strings.HasPrefix(lower, "password=") {
				parts[i] = "password=***"
			}
		}
		return strings.Join(parts, " ")
	default:
		return dsn
	}
}
