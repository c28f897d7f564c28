package config

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	rlog "github.com/recomma/flipledger/log"
	"github.com/recomma/flipledger/ttlcache"
)

// MemoryStorage selects the in-process btree store instead of sqlite.
const MemoryStorage = ":memory-btree:"

type AppConfig struct {
	StoragePath     string
	InputPath       string
	ItemCatalogPath string

	Workers          int
	LineConcurrency  int
	HTTPListen       string
	PublicOrigins    []string
	PublishSpacing   time.Duration
	LotTTL           time.Duration
	VanishingTTL     time.Duration
	RecentFillTTL    time.Duration
	PurgeInterval    time.Duration
	ReminderInterval time.Duration
	ActivityJournal  bool

	LogLevel      string
	LogFormatJSON bool
	LogGroups     string

	originsRaw string
}

func DefaultConfig() AppConfig {
	return AppConfig{
		StoragePath:      "flipledger.sqlite3",
		InputPath:        "-",
		Workers:          8,
		LineConcurrency:  1,
		HTTPListen:       ":8080",
		PublishSpacing:   250 * time.Millisecond,
		LotTTL:           14 * 24 * time.Hour,
		VanishingTTL:     ttlcache.VanishingOrderTTL,
		RecentFillTTL:    ttlcache.RecentFillTTL,
		PurgeInterval:    time.Hour,
		ReminderInterval: time.Minute,
		ActivityJournal:  true,
		LogLevel:         "info",
		LogFormatJSON:    false,
	}
}

// NewConfigFlagSet declares the flags against the provided struct but does not parse.
func NewConfigFlagSet(cfg *AppConfig) *pflag.FlagSet {
	fs := pflag.NewFlagSet("flipledger", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "SQLite database path, or "+MemoryStorage+" for a volatile store (env: FLIPLEDGER_STORAGE_PATH)")
	fs.StringVar(&cfg.InputPath, "input", cfg.InputPath, "NDJSON update stream, - for stdin (env: FLIPLEDGER_INPUT)")
	fs.StringVar(&cfg.ItemCatalogPath, "item-catalog", cfg.ItemCatalogPath, "JSON item catalog used to resolve display names (env: FLIPLEDGER_ITEM_CATALOG)")

	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Number of update workers (env: FLIPLEDGER_WORKERS)")
	fs.IntVar(&cfg.LineConcurrency, "line-concurrency", cfg.LineConcurrency, "Chat lines of one update handled concurrently (env: FLIPLEDGER_LINE_CONCURRENCY)")
	fs.StringVar(&cfg.HTTPListen, "http-listen", cfg.HTTPListen, "HTTP listen address, empty disables the API (env: FLIPLEDGER_HTTP_LISTEN)")
	fs.StringVar(&cfg.originsRaw, "public-origins", cfg.originsRaw, "Comma separated CORS origins, * allows any, empty allows loopback only (env: FLIPLEDGER_PUBLIC_ORIGINS)")
	fs.DurationVar(&cfg.PublishSpacing, "publish-spacing", cfg.PublishSpacing, "Minimum spacing between order book calls (env: FLIPLEDGER_PUBLISH_SPACING)")
	fs.DurationVar(&cfg.LotTTL, "lot-ttl", cfg.LotTTL, "Lifetime of an unmatched cost lot (env: FLIPLEDGER_LOT_TTL)")
	fs.DurationVar(&cfg.VanishingTTL, "vanishing-ttl", cfg.VanishingTTL, "Lifetime of a vanished buy order price (env: FLIPLEDGER_VANISHING_TTL)")
	fs.DurationVar(&cfg.RecentFillTTL, "recent-fill-ttl", cfg.RecentFillTTL, "Lifetime of a claimed buy price (env: FLIPLEDGER_RECENT_FILL_TTL)")
	fs.DurationVar(&cfg.PurgeInterval, "purge-interval", cfg.PurgeInterval, "Interval between expired lot sweeps (env: FLIPLEDGER_PURGE_INTERVAL)")
	fs.DurationVar(&cfg.ReminderInterval, "reminder-interval", cfg.ReminderInterval, "Interval between due reminder checks (env: FLIPLEDGER_REMINDER_INTERVAL)")
	fs.BoolVar(&cfg.ActivityJournal, "activity-journal", cfg.ActivityJournal, "Mirror owner scoped logs into the activity journal (env: FLIPLEDGER_ACTIVITY_JOURNAL)")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (env: FLIPLEDGER_LOG_LEVEL)")
	fs.BoolVar(&cfg.LogFormatJSON, "log-json", cfg.LogFormatJSON, "Emit logs as JSON (env: FLIPLEDGER_LOG_JSON)")
	fs.StringVar(&cfg.LogGroups, "log-groups", cfg.LogGroups, "Comma separated log groups to emit, empty emits all (env: FLIPLEDGER_LOG_GROUPS)")

	return fs
}

// ApplyEnvDefaults inspects flags that were not set on the command line and pulls from env.
func ApplyEnvDefaults(fs *pflag.FlagSet, cfg *AppConfig) error {
	flagSet := map[string]struct{}{}
	fs.Visit(func(f *pflag.Flag) { flagSet[f.Name] = struct{}{} })

	var errs []string
	setString := func(name, envKey string, target *string) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok && v != "" {
			*target = v
		}
	}
	setInt := func(name, envKey string, target *int) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", envKey, err))
				return
			}
			*target = parsed
		}
	}
	setBool := func(name, envKey string, target *bool) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", envKey, err))
				return
			}
			*target = parsed
		}
	}
	setDuration := func(name, envKey string, target *time.Duration) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", envKey, err))
				return
			}
			*target = parsed
		}
	}

	setString("storage-path", "FLIPLEDGER_STORAGE_PATH", &cfg.StoragePath)
	setString("input", "FLIPLEDGER_INPUT", &cfg.InputPath)
	setString("item-catalog", "FLIPLEDGER_ITEM_CATALOG", &cfg.ItemCatalogPath)
	setInt("workers", "FLIPLEDGER_WORKERS", &cfg.Workers)
	setInt("line-concurrency", "FLIPLEDGER_LINE_CONCURRENCY", &cfg.LineConcurrency)
	setString("http-listen", "FLIPLEDGER_HTTP_LISTEN", &cfg.HTTPListen)
	setString("public-origins", "FLIPLEDGER_PUBLIC_ORIGINS", &cfg.originsRaw)
	setDuration("publish-spacing", "FLIPLEDGER_PUBLISH_SPACING", &cfg.PublishSpacing)
	setDuration("lot-ttl", "FLIPLEDGER_LOT_TTL", &cfg.LotTTL)
	setDuration("vanishing-ttl", "FLIPLEDGER_VANISHING_TTL", &cfg.VanishingTTL)
	setDuration("recent-fill-ttl", "FLIPLEDGER_RECENT_FILL_TTL", &cfg.RecentFillTTL)
	setDuration("purge-interval", "FLIPLEDGER_PURGE_INTERVAL", &cfg.PurgeInterval)
	setDuration("reminder-interval", "FLIPLEDGER_REMINDER_INTERVAL", &cfg.ReminderInterval)
	setBool("activity-journal", "FLIPLEDGER_ACTIVITY_JOURNAL", &cfg.ActivityJournal)
	setString("log-level", "FLIPLEDGER_LOG_LEVEL", &cfg.LogLevel)
	setBool("log-json", "FLIPLEDGER_LOG_JSON", &cfg.LogFormatJSON)
	setString("log-groups", "FLIPLEDGER_LOG_GROUPS", &cfg.LogGroups)

	cfg.PublicOrigins = splitList(cfg.originsRaw)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

func ValidateConfig(cfg AppConfig) error {
	var problems []string
	if strings.TrimSpace(cfg.StoragePath) == "" {
		problems = append(problems, "storage-path is required")
	}
	if strings.TrimSpace(cfg.InputPath) == "" {
		problems = append(problems, "input is required")
	}
	if cfg.Workers < 1 {
		problems = append(problems, "workers must be at least 1")
	}
	if cfg.LineConcurrency < 1 {
		problems = append(problems, "line-concurrency must be at least 1")
	}
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"lot-ttl", cfg.LotTTL},
		{"vanishing-ttl", cfg.VanishingTTL},
		{"recent-fill-ttl", cfg.RecentFillTTL},
		{"purge-interval", cfg.PurgeInterval},
		{"reminder-interval", cfg.ReminderInterval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			problems = append(problems, p.name+" must be positive")
		}
	}
	if cfg.PublishSpacing < 0 {
		problems = append(problems, "publish-spacing must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, ", "))
	}
	return nil
}

// Level returns the configured slog level, defaulting to info.
func (c AppConfig) Level() slog.Level {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		log.Printf("unknown log level %q, defaulting to info", c.LogLevel)
		return slog.LevelInfo
	}
	return level
}

// GetLogHandler builds the console handler, restricted to --log-groups when set.
func GetLogHandler(cfg AppConfig, w io.Writer) slog.Handler {
	if w == nil {
		w = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: cfg.Level()}

	var handler slog.Handler
	if cfg.LogFormatJSON {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	return rlog.NewGroupFilterHandler(handler, rlog.ParseGroups(cfg.LogGroups))
}

func splitList(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
