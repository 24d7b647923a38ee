// Package config loads engine configuration from the environment, in the
// teacher's getEnv/getEnvInt style (scheduler's internal/config), expanded
// to cover the full engine configuration surface: queue topology,
// parallelism, default retry/timeout policy, persistence strictness, and
// the optional sharded-scheduler knob.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/minisource/evertask/queue"
	"github.com/minisource/evertask/retry"
)

// QueueConfig describes one named queue's capacity, parallelism, and
// overflow policy (spec §4.4/§6).
type QueueConfig struct {
	Name           string
	Capacity       int
	MaxParallelism int
	Behavior       queue.FullBehavior
}

// Config is the full engine configuration surface (spec §6).
type Config struct {
	Queues []QueueConfig

	// MaxDegreeOfParallelism is the default per-queue parallelism when Queues
	// doesn't specify one; it is not a cap on executions across all queues.
	MaxDegreeOfParallelism int
	// ChannelCapacity is the default per-queue channel capacity when Queues
	// doesn't specify one.
	ChannelCapacity int

	DefaultRetryPolicy retry.Policy
	DefaultTimeout     time.Duration

	// ThrowIfUnableToPersist controls whether a persistence failure at
	// dispatch time fails the call or degrades to best-effort routing.
	ThrowIfUnableToPersist bool

	// ShardedSchedulerShards, if > 1, enables the sharded scheduler variant
	// with this many independent shards (spec §4.3 "useShardedScheduler(N)").
	ShardedSchedulerShards int

	// RecoveryPageSize overrides the startup recovery loop's keyset page
	// size; 0 means use recovery.DefaultPageSize.
	RecoveryPageSize int

	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig configures the sample gormstore provider.
type PostgresConfig struct {
	Host               string
	Port               string
	User               string
	Password           string
	DBName             string
	SSLMode            string
	MaxOpenConns       int
	MaxIdleConns       int
	MaxLifetimeMinutes int
}

// RedisConfig configures the sample redisstore provider.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// DefaultQueueName and RecurringQueueName mirror queuemgr's well-known names
// so config and queuemgr agree on the default topology without an import
// cycle between the two packages.
const (
	DefaultQueueName   = "default"
	RecurringQueueName = "recurring"
)

func defaultParallelism() int {
	n := runtime.NumCPU() * 2
	if n < 4 {
		n = 4
	}
	return n
}

func defaultChannelCapacity() int {
	n := runtime.NumCPU() * 200
	if n < 1000 {
		n = 1000
	}
	return n
}

// Load reads configuration from the environment (and a .env file, if
// present, per the teacher's convention), falling back to sane defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	parallelism := getEnvInt("EVERTASK_MAX_PARALLELISM", defaultParallelism())
	capacity := getEnvInt("EVERTASK_CHANNEL_CAPACITY", defaultChannelCapacity())

	queues, err := parseQueues(os.Getenv("EVERTASK_QUEUES"), parallelism, capacity)
	if err != nil {
		return nil, fmt.Errorf("config: EVERTASK_QUEUES: %w", err)
	}

	cfg := &Config{
		Queues:                 queues,
		MaxDegreeOfParallelism: parallelism,
		ChannelCapacity:        capacity,
		DefaultRetryPolicy:     retry.Linear(getEnvInt("EVERTASK_DEFAULT_MAX_ATTEMPTS", 3), getDuration("EVERTASK_DEFAULT_RETRY_DELAY", 5*time.Second)),
		DefaultTimeout:         getDuration("EVERTASK_DEFAULT_TIMEOUT", 30*time.Second),
		ThrowIfUnableToPersist: getEnvBool("EVERTASK_THROW_IF_UNABLE_TO_PERSIST", false),
		ShardedSchedulerShards: getEnvInt("EVERTASK_SCHEDULER_SHARDS", 0),
		RecoveryPageSize:       getEnvInt("EVERTASK_RECOVERY_PAGE_SIZE", 0),

		Postgres: PostgresConfig{
			Host:               getEnv("POSTGRES_HOST", "localhost"),
			Port:               getEnv("POSTGRES_PORT", "5432"),
			User:               getEnv("POSTGRES_USER", "evertask_user"),
			Password:           getEnv("POSTGRES_PASSWORD", "evertask_password"),
			DBName:             getEnv("POSTGRES_DB", "evertask_db"),
			SSLMode:            getEnv("POSTGRES_SSL_MODE", "disable"),
			MaxOpenConns:       getEnvInt("POSTGRES_MAX_OPEN_CONNS", 25),
			MaxIdleConns:       getEnvInt("POSTGRES_MAX_IDLE_CONNS", 10),
			MaxLifetimeMinutes: getEnvInt("POSTGRES_MAX_LIFETIME_MINS", 30),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 2),
		},
	}
	return cfg, nil
}

// parseQueues reads "name:capacity:parallelism:behavior,..." pairs, e.g.
// "default:1000:8:wait,recurring:200:2:wait,bulk:5000:4:reject". An empty
// spec yields the engine's built-in default+recurring topology.
func parseQueues(spec string, defaultParallelism, defaultCapacity int) ([]QueueConfig, error) {
	if strings.TrimSpace(spec) == "" {
		return []QueueConfig{
			{Name: DefaultQueueName, Capacity: defaultCapacity, MaxParallelism: defaultParallelism, Behavior: queue.Wait},
			{Name: RecurringQueueName, Capacity: defaultCapacity, MaxParallelism: defaultParallelism, Behavior: queue.Wait},
		}, nil
	}

	var queues []QueueConfig
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Split(entry, ":")
		if len(fields) != 4 {
			return nil, fmt.Errorf("malformed queue spec %q, want name:capacity:parallelism:behavior", entry)
		}
		capacity, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("queue %q: invalid capacity: %w", fields[0], err)
		}
		parallelism, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("queue %q: invalid parallelism: %w", fields[0], err)
		}
		behavior, err := parseBehavior(fields[3])
		if err != nil {
			return nil, fmt.Errorf("queue %q: %w", fields[0], err)
		}
		queues = append(queues, QueueConfig{Name: fields[0], Capacity: capacity, MaxParallelism: parallelism, Behavior: behavior})
	}
	return queues, nil
}

func parseBehavior(s string) (queue.FullBehavior, error) {
	switch strings.ToLower(s) {
	case "wait":
		return queue.Wait, nil
	case "reject":
		return queue.Reject, nil
	case "fallback", "fallbacktodefault":
		return queue.FallbackToDefault, nil
	default:
		return 0, fmt.Errorf("unknown overflow behavior %q", s)
	}
}

// Validate returns human-readable warnings for configuration that will
// work but is likely a mistake, rather than hard errors — the engine
// should still start (spec §6 "fail fast on structurally invalid inputs,
// warn on merely suspicious ones").
func (c *Config) Validate() []string {
	var warnings []string
	hasDefault := false
	for _, q := range c.Queues {
		if q.Name == DefaultQueueName {
			hasDefault = true
		}
		if q.Capacity < 1 {
			warnings = append(warnings, fmt.Sprintf("queue %q: capacity < 1, channelCapacity will be used instead", q.Name))
		}
		if q.MaxParallelism < 1 {
			warnings = append(warnings, fmt.Sprintf("queue %q: maxParallelism < 1, maxDegreeOfParallelism will be used instead", q.Name))
		}
	}
	if !hasDefault {
		warnings = append(warnings, fmt.Sprintf("no %q queue configured; unresolvable queue names will have no fallback", DefaultQueueName))
	}
	if c.DefaultTimeout < 0 {
		warnings = append(warnings, "defaultTimeout is negative, treated as no timeout")
	}
	return warnings
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
