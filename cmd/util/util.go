package util

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/wbKV/lib/backing"
	"github.com/ValentinKolb/wbKV/lib/backing/memory"
	redisstore "github.com/ValentinKolb/wbKV/lib/backing/redis"
	"github.com/ValentinKolb/wbKV/lib/backing/sqlite"
	"github.com/ValentinKolb/wbKV/lib/cache"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupEngineFlags adds the engine and backing store flags to a command
func SetupEngineFlags(cmd *cobra.Command) {
	defaults := cache.DefaultOptions()

	key := "store"
	cmd.PersistentFlags().String(key, "memory", WrapString("Backing store to use (memory, sqlite, redis)"))

	key = "sqlite-path"
	cmd.PersistentFlags().String(key, "", WrapString("Path of the sqlite database file (empty for in-memory)"))

	key = "redis-addr"
	cmd.PersistentFlags().String(key, "localhost:6379", WrapString("Address of the redis server"))

	key = "redis-password"
	cmd.PersistentFlags().String(key, "", WrapString("Password for the redis server"))

	key = "redis-db"
	cmd.PersistentFlags().Int(key, 0, WrapString("Redis database number"))

	key = "redis-prefix"
	cmd.PersistentFlags().String(key, "wbkv", WrapString("Key prefix for all redis keys"))

	key = "batch-size"
	cmd.PersistentFlags().Int(key, defaults.BatchSize, WrapString("Number of distinct keys that triggers a flush"))

	key = "max-delay"
	cmd.PersistentFlags().Duration(key, defaults.MaxDelay, WrapString("Maximum time the first key of a batch waits before the batch is flushed"))

	key = "flush-interval"
	cmd.PersistentFlags().Duration(key, defaults.FlushInterval, WrapString("Period of the background flush tick"))

	key = "queue-capacity"
	cmd.PersistentFlags().Int(key, defaults.QueueCapacity, WrapString("Capacity of the flush queue"))

	key = "admission"
	cmd.PersistentFlags().String(key, "block", WrapString("Admission policy when the flush queue is full (block, reject, drop-oldest)"))

	key = "retry-max-attempts"
	cmd.PersistentFlags().Int(key, defaults.Retry.MaxAttempts, WrapString("Total number of persist attempts per batch"))

	key = "retry-initial-backoff"
	cmd.PersistentFlags().Duration(key, defaults.Retry.InitialBackoff, WrapString("Wait before the first retry"))

	key = "retry-max-backoff"
	cmd.PersistentFlags().Duration(key, defaults.Retry.MaxBackoff, WrapString("Upper bound for the backoff interval"))

	key = "retry-multiplier"
	cmd.PersistentFlags().Float64(key, defaults.Retry.BackoffMultiplier, WrapString("Exponential backoff growth factor"))

	key = "retry-jitter"
	cmd.PersistentFlags().Bool(key, defaults.Retry.Jitter, WrapString("Whether to randomize the backoff intervals"))

	key = "shutdown-timeout"
	cmd.PersistentFlags().Duration(key, defaults.ShutdownTimeout, WrapString("Drain timeout used on shutdown"))
}

// InitConfig initializes configuration from environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("wbkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.PersistentFlags())
}

// GetEngineOptions reads the engine configuration from viper
func GetEngineOptions() (*cache.Options, error) {
	opts := cache.DefaultOptions()
	opts.BatchSize = viper.GetInt("batch-size")
	opts.MaxDelay = viper.GetDuration("max-delay")
	opts.FlushInterval = viper.GetDuration("flush-interval")
	opts.QueueCapacity = viper.GetInt("queue-capacity")
	opts.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	opts.Retry = cache.RetryConfig{
		MaxAttempts:       viper.GetInt("retry-max-attempts"),
		InitialBackoff:    viper.GetDuration("retry-initial-backoff"),
		MaxBackoff:        viper.GetDuration("retry-max-backoff"),
		BackoffMultiplier: viper.GetFloat64("retry-multiplier"),
		Jitter:            viper.GetBool("retry-jitter"),
	}

	switch strings.ToLower(viper.GetString("admission")) {
	case "block":
		opts.Admission = cache.AdmissionBlock
	case "reject":
		opts.Admission = cache.AdmissionReject
	case "drop-oldest":
		opts.Admission = cache.AdmissionDropOldest
	default:
		return nil, fmt.Errorf("unknown admission policy: %s (must be block, reject or drop-oldest)", viper.GetString("admission"))
	}

	return opts, nil
}

// GetStore creates the backing store selected via configuration
func GetStore() (backing.IBackingStore, error) {
	switch strings.ToLower(viper.GetString("store")) {
	case "memory":
		return memory.NewMemoryStore(), nil
	case "sqlite":
		return sqlite.NewSQLiteStore(viper.GetString("sqlite-path"))
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     viper.GetString("redis-addr"),
			Password: viper.GetString("redis-password"),
			DB:       viper.GetInt("redis-db"),
		})
		return redisstore.NewRedisStore(client, viper.GetString("redis-prefix")), nil
	default:
		return nil, fmt.Errorf("unknown store: %s (must be memory, sqlite or redis)", viper.GetString("store"))
	}
}
