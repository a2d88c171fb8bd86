package serverconfig

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type ConfigStore struct {
	FlagRunAddr       string
	FlagDatabase      string
	FlagRedisAddr     string
	RedisPassword     string
	FlagJWTSecret     string
	FlagTokenTTL      time.Duration
	FlagInternalToken string
	FlagLogProduction bool
	AdminEmail        string
	AdminPassword     string
	VisitRate         float64
	TrustedProxies    []string
	FlagMemoryStore   bool
}

func NewConfigStore() *ConfigStore {
	return &ConfigStore{
		FlagRunAddr:  ":8080",
		FlagTokenTTL: 72 * time.Hour,
		VisitRate:    2,
	}
}

// ParseFlags reads command line flags, then lets the environment override them.
// A .env file in the working directory is loaded first when present.
func (configStore *ConfigStore) ParseFlags() error {
	return configStore.Parse(flag.CommandLine, os.Args[1:])
}

func (configStore *ConfigStore) Parse(fs *flag.FlagSet, args []string) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}

	fs.StringVar(&configStore.FlagRunAddr, "a", configStore.FlagRunAddr, "address and port to run server")
	fs.StringVar(&configStore.FlagDatabase, "d", configStore.FlagDatabase, "postgres dsn, empty runs on the in-memory store")
	fs.StringVar(&configStore.FlagRedisAddr, "r", configStore.FlagRedisAddr, "redis address for the visit guard")
	fs.StringVar(&configStore.FlagJWTSecret, "s", configStore.FlagJWTSecret, "jwt signing secret")
	fs.DurationVar(&configStore.FlagTokenTTL, "t", configStore.FlagTokenTTL, "token lifetime")
	fs.StringVar(&configStore.FlagInternalToken, "i", configStore.FlagInternalToken, "shared secret of the internal endpoints")
	fs.BoolVar(&configStore.FlagLogProduction, "p", configStore.FlagLogProduction, "json logs")
	fs.BoolVar(&configStore.FlagMemoryStore, "memory", configStore.FlagMemoryStore, "keep the ledger in memory, development only")
	proxies := strings.Join(configStore.TrustedProxies, ",")
	fs.StringVar(&proxies, "x", proxies, "comma separated proxy addresses or CIDRs allowed to set X-Forwarded-For")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if envRunAddr := os.Getenv("RUN_ADDRESS"); envRunAddr != "" {
		configStore.FlagRunAddr = envRunAddr
	}
	if envDatabase := os.Getenv("DATABASE_URI"); envDatabase != "" {
		configStore.FlagDatabase = envDatabase
	}
	if envRedis := os.Getenv("REDIS_ADDR"); envRedis != "" {
		configStore.FlagRedisAddr = envRedis
	}
	if envRedisPassword := os.Getenv("REDIS_PASSWORD"); envRedisPassword != "" {
		configStore.RedisPassword = envRedisPassword
	}
	if envSecret := os.Getenv("JWT_SECRET"); envSecret != "" {
		configStore.FlagJWTSecret = envSecret
	}
	if envTTL := os.Getenv("TOKEN_TTL"); envTTL != "" {
		ttl, err := time.ParseDuration(envTTL)
		if err != nil {
			return fmt.Errorf("TOKEN_TTL: %w", err)
		}
		configStore.FlagTokenTTL = ttl
	}
	if envInternal := os.Getenv("INTERNAL_TOKEN"); envInternal != "" {
		configStore.FlagInternalToken = envInternal
	}
	if envProduction := os.Getenv("LOG_PRODUCTION"); envProduction != "" {
		production, err := strconv.ParseBool(envProduction)
		if err != nil {
			return fmt.Errorf("LOG_PRODUCTION: %w", err)
		}
		configStore.FlagLogProduction = production
	}
	if envRate := os.Getenv("VISIT_RATE"); envRate != "" {
		visitRate, err := strconv.ParseFloat(envRate, 64)
		if err != nil {
			return fmt.Errorf("VISIT_RATE: %w", err)
		}
		configStore.VisitRate = visitRate
	}
	if envProxies := os.Getenv("TRUSTED_PROXIES"); envProxies != "" {
		proxies = envProxies
	}
	configStore.TrustedProxies = splitList(proxies)
	if envMemory := os.Getenv("MEMORY_STORE"); envMemory != "" {
		memory, err := strconv.ParseBool(envMemory)
		if err != nil {
			return fmt.Errorf("MEMORY_STORE: %w", err)
		}
		configStore.FlagMemoryStore = memory
	}
	configStore.AdminEmail = os.Getenv("ADMIN_EMAIL")
	configStore.AdminPassword = os.Getenv("ADMIN_PASSWORD")

	if configStore.FlagJWTSecret == "" {
		return fmt.Errorf("jwt secret is required (-s or JWT_SECRET)")
	}
	if configStore.FlagTokenTTL <= 0 {
		return fmt.Errorf("token ttl must be positive")
	}
	if configStore.FlagDatabase == "" && !configStore.FlagMemoryStore {
		return fmt.Errorf("database dsn is required (-d or DATABASE_URI), use -memory for a throwaway in-memory ledger")
	}
	return nil
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
