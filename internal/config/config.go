// Package config 配置
package config

import (
	"strconv"
	"strings"
	"time"

	envconfig "github.com/dualstore/saga/pkg/config"
)

// Inventory backends
const (
	InventoryBackendRedis = "redis"
	InventoryBackendMongo = "mongo"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int
	LogLevel    string

	// PostgreSQL (order ledger)
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (inventory, saga log, events)
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisTLS        bool
	RedisCACert     string
	RedisCert       string
	RedisKey        string
	RedisServerName string

	// Inventory document store
	InventoryBackend string
	MongoURI         string
	MongoDatabase    string
	MongoCollection  string

	// Saga
	SagaEventChannel  string
	StaleSagaAfter    time.Duration
	StaleSagaSchedule string
	SeedOnStart       bool

	// Tracing
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: envconfig.GetEnv("SERVICE_NAME", "saga-coordinator"),
		HTTPPort:    envconfig.GetEnvInt("HTTP_PORT", 8080),
		LogLevel:    envconfig.GetEnv("LOG_LEVEL", "info"),

		DBHost:     envconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:     envconfig.GetEnvInt("DB_PORT", 5432),
		DBUser:     envconfig.GetEnv("DB_USER", "saga"),
		DBPassword: envconfig.GetEnv("DB_PASSWORD", "saga"),
		DBName:     envconfig.GetEnv("DB_NAME", "orders"),
		DBSSLMode:  envconfig.GetEnv("DB_SSLMODE", "disable"),

		RedisAddr:       envconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   envconfig.GetEnv("REDIS_PASSWORD", ""),
		RedisDB:         envconfig.GetEnvInt("REDIS_DB", 0),
		RedisTLS:        envconfig.GetEnvBool("REDIS_TLS", false),
		RedisCACert:     envconfig.GetEnv("REDIS_CACERT", ""),
		RedisCert:       envconfig.GetEnv("REDIS_CERT", ""),
		RedisKey:        envconfig.GetEnv("REDIS_KEY", ""),
		RedisServerName: envconfig.GetEnv("REDIS_SERVER_NAME", ""),

		InventoryBackend: normalizeBackend(envconfig.GetEnv("INVENTORY_BACKEND", InventoryBackendRedis)),
		MongoURI:         envconfig.GetEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:    envconfig.GetEnv("MONGO_DATABASE", "dualstore"),
		MongoCollection:  envconfig.GetEnv("MONGO_COLLECTION", "inventory"),

		SagaEventChannel:  envconfig.GetEnv("SAGA_EVENT_CHANNEL", "saga:events"),
		StaleSagaAfter:    envconfig.GetEnvDuration("STALE_SAGA_AFTER", 5*time.Minute),
		StaleSagaSchedule: envconfig.GetEnv("STALE_SAGA_SCHEDULE", "@every 1m"),
		SeedOnStart:       envconfig.GetEnvBool("SEED_ON_START", true),

		TracingEnabled:    envconfig.GetEnvBool("TRACING_ENABLED", false),
		TracingEndpoint:   envconfig.GetEnv("TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
		TracingSampleRate: envconfig.GetEnvFloat64("TRACING_SAMPLE_RATE", 1.0),
	}
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=" + c.DBSSLMode
}

// 未知取值回退到 redis
func normalizeBackend(v string) string {
	switch strings.ToLower(v) {
	case InventoryBackendMongo:
		return InventoryBackendMongo
	default:
		return InventoryBackendRedis
	}
}
