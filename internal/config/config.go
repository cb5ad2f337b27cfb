// Package config loads the retrieval core's configuration from environment
// variables, with sensible defaults for local development. An optional YAML
// file can override any subset of those values, the same two-layer shape
// the teacher uses (env defaults, no config framework).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config aggregates configuration for every external dependency the core
// talks to.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Cache     CacheConfig     `yaml:"cache"`
	Deadlines DeadlineConfig  `yaml:"deadlines"`
	Server    ServerConfig    `yaml:"server"`
}

type DatabaseConfig struct {
	Host           string `yaml:"host"`
	Port           string `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	Name           string `yaml:"name"`
	SSLMode        string `yaml:"sslmode"`
	MaxConnections int    `yaml:"max_connections"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type QdrantConfig struct {
	Host    string        `yaml:"host"`
	Port    string        `yaml:"port"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// RetrievalConfig holds the default hybrid-fusion and expansion knobs; the
// per-query-type overrides live in package rag as they are not operator
// tunables.
type RetrievalConfig struct {
	DefaultTopK          int           `yaml:"default_top_k"`
	RerankTopK           int           `yaml:"rerank_top_k"`
	LexicalTopK          int           `yaml:"lexical_top_k"`
	VectorTopK           int           `yaml:"vector_top_k"`
	KGMaxTriples         int           `yaml:"kg_max_triples"`
	KGMaxHops            int           `yaml:"kg_max_hops"`
	AnswerDeadline       time.Duration `yaml:"answer_deadline"`
	RetrieveDeadline     time.Duration `yaml:"retrieve_deadline"`
	MaxSelfRAGRounds     int           `yaml:"max_self_rag_rounds"`
	CacheSimThreshold    float64       `yaml:"cache_sim_threshold"`
	MaxConcurrentAnswers int           `yaml:"max_concurrent_answers"`
}

type IngestConfig struct {
	MaxConcurrentDocs   int           `yaml:"max_concurrent_docs"`
	QueueCapacity       int           `yaml:"queue_capacity"`
	ReapTimeout         time.Duration `yaml:"reap_timeout"`
	EmbedMaxRetries     int           `yaml:"embed_max_retries"`
	EmbedBaseBackoff    time.Duration `yaml:"embed_base_backoff"`
	EmbedMaxBackoff     time.Duration `yaml:"embed_max_backoff"`
	EmbedBatchByteCap   int           `yaml:"embed_batch_byte_cap"`
	EmbedCallsPerSecond float64       `yaml:"embed_calls_per_second"`
}

type CacheConfig struct {
	MaxEntriesPerUser int           `yaml:"max_entries_per_user"`
	TTL               time.Duration `yaml:"ttl"`
}

type DeadlineConfig struct {
	Answer   time.Duration `yaml:"answer"`
	Retrieve time.Duration `yaml:"retrieve"`
}

// ServerConfig configures cmd/academe's optional HTTP surface.
type ServerConfig struct {
	Host         string   `yaml:"host"`
	Port         string   `yaml:"port"`
	CORSOrigins  []string `yaml:"cors_origins"`
}

// Load builds a Config from the environment, falling back to defaults
// matching local docker-compose setups.
func Load() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:           getEnv("DB_HOST", "localhost"),
			Port:           getEnv("DB_PORT", "5432"),
			User:           getEnv("DB_USER", "academe"),
			Password:       getEnv("DB_PASSWORD", "secret"),
			Name:           getEnv("DB_NAME", "academe_db"),
			SSLMode:        getEnv("DB_SSLMODE", "disable"),
			MaxConnections: getEnvInt("DB_MAX_CONNECTIONS", 20),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Qdrant: QdrantConfig{
			Host:    getEnv("QDRANT_HOST", "localhost"),
			Port:    getEnv("QDRANT_PORT", "6333"),
			APIKey:  getEnv("QDRANT_API_KEY", ""),
			Timeout: getEnvDuration("QDRANT_TIMEOUT", 10*time.Second),
		},
		Retrieval: RetrievalConfig{
			DefaultTopK:          getEnvInt("RETRIEVAL_TOP_K", 5),
			RerankTopK:           getEnvInt("RETRIEVAL_RERANK_TOP_K", 20),
			LexicalTopK:          getEnvInt("RETRIEVAL_LEXICAL_TOP_K", 20),
			VectorTopK:           getEnvInt("RETRIEVAL_VECTOR_TOP_K", 20),
			KGMaxTriples:         getEnvInt("RETRIEVAL_KG_MAX_TRIPLES", 32),
			KGMaxHops:            getEnvInt("RETRIEVAL_KG_MAX_HOPS", 2),
			AnswerDeadline:       getEnvDuration("ANSWER_DEADLINE", 30*time.Second),
			RetrieveDeadline:     getEnvDuration("RETRIEVE_DEADLINE", 5*time.Second),
			MaxSelfRAGRounds:     getEnvInt("SELF_RAG_MAX_ITERATIONS", 2),
			CacheSimThreshold:    getEnvFloat("CACHE_SIM_THRESHOLD", 0.95),
			MaxConcurrentAnswers: getEnvInt("RETRIEVAL_MAX_CONCURRENT_ANSWERS", 10),
		},
		Ingest: IngestConfig{
			MaxConcurrentDocs:   getEnvInt("INGEST_MAX_CONCURRENT", 4),
			QueueCapacity:       getEnvInt("INGEST_QUEUE_CAPACITY", 100),
			ReapTimeout:         getEnvDuration("INGEST_REAP_TIMEOUT", 10*time.Minute),
			EmbedMaxRetries:     getEnvInt("EMBED_MAX_RETRIES", 3),
			EmbedBaseBackoff:    getEnvDuration("EMBED_BASE_BACKOFF", 500*time.Millisecond),
			EmbedMaxBackoff:     getEnvDuration("EMBED_MAX_BACKOFF", 8*time.Second),
			EmbedBatchByteCap:   getEnvInt("EMBED_BATCH_BYTE_CAP", 200*1024),
			EmbedCallsPerSecond: getEnvFloat("EMBED_CALLS_PER_SECOND", 5),
		},
		Cache: CacheConfig{
			MaxEntriesPerUser: getEnvInt("CACHE_MAX_ENTRIES_PER_USER", 50),
			TTL:               getEnvDuration("CACHE_TTL", 24*time.Hour),
		},
		Deadlines: DeadlineConfig{
			Answer:   getEnvDuration("ANSWER_DEADLINE", 30*time.Second),
			Retrieve: getEnvDuration("RETRIEVE_DEADLINE", 5*time.Second),
		},
		Server: ServerConfig{
			Host:        getEnv("SERVER_HOST", "0.0.0.0"),
			Port:        getEnv("SERVER_PORT", "8080"),
			CORSOrigins: getEnvSlice("SERVER_CORS_ORIGINS", []string{"*"}),
		},
	}
}

// LoadWithOverrides calls Load and then, if path is non-empty and exists,
// unmarshals that YAML file over the result: keys present in the file
// replace the corresponding field, keys absent keep their env-derived
// value. A missing file at path is not an error (the override is optional);
// a malformed one is.
func LoadWithOverrides(path string) (*Config, error) {
	cfg := Load()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config override file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config override file %s: %w", path, err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
