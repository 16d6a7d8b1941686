// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"docqa-go/pkg/errs"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 与 configs/config.yaml 的结构一一对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	VectorStore   VectorStoreConfig   `mapstructure:"vector_store"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Chromem       ChromemConfig       `mapstructure:"chromem"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	RAG           RAGConfig           `mapstructure:"rag"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储 MySQL 与 Redis 的连接配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储签发访问令牌所需的配置。Clients 为 client_id -> bcrypt 哈希后的密钥。
type JWTConfig struct {
	Secret                 string            `mapstructure:"secret"`
	AccessTokenExpireHours int               `mapstructure:"access_token_expire_hours"`
	Clients                map[string]string `mapstructure:"clients"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 为空的 Brokers 表示不使用 Kafka，任务在进程内执行。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

type TikaConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// VectorStoreConfig 选择向量存储后端：elasticsearch | pgvector | chromem。
type VectorStoreConfig struct {
	Backend string `mapstructure:"backend"`
}

type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

type PostgresConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// ChromemConfig 中 Path 为空时使用纯内存数据库。
type ChromemConfig struct {
	Path       string `mapstructure:"path"`
	Collection string `mapstructure:"collection"`
}

type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	BaseURL           string  `mapstructure:"base_url"`
	Model             string  `mapstructure:"model"`
	BatchSize         int     `mapstructure:"batch_size"`
	Concurrency       int     `mapstructure:"concurrency"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey            string              `mapstructure:"api_key"`
	BaseURL           string              `mapstructure:"base_url"`
	Model             string              `mapstructure:"model"`
	RequestsPerSecond float64             `mapstructure:"requests_per_second"`
	Generation        LLMGenerationConfig `mapstructure:"generation"`
	Prompt            LLMPromptConfig     `mapstructure:"prompt"`
}

type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMPromptConfig 配置系统提示与上下文包裹格式。
type LLMPromptConfig struct {
	Rules        string `mapstructure:"rules"`
	RefStart     string `mapstructure:"ref_start"`
	RefEnd       string `mapstructure:"ref_end"`
	NoResultText string `mapstructure:"no_result_text"`
}

// RAGConfig 是索引与检索的核心参数。
type RAGConfig struct {
	ChunkSize           int      `mapstructure:"chunk_size"`
	ChunkOverlap        int      `mapstructure:"chunk_overlap"`
	EmbeddingDimension  int      `mapstructure:"embedding_dimension"`
	SimilarityThreshold float64  `mapstructure:"similarity_threshold"`
	TopK                int      `mapstructure:"top_k"`
	MaxContextLength    int      `mapstructure:"max_context_length"`
	MaxFileSize         int64    `mapstructure:"max_file_size"`
	SupportedFormats    []string `mapstructure:"supported_formats"`
}

// PipelineConfig 控制阶段重试与外部调用超时。
type PipelineConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	Summarize   bool          `mapstructure:"summarize"`
	// SeedDir 中的文件在启动时被导入，已索引的文件跳过
	SeedDir     string        `mapstructure:"seed_dir"`
}

// Validate 检查分块与检索参数，不合法时返回 InvalidConfiguration。
func (c RAGConfig) Validate() error {
	const op = "config.RAG"
	switch {
	case c.ChunkSize <= 0:
		return errs.Newf(errs.InvalidConfiguration, op, "chunk_size must be positive, got %d", c.ChunkSize)
	case c.ChunkOverlap <= 0 || c.ChunkOverlap >= c.ChunkSize:
		return errs.Newf(errs.InvalidConfiguration, op, "chunk_overlap must be in (0, %d), got %d", c.ChunkSize, c.ChunkOverlap)
	case c.EmbeddingDimension <= 0:
		return errs.Newf(errs.InvalidConfiguration, op, "embedding_dimension must be positive, got %d", c.EmbeddingDimension)
	case c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1:
		return errs.Newf(errs.InvalidConfiguration, op, "similarity_threshold must be in [0, 1], got %v", c.SimilarityThreshold)
	case c.TopK <= 0:
		return errs.Newf(errs.InvalidConfiguration, op, "top_k must be positive, got %d", c.TopK)
	case c.MaxContextLength <= 0:
		return errs.Newf(errs.InvalidConfiguration, op, "max_context_length must be positive, got %d", c.MaxContextLength)
	case c.MaxFileSize <= 0:
		return errs.Newf(errs.InvalidConfiguration, op, "max_file_size must be positive, got %d", c.MaxFileSize)
	case len(c.SupportedFormats) == 0:
		return errs.New(errs.InvalidConfiguration, op, "supported_formats must not be empty")
	}
	return nil
}

func (c PipelineConfig) Validate() error {
	const op = "config.Pipeline"
	switch {
	case c.MaxAttempts < 1:
		return errs.Newf(errs.InvalidConfiguration, op, "max_attempts must be >= 1, got %d", c.MaxAttempts)
	case c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase:
		return errs.Newf(errs.InvalidConfiguration, op, "backoff_base/backoff_max invalid: %s/%s", c.BackoffBase, c.BackoffMax)
	case c.CallTimeout <= 0:
		return errs.Newf(errs.InvalidConfiguration, op, "call_timeout must be positive, got %s", c.CallTimeout)
	}
	return nil
}

// setDefaults 写入与原有部署一致的默认值，配置文件中缺失的键回落到这里。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8081")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("jwt.access_token_expire_hours", 24)
	v.SetDefault("kafka.topic", "docqa-pipeline")
	v.SetDefault("kafka.group_id", "docqa-pipeline-consumer")
	v.SetDefault("vector_store.backend", "chromem")
	v.SetDefault("elasticsearch.index_name", "docqa_chunks")
	v.SetDefault("postgres.table", "docqa_chunks")
	v.SetDefault("chromem.collection", "docqa_chunks")
	v.SetDefault("minio.bucket_name", "docqa-documents")
	// 密钥类的键需要默认值，AutomaticEnv 才能在 Unmarshal 时覆盖它们
	for _, key := range []string{"jwt.secret", "database.mysql.dsn", "postgres.dsn", "minio.access_key_id", "minio.secret_access_key", "embedding.api_key", "llm.api_key"} {
		v.SetDefault(key, "")
	}
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.batch_size", 25)
	v.SetDefault("embedding.concurrency", 4)
	v.SetDefault("embedding.requests_per_second", 10)
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.requests_per_second", 5)
	v.SetDefault("llm.generation.temperature", 0.7)
	v.SetDefault("llm.generation.max_tokens", 1000)
	v.SetDefault("rag.chunk_size", 1000)
	v.SetDefault("rag.chunk_overlap", 200)
	v.SetDefault("rag.embedding_dimension", 1536)
	v.SetDefault("rag.similarity_threshold", 0.25)
	v.SetDefault("rag.top_k", 5)
	v.SetDefault("rag.max_context_length", 4000)
	v.SetDefault("rag.max_file_size", 50*1024*1024)
	v.SetDefault("rag.supported_formats", []string{"pdf", "docx", "txt", "html"})
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.backoff_base", time.Second)
	v.SetDefault("pipeline.backoff_max", 30*time.Second)
	v.SetDefault("pipeline.call_timeout", 60*time.Second)
	v.SetDefault("pipeline.summarize", true)
	v.SetDefault("pipeline.seed_dir", "")
}

// Load 读取 .env、配置文件与 DOCQA_ 前缀的环境变量，返回校验后的配置。
func Load(configPath string) (Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DOCQA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.RAG.Validate(); err != nil {
		return Config{}, err
	}
	if err := cfg.Pipeline.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Init 加载配置到全局变量 Conf，失败时 panic。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
