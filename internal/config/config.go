// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Conf 是进程级配置，只在 main 中通过 Init 赋值；各组件通过构造函数接收自己需要的配置段。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Log           LogConfig           `mapstructure:"log"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Assistant     AssistantConfig     `mapstructure:"assistant"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
// Driver 取值 mysql 或 sqlite。
type DatabaseConfig struct {
	Driver string      `mapstructure:"driver"`
	DSN    string      `mapstructure:"dsn"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// LLMConfig 存储大语言模型相关的配置。
// Provider 为 openai（含 DeepSeek 等兼容接口）、gemini 或 demo；APIKey 为空时一律退化为 demo。
type LLMConfig struct {
	Provider   string              `mapstructure:"provider"`
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Timeout    time.Duration       `mapstructure:"timeout"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。Addresses 为空表示不启用检索。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// AssistantConfig 描述上下文组装与流式输出的行为。
type AssistantConfig struct {
	Persona    string          `mapstructure:"persona"`
	ContextTTL time.Duration   `mapstructure:"context_ttl"`
	Retrieval  RetrievalConfig `mapstructure:"retrieval"`
	Demo       DemoConfig      `mapstructure:"demo"`
}

// RetrievalConfig 控制知识库检索。
type RetrievalConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	MaxResults     int     `mapstructure:"max_results"`
	RelevanceFloor float64 `mapstructure:"relevance_floor"`
}

// DemoConfig 控制未配置模型时的演示输出。
type DemoConfig struct {
	FragmentDelay time.Duration `mapstructure:"fragment_delay"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// ArchiveConfig 控制对话归档（Kafka -> MinIO）。
type ArchiveConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// MetricsConfig 控制 Prometheus 指标暴露。
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DefaultRelevanceFloor 是未配置 relevance_floor 时的检索相关度下限。
const DefaultRelevanceFloor = 0.6

// DefaultPersona 是未配置 persona 时使用的系统指令。
const DefaultPersona = "You are a helpful assistant embedded in a web application. " +
	"Answer the user's questions clearly and concisely, using the page context and reference material when they are relevant."

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:pagechat.db?cache=shared")
	v.SetDefault("database.redis.addr", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// 空字符串默认值让 AutomaticEnv 能覆盖这些键
	for _, key := range []string{
		"database.redis.password", "llm.api_key", "llm.base_url", "embedding.api_key", "embedding.base_url",
		"elasticsearch.addresses", "elasticsearch.username", "elasticsearch.password", "kafka.brokers",
		"minio.endpoint", "minio.access_key_id", "minio.secret_access_key",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.generation.temperature", 0.7)
	v.SetDefault("llm.generation.max_tokens", 1024)

	v.SetDefault("embedding.model", "text-embedding-3-small")

	v.SetDefault("elasticsearch.index_name", "knowledge_base")

	v.SetDefault("assistant.persona", DefaultPersona)
	v.SetDefault("assistant.context_ttl", 10*time.Minute)
	v.SetDefault("assistant.retrieval.enabled", true)
	v.SetDefault("assistant.retrieval.max_results", 3)
	v.SetDefault("assistant.retrieval.relevance_floor", DefaultRelevanceFloor)
	v.SetDefault("assistant.demo.fragment_delay", 30*time.Millisecond)

	v.SetDefault("kafka.topic", "chat-turns")
	v.SetDefault("kafka.group_id", "pagechat-go-archiver")

	v.SetDefault("minio.bucket_name", "transcripts")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Load 读取 YAML 配置文件（可选）、.env 与环境变量，返回解析后的配置。
// 环境变量以下划线替代点号，例如 LLM_API_KEY 覆盖 llm.api_key。
func Load(configPath string) (Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
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
	return cfg, nil
}

// Init 加载配置并写入 Conf，失败时直接 panic，只应在进程启动时调用。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
