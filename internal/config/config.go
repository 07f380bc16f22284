package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Log     LogConfig
	AI      AIConfig
	Market  MarketConfig
	Store   StoreConfig
	Symbols string
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	logCfg := LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Format: getEnvOrDefault("LOG_FORMAT", "console"),
	}
	if logCfg.Format != "console" && logCfg.Format != "json" {
		return nil, fmt.Errorf("invalid LOG_FORMAT value: %q", logCfg.Format)
	}

	market := MarketConfig{
		APIKey:  strings.TrimSpace(os.Getenv("POLYGON_API_KEY")),
		BaseURL: getEnvOrDefault("POLYGON_BASE_URL", "https://api.polygon.io"),
	}

	return &Config{
		Server:  server,
		Log:     logCfg,
		AI:      ai,
		Market:  market,
		Store:   store,
		Symbols: strings.TrimSpace(os.Getenv("SYMBOLS_FILE")),
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	origins := splitList(getEnvOrDefault("ALLOWED_ORIGINS", "*"))

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8000"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8000" 或 "127.0.0.1:8000"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	host := strings.TrimSpace(os.Getenv("HOST"))
	return ServerConfig{Addr: host + ":" + port, AllowedOrigins: origins}, nil
}

// LogConfig 描述日志级别与输出格式。
type LogConfig struct {
	Level  string
	Format string
}

// MarketConfig 描述行情数据服务配置。
type MarketConfig struct {
	APIKey  string
	BaseURL string
}

// Enabled 表示是否提供了行情 API 密钥。
func (c MarketConfig) Enabled() bool {
	return c.APIKey != ""
}

// StoreConfig 描述会话历史存储。Path 为空时使用内存存储。
type StoreConfig struct {
	Path         string
	HistoryLimit int
}

func loadStoreConfig() (StoreConfig, error) {
	limit := 20
	if override, err := parseOptionalIntEnv("HISTORY_LIMIT"); err != nil {
		return StoreConfig{}, err
	} else if override != nil {
		if *override < 1 {
			limit = 1
		} else {
			limit = *override
		}
	}
	return StoreConfig{
		Path:         strings.TrimSpace(os.Getenv("STORE_PATH")),
		HistoryLimit: limit,
	}, nil
}

// Providers
const (
	ProviderArk    = "ark"
	ProviderOpenAI = "openai"
)

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider string
	Ark      ArkConfig
	OpenAI   OpenAIConfig
}

// Enabled 表示所选模型提供方的密钥已配置。
func (c AIConfig) Enabled() bool {
	switch c.Provider {
	case ProviderOpenAI:
		return c.OpenAI.Enabled()
	default:
		return c.Ark.Enabled()
	}
}

// ArkConfig 描述火山方舟模型配置。
type ArkConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c ArkConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c ArkConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: set ARK_API_KEY + Model or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	chatModel, err := ark.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create ark chat model: %w", err)
	}
	return chatModel, nil
}

// OpenAIConfig 描述 OpenAI 兼容接口配置。
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Enabled 表示是否提供了 API 密钥。
func (c OpenAIConfig) Enabled() bool {
	return c.APIKey != ""
}

func loadAIConfig() (AIConfig, error) {
	provider := strings.ToLower(getEnvOrDefault("LLM_PROVIDER", ProviderArk))
	if provider != ProviderArk && provider != ProviderOpenAI {
		return AIConfig{}, fmt.Errorf("invalid LLM_PROVIDER value: %q", provider)
	}

	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		Provider: provider,
		Ark: ArkConfig{
			APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
			AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
			SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
			Model:       strings.TrimSpace(os.Getenv("Model")),
			BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
			Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
			Temperature: temperature,
			TopP:        topP,
			MaxTokens:   maxTokens,
		},
		OpenAI: OpenAIConfig{
			APIKey:  strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
			Model:   getEnvOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL: strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		},
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
