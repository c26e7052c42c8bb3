// Package config 负责加载和管理应用程序的配置
// 使用 viper 库支持 YAML 配置文件和环境变量覆盖
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 是应用程序的根配置结构
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`       // 服务器配置
	Database     DatabaseConfig     `mapstructure:"database"`     // 数据库驱动选择
	MySQL        MySQLConfig        `mapstructure:"mysql"`        // MySQL 配置
	Redis        RedisConfig        `mapstructure:"redis"`        // Redis 配置
	JWT          JWTConfig          `mapstructure:"jwt"`          // JWT 配置
	Log          LogConfig          `mapstructure:"log"`          // 日志配置
	AI           AIConfig           `mapstructure:"ai"`           // AI 服务配置
	Conversation ConversationConfig `mapstructure:"conversation"` // 对话限制与默认值
}

// ServerConfig 服务器相关配置
type ServerConfig struct {
	Port int      `mapstructure:"port"` // 监听端口，默认 8080
	Mode string   `mapstructure:"mode"` // 运行模式: debug / release
	CORS []string `mapstructure:"cors"` // CORS 允许的域名
}

// DatabaseConfig 数据库驱动配置
// driver 为 mysql 时使用 MySQLConfig，为 sqlite 时使用 SQLitePath
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"`      // mysql / sqlite
	SQLitePath string `mapstructure:"sqlite_path"` // SQLite 文件路径，":memory:" 表示内存库
}

// MySQLConfig MySQL 数据库连接配置
type MySQLConfig struct {
	Host         string `mapstructure:"host"`           // 数据库主机地址
	Port         int    `mapstructure:"port"`           // 数据库端口
	Username     string `mapstructure:"username"`       // 数据库用户名
	Password     string `mapstructure:"password"`       // 数据库密码
	Database     string `mapstructure:"database"`       // 数据库名称
	Charset      string `mapstructure:"charset"`        // 字符集
	MaxIdleConns int    `mapstructure:"max_idle_conns"` // 最大空闲连接数
	MaxOpenConns int    `mapstructure:"max_open_conns"` // 最大打开连接数
	MaxLifetime  int    `mapstructure:"max_lifetime"`   // 连接最大生命周期（秒）
}

// RedisConfig Redis 连接配置
// Enabled 为 false 时使用进程内锁与进程内事件分发
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`   // 是否启用 Redis
	Host     string `mapstructure:"host"`      // Redis 主机地址
	Port     int    `mapstructure:"port"`      // Redis 端口
	Username string `mapstructure:"username"`  // Redis 用户名
	Password string `mapstructure:"password"`  // Redis 密码
	DB       int    `mapstructure:"db"`        // 数据库索引 (0-15)
	PoolSize int    `mapstructure:"pool_size"` // 连接池大小
}

// JWTConfig JWT 认证配置
type JWTConfig struct {
	Secret       string        `mapstructure:"secret"`        // JWT 签名密钥，至少32字符
	Issuer       string        `mapstructure:"issuer"`        // 签发者
	AccessExpire time.Duration `mapstructure:"access_expire"` // Access Token 过期时间
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `mapstructure:"level"` // 日志级别: debug/info/warn/error
}

// AIConfig AI 服务配置（OpenAI 兼容接口）
type AIConfig struct {
	BaseURL string        `mapstructure:"base_url"` // 接口地址，如 https://api.openai.com/v1
	APIKey  string        `mapstructure:"api_key"`  // API Key
	Models  []string      `mapstructure:"models"`   // 可选模型列表
	Timeout time.Duration `mapstructure:"timeout"`  // 请求超时
}

// ConversationConfig 对话限制与默认值
type ConversationConfig struct {
	MaxMessages         int           `mapstructure:"max_messages"`          // 单个对话最大消息数
	MaxTokens           int64         `mapstructure:"max_tokens"`            // 单个对话最大令牌数
	DefaultTitle        string        `mapstructure:"default_title"`         // 默认标题
	DefaultModel        string        `mapstructure:"default_model"`         // 默认模型
	DefaultSystemPrompt string        `mapstructure:"default_system_prompt"` // 默认系统提示词
	TitleMaxRunes       int           `mapstructure:"title_max_runes"`       // 标题最大字符数
	ListLimit           int           `mapstructure:"list_limit"`            // 对话列表默认数量
	LockTTL             time.Duration `mapstructure:"lock_ttl"`              // 分布式锁过期时间
	AppendRetries       int           `mapstructure:"append_retries"`        // 序号冲突时的重试次数
	HistoryWindow       int           `mapstructure:"history_window"`        // 发给大模型的历史消息条数
	DefaultTemperature  float64       `mapstructure:"default_temperature"`   // 默认采样温度
	DefaultMaxTokens    int           `mapstructure:"default_max_tokens"`    // 单次回复默认最大令牌数
}

// Load 从指定路径加载配置文件
// 支持环境变量覆盖配置项
// 参数:
//   - configPath: 配置文件目录路径 (如 "./configs")
//
// 返回:
//   - *Config: 配置对象
//   - error: 如果加载失败则返回错误
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	// 例如: MYSQL_HOST -> mysql.host
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVariables(v)
	setDefaults(v)

	// 配置文件不存在时继续使用默认值和环境变量
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// bindEnvVariables 绑定环境变量到配置项
func bindEnvVariables(v *viper.Viper) {
	// 服务器配置
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.mode", "SERVER_MODE")

	// 数据库配置
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.sqlite_path", "DATABASE_SQLITE_PATH")

	// MySQL 配置
	v.BindEnv("mysql.host", "MYSQL_HOST")
	v.BindEnv("mysql.port", "MYSQL_PORT")
	v.BindEnv("mysql.username", "MYSQL_USERNAME")
	v.BindEnv("mysql.password", "MYSQL_PASSWORD")
	v.BindEnv("mysql.database", "MYSQL_DATABASE")

	// Redis 配置
	v.BindEnv("redis.enabled", "REDIS_ENABLED")
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.username", "REDIS_USERNAME")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// JWT 配置
	v.BindEnv("jwt.secret", "JWT_SECRET")

	// AI 配置
	v.BindEnv("ai.base_url", "AI_BASE_URL")
	v.BindEnv("ai.api_key", "AI_API_KEY")
}

// setDefaults 设置配置项的默认值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors", []string{"*"})

	// 数据库默认配置
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.sqlite_path", "nexusvoice.db")

	// MySQL 默认配置
	v.SetDefault("mysql.host", "localhost")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.charset", "utf8mb4")
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.max_open_conns", 100)
	v.SetDefault("mysql.max_lifetime", 3600)

	// Redis 默认配置
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 100)

	// JWT 默认配置
	v.SetDefault("jwt.issuer", "nexusvoice")
	v.SetDefault("jwt.access_expire", "24h")

	// 日志默认配置
	v.SetDefault("log.level", "info")

	// AI 默认配置
	v.SetDefault("ai.base_url", "https://api.openai.com/v1")
	v.SetDefault("ai.models", []string{"gpt-4o-mini", "gpt-4o", "deepseek-chat"})
	v.SetDefault("ai.timeout", "60s")

	// 对话默认配置
	v.SetDefault("conversation.max_messages", 100)
	v.SetDefault("conversation.max_tokens", 50000)
	v.SetDefault("conversation.default_title", "新对话")
	v.SetDefault("conversation.default_model", "gpt-4o-mini")
	v.SetDefault("conversation.default_system_prompt", "你是一个有用的AI助手")
	v.SetDefault("conversation.title_max_runes", 20)
	v.SetDefault("conversation.list_limit", 20)
	v.SetDefault("conversation.lock_ttl", "5s")
	v.SetDefault("conversation.append_retries", 3)
	v.SetDefault("conversation.history_window", 20)
	v.SetDefault("conversation.default_temperature", 0.7)
	v.SetDefault("conversation.default_max_tokens", 2000)
}
