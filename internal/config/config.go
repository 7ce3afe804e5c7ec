package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// TLS 模式取值。
const (
	TLSModeOff      = "off"      // 明文
	TLSModeStartTLS = "starttls" // 机会性加密，客户端可选 STARTTLS
	TLSModeRequired = "required" // 隐式 TLS，端口直接握手
)

// ListenerConfig 定义单个 SMTP 接收端口的配置。
type ListenerConfig struct {
	Enabled  bool   // 是否启用该监听器
	BindAddr string // 监听地址，格式 "host:port"
	TLSMode  string // off / starttls / required
	CertFile string // TLS 证书路径，TLSMode 非 off 时必填
	KeyFile  string // TLS 私钥路径
}

// SMTPConfig 定义邮件接收服务的配置。
type SMTPConfig struct {
	Hostname       string         // 服务器域名，用于 HELO/EHLO 响应
	Primary        ListenerConfig // 主监听器，必开
	Secondary      ListenerConfig // 副监听器，可选
	MaxConnections int            // 单监听器最大并发连接数
	MaxConnRate    int            // 每秒最大新建连接数
}

// RelayConfig 定义中继与核算的核心业务配置。
type RelayConfig struct {
	AllowedDomains       []string      // 受理的收件域名列表
	AccountingInterval   time.Duration // 核算任务执行周期，同时是"即将到期"的前瞻窗口
	MessageRetention     time.Duration // 邮件保留期，超期删除
	TransactionRetention time.Duration // 事务行保留期，0 表示永不删除
	StatisticsRetention  int           // 统计条目保留天数
	MaxMessageBytes      int64         // 单封邮件最大字节数，超限静默丢弃
	RecordRejected       bool          // 是否为被拒信封记录投递事件
	QuoteForwardedBody   bool          // 转发时是否以引用格式包装正文
}

// OutboundConfig 定义外发 SMTP 传输的配置。
type OutboundConfig struct {
	Host        string // 上游 SMTP 主机
	Port        int    // 上游 SMTP 端口
	Username    string // 认证用户名，留空表示匿名
	Password    string // 认证密码
	ImplicitTLS bool   // true 使用隐式 TLS，false 走 STARTTLS
	Debug       bool   // 是否记录外发会话细节
}

// OpsConfig 定义运维端点（健康检查与指标）的配置。
type OpsConfig struct {
	BindAddr string // 监听地址，留空表示不开启
}

// LogConfig 定义日志系统配置。
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 控制台彩色输出与堆栈信息
	File        string // 日志文件路径，留空只输出到标准输出
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）。
type DatabaseConfig struct {
	Type            string        // "mysql" 或 "postgres"，留空使用内存存储
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数
	MaxIdleConns    int           // 最大空闲连接数
	ConnMaxLifetime time.Duration // 连接最大生命周期
}

// RedisConfig 定义邮箱目录缓存的 Redis 配置。
type RedisConfig struct {
	Address  string        // Redis 地址，留空表示不启用缓存
	Password string        // 认证密码
	DB       int           // 数据库编号
	CacheTTL time.Duration // 邮箱缓存有效期
}

// Config 是中继服务配置的根结构体。
type Config struct {
	SMTP     SMTPConfig
	Relay    RelayConfig
	Outbound OutboundConfig
	Ops      OpsConfig
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
}

// Load 从环境变量和 .env 文件加载配置。
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: FWDMAIL_
// 例如: FWDMAIL_RELAY_ALLOWED_DOMAINS, FWDMAIL_SMTP_PRIMARY_BIND_ADDR
func Load() (*Config, error) {
	loadEnvFile()

	viper.SetEnvPrefix("fwdmail")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("smtp.hostname", "relay.local")
	viper.SetDefault("smtp.primary.bind_addr", ":25")
	viper.SetDefault("smtp.primary.tls_mode", TLSModeOff)
	viper.SetDefault("smtp.primary.cert_file", "")
	viper.SetDefault("smtp.primary.key_file", "")
	viper.SetDefault("smtp.secondary.enabled", false)
	viper.SetDefault("smtp.secondary.bind_addr", ":465")
	viper.SetDefault("smtp.secondary.tls_mode", TLSModeRequired)
	viper.SetDefault("smtp.secondary.cert_file", "")
	viper.SetDefault("smtp.secondary.key_file", "")
	viper.SetDefault("smtp.max_connections", 200)
	viper.SetDefault("smtp.max_conn_rate", 50)
	viper.SetDefault("relay.allowed_domains", "fwd.mail")
	viper.SetDefault("relay.accounting_interval", "5m")
	viper.SetDefault("relay.message_retention", "720h") // 30 天
	viper.SetDefault("relay.transaction_retention", "disabled")
	viper.SetDefault("relay.statistics_retention_days", 90)
	viper.SetDefault("relay.max_message_bytes", 10<<20)
	viper.SetDefault("relay.record_rejected", true)
	viper.SetDefault("relay.quote_forwarded_body", false)
	viper.SetDefault("outbound.host", "127.0.0.1")
	viper.SetDefault("outbound.port", 25)
	viper.SetDefault("outbound.username", "")
	viper.SetDefault("outbound.password", "")
	viper.SetDefault("outbound.implicit_tls", false)
	viper.SetDefault("outbound.debug", false)
	viper.SetDefault("ops.bind_addr", "")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")
	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.address", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.cache_ttl", "1m")

	domainList := parseDomains(viper.GetString("relay.allowed_domains"))
	if len(domainList) == 0 {
		return nil, fmt.Errorf("relay.allowed_domains must not be empty")
	}

	accountingInterval, err := time.ParseDuration(viper.GetString("relay.accounting_interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid relay.accounting_interval: %w", err)
	}
	if accountingInterval <= 0 {
		return nil, fmt.Errorf("relay.accounting_interval must be positive")
	}

	messageRetention, err := time.ParseDuration(viper.GetString("relay.message_retention"))
	if err != nil {
		return nil, fmt.Errorf("invalid relay.message_retention: %w", err)
	}

	transactionRetention, err := parseRetention(viper.GetString("relay.transaction_retention"))
	if err != nil {
		return nil, fmt.Errorf("invalid relay.transaction_retention: %w", err)
	}

	maxMessageBytes := viper.GetInt64("relay.max_message_bytes")
	if maxMessageBytes <= 0 {
		return nil, fmt.Errorf("relay.max_message_bytes must be positive")
	}

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	cacheTTL, err := time.ParseDuration(viper.GetString("redis.cache_ttl"))
	if err != nil {
		cacheTTL = time.Minute
	}

	primary := loadListener("smtp.primary")
	primary.Enabled = true
	secondary := loadListener("smtp.secondary")
	secondary.Enabled = viper.GetBool("smtp.secondary.enabled")

	for _, listener := range []ListenerConfig{primary, secondary} {
		if !listener.Enabled {
			continue
		}
		if err := validateListener(listener); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		SMTP: SMTPConfig{
			Hostname:       viper.GetString("smtp.hostname"),
			Primary:        primary,
			Secondary:      secondary,
			MaxConnections: viper.GetInt("smtp.max_connections"),
			MaxConnRate:    viper.GetInt("smtp.max_conn_rate"),
		},
		Relay: RelayConfig{
			AllowedDomains:       domainList,
			AccountingInterval:   accountingInterval,
			MessageRetention:     messageRetention,
			TransactionRetention: transactionRetention,
			StatisticsRetention:  viper.GetInt("relay.statistics_retention_days"),
			MaxMessageBytes:      maxMessageBytes,
			RecordRejected:       viper.GetBool("relay.record_rejected"),
			QuoteForwardedBody:   viper.GetBool("relay.quote_forwarded_body"),
		},
		Outbound: OutboundConfig{
			Host:        viper.GetString("outbound.host"),
			Port:        viper.GetInt("outbound.port"),
			Username:    viper.GetString("outbound.username"),
			Password:    viper.GetString("outbound.password"),
			ImplicitTLS: viper.GetBool("outbound.implicit_tls"),
			Debug:       viper.GetBool("outbound.debug"),
		},
		Ops: OpsConfig{
			BindAddr: viper.GetString("ops.bind_addr"),
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
			CacheTTL: cacheTTL,
		},
	}

	return cfg, nil
}

// loadListener 读取一个监听器的配置段。
func loadListener(prefix string) ListenerConfig {
	return ListenerConfig{
		BindAddr: viper.GetString(prefix + ".bind_addr"),
		TLSMode:  strings.ToLower(viper.GetString(prefix + ".tls_mode")),
		CertFile: viper.GetString(prefix + ".cert_file"),
		KeyFile:  viper.GetString(prefix + ".key_file"),
	}
}

// validateListener 校验监听器配置的一致性。
func validateListener(listener ListenerConfig) error {
	switch listener.TLSMode {
	case TLSModeOff:
		return nil
	case TLSModeStartTLS, TLSModeRequired:
		if listener.CertFile == "" || listener.KeyFile == "" {
			return fmt.Errorf("listener %s: tls_mode %q requires cert_file and key_file", listener.BindAddr, listener.TLSMode)
		}
		return nil
	default:
		return fmt.Errorf("listener %s: unknown tls_mode %q", listener.BindAddr, listener.TLSMode)
	}
}

// parseRetention 解析事务行保留期。
//
// "disabled" 与 "0" 都是"永不删除"的合法写法，统一返回 0；
// 不引入第三种含义。
func parseRetention(value string) (time.Duration, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" || value == "disabled" || value == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("retention must not be negative")
	}
	return d, nil
}

// parseDomains 将逗号分隔的域名字符串解析为小写域名数组。
func parseDomains(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.ToLower(strings.TrimSpace(part))
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件。
//
// 先找当前目录，再找父目录；文件不存在时静默跳过，
// 已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
