package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Risk     RiskConfig     `mapstructure:"risk"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers       []string         `mapstructure:"brokers"`
	ConsumerGroup string           `mapstructure:"consumer_group"`
	Topic         KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	TransactionEvents string `mapstructure:"transaction_events"`
	TierNotifications string `mapstructure:"tier_notifications"`
}

type BusinessConfig struct {
	Currency                 string `mapstructure:"currency"`
	TreasuryUserID           int64  `mapstructure:"treasury_user_id"`             // 金库钱包（外部出入金对手方）
	PlatformFeeUserID        int64  `mapstructure:"platform_fee_user_id"`         // 平台手续费收入钱包
	MaxRetryCount            int    `mapstructure:"max_retry_count"`              // 发件箱最大重试次数
	ReconcileIntervalSeconds int    `mapstructure:"reconcile_interval_seconds"`   // 对账任务周期
	ReconcileBatchSize       int    `mapstructure:"reconcile_batch_size"`
}

// TierFloorConfig 等级限额兜底值，数据库没有等级默认行时生效
type TierFloorConfig struct {
	Tier           int     `mapstructure:"tier"`
	PerTransaction float64 `mapstructure:"per_transaction"`
	Daily          float64 `mapstructure:"daily"`
	Monthly        float64 `mapstructure:"monthly"`
}

type LimitsConfig struct {
	TierFloors []TierFloorConfig `mapstructure:"tier_floors"`
}

// RiskConfig 风险评分参数
// 权重与严重度映射按部署可调（默认值即规范常量），不写死在代码里
type RiskConfig struct {
	SeverityScores          map[string]int `mapstructure:"severity_scores"` // low/medium/high/critical -> 0-100
	VelocityWeight          float64        `mapstructure:"velocity_weight"`
	PatternWeight           float64        `mapstructure:"pattern_weight"`
	ComplianceWeight        float64        `mapstructure:"compliance_weight"`
	CriticalLevelThreshold  float64        `mapstructure:"critical_level_threshold"`
	HighLevelThreshold      float64        `mapstructure:"high_level_threshold"`
	MediumLevelThreshold    float64        `mapstructure:"medium_level_threshold"`
	CriticalAlertsForDemote int            `mapstructure:"critical_alerts_for_demote"` // 未关闭 critical 告警达到该数自动降级
	HighRiskCategories      []string       `mapstructure:"high_risk_categories"`
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	config.applyDefaults()

	GlobalConfig = config
	return config
}

// applyDefaults 缺省项兜底（与规范常量一致）
func (c *Config) applyDefaults() {
	if len(c.Risk.SeverityScores) == 0 {
		c.Risk.SeverityScores = map[string]int{
			"low":      25,
			"medium":   50,
			"high":     75,
			"critical": 100,
		}
	}
	if c.Risk.VelocityWeight == 0 && c.Risk.PatternWeight == 0 && c.Risk.ComplianceWeight == 0 {
		c.Risk.VelocityWeight = 0.4
		c.Risk.PatternWeight = 0.3
		c.Risk.ComplianceWeight = 0.3
	}
	if c.Risk.CriticalLevelThreshold == 0 {
		c.Risk.CriticalLevelThreshold = 70
	}
	if c.Risk.HighLevelThreshold == 0 {
		c.Risk.HighLevelThreshold = 50
	}
	if c.Risk.MediumLevelThreshold == 0 {
		c.Risk.MediumLevelThreshold = 30
	}
	if c.Risk.CriticalAlertsForDemote == 0 {
		c.Risk.CriticalAlertsForDemote = 3
	}
	if c.Business.Currency == "" {
		c.Business.Currency = "CNY"
	}
	if c.Business.MaxRetryCount == 0 {
		c.Business.MaxRetryCount = 5
	}
	if c.Business.ReconcileIntervalSeconds == 0 {
		c.Business.ReconcileIntervalSeconds = 300
	}
	if c.Business.ReconcileBatchSize == 0 {
		c.Business.ReconcileBatchSize = 200
	}
}
