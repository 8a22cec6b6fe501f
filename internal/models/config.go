package models

import "time"

// Config 结构体定义了编排器与回测引擎的所有配置参数。
type Config struct {
	DBPath      string `json:"db_path"`      // Badger 数据库文件路径
	TradeDBPath string `json:"trade_db_path"` // sqlite 交易记录数据库路径

	// Broker 配置。URL为空时使用进程内总线。
	BrokerURL        string `json:"broker_url,omitempty"`
	BrokerQueueSize  int    `json:"broker_queue_size" validate:"gte=0"` // 出站队列上限，超出后丢弃最旧消息
	AgentCommand     string `json:"agent_command"`                      // Supervisor 启动机器人进程所用的命令
	AgentGracePeriod int    `json:"agent_grace_period_sec" validate:"gte=0"`

	// 生命周期控制参数
	HeartbeatIntervalSec int `json:"heartbeat_interval_sec" validate:"gte=0"`
	MissedHeartbeats     int `json:"missed_heartbeats" validate:"gte=0"` // 超过该倍数未收到心跳则判定失败
	StartTimeoutSec      int `json:"start_timeout_sec" validate:"gte=0"`
	StopTimeoutSec       int `json:"stop_timeout_sec" validate:"gte=0"`
	RetryAttempts        int `json:"retry_attempts" validate:"gte=0"`
	RetryInitialDelayMs  int `json:"retry_initial_delay_ms" validate:"gte=0"`
	RetryMaxDelayMs      int `json:"retry_max_delay_ms" validate:"gte=0"`

	// 回测引擎特定配置
	InitialInvestment float64 `json:"initial_investment" validate:"gte=0"` // 初始资金 (USDT)
	FeeRate           float64 `json:"fee_rate" validate:"gte=0"`           // 手续费率
	SlippageRate      float64 `json:"slippage_rate" validate:"gte=0"`      // 滑点率
	PeriodsPerYear    float64 `json:"periods_per_year" validate:"gte=0"`   // 夏普比率年化所用的周期数

	// 启动时由编排器创建的机器人列表
	Bots []BotSpec `json:"bots,omitempty" validate:"dive"`

	LogConfig LogConfig `json:"log"` // 日志配置
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// ApplyDefaults fills every zero-valued tunable with its deployment default.
// The defaults match the values the tests are written against.
func (c *Config) ApplyDefaults() {
	if c.BrokerQueueSize == 0 {
		c.BrokerQueueSize = 1000
	}
	if c.AgentGracePeriod == 0 {
		c.AgentGracePeriod = 5
	}
	if c.HeartbeatIntervalSec == 0 {
		c.HeartbeatIntervalSec = 10
	}
	if c.MissedHeartbeats == 0 {
		c.MissedHeartbeats = 3
	}
	if c.StartTimeoutSec == 0 {
		c.StartTimeoutSec = 30
	}
	if c.StopTimeoutSec == 0 {
		c.StopTimeoutSec = 30
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryInitialDelayMs == 0 {
		c.RetryInitialDelayMs = 500
	}
	if c.RetryMaxDelayMs == 0 {
		c.RetryMaxDelayMs = 10000
	}
	if c.InitialInvestment == 0 {
		c.InitialInvestment = 10000
	}
	if c.PeriodsPerYear == 0 {
		c.PeriodsPerYear = 525600 // 1m candles
	}
}

// HeartbeatInterval 返回心跳间隔。
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

// StartTimeout 返回等待 Running 确认的超时时间。
func (c *Config) StartTimeout() time.Duration {
	return time.Duration(c.StartTimeoutSec) * time.Second
}

// StopTimeout 返回等待 Stopped 确认的超时时间。
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSec) * time.Second
}
