package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 全局配置结构体
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	MDB       MDBConfig       `mapstructure:"mdb"`
	BTCPay    BTCPayConfig    `mapstructure:"btcpay"`
	Vending   VendingConfig   `mapstructure:"vending"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig 状态API服务配置
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// WebSocketConfig 显示屏推送通道配置
type WebSocketConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Path            string        `mapstructure:"path"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
}

// MDBConfig MDB总线配置
type MDBConfig struct {
	Port               string             `mapstructure:"port"`      // 串口设备路径，"auto"表示自动扫描
	MockMode           bool               `mapstructure:"mock_mode"` // 调试模式（使用模拟外设）
	PollInterval       time.Duration      `mapstructure:"poll_interval"`
	RetryTimes         int                `mapstructure:"retry_times"`
	ResetGPIO          int                `mapstructure:"reset_gpio"` // 复位线GPIO编号
	TransactionTimeout time.Duration      `mapstructure:"transaction_timeout"`
	Profiles           []ProfileCandidate `mapstructure:"profiles"` // 按探测顺序排列的候选配置
}

// ProfileCandidate 候选传输配置
type ProfileCandidate struct {
	Dialect          string        `mapstructure:"dialect"` // "text" 或 "binary"
	BaudRate         int           `mapstructure:"baud_rate"`
	CommandTimeout   time.Duration `mapstructure:"command_timeout"`
	InterByteTimeout time.Duration `mapstructure:"inter_byte_timeout"`
}

// BTCPayConfig 支付网关配置
type BTCPayConfig struct {
	ServerURL      string        `mapstructure:"server_url"`
	StoreID        string        `mapstructure:"store_id"`
	APIKey         string        `mapstructure:"api_key"`
	PaymentTimeout time.Duration `mapstructure:"payment_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RetryTimes     int           `mapstructure:"retry_times"`
}

// VendingConfig 售货机配置
type VendingConfig struct {
	Currency  string `mapstructure:"currency"`
	MinAmount int64  `mapstructure:"min_amount"` // 最小售价（分）
	MaxAmount int64  `mapstructure:"max_amount"` // 最大售价（分）
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()

		// 设置配置文件路径
		if configPath != "" {
			v.SetConfigFile(configPath)
		} else {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath("./config")
			v.AddConfigPath(".")
		}

		// 设置环境变量前缀
		v.SetEnvPrefix("VENDING")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		// 设置默认值
		setDefaults(v)

		// 读取配置文件
		if err = v.ReadInConfig(); err != nil {
			// 如果配置文件不存在，使用默认配置
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return
			}
			err = nil
		}

		// 解析配置到结构体
		cfg = &Config{}
		if err = v.Unmarshal(cfg); err != nil {
			return
		}

		err = cfg.Validate()
	})

	return err
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 状态API默认配置
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// 数据库默认配置
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/vending.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", true)

	// WebSocket默认配置
	v.SetDefault("websocket.enabled", true)
	v.SetDefault("websocket.path", "/ws/display")
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.ping_interval", "30s")

	// MDB默认配置
	v.SetDefault("mdb.port", "auto")
	v.SetDefault("mdb.mock_mode", false)
	v.SetDefault("mdb.poll_interval", "100ms")
	v.SetDefault("mdb.retry_times", 3)
	v.SetDefault("mdb.reset_gpio", 17)
	v.SetDefault("mdb.transaction_timeout", "5m")

	// 支付网关默认配置
	v.SetDefault("btcpay.payment_timeout", "5m")
	v.SetDefault("btcpay.poll_interval", "2s")
	v.SetDefault("btcpay.retry_times", 3)

	// 售货机默认配置
	v.SetDefault("vending.currency", "EUR")
	v.SetDefault("vending.min_amount", 50)    // 0.50
	v.SetDefault("vending.max_amount", 10000) // 100.00

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "both")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "vending.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Vending.MaxAmount <= c.Vending.MinAmount {
		return fmt.Errorf("无效的价格区间: min=%d max=%d", c.Vending.MinAmount, c.Vending.MaxAmount)
	}
	if c.MDB.RetryTimes <= 0 {
		return fmt.Errorf("无效的重试次数: %d", c.MDB.RetryTimes)
	}
	for i, p := range c.MDB.Profiles {
		switch p.Dialect {
		case "text", "binary":
		default:
			return fmt.Errorf("候选配置%d使用了未知方言: %s", i, p.Dialect)
		}
		if p.BaudRate <= 0 {
			return fmt.Errorf("候选配置%d波特率无效: %d", i, p.BaudRate)
		}
	}
	return nil
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()

		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}
		if err := newCfg.Validate(); err != nil {
			fmt.Printf("配置重载校验失败: %v\n", err)
			return
		}

		cfg = newCfg

		if callback != nil {
			callback(cfg)
		}

		fmt.Println("配置已重新加载")
	})
}

// GetDuration 获取时间间隔配置
func GetDuration(key string) time.Duration {
	return v.GetDuration(key)
}

// IsSet 检查配置项是否存在
func IsSet(key string) bool {
	return v.IsSet(key)
}
