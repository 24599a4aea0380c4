package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// 支持的数据库驱动。
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	Crawl    CrawlConfig    `json:"crawl"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Browser  BrowserConfig  `json:"browser"`
	Email    EmailConfig    `json:"email"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env          string `json:"env"`           // 运行环境: local / prod
	LogLevel     string `json:"log_level"`     // 日志级别: debug / info / warn / error
	HTTPAddr     string `json:"http_addr"`     // 运维接口监听地址，为空则不启动
	ReplaceLinks bool   `json:"replace_links"` // 重新抓取时是否同时清空香调/香料关联
}

// CrawlConfig 批量调度配置。
type CrawlConfig struct {
	BatchSize   int           `json:"batch_size"`   // 每批 URL 数量
	MinDelay    time.Duration `json:"min_delay"`    // 批次间最小休眠（如 "240s"）
	MaxDelay    time.Duration `json:"max_delay"`    // 批次间最大休眠
	MaxRetries  int           `json:"max_retries"`  // 单个 URL 最大重试次数
	URLsCSV     string        `json:"urls_csv"`     // 待抓取 URL 列表（首行为表头）
	StateFile   string        `json:"state_file"`   // 已完成 URL 状态文件
	FailureLog  string        `json:"failure_log"`  // 永久失败日志
	BaseURL     string        `json:"base_url"`     // 站点根地址，用于补全相对链接
	CountryJSON string        `json:"country_json"` // 导入器: 国家品牌数
	BrandJSON   string        `json:"brand_json"`   // 导入器: 国家 -> 品牌列表
	BrandCSV    string        `json:"brand_csv"`    // 导入器: 品牌详情（无表头）
}

// DatabaseConfig 关系数据库配置。
type DatabaseConfig struct {
	Driver             string `json:"driver"`                 // mysql / postgres / sqlite
	DSN                string `json:"dsn"`                    // 数据库连接字符串
	MaxIdleConns       int    `json:"max_idle_conns"`         // 0 表示每次操作独立建连
	MaxOpenConns       int    `json:"max_open_conns"`         // 最大连接数
	ConnMaxLifetimeSec int    `json:"conn_max_lifetime_sec"`  // 连接最长存活时间（秒）
}

// RedisConfig Redis 配置，仅用于分布式请求限流。
type RedisConfig struct {
	Addr      string  `json:"addr"`       // Redis 地址 (host:port)，为空则关闭限流
	Password  string  `json:"password"`   // Redis 密码
	DB        int     `json:"db"`         // Redis 库编号
	RateLimit float64 `json:"rate_limit"` // 限流速率（token/s）
	RateBurst float64 `json:"rate_burst"` // 限流桶容量
	RateKey   string  `json:"rate_key"`   // 令牌桶 key
}

// BrowserConfig 爬虫浏览器配置。
type BrowserConfig struct {
	BinPath            string        `json:"bin_path"`             // 浏览器可执行文件路径
	ProxyURL           string        `json:"proxy_url"`            // 代理服务器 URL
	Headless           bool          `json:"headless"`             // 是否使用无头模式
	UserAgent          string        `json:"user_agent"`           // 自定义 UA
	PageTimeout        time.Duration `json:"page_timeout"`         // 单页加载超时
	MaxScrolls         int           `json:"max_scrolls"`          // 评论区最大滚动次数
	ScrollPause        time.Duration `json:"scroll_pause"`         // 每次滚动后的等待
	DebugScreenshotDir string        `json:"debug_screenshot_dir"` // 拦截页截图目录，为空不截图
}

// EmailConfig 运行报告邮件配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	ToEmail   string `json:"to_email"`
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json（或 CONFIG_PATH 指定的文件），如果不存在则使用默认值。
//
// 参数:
//
//	configPath: 配置文件路径（为空时使用 CONFIG_PATH 或默认路径）
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载或校验失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg = getDefaultConfig()
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		applyDefaults(cfg)
	}

	// 环境变量优先覆盖配置
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验调度与数据库配置。
func (c *Config) Validate() error {
	if c.Crawl.BatchSize < 1 {
		return fmt.Errorf("crawl.batch_size must be >= 1, got %d", c.Crawl.BatchSize)
	}
	if c.Crawl.MinDelay < 0 || c.Crawl.MaxDelay < c.Crawl.MinDelay {
		return fmt.Errorf("crawl delay range invalid: min=%s max=%s", c.Crawl.MinDelay, c.Crawl.MaxDelay)
	}
	if c.Crawl.MaxRetries < 0 {
		return fmt.Errorf("crawl.max_retries must be >= 0, got %d", c.Crawl.MaxRetries)
	}
	switch c.Database.Driver {
	case DriverMySQL, DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	return nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:      "local",
			LogLevel: "info",
			HTTPAddr: ":9100",
		},
		Crawl: CrawlConfig{
			BatchSize:   25,
			MinDelay:    240 * time.Second,
			MaxDelay:    300 * time.Second,
			MaxRetries:  3,
			URLsCSV:     "data/urls.csv",
			StateFile:   "data/scraped_urls.json",
			FailureLog:  "data/failed_urls.json",
			BaseURL:     "https://www.fragrantica.com",
			CountryJSON: "data/countries.json",
			BrandJSON:   "data/brands.json",
			BrandCSV:    "data/brand_details.csv",
		},
		Database: DatabaseConfig{
			Driver:             DriverMySQL,
			DSN:                "root:password@tcp(localhost:3306)/perfumes?parseTime=true&loc=Local&charset=utf8mb4",
			MaxIdleConns:       0,
			MaxOpenConns:       4,
			ConnMaxLifetimeSec: 300,
		},
		Redis: RedisConfig{
			Addr:      "",
			RateLimit: 0.5,
			RateBurst: 1,
			RateKey:   "scentsymphony:ratelimit:fetch",
		},
		Browser: BrowserConfig{
			Headless:    true,
			PageTimeout: 60 * time.Second,
			MaxScrolls:  40,
			ScrollPause: 2 * time.Second,
		},
		Email: EmailConfig{
			SMTPPort: 587,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.Crawl.BatchSize == 0 {
		cfg.Crawl.BatchSize = defaults.Crawl.BatchSize
	}
	if cfg.Crawl.MinDelay == 0 && cfg.Crawl.MaxDelay == 0 {
		cfg.Crawl.MinDelay = defaults.Crawl.MinDelay
		cfg.Crawl.MaxDelay = defaults.Crawl.MaxDelay
	}
	if cfg.Crawl.MaxRetries == 0 {
		cfg.Crawl.MaxRetries = defaults.Crawl.MaxRetries
	}
	if cfg.Crawl.URLsCSV == "" {
		cfg.Crawl.URLsCSV = defaults.Crawl.URLsCSV
	}
	if cfg.Crawl.StateFile == "" {
		cfg.Crawl.StateFile = defaults.Crawl.StateFile
	}
	if cfg.Crawl.FailureLog == "" {
		cfg.Crawl.FailureLog = defaults.Crawl.FailureLog
	}
	if cfg.Crawl.BaseURL == "" {
		cfg.Crawl.BaseURL = defaults.Crawl.BaseURL
	}
	if cfg.Crawl.CountryJSON == "" {
		cfg.Crawl.CountryJSON = defaults.Crawl.CountryJSON
	}
	if cfg.Crawl.BrandJSON == "" {
		cfg.Crawl.BrandJSON = defaults.Crawl.BrandJSON
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = defaults.Database.Driver
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == DriverMySQL {
		cfg.Database.DSN = defaults.Database.DSN
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = defaults.Database.MaxOpenConns
	}
	if cfg.Database.ConnMaxLifetimeSec == 0 {
		cfg.Database.ConnMaxLifetimeSec = defaults.Database.ConnMaxLifetimeSec
	}
	if cfg.Redis.RateLimit == 0 {
		cfg.Redis.RateLimit = defaults.Redis.RateLimit
	}
	if cfg.Redis.RateBurst == 0 {
		cfg.Redis.RateBurst = defaults.Redis.RateBurst
	}
	if cfg.Redis.RateKey == "" {
		cfg.Redis.RateKey = defaults.Redis.RateKey
	}
	if cfg.Browser.PageTimeout == 0 {
		cfg.Browser.PageTimeout = defaults.Browser.PageTimeout
	}
	if cfg.Browser.MaxScrolls == 0 {
		cfg.Browser.MaxScrolls = defaults.Browser.MaxScrolls
	}
	if cfg.Browser.ScrollPause == 0 {
		cfg.Browser.ScrollPause = defaults.Browser.ScrollPause
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("chrome_bin", "CHROME_BIN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v, ok := os.LookupEnv("HTTP_ADDR"); ok {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("REPLACE_LINKS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.App.ReplaceLinks = b
		}
	}

	if v := os.Getenv("BATCH_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Crawl.BatchSize = i
		}
	}
	if v := os.Getenv("MIN_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Crawl.MinDelay = d
		}
	}
	if v := os.Getenv("MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Crawl.MaxDelay = d
		}
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Crawl.MaxRetries = i
		}
	}
	if v := os.Getenv("URLS_CSV"); v != "" {
		cfg.Crawl.URLsCSV = v
	}
	if v := os.Getenv("STATE_FILE"); v != "" {
		cfg.Crawl.StateFile = v
	}
	if v := os.Getenv("FAILURE_LOG"); v != "" {
		cfg.Crawl.FailureLog = v
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		cfg.Crawl.BaseURL = v
	}

	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.Database.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.Database.DSN = v
	} else if cfg.Database.Driver == DriverMySQL &&
		(hasAnyEnv("DB_PORT", "DB_USER", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "") {
		parsed := parseMySQLDSN(cfg.Database.DSN)
		if v := viper.GetString("db_host"); v != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = v + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.Database.DSN = parsed.FormatDSN()
	}
	if v := os.Getenv("DB_MAX_IDLE_CONNS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Database.MaxIdleConns = i
		}
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Redis.RateLimit = f
		}
	}
	if v := os.Getenv("RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Redis.RateBurst = f
		}
	}

	if v := viper.GetString("chrome_bin"); v != "" {
		cfg.Browser.BinPath = v
	}
	if v := os.Getenv("HTTP_PROXY_URL"); v != "" {
		cfg.Browser.ProxyURL = v
	}
	if v := os.Getenv("BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("REPORT_TO"); v != "" {
		cfg.Email.ToEmail = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	if dsn != "" {
		if parsed, err := mysql.ParseDSN(dsn); err == nil {
			return parsed
		}
	}
	cfg := mysql.NewConfig()
	cfg.User = "root"
	cfg.Net = "tcp"
	cfg.Addr = "localhost:3306"
	cfg.DBName = "perfumes"
	cfg.ParseTime = true
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (c *CrawlConfig) UnmarshalJSON(data []byte) error {
	type Alias CrawlConfig
	aux := &struct {
		MinDelay string `json:"min_delay"`
		MaxDelay string `json:"max_delay"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.MinDelay != "" {
		d, err := time.ParseDuration(aux.MinDelay)
		if err != nil {
			return fmt.Errorf("invalid min_delay format: %w", err)
		}
		c.MinDelay = d
	}
	if aux.MaxDelay != "" {
		d, err := time.ParseDuration(aux.MaxDelay)
		if err != nil {
			return fmt.Errorf("invalid max_delay format: %w", err)
		}
		c.MaxDelay = d
	}
	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (c CrawlConfig) MarshalJSON() ([]byte, error) {
	type Alias CrawlConfig
	return json.Marshal(&struct {
		MinDelay string `json:"min_delay"`
		MaxDelay string `json:"max_delay"`
		*Alias
	}{
		MinDelay: c.MinDelay.String(),
		MaxDelay: c.MaxDelay.String(),
		Alias:    (*Alias)(&c),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (b *BrowserConfig) UnmarshalJSON(data []byte) error {
	type Alias BrowserConfig
	aux := &struct {
		PageTimeout string `json:"page_timeout"`
		ScrollPause string `json:"scroll_pause"`
		*Alias
	}{
		Alias: (*Alias)(b),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.PageTimeout != "" {
		d, err := time.ParseDuration(aux.PageTimeout)
		if err != nil {
			return fmt.Errorf("invalid page_timeout format: %w", err)
		}
		b.PageTimeout = d
	}
	if aux.ScrollPause != "" {
		d, err := time.ParseDuration(aux.ScrollPause)
		if err != nil {
			return fmt.Errorf("invalid scroll_pause format: %w", err)
		}
		b.ScrollPause = d
	}
	return nil
}
