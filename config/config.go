package config

import (
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// DBConfig Database config
type DBConfig struct {
	Type     string `yaml:"type"` // postgres or sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Passwd   string `yaml:"passwd"`
	MaxConn  int    `yaml:"max_conn"`
	IdleConn int    `yaml:"idle_conn"`
	Debug    bool   `yaml:"debug"`
}

// SysConfig System config
type SysConfig struct {
	Appid    string `yaml:"appid"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	Debug    bool   `yaml:"debug"`
	NodeID   int64  `yaml:"node_id"` // snowflake node
}

// WebConfig WEB config
type WebConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LogConfig struct {
	Mode       string `yaml:"mode"`
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

// WhatsAppConfig tunes the session engine.
type WhatsAppConfig struct {
	MaxSessionsPerOwner   int     `yaml:"max_sessions_per_owner"`
	QRRefreshSeconds      int     `yaml:"qr_refresh_seconds"`
	PairingTimeoutSeconds int     `yaml:"pairing_timeout_seconds"`
	MediaURLTTLHours      int     `yaml:"media_url_ttl_hours"`
	MediaWorkers          int     `yaml:"media_workers"`
	SendRatePerSecond     float64 `yaml:"send_rate_per_second"`
	SendBurst             int     `yaml:"send_burst"`
	DeviceName            string  `yaml:"device_name"`
}

// StorageConfig points at an S3 compatible object store.
type StorageConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type AppConfig struct {
	System   SysConfig      `yaml:"system"`
	Web      WebConfig      `yaml:"web"`
	Database DBConfig       `yaml:"database"`
	Logger   LogConfig      `yaml:"logger"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Storage  StorageConfig  `yaml:"storage"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
}

func (c *AppConfig) GetLogDir() string {
	return path.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return path.Join(c.System.Workdir, "data")
}

func (c *AppConfig) initDirs() {
	_ = os.MkdirAll(c.GetLogDir(), 0o755)
	_ = os.MkdirAll(c.GetDataDir(), 0o755)
}

func setEnvValue(name string, val *string) {
	var evalue = os.Getenv(name)
	if evalue != "" {
		*val = evalue
	}
}

func setEnvBoolValue(name string, val *bool) {
	var evalue = os.Getenv(name)
	if evalue != "" {
		*val = cast.ToBool(evalue)
	}
}

func setEnvInt64Value(name string, val *int64) {
	var evalue = os.Getenv(name)
	if evalue == "" {
		return
	}
	*val = cast.ToInt64(evalue)
}

func setEnvIntValue(name string, val *int) {
	var evalue = os.Getenv(name)
	if evalue == "" {
		return
	}
	*val = cast.ToInt(evalue)
}

func setEnvFloatValue(name string, val *float64) {
	var evalue = os.Getenv(name)
	if evalue == "" {
		return
	}
	*val = cast.ToFloat64(evalue)
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "WaCRM",
		Location: "Asia/Shanghai",
		Workdir:  "/var/wacrm",
		Debug:    true,
		NodeID:   1,
	},
	Web: WebConfig{
		Host: "0.0.0.0",
		Port: 1816,
	},
	Database: DBConfig{
		Type:     "sqlite",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "wacrm.db",
		User:     "postgres",
		Passwd:   "myroot",
		MaxConn:  100,
		IdleConn: 10,
		Debug:    false,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/wacrm/logs/wacrm.log",
	},
	WhatsApp: WhatsAppConfig{
		MaxSessionsPerOwner:   5,
		QRRefreshSeconds:      20,
		PairingTimeoutSeconds: 90,
		MediaURLTTLHours:      168,
		MediaWorkers:          16,
		SendRatePerSecond:     1,
		SendBurst:             5,
		DeviceName:            "WA CRM",
	},
	Storage: StorageConfig{
		Enabled: false,
		Bucket:  "wacrm-media",
	},
	Redis: RedisConfig{
		Addr:    "127.0.0.1:6379",
		Channel: "wacrm:events",
	},
	Kafka: KafkaConfig{
		Topic: "wacrm.events",
	},
}

// LoadConfig reads the yaml file at cfile (when present) over the defaults
// and then applies WACRM_* environment overrides.
func LoadConfig(cfile string) (*AppConfig, error) {
	cfg := *DefaultAppConfig
	if cfile == "" {
		cfile = "wacrm.yml"
	}
	if _, err := os.Stat(cfile); err == nil {
		data, err := os.ReadFile(cfile)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", cfile)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", cfile)
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "stat config %s", cfile)
	}

	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad panics on a broken config file and prepares the work directories.
func MustLoad(cfile string) *AppConfig {
	cfg, err := LoadConfig(cfile)
	if err != nil {
		panic(err)
	}
	cfg.initDirs()
	return cfg
}

func applyEnv(cfg *AppConfig) {
	setEnvValue("WACRM_SYSTEM_WORKER_DIR", &cfg.System.Workdir)
	setEnvValue("WACRM_SYSTEM_LOCATION", &cfg.System.Location)
	setEnvBoolValue("WACRM_SYSTEM_DEBUG", &cfg.System.Debug)
	setEnvInt64Value("WACRM_SYSTEM_NODE_ID", &cfg.System.NodeID)

	setEnvValue("WACRM_WEB_HOST", &cfg.Web.Host)
	setEnvIntValue("WACRM_WEB_PORT", &cfg.Web.Port)

	setEnvValue("WACRM_DB_TYPE", &cfg.Database.Type)
	setEnvValue("WACRM_DB_HOST", &cfg.Database.Host)
	setEnvIntValue("WACRM_DB_PORT", &cfg.Database.Port)
	setEnvValue("WACRM_DB_NAME", &cfg.Database.Name)
	setEnvValue("WACRM_DB_USER", &cfg.Database.User)
	setEnvValue("WACRM_DB_PWD", &cfg.Database.Passwd)
	setEnvBoolValue("WACRM_DB_DEBUG", &cfg.Database.Debug)

	setEnvValue("WACRM_LOGGER_MODE", &cfg.Logger.Mode)
	setEnvBoolValue("WACRM_LOGGER_FILE_ENABLE", &cfg.Logger.FileEnable)

	setEnvIntValue("WACRM_WA_MAX_SESSIONS", &cfg.WhatsApp.MaxSessionsPerOwner)
	setEnvIntValue("WACRM_WA_QR_REFRESH", &cfg.WhatsApp.QRRefreshSeconds)
	setEnvIntValue("WACRM_WA_PAIRING_TIMEOUT", &cfg.WhatsApp.PairingTimeoutSeconds)
	setEnvIntValue("WACRM_WA_MEDIA_TTL_HOURS", &cfg.WhatsApp.MediaURLTTLHours)
	setEnvIntValue("WACRM_WA_MEDIA_WORKERS", &cfg.WhatsApp.MediaWorkers)
	setEnvFloatValue("WACRM_WA_SEND_RATE", &cfg.WhatsApp.SendRatePerSecond)
	setEnvIntValue("WACRM_WA_SEND_BURST", &cfg.WhatsApp.SendBurst)

	setEnvBoolValue("WACRM_STORAGE_ENABLED", &cfg.Storage.Enabled)
	setEnvValue("WACRM_STORAGE_ENDPOINT", &cfg.Storage.Endpoint)
	setEnvValue("WACRM_STORAGE_ACCESS_KEY", &cfg.Storage.AccessKey)
	setEnvValue("WACRM_STORAGE_SECRET_KEY", &cfg.Storage.SecretKey)
	setEnvValue("WACRM_STORAGE_BUCKET", &cfg.Storage.Bucket)
	setEnvBoolValue("WACRM_STORAGE_USE_SSL", &cfg.Storage.UseSSL)

	setEnvBoolValue("WACRM_REDIS_ENABLED", &cfg.Redis.Enabled)
	setEnvValue("WACRM_REDIS_ADDR", &cfg.Redis.Addr)
	setEnvValue("WACRM_REDIS_PASSWORD", &cfg.Redis.Password)
	setEnvIntValue("WACRM_REDIS_DB", &cfg.Redis.DB)
	setEnvValue("WACRM_REDIS_CHANNEL", &cfg.Redis.Channel)

	setEnvBoolValue("WACRM_KAFKA_ENABLED", &cfg.Kafka.Enabled)
	if brokers := os.Getenv("WACRM_KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	setEnvValue("WACRM_KAFKA_TOPIC", &cfg.Kafka.Topic)
}

func (c *AppConfig) validate() error {
	wa := &c.WhatsApp
	if wa.MaxSessionsPerOwner <= 0 {
		return errors.New("whatsapp.max_sessions_per_owner must be positive")
	}
	if wa.QRRefreshSeconds <= 0 || wa.PairingTimeoutSeconds <= 0 {
		return errors.New("whatsapp pairing intervals must be positive")
	}
	if wa.MediaWorkers <= 0 {
		wa.MediaWorkers = 1
	}
	if wa.MediaURLTTLHours <= 0 {
		wa.MediaURLTTLHours = 168
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.enabled requires kafka.brokers")
	}
	return nil
}
