package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации сервиса.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Installation InstallationConfig `mapstructure:"installation"`
	Security     SecurityConfig     `mapstructure:"security"`
	Validator    ValidatorConfig    `mapstructure:"validator"`
	Transfer     TransferConfig     `mapstructure:"transfer"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Logger       LoggerConfig       `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL — хранилище в памяти.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// RedisConfig описывает подключение к Redis (реестр карантина, Pub/Sub, блокировки).
// Пустой Addr — режим одного инстанса без Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig — проверка RS256 токенов операторов Console API.
type AuthConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// InstallationConfig — идентичность инсталляции и ее долговременный секрет.
// Секрет читается один раз: из INSTALLATION_SECRET_DATA или из файла.
type InstallationConfig struct {
	ID         string `mapstructure:"id"`
	SecretPath string `mapstructure:"secret_path"`
	Secret     []byte `mapstructure:"-"`
}

type SecurityConfig struct {
	AllowDangerousPatternDecryption bool          `mapstructure:"allow_dangerous_pattern_decryption"`
	ConfirmationTTL                 time.Duration `mapstructure:"confirmation_ttl"`
	MaxContentBytes                 int           `mapstructure:"max_content_bytes"`
}

// ValidatorConfig — фоновая проверка UNTRUSTED записей.
type ValidatorConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	IntervalSeconds int           `mapstructure:"interval_seconds"`
	BatchSize       int           `mapstructure:"batch_size"`
	RecordTimeout   time.Duration `mapstructure:"record_timeout"`
}

func (v ValidatorConfig) Interval() time.Duration {
	return time.Duration(v.IntervalSeconds) * time.Second
}

// TransferConfig — перенос записей между инсталляциями.
// GRPCAddr — наш канал ключей; Peer* — инсталляция, с которой забираем записи.
type TransferConfig struct {
	GRPCAddr         string        `mapstructure:"grpc_addr"`
	PeerToken        string        `mapstructure:"peer_token"`
	PeerGRPCAddr     string        `mapstructure:"peer_grpc_addr"`
	PeerConsoleURL   string        `mapstructure:"peer_console_url"`
	PeerConsoleToken string        `mapstructure:"peer_console_token"`
	RPS              float64       `mapstructure:"rps"`
	Burst            int           `mapstructure:"burst"`
	Attempts         uint          `mapstructure:"attempts"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
}

// PeerConfigured — задан ли источник для импорта записей.
func (t TransferConfig) PeerConfigured() bool {
	return t.PeerGRPCAddr != "" && t.PeerConsoleURL != ""
}

type AuditConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// configFile — явный путь (флаг --config); пустой — поиск config.yaml.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")    // имя файла без расширения
		v.SetConfigType("yaml")      // формат
		v.AddConfigPath(".")         // ищем в корне
		v.AddConfigPath("./configs") // и в папке с конфигами
	}

	// Позволяет перекрывать конфиг: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// Сначала проверяем, не лежит ли сам ключ в ENV (для Docker/K8s),
	// если нет — читаем файл по указанному пути
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Installation.Secret = loadKeyResource(cfg.Installation.SecretPath, "INSTALLATION_SECRET_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate отсекает конфигурации, с которыми сервис не может работать безопасно.
func (c *Config) Validate() error {
	if c.Installation.ID == "" {
		return errors.New("config: installation.id is required")
	}
	if len(c.Installation.Secret) == 0 {
		return errors.New("config: installation secret is not set (INSTALLATION_SECRET_DATA or installation.secret_path)")
	}
	if c.Validator.IntervalSeconds <= 0 {
		return fmt.Errorf("config: validator.interval_seconds must be positive, got %d", c.Validator.IntervalSeconds)
	}
	if c.Validator.BatchSize <= 0 {
		return fmt.Errorf("config: validator.batch_size must be positive, got %d", c.Validator.BatchSize)
	}
	if c.Auth.Enabled && len(c.Auth.PublicKey) == 0 {
		return errors.New("config: auth.enabled requires a public key (AUTH_PUBLIC_KEY_DATA or auth.public_key_path)")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.migrate", true)
	v.SetDefault("auth.enabled", true)
	v.SetDefault("security.allow_dangerous_pattern_decryption", false)
	v.SetDefault("security.confirmation_ttl", 2*time.Minute)
	v.SetDefault("security.max_content_bytes", 1<<20)
	v.SetDefault("validator.enabled", true)
	v.SetDefault("validator.interval_seconds", 300)
	v.SetDefault("validator.batch_size", 10)
	v.SetDefault("validator.record_timeout", 5*time.Second)
	v.SetDefault("transfer.grpc_addr", ":50052")
	v.SetDefault("transfer.rps", 50)
	v.SetDefault("transfer.burst", 10)
	v.SetDefault("transfer.attempts", 3)
	v.SetDefault("transfer.call_timeout", 5*time.Second)
	v.SetDefault("audit.buffer_size", 1000)
	v.SetDefault("audit.flush_interval", 1*time.Second)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	// AutomaticEnv видит только известные ключи: регистрируем те, у кого нет дефолта
	for _, key := range []string{
		"server.host", "database.url", "redis.addr", "redis.password", "redis.db",
		"auth.public_key_path", "installation.id", "installation.secret_path", "transfer.peer_token",
		"transfer.peer_grpc_addr", "transfer.peer_console_url", "transfer.peer_console_token",
	} {
		_ = v.BindEnv(key)
	}
}

// loadKeyResource — ключевой материал напрямую из ENV или из файла по пути.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
