package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "termchat.yaml"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Accounts AccountsConfig `yaml:"accounts"`
	News     NewsConfig     `yaml:"news"`
	Transfer TransferConfig `yaml:"transfer"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Network       string `yaml:"network"` // tcp or unix
	Address       string `yaml:"address"`
	ReadTimeout   int    `yaml:"read_timeout"`  // seconds
	WriteTimeout  int    `yaml:"write_timeout"` // seconds
	ControlSocket string `yaml:"control_socket"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// Source is what store.Open expects for the configured driver.
func (c *StoreConfig) Source() string {
	if c.Driver == "postgres" || c.Driver == "pgx" {
		return c.DSN
	}
	return c.Path
}

type AccountsConfig struct {
	BcryptCost int `yaml:"bcrypt_cost"`
}

type NewsConfig struct {
	AnonymousRead bool `yaml:"anonymous_read"`
	MaxRecent     int  `yaml:"max_recent"`
	DefaultLimit  int  `yaml:"default_limit"`
}

type TransferConfig struct {
	Driver    string   `yaml:"driver"` // local or s3
	Dir       string   `yaml:"dir"`
	UploadDir string   `yaml:"upload_dir"` // file sources are read from <upload_dir>/<sender>
	S3        S3Config `yaml:"s3"`
}

type S3Config struct {
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Network:       "tcp",
			Address:       ":3215",
			ReadTimeout:   120,
			WriteTimeout:  30,
			ControlSocket: "/tmp/termchat.sock",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "termchat.db",
		},
		Accounts: AccountsConfig{BcryptCost: 10},
		News: NewsConfig{
			MaxRecent:    100,
			DefaultLimit: 20,
		},
		Transfer: TransferConfig{
			Driver:    "local",
			Dir:       "files",
			UploadDir: "uploads",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults and then applies
// TERMCHAT_* environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("TERMCHAT_NETWORK", &cfg.Server.Network)
	str("TERMCHAT_ADDRESS", &cfg.Server.Address)
	num("TERMCHAT_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	num("TERMCHAT_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	str("TERMCHAT_CONTROL_SOCKET", &cfg.Server.ControlSocket)

	str("TERMCHAT_STORE_DRIVER", &cfg.Store.Driver)
	str("TERMCHAT_DB_PATH", &cfg.Store.Path)
	str("TERMCHAT_DB_DSN", &cfg.Store.DSN)

	num("TERMCHAT_BCRYPT_COST", &cfg.Accounts.BcryptCost)

	if v := os.Getenv("TERMCHAT_NEWS_ANONYMOUS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.News.AnonymousRead = b
		}
	}
	num("TERMCHAT_NEWS_MAX_RECENT", &cfg.News.MaxRecent)
	num("TERMCHAT_NEWS_DEFAULT_LIMIT", &cfg.News.DefaultLimit)

	str("TERMCHAT_TRANSFER_DRIVER", &cfg.Transfer.Driver)
	str("TERMCHAT_FILES_DIR", &cfg.Transfer.Dir)
	str("TERMCHAT_UPLOAD_DIR", &cfg.Transfer.UploadDir)
	str("TERMCHAT_S3_REGION", &cfg.Transfer.S3.Region)
	str("TERMCHAT_S3_BUCKET", &cfg.Transfer.S3.Bucket)
	str("TERMCHAT_S3_ENDPOINT", &cfg.Transfer.S3.Endpoint)
	str("TERMCHAT_S3_ACCESS_KEY", &cfg.Transfer.S3.AccessKey)
	str("TERMCHAT_S3_SECRET_KEY", &cfg.Transfer.S3.SecretKey)

	str("TERMCHAT_LOG_LEVEL", &cfg.Log.Level)
}

func (c *Config) validate() error {
	switch c.Server.Network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("unsupported server network %q", c.Server.Network)
	}

	switch c.Store.Driver {
	case "sqlite", "sqlite3":
		if c.Store.Path == "" {
			return errors.New("store.path is required for sqlite")
		}
	case "postgres", "pgx":
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}

	if c.Transfer.UploadDir == "" {
		return errors.New("transfer.upload_dir is required")
	}
	switch c.Transfer.Driver {
	case "local":
		if c.Transfer.Dir == "" {
			return errors.New("transfer.dir is required for local transfer")
		}
	case "s3":
		if c.Transfer.S3.Bucket == "" {
			return errors.New("transfer.s3.bucket is required for s3 transfer")
		}
	default:
		return fmt.Errorf("unsupported transfer driver %q", c.Transfer.Driver)
	}
	return nil
}
