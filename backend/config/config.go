package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量覆盖配置，例如 COLLAB_RUNNING_PORT=9000
const EnvPrefix = "COLLAB"

type CollabConfig struct {
	Running struct {
		Port            int           `mapstructure:"Port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	} `mapstructure:"Running"`
	Redis struct {
		// 一个地址是单机，多个地址走 cluster；为空时 presence 退化成进程内
		Addrs       []string      `mapstructure:"addrs"`
		Password    string        `mapstructure:"password"`
		PresenceTTL time.Duration `mapstructure:"presenceTTL"`
		ResyncEvery time.Duration `mapstructure:"resyncEvery"`
	} `mapstructure:"Redis"`
	Store struct {
		Driver string `mapstructure:"driver"` // mysql / postgres / memory
	} `mapstructure:"Store"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Postgres struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"Postgres"`
	Kafka struct {
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		QueueSize int      `mapstructure:"queueSize"`
		Workers   int      `mapstructure:"workers"`
		MaxRetry  int      `mapstructure:"maxRetry"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Path      string `mapstructure:"path"`
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"Auth"`
	WS struct {
		AllowedOrigins []string `mapstructure:"allowedOrigins"`
		SendBuffer     int      `mapstructure:"sendBuffer"`
		InboxSize      int      `mapstructure:"inboxSize"`
		MaxMessageSize int64    `mapstructure:"maxMessageSize"`
	} `mapstructure:"WS"`
	Documents struct {
		WriteConcurrency int           `mapstructure:"writeConcurrency"`
		Timeout          time.Duration `mapstructure:"timeout"`
	} `mapstructure:"Documents"`
}

type ClientConfig struct {
	Server struct {
		URL string `mapstructure:"url"` // http://localhost:8080，ws 地址由它推出来
	} `mapstructure:"Server"`
	Auth struct {
		Token     string `mapstructure:"token"`
		JWTSecret string `mapstructure:"jwtSecret"` // 只用于本地开发签发 token
	} `mapstructure:"Auth"`
	User struct {
		ID   uint64 `mapstructure:"id"`
		Name string `mapstructure:"name"`
	} `mapstructure:"User"`
	Document struct {
		Kind        string `mapstructure:"kind"`
		ID          string `mapstructure:"id"`
		WorkspaceID string `mapstructure:"workspaceId"`
	} `mapstructure:"Document"`
	Session struct {
		SaveDelay      time.Duration `mapstructure:"saveDelay"`
		FlushOnUnmount bool          `mapstructure:"flushOnUnmount"`
	} `mapstructure:"Session"`
}

func newViper(name string) *viper.Viper {
	// .env 不存在不算错误
	if err := godotenv.Load(); err == nil {
		log.Printf(".env loaded")
	}
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func readInConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
		log.Printf("config file not found, using defaults and %s_* env", EnvPrefix)
		return nil
	}
	log.Printf("config file loaded: %s", v.ConfigFileUsed())
	return nil
}

func setCollabDefaults(v *viper.Viper) {
	v.SetDefault("Running.Port", 8080)
	v.SetDefault("Running.shutdownTimeout", 10*time.Second)
	v.SetDefault("Redis.addrs", []string{})
	v.SetDefault("Redis.password", "")
	v.SetDefault("Redis.presenceTTL", 30*time.Second)
	v.SetDefault("Redis.resyncEvery", 15*time.Second)
	v.SetDefault("Store.driver", "memory")
	v.SetDefault("Mysql.dsn", "")
	v.SetDefault("Postgres.url", "")
	v.SetDefault("Kafka.brokers", []string{})
	v.SetDefault("Kafka.topic", "doc-ops")
	v.SetDefault("Kafka.queueSize", 10_000)
	v.SetDefault("Kafka.workers", 4)
	v.SetDefault("Kafka.maxRetry", 3)
	v.SetDefault("Auth.path", "http://localhost:3001")
	v.SetDefault("Auth.jwtSecret", "")
	v.SetDefault("WS.allowedOrigins", []string{})
	v.SetDefault("WS.sendBuffer", 256)
	v.SetDefault("WS.inboxSize", 1024)
	v.SetDefault("WS.maxMessageSize", 1<<20)
	v.SetDefault("Documents.writeConcurrency", 100)
	v.SetDefault("Documents.timeout", 3*time.Second)
}

func setClientDefaults(v *viper.Viper) {
	v.SetDefault("Server.url", "http://localhost:8080")
	v.SetDefault("Auth.token", "")
	v.SetDefault("Auth.jwtSecret", "")
	v.SetDefault("User.id", 0)
	v.SetDefault("User.name", "")
	v.SetDefault("Document.kind", "file")
	v.SetDefault("Document.id", "")
	v.SetDefault("Document.workspaceId", "")
	v.SetDefault("Session.saveDelay", 850*time.Millisecond)
	v.SetDefault("Session.flushOnUnmount", false)
}

// LoadCollab 读取服务端配置：默认值 < collabConfig.yaml < COLLAB_* 环境变量
func LoadCollab() (*CollabConfig, error) {
	v := newViper("collabConfig")
	setCollabDefaults(v)
	if err := readInConfig(v); err != nil {
		return nil, err
	}
	cfg := &CollabConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ClientFlags 命令行参数名 → 配置 key
var ClientFlags = map[string]string{
	"server":     "Server.url",
	"token":      "Auth.token",
	"secret":     "Auth.jwtSecret",
	"user-id":    "User.id",
	"user-name":  "User.name",
	"kind":       "Document.kind",
	"doc":        "Document.id",
	"workspace":  "Document.workspaceId",
	"save-delay": "Session.saveDelay",
	"flush":      "Session.flushOnUnmount",
}

// LoadClient 读取客户端配置，flags 里出现过的参数优先级最高
func LoadClient(flags *pflag.FlagSet) (*ClientConfig, error) {
	v := newViper("clientConfig")
	setClientDefaults(v)
	if err := readInConfig(v); err != nil {
		return nil, err
	}
	if flags != nil {
		for name, key := range ClientFlags {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}
	cfg := &ClientConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
