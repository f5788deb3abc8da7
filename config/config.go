package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort int
	JWTSecret  string
	Database   DatabaseConfig
	Storage    StorageConfig
	Minio      MinioConfig
	GCS        GCSConfig
	S3         S3Config
	Local      LocalConfig
	MQ         MQConfig
	Log        LogConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	UseSSL   bool
}

// StorageConfig selects the object-storage backend and the limits the
// upload saga applies to it.
type StorageConfig struct {
	Backend       string
	PublicBaseURL string
	RootPrefix    string
	ListPageSize  int
	ListTimeout   time.Duration
	OpTimeout     time.Duration
	CredentialTTL time.Duration
	MaxUploadSize int64

	// UploadTimeouts is keyed by resource kind name ("article", "photo", "video").
	UploadTimeouts map[string]time.Duration
}

// UploadTimeout returns the upload timeout for a resource kind, falling back
// to the generic operation timeout.
func (s StorageConfig) UploadTimeout(kind string) time.Duration {
	if d, ok := s.UploadTimeouts[kind]; ok && d > 0 {
		return d
	}
	return s.OpTimeout
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type GCSConfig struct {
	Bucket          string
	ProjectID       string
	CredentialsFile string
	// SignerEmail and SignerKeyFile are only needed for signed upload URLs
	// when the credentials do not carry a private key.
	SignerEmail   string
	SignerKeyFile string
}

type S3Config struct {
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

type LocalConfig struct {
	BasePath string
}

type MQConfig struct {
	Backend  string
	RabbitMQ RabbitMQConfig
	PubSub   PubSubConfig
}

type RabbitMQConfig struct {
	URL             string
	QueueDurable    bool
	QueueAutoDelete bool
	PrefetchCount   int
}

type PubSubConfig struct {
	ProjectID          string
	CredentialsFile    string
	SubscriptionSuffix string
}

type LogConfig struct {
	Level  string
	Format string
}

func LoadConfig() Config {
	if os.Getenv("ENV") == "dev" {
		godotenv.Load()
	}

	dbConfig := DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "inkwell"),
		Password: getEnv("DB_PASSWORD", "password"),
		DBName:   getEnv("DB_NAME", "inkwell_db"),
		UseSSL:   getEnvBool("DB_SSL", false),
	}

	opTimeout := getEnvDuration("STORAGE_OP_TIMEOUT", 30*time.Second)
	storageConfig := StorageConfig{
		Backend:       strings.ToLower(getEnv("STORAGE_BACKEND", "minio")),
		PublicBaseURL: getEnv("STORAGE_PUBLIC_BASE_URL", ""),
		RootPrefix:    strings.Trim(getEnv("STORAGE_ROOT_PREFIX", "inkwell"), "/"),
		ListPageSize:  getEnvInt("STORAGE_LIST_PAGE_SIZE", 500),
		ListTimeout:   getEnvDuration("STORAGE_LIST_TIMEOUT", 5*time.Minute),
		OpTimeout:     opTimeout,
		CredentialTTL: getEnvDuration("UPLOAD_CREDENTIAL_TTL", 15*time.Minute),
		MaxUploadSize: getEnvInt64("MAX_UPLOAD_BYTES", 512<<20),
		UploadTimeouts: map[string]time.Duration{
			"article": getEnvDuration("UPLOAD_TIMEOUT_ARTICLE", opTimeout),
			"photo":   getEnvDuration("UPLOAD_TIMEOUT_PHOTO", opTimeout),
			"video":   getEnvDuration("UPLOAD_TIMEOUT_VIDEO", 10*time.Minute),
		},
	}

	return Config{
		ServerPort: getEnvInt("SERVER_PORT", 8080),
		JWTSecret:  strings.TrimSpace(getEnv("JWT_SECRET", "")),
		Database:   dbConfig,
		Storage:    storageConfig,
		Minio: MinioConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", "inkwell-media"),
			UseSSL:    getEnvBool("MINIO_USE_SSL", false),
		},
		GCS: GCSConfig{
			Bucket:          getEnv("GCS_BUCKET", ""),
			ProjectID:       getEnv("GCS_PROJECT_ID", ""),
			CredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),
			SignerEmail:     getEnv("GCS_SIGNER_EMAIL", ""),
			SignerKeyFile:   getEnv("GCS_SIGNER_KEY_FILE", ""),
		},
		S3: S3Config{
			Endpoint:     getEnv("S3_ENDPOINT", ""),
			Region:       getEnv("S3_REGION", "us-east-1"),
			Bucket:       getEnv("S3_BUCKET", ""),
			AccessKey:    getEnv("S3_ACCESS_KEY_ID", ""),
			SecretKey:    getEnv("S3_SECRET_ACCESS_KEY", ""),
			UsePathStyle: getEnvBool("S3_USE_PATH_STYLE", true),
		},
		Local: LocalConfig{
			BasePath: getEnv("LOCAL_STORAGE_PATH", "./media-data"),
		},
		MQ: MQConfig{
			Backend: strings.ToLower(getEnv("MQ_BACKEND", "none")),
			RabbitMQ: RabbitMQConfig{
				URL:             getEnv("RABBITMQ_URL", ""),
				QueueDurable:    getEnvBool("RABBITMQ_QUEUE_DURABLE", true),
				QueueAutoDelete: getEnvBool("RABBITMQ_QUEUE_AUTO_DELETE", false),
				PrefetchCount:   getEnvInt("RABBITMQ_PREFETCH", 1),
			},
			PubSub: PubSubConfig{
				ProjectID:          getEnv("PUBSUB_PROJECT_ID", ""),
				CredentialsFile:    getEnv("PUBSUB_CREDENTIALS_FILE", ""),
				SubscriptionSuffix: getEnv("PUBSUB_SUBSCRIPTION_SUFFIX", "-sub"),
			},
		},
		Log: LogConfig{
			Level:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "json")),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		var value int
		if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
			return defaultValue
		}
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if valueStr, exists := os.LookupEnv(key); exists {
		var value int64
		if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
			return defaultValue
		}
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		switch strings.ToLower(strings.TrimSpace(valueStr)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(key); exists {
		d, err := time.ParseDuration(strings.TrimSpace(valueStr))
		if err != nil || d <= 0 {
			return defaultValue
		}
		return d
	}
	return defaultValue
}
