package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every setting read from the environment.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"4242"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// biorxiv or europepmc
	FeedProvider    string `envconfig:"FEED_PROVIDER" default:"biorxiv"`
	BioRxivBaseURL  string `envconfig:"BIORXIV_BASE_URL" default:"https://api.biorxiv.org"`
	BioRxivServer   string `envconfig:"BIORXIV_SERVER" default:"biorxiv"`
	BioRxivCategory string `envconfig:"BIORXIV_CATEGORY" default:"plant_biology"`

	EuropePMCBaseURL string `envconfig:"EUROPEPMC_BASE_URL" default:"https://www.ebi.ac.uk/europepmc/webservices/rest"`
	EuropePMCQuery   string `envconfig:"EUROPEPMC_QUERY" default:"plant"`

	// openai or gemini
	AnnotationProvider    string        `envconfig:"ANNOTATION_PROVIDER" default:"openai"`
	AnnotationAPIURL      string        `envconfig:"ANNOTATION_API_URL" default:"https://api.openai.com/v1/chat/completions"`
	AnnotationAPIKey      string        `envconfig:"ANNOTATION_API_KEY"`
	AnnotationModel       string        `envconfig:"ANNOTATION_MODEL" default:"gpt-4o-mini"`
	GeminiAPIKey          string        `envconfig:"GEMINI_API_KEY"`
	GeminiModel           string        `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`
	AnnotationMinInterval time.Duration `envconfig:"ANNOTATION_MIN_INTERVAL" default:"1s"`
	AnnotationTimeout     time.Duration `envconfig:"ANNOTATION_TIMEOUT" default:"30s"`
	AnnotationMaxAttempts int           `envconfig:"ANNOTATION_MAX_ATTEMPTS" default:"3"`

	IngestBatchSize int `envconfig:"INGEST_BATCH_SIZE" default:"10"`
	IngestMaxDays   int `envconfig:"INGEST_MAX_DAYS" default:"7"`

	CronEnabled  bool   `envconfig:"CRON_ENABLED" default:"false"`
	CronSchedule string `envconfig:"CRON_SCHEDULE" default:"0 6 * * *"`

	TrendCacheTTL   time.Duration `envconfig:"TREND_CACHE_TTL" default:"30m"`
	NetworkCacheTTL time.Duration `envconfig:"NETWORK_CACHE_TTL" default:"60m"`
	StaleRunAfter   time.Duration `envconfig:"STALE_RUN_AFTER" default:"2h"`

	// Markdown archive and backups; disabled while S3_BUCKET is empty.
	S3URL      string `envconfig:"S3_URL"`
	S3Region   string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Key      string `envconfig:"S3_KEY"`
	S3Secret   string `envconfig:"S3_SECRET"`
	S3Bucket   string `envconfig:"S3_BUCKET"`
	BackupKeep int    `envconfig:"BACKUP_KEEP" default:"4"`
}

// DSN returns the PostgreSQL data source name.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// ArchiveEnabled reports whether rendered documents should be uploaded to S3.
func (c *Config) ArchiveEnabled() bool {
	return c.S3Bucket != ""
}

// Load reads the configuration from the environment, after merging a local .env file if present.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
