package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/joho/godotenv"

	"github.com/digkill/TGAvatarBot/internal/session"
)

// Config aggregates runtime configuration for the bot and supporting services.
type Config struct {
	BotToken       string
	ReplicateToken string
	AdminIDs       []int64
	LogLevel       string

	DBDriver    string
	DatabaseDSN string

	StartingBalance   int
	InstantCost       int
	TrainingCost      int
	MinTrainingPhotos int
	MaxTrainingPhotos int

	ReplicateBaseURL         string
	InstantModelVersion      string
	InstantStyleName         string
	InstantSteps             int
	InstantGuidance          float64
	LoRASteps                int
	LoRAGuidance             float64
	NumOutputs               int
	TrainingModel            string
	TrainingVersion          string
	TrainingDestination      string
	TriggerWord              string
	TrainingSteps            int
	RequestTimeout           time.Duration
	InferenceTimeout         time.Duration
	PollInterval             time.Duration
	MaxTrainingWait          time.Duration
	ExpectedTrainingDuration time.Duration
	ProgressFromLogs         bool
	ProgressEveryPolls       int
	MaxPollErrors            int

	CatalogFile   string
	CryptoWallets map[string]string
	CryptoRates   map[string]string

	AdminListenAddr string
	AdminUsername   string
	AdminPassword   string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// S3Enabled reports whether photo hosting on object storage is configured.
func (c Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != "" && c.S3AccessKey != "" && c.S3SecretKey != "" && c.S3PublicBaseURL != ""
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}
	return FromEnv()
}

// FromEnv builds the configuration from the current process environment only.
func FromEnv() (Config, error) {
	cfg := Config{
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		DBDriver:                 strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DatabaseDSN:              getEnv("DATABASE_DSN", "avatarbot.db"),
		StartingBalance:          getInt("STARTING_BALANCE", 3),
		InstantCost:              getInt("INSTANT_COST", 1),
		TrainingCost:             getInt("TRAINING_COST", 10),
		MinTrainingPhotos:        getInt("MIN_TRAINING_PHOTOS", 5),
		MaxTrainingPhotos:        getInt("MAX_TRAINING_PHOTOS", 10),
		ReplicateBaseURL:         strings.TrimRight(getEnv("REPLICATE_BASE_URL", "https://api.replicate.com"), "/"),
		InstantModelVersion:      getEnv("REPLICATE_INSTANT_VERSION", "ddfc2b08d209f9fa8c1eca692712918bd449f695dabb4a958da31802a9570fe4"),
		InstantStyleName:         getEnv("REPLICATE_INSTANT_STYLE_NAME", "Photographic"),
		InstantSteps:             getInt("INSTANT_STEPS", 20),
		InstantGuidance:          getFloat("INSTANT_GUIDANCE", 5),
		LoRASteps:                getInt("LORA_INFERENCE_STEPS", 28),
		LoRAGuidance:             getFloat("LORA_GUIDANCE", 3.5),
		NumOutputs:               getInt("NUM_OUTPUTS", 1),
		TrainingModel:            getEnv("REPLICATE_TRAINING_MODEL", "ostris/flux-dev-lora-trainer"),
		TrainingVersion:          getEnv("REPLICATE_TRAINING_VERSION", "e440909d3512c31646ee2e0c7d6f6f4923224863a6a10c494606e79fb5844497"),
		TrainingDestination:      os.Getenv("REPLICATE_TRAINING_DESTINATION"),
		TriggerWord:              getEnv("LORA_TRIGGER_WORD", "TOK"),
		TrainingSteps:            getInt("LORA_TRAINING_STEPS", 1000),
		RequestTimeout:           getDuration("HTTP_TIMEOUT", 60*time.Second),
		InferenceTimeout:         getDuration("INFERENCE_TIMEOUT", 3*time.Minute),
		PollInterval:             getDuration("TRAINING_POLL_INTERVAL", 30*time.Second),
		MaxTrainingWait:          getDuration("TRAINING_MAX_WAIT", 30*time.Minute),
		ExpectedTrainingDuration: getDuration("TRAINING_EXPECTED_DURATION", 20*time.Minute),
		ProgressFromLogs:         getBool("TRAINING_PROGRESS_FROM_LOGS", false),
		ProgressEveryPolls:       getInt("TRAINING_PROGRESS_EVERY", 2),
		MaxPollErrors:            getInt("TRAINING_MAX_POLL_ERRORS", 3),
		CatalogFile:              os.Getenv("CATALOG_FILE"),
		AdminListenAddr:          os.Getenv("ADMIN_LISTEN_ADDR"),
		AdminUsername:            getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:            os.Getenv("ADMIN_PASSWORD"),
		S3Endpoint:               os.Getenv("S3_ENDPOINT"),
		S3Region:                 os.Getenv("S3_REGION"),
		S3AccessKey:              os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:              os.Getenv("S3_SECRET_KEY"),
		S3Bucket:                 os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:          os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:           getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:                 getEnv("S3_PREFIX", "selfies"),
	}

	cfg.BotToken = sanitizeToken(os.Getenv("TELEGRAM_BOT_TOKEN"))
	cfg.ReplicateToken = sanitizeToken(os.Getenv("REPLICATE_API_TOKEN"))

	var missing []string
	if cfg.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if cfg.ReplicateToken == "" {
		missing = append(missing, "REPLICATE_API_TOKEN")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	// Bot API tokens are "<bot id>:<secret>".
	if !strings.Contains(cfg.BotToken, ":") {
		return Config{}, fmt.Errorf("TELEGRAM_BOT_TOKEN is malformed: expected <id>:<secret>")
	}

	ids, err := ParseAdminIDs(os.Getenv("ADMIN_IDS"))
	if err != nil {
		return Config{}, err
	}
	cfg.AdminIDs = ids

	if cfg.CryptoWallets, err = parseKeyValues(os.Getenv("CRYPTO_WALLETS")); err != nil {
		return Config{}, fmt.Errorf("CRYPTO_WALLETS: %w", err)
	}
	if cfg.CryptoRates, err = parseKeyValues(os.Getenv("CRYPTO_RATES")); err != nil {
		return Config{}, fmt.Errorf("CRYPTO_RATES: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.DBDriver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.StartingBalance < 0 {
		return fmt.Errorf("STARTING_BALANCE must not be negative")
	}
	if c.InstantCost <= 0 || c.TrainingCost <= 0 {
		return fmt.Errorf("INSTANT_COST and TRAINING_COST must be positive")
	}
	if c.MinTrainingPhotos <= 0 || c.MinTrainingPhotos > c.MaxTrainingPhotos {
		return fmt.Errorf("invalid training photo bounds %d..%d", c.MinTrainingPhotos, c.MaxTrainingPhotos)
	}
	if c.MaxTrainingPhotos > session.MaxPhotos {
		return fmt.Errorf("MAX_TRAINING_PHOTOS must not exceed %d", session.MaxPhotos)
	}
	if c.PollInterval <= 0 || c.MaxTrainingWait <= 0 {
		return fmt.Errorf("training poll interval and max wait must be positive")
	}
	if c.AdminListenAddr != "" && c.AdminPassword == "" {
		return fmt.Errorf("ADMIN_PASSWORD is required when ADMIN_LISTEN_ADDR is set")
	}
	return nil
}

// ParseAdminIDs parses a comma separated list of operator user ids.
func ParseAdminIDs(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ADMIN_IDS: invalid id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// sanitizeToken drops whitespace and invisible characters pasted along with credentials.
func sanitizeToken(raw string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return -1
		}
		return r
	}, raw)
}

func parseKeyValues(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(key) == "" || strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("invalid entry %q, expected KEY=value", part)
		}
		out[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// loadEnvFile loads the first env file found. A missing file is not an error: the process
// environment alone is enough.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
