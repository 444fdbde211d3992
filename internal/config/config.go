package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"lv-tradecore/internal/engine"
	"lv-tradecore/internal/model"
	"lv-tradecore/internal/order"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr          string
	DBDSN             string
	JWTIssuer         string
	JWTSecret         string
	InternalToken     string
	WebSocketOrigin   string
	InstanceID        string
	SyncChannel       string
	FeedURL           string
	LogLevel          string
	LogFormat         string
	LedgerBuffer      int
	ReconcileInterval time.Duration
	ShardIndex        int
	ShardCount        int
	ConfigFile        string

	Risk   engine.RiskConfig
	Limits order.Limits
	// Symbols seeds instruments that are missing from the database.
	Symbols []model.Instrument
}

type symbolSeed struct {
	Code           string          `yaml:"code"`
	ContractSize   decimal.Decimal `yaml:"contract_size"`
	MaxLeverage    int             `yaml:"max_leverage"`
	Spread         decimal.Decimal `yaml:"spread"`
	TickSize       decimal.Decimal `yaml:"tick_size"`
	PricePrecision int32           `yaml:"price_precision"`
}

// fileConfig is the optional YAML overlay named by CONFIG_FILE.
type fileConfig struct {
	Risk   engine.RiskConfig `yaml:"risk"`
	Limits order.Limits      `yaml:"limits"`
	Ledger struct {
		Buffer int `yaml:"buffer"`
	} `yaml:"ledger"`
	ReconcileInterval string       `yaml:"reconcile_interval"`
	Symbols           []symbolSeed `yaml:"symbols"`
}

// Load reads a .env file when present, then the environment, then the
// YAML file named by CONFIG_FILE. Environment variables win over the file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var c Config
	var missing []string
	required := func(key string) string {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}
	c.HTTPAddr = required("HTTP_ADDR")
	c.DBDSN = required("DB_DSN")
	c.JWTIssuer = required("JWT_ISSUER")
	c.JWTSecret = required("JWT_SECRET")
	c.InternalToken = required("INTERNAL_API_TOKEN")
	c.WebSocketOrigin = required("WS_ORIGIN")

	c.InstanceID = envOr("INSTANCE_ID", uuid.NewString())
	c.SyncChannel = envOr("SYNC_CHANNEL", "engine_sync")
	c.FeedURL = os.Getenv("FEED_URL")
	c.LogLevel = envOr("LOG_LEVEL", "info")
	c.LogFormat = envOr("LOG_FORMAT", "json")
	c.ConfigFile = os.Getenv("CONFIG_FILE")
	c.Risk = engine.DefaultRiskConfig
	c.LedgerBuffer = 4096
	c.ReconcileInterval = time.Minute
	c.ShardCount = 1

	if c.ConfigFile != "" {
		if err := c.applyFile(c.ConfigFile); err != nil {
			return c, err
		}
	}

	var errs []error
	c.LedgerBuffer = intEnv("LEDGER_BUFFER", c.LedgerBuffer, &errs)
	c.ShardIndex = intEnv("SHARD_INDEX", c.ShardIndex, &errs)
	c.ShardCount = intEnv("SHARD_COUNT", c.ShardCount, &errs)
	c.Risk.StopOutLossPercent = decimalEnv("STOP_OUT_LEVEL", c.Risk.StopOutLossPercent, &errs)
	c.Risk.WarningLossPercent = decimalEnv("WARNING_LEVEL", c.Risk.WarningLossPercent, &errs)
	c.Risk.WarningResetPercent = decimalEnv("WARNING_RESET_LEVEL", c.Risk.WarningResetPercent, &errs)
	if raw := os.Getenv("RECONCILE_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid RECONCILE_INTERVAL: %w", err))
		} else {
			c.ReconcileInterval = d
		}
	}

	if len(missing) > 0 {
		errs = append(errs, errors.New("missing required env: "+strings.Join(missing, ",")))
	}
	if err := errors.Join(errs...); err != nil {
		return c, err
	}
	return c, c.validate()
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if fc.Risk.StopOutLossPercent.IsPositive() {
		c.Risk.StopOutLossPercent = fc.Risk.StopOutLossPercent
	}
	if fc.Risk.WarningLossPercent.IsPositive() {
		c.Risk.WarningLossPercent = fc.Risk.WarningLossPercent
	}
	if fc.Risk.WarningResetPercent.IsPositive() {
		c.Risk.WarningResetPercent = fc.Risk.WarningResetPercent
	}
	if fc.Risk.MaxOpenPositions > 0 {
		c.Risk.MaxOpenPositions = fc.Risk.MaxOpenPositions
	}
	c.Limits = fc.Limits
	for _, seed := range fc.Symbols {
		if strings.TrimSpace(seed.Code) == "" {
			return errors.New("symbol seed without code")
		}
		c.Symbols = append(c.Symbols, model.Instrument{
			Code:           strings.ToUpper(strings.TrimSpace(seed.Code)),
			ContractSize:   seed.ContractSize,
			MaxLeverage:    seed.MaxLeverage,
			Spread:         seed.Spread,
			TickSize:       seed.TickSize,
			PricePrecision: seed.PricePrecision,
			Tradeable:      true,
		})
	}
	if fc.Ledger.Buffer > 0 {
		c.LedgerBuffer = fc.Ledger.Buffer
	}
	if fc.ReconcileInterval != "" {
		d, err := time.ParseDuration(fc.ReconcileInterval)
		if err != nil {
			return fmt.Errorf("invalid reconcile_interval: %w", err)
		}
		c.ReconcileInterval = d
	}
	return nil
}

func (c Config) validate() error {
	if c.ShardCount < 1 {
		return errors.New("SHARD_COUNT must be at least 1")
	}
	if c.ShardIndex < 0 || c.ShardIndex >= c.ShardCount {
		return fmt.Errorf("SHARD_INDEX must be in [0, %d)", c.ShardCount)
	}
	if !c.Risk.WarningResetPercent.LessThan(c.Risk.WarningLossPercent) ||
		!c.Risk.WarningLossPercent.LessThan(c.Risk.StopOutLossPercent) {
		return errors.New("risk levels must satisfy reset < warning < stop out")
	}
	if c.LedgerBuffer < 1 {
		return errors.New("LEDGER_BUFFER must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int, errs *[]error) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return v
}

func decimalEnv(key string, fallback decimal.Decimal, errs *[]error) decimal.Decimal {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return v
}
