// Package config resolves every environment knob the engine recognizes into
// one typed structure. Resolution happens once at startup; the rest of the
// process never reads the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/simfleet/topup/engine/recharge"
)

// ServiceConfig holds one service class's knobs.
type ServiceConfig struct {
	// MinutesThreshold doubles as the interval cadence and the classifier
	// freshness cutoff.
	MinutesThreshold int
	// ActivityCapDays drops devices silent longer than this from selection.
	ActivityCapDays int
	ScheduleMode    string
	FixedTimes      []string
	UnitAmount      float64
	ValidityDays    int
	// SuppressionDays is K: no re-top-up within K days of a settled one.
	SuppressionDays int
	ProductCode     string
}

// ProviderConfig carries one provider's endpoints and credentials.
type ProviderConfig struct {
	Name           string
	RechargeURL    string
	BalanceURL     string
	User           string
	Password       string
	CallsPerMinute int
}

// Config is the resolved engine configuration.
type Config struct {
	Timezone string
	Location *time.Location

	RedisAddr     string
	RedisPassword string
	DatabaseURL   string
	DBMaxConns    int

	MetricsAddr string
	QueueDir    string
	LogLevel    string

	LockTTL         time.Duration
	ProviderTimeout time.Duration
	InterCallDelay  time.Duration

	GPS   ServiceConfig
	VOZ   ServiceConfig
	ELIOT ServiceConfig

	Providers      []ProviderConfig
	BlocklistExtra []string

	EliotMetricsURL string
	Actor           string

	// v is kept for late lookups of per-code amount overrides.
	v *viper.Viper
}

// gpsMinFloor is the production floor for the GPS cadence; anything lower
// would hammer the providers and the candidates query.
const gpsMinFloor = 6

func setDefaults(v *viper.Viper) {
	v.SetDefault("TZ_OPERACION", "America/Mazatlan")

	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("DB_MAX_CONNS", 20)

	v.SetDefault("METRICS_ADDR", ":9464")
	v.SetDefault("QUEUE_DIR", "./data")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("LOCK_EXPIRATION_MINUTES", 60)
	v.SetDefault("PROVIDER_TIMEOUT_SECONDS", 10)
	v.SetDefault("INTER_CALL_DELAY_MS", 0)

	v.SetDefault("GPS_MINUTOS_SIN_REPORTAR", 10)
	v.SetDefault("GPS_DIAS_SIN_REPORTAR", 14)
	v.SetDefault("MONTO_GPS", 10)
	v.SetDefault("VIGENCIA_GPS_DIAS", 8)
	v.SetDefault("SUPRESION_GPS_DIAS", 6)
	v.SetDefault("PRODUCTO_GPS", "TEL010")

	v.SetDefault("VOZ_SCHEDULE_MODE", "fixed")
	v.SetDefault("VOZ_HORARIOS", "01:00,04:00")
	v.SetDefault("VOZ_MINUTOS_SIN_REPORTAR", 60)
	v.SetDefault("MONTO_VOZ", 30)
	v.SetDefault("VIGENCIA_VOZ_DIAS", 25)
	v.SetDefault("SUPRESION_VOZ_DIAS", 20)
	v.SetDefault("PRODUCTO_VOZ", "PAQ030")

	v.SetDefault("ELIOT_MINUTOS_SIN_REPORTAR", 15)
	v.SetDefault("ELIOT_DIAS_SIN_REPORTAR", 14)
	v.SetDefault("MONTO_ELIOT", 10)
	v.SetDefault("VIGENCIA_ELIOT_DIAS", 8)
	v.SetDefault("SUPRESION_ELIOT_DIAS", 6)
	v.SetDefault("PRODUCTO_ELIOT", "IOT010")

	v.SetDefault("BLOCKLIST_EXTRA", "")
	v.SetDefault("PROVIDERS", "")
	v.SetDefault("ELIOT_METRICS_URL", "")
	v.SetDefault("ACTOR", "recargas-automaticas")
}

// Load reads the environment and validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	loc, err := time.LoadLocation(v.GetString("TZ_OPERACION"))
	if err != nil {
		return nil, fmt.Errorf("invalid TZ_OPERACION %q: %w", v.GetString("TZ_OPERACION"), err)
	}

	dbURL := v.GetString("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	gpsMinutes := v.GetInt("GPS_MINUTOS_SIN_REPORTAR")
	if gpsMinutes < gpsMinFloor {
		gpsMinutes = gpsMinFloor
	}

	cfg := &Config{
		Timezone: v.GetString("TZ_OPERACION"),
		Location: loc,

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		DatabaseURL:   dbURL,
		DBMaxConns:    v.GetInt("DB_MAX_CONNS"),

		MetricsAddr: v.GetString("METRICS_ADDR"),
		QueueDir:    v.GetString("QUEUE_DIR"),
		LogLevel:    v.GetString("LOG_LEVEL"),

		LockTTL:         time.Duration(v.GetInt("LOCK_EXPIRATION_MINUTES")) * time.Minute,
		ProviderTimeout: time.Duration(v.GetInt("PROVIDER_TIMEOUT_SECONDS")) * time.Second,
		InterCallDelay:  time.Duration(v.GetInt("INTER_CALL_DELAY_MS")) * time.Millisecond,

		GPS: ServiceConfig{
			MinutesThreshold: gpsMinutes,
			ActivityCapDays:  v.GetInt("GPS_DIAS_SIN_REPORTAR"),
			ScheduleMode:     "interval",
			UnitAmount:       v.GetFloat64("MONTO_GPS"),
			ValidityDays:     v.GetInt("VIGENCIA_GPS_DIAS"),
			SuppressionDays:  v.GetInt("SUPRESION_GPS_DIAS"),
			ProductCode:      v.GetString("PRODUCTO_GPS"),
		},
		VOZ: ServiceConfig{
			MinutesThreshold: v.GetInt("VOZ_MINUTOS_SIN_REPORTAR"),
			ScheduleMode:     v.GetString("VOZ_SCHEDULE_MODE"),
			FixedTimes:       splitList(v.GetString("VOZ_HORARIOS")),
			UnitAmount:       v.GetFloat64("MONTO_VOZ"),
			ValidityDays:     v.GetInt("VIGENCIA_VOZ_DIAS"),
			SuppressionDays:  v.GetInt("SUPRESION_VOZ_DIAS"),
			ProductCode:      v.GetString("PRODUCTO_VOZ"),
		},
		ELIOT: ServiceConfig{
			MinutesThreshold: v.GetInt("ELIOT_MINUTOS_SIN_REPORTAR"),
			ActivityCapDays:  v.GetInt("ELIOT_DIAS_SIN_REPORTAR"),
			ScheduleMode:     "interval",
			UnitAmount:       v.GetFloat64("MONTO_ELIOT"),
			ValidityDays:     v.GetInt("VIGENCIA_ELIOT_DIAS"),
			SuppressionDays:  v.GetInt("SUPRESION_ELIOT_DIAS"),
			ProductCode:      v.GetString("PRODUCTO_ELIOT"),
		},

		BlocklistExtra:  splitList(v.GetString("BLOCKLIST_EXTRA")),
		EliotMetricsURL: v.GetString("ELIOT_METRICS_URL"),
		Actor:           v.GetString("ACTOR"),

		v: v,
	}

	for _, name := range splitList(v.GetString("PROVIDERS")) {
		upper := strings.ToUpper(name)
		pc := ProviderConfig{
			Name:           name,
			RechargeURL:    v.GetString("PROVIDER_" + upper + "_URL"),
			BalanceURL:     v.GetString("PROVIDER_" + upper + "_BALANCE_URL"),
			User:           v.GetString("PROVIDER_" + upper + "_USER"),
			Password:       v.GetString("PROVIDER_" + upper + "_PASSWORD"),
			CallsPerMinute: v.GetInt("PROVIDER_" + upper + "_CALLS_PER_MINUTE"),
		}
		if pc.RechargeURL == "" || pc.BalanceURL == "" {
			return nil, fmt.Errorf("provider %s: PROVIDER_%s_URL and PROVIDER_%s_BALANCE_URL are required", name, upper, upper)
		}
		cfg.Providers = append(cfg.Providers, pc)
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("PROVIDERS must name at least one recharge provider")
	}

	return cfg, nil
}

// ServiceFor returns the config block for a service.
func (c *Config) ServiceFor(svc recharge.Service) ServiceConfig {
	switch svc {
	case recharge.ServiceVOZ:
		return c.VOZ
	case recharge.ServiceELIOT:
		return c.ELIOT
	default:
		return c.GPS
	}
}

// UnitAmount resolves the charge amount for a service and product code.
// Per-code overrides come from MONTO_<SERVICE>_<CODE>.
func (c *Config) UnitAmount(svc recharge.Service, code string) float64 {
	if c.v != nil {
		key := fmt.Sprintf("MONTO_%s_%s", strings.ToUpper(string(svc)), strings.ToUpper(code))
		if c.v.IsSet(key) {
			return c.v.GetFloat64(key)
		}
	}
	return c.ServiceFor(svc).UnitAmount
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
