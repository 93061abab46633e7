package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/formbuilder/internal/domain/formschema"
)

// Concept sources.
const (
	ConceptSourceREST     = "rest"
	ConceptSourcePostgres = "postgres"
)

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir         string        `mapstructure:"MIGRATIONS_DIR"`
	RedisURL              string        `mapstructure:"REDIS_URL"`
	ConceptSource         string        `mapstructure:"CONCEPT_SOURCE"`
	ConceptAPIURL         string        `mapstructure:"CONCEPT_API_URL"`
	ConceptAPIUser        string        `mapstructure:"CONCEPT_API_USER"`
	ConceptAPIPassword    string        `mapstructure:"CONCEPT_API_PASSWORD"`
	ConceptSearchDebounce time.Duration `mapstructure:"CONCEPT_SEARCH_DEBOUNCE"`
	ConceptNameCacheTTL   time.Duration `mapstructure:"CONCEPT_NAME_CACHE_TTL"`
	DuplicateIDPolicy     string        `mapstructure:"DUPLICATE_ID_POLICY"`
	QuestionTypes         []string      `mapstructure:"QUESTION_TYPES"`
	FieldTypes            []string      `mapstructure:"FIELD_TYPES"`
	CORSOrigins           []string      `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("CONCEPT_SOURCE", ConceptSourceREST)
	v.SetDefault("CONCEPT_API_URL", "http://localhost:8080/openmrs")
	v.SetDefault("CONCEPT_SEARCH_DEBOUNCE", "500ms")
	v.SetDefault("CONCEPT_NAME_CACHE_TTL", "1h")
	v.SetDefault("DUPLICATE_ID_POLICY", string(formschema.DuplicateAdvisory))
	v.SetDefault("QUESTION_TYPES", "obs,obsGroup,testOrder,patientIdentifier,encounterDatetime,encounterProvider,encounterLocation,personAttribute,markdown")
	v.SetDefault("FIELD_TYPES", "number,text,textarea,date,datetime,drug,select,radio,checkbox,toggle,content-switcher,fixed-value,markdown,ui-select-extended")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
		"REDIS_URL", "CONCEPT_SOURCE", "CONCEPT_API_URL", "CONCEPT_API_USER",
		"CONCEPT_API_PASSWORD", "CONCEPT_SEARCH_DEBOUNCE", "CONCEPT_NAME_CACHE_TTL",
		"DUPLICATE_ID_POLICY", "QUESTION_TYPES", "FIELD_TYPES", "CORS_ORIGINS",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.QuestionTypes = splitList(v.GetString("QUESTION_TYPES"))
	cfg.FieldTypes = splitList(v.GetString("FIELD_TYPES"))
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Rules returns the question validation rules the server enforces on save.
func (c *Config) Rules() formschema.Rules {
	return formschema.Rules{
		QuestionTypes:   c.QuestionTypes,
		FieldTypes:      c.FieldTypes,
		DuplicatePolicy: formschema.DuplicatePolicy(c.DuplicateIDPolicy),
	}
}

// Validate checks that the configuration is usable. The Postgres concept
// source needs DATABASE_URL, the REST source needs CONCEPT_API_URL.
func (c *Config) Validate() error {
	switch c.ConceptSource {
	case ConceptSourceREST:
		if c.ConceptAPIURL == "" {
			return fmt.Errorf("CONCEPT_API_URL is required when CONCEPT_SOURCE is %q", ConceptSourceREST)
		}
	case ConceptSourcePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when CONCEPT_SOURCE is %q", ConceptSourcePostgres)
		}
	default:
		return fmt.Errorf("CONCEPT_SOURCE must be %q or %q, got %q", ConceptSourceREST, ConceptSourcePostgres, c.ConceptSource)
	}

	if !formschema.DuplicatePolicy(c.DuplicateIDPolicy).Valid() {
		return fmt.Errorf("DUPLICATE_ID_POLICY must be %q or %q, got %q",
			formschema.DuplicateAdvisory, formschema.DuplicateBlock, c.DuplicateIDPolicy)
	}
	if c.ConceptSearchDebounce <= 0 {
		return fmt.Errorf("CONCEPT_SEARCH_DEBOUNCE must be positive, got %s", c.ConceptSearchDebounce)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
