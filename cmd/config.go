package cmd

import (
	"regexp"
	"time"

	"github.com/containerlru/vacuumd/pkg/threshold"
	"github.com/go-playground/validator"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the resolved, validated set of daemon settings -- CLI flags
// per spec §6, bound through viper. The only environment variables read
// are LOG_LEVEL and NO_COLOR, which set log-level and no-color (neither
// has a flag); every other setting comes from its flag or the flag's
// default.
type Config struct {
	Threshold         string        `mapstructure:"threshold" validate:"required,valid-bsize"`
	Keep              []string      `mapstructure:"keep" validate:"dive,valid-keep-pattern"`
	MinAge            time.Duration `mapstructure:"min-age"`
	DeletionChunkSize int           `mapstructure:"deletion-chunk-size" validate:"valid-chunk-size"`

	EngineBinary   string `mapstructure:"engine-binary" validate:"required"`
	StateDir       string `mapstructure:"state-dir"`
	MetricsAddress string `mapstructure:"metrics-address"`

	LogLevel string `mapstructure:"log-level" validate:"valid-log-level"`
	NoColor  bool   `mapstructure:"no-color"`
}

// LoadAndValidateConfig binds a flag set into its own viper instance,
// applies the environment overrides spec §6 requires, unmarshals into a
// Config, and validates it -- mirroring the teacher's
// LoadAndValidateConfig shape (bind, unmarshal, validate).
func LoadAndValidateConfig(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}
	v.SetDefault("log-level", "debug")
	v.SetDefault("no-color", false)
	v.BindEnv("log-level", "LOG_LEVEL")
	v.BindEnv("no-color", "NO_COLOR")

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}

	val := NewValidator()
	if err := val.Struct(c); err != nil {
		return nil, err
	}

	return &c, nil
}

func NewValidator() *validator.Validate {
	validate := validator.New()

	validate.RegisterValidation("valid-bsize", ValidateBSize)
	validate.RegisterValidation("valid-chunk-size", ValidateChunkSize)
	validate.RegisterValidation("valid-keep-pattern", ValidateKeepPattern)
	validate.RegisterValidation("valid-log-level", ValidateLogLevel)

	return validate
}

// Validators

// ValidateBSize accepts anything pkg/threshold.Parse accepts: a plain
// byte size ("500MB") or a trailing-percent capacity expression
// ("85%"). It checks the text only: a percentage is resolved against
// filesystem capacity at vacuum time, which fails on non-Linux builds
// (threshold.ErrPercentageUnsupported).
func ValidateBSize(fl validator.FieldLevel) bool {
	sizeStr, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	_, err := threshold.Parse(sizeStr)
	return err == nil
}

func ValidateChunkSize(fl validator.FieldLevel) bool {
	n, ok := fl.Field().Interface().(int)
	if !ok {
		return false
	}
	return n >= 1
}

func ValidateKeepPattern(fl validator.FieldLevel) bool {
	pattern, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	_, err := regexp.Compile(pattern)
	return err == nil
}

func ValidateLogLevel(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "trace", "debug", "info", "warning", "error":
		return true
	default:
		return false
	}
}
