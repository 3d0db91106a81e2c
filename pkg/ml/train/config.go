package train

import (
	"bytes"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gomlx/gsplat/pkg/ml/exec"
	"github.com/gomlx/gsplat/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config of the training loop.
//
// It can be loaded from a YAML file with LoadConfig, and individual values can be overridden
// with ParseSettings.
type Config struct {
	// TrainLR is the optimizer learning rate.
	TrainLR float64 `yaml:"train_lr" validate:"gt=0"`

	// AdamBetas are the Adam exponential decay rates of the first and second moments.
	AdamBetas []float64 `yaml:"adam_betas" validate:"len=2,dive,gte=0,lt=1"`

	// Optimizer name, one of optimizers.KnownOptimizers.
	Optimizer string `yaml:"optimizer" validate:"oneof=adam adamw sgd"`

	// TrainBatchSize is the nominal batch size. It is informative only: each micro-batch is one
	// sampled camera.
	TrainBatchSize int `yaml:"train_batch_size" validate:"gte=0"`

	// TrainNumSteps is the total number of optimizer updates.
	TrainNumSteps int `yaml:"train_num_steps" validate:"gte=0"`

	// GradientAccumulateEvery is the number of micro-batches accumulated per optimizer update.
	GradientAccumulateEvery int `yaml:"gradient_accumulate_every" validate:"gte=1"`

	// IPrint, IImage and ISave are the logging, evaluation and checkpointing intervals, in steps.
	IPrint int `yaml:"i_print" validate:"gte=1"`
	IImage int `yaml:"i_image" validate:"gte=1"`
	ISave  int `yaml:"i_save" validate:"gte=1"`

	// ResultsFolder where checkpoints, evaluation images and tracking files are written.
	// It is created if it doesn't exist.
	ResultsFolder string `yaml:"results_folder" validate:"required"`

	WithTracking bool `yaml:"with_tracking"`
	Profile      bool `yaml:"profile"`

	// Precision policy of the execution context: "float32" or "float16".
	Precision string `yaml:"precision" validate:"precision"`

	// Device of the execution context.
	Device string `yaml:"device" validate:"required"`

	// StopOnNonFinite aborts the run with an error if the loss becomes NaN or infinite.
	StopOnNonFinite bool `yaml:"stop_on_non_finite"`

	// KeepCheckpoints is the number of most recent checkpoints kept, at least 1. -1 keeps all of them.
	KeepCheckpoints int `yaml:"keep_checkpoints" validate:"eq=-1|gte=1"`
}

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = configValidate.RegisterValidation("precision", func(fl validator.FieldLevel) bool {
		_, err := exec.ParsePrecision(fl.Field().String())
		return err == nil
	})
}

// DefaultConfig returns the default training configuration.
func DefaultConfig() *Config {
	return &Config{
		TrainLR:                 1e-2,
		AdamBetas:               []float64{0.9, 0.99},
		Optimizer:               "adam",
		TrainBatchSize:          4096,
		TrainNumSteps:           25000,
		GradientAccumulateEvery: 1,
		IPrint:                  100,
		IImage:                  1000,
		ISave:                   50000,
		ResultsFolder:           "./result",
		Precision:               exec.Float32.String(),
		Device:                  "cpu",
		StopOnNonFinite:         true,
		KeepCheckpoints:         -1,
	}
}

// LoadConfig reads a YAML configuration file. Values not present in the file keep their defaults.
// Unknown keys are an error.
func LoadConfig(path string) (*Config, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration from %q", path)
	}
	cfg := DefaultConfig()
	if err = cfg.decode(contents); err != nil {
		return nil, errors.WithMessagef(err, "configuration file %q", path)
	}
	if err = cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "configuration file %q", path)
	}
	return cfg, nil
}

func (c *Config) decode(contents []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return errors.Wrap(err, "failed to parse configuration")
	}
	return nil
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid training configuration")
	}
	return nil
}

// ParseSettings overrides configuration values from settings, a list separated by ";",
// e.g.: "train_lr=0.001;i_save=1000;adam_betas=0.9,0.999".
//
// Keys are the YAML names of the Config fields. List values are comma-separated.
// It returns the keys that were set, and an error if a key is unknown or a value can't be parsed.
// The resulting configuration is validated.
func (c *Config) ParseSettings(settings string) (keysSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		setting = strings.TrimSpace(setting)
		if setting == "" {
			continue
		}
		key, value, found := strings.Cut(setting, "=")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !found || key == "" {
			return keysSet, errors.Errorf("can't parse setting %q: each setting requires the format \"<key>=<value>\"", setting)
		}
		if strings.Contains(value, ",") && !strings.HasPrefix(value, "[") {
			value = "[" + value + "]"
		}
		if err = c.decode([]byte(key + ": " + value + "\n")); err != nil {
			return keysSet, errors.WithMessagef(err, "setting %q", setting)
		}
		keysSet = append(keysSet, key)
	}
	if err = c.Validate(); err != nil {
		return keysSet, err
	}
	return keysSet, nil
}

// String returns the configuration in YAML format.
func (c *Config) String() string {
	contents, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(contents)
}
