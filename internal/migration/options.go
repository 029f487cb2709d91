package migration

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/your-org/mediamigrate/internal/progress"
	"github.com/your-org/mediamigrate/internal/transfer"
	"github.com/your-org/mediamigrate/pkg/config"
)

// Options tune one run.
type Options struct {
	Concurrency       int
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	RetryJitter       bool
	FetchTimeout      time.Duration
	StoreTimeout      time.Duration
	CleanupAfterStore bool
	UploadSidecars    bool
	BatchSize         int
	ProgressInterval  time.Duration
}

func DefaultOptions() Options {
	return Options{
		Concurrency:       8,
		RetryAttempts:     transfer.DefaultAttempts,
		RetryBaseDelay:    transfer.DefaultBaseDelay,
		FetchTimeout:      transfer.DefaultFetchTimeout,
		StoreTimeout:      transfer.DefaultStoreTimeout,
		CleanupAfterStore: true,
		UploadSidecars:    true,
		BatchSize:         50,
		ProgressInterval:  progress.DefaultInterval,
	}
}

// OptionsFromConfig maps the migration settings of cfg onto Options.
func OptionsFromConfig(cfg config.MigrationConfig) Options {
	return Options{
		Concurrency:       cfg.Concurrency,
		RetryAttempts:     cfg.RetryAttempts,
		RetryBaseDelay:    cfg.RetryBaseDelay,
		RetryJitter:       cfg.RetryJitter,
		FetchTimeout:      cfg.FetchTimeout,
		StoreTimeout:      cfg.StoreTimeout,
		CleanupAfterStore: cfg.CleanupAfterStore,
		UploadSidecars:    cfg.UploadSidecars,
		BatchSize:         cfg.BatchSize,
		ProgressInterval:  cfg.ProgressInterval,
	}
}

// Keys accepted by ParseOptions.
const (
	OptConcurrency       = "concurrency"
	OptRetryAttempts     = "retryAttempts"
	OptRetryBaseDelayMs  = "retryBaseDelayMs"
	OptCleanupAfterStore = "cleanupAfterStore"
	OptUploadSidecars    = "uploadSidecars"
)

// ParseOptions overlays raw, typically decoded JSON, onto the defaults.
// Unknown keys are rejected.
func ParseOptions(raw map[string]any) (Options, error) {
	o := DefaultOptions()
	var errs []error
	for _, k := range slices.Sorted(maps.Keys(raw)) {
		v := raw[k]
		var err error
		switch k {
		case OptConcurrency:
			o.Concurrency, err = toInt(v)
		case OptRetryAttempts:
			o.RetryAttempts, err = toInt(v)
		case OptRetryBaseDelayMs:
			var ms int
			ms, err = toInt(v)
			o.RetryBaseDelay = time.Duration(ms) * time.Millisecond
		case OptCleanupAfterStore:
			o.CleanupAfterStore, err = toBool(v)
		case OptUploadSidecars:
			o.UploadSidecars, err = toBool(v)
		default:
			err = errors.New("unknown option")
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return Options{}, err
	}
	return o, o.Validate()
}

func (o Options) Validate() error {
	var errs []error
	if o.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("concurrency must be positive, got %d", o.Concurrency))
	}
	if o.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retryAttempts must be positive, got %d", o.RetryAttempts))
	}
	if o.RetryBaseDelay < 0 {
		errs = append(errs, fmt.Errorf("retryBaseDelayMs must not be negative, got %s", o.RetryBaseDelay))
	}
	if o.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("batch size must not be negative, got %d", o.BatchSize))
	}
	return errors.Join(errs...)
}

func (o Options) retryPolicy() transfer.RetryPolicy {
	return transfer.RetryPolicy{Attempts: o.RetryAttempts, BaseDelay: o.RetryBaseDelay, Jitter: o.RetryJitter}
}

func toInt(v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("expected an integer, got %v", x)
		}
		return int(x), nil
	case string:
		return strconv.Atoi(x)
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(x)
	default:
		return false, fmt.Errorf("expected a boolean, got %T", v)
	}
}
