package guard

import (
	"fmt"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
)

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook lets limits arrive as strings, ints, or floats.
func decimalHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(v)
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case uint64:
			return decimal.NewFromUint64(v), nil
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case decimal.Decimal:
			return v, nil
		}
		return data, nil
	}
}

func decodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			decimalHook(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(params)
}

// New builds and validates a Config from a loosely typed parameter map, as
// received from the CLI, the HTTP API, or a guard file.
func New(name string, kind Kind, params map[string]any) (Config, error) {
	cfg := Config{Name: name, Kind: kind, CreatedAt: time.Now().UTC()}
	if params == nil {
		params = map[string]any{}
	}

	var target any
	switch kind {
	case KindBudget:
		cfg.Budget = &BudgetParams{}
		target = cfg.Budget
	case KindRateLimit:
		cfg.RateLimit = &RateLimitParams{}
		target = cfg.RateLimit
	case KindSingleTx:
		cfg.SingleTx = &SingleTxParams{}
		target = cfg.SingleTx
	case KindRecipient:
		cfg.Recipient = &RecipientParams{}
		target = cfg.Recipient
	case KindConfirm:
		cfg.Confirm = &ConfirmParams{}
		target = cfg.Confirm
	default:
		return Config{}, invalid("unknown guard kind %q", kind)
	}

	if err := decodeParams(params, target); err != nil {
		return Config{}, fmt.Errorf("%w: guard %s: %v", ErrInvalidConfig, name, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Params renders the active parameter block as a flat map.
func (c Config) Params() map[string]any {
	out := map[string]any{}
	put := func(key string, v decimal.Decimal) {
		if !v.IsZero() {
			out[key] = v.String()
		}
	}
	switch c.Kind {
	case KindBudget:
		if c.Budget != nil {
			put("hourly_limit", c.Budget.HourlyLimit)
			put("daily_limit", c.Budget.DailyLimit)
			put("total_limit", c.Budget.TotalLimit)
		}
	case KindRateLimit:
		if c.RateLimit != nil {
			for key, v := range map[string]int64{
				"max_per_minute": c.RateLimit.MaxPerMinute,
				"max_per_hour":   c.RateLimit.MaxPerHour,
				"max_per_day":    c.RateLimit.MaxPerDay,
			} {
				if v > 0 {
					out[key] = v
				}
			}
		}
	case KindSingleTx:
		if c.SingleTx != nil {
			put("min_amount", c.SingleTx.MinAmount)
			put("max_amount", c.SingleTx.MaxAmount)
		}
	case KindRecipient:
		if c.Recipient != nil {
			out["mode"] = c.Recipient.Mode
			if len(c.Recipient.Addresses) > 0 {
				out["addresses"] = c.Recipient.Addresses
			}
			if len(c.Recipient.Domains) > 0 {
				out["domains"] = c.Recipient.Domains
			}
			if len(c.Recipient.Patterns) > 0 {
				out["patterns"] = c.Recipient.Patterns
			}
		}
	case KindConfirm:
		if c.Confirm != nil {
			out["threshold"] = c.Confirm.Threshold.String()
		}
	}
	return out
}
