package guard

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind tags which parameter block a Config carries.
type Kind string

const (
	KindBudget    Kind = "budget"
	KindRateLimit Kind = "rate_limit"
	KindSingleTx  Kind = "single_tx"
	KindRecipient Kind = "recipient"
	KindConfirm   Kind = "confirm"
)

// ParseKind accepts the canonical names plus a few spelling variants.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.NewReplacer("-", "_", " ", "_").Replace(strings.TrimSpace(s))) {
	case "budget":
		return KindBudget, nil
	case "rate_limit", "ratelimit", "rate":
		return KindRateLimit, nil
	case "single_tx", "singletx", "single_transaction":
		return KindSingleTx, nil
	case "recipient", "recipients":
		return KindRecipient, nil
	case "confirm", "confirmation":
		return KindConfirm, nil
	}
	return "", fmt.Errorf("%w: unknown guard kind %q", ErrInvalidConfig, s)
}

var (
	// ErrInvalidConfig rejects malformed or conflicting guard definitions.
	ErrInvalidConfig = errors.New("invalid guard config")

	ErrBudgetExceeded       = errors.New("budget exceeded")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrAmountOutOfRange     = errors.New("amount out of range")
	ErrRecipientNotAllowed  = errors.New("recipient not allowed")
	ErrRecipientBlocked     = errors.New("recipient blocked")
	ErrConfirmationRequired = errors.New("confirmation required")
)

// Code is the machine-readable reason a guard denied an attempt.
type Code string

const (
	CodeBudgetExceeded       Code = "BUDGET_EXCEEDED"
	CodeRateLimitExceeded    Code = "RATE_LIMIT_EXCEEDED"
	CodeAmountOutOfRange     Code = "AMOUNT_OUT_OF_RANGE"
	CodeRecipientNotAllowed  Code = "RECIPIENT_NOT_ALLOWED"
	CodeRecipientBlocked     Code = "RECIPIENT_BLOCKED"
	CodeConfirmationRequired Code = "CONFIRMATION_REQUIRED"
)

// Err maps a denial code onto its sentinel error.
func (c Code) Err() error {
	switch c {
	case CodeBudgetExceeded:
		return ErrBudgetExceeded
	case CodeRateLimitExceeded:
		return ErrRateLimitExceeded
	case CodeAmountOutOfRange:
		return ErrAmountOutOfRange
	case CodeRecipientNotAllowed:
		return ErrRecipientNotAllowed
	case CodeRecipientBlocked:
		return ErrRecipientBlocked
	case CodeConfirmationRequired:
		return ErrConfirmationRequired
	}
	return nil
}

// BudgetParams caps cumulative spend per window. Zero limits are unset.
type BudgetParams struct {
	HourlyLimit decimal.Decimal `json:"hourly_limit" mapstructure:"hourly_limit"`
	DailyLimit  decimal.Decimal `json:"daily_limit" mapstructure:"daily_limit"`
	TotalLimit  decimal.Decimal `json:"total_limit" mapstructure:"total_limit"`
}

// RateLimitParams caps attempts per window. Zero caps are unset.
type RateLimitParams struct {
	MaxPerMinute int64 `json:"max_per_minute,omitempty" mapstructure:"max_per_minute"`
	MaxPerHour   int64 `json:"max_per_hour,omitempty" mapstructure:"max_per_hour"`
	MaxPerDay    int64 `json:"max_per_day,omitempty" mapstructure:"max_per_day"`
}

// SingleTxParams bounds each individual amount. Zero bounds are unset.
type SingleTxParams struct {
	MinAmount decimal.Decimal `json:"min_amount" mapstructure:"min_amount"`
	MaxAmount decimal.Decimal `json:"max_amount" mapstructure:"max_amount"`
}

// Recipient modes.
const (
	ModeWhitelist = "whitelist"
	ModeBlacklist = "blacklist"
)

// RecipientParams restricts who may be paid.
type RecipientParams struct {
	Mode      string   `json:"mode" mapstructure:"mode"`
	Addresses []string `json:"addresses,omitempty" mapstructure:"addresses"`
	Domains   []string `json:"domains,omitempty" mapstructure:"domains"`
	Patterns  []string `json:"patterns,omitempty" mapstructure:"patterns"`

	compiled []*regexp.Regexp
}

// ConfirmParams requires approval at or above Threshold; zero means always.
type ConfirmParams struct {
	Threshold decimal.Decimal `json:"threshold" mapstructure:"threshold"`
}

// Config is one policy attached to a scope. Exactly one parameter block,
// the one matching Kind, is set.
type Config struct {
	Name      string           `json:"name"`
	Kind      Kind             `json:"kind"`
	Budget    *BudgetParams    `json:"budget,omitempty"`
	RateLimit *RateLimitParams `json:"rate_limit,omitempty"`
	SingleTx  *SingleTxParams  `json:"single_tx,omitempty"`
	Recipient *RecipientParams `json:"recipient,omitempty"`
	Confirm   *ConfirmParams   `json:"confirm,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Attempt is the part of a payment attempt guards look at.
type Attempt struct {
	ID        string
	Recipient string
	Amount    decimal.Decimal
	At        time.Time
}

// Snapshot is the state a guard is evaluated against, read inside the scope lock.
type Snapshot struct {
	Counters map[string]int64
	// Approved is true when the attempt holds an explicit approval.
	Approved bool
}

func (s Snapshot) value(key string) int64 {
	if s.Counters == nil {
		return 0
	}
	return s.Counters[key]
}

// Verdict is one guard's answer.
type Verdict struct {
	Guard   string `json:"guard"`
	Kind    Kind   `json:"kind"`
	Allowed bool   `json:"allowed"`
	Code    Code   `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func allow(c Config) Verdict {
	return Verdict{Guard: c.Name, Kind: c.Kind, Allowed: true}
}

func deny(c Config, code Code, format string, args ...any) Verdict {
	return Verdict{Guard: c.Name, Kind: c.Kind, Code: code, Reason: fmt.Sprintf(format, args...)}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks internal consistency and compiles recipient patterns.
func (c *Config) Validate() error {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return invalid("guard name is required")
	}
	if name != c.Name || strings.ContainsAny(name, ": \t\n") {
		return invalid("guard name %q must not contain spaces or ':'", c.Name)
	}

	blocks := 0
	for _, set := range []bool{c.Budget != nil, c.RateLimit != nil, c.SingleTx != nil, c.Recipient != nil, c.Confirm != nil} {
		if set {
			blocks++
		}
	}
	if blocks != 1 {
		return invalid("guard %s must carry exactly one parameter block, got %d", c.Name, blocks)
	}

	switch c.Kind {
	case KindBudget:
		if c.Budget == nil {
			return invalid("guard %s: budget parameters missing", c.Name)
		}
		return c.Budget.validate()
	case KindRateLimit:
		if c.RateLimit == nil {
			return invalid("guard %s: rate limit parameters missing", c.Name)
		}
		return c.RateLimit.validate()
	case KindSingleTx:
		if c.SingleTx == nil {
			return invalid("guard %s: single tx parameters missing", c.Name)
		}
		return c.SingleTx.validate()
	case KindRecipient:
		if c.Recipient == nil {
			return invalid("guard %s: recipient parameters missing", c.Name)
		}
		return c.Recipient.validate()
	case KindConfirm:
		if c.Confirm == nil {
			return invalid("guard %s: confirm parameters missing", c.Name)
		}
		return c.Confirm.validate()
	default:
		return invalid("guard %s: unknown kind %q", c.Name, c.Kind)
	}
}

func validLimit(field string, v decimal.Decimal) error {
	if v.IsNegative() {
		return invalid("%s must be positive", field)
	}
	if _, err := Units(v); err != nil {
		return invalid("%s: %v", field, err)
	}
	return nil
}

func (p *BudgetParams) validate() error {
	if p.HourlyLimit.IsZero() && p.DailyLimit.IsZero() && p.TotalLimit.IsZero() {
		return invalid("budget needs at least one of hourly_limit, daily_limit, total_limit")
	}
	for field, v := range map[string]decimal.Decimal{
		"hourly_limit": p.HourlyLimit,
		"daily_limit":  p.DailyLimit,
		"total_limit":  p.TotalLimit,
	} {
		if err := validLimit(field, v); err != nil {
			return err
		}
	}
	return nil
}

func (p *RateLimitParams) validate() error {
	if p.MaxPerMinute == 0 && p.MaxPerHour == 0 && p.MaxPerDay == 0 {
		return invalid("rate limit needs at least one of max_per_minute, max_per_hour, max_per_day")
	}
	if p.MaxPerMinute < 0 || p.MaxPerHour < 0 || p.MaxPerDay < 0 {
		return invalid("rate limits must be positive")
	}
	return nil
}

func (p *SingleTxParams) validate() error {
	if p.MinAmount.IsZero() && p.MaxAmount.IsZero() {
		return invalid("single tx needs min_amount or max_amount")
	}
	if err := validLimit("min_amount", p.MinAmount); err != nil {
		return err
	}
	if err := validLimit("max_amount", p.MaxAmount); err != nil {
		return err
	}
	if !p.MaxAmount.IsZero() && p.MinAmount.GreaterThan(p.MaxAmount) {
		return invalid("min_amount %s exceeds max_amount %s", p.MinAmount.String(), p.MaxAmount.String())
	}
	return nil
}

func (p *RecipientParams) validate() error {
	p.Mode = strings.ToLower(strings.TrimSpace(p.Mode))
	if p.Mode == "" {
		p.Mode = ModeWhitelist
	}
	if p.Mode != ModeWhitelist && p.Mode != ModeBlacklist {
		return invalid("recipient mode must be whitelist or blacklist, got %q", p.Mode)
	}
	if len(p.Addresses)+len(p.Domains)+len(p.Patterns) == 0 {
		return invalid("recipient guard needs at least one address, domain, or pattern")
	}
	compiled := make([]*regexp.Regexp, 0, len(p.Patterns))
	for _, pattern := range p.Patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return invalid("pattern %q: %v", pattern, err)
		}
		compiled = append(compiled, re)
	}
	p.compiled = compiled
	return nil
}

func (p *ConfirmParams) validate() error {
	return validLimit("threshold", p.Threshold)
}

// Counters lists the counters the guard reads for an attempt at the given time.
func (c Config) Counters(scope string, at time.Time) []Counter {
	switch c.Kind {
	case KindBudget:
		if c.Budget == nil {
			return nil
		}
		var out []Counter
		if !c.Budget.HourlyLimit.IsZero() {
			out = append(out, newCounter(scope, c.Name, MetricSpent, WindowHour, at))
		}
		if !c.Budget.DailyLimit.IsZero() {
			out = append(out, newCounter(scope, c.Name, MetricSpent, WindowDay, at))
		}
		if !c.Budget.TotalLimit.IsZero() {
			out = append(out, newCounter(scope, c.Name, MetricSpent, WindowLifetime, at))
		}
		return out
	case KindRateLimit:
		if c.RateLimit == nil {
			return nil
		}
		var out []Counter
		if c.RateLimit.MaxPerMinute > 0 {
			out = append(out, newCounter(scope, c.Name, MetricCount, WindowMinute, at))
		}
		if c.RateLimit.MaxPerHour > 0 {
			out = append(out, newCounter(scope, c.Name, MetricCount, WindowHour, at))
		}
		if c.RateLimit.MaxPerDay > 0 {
			out = append(out, newCounter(scope, c.Name, MetricCount, WindowDay, at))
		}
		return out
	default:
		return nil
	}
}

// NeedsApproval reports whether the attempt must carry an approval for this guard.
func (c Config) NeedsApproval(a Attempt) bool {
	if c.Kind != KindConfirm || c.Confirm == nil {
		return false
	}
	return c.Confirm.Threshold.IsZero() || a.Amount.GreaterThanOrEqual(c.Confirm.Threshold)
}

// Evaluate is a pure function of the config, the attempt, and the snapshot.
func (c Config) Evaluate(scope string, a Attempt, snap Snapshot) Verdict {
	switch c.Kind {
	case KindBudget:
		return c.evaluateBudget(scope, a, snap)
	case KindRateLimit:
		return c.evaluateRateLimit(scope, a, snap)
	case KindSingleTx:
		return c.evaluateSingleTx(a)
	case KindRecipient:
		return c.evaluateRecipient(a)
	case KindConfirm:
		if c.NeedsApproval(a) && !snap.Approved {
			return deny(c, CodeConfirmationRequired, "amount %s requires approval (threshold %s)",
				a.Amount.String(), c.Confirm.Threshold.String())
		}
		return allow(c)
	default:
		return deny(c, "", "unknown guard kind %q", c.Kind)
	}
}

// CommitEffect returns the counter mutations to apply once every guard passed.
func (c Config) CommitEffect(scope string, a Attempt) []Mutation {
	counters := c.Counters(scope, a.At)
	if len(counters) == 0 {
		return nil
	}
	var delta int64 = 1
	if c.Kind == KindBudget {
		units, err := Units(a.Amount)
		if err != nil {
			return nil
		}
		delta = units
	}
	out := make([]Mutation, 0, len(counters))
	for _, ctr := range counters {
		out = append(out, Mutation{Key: ctr.Key, Delta: delta, TTL: ctr.TTL, WindowEnd: ctr.End})
	}
	return out
}

func (c Config) evaluateBudget(scope string, a Attempt, snap Snapshot) Verdict {
	units, err := Units(a.Amount)
	if err != nil {
		return deny(c, CodeBudgetExceeded, "%v", err)
	}

	limits := map[Window]decimal.Decimal{
		WindowHour:     c.Budget.HourlyLimit,
		WindowDay:      c.Budget.DailyLimit,
		WindowLifetime: c.Budget.TotalLimit,
	}
	var (
		violated bool
		tightest decimal.Decimal
		window   Window
		spent    int64
	)
	for _, ctr := range c.Counters(scope, a.At) {
		limit := limits[ctr.Window]
		limitUnits, _ := Units(limit)
		current := snap.value(ctr.Key)
		if units <= limitUnits-current {
			continue
		}
		if !violated || limit.LessThan(tightest) {
			violated, tightest, window, spent = true, limit, ctr.Window, current
		}
	}
	if violated {
		return deny(c, CodeBudgetExceeded, "%s limit %s would be exceeded: spent %s + %s",
			windowLabel(window), tightest.String(), FromUnits(spent).String(), a.Amount.String())
	}
	return allow(c)
}

func windowLabel(w Window) string {
	switch w {
	case WindowHour:
		return "hourly"
	case WindowDay:
		return "daily"
	case WindowLifetime:
		return "total"
	default:
		return string(w)
	}
}

func (c Config) evaluateRateLimit(scope string, a Attempt, snap Snapshot) Verdict {
	caps := map[Window]int64{
		WindowMinute: c.RateLimit.MaxPerMinute,
		WindowHour:   c.RateLimit.MaxPerHour,
		WindowDay:    c.RateLimit.MaxPerDay,
	}
	for _, ctr := range c.Counters(scope, a.At) {
		limit := caps[ctr.Window]
		count := snap.value(ctr.Key)
		if count+1 > limit {
			return deny(c, CodeRateLimitExceeded, "%d attempts per %s allowed, %d already made",
				limit, ctr.Window, count)
		}
	}
	return allow(c)
}

func (c Config) evaluateSingleTx(a Attempt) Verdict {
	p := c.SingleTx
	if !p.MinAmount.IsZero() && a.Amount.LessThan(p.MinAmount) {
		return deny(c, CodeAmountOutOfRange, "amount %s is below minimum %s", a.Amount.String(), p.MinAmount.String())
	}
	if !p.MaxAmount.IsZero() && a.Amount.GreaterThan(p.MaxAmount) {
		return deny(c, CodeAmountOutOfRange, "amount %s exceeds maximum %s", a.Amount.String(), p.MaxAmount.String())
	}
	return allow(c)
}

func (c Config) evaluateRecipient(a Attempt) Verdict {
	matched, rule := c.Recipient.match(a.Recipient)
	switch c.Recipient.Mode {
	case ModeBlacklist:
		if matched {
			return deny(c, CodeRecipientBlocked, "recipient %s is blocked by %s", a.Recipient, rule)
		}
	default:
		if !matched {
			return deny(c, CodeRecipientNotAllowed, "recipient %s is not on the allow list", a.Recipient)
		}
	}
	return allow(c)
}
