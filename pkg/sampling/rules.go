package sampling

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Category selects which span input a rule is matched against.
type Category int

const (
	CategoryURL Category = iota
	CategoryOperation
	CategorySpanName
)

func (c Category) String() string {
	switch c {
	case CategoryURL:
		return "url"
	case CategoryOperation:
		return "operation"
	case CategorySpanName:
		return "span-name"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// Rule is a single exclude rule.
type Rule struct {
	Category Category
	Pattern  string
}

// Rules is the configured exclude set plus the fallback ratio.
// mapstructure tags let pkg/config unmarshal it straight from viper.
type Rules struct {
	ExcludeURLs       []string `mapstructure:"exclude-urls"`
	ExcludeOperations []string `mapstructure:"exclude-operations"`
	ExcludeSpanNames  []string `mapstructure:"exclude-span-names"`
	Ratio             float64  `mapstructure:"ratio"`
}

// DefaultRules skips health, metrics and profiling endpoints plus
// connection liveness probes, recording everything else.
func DefaultRules() Rules {
	return Rules{
		ExcludeURLs: []string{
			"/health/**",
			"/healthz",
			"/metrics/**",
			"/debug/pprof/**",
		},
		ExcludeOperations: []string{
			"PING",
			"SELECT 1",
			"redis.ping",
			"mysql.ping",
		},
		ExcludeSpanNames: []string{
			"redis.ping",
			"mysql.ping",
			"health.check",
		},
		Ratio: 1.0,
	}
}

// List flattens the set in evaluation order.
func (r Rules) List() []Rule {
	out := make([]Rule, 0, len(r.ExcludeURLs)+len(r.ExcludeOperations)+len(r.ExcludeSpanNames))
	for _, p := range r.ExcludeURLs {
		out = append(out, Rule{Category: CategoryURL, Pattern: p})
	}
	for _, p := range r.ExcludeOperations {
		out = append(out, Rule{Category: CategoryOperation, Pattern: p})
	}
	for _, p := range r.ExcludeSpanNames {
		out = append(out, Rule{Category: CategorySpanName, Pattern: p})
	}
	return out
}

// ErrInvalidRule is wrapped by every ConfigError.
var ErrInvalidRule = errors.New("invalid sampling rule")

// ConfigError reports a rule rejected at load time.
type ConfigError struct {
	Rule   Rule
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s rule %q: %s", e.Rule.Category, e.Rule.Pattern, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidRule }

// normalize validates a rule and returns its lower-cased pattern.
func normalize(rule Rule) (string, error) {
	p := strings.TrimSpace(rule.Pattern)
	if p == "" {
		return "", &ConfigError{Rule: rule, Reason: "empty pattern"}
	}
	if p != rule.Pattern {
		return "", &ConfigError{Rule: rule, Reason: "surrounding whitespace"}
	}
	p = strings.ToLower(p)

	if rule.Category == CategoryURL {
		if !strings.HasPrefix(p, "/") {
			return "", &ConfigError{Rule: rule, Reason: "url pattern must start with /"}
		}
		if !doublestar.ValidatePattern(p) {
			return "", &ConfigError{Rule: rule, Reason: "malformed glob"}
		}
	}
	return p, nil
}
