package sampling

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.opentelemetry.io/otel/attribute"
	sdktr "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tr "go.opentelemetry.io/otel/trace"
)

// Decision is the outcome of evaluating one span-start request.
type Decision int

const (
	NotRecord Decision = iota
	Record
)

func (d Decision) String() string {
	if d == Record {
		return "RECORD"
	}
	return "NOT_RECORD"
}

// LivenessOperation is the db.operation value of connection health probes.
const LivenessOperation = "PING"

// keyURLPath is the newer spelling of http.target used by some clients.
const keyURLPath = attribute.Key("url.path")

// Policy decides per span whether it is recorded. All fields are written
// once in NewPolicy, so Evaluate is safe for concurrent use without locks.
type Policy struct {
	urls     []string
	ops      []string
	names    []string
	ratio    float64
	fallback sdktr.Sampler
}

// NewPolicy validates the rule set. Any malformed rule fails the load.
func NewPolicy(rules Rules) (*Policy, error) {
	if rules.Ratio < 0 || rules.Ratio > 1 {
		return nil, fmt.Errorf("%w: ratio must be between 0.0 and 1.0, got %f", ErrInvalidRule, rules.Ratio)
	}

	p := &Policy{
		ratio:    rules.Ratio,
		fallback: sdktr.TraceIDRatioBased(rules.Ratio),
	}
	for _, rule := range rules.List() {
		pattern, err := normalize(rule)
		if err != nil {
			return nil, err
		}
		switch rule.Category {
		case CategoryURL:
			p.urls = append(p.urls, pattern)
		case CategoryOperation:
			p.ops = append(p.ops, pattern)
		case CategorySpanName:
			p.names = append(p.names, pattern)
		}
	}
	return p, nil
}

// MustNewPolicy is NewPolicy for rule sets known at compile time.
func MustNewPolicy(rules Rules) *Policy {
	p, err := NewPolicy(rules)
	if err != nil {
		panic(err)
	}
	return p
}

// Evaluate applies the exclude rules in fixed order (url, statement,
// liveness operation, span name) and falls back to the ratio sampler.
func (p *Policy) Evaluate(traceID tr.TraceID, name string, kind tr.SpanKind, attrs []attribute.KeyValue) Decision {
	var target, statement, operation string
	var hasTarget, hasStatement, hasOperation bool
	for _, kv := range attrs {
		switch kv.Key {
		case semconv.HTTPTargetKey, keyURLPath:
			if !hasTarget {
				target, hasTarget = kv.Value.Emit(), true
			}
		case semconv.DBStatementKey:
			statement, hasStatement = kv.Value.Emit(), true
		case semconv.DBOperationKey:
			operation, hasOperation = kv.Value.Emit(), true
		}
	}

	if hasTarget && p.matchURL(target) {
		return NotRecord
	}
	if hasStatement && containsAny(strings.ToLower(statement), p.ops) {
		return NotRecord
	}
	if hasOperation && strings.EqualFold(operation, LivenessOperation) {
		return NotRecord
	}
	if containsAny(strings.ToLower(name), p.names) {
		return NotRecord
	}

	res := p.fallback.ShouldSample(sdktr.SamplingParameters{
		TraceID:    traceID,
		Name:       name,
		Kind:       kind,
		Attributes: attrs,
	})
	if res.Decision == sdktr.RecordAndSample {
		return Record
	}
	return NotRecord
}

func (p *Policy) matchURL(target string) bool {
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	target = strings.ToLower(target)
	for _, pattern := range p.urls {
		// patterns are validated in NewPolicy, Match cannot fail here
		if ok, _ := doublestar.Match(pattern, target); ok {
			return true
		}
	}
	return false
}

func containsAny(s string, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// ShouldSample lets the policy act as the provider's sampler, so spans
// started without the wrapper obey the same rules.
func (p *Policy) ShouldSample(params sdktr.SamplingParameters) sdktr.SamplingResult {
	psc := tr.SpanContextFromContext(params.ParentContext)
	decision := sdktr.Drop
	if p.Evaluate(params.TraceID, params.Name, params.Kind, params.Attributes) == Record {
		decision = sdktr.RecordAndSample
	}
	return sdktr.SamplingResult{
		Decision:   decision,
		Tracestate: psc.TraceState(),
	}
}

func (p *Policy) Description() string {
	return fmt.Sprintf("ExcludeRuleSampler{urls=%d,operations=%d,names=%d,ratio=%g}",
		len(p.urls), len(p.ops), len(p.names), p.ratio)
}
