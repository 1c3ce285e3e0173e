package verification

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"conductor/internal/domain"
)

// Penalties per violation, in quality points out of 100.
const (
	schemaPenalty        = 20
	businessRulePenalty  = 15
	nullFieldPenalty     = 10
	typeMismatchPenalty  = 15
	belowMinSizePenalty  = 30
	slowExecutionPenalty = 20
)

// CheckResult is the output of one check against one task.
type CheckResult struct {
	Type   domain.CheckType
	Score  float64
	Issues []domain.Issue
}

// Check scores a completed task against a profile. Checks must be pure.
type Check func(task domain.Task, profile Profile) CheckResult

// BuiltinChecks returns the five standard checks keyed by type.
func BuiltinChecks() map[domain.CheckType]Check {
	return map[domain.CheckType]Check{
		domain.CheckSchema:        SchemaCheck,
		domain.CheckBusinessRules: BusinessRulesCheck,
		domain.CheckDataQuality:   DataQualityCheck,
		domain.CheckCompleteness:  CompletenessCheck,
		domain.CheckPerformance:   PerformanceCheck,
	}
}

func SchemaCheck(task domain.Task, profile Profile) CheckResult {
	res := CheckResult{Type: domain.CheckSchema, Score: 100}
	for _, field := range profile.RequiredFields {
		if _, ok := task.Result[field]; ok {
			continue
		}
		res.Score -= schemaPenalty
		res.Issues = append(res.Issues, domain.Issue{
			Field:       field,
			Description: fmt.Sprintf("required field %q is missing", field),
			Severity:    domain.SeverityHigh,
		})
	}
	res.Score = floor(res.Score)
	return res
}

func BusinessRulesCheck(task domain.Task, profile Profile) CheckResult {
	res := CheckResult{Type: domain.CheckBusinessRules, Score: 100}
	for _, rule := range profile.Rules {
		actual, present := task.Result[rule.Field]
		ok := present && rule.Holds(actual)
		if ok {
			continue
		}
		res.Score -= businessRulePenalty
		desc := fmt.Sprintf("rule %s %s %v violated", rule.Field, rule.Operator, rule.Value)
		if !present {
			desc = fmt.Sprintf("rule %s %s %v: field is missing", rule.Field, rule.Operator, rule.Value)
		}
		res.Issues = append(res.Issues, domain.Issue{
			Field:       rule.Field,
			Description: desc,
			Severity:    domain.SeverityMedium,
		})
	}
	res.Score = floor(res.Score)
	return res
}

func DataQualityCheck(task domain.Task, profile Profile) CheckResult {
	res := CheckResult{Type: domain.CheckDataQuality, Score: 100}
	for _, field := range sortedKeys(task.Result) {
		if task.Result[field] != nil {
			continue
		}
		res.Score -= nullFieldPenalty
		res.Issues = append(res.Issues, domain.Issue{
			Field:       field,
			Description: fmt.Sprintf("field %q is null", field),
			Severity:    domain.SeverityLow,
		})
	}
	for _, field := range sortedKeys(profile.ExpectedTypes) {
		want := profile.ExpectedTypes[field]
		value, ok := task.Result[field]
		if !ok || value == nil {
			continue
		}
		if got := jsonType(value); got != want && !(want == "number" && got == "integer") {
			res.Score -= typeMismatchPenalty
			res.Issues = append(res.Issues, domain.Issue{
				Field:       field,
				Description: fmt.Sprintf("field %q is %s, expected %s", field, got, want),
				Severity:    domain.SeverityMedium,
			})
		}
	}
	res.Score = floor(res.Score)
	return res
}

func CompletenessCheck(task domain.Task, profile Profile) CheckResult {
	res := CheckResult{Type: domain.CheckCompleteness, Score: 100}
	if len(task.Result) == 0 {
		res.Score = 0
		res.Issues = append(res.Issues, domain.Issue{
			Description: "result is empty",
			Severity:    domain.SeverityCritical,
		})
		return res
	}
	if profile.MinResultSize > 0 && len(task.Result) < profile.MinResultSize {
		res.Score -= belowMinSizePenalty
		res.Issues = append(res.Issues, domain.Issue{
			Description: fmt.Sprintf("result has %d fields, expected at least %d", len(task.Result), profile.MinResultSize),
			Severity:    domain.SeverityMedium,
		})
	}
	res.Score = floor(res.Score)
	return res
}

func PerformanceCheck(task domain.Task, profile Profile) CheckResult {
	res := CheckResult{Type: domain.CheckPerformance, Score: 100}
	if profile.MaxDurationSeconds <= 0 {
		return res
	}
	took, ok := task.Duration()
	if !ok {
		return res
	}
	limit := time.Duration(profile.MaxDurationSeconds * float64(time.Second))
	if took > limit {
		res.Score -= slowExecutionPenalty
		res.Issues = append(res.Issues, domain.Issue{
			Description: fmt.Sprintf("took %.1fs, limit %.1fs", took.Seconds(), profile.MaxDurationSeconds),
			Severity:    domain.SeverityLow,
		})
	}
	res.Score = floor(res.Score)
	return res
}

// Rule is a (field, operator, value) constraint on a result.
type Rule struct {
	Field    string `yaml:"field" json:"field" validate:"required"`
	Operator string `yaml:"operator" json:"operator" validate:"required,oneof=== != > < contains"`
	Value    any    `yaml:"value" json:"value"`
}

// Holds evaluates the rule against the actual value.
func (r Rule) Holds(actual any) bool {
	switch r.Operator {
	case "==":
		return equal(actual, r.Value)
	case "!=":
		return !equal(actual, r.Value)
	case ">", "<":
		a, okA := toFloat(actual)
		b, okB := toFloat(r.Value)
		if !okA || !okB {
			return false
		}
		if r.Operator == ">" {
			return a > b
		}
		return a < b
	case "contains":
		return contains(actual, r.Value)
	default:
		return false
	}
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	case []any:
		for _, item := range h {
			if equal(item, needle) {
				return true
			}
		}
		return false
	case []string:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		for _, item := range h {
			if item == s {
				return true
			}
		}
		return false
	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		_, found := h[s]
		return found
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// jsonType names the JSON type of a decoded value.
func jsonType(v any) string {
	switch n := v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		if n == math.Trunc(n) {
			return "integer"
		}
		return "number"
	case float32:
		return "number"
	case int, int32, int64, uint64:
		return "integer"
	case []any, []string:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func floor(score float64) float64 {
	if score < 0 {
		return 0
	}
	return score
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
