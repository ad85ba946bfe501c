// Package rules implements the operator-defined rule matching and
// auto-replay dispatch described in spec.md §4.7.
package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/debdevops/servicehub/internal/domain"
)

// compiledRegexCache memoizes compiled regexes per (ruleID, conditionIndex,
// pattern) so a Regex condition compiles once per rule version, per
// spec.md §4.7.
type compiledRegexCache struct {
	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

func newCompiledRegexCache() *compiledRegexCache {
	return &compiledRegexCache{cache: map[string]*regexp.Regexp{}}
}

func (c *compiledRegexCache) get(key, pattern string) (*regexp.Regexp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if re, ok := c.cache[key]; ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	c.cache[key] = re

	return re, nil
}

var regexCache = newCompiledRegexCache()

// ValidateRule compiles every Regex condition once, returning the first
// error encountered. The rule engine disables a rule that fails this
// check, per spec.md §4.7 and §7.
func ValidateRule(rule domain.Rule) error {
	if len(rule.Conditions) == 0 {
		return fmt.Errorf("rule must have at least one condition")
	}

	for i, cond := range rule.Conditions {
		if cond.Operator != domain.OpRegex {
			continue
		}

		key := rule.ID + ":" + strconv.Itoa(i) + ":" + cond.Value

		if _, err := regexCache.get(key, cond.Value); err != nil {
			return fmt.Errorf("condition[%d]: invalid regex %q: %w", i, cond.Value, err)
		}
	}

	return nil
}

// fieldValue extracts the string representation of cond.Field from entry,
// returning ok=false when the field cannot be evaluated (e.g. a missing
// application property).
func fieldValue(entry domain.DlqHistoryEntry, field domain.ConditionField, propertyKey string) (string, bool) {
	switch field {
	case domain.FieldDeadLetterReason:
		return entry.DeadLetterReason, true
	case domain.FieldDeadLetterErrorDescription:
		return entry.DeadLetterErrorDescription, true
	case domain.FieldFailureCategory:
		return string(entry.FailureCategory), true
	case domain.FieldEntityName:
		return entry.EntityName, true
	case domain.FieldDeliveryCount:
		return strconv.FormatInt(entry.DeliveryCount, 10), true
	case domain.FieldContentType:
		return entry.ContentType, true
	case domain.FieldTopicName:
		return entry.TopicName, true
	case domain.FieldCorrelationID:
		return entry.CorrelationID, true
	case domain.FieldApplicationProperty:
		if propertyKey == "" {
			return "", false
		}

		v, ok := entry.ApplicationProperties[propertyKey]
		if !ok {
			return "", false
		}

		return fmt.Sprintf("%v", v), true
	default:
		return "", false
	}
}

// MatchesCondition reports whether entry satisfies cond.
func MatchesCondition(entry domain.DlqHistoryEntry, ruleID string, condIndex int, cond domain.RuleCondition) bool {
	if cond.Field == domain.FieldApplicationProperty && cond.PropertyKey == "" {
		return false
	}

	raw, ok := fieldValue(entry, cond.Field, cond.PropertyKey)
	if !ok {
		return false
	}

	// Numeric operators only ever apply to DeliveryCount; against any
	// other field they never match, per spec.md §4.7.
	if cond.Operator == domain.OpGreaterThan || cond.Operator == domain.OpLessThan {
		if cond.Field != domain.FieldDeliveryCount {
			return false
		}

		lhs, err1 := strconv.ParseFloat(raw, 64)
		rhs, err2 := strconv.ParseFloat(cond.Value, 64)

		if err1 != nil || err2 != nil {
			return false
		}

		if cond.Operator == domain.OpGreaterThan {
			return lhs > rhs
		}

		return lhs < rhs
	}

	left, right := raw, cond.Value
	if !cond.CaseSensitive {
		left = strings.ToLower(left)
		right = strings.ToLower(right)
	}

	switch cond.Operator {
	case domain.OpContains:
		return strings.Contains(left, right)
	case domain.OpNotContains:
		return !strings.Contains(left, right)
	case domain.OpEquals:
		return left == right
	case domain.OpNotEquals:
		return left != right
	case domain.OpStartsWith:
		return strings.HasPrefix(left, right)
	case domain.OpEndsWith:
		return strings.HasSuffix(left, right)
	case domain.OpIn:
		for _, v := range strings.Split(right, ",") {
			if strings.TrimSpace(v) == strings.TrimSpace(left) {
				return true
			}
		}

		return false
	case domain.OpRegex:
		key := ruleID + ":" + strconv.Itoa(condIndex) + ":" + cond.Value

		re, err := regexCache.get(key, cond.Value)
		if err != nil {
			return false
		}

		return re.MatchString(raw)
	default:
		return false
	}
}

// Matches reports whether entry satisfies every condition of rule (AND
// combination), per spec.md §4.7 / §8 invariant 5.
func Matches(entry domain.DlqHistoryEntry, rule domain.Rule) bool {
	for i, cond := range rule.Conditions {
		if !MatchesCondition(entry, rule.ID, i, cond) {
			return false
		}
	}

	return true
}
