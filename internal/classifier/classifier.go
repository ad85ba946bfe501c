// Package classifier implements the pure, deterministic failure
// classification described in spec.md §4.4. It performs no I/O and holds
// no state, so it is safe to share across goroutines and to substitute
// with a stub in tests, per the design notes' "pluggable classifier"
// guidance.
package classifier

import (
	"regexp"
	"strings"

	"github.com/debdevops/servicehub/internal/domain"
)

// Input carries everything the classifier needs to assign a category.
type Input struct {
	DeadLetterReason           string
	DeadLetterErrorDescription string
	DeliveryCount              int64
	MaxDeliveryCount           int64 // 0 means unknown
	TTLExpired                 bool
	ApplicationProperties      map[string]any
}

var (
	reMaxDelivery = regexp.MustCompile(`(?i)MaxDeliveryCountExceeded`)
	reExpired     = regexp.MustCompile(`(?i)TTLExpired|Expired`)
	reAuth        = regexp.MustCompile(`(?i)unauthori[sz]ed|forbidden|401|403`)
	reQuota       = regexp.MustCompile(`(?i)quota|throttle|429|size.*exceed`)
	reNotFound    = regexp.MustCompile(`(?i)not\s*found|404`)
	reDataQuality = regexp.MustCompile(`(?i)json|schema|deserial|parse|validation`)
	reTransient   = regexp.MustCompile(`(?i)timeout|connection|transient|5\d\d`)
)

// Func is the classifier signature, extracted so callers (the monitor,
// tests) depend on a function value rather than this package's types,
// matching the design notes' "expose it as a pure function parameter"
// guidance.
type Func func(Input) (domain.FailureCategory, float64)

// Classify assigns a FailureCategory and confidence to a dead-lettered
// message, following spec.md §4.4's ordered, first-match-wins precedence.
func Classify(in Input) (domain.FailureCategory, float64) {
	reason := in.DeadLetterReason
	combined := reason + " " + in.DeadLetterErrorDescription

	switch {
	case reMaxDelivery.MatchString(reason),
		in.MaxDeliveryCount > 0 && in.DeliveryCount >= in.MaxDeliveryCount:
		return domain.CategoryMaxDelivery, 0.99

	case in.TTLExpired, reExpired.MatchString(reason):
		return domain.CategoryExpired, 0.99

	case reAuth.MatchString(combined):
		return domain.CategoryAuthorization, 0.95

	case reQuota.MatchString(combined):
		return domain.CategoryQuotaExceeded, 0.90

	case reNotFound.MatchString(combined):
		return domain.CategoryResourceNotFound, 0.85

	case reDataQuality.MatchString(combined):
		return domain.CategoryDataQuality, 0.80

	case reTransient.MatchString(combined):
		return domain.CategoryTransient, 0.70

	case strings.TrimSpace(reason) != "":
		return domain.CategoryProcessingError, 0.50

	default:
		return domain.CategoryUnknown, 0.10
	}
}
