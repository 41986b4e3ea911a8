// File: internal/rollout/retry.go
// Brief: Error classification and backoff for stack deploy attempts.

package rollout

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/example/rollctl/internal/deployer"
	"github.com/example/rollctl/internal/secrets"
)

const (
	classStructural  = "STRUCTURAL"
	classCancelled   = "CANCELLED"
	classRateLimit   = "RATE_LIMIT"
	classTimeout     = "TIMEOUT"
	classTransport   = "TRANSPORT"
	classUnavailable = "UNAVAILABLE"
	classServer5xx   = "SERVER_5XX"
	classBindingData = "SOURCE_VALUE_MISSING"
	classOther       = "OTHER"
)

func classifyError(err error) string {
	if err == nil {
		return ""
	}
	var structural *deployer.StructuralError
	if errors.As(err, &structural) {
		return classStructural
	}
	if errors.Is(err, secrets.ErrSourceValueMissing) {
		return classBindingData
	}
	if errors.Is(err, context.Canceled) {
		return classCancelled
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "throttl"), strings.Contains(msg, "rate exceeded"):
		return classRateLimit
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "context deadline exceeded"):
		return classTimeout
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "eof"):
		return classTransport
	case strings.Contains(msg, "temporarily unavailable"), strings.Contains(msg, "service unavailable"):
		return classUnavailable
	case strings.Contains(msg, "internal error"), strings.Contains(msg, "server error"),
		strings.Contains(msg, " 5"):
		return classServer5xx
	default:
		return classOther
	}
}

func isRetryableClass(class string) bool {
	switch class {
	case classRateLimit, classTimeout, classTransport, classUnavailable, classServer5xx:
		return true
	default:
		return false
	}
}

func retryBackoff(attempt int) time.Duration {
	// attempt is 1-based.
	base := 800 * time.Millisecond
	if attempt <= 1 {
		return jitter(base)
	}
	d := base * time.Duration(1<<uint(min(attempt-1, 6)))
	if d > 20*time.Second {
		d = 20 * time.Second
	}
	return jitter(d)
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	// +/- 20%
	f := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * f)
}
