package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

// ErrorType is the closed set of failure kinds the classifier produces.
type ErrorType string

const (
	ErrorTypeDatabase        ErrorType = "DATABASE_ERROR"
	ErrorTypeRedis           ErrorType = "REDIS_ERROR"
	ErrorTypeNetwork         ErrorType = "NETWORK_ERROR"
	ErrorTypeTimeout         ErrorType = "TIMEOUT_ERROR"
	ErrorTypeExternalService ErrorType = "EXTERNAL_SERVICE_ERROR"
	ErrorTypeWorker          ErrorType = "WORKER_ERROR"
	ErrorTypeValidation      ErrorType = "VALIDATION_ERROR"
	ErrorTypeUnknown         ErrorType = "UNKNOWN_ERROR"
)

// Severity orders failures for logging and retry policy.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// JobError is a classified failure with its job context attached.
type JobError struct {
	Type          ErrorType      `json:"type"`
	Severity      Severity       `json:"severity"`
	Message       string         `json:"message"`
	Code          string         `json:"code,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	OriginalError error          `json:"-"`
	Timestamp     time.Time      `json:"timestamp"`
	JobID         string         `json:"jobId,omitempty"`
	QueueName     string         `json:"queueName,omitempty"`
	RetryCount    int            `json:"retryCount,omitempty"`
}

// QueueError wraps a JobError for propagation through the worker runtime.
type QueueError struct {
	JobError JobError
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("%s [%s]: %s", e.JobError.Type, e.JobError.Severity, e.JobError.Message)
}

func (e *QueueError) Unwrap() error { return e.JobError.OriginalError }

// NewQueueError builds a QueueError from an explicit type and severity.
func NewQueueError(t ErrorType, sev Severity, message string, cause error) *QueueError {
	return &QueueError{JobError: JobError{
		Type:          t,
		Severity:      sev,
		Message:       message,
		OriginalError: cause,
		Timestamp:     time.Now(),
	}}
}

// classificationRule maps message substrings to a type and severity.
// Rules are evaluated in order; the first match wins. "connection refused"
// deliberately classifies as REDIS, not NETWORK.
type classificationRule struct {
	substrings []string
	errType    ErrorType
	severity   Severity
}

var classificationRules = []classificationRule{
	{[]string{"database", "prisma", "sql"}, ErrorTypeDatabase, SeverityHigh},
	{[]string{"redis", "connection refused", "econnrefused"}, ErrorTypeRedis, SeverityHigh},
	{[]string{"network", "timeout", "timed out", "econnreset"}, ErrorTypeNetwork, SeverityMedium},
	{[]string{"api", "service", "http", "external"}, ErrorTypeExternalService, SeverityMedium},
}

// Classify maps a raw error to a JobError. Identical inputs always yield
// the same type and severity; matching is case-insensitive.
func Classify(err error) JobError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if msg == "" {
		msg = "unknown error"
	}
	lower := strings.ToLower(msg)

	je := JobError{
		Type:          ErrorTypeUnknown,
		Severity:      SeverityMedium,
		Message:       msg,
		OriginalError: err,
		Timestamp:     time.Now(),
	}
	for _, rule := range classificationRules {
		for _, sub := range rule.substrings {
			if strings.Contains(lower, sub) {
				je.Type = rule.errType
				je.Severity = rule.severity
				return je
			}
		}
	}
	return je
}

// RetryOptions configures backoff and the retry ceiling.
type RetryOptions struct {
	MaxRetries        int
	BackoffMs         int
	BackoffMultiplier float64
	MaxBackoffMs      int
}

// DefaultRetryOptions mirrors the production policy.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:        3,
		BackoffMs:         1000,
		BackoffMultiplier: 2,
		MaxBackoffMs:      30000,
	}
}

func (o RetryOptions) withDefaults() RetryOptions {
	d := DefaultRetryOptions()
	if o.MaxRetries == 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.BackoffMs == 0 {
		o.BackoffMs = d.BackoffMs
	}
	if o.BackoffMultiplier == 0 {
		o.BackoffMultiplier = d.BackoffMultiplier
	}
	if o.MaxBackoffMs == 0 {
		o.MaxBackoffMs = d.MaxBackoffMs
	}
	return o
}

// CalculateBackoff returns min(maxBackoffMs, backoffMs * multiplier^retryCount)
// in milliseconds. It is a pure math function: negative retry counts are not
// clamped and callers choose legal ranges.
func CalculateBackoff(retryCount int, opts RetryOptions) int {
	o := opts.withDefaults()
	raw := float64(o.BackoffMs) * math.Pow(o.BackoffMultiplier, float64(retryCount))
	if raw > float64(o.MaxBackoffMs) {
		return o.MaxBackoffMs
	}
	return int(raw)
}

// BackoffDuration is CalculateBackoff expressed as a time.Duration.
func BackoffDuration(retryCount int, opts RetryOptions) time.Duration {
	return time.Duration(CalculateBackoff(retryCount, opts)) * time.Millisecond
}

// ShouldRetry reports whether a classified failure is eligible for another
// attempt. Validation errors and critical failures are never retried.
func ShouldRetry(je JobError, retryCount int, maxRetries int) bool {
	if maxRetries == 0 {
		maxRetries = DefaultRetryOptions().MaxRetries
	}
	if retryCount >= maxRetries {
		return false
	}
	if je.Severity == SeverityCritical {
		return false
	}
	if je.Type == ErrorTypeValidation {
		return false
	}
	return true
}

// WithErrorHandling runs op and wraps any failure in a *QueueError whose
// JobError is merged with extra context fields.
func WithErrorHandling(ctx context.Context, op func(ctx context.Context) error, extra map[string]any) error {
	if err := op(ctx); err != nil {
		var qe *QueueError
		if q, ok := err.(*QueueError); ok {
			qe = q
		} else {
			qe = &QueueError{JobError: Classify(err)}
		}
		if len(extra) > 0 {
			if qe.JobError.Context == nil {
				qe.JobError.Context = map[string]any{}
			}
			for k, v := range extra {
				qe.JobError.Context[k] = v
			}
		}
		return qe
	}
	return nil
}

// LogJobError emits one structured record per error, routed by severity:
// CRITICAL and HIGH to the error channel, MEDIUM to warn, LOW to info.
func LogJobError(logger *slog.Logger, je JobError) {
	attrs := []any{
		"type", string(je.Type),
		"severity", string(je.Severity),
		"timestamp", je.Timestamp.Format(time.RFC3339),
	}
	if je.Code != "" {
		attrs = append(attrs, "code", je.Code)
	}
	if je.JobID != "" {
		attrs = append(attrs, "job_id", je.JobID)
	}
	if je.QueueName != "" {
		attrs = append(attrs, "queue", je.QueueName)
	}
	if je.RetryCount > 0 {
		attrs = append(attrs, "retry_count", je.RetryCount)
	}
	if len(je.Context) > 0 {
		attrs = append(attrs, "context", je.Context)
	}

	switch je.Severity {
	case SeverityCritical, SeverityHigh:
		logger.Error(je.Message, attrs...)
	case SeverityMedium:
		logger.Warn(je.Message, attrs...)
	default:
		logger.Info(je.Message, attrs...)
	}
}
