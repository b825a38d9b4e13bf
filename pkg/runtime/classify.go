package runtime

import (
	"context"
	"errors"
	"strings"
)

// ErrorCategory buckets a runtime error for the Queue Engine's retry
// decision, resolving spec.md §9's Open Question: which containerd
// failures are worth retrying.
type ErrorCategory string

const (
	CategoryAllowListViolation ErrorCategory = "allow_list_violation"
	CategoryDeadlineExceeded   ErrorCategory = "deadline_exceeded"
	CategoryTransportUnavail   ErrorCategory = "transport_unavailable"
	CategoryOOMKilled          ErrorCategory = "oom_killed"
	CategoryUnknown            ErrorCategory = "unknown"
)

// RetryTable maps an ErrorCategory to whether a Job failing with that
// category should be retried. Loaded from config so operators can
// override it without a code change.
type RetryTable map[ErrorCategory]bool

// DefaultRetryTable is the shipped classification: allow-list
// violations and OOM-kills are never retried (the former is a
// deliberate security policy, the latter will reliably recur on any
// runner with the same resource profile); transport and deadline
// failures are transient and retried.
func DefaultRetryTable() RetryTable {
	return RetryTable{
		CategoryAllowListViolation: false,
		CategoryDeadlineExceeded:   true,
		CategoryTransportUnavail:   true,
		CategoryOOMKilled:          false,
		CategoryUnknown:            true,
	}
}

// Classify buckets err into an ErrorCategory by inspecting its chain.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryDeadlineExceeded
	case strings.Contains(err.Error(), "allow-list"):
		return CategoryAllowListViolation
	case strings.Contains(err.Error(), "OOM") || strings.Contains(err.Error(), "oom"):
		return CategoryOOMKilled
	case strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "unavailable"),
		strings.Contains(err.Error(), "transport"):
		return CategoryTransportUnavail
	default:
		return CategoryUnknown
	}
}

// ClassifyContainerError reports whether err should be retried,
// consulting table for the error's category.
func ClassifyContainerError(err error, table RetryTable) bool {
	category := Classify(err)
	retryable, ok := table[category]
	if !ok {
		return true
	}
	return retryable
}
