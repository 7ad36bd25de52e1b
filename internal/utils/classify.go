package utils

import (
	"context"
	"errors"
	"strings"
)

// IsTransientError reports failures worth a redelivery.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	errorStr := strings.ToLower(err.Error())
	return strings.Contains(errorStr, "timeout") || strings.Contains(errorStr, "connection reset")
}

// IsFatalError reports infrastructure failures that should stop a consumer.
func IsFatalError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := strings.ToLower(err.Error())

	// broker connection
	if strings.Contains(errorStr, "connection closed") || strings.Contains(errorStr, "channel closed") {
		return true
	}

	// credentials
	if strings.Contains(errorStr, "invalid credentials") || strings.Contains(errorStr, "access denied") {
		return true
	}

	if strings.Contains(errorStr, "no space left") || strings.Contains(errorStr, "out of memory") {
		return true
	}

	return false
}
