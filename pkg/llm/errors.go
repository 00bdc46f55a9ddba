// Copyright 2026 Parley Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// AuthError indicates invalid or missing credentials. Terminal for the turn.
type AuthError struct {
	Provider string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %s", e.Provider, e.Message)
}

// RateLimitedError indicates the provider rejected the request for rate
// limiting. Retryable.
type RateLimitedError struct {
	Provider string
	Message  string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: rate limited: %s", e.Provider, e.Message)
}

// ContextOverflowError indicates the prompt exceeded the model context
// window. Fatal for the turn.
type ContextOverflowError struct {
	Provider string
	Message  string
}

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("%s: context overflow: %s", e.Provider, e.Message)
}

// TransportError indicates a network-level failure. Retryable.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether an error may succeed on retry.
func IsRetryable(err error) bool {
	var rl *RateLimitedError
	var tr *TransportError
	return errors.As(err, &rl) || errors.As(err, &tr)
}

// classifyStatus maps an HTTP status and body excerpt to the error taxonomy.
func classifyStatus(provider string, status int, body string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Provider: provider, Message: body}
	case status == http.StatusTooManyRequests:
		return &RateLimitedError{Provider: provider, Message: body}
	case status == http.StatusBadRequest && looksLikeContextOverflow(body):
		return &ContextOverflowError{Provider: provider, Message: body}
	case status >= 500:
		return &TransportError{Provider: provider, Err: fmt.Errorf("HTTP %d: %s", status, body)}
	default:
		return fmt.Errorf("%s: HTTP %d: %s", provider, status, body)
	}
}

func looksLikeContextOverflow(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "context length") ||
		strings.Contains(lower, "context_length") ||
		strings.Contains(lower, "maximum context") ||
		strings.Contains(lower, "prompt is too long") ||
		strings.Contains(lower, "too many tokens")
}

// retryBackoff are the delays before the first and second retry.
var retryBackoff = []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond}

// withRetries runs fn, retrying retryable errors up to twice with fixed
// backoff. Non-retryable errors and context cancellation fail immediately.
func withRetries[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= len(retryBackoff); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(retryBackoff[attempt-1]):
			}
		}
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !IsRetryable(err) {
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}
