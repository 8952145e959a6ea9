// Copyright (c) 2026 John Earle
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

package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Kind classifies a provider failure.
type Kind string

const (
	KindNetwork      Kind = "network"
	KindRateLimit    Kind = "rate_limit"
	KindMalformed    Kind = "malformed_response"
	KindTimeout      Kind = "timeout"
	KindUnauthorized Kind = "unauthorized"
	KindRejected     Kind = "rejected"
)

// Error is a provider failure. It is never fatal to an assessment: the
// controller downgrades the affected category to unknown evidence.
type Error struct {
	Provider string
	Kind     Kind
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a provider error with a formatted cause.
func Errorf(provider string, kind Kind, format string, args ...any) *Error {
	return &Error{Provider: provider, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap builds a provider error around err. Deadline errors are timeouts;
// anything else is a network failure.
func Wrap(provider string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Provider: provider, Kind: KindTimeout, Err: err}
	}
	return &Error{Provider: provider, Kind: KindNetwork, Err: err}
}

// IsKind reports whether err is a provider error of the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}

// StatusError converts a non-success HTTP response into a provider error.
// The response body is read (bounded) and included in the message.
func StatusError(provider string, resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := strings.TrimSpace(string(body))

	kind := KindRejected
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		kind = KindUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = KindRateLimit
	case resp.StatusCode >= 500:
		kind = KindNetwork
	}
	return Errorf(provider, kind, "HTTP %d: %s", resp.StatusCode, msg)
}
