// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry classifies runtime errors into kinds and executes operations
// under exponential-backoff retry policies. Classification happens once, at
// the boundary; the hot path never inspects stringified errors.
package retry

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/teradata-labs/weft/pkg/types"
)

var (
	rateLimitPattern = regexp.MustCompile(`(?i)rate.?limit|too many requests|429|quota exceeded`)
	transientPattern = regexp.MustCompile(`(?i)temporarily unavailable|try again`)
	timeoutPattern   = regexp.MustCompile(`(?i)timeout|timed out|deadline exceeded`)
	retryAfterInMsg  = regexp.MustCompile(`(?i)retry.?after[:\s]+(\d+)`)
)

// Classify maps an error to its kind. Typed errors keep their kind; context
// errors map to cancelled/timeout; everything else is matched against the
// provider error patterns, defaulting to internal_error.
func Classify(err error) types.ErrorKind {
	if err == nil {
		return ""
	}
	var we *types.Error
	if errors.As(err, &we) {
		return we.Kind
	}
	if errors.Is(err, context.Canceled) {
		return types.KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.KindTimeout
	}
	msg := err.Error()
	switch {
	case rateLimitPattern.MatchString(msg):
		return types.KindRateLimited
	case transientPattern.MatchString(msg):
		return types.KindTransientUnavailable
	case timeoutPattern.MatchString(msg):
		return types.KindTimeout
	default:
		return types.KindInternal
	}
}

// RetryAfterCarrier is implemented by errors that carry an explicit
// provider-supplied Retry-After hint.
type RetryAfterCarrier interface {
	RetryAfter() time.Duration
}

// retryAfterFrom extracts a Retry-After delay from the error, either from a
// typed carrier, an HTTP-date string, or a seconds count embedded in the
// message. Returns zero when no usable hint exists.
func retryAfterFrom(err error) time.Duration {
	var carrier RetryAfterCarrier
	if errors.As(err, &carrier) {
		if d := carrier.RetryAfter(); d > 0 {
			return d
		}
	}
	m := retryAfterInMsg.FindStringSubmatch(err.Error())
	if len(m) == 2 {
		if secs, perr := strconv.Atoi(m[1]); perr == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// ParseRetryAfterHeader parses a Retry-After header value: either delay
// seconds or an HTTP date.
func ParseRetryAfterHeader(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
