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
	"time"
)

// CheckFunc reports whether a polled result is ready.
type CheckFunc func(ctx context.Context) (done bool, err error)

// Poll calls check immediately and then every interval until it reports
// done, returns an error, or timeout elapses. Scan services give no
// completion signal, so every poll must be bounded; running out of time
// is a KindTimeout provider error.
func Poll(ctx context.Context, provider string, interval, timeout time.Duration, check CheckFunc) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := check(ctx)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Errorf(provider, KindTimeout, "no result after %s", timeout)
			}
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Errorf(provider, KindTimeout, "no result after %s", timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
