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

package assessment

import (
	"errors"
	"fmt"
)

// InternalInvariantError reports a workflow programming error, such as a
// completed category being dispatched again. It should never occur.
type InternalInvariantError struct {
	TicketID string
	Op       string
	Detail   string
}

func (e *InternalInvariantError) Error() string {
	return fmt.Sprintf("ticket %s: %s: invariant violated: %s", e.TicketID, e.Op, e.Detail)
}

// IsInvariant reports whether err is an InternalInvariantError.
func IsInvariant(err error) bool {
	var ie *InternalInvariantError
	return errors.As(err, &ie)
}
