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

// Disposition is the terminal verdict of an assessment.
type Disposition string

const (
	DispositionSafe       Disposition = "SAFE"
	DispositionSuspicious Disposition = "SUSPICIOUS"
	DispositionCritical   Disposition = "CRITICAL"
)

// Fixed classification thresholds. Lower bounds are inclusive.
const (
	CriticalThreshold   = 0.7
	SuspiciousThreshold = 0.3
)

// Classifier maps an overall threat score to a disposition. Callers that
// need a different sensitivity supply their own implementation.
type Classifier interface {
	Classify(score float64) Disposition
}

// ThresholdClassifier applies the fixed 0.3 / 0.7 thresholds.
type ThresholdClassifier struct{}

// Classify implements Classifier.
func (ThresholdClassifier) Classify(score float64) Disposition {
	return Classify(score)
}

// Classify maps score to CRITICAL (>= 0.7), SUSPICIOUS (>= 0.3) or SAFE.
func Classify(score float64) Disposition {
	switch {
	case score >= CriticalThreshold:
		return DispositionCritical
	case score >= SuspiciousThreshold:
		return DispositionSuspicious
	default:
		return DispositionSafe
	}
}

// State returns the terminal workflow state for d.
func (d Disposition) State() State {
	switch d {
	case DispositionCritical:
		return StateCritical
	case DispositionSuspicious:
		return StateSuspicious
	default:
		return StateSafe
	}
}

// Severity orders dispositions: SAFE < SUSPICIOUS < CRITICAL.
func (d Disposition) Severity() int {
	switch d {
	case DispositionCritical:
		return 2
	case DispositionSuspicious:
		return 1
	}
	return 0
}

// Recommendations returns the recipient-facing actions for d.
func Recommendations(d Disposition) []string {
	switch d {
	case DispositionCritical:
		return []string{
			"Do not open attachments or follow links in this message",
			"Quarantine the message and report it to the security team",
			"If credentials were entered, reset them immediately",
		}
	case DispositionSuspicious:
		return []string{
			"Verify the sender through a separate channel before acting",
			"Avoid entering credentials on pages reached from this message",
		}
	}
	return []string{"No action required"}
}
