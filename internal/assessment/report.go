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
	"time"

	"github.com/bcem/guardian/internal/models"
)

// Report is a finalised assessment handed to the report sinks.
type Report struct {
	TicketID        string                                `json:"ticket_id"`
	MessageID       string                                `json:"message_id"`
	From            string                                `json:"from"`
	To              string                                `json:"to"`
	Subject         string                                `json:"subject"`
	State           State                                 `json:"state"`
	Disposition     Disposition                           `json:"disposition"`
	Score           float64                               `json:"overall_threat_score"`
	Rationale       string                                `json:"rationale"`
	Urgency         int                                   `json:"urgency_level"`
	Threats         map[models.Category]models.ThreatInfo `json:"threats"`
	Links           []models.LinkFinding                  `json:"links"`
	Attachments     []models.AttachmentFinding            `json:"attachments"`
	Degraded        []models.Category                     `json:"degraded,omitempty"`
	Recommendations []string                              `json:"recommendations"`
	ReceivedAt      time.Time                             `json:"received_at"`
	AdmittedAt      time.Time                             `json:"admitted_at"`
	AssessedAt      time.Time                             `json:"assessed_at"`
}
