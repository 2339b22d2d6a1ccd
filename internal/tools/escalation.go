package tools

import (
	"time"

	"opskb-backend/pkg/config"
)

// EscalationContact is one rung of the resolved escalation path.
type EscalationContact struct {
	Contact             string `json:"contact"`
	Channel             string `json:"channel,omitempty"`
	Active              bool   `json:"active"`
	AfterAttempts       int    `json:"after_attempts"`
	AfterElapsedMinutes int    `json:"after_elapsed_minutes"`
}

// EscalationPath is the ordered ladder for one severity, with each rung's
// trigger thresholds and whether the caller's progress has activated it.
type EscalationPath struct {
	Severity              string              `json:"severity"`
	BusinessHours         bool                `json:"business_hours"`
	Contacts              []EscalationContact `json:"contacts"`
	NextEscalationAfter   int                 `json:"next_escalation_after_attempts,omitempty"`
	NextEscalationMinutes int                 `json:"next_escalation_after_minutes,omitempty"`
}

// resolveEscalation filters the configured ladder by severity and business
// hours. A rung is active once the caller's failed attempts or elapsed time
// reaches its threshold; the first inactive rung supplies the "next" hints.
func resolveEscalation(ladder []config.EscalationLevel, in GetEscalationPathInput) EscalationPath {
	path := EscalationPath{Severity: in.Severity, BusinessHours: in.BusinessHours}
	elapsed := time.Duration(in.ElapsedMinutes) * time.Minute

	for _, level := range ladder {
		if !levelCoversSeverity(level, in.Severity) {
			continue
		}
		if level.BusinessHoursOnly && !in.BusinessHours {
			continue
		}
		active := in.FailedAttempts >= level.AfterAttempts &&
			(level.AfterElapsed == 0 || elapsed >= level.AfterElapsed || in.FailedAttempts > level.AfterAttempts)
		contact := EscalationContact{
			Contact:             level.Contact,
			Channel:             level.Channel,
			Active:              active,
			AfterAttempts:       level.AfterAttempts,
			AfterElapsedMinutes: int(level.AfterElapsed / time.Minute),
		}
		if !active && path.NextEscalationAfter == 0 && path.NextEscalationMinutes == 0 {
			path.NextEscalationAfter = level.AfterAttempts
			path.NextEscalationMinutes = contact.AfterElapsedMinutes
		}
		path.Contacts = append(path.Contacts, contact)
	}
	return path
}

func levelCoversSeverity(level config.EscalationLevel, severity string) bool {
	if len(level.Severities) == 0 {
		return true
	}
	for _, s := range level.Severities {
		if s == severity {
			return true
		}
	}
	return false
}
