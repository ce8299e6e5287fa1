// Package audit records who accessed student assessment data, for school
// privacy reviews and incident response.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Entity types that can be audited.
const (
	EntityAssessment = "assessment"
	EntityStudent    = "student"
	EntityRoom       = "room"
)

// Audited actions.
const (
	ActionViewAssessment   = "view_assessment"
	ActionListAssessments  = "list_assessments"
	ActionCreateAssessment = "create_assessment"
	ActionDeleteAssessment = "delete_assessment"
	ActionViewAuditTrail   = "view_audit_trail"
)

// Outcomes of an audited access.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
)

var (
	// ErrNilRepository is returned when a nil repository is passed to logging functions.
	ErrNilRepository = errors.New("audit repository cannot be nil")
	// ErrInvalidEntityType is returned for an empty or unknown entity type.
	ErrInvalidEntityType = errors.New("invalid audit entity type")
	// ErrInvalidEntityID is returned when the entity ID is empty.
	ErrInvalidEntityID = errors.New("entity ID cannot be empty")
	// ErrInvalidAction is returned for an empty or unknown action.
	ErrInvalidAction = errors.New("invalid audit action")
	// ErrChainBroken is returned by VerifyChain when an entry was altered or removed.
	ErrChainBroken = errors.New("audit hash chain broken")
)

var validEntityTypes = map[string]bool{
	EntityAssessment: true,
	EntityStudent:    true,
	EntityRoom:       true,
}

var validActions = map[string]bool{
	ActionViewAssessment:   true,
	ActionListAssessments:  true,
	ActionCreateAssessment: true,
	ActionDeleteAssessment: true,
	ActionViewAuditTrail:   true,
}

// Log is a single stored audit event.
type Log struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Role       string    `json:"role,omitempty"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	CreatedAt  time.Time `json:"createdAt"`

	RequestID string `json:"requestId,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`

	// PreviousHash links this entry to the one appended before it.
	PreviousHash string `json:"previousHash,omitempty"`
	Hash         string `json:"hash"`
}

// LogEntry is the input for creating an audit log entry.
type LogEntry struct {
	UserID     string
	Role       string
	EntityType string
	EntityID   string
	Action     string
	Outcome    string

	RequestID string
	IPAddress string
	UserAgent string
}

// Validate checks the entry against the known entity types and actions.
func (e LogEntry) Validate() error {
	if !validEntityTypes[e.EntityType] {
		return ErrInvalidEntityType
	}
	if e.EntityID == "" {
		return ErrInvalidEntityID
	}
	if !validActions[e.Action] {
		return ErrInvalidAction
	}
	return nil
}

// computeHash fingerprints the fields that identify an access. Network metadata is
// left out so it can be anonymized without breaking the chain.
func computeHash(l *Log) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		l.ID,
		l.UserID,
		l.Role,
		l.EntityType,
		l.EntityID,
		l.Action,
		l.Outcome,
		strconv.FormatInt(l.CreatedAt.UnixNano(), 10),
		l.PreviousHash,
	}, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks that every entry's hash matches its contents and links to
// the entry before it. logs must be in append order, oldest first.
func VerifyChain(logs []*Log) error {
	for i, l := range logs {
		if computeHash(l) != l.Hash {
			return ErrChainBroken
		}
		if i > 0 && l.PreviousHash != logs[i-1].Hash {
			return ErrChainBroken
		}
	}
	return nil
}
