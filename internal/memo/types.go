package memo

import (
	"time"

	"github.com/cwbudde/blackboxserve/internal/request"
)

// Entry is the persisted form of a cached report, used by the durable
// backends.
type Entry struct {
	// KeyHash is request.Key.Hash() of Key
	KeyHash string `json:"keyHash"`

	// Key is the canonical request the report was computed for
	Key request.Key `json:"key"`

	// Report is the engine's textual report
	Report string `json:"report"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewEntry builds an entry for key stamped with the current time.
func NewEntry(key request.Key, report string) *Entry {
	now := time.Now().UTC()
	return &Entry{
		KeyHash:   key.Hash(),
		Key:       key,
		Report:    report,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks that an entry read back from storage is usable.
func (e *Entry) Validate() error {
	if e.KeyHash == "" {
		return &ValidationError{Field: "KeyHash", Reason: "cannot be empty"}
	}
	if e.KeyHash != e.Key.Hash() {
		return &ValidationError{Field: "KeyHash", Reason: "does not match key"}
	}
	if e.CreatedAt.IsZero() {
		return &ValidationError{Field: "CreatedAt", Reason: "cannot be zero"}
	}
	if e.UpdatedAt.Before(e.CreatedAt) {
		return &ValidationError{Field: "UpdatedAt", Reason: "cannot precede CreatedAt"}
	}
	return nil
}

// ValidationError represents an entry validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}
