package validation

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"farmchat/pkg/models"
)

// DefaultMaxContentBytes bounds message content when no limit is
// configured.
const DefaultMaxContentBytes = 16 * 1024

var maxContentBytes int64 = DefaultMaxContentBytes

// SetMaxContentBytes installs the configured content ceiling. Zero or
// negative keeps the default.
func SetMaxContentBytes(n int64) {
	if n > 0 {
		atomic.StoreInt64(&maxContentBytes, n)
	}
}

// MaxContentBytes returns the active content ceiling.
func MaxContentBytes() int64 { return atomic.LoadInt64(&maxContentBytes) }

// ValidateMessage checks a message before it is accepted into the write
// path. All problems are reported at once.
func ValidateMessage(m models.Message) error {
	var errs []string
	if m.Sender == "" {
		errs = append(errs, "sender is required")
	}
	if m.Receiver == "" {
		errs = append(errs, "receiver is required")
	}
	if m.Sender != "" && m.Sender == m.Receiver {
		errs = append(errs, "sender and receiver must differ")
	}
	if strings.TrimSpace(m.Content) == "" {
		errs = append(errs, "content is required")
	}
	if max := MaxContentBytes(); int64(len(m.Content)) > max {
		errs = append(errs, fmt.Sprintf("content exceeds %d bytes", max))
	}
	if !utf8.ValidString(m.Content) {
		errs = append(errs, "content is not valid utf-8")
	}
	if m.TS < 0 {
		errs = append(errs, "ts must not be negative")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ValidateParticipant checks participant reference data on registration.
func ValidateParticipant(p models.Participant) error {
	var errs []string
	if p.ID == "" {
		errs = append(errs, "id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, "name is required")
	}
	switch p.Type {
	case models.ParticipantFarmer, models.ParticipantBuyer, models.ParticipantAdmin:
	case "":
		errs = append(errs, "type is required")
	default:
		errs = append(errs, fmt.Sprintf("invalid type %q", p.Type))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
