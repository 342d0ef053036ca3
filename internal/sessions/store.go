// Package sessions persists conversation transcripts. Each session is one
// append-only JSONL file under the state directory, one message per line.
package sessions

import (
	"context"
	"errors"

	"github.com/miosa-osa/osa/pkg/models"
)

// ErrNotFound is returned when a session has no transcript.
var ErrNotFound = errors.New("sessions: not found")

// Store is the interface for transcript persistence.
type Store interface {
	// Append adds one message to a session's transcript. The message ID
	// and CreatedAt are assigned if empty.
	Append(ctx context.Context, sessionID string, msg *models.Message) error

	// History returns a session's messages in append order. A positive
	// limit returns only the most recent messages.
	History(ctx context.Context, sessionID string, limit int) ([]models.Message, error)

	// List returns the IDs of all sessions with a transcript.
	List(ctx context.Context) ([]string, error)

	// Delete removes a session's transcript.
	Delete(ctx context.Context, sessionID string) error
}
