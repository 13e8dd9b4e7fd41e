// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type SessionID string
type ClientID string
type PartitionID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewClientID() ClientID {
	return ClientID(uuid.New().String())
}

// NewRequestID returns a short opaque id used when the client did not supply one.
func NewRequestID() string {
	return "req_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
