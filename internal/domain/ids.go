package domain

import (
	"strings"

	"github.com/google/uuid"
	nanoid "github.com/matoous/go-nanoid/v2"
)

// SessionID identifies one gateway client connection.
type SessionID string

// RunID identifies one in-flight or completed generation run.
type RunID string

// ClientID identifies a peer on the STT/TTS upstream protocols (not
// necessarily the same value as a SessionID, though callers commonly set
// them equal for a 1:1 browser session).
type ClientID string

// ThreadID identifies a rolling-window memory thread.
type ThreadID string

const idLength = 21

func newNanoID(prefix string) string {
	s, err := nanoid.New(idLength)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}
	return prefix + "_" + s
}

// NewSessionID mints a session identifier at connection time.
func NewSessionID() SessionID { return SessionID(newNanoID("sess")) }

// NewRunID mints a run identifier as a random UUID rather than a prefixed
// nanoid, since run IDs are handed back to callers verbatim and compared
// for equality only.
func NewRunID() RunID { return RunID(uuid.NewString()) }

// NewRouterRunID mints a short router-run identifier, matching the
// "rtr-XXXXXXXX" shape used for router dispatch logging.
func NewRouterRunID() RunID {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return RunID("rtr-" + hex[:8])
}
