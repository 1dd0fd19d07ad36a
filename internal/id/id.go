// Package id generates identifiers for sessions and runs.
package id

import (
	"fmt"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const hexAlphabet = "0123456789abcdef"

// SessionID returns a short 6-character hex id identifying one ralph
// invocation in logs, transcripts and the run history.
func SessionID() string {
	id, err := gonanoid.Generate(hexAlphabet, 6)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

// RunID returns a time-ordered UUID for one spawned process.
func RunID() string {
	u, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return u.String()
}
