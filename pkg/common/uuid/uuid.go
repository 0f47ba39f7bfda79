// Package uuid re-exports github.com/google/uuid so the rest of the module
// depends on a single import path for identifiers.
package uuid

import "github.com/google/uuid"

// UUID is a 128 bit identifier.
type UUID = uuid.UUID

// Nil is the empty UUID.
var Nil = uuid.Nil

// New returns a random (v4) UUID. It panics if the random source fails.
func New() UUID { return uuid.New() }

// Parse decodes s into a UUID.
func Parse(s string) (UUID, error) { return uuid.Parse(s) }

// MustParse is like Parse but panics if s cannot be parsed.
func MustParse(s string) UUID { return uuid.MustParse(s) }
