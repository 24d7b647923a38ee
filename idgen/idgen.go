// Package idgen produces time-ordered task identifiers so storage indexes
// stay compact (spec §3 "generation strategy should produce time-ordered
// ids").
package idgen

import "github.com/google/uuid"

// Generator creates a new task id.
type Generator func() (string, error)

// TimeOrdered returns a UUIDv7 (RFC 9562) string: monotonically increasing
// by creation time, so storage's (createdAtUtc, id) composite index stays
// well-clustered.
func TimeOrdered() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
