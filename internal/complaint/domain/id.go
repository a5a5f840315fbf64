package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewComplaintID formats VG-<year>-<first four characters of token>
func NewComplaintID(now time.Time, token string) string {
	if len(token) > 4 {
		token = token[:4]
	}
	return fmt.Sprintf("VG-%d-%s", now.Year(), token)
}

// IDGenerator produces complaint identifiers from a clock and a random token.
// Uniqueness is probabilistic; a collision surfaces as a duplicate key on insert.
type IDGenerator struct {
	Now   func() time.Time
	Token func() string
}

// NewIDGenerator uses the wall clock and random UUIDs
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{Now: time.Now, Token: uuid.NewString}
}

// Next returns a fresh identifier
func (g *IDGenerator) Next() string {
	return NewComplaintID(g.Now(), g.Token())
}
