package testutil

import "fmt"

// SequentialIDGenerator returns predictable session ids: test-session-0001,
// test-session-0002, and so on.
//
// Production code uses UUIDv7 ids; tests use this generator so stored
// sessions and golden output stay byte-identical between runs.
//
// Not safe for concurrent use.
type SequentialIDGenerator struct {
	prefix string
	n      int
}

// NewSequentialIDGenerator creates a generator. An empty prefix defaults to
// "test-session".
func NewSequentialIDGenerator(prefix string) *SequentialIDGenerator {
	if prefix == "" {
		prefix = "test-session"
	}
	return &SequentialIDGenerator{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDGenerator) Generate() string {
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
