// Package config loads kernel configuration written in CUE.
//
// The schema is embedded in the binary. A user file is unified with it, so
// every constraint violation is reported with the position of the offending
// value, and unknown fields are rejected because the schema is closed.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/deos/internal/kernel"
)

//go:embed schema.cue
var schemaSource string

// Config is the decoded configuration.
type Config struct {
	CyclesPerTick    uint64   `json:"cycles_per_tick"`
	SnapshotInterval uint64   `json:"snapshot_interval"`
	EventMask        []string `json:"event_mask"`
	MaxCycles        uint64   `json:"max_cycles"`
	Policy           string   `json:"policy"`
	Priority         int      `json:"priority"`
}

// Error is a configuration error with the CUE position it refers to.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Default returns the schema defaults.
func Default() *Config {
	c, err := Parse(nil, "")
	if err != nil {
		// The embedded schema is fixed at build time.
		panic(fmt.Sprintf("config: embedded schema: %v", err))
	}
	return c
}

// Load reads and validates the CUE file at path. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, path)
}

// Parse validates CUE source against the schema and decodes it. filename is
// used in error positions only. Nil data yields the defaults.
func Parse(data []byte, filename string) (*Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	v := schema.LookupPath(cue.ParsePath("#Config"))

	if data != nil {
		user := ctx.CompileBytes(data, cue.Filename(filename))
		if err := user.Err(); err != nil {
			return nil, formatCUEError(err)
		}
		v = v.Unify(user)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var c Config
	if err := v.Decode(&c); err != nil {
		return nil, formatCUEError(err)
	}
	return &c, nil
}

// KernelOptions converts the configuration into kernel options.
func (c *Config) KernelOptions() ([]kernel.Option, error) {
	mask, err := kernel.ParseEventMask(c.EventMask)
	if err != nil {
		return nil, &Error{Field: "event_mask", Message: err.Error()}
	}
	policy, err := kernel.PolicyByName(c.Policy)
	if err != nil {
		return nil, &Error{Field: "policy", Message: err.Error()}
	}
	return []kernel.Option{
		kernel.WithCyclesPerTick(c.CyclesPerTick),
		kernel.WithSnapshotInterval(c.SnapshotInterval),
		kernel.WithEventMask(mask),
		kernel.WithMaxCycles(c.MaxCycles),
		kernel.WithPolicy(policy),
	}, nil
}

// formatCUEError keeps the first CUE error together with its position.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	field := strings.Join(first.Path(), ".")
	if field == "" {
		field = "config"
	}
	cfgErr := &Error{Field: field, Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		cfgErr.Pos = positions[0]
	}
	return cfgErr
}
