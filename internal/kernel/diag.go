package kernel

import (
	"fmt"
	"strings"
)

// DiagKind names a diagnostic event.
type DiagKind string

const (
	DiagConsole       DiagKind = "console"
	DiagTick          DiagKind = "tick"
	DiagTaskSwitch    DiagKind = "taskSwitch"
	DiagPerform       DiagKind = "perform"
	DiagContCall      DiagKind = "contCall"
	DiagContReturn    DiagKind = "contReturn"
	DiagInputConsumed DiagKind = "inputConsumed"
	DiagPolicyPick    DiagKind = "policyPick"
	DiagError         DiagKind = "error"
)

// EventMask selects which diagnostics are kept.
type EventMask uint32

const (
	MaskConsole EventMask = 1 << iota
	MaskTick
	MaskTaskSwitch
	MaskPerform
	MaskContinuation
	MaskInputConsumed
	MaskPolicyPick
	MaskError
)

// MaskAll keeps every diagnostic.
const MaskAll = MaskConsole | MaskTick | MaskTaskSwitch | MaskPerform |
	MaskContinuation | MaskInputConsumed | MaskPolicyPick | MaskError

var maskNames = []struct {
	name string
	bit  EventMask
}{
	{"console", MaskConsole},
	{"tick", MaskTick},
	{"task_switch", MaskTaskSwitch},
	{"perform", MaskPerform},
	{"continuation", MaskContinuation},
	{"input", MaskInputConsumed},
	{"policy", MaskPolicyPick},
	{"error", MaskError},
}

// ParseEventMask turns a list of names ("console", "tick", "task_switch",
// "perform", "continuation", "input", "policy", "error", "all", "none")
// into a mask.
func ParseEventMask(names []string) (EventMask, error) {
	var m EventMask
	for _, n := range names {
		switch n = strings.TrimSpace(n); n {
		case "all":
			m |= MaskAll
			continue
		case "none", "":
			continue
		}
		found := false
		for _, mn := range maskNames {
			if mn.name == n {
				m |= mn.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown event kind %q", n)
		}
	}
	return m, nil
}

func (k DiagKind) mask() EventMask {
	switch k {
	case DiagConsole:
		return MaskConsole
	case DiagTick:
		return MaskTick
	case DiagTaskSwitch:
		return MaskTaskSwitch
	case DiagPerform:
		return MaskPerform
	case DiagContCall, DiagContReturn:
		return MaskContinuation
	case DiagInputConsumed:
		return MaskInputConsumed
	case DiagPolicyPick:
		return MaskPolicyPick
	case DiagError:
		return MaskError
	}
	return 0
}

// Diagnostic is one entry of the kernel's observation stream. Only the
// fields relevant to Kind are set.
type Diagnostic struct {
	Kind  DiagKind `json:"type"`
	Cycle uint64   `json:"cycle,string"`
	Tick  uint64   `json:"tick"`
	Task  int      `json:"task"`

	Text    string `json:"text,omitempty"`
	Effect  string `json:"effect,omitempty"`
	Value   string `json:"value,omitempty"`
	From    int    `json:"from,omitempty"`
	To      int    `json:"to,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Byte    int    `json:"byte,omitempty"`
	Pick    int    `json:"pick,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// DiagnosticSink receives diagnostics as they are produced.
type DiagnosticSink func(Diagnostic)

func (k *Kernel) diag(d Diagnostic) {
	if k.mask&d.Kind.mask() == 0 {
		return
	}
	d.Cycle = k.clock.Current()
	d.Tick = k.clock.Tick()
	k.diags = append(k.diags, d)
	if k.sink != nil {
		k.sink(d)
	}
}

// Diagnostics returns the diagnostics kept so far.
func (k *Kernel) Diagnostics() []Diagnostic {
	return append([]Diagnostic(nil), k.diags...)
}
