// Package trace defines the record/replay log: cycle-stamped events plus
// periodic state snapshots, scoped to one image hash.
//
// JSON shape:
//
//	{
//	  "image_hash": "…",
//	  "events":    [{"cycle": "12", "type": "syscall", "task": 0, "no": 7, "res": null, "out": "1\n"}],
//	  "snapshots": [{"cycle": "1000", "state_hash": "…", "events": 4, "data": {…}}]
//	}
//
// Cycles are decimal strings so that 64-bit values survive JSON consumers
// that only have doubles. Event detail keys are flattened into the event
// object.
package trace
