package store

// Session describes one recorded run.
type Session struct {
	ID         string
	Seq        int64 // assigned by SaveSession
	ImageHash  string
	Output     string
	FirstFault *Fault
	FinalCycle uint64

	// Populated on read.
	EventCount    int
	SnapshotCount int
}

// Fault is the first task fault a session hit.
type Fault struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
