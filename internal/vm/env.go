package vm

// Env is a fixed-size lexical environment with write-once slots.
type Env struct {
	Parent  *Env
	Slots   []Value
	Written []bool
}

// NewEnv allocates an Env of size slots, all null and unwritten.
func NewEnv(parent *Env, size int) *Env {
	e := &Env{
		Parent:  parent,
		Slots:   make([]Value, size),
		Written: make([]bool, size),
	}
	for i := range e.Slots {
		e.Slots[i] = Null{}
	}
	return e
}

// resolve walks depth parent links.
func (e *Env) resolve(depth int) (*Env, error) {
	env := e
	for i := 0; i < depth; i++ {
		env = env.Parent
		if env == nil {
			return nil, newFault(FaultEnvOutOfBounds, "environment depth %d out of bounds", depth)
		}
	}
	return env, nil
}

// Get returns the value at lexical address (depth, slot).
func (e *Env) Get(depth, slot int) (Value, error) {
	env, err := e.resolve(depth)
	if err != nil {
		return nil, err
	}
	if slot < 0 || slot >= len(env.Slots) {
		return nil, newFault(FaultEnvOutOfBounds, "slot %d out of bounds (size %d)", slot, len(env.Slots))
	}
	return env.Slots[slot], nil
}

// Set writes v at (depth, slot). A slot can be written once.
func (e *Env) Set(depth, slot int, v Value) error {
	env, err := e.resolve(depth)
	if err != nil {
		return err
	}
	if slot < 0 || slot >= len(env.Slots) {
		return newFault(FaultEnvOutOfBounds, "slot %d out of bounds (size %d)", slot, len(env.Slots))
	}
	if env.Written[slot] {
		return newFault(FaultImmutableBinding, "slot %d at depth %d already bound", slot, depth)
	}
	env.Slots[slot] = v
	env.Written[slot] = true
	return nil
}

// Bind writes an argument into a local slot of a fresh Env.
func (e *Env) Bind(slot int, v Value) {
	e.Slots[slot] = v
	e.Written[slot] = true
}
