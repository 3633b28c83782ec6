package motion

// fakeActuator records commands and lets tests drive the running flag.
type fakeActuator struct {
	position int64
	target   int64
	running  bool
	moves    []int64
	moveTos  []int64
	stops    int
}

func (f *fakeActuator) Move(steps int64) {
	f.moves = append(f.moves, steps)
	f.target = f.position + steps
	f.running = steps != 0
}

func (f *fakeActuator) MoveTo(pos int64) {
	f.moveTos = append(f.moveTos, pos)
	f.target = pos
	f.running = pos != f.position
}

func (f *fakeActuator) IsRunning() bool { return f.running }

func (f *fakeActuator) ForceStop() {
	f.stops++
	f.running = false
}

func (f *fakeActuator) CurrentPosition() int64 { return f.position }

func (f *fakeActuator) SetCurrentPosition(pos int64) { f.position = pos }
