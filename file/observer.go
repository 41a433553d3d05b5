package file

// StateObserver is notified after every state transition.
type StateObserver interface {
	OnStateChanged(t *Transfer, from, to TransferState)
}

// ProgressObserver is notified when the integer percentage of a transfer changes.
type ProgressObserver interface {
	OnProgressChanged(t *Transfer, progress float64)
}

// SpeedObserver is notified when the sampled speed of a transfer changes.
type SpeedObserver interface {
	OnSpeedChanged(t *Transfer, bytesPerSecond uint64)
}

// ErrorObserver is notified of fatal errors and protocol anomalies.
type ErrorObserver interface {
	OnError(t *Transfer, err error)
}

// Observer receives every event a transfer emits. Callbacks are invoked
// synchronously after the transfer's lock is released, so they may call
// back into the transfer. Long-running work should be moved to a goroutine.
type Observer interface {
	StateObserver
	ProgressObserver
	SpeedObserver
	ErrorObserver
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	State    func(t *Transfer, from, to TransferState)
	Progress func(t *Transfer, progress float64)
	Speed    func(t *Transfer, bytesPerSecond uint64)
	Error    func(t *Transfer, err error)
}

// OnStateChanged implements StateObserver.
func (f ObserverFuncs) OnStateChanged(t *Transfer, from, to TransferState) {
	if f.State != nil {
		f.State(t, from, to)
	}
}

// OnProgressChanged implements ProgressObserver.
func (f ObserverFuncs) OnProgressChanged(t *Transfer, progress float64) {
	if f.Progress != nil {
		f.Progress(t, progress)
	}
}

// OnSpeedChanged implements SpeedObserver.
func (f ObserverFuncs) OnSpeedChanged(t *Transfer, bytesPerSecond uint64) {
	if f.Speed != nil {
		f.Speed(t, bytesPerSecond)
	}
}

// OnError implements ErrorObserver.
func (f ObserverFuncs) OnError(t *Transfer, err error) {
	if f.Error != nil {
		f.Error(t, err)
	}
}

// MultiObserver fans every event out to each observer in order.
type MultiObserver []Observer

// OnStateChanged implements StateObserver.
func (m MultiObserver) OnStateChanged(t *Transfer, from, to TransferState) {
	for _, o := range m {
		o.OnStateChanged(t, from, to)
	}
}

// OnProgressChanged implements ProgressObserver.
func (m MultiObserver) OnProgressChanged(t *Transfer, progress float64) {
	for _, o := range m {
		o.OnProgressChanged(t, progress)
	}
}

// OnSpeedChanged implements SpeedObserver.
func (m MultiObserver) OnSpeedChanged(t *Transfer, bytesPerSecond uint64) {
	for _, o := range m {
		o.OnSpeedChanged(t, bytesPerSecond)
	}
}

// OnError implements ErrorObserver.
func (m MultiObserver) OnError(t *Transfer, err error) {
	for _, o := range m {
		o.OnError(t, err)
	}
}

// noopObserver discards all events.
type noopObserver struct{}

func (noopObserver) OnStateChanged(*Transfer, TransferState, TransferState) {}
func (noopObserver) OnProgressChanged(*Transfer, float64)                   {}
func (noopObserver) OnSpeedChanged(*Transfer, uint64)                       {}
func (noopObserver) OnError(*Transfer, error)                               {}
