package gateway

import "time"

// Observer receives connection telemetry. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	StateChanged(s State)
	RequestDone(method string, elapsed time.Duration, err error)
	EventReceived(name string)
	EventDropped()
	SequenceGap(missing int64)
}

type nopObserver struct{}

func (nopObserver) StateChanged(State) {}
func (nopObserver) RequestDone(string, time.Duration, error) {}
func (nopObserver) EventReceived(string) {}
func (nopObserver) EventDropped() {}
func (nopObserver) SequenceGap(int64) {}
