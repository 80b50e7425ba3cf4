package app

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickConnection
	DropFrame
)

// Policy decides what happens to a connection whose send buffer is full.
type Policy interface {
	OnBackPressure(isSender bool) BackpressureAction
}

// SimplePolicy kicks stalled subscribers. A stalled sender only loses the
// frame, so a slow control socket never tears down a live feed.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(isSender bool) BackpressureAction {
	if isSender {
		return DropFrame
	}
	return KickConnection
}
