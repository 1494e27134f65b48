package sessionlock

import "time"

// Timing holds the visibility-dependent lease periods.
type Timing struct {
	VisibleHeartbeat    time.Duration
	VisibleTTL          time.Duration
	HiddenHeartbeat     time.Duration
	HiddenTTL           time.Duration
	ConsistencyInterval time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		VisibleHeartbeat:    time.Second,
		VisibleTTL:          3 * time.Second,
		HiddenHeartbeat:     2500 * time.Millisecond,
		HiddenTTL:           8 * time.Second,
		ConsistencyInterval: 5 * time.Second,
	}
}

// withDefaults fills zero durations from DefaultTiming.
func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.VisibleHeartbeat <= 0 {
		t.VisibleHeartbeat = d.VisibleHeartbeat
	}
	if t.VisibleTTL <= 0 {
		t.VisibleTTL = d.VisibleTTL
	}
	if t.HiddenHeartbeat <= 0 {
		t.HiddenHeartbeat = d.HiddenHeartbeat
	}
	if t.HiddenTTL <= 0 {
		t.HiddenTTL = d.HiddenTTL
	}
	if t.ConsistencyInterval <= 0 {
		t.ConsistencyInterval = d.ConsistencyInterval
	}
	return t
}

func (t Timing) heartbeat(visible bool) time.Duration {
	if visible {
		return t.VisibleHeartbeat
	}
	return t.HiddenHeartbeat
}

func (t Timing) ttl(visible bool) time.Duration {
	if visible {
		return t.VisibleTTL
	}
	return t.HiddenTTL
}
