package model

import (
	"sync"
	"time"
)

// ViolationType enumerates proctoring violations.
type ViolationType string

const (
	ViolationTabSwitch      ViolationType = "tab_switch"
	ViolationWindowBlur     ViolationType = "window_blur"
	ViolationFullscreenExit ViolationType = "fullscreen_exit"
)

// Violation is one entry of a ViolationLog.
type Violation struct {
	Type ViolationType `json:"type"`
	At   time.Time     `json:"at"`
}

// ViolationLog is the append-only violation history of a single attempt.
// Entry timestamps never decrease; counters are derived from the entries.
type ViolationLog struct {
	mu      sync.RWMutex
	entries []Violation
}

// NewViolationLog creates an empty log.
func NewViolationLog() *ViolationLog {
	return &ViolationLog{}
}

// Append records a violation and returns the stored entry.
func (l *ViolationLog) Append(t ViolationType, at time.Time) Violation {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.entries); n > 0 && at.Before(l.entries[n-1].At) {
		at = l.entries[n-1].At
	}
	v := Violation{Type: t, At: at}
	l.entries = append(l.entries, v)
	return v
}

// TabSwitches counts focus losses (hidden tab or blurred window).
func (l *ViolationLog) TabSwitches() int {
	return l.count(ViolationTabSwitch, ViolationWindowBlur)
}

// FullscreenExits counts fullscreen exits.
func (l *ViolationLog) FullscreenExits() int {
	return l.count(ViolationFullscreenExit)
}

func (l *ViolationLog) count(types ...ViolationType) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, e := range l.entries {
		for _, t := range types {
			if e.Type == t {
				n++
				break
			}
		}
	}
	return n
}
