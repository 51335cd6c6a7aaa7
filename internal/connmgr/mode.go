package connmgr

import (
	"sync"
	"sync/atomic"
)

// Mode is the operating mode of the Oracle client driver.
type Mode int32

const (
	// ModeThin speaks the wire protocol directly; no native library needed.
	ModeThin Mode = iota
	// ModeThick loads the native Oracle client library.
	ModeThick
)

func (m Mode) String() string {
	if m == ModeThick {
		return "thick"
	}
	return "thin"
}

// ClientModeState is the process-wide driver mode. It starts thin and moves
// to thick at most once; it never reverts. Safe for concurrent use.
type ClientModeState struct {
	mode   atomic.Int32
	libDir atomic.Pointer[string]
	mu     sync.Mutex // serializes initialization attempts
}

// NewClientModeState returns a state in thin mode.
func NewClientModeState() *ClientModeState {
	return &ClientModeState{}
}

// Mode returns the current mode.
func (s *ClientModeState) Mode() Mode {
	return Mode(s.mode.Load())
}

// LibDir returns the library directory thick mode was initialized from,
// or "" while thin.
func (s *ClientModeState) LibDir() string {
	if p := s.libDir.Load(); p != nil {
		return *p
	}
	return ""
}

// EnsureThick switches to thick mode by calling initFn(libDir). When the state
// is already thick it returns nil without calling initFn. A failed initFn
// leaves the state thin so another directory can be tried.
func (s *ClientModeState) EnsureThick(libDir string, initFn func(libDir string) error) error {
	if s.Mode() == ModeThick {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Mode() == ModeThick {
		return nil
	}
	if err := initFn(libDir); err != nil {
		return err
	}
	s.libDir.Store(&libDir)
	s.mode.CompareAndSwap(int32(ModeThin), int32(ModeThick))
	return nil
}
