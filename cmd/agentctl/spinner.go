package main

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// frameInterval matches mixtape-cli's spinner.rs: 80ms per animation frame.
const frameInterval = 80 * time.Millisecond

// spinnerFrames are the braille/bar glyphs spinner.rs bounces through while a
// model call is streaming its first tokens.
var spinnerFrames = []string{"▁", "▂", "▃", "▄", "▅", "▆", "▇", "█", "▇", "▆", "▅", "▄", "▃", "▂"}

// spinner prints an animated frame to w on a timer, started on
// ModelCallStarted and stopped at the first streamed delta or tool call —
// the same window spinner.rs animates across: thinking, before any output
// exists to show.
type spinner struct {
	w       io.Writer
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

func newSpinner(w io.Writer) *spinner {
	return &spinner{w: w}
}

func (s *spinner) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh

	go func() {
		ticker := time.NewTicker(frameInterval)
		defer ticker.Stop()
		i := 0
		for {
			select {
			case <-stopCh:
				fmt.Fprint(s.w, "\r")
				return
			case <-ticker.C:
				fmt.Fprintf(s.w, "\r%s thinking...", spinnerFrames[i%len(spinnerFrames)])
				i++
			}
		}
	}()
}

func (s *spinner) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
}
