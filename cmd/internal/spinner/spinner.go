// Package spinner implements a single-line progress display for
// long-running command line operations.
package spinner

import (
	"fmt"
	"sync"
	"time"
)

var state struct {
	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// Start starts a new global spinner which will write to standard
// output. It redraws once per second using format, which must contain
// exactly one verb accepting a float64 percent completion, filled in
// by sampling sample. sample should return a value between 0 and 1.
//
// Start may not be called again until Stop is called, otherwise
// Start will panic. The spinner is global and therefore only one
// spinner may be active at a time.
func Start(format string, sample func() float64) {
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.running {
		panic("tried to start spinner twice")
	}

	state.running = true
	state.done = make(chan struct{})
	go func() {
		for {
			fmt.Printf(format+"\r", sample()*100)
			select {
			case <-state.done:
				fmt.Println()
				close(state.done)
				return
			case <-time.After(time.Second):
			}
		}
	}()
}

// Stop stops any currently running spinner.
//
// If no spinner is currently running, it does nothing.
func Stop() {
	state.mu.Lock()
	if !state.running {
		state.mu.Unlock()
		return
	}
	done := state.done
	state.mu.Unlock()

	done <- struct{}{}
	<-done

	state.mu.Lock()
	state.running = false
	state.mu.Unlock()
}
