package output

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Spinner animates a status line while a remote operation is pending.
type Spinner struct {
	mu       sync.Mutex
	w        io.Writer
	message  string
	frames   []string
	interval time.Duration

	started bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewSpinner creates a new spinner.
func NewSpinner(w io.Writer, message string) *Spinner {
	return &Spinner{
		w:        w,
		message:  message,
		frames:   []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		interval: 100 * time.Millisecond,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start starts the animation. Calling Start twice has no effect.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for i := 0; ; i++ {
			s.mu.Lock()
			fmt.Fprintf(s.w, "\r%s %s", s.frames[i%len(s.frames)], s.message)
			s.mu.Unlock()

			select {
			case <-s.stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

// SetMessage replaces the text shown next to the animation.
func (s *Spinner) SetMessage(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
}

// Stop stops the animation and clears the line. It is safe to call more
// than once and without Start.
func (s *Spinner) Stop() {
	s.finish("")
}

// Success stops the spinner with a check mark and message.
func (s *Spinner) Success(message string) {
	s.finish("✓ " + message)
}

// Fail stops the spinner with a cross and message.
func (s *Spinner) Fail(message string) {
	s.finish("✗ " + message)
}

func (s *Spinner) finish(final string) {
	s.once.Do(func() {
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()

		close(s.stop)
		if started {
			<-s.done
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		fmt.Fprint(s.w, "\r\033[K")
		if final != "" {
			fmt.Fprintln(s.w, final)
		}
	})
}
