// Package logging implements the handling of log messages within the program.
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

// RingBuffer is a bounded, thread-safe log sink that keeps the last N lines
// in memory (for diagnostics surfaces such as [dashboard]) while also
// forwarding every message to an underlying [io.Writer].
type RingBuffer struct {
	mu    sync.Mutex
	buf   []string
	index int
	full  bool
	size  int

	out *log.Logger
}

// NewRingBuffer returns a pointer to a new [RingBuffer] of the given size,
// forwarding every logged message to out in addition to keeping it in memory.
func NewRingBuffer(size int, out io.Writer) *RingBuffer {
	return &RingBuffer{
		buf:  make([]string, size),
		size: size,
		out:  log.New(out, "", 0),
	}
}

// Size returns the capacity (in lines) of the [RingBuffer].
func (r *RingBuffer) Size() int {
	return r.size
}

// Lines returns the currently held lines, oldest first.
func (r *RingBuffer) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}

	if !r.full {
		out := make([]string, r.index)
		copy(out, r.buf[:r.index])

		return out
	}

	out := make([]string, r.size)
	copy(out, r.buf[r.index:])
	copy(out[r.size-r.index:], r.buf[:r.index])

	return out
}

// Reset clears all currently held lines.
func (r *RingBuffer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = make([]string, r.size)
	r.index = 0
	r.full = false
}

func (r *RingBuffer) add(msg string) {
	if r.size == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.index] = strings.TrimSuffix(msg, "\n")
	r.index = (r.index + 1) % r.size
	if r.index == 0 {
		r.full = true
	}
}

// Printf adds a formatted message to the ring-buffer and forwards it to the
// underlying writer.
func (r *RingBuffer) Printf(format string, args ...any) {
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	msg := fmt.Sprintf(format, args...)

	r.add(fmt.Sprintf("%s %s", timestamp, msg))
	r.out.Printf(format, args...)
}

// Println adds a message to the ring-buffer and forwards it to the
// underlying writer.
func (r *RingBuffer) Println(args ...any) {
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	msg := strings.TrimRight(fmt.Sprintln(args...), "\n")

	r.add(fmt.Sprintf("%s %s", timestamp, msg))
	r.out.Println(args...)
}
