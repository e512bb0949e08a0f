package server

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// controlWriteTimeout bounds every reply write on the control channel.
const controlWriteTimeout = 60 * time.Second

// deadlineWriter is implemented by net.Conn; the worker's inherited control
// descriptor does not set deadlines.
type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// ReplyWriter renders control-channel replies. The session and its transfer
// worker share one writer, so every reply is written and flushed under the
// lock; a reply is the only unit that may interleave on the wire.
type ReplyWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
	dl deadlineWriter
}

func NewReplyWriter(w io.Writer) *ReplyWriter {
	rw := &ReplyWriter{w: bufio.NewWriterSize(w, 1024)}
	if dl, ok := w.(deadlineWriter); ok {
		rw.dl = dl
	}
	return rw
}

// Single writes a one line reply: "NNN text\r\n".
func (rw *ReplyWriter) Single(code int, text string) error {
	if strings.ContainsAny(text, "\r\n") {
		return fmt.Errorf("reply %d: text embeds a line ending", code)
	}
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.deadline()
	if _, err := fmt.Fprintf(rw.w, "%03d %s\r\n", code, text); err != nil {
		return err
	}
	return rw.w.Flush()
}

// Multi writes a reply block under one code: the first line opens with
// "NNN-", intermediate lines carry no prefix, the last closes with "NNN ".
// At least two lines are required.
func (rw *ReplyWriter) Multi(code int, lines ...string) error {
	if len(lines) < 2 {
		return fmt.Errorf("reply %d: multi-line block needs at least two lines", code)
	}
	for _, line := range lines {
		if strings.ContainsAny(line, "\r\n") {
			return fmt.Errorf("reply %d: text embeds a line ending", code)
		}
	}
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.deadline()
	if _, err := fmt.Fprintf(rw.w, "%03d-%s\r\n", code, lines[0]); err != nil {
		return err
	}
	for _, line := range lines[1 : len(lines)-1] {
		if _, err := fmt.Fprintf(rw.w, "%s\r\n", line); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(rw.w, "%03d %s\r\n", code, lines[len(lines)-1]); err != nil {
		return err
	}
	return rw.w.Flush()
}

func (rw *ReplyWriter) deadline() {
	if rw.dl != nil {
		rw.dl.SetWriteDeadline(time.Now().Add(controlWriteTimeout))
	}
}
