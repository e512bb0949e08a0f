package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// SleepDuration is the length of the SLEEP diagnostic transfer.
const SleepDuration = 20 * time.Second

// List writes a directory listing for path to w by invoking the shell ls.
// Long listings drop the "total" header line; short listings are one name per
// line.
func List(ctx context.Context, path string, long bool, w io.Writer) error {
	var cmdline string
	if long {
		cmdline = "ls -l " + shellQuote(path) + " | tail -n +2"
	} else {
		cmdline = "ls -1 " + shellQuote(path)
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cmdline)
	cmd.Stdout = w
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("list %s: %w", path, err)
	}
	return nil
}

// Retrieve streams the file at path to w.
func Retrieve(ctx context.Context, path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, contextReader{ctx, f})
	return err
}

// Store writes everything read from r into the file at path. flags selects
// truncate or append behaviour on top of O_CREATE.
func Store(ctx context.Context, path string, flags int, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|flags, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, contextReader{ctx, r}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Sleep holds the data connection open for SleepDuration without moving any
// bytes. Used by the SLEEP diagnostic command.
func Sleep(ctx context.Context) error {
	select {
	case <-time.After(SleepDuration):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// contextReader aborts an in-flight copy once the transfer context is
// cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// shellQuote wraps path in single quotes for /bin/sh, escaping embedded
// quotes.
func shellQuote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}
