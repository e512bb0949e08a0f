package server

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"time"

	"ftpserver/access"
	"ftpserver/transfer"
)

const (
	// controlReadTimeout is the receive timeout on the control channel.
	controlReadTimeout = 60 * time.Second

	// maxCommandLength caps one command line.
	maxCommandLength = 4096
)

var errLineTooLong = errors.New("command line too long")

// commandFunc handles one command. Returning false ends the session.
type commandFunc func(*Session, string) bool

// Session is the per-connection control state machine. It owns the command
// reader, the dispatch table and the data-connection broker; all of it is
// private to the connection's goroutine.
type Session struct {
	srv    *Server
	conn   net.Conn
	reader *bufio.Reader
	out    *ReplyWriter
	logger *slog.Logger

	username string
	mode     transfer.Mode
	curDir   string

	guard *access.Guard
	data  *DataConn

	handlers map[string]commandFunc
	fallback commandFunc
}

func newSession(srv *Server, conn net.Conn) *Session {
	logger := srv.logger.With("client", conn.RemoteAddr().String())
	s := &Session{
		srv:    srv,
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 1024),
		out:    NewReplyWriter(conn),
		logger: logger,
		mode:   transfer.Stream,
		curDir: "/",
		guard:  srv.guard,
		data:   NewDataConn(logger),
	}
	s.installPreAuthHandlers()
	return s
}

// run drives the command loop until QUIT, EOF or a channel failure. Closing
// the control connection implicitly aborts any running worker.
func (s *Session) run() {
	defer func() {
		if err := s.data.Close(); err != nil {
			s.logger.Debug("data connection cleanup", "error", err)
		}
		s.conn.Close()
		s.logger.Info("session closed")
	}()

	if s.srv.cfg.BannerDelay {
		s.reply(120, "Wait a bit.")
	}
	s.reply(220, "Service ready.")

	for {
		s.conn.SetReadDeadline(time.Now().Add(controlReadTimeout))
		line, err := readCommandLine(s.reader)
		if err != nil {
			s.out.Single(421, "Timeout.")
			return
		}
		verb, arg, ok := splitCommand(line)
		if !ok {
			s.reply(500, "Bad command format.")
			continue
		}
		verb = strings.ToUpper(verb)
		handler := s.handlers[verb]
		if handler == nil {
			commandsTotal.WithLabelValues("UNKNOWN").Inc()
			if !s.fallback(s, arg) {
				return
			}
			continue
		}
		commandsTotal.WithLabelValues(verb).Inc()
		if verb == "PASS" {
			s.logger.Debug("command", "verb", verb)
		} else {
			s.logger.Debug("command", "verb", verb, "arg", arg)
		}
		if !handler(s, arg) {
			return
		}
	}
}

// installPreAuthHandlers resets the dispatch table to the universal command
// set; everything else answers 530 until login completes.
func (s *Session) installPreAuthHandlers() {
	s.handlers = map[string]commandFunc{
		"USER": (*Session).cmdUser,
		"HELP": (*Session).cmdHelp,
		"QUIT": (*Session).cmdQuit,
		"NOOP": (*Session).cmdNoop,
	}
	s.fallback = func(s *Session, _ string) bool {
		s.reply(530, "Please log in.")
		return true
	}
}

// installUserHandlers augments the table with the authenticated command set.
func (s *Session) installUserHandlers() {
	for verb, handler := range map[string]commandFunc{
		"PORT":  (*Session).cmdPort,
		"PASV":  (*Session).cmdPasv,
		"ABOR":  (*Session).cmdAbor,
		"TYPE":  (*Session).cmdType,
		"MODE":  (*Session).cmdMode,
		"STRU":  (*Session).cmdStru,
		"LIST":  (*Session).cmdList,
		"NLST":  (*Session).cmdNlst,
		"RETR":  (*Session).cmdRetr,
		"STOR":  (*Session).cmdStor,
		"APPE":  (*Session).cmdAppe,
		"CWD":   (*Session).cmdCwd,
		"CDUP":  (*Session).cmdCdup,
		"DELE":  (*Session).cmdDele,
		"RMD":   (*Session).cmdRmd,
		"MKD":   (*Session).cmdMkd,
		"SLEEP": (*Session).cmdSleep,
	} {
		s.handlers[verb] = handler
	}
	delete(s.handlers, "PASS")
	s.fallback = func(s *Session, _ string) bool {
		s.reply(502, "No such command.")
		return true
	}
}

func (s *Session) reply(code int, text string) {
	if err := s.out.Single(code, text); err != nil {
		s.logger.Debug("reply failed", "code", code, "error", err)
	}
}

// root returns the canonical working root; immutable for the session's
// lifetime.
func (s *Session) root() string { return s.guard.Root() }

// resolvePath maps a client-supplied path onto the root: an absolute argument
// is re-rooted, a relative one resolves against the current directory. The
// result is cleaned but not canonicalized; the access guard does that.
func (s *Session) resolvePath(arg string) string {
	if arg == "" {
		return ""
	}
	if strings.HasPrefix(arg, "/") {
		return filepath.Join(s.root(), arg)
	}
	return filepath.Join(s.root(), s.curDir, arg)
}

// currentPath is the absolute form of the session's working directory.
func (s *Session) currentPath() string {
	return filepath.Join(s.root(), s.curDir)
}

// setCurrentDir records the working directory for an already-probed absolute
// target. Fails when the target sits outside the root textually.
func (s *Session) setCurrentDir(full string) bool {
	rel, err := filepath.Rel(s.root(), full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	if rel == "." {
		s.curDir = "/"
	} else {
		s.curDir = "/" + filepath.ToSlash(rel)
	}
	return true
}

// readCommandLine consumes bytes up to a CRLF pair. A bare CR or LF is
// ordinary data; the terminator is stripped.
func readCommandLine(r *bufio.Reader) (string, error) {
	var b strings.Builder
	pendingCR := false
	for {
		c, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if pendingCR {
			if c == '\n' {
				return b.String(), nil
			}
			b.WriteByte('\r')
			pendingCR = false
		}
		if c == '\r' {
			pendingCR = true
			continue
		}
		b.WriteByte(c)
		if b.Len() > maxCommandLength {
			return "", errLineTooLong
		}
	}
}

// splitCommand separates the verb token from its argument. The verb and its
// argument are divided by a single space; a verb carrying embedded control
// bytes is malformed.
func splitCommand(line string) (verb, arg string, ok bool) {
	verb = line
	if i := strings.IndexByte(line, ' '); i >= 0 {
		verb, arg = line[:i], line[i+1:]
	}
	for i := 0; i < len(verb); i++ {
		if verb[i] < 0x21 || verb[i] > 0x7E {
			return "", "", false
		}
	}
	return verb, arg, true
}
