package server

import (
	"fmt"
	"net"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"ftpserver/auth"
	"ftpserver/transfer"
)

func (s *Session) cmdUser(arg string) bool {
	if arg == "" {
		s.reply(500, "Expected name of user.")
		return true
	}
	s.username = arg
	if s.srv.cfg.AuthDisabled || arg == "anonymous" {
		s.data.SetUID(auth.NoUID)
		s.installUserHandlers()
		authTotal.WithLabelValues("ok").Inc()
		s.reply(230, "Success.")
		return true
	}
	// A new login round drops any identity from a previous one.
	s.data.SetUID(auth.NoUID)
	s.installPreAuthHandlers()
	s.handlers["PASS"] = (*Session).cmdPass
	s.reply(331, "Need password.")
	return true
}

func (s *Session) cmdPass(arg string) bool {
	uid, ok := s.srv.verifier.Verify(s.username, arg)
	if !ok {
		authTotal.WithLabelValues("denied").Inc()
		s.reply(530, "Access denied.")
		return true
	}
	s.data.SetUID(uid)
	s.installUserHandlers()
	authTotal.WithLabelValues("ok").Inc()
	s.logger.Info("login", "user", s.username, "uid", uid)
	s.reply(230, "Success.")
	return true
}

func (s *Session) cmdQuit(arg string) bool {
	if arg != "" {
		s.reply(500, "Syntax error. Extra data found.")
		return true
	}
	s.reply(221, "Bye")
	return false
}

func (s *Session) cmdNoop(arg string) bool {
	if arg != "" {
		s.reply(500, "Syntax error. Extra data found.")
		return true
	}
	s.reply(200, "OK.")
	return true
}

func (s *Session) cmdHelp(string) bool {
	verbs := make([]string, 0, len(s.handlers))
	for verb := range s.handlers {
		verbs = append(verbs, verb)
	}
	sort.Strings(verbs)

	lines := []string{"You can use following queries:"}
	for i := 0; i < len(verbs); i += 6 {
		end := i + 6
		if end > len(verbs) {
			end = len(verbs)
		}
		lines = append(lines, strings.Join(verbs[i:end], " "))
	}
	lines = append(lines, "Have a nice day dude!")
	if err := s.out.Multi(214, lines...); err != nil {
		s.logger.Debug("reply failed", "code", 214, "error", err)
	}
	return true
}

func (s *Session) cmdType(arg string) bool {
	switch strings.ToUpper(arg) {
	case "A", "AN", "L 8", "I":
		s.reply(200, "OK.")
	default:
		s.reply(504, "Only 8bit ASCII non-print supported, not "+arg+".")
	}
	return true
}

func (s *Session) cmdMode(arg string) bool {
	switch strings.ToUpper(arg) {
	case "S":
		s.mode = transfer.Stream
	case "B":
		s.mode = transfer.Block
	case "C":
		s.mode = transfer.Compressed
	default:
		s.reply(500, "Unknown mode.")
		return true
	}
	s.reply(200, "OK.")
	return true
}

func (s *Session) cmdStru(arg string) bool {
	switch strings.ToUpper(arg) {
	case "F":
		s.reply(200, "OK.")
	case "R", "P":
		s.reply(504, "Not OK.")
	default:
		s.reply(500, "Unknown structure.")
	}
	return true
}

func (s *Session) cmdCwd(arg string) bool {
	full := s.resolvePath(arg)
	if full == "" {
		s.reply(501, "Path should be specified.")
		return true
	}
	if s.data.RunFS(s.guard, fsFolder, full) != fsopOK {
		s.reply(550, "No access.")
		return true
	}
	if !s.setCurrentDir(full) {
		s.reply(550, "Incorrect path.")
		return true
	}
	s.reply(250, "OK.")
	return true
}

func (s *Session) cmdCdup(arg string) bool {
	if arg != "" {
		s.reply(501, "Arguments not expected.")
		return true
	}
	full := filepath.Clean(filepath.Join(s.currentPath(), ".."))
	if s.data.RunFS(s.guard, fsFolder, full) != fsopOK {
		s.reply(550, "No access.")
		return true
	}
	if !s.setCurrentDir(full) {
		s.reply(550, "No access.")
		return true
	}
	s.reply(200, "OK.")
	return true
}

func (s *Session) cmdMkd(arg string) bool {
	full := s.resolvePath(arg)
	if full == "" {
		s.reply(501, "Path should be specified.")
		return true
	}
	switch s.data.RunFS(s.guard, fsMkdir, full) {
	case fsopOK:
		s.reply(257, "OK.")
	case fsopExists:
		s.reply(550, "Path already exists.")
	default:
		s.reply(550, "No access.")
	}
	return true
}

func (s *Session) cmdRmd(arg string) bool {
	full := s.resolvePath(arg)
	if full == "" {
		s.reply(501, "Path should be specified.")
		return true
	}
	if s.data.RunFS(s.guard, fsRmdir, full) != fsopOK {
		s.reply(550, "Incorrect path.")
		return true
	}
	s.reply(250, "OK.")
	return true
}

func (s *Session) cmdDele(arg string) bool {
	full := s.resolvePath(arg)
	if full == "" {
		s.reply(501, "Path should be specified.")
		return true
	}
	if s.data.RunFS(s.guard, fsDelete, full) != fsopOK {
		s.reply(550, "Incorrect path.")
		return true
	}
	s.reply(250, "OK.")
	return true
}

func (s *Session) cmdPort(arg string) bool {
	if !s.data.Ready() && !s.data.Done() {
		s.reply(500, "Already running other")
		return true
	}
	if !s.data.Clear() {
		s.reply(500, "Internal error.")
		return true
	}
	addr, ok := parsePortArg(arg)
	if !ok {
		s.reply(501, "Bad format.")
		return true
	}
	if !s.data.SetActive(addr) {
		s.reply(500, "Internal error.")
		return true
	}
	s.reply(200, "Success.")
	return true
}

func (s *Session) cmdPasv(arg string) bool {
	if arg != "" {
		s.reply(501, "Arguments not expected.")
		return true
	}
	if !s.data.Ready() && !s.data.Done() {
		s.reply(500, "Already running other")
		return true
	}
	if !s.data.Clear() {
		s.reply(500, "Internal error.")
		return true
	}
	listener, port, err := s.srv.listenPassive()
	if err != nil {
		s.logger.Error("passive bind failed", "error", err)
		s.reply(500, "Internal error.")
		return true
	}
	if !s.data.SetPassive(listener) {
		listener.Close()
		s.reply(500, "Internal error.")
		return true
	}
	host := strings.ReplaceAll(s.srv.cfg.BindHost, ".", ",")
	s.reply(227, fmt.Sprintf("Passive mode (%s,%d,%d)", host, port>>8, port&0xFF))
	return true
}

func (s *Session) cmdAbor(arg string) bool {
	if arg != "" {
		s.reply(500, "Syntax error. Extra data found.")
		return true
	}
	if s.data.Done() {
		s.reply(502, "No active data connection.")
		return true
	}
	wasReady := s.data.Ready()
	s.data.Kill()
	if wasReady {
		s.reply(225, "Aborted successfully.")
	} else {
		s.reply(226, "Aborted successfully.")
	}
	return true
}

func (s *Session) cmdList(arg string) bool {
	target := s.resolvePath(arg)
	if target == "" {
		target = s.currentPath()
	}
	if !s.checkDataConnect() {
		return true
	}
	if s.data.RunFS(s.guard, fsFolder, target) != fsopOK {
		s.reply(450, "No such folder.")
		return true
	}
	return s.startTransfer(Job{Kind: JobList, Path: target, Mode: s.mode})
}

func (s *Session) cmdNlst(arg string) bool {
	target := s.resolvePath(arg)
	if target == "" {
		target = s.currentPath()
	}
	if !s.checkDataConnect() {
		return true
	}
	if s.data.RunFS(s.guard, fsFolder, target) != fsopOK {
		s.reply(450, "No such folder.")
		return true
	}
	return s.startTransfer(Job{Kind: JobNlst, Path: target, Mode: s.mode})
}

func (s *Session) cmdRetr(arg string) bool {
	if !s.checkDataConnect() {
		return true
	}
	target := s.resolvePath(arg)
	if target == "" {
		s.reply(501, "Path should be specified.")
		return true
	}
	if s.data.RunFS(s.guard, fsRead, target) != fsopOK {
		s.reply(550, "No access.")
		return true
	}
	return s.startTransfer(Job{Kind: JobRetr, Path: target, Mode: s.mode})
}

func (s *Session) cmdStor(arg string) bool {
	return s.store(arg, JobStor, fsWrite)
}

func (s *Session) cmdAppe(arg string) bool {
	return s.store(arg, JobAppe, fsAppend)
}

func (s *Session) store(arg string, kind JobKind, probe fsOp) bool {
	if !s.checkDataConnect() {
		return true
	}
	target := s.resolvePath(arg)
	if target == "" {
		s.reply(501, "Path should be specified.")
		return true
	}
	if s.data.RunFS(s.guard, probe, target) != fsopOK {
		s.reply(550, "No access.")
		return true
	}
	return s.startTransfer(Job{Kind: kind, Path: target, Mode: s.mode})
}

func (s *Session) cmdSleep(string) bool {
	if !s.checkDataConnect() {
		return true
	}
	return s.startTransfer(Job{Kind: JobSleep, Mode: s.mode})
}

// checkDataConnect verifies a transfer can start on the current channel
// state, answering for the failure cases.
func (s *Session) checkDataConnect() bool {
	if s.data.Ready() {
		return true
	}
	if s.data.Done() {
		s.reply(425, "Open data connection firstly by PASV or PORT.")
		return false
	}
	s.reply(425, "Data connection busy; transfer in progress.")
	return false
}

// startTransfer launches the worker and sends the 150 opener. A launch
// failure suppresses the opener and reports 425 on its own.
func (s *Session) startTransfer(job Job) bool {
	release, err := s.data.Start(s.out, s.conn, s.guard, job)
	if err != nil {
		s.logger.Error("transfer start failed", "verb", string(job.Kind), "error", err)
		s.reply(425, "Can not start transfer.")
		return true
	}
	s.reply(150, "Successfully started.")
	release()
	return true
}

// parsePortArg decodes the PORT six-tuple h1,h2,h3,h4,p1,p2 into a dial
// address. Every field must be a bare decimal in 0..255.
func parsePortArg(arg string) (string, bool) {
	fields := strings.Split(arg, ",")
	if len(fields) != 6 {
		return "", false
	}
	values := make([]int, 6)
	for i, field := range fields {
		if field == "" || len(field) > 3 {
			return "", false
		}
		for j := 0; j < len(field); j++ {
			if field[j] < '0' || field[j] > '9' {
				return "", false
			}
		}
		v, err := strconv.Atoi(field)
		if err != nil || v > 255 {
			return "", false
		}
		values[i] = v
	}
	host := fmt.Sprintf("%d.%d.%d.%d", values[0], values[1], values[2], values[3])
	port := values[4]<<8 | values[5]
	return net.JoinHostPort(host, strconv.Itoa(port)), true
}
