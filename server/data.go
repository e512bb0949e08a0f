package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	"ftpserver/access"
	"ftpserver/auth"
)

// dataSetupTimeout bounds the worker's dial (active mode) and accept
// (passive mode).
const dataSetupTimeout = 30 * time.Second

// connState tracks the data-channel lifecycle of one session.
type connState int

const (
	connNone connState = iota
	connActive
	connPassive
	connRunning
)

// DataConn brokers the per-session data channel: PORT/PASV setup, worker
// launch, abort and reaping. The session goroutine is the only caller, so no
// locking is needed; a running worker owns its socket and never touches the
// broker.
type DataConn struct {
	state      connState
	activeAddr string
	listener   *net.TCPListener
	uid        int
	worker     transferWorker
	logger     *slog.Logger
}

func NewDataConn(logger *slog.Logger) *DataConn {
	return &DataConn{uid: auth.NoUID, logger: logger}
}

// SetUID records the host uid transfer workers and filesystem probes run
// under. auth.NoUID keeps the server's own identity.
func (d *DataConn) SetUID(uid int) { d.uid = uid }

// Ready reports whether a transfer can start.
func (d *DataConn) Ready() bool {
	return d.state == connActive || d.state == connPassive
}

// Done reports whether the channel is idle, reaping a finished worker as a
// side effect.
func (d *DataConn) Done() bool {
	switch d.state {
	case connNone:
		return true
	case connActive, connPassive:
		return false
	}
	// Give a worker that just wrote its terminal reply a moment to finish
	// exiting before it is declared still-running.
	time.Sleep(10 * time.Millisecond)
	if d.worker.exited() {
		d.worker = nil
		d.state = connNone
		return true
	}
	return false
}

// Clear drops any Ready state so a new PORT/PASV can be recorded. It refuses
// while a worker is running.
func (d *DataConn) Clear() bool {
	if !d.Done() && !d.Ready() {
		return false
	}
	if d.listener != nil {
		d.listener.Close()
		d.listener = nil
	}
	d.state = connNone
	return true
}

// SetActive records the peer endpoint announced via PORT.
func (d *DataConn) SetActive(addr string) bool {
	if d.state != connNone {
		return false
	}
	d.activeAddr = addr
	d.state = connActive
	return true
}

// SetPassive stores the listener bound for PASV.
func (d *DataConn) SetPassive(l *net.TCPListener) bool {
	if d.state != connNone {
		return false
	}
	d.listener = l
	d.state = connPassive
	return true
}

// Start launches the transfer worker for job. On success the broker is in
// the Running state and the returned release function lets the worker begin
// its I/O; the session calls it after writing the 150 opener so the terminal
// reply cannot overtake it. An error means nothing was started and no reply
// was written.
func (d *DataConn) Start(ctrl *ReplyWriter, ctrlConn net.Conn, g *access.Guard, job Job) (func(), error) {
	if !d.Ready() {
		return nil, errors.New("data connection not ready")
	}
	var w transferWorker
	var release func()
	if d.uid != auth.NoUID {
		ew, err := d.startExecWorker(ctrlConn, g, job)
		if err != nil {
			return nil, err
		}
		// A child process cannot wait on an in-memory gate; it starts
		// with the dial/accept round trip, which the parent's 150
		// write beats in practice.
		w, release = ew, func() {}
	} else {
		gw, gate := d.startGoroutineWorker(ctrl, g, job)
		w, release = gw, func() { close(gate) }
	}
	// The worker owns the listener from here; the broker must never
	// double-accept.
	d.listener = nil
	d.worker = w
	d.state = connRunning
	return release, nil
}

// Kill terminates a running worker and reaps it, then drops any Ready state.
// Idempotent from every non-None state.
func (d *DataConn) Kill() {
	if d.state == connRunning {
		d.worker.abort()
		d.worker = nil
	}
	if d.listener != nil {
		d.listener.Close()
		d.listener = nil
	}
	d.state = connNone
}

// Close releases the channel at session end.
func (d *DataConn) Close() error {
	var result *multierror.Error
	if d.state == connRunning {
		d.worker.abort()
		d.worker = nil
	}
	if d.listener != nil {
		result = multierror.Append(result, d.listener.Close())
		d.listener = nil
	}
	d.state = connNone
	return result.ErrorOrNil()
}

// dialFunc opens the worker's end of the data socket.
func (d *DataConn) dialFunc() func(context.Context) (net.Conn, error) {
	if d.state == connActive {
		addr := d.activeAddr
		return func(ctx context.Context) (net.Conn, error) {
			dialer := net.Dialer{Timeout: dataSetupTimeout}
			return dialer.DialContext(ctx, "tcp4", addr)
		}
	}
	l := d.listener
	return func(ctx context.Context) (net.Conn, error) {
		defer l.Close()
		l.SetDeadline(time.Now().Add(dataSetupTimeout))
		stop := context.AfterFunc(ctx, func() { l.SetDeadline(time.Now()) })
		defer stop()
		return l.Accept()
	}
}

// transferWorker is one running data transfer: an in-process goroutine, or a
// re-exec'd child running under the dropped uid.
type transferWorker interface {
	// exited polls for completion without blocking.
	exited() bool
	// abort terminates the worker and reaps it.
	abort()
}

type goroutineWorker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (w *goroutineWorker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *goroutineWorker) abort() {
	w.cancel()
	<-w.done
}

func (d *DataConn) startGoroutineWorker(ctrl *ReplyWriter, g *access.Guard, job Job) (*goroutineWorker, chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &goroutineWorker{cancel: cancel, done: make(chan struct{})}
	gate := make(chan struct{})
	dial := d.dialFunc()
	go func() {
		defer close(w.done)
		select {
		case <-gate:
		case <-ctx.Done():
			return
		}
		RunJob(ctx, ctrl, g, dial, job)
	}()
	return w, gate
}

type execWorker struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (w *execWorker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *execWorker) abort() {
	select {
	case <-w.done:
		return
	default:
	}
	w.cmd.Process.Signal(syscall.SIGABRT)
	<-w.done
}

// WorkerCommand is the hidden argv[1] the server re-execs itself with to run
// one transfer under the recorded uid. The control socket is inherited as fd
// 3, the passive listener (if any) as fd 4.
const WorkerCommand = "ftpd-worker"

// FSOpCommand runs one guarded filesystem operation under the recorded uid.
const FSOpCommand = "ftpd-fsop"

// workerSpec is handed to the re-exec'd worker through the environment.
type workerSpec struct {
	Job        Job    `json:"job"`
	ActiveAddr string `json:"active_addr,omitempty"`
	Passive    bool   `json:"passive,omitempty"`
	Root       string `json:"root"`
}

const workerSpecEnv = "FTPD_WORKER_SPEC"

func (d *DataConn) startExecWorker(ctrlConn net.Conn, g *access.Guard, job Job) (*execWorker, error) {
	tc, ok := ctrlConn.(*net.TCPConn)
	if !ok {
		return nil, fmt.Errorf("control connection is %T, cannot be inherited", ctrlConn)
	}
	ctrlFile, err := tc.File()
	if err != nil {
		return nil, fmt.Errorf("dup control socket: %w", err)
	}
	defer ctrlFile.Close()

	spec := workerSpec{Job: job, Root: g.Root()}
	files := []*os.File{ctrlFile}
	if d.state == connPassive {
		lf, err := d.listener.File()
		if err != nil {
			return nil, fmt.Errorf("dup data listener: %w", err)
		}
		defer lf.Close()
		files = append(files, lf)
		spec.Passive = true
	} else {
		spec.ActiveAddr = d.activeAddr
	}
	payload, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate own binary: %w", err)
	}
	cmd := exec.Command(exe, WorkerCommand)
	cmd.Env = append(os.Environ(), workerSpecEnv+"="+string(payload))
	cmd.ExtraFiles = files
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Credential: credentialFor(d.uid)}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start transfer worker: %w", err)
	}
	if d.state == connPassive {
		// The child holds its own copy; dropping ours keeps the broker
		// from double-accepting.
		d.listener.Close()
	}
	w := &execWorker{cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		if err := cmd.Wait(); err != nil {
			d.logger.Debug("transfer worker exited", "error", err)
		}
	}()
	return w, nil
}

// credentialFor resolves the primary group of uid so the child does not keep
// the parent's group set. Falls back to gid == uid when the host user
// database has no entry.
func credentialFor(uid int) *syscall.Credential {
	cred := &syscall.Credential{Uid: uint32(uid), Gid: uint32(uid)}
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		if gid, err := strconv.Atoi(u.Gid); err == nil {
			cred.Gid = uint32(gid)
		}
	}
	return cred
}

// RunFS executes one guarded filesystem operation, re-exec'd under the
// recorded uid when a host identity was established and inline otherwise.
func (d *DataConn) RunFS(g *access.Guard, op fsOp, path string) int {
	if d.uid == auth.NoUID {
		return runFSOp(g, op, path)
	}
	exe, err := os.Executable()
	if err != nil {
		return fsopFailed
	}
	cmd := exec.Command(exe, FSOpCommand, string(op), path, g.Root())
	cmd.SysProcAttr = &syscall.SysProcAttr{Credential: credentialFor(d.uid)}
	err = cmd.Run()
	if err == nil {
		return fsopOK
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return fsopFailed
}
