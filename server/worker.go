package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"ftpserver/access"
	"ftpserver/transfer"
)

// Job describes one data-channel transfer. Per-invocation state lives here,
// created fresh for every command, never reused across calls.
type Job struct {
	Kind JobKind       `json:"kind"`
	Path string        `json:"path,omitempty"`
	Mode transfer.Mode `json:"mode"`
}

type JobKind string

const (
	JobList  JobKind = "list"
	JobNlst  JobKind = "nlst"
	JobRetr  JobKind = "retr"
	JobStor  JobKind = "stor"
	JobAppe  JobKind = "appe"
	JobSleep JobKind = "sleep"
)

// RunJob opens the data socket, applies the codec for the session mode and
// executes the job, then writes the terminal reply (226 on success, 425 or
// 451 on failure) on the control channel. Shared by the in-process worker and
// the re-exec'd setuid worker; the return value is the worker exit status.
// An aborted job writes no reply: ABOR answers for it.
func RunJob(ctx context.Context, ctrl *ReplyWriter, g *access.Guard, dial func(context.Context) (net.Conn, error), job Job) int {
	conn, err := dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 1
		}
		ctrl.Single(425, "Can not open data connection.")
		transfersTotal.WithLabelValues(string(job.Kind), "no_connection").Inc()
		return 6
	}
	defer conn.Close()

	// Cancellation must unblock a worker stuck mid-stream.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	counted := &countingConn{Conn: conn}
	err = job.run(ctx, g, counted)
	transferBytes.Add(float64(counted.bytes))
	if ctx.Err() != nil {
		transfersTotal.WithLabelValues(string(job.Kind), "aborted").Inc()
		return 1
	}
	if err != nil {
		ctrl.Single(451, "Internal error.")
		transfersTotal.WithLabelValues(string(job.Kind), "failed").Inc()
		return 1
	}
	ctrl.Single(226, "Success.")
	transfersTotal.WithLabelValues(string(job.Kind), "ok").Inc()
	return 0
}

// run executes the command-specific I/O loop. The access guard is consulted
// again here: the worker may have dropped privileges since the session-side
// check.
func (j Job) run(ctx context.Context, g *access.Guard, conn net.Conn) error {
	switch j.Kind {
	case JobList, JobNlst:
		if !g.FolderAccess(j.Path) {
			return fmt.Errorf("no access to folder %s", j.Path)
		}
		w := transfer.NewWriter(j.Mode, conn)
		if err := transfer.List(ctx, j.Path, j.Kind == JobList, w); err != nil {
			return err
		}
		return w.Close()
	case JobRetr:
		if !g.ReadAccess(j.Path) {
			return fmt.Errorf("no read access to %s", j.Path)
		}
		w := transfer.NewWriter(j.Mode, conn)
		if err := transfer.Retrieve(ctx, j.Path, w); err != nil {
			return err
		}
		return w.Close()
	case JobStor:
		if !g.WriteAccess(j.Path, 0) {
			return fmt.Errorf("no write access to %s", j.Path)
		}
		return transfer.Store(ctx, j.Path, os.O_TRUNC, transfer.NewReader(j.Mode, conn))
	case JobAppe:
		if !g.WriteAccess(j.Path, os.O_APPEND) {
			return fmt.Errorf("no write access to %s", j.Path)
		}
		return transfer.Store(ctx, j.Path, os.O_APPEND, transfer.NewReader(j.Mode, conn))
	case JobSleep:
		w := transfer.NewWriter(j.Mode, conn)
		if err := transfer.Sleep(ctx); err != nil {
			return err
		}
		return w.Close()
	}
	return fmt.Errorf("unknown job kind %q", j.Kind)
}

// countingConn tallies bytes moved in either direction for the transfer
// metrics.
type countingConn struct {
	net.Conn
	bytes int64
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.bytes += int64(n)
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.bytes += int64(n)
	return n, err
}

// RunWorkerProcess is the entry point of the re-exec'd transfer worker. It
// reads its spec from the environment, writes its terminal reply through the
// inherited control descriptor (fd 3) and exits; the passive listener, when
// present, is fd 4.
func RunWorkerProcess() int {
	ctrlFile := os.NewFile(3, "control")
	if ctrlFile == nil {
		fmt.Fprintln(os.Stderr, "transfer worker: control descriptor missing")
		return 5
	}
	ctrl := NewReplyWriter(ctrlFile)

	var spec workerSpec
	if err := json.Unmarshal([]byte(os.Getenv(workerSpecEnv)), &spec); err != nil {
		ctrl.Single(451, "Internal error.")
		return 5
	}
	g, err := access.NewGuard(spec.Root)
	if err != nil {
		ctrl.Single(451, "Internal error.")
		return 5
	}

	var dial func(context.Context) (net.Conn, error)
	if spec.Passive {
		lf := os.NewFile(4, "data-listener")
		listener, err := net.FileListener(lf)
		lf.Close()
		if err != nil {
			ctrl.Single(425, "Can not open data connection.")
			return 6
		}
		tl := listener.(*net.TCPListener)
		dial = func(context.Context) (net.Conn, error) {
			defer tl.Close()
			tl.SetDeadline(time.Now().Add(dataSetupTimeout))
			return tl.Accept()
		}
	} else {
		addr := spec.ActiveAddr
		dial = func(ctx context.Context) (net.Conn, error) {
			dialer := net.Dialer{Timeout: dataSetupTimeout}
			return dialer.DialContext(ctx, "tcp4", addr)
		}
	}
	return RunJob(context.Background(), ctrl, g, dial, spec.Job)
}

// fsOp names one guarded filesystem operation shared between the inline path
// and the re-exec'd setuid probe.
type fsOp string

const (
	fsFolder fsOp = "folder"
	fsRead   fsOp = "read"
	fsWrite  fsOp = "write"
	fsAppend fsOp = "append"
	fsMkdir  fsOp = "mkdir"
	fsRmdir  fsOp = "rmdir"
	fsDelete fsOp = "delete"
)

// Exit codes of the fsop child, doubling as inline results.
const (
	fsopOK     = 0
	fsopFailed = 1
	fsopExists = 2
)

func runFSOp(g *access.Guard, op fsOp, path string) int {
	switch op {
	case fsFolder:
		if g.FolderAccess(path) {
			return fsopOK
		}
	case fsRead:
		if g.ReadAccess(path) {
			return fsopOK
		}
	case fsWrite:
		if g.WriteAccess(path, 0) {
			return fsopOK
		}
	case fsAppend:
		if g.WriteAccess(path, os.O_APPEND) {
			return fsopOK
		}
	case fsMkdir:
		if g.FolderAccess(path) {
			return fsopExists
		}
		if err := os.Mkdir(path, 0700); err != nil {
			return fsopFailed
		}
		return fsopOK
	case fsRmdir:
		if !g.FolderAccess(path) {
			return fsopFailed
		}
		if err := os.RemoveAll(path); err != nil {
			return fsopFailed
		}
		return fsopOK
	case fsDelete:
		if !g.WriteAccess(path, 0) {
			return fsopFailed
		}
		if err := os.Remove(path); err != nil {
			return fsopFailed
		}
		return fsopOK
	}
	return fsopFailed
}

// RunFSOpProcess is the entry point of the re-exec'd filesystem probe:
// argv is [op, path, root], the exit status is the fsop result.
func RunFSOpProcess(args []string) int {
	if len(args) != 3 {
		return fsopFailed
	}
	g, err := access.NewGuard(args[2])
	if err != nil {
		return fsopFailed
	}
	return runFSOp(g, fsOp(args[0]), args[1])
}
