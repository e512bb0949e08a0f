package server

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ftpserver/access"
	"ftpserver/transfer"
)

// startServer serves on an ephemeral port and returns the control address.
func startServer(t *testing.T, portBase int) (addr, root string) {
	t.Helper()
	rootDir := t.TempDir()
	guard, err := access.NewGuard(rootDir)
	require.NoError(t, err)

	cfg := Config{
		BindHost:      "127.0.0.1",
		AuthDisabled:  true,
		DataPortStart: portBase,
		DataPortEnd:   portBase + 99,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, nil, guard, logger)

	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(func() { l.Close() })
	return l.Addr().String(), guard.Root()
}

type rawClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialRaw(t *testing.T, addr string) *rawClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp4", addr, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	c := &rawClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
	c.expect("220 ")
	return c
}

func (c *rawClient) send(line string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := io.WriteString(c.conn, line+"\r\n")
	require.NoError(c.t, err)
}

func (c *rawClient) expect(prefix string) string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	require.True(c.t, strings.HasPrefix(line, prefix), "got %q, want prefix %q", line, prefix)
	return line
}

func (c *rawClient) cmd(line, wantPrefix string) string {
	c.t.Helper()
	c.send(line)
	return c.expect(wantPrefix)
}

// pasv enters passive mode and dials the advertised endpoint.
func (c *rawClient) pasv() net.Conn {
	c.t.Helper()
	line := c.cmd("PASV", "227 ")
	open := strings.IndexByte(line, '(')
	end := strings.IndexByte(line, ')')
	require.True(c.t, open >= 0 && end > open, "no tuple in %q", line)
	fields := strings.Split(line[open+1:end], ",")
	require.Len(c.t, fields, 6)
	nums := make([]int, 6)
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		require.NoError(c.t, err)
		nums[i] = v
	}
	dataAddr := fmt.Sprintf("%d.%d.%d.%d:%d", nums[0], nums[1], nums[2], nums[3], nums[4]<<8|nums[5])
	conn, err := net.DialTimeout("tcp4", dataAddr, 5*time.Second)
	require.NoError(c.t, err)
	return conn
}

func TestPassiveAdvertisementAccepts(t *testing.T) {
	addr, root := startServer(t, 17300)
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi"), 0600))

	c := dialRaw(t, addr)
	c.cmd("USER anonymous", "230 ")

	data := c.pasv()
	defer data.Close()
	c.cmd("RETR hello.txt", "150 ")
	got, err := io.ReadAll(data)
	require.NoError(t, err)
	c.expect("226 ")
	assert.Equal(t, "hi", string(got))
}

func TestBlockModeRoundTrip(t *testing.T) {
	addr, root := startServer(t, 17400)
	c := dialRaw(t, addr)
	c.cmd("USER anonymous", "230 ")
	c.cmd("MODE B", "200 ")

	payload := bytes.Repeat([]byte("0123456789"), 1000)

	data := c.pasv()
	c.cmd("STOR big.bin", "150 ")
	bw := transfer.NewBlockWriter(data)
	_, err := bw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, bw.Close())
	data.Close()
	c.expect("226 ")

	stored, err := os.ReadFile(filepath.Join(root, "big.bin"))
	require.NoError(t, err)
	require.Equal(t, payload, stored, "server must reassemble the framed payload")

	data = c.pasv()
	defer data.Close()
	c.cmd("RETR big.bin", "150 ")
	got, err := io.ReadAll(transfer.NewBlockReader(data))
	require.NoError(t, err)
	c.expect("226 ")
	assert.Equal(t, payload, got)
}

func TestCompressedModeRoundTrip(t *testing.T) {
	addr, root := startServer(t, 17500)
	c := dialRaw(t, addr)
	c.cmd("USER anonymous", "230 ")
	c.cmd("MODE C", "200 ")

	payload := []byte("compressed   payload with runs:   aaaa    bbbb")

	data := c.pasv()
	c.cmd("STOR c.bin", "150 ")
	cw := transfer.NewCompressedWriter(data)
	_, err := cw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, cw.Close())
	data.Close()
	c.expect("226 ")

	stored, err := os.ReadFile(filepath.Join(root, "c.bin"))
	require.NoError(t, err)
	assert.Equal(t, payload, stored)

	data = c.pasv()
	defer data.Close()
	c.cmd("RETR c.bin", "150 ")
	got, err := io.ReadAll(transfer.NewCompressedReader(data))
	require.NoError(t, err)
	c.expect("226 ")
	assert.Equal(t, payload, got)
}

func TestNlstListsNames(t *testing.T) {
	addr, root := startServer(t, 17600)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), nil, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), nil, 0600))

	c := dialRaw(t, addr)
	c.cmd("USER anonymous", "230 ")

	data := c.pasv()
	defer data.Close()
	c.cmd("NLST", "150 ")
	out, err := io.ReadAll(data)
	require.NoError(t, err)
	c.expect("226 ")
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, strings.Fields(string(out)))

	// A bogus target answers before any opener.
	c.cmd("PORT 127,0,0,1,39,14", "200 ")
	c.cmd("LIST missing-dir", "450 ")
}

// TestAbortRunningSleep exercises the worker kill path: SLEEP holds the data
// channel for 20 s, ABOR must terminate it immediately and leave the channel
// reusable.
func TestAbortRunningSleep(t *testing.T) {
	addr, _ := startServer(t, 17700)
	c := dialRaw(t, addr)
	c.cmd("USER anonymous", "230 ")

	data := c.pasv()
	defer data.Close()
	c.cmd("SLEEP", "150 ")

	start := time.Now()
	c.cmd("ABOR", "226 ")
	assert.Less(t, time.Since(start), 5*time.Second, "abort must not wait out the sleep")

	// The channel state is None again; new setup succeeds.
	c.cmd("PORT 127,0,0,1,39,14", "200 ")
}

func TestSetupWhileRunningRejected(t *testing.T) {
	addr, _ := startServer(t, 17800)
	c := dialRaw(t, addr)
	c.cmd("USER anonymous", "230 ")

	data := c.pasv()
	defer data.Close()
	c.cmd("SLEEP", "150 ")

	c.cmd("PASV", "500 ")
	c.cmd("PORT 127,0,0,1,39,14", "500 ")
	c.cmd("ABOR", "226 ")
}

// TestClientLibraryRoundTrip drives the server with the same client library
// the conformance harness uses.
func TestClientLibraryRoundTrip(t *testing.T) {
	addr, _ := startServer(t, 17900)

	client, err := ftp.Dial(addr, ftp.DialWithTimeout(5*time.Second))
	require.NoError(t, err)
	defer client.Quit()

	require.NoError(t, client.Login("anonymous", "test"))

	payload := []byte("via the client library\n")
	require.NoError(t, client.Stor("lib.txt", bytes.NewReader(payload)))

	resp, err := client.Retr("lib.txt")
	require.NoError(t, err)
	got, err := io.ReadAll(resp)
	require.NoError(t, resp.Close())
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, client.Delete("lib.txt"))
}
