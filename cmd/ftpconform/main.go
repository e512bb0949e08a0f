// Command ftpconform drives a running file-transfer server through its wire
// protocol and checks the observable responses: reply codes and grammar,
// active and passive transfers, path confinement and block-mode framing.
// The target server must run with authentication disabled against a scratch
// root. Exits non-zero when any scenario fails.
package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jlaffaye/ftp"
	"github.com/olekukonko/tablewriter"

	"ftpserver/transfer"
)

var (
	addr    = flag.String("addr", "127.0.0.1:2121", "control address of the server under test")
	timeout = flag.Duration("timeout", 10*time.Second, "per-dial and per-reply timeout")
)

type scenario struct {
	name string
	run  func() error
}

func main() {
	flag.Parse()

	scenarios := []scenario{
		{"case-insensitive verbs", checkCaseInsensitiveVerbs},
		{"pre-auth gating", checkPreAuthGating},
		{"reply grammar", checkReplyGrammar},
		{"passive advertisement", checkPassiveAdvertisement},
		{"active transfer round-trip", checkActiveRoundTrip},
		{"path confinement", checkPathConfinement},
		{"block-mode framing", checkBlockFraming},
		{"abort resets channel state", checkAbortReset},
		{"client library round-trip", checkClientLibrary},
	}

	pass := color.New(color.FgGreen).Sprint("PASS")
	fail := color.New(color.FgRed, color.Bold).Sprint("FAIL")

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Scenario", "Result", "Detail")
	failures := 0
	for _, sc := range scenarios {
		if err := sc.run(); err != nil {
			failures++
			table.Append([]string{sc.name, fail, err.Error()})
		} else {
			table.Append([]string{sc.name, pass, ""})
		}
	}
	table.Render()
	if failures > 0 {
		color.New(color.FgRed).Fprintf(os.Stderr, "%d of %d scenarios failed\n", failures, len(scenarios))
		os.Exit(1)
	}
	color.New(color.FgGreen).Printf("all %d scenarios passed\n", len(scenarios))
}

// control is a scripted client on the control channel.
type control struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialControl() (*control, error) {
	conn, err := net.DialTimeout("tcp4", *addr, *timeout)
	if err != nil {
		return nil, err
	}
	c := &control{conn: conn, reader: bufio.NewReader(conn)}
	code, _, err := c.reply()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if code == 120 {
		if code, _, err = c.reply(); err != nil {
			conn.Close()
			return nil, err
		}
	}
	if code != 220 {
		conn.Close()
		return nil, fmt.Errorf("greeting: got %d, want 220", code)
	}
	return c, nil
}

func (c *control) close() { c.conn.Close() }

func (c *control) send(line string) error {
	c.conn.SetWriteDeadline(time.Now().Add(*timeout))
	_, err := io.WriteString(c.conn, line+"\r\n")
	return err
}

// reply reads one reply sequence: a single line, or a whole NNN-…NNN block.
func (c *control) reply() (code int, text string, err error) {
	c.conn.SetReadDeadline(time.Now().Add(*timeout))
	line, err := c.readLine()
	if err != nil {
		return 0, "", err
	}
	if len(line) < 4 {
		return 0, "", fmt.Errorf("short reply line %q", line)
	}
	code, err = strconv.Atoi(line[:3])
	if err != nil {
		return 0, "", fmt.Errorf("reply %q: no status code", line)
	}
	text = line[4:]
	if line[3] == ' ' {
		return code, text, nil
	}
	if line[3] != '-' {
		return 0, "", fmt.Errorf("reply %q: bad separator", line)
	}
	closing := fmt.Sprintf("%03d ", code)
	for {
		line, err = c.readLine()
		if err != nil {
			return 0, "", err
		}
		text += "\n" + line
		if strings.HasPrefix(line, closing) {
			return code, text, nil
		}
	}
}

func (c *control) readLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

// expect sends line and checks the reply code.
func (c *control) expect(line string, want int) error {
	if err := c.send(line); err != nil {
		return err
	}
	code, text, err := c.reply()
	if err != nil {
		return err
	}
	if code != want {
		return fmt.Errorf("%s: got %d %q, want %d", line, code, text, want)
	}
	return nil
}

func (c *control) login() error { return c.expect("USER anonymous", 230) }

// enterPassive issues PASV and dials the advertised endpoint.
func (c *control) enterPassive() (net.Conn, error) {
	if err := c.send("PASV"); err != nil {
		return nil, err
	}
	code, text, err := c.reply()
	if err != nil {
		return nil, err
	}
	if code != 227 {
		return nil, fmt.Errorf("PASV: got %d %q, want 227", code, text)
	}
	open := strings.IndexByte(text, '(')
	end := strings.IndexByte(text, ')')
	if open < 0 || end < open {
		return nil, fmt.Errorf("PASV reply %q: missing tuple", text)
	}
	fields := strings.Split(text[open+1:end], ",")
	if len(fields) != 6 {
		return nil, fmt.Errorf("PASV reply %q: want 6 fields", text)
	}
	nums := make([]int, 6)
	for i, f := range fields {
		if nums[i], err = strconv.Atoi(strings.TrimSpace(f)); err != nil {
			return nil, fmt.Errorf("PASV reply %q: %v", text, err)
		}
	}
	dataAddr := fmt.Sprintf("%d.%d.%d.%d:%d", nums[0], nums[1], nums[2], nums[3], nums[4]<<8|nums[5])
	return net.DialTimeout("tcp4", dataAddr, *timeout)
}

func checkCaseInsensitiveVerbs() error {
	c, err := dialControl()
	if err != nil {
		return err
	}
	defer c.close()
	if err := c.expect("uSeR anonymous", 230); err != nil {
		return err
	}
	if err := c.expect("mOdE S", 200); err != nil {
		return err
	}
	return c.expect("noop", 200)
}

func checkPreAuthGating() error {
	c, err := dialControl()
	if err != nil {
		return err
	}
	defer c.close()
	return c.expect("MODE S", 530)
}

func checkReplyGrammar() error {
	c, err := dialControl()
	if err != nil {
		return err
	}
	defer c.close()
	if err := c.send("HELP"); err != nil {
		return err
	}
	code, text, err := c.reply()
	if err != nil {
		return err
	}
	if code != 214 {
		return fmt.Errorf("HELP: got %d, want 214", code)
	}
	if !strings.Contains(text, "\n") {
		return fmt.Errorf("HELP reply is not multi-line: %q", text)
	}
	if err := c.login(); err != nil {
		return err
	}
	if err := c.expect("TYPE Q", 504); err != nil {
		return err
	}
	if err := c.expect("NOOP extra", 500); err != nil {
		return err
	}
	return c.expect("QUIT", 221)
}

func checkPassiveAdvertisement() error {
	c, err := dialControl()
	if err != nil {
		return err
	}
	defer c.close()
	if err := c.login(); err != nil {
		return err
	}
	data, err := c.enterPassive()
	if err != nil {
		return err
	}
	defer data.Close()
	if err := c.expect("NLST", 150); err != nil {
		return err
	}
	if _, err := io.ReadAll(data); err != nil {
		return err
	}
	code, text, err := c.reply()
	if err != nil {
		return err
	}
	if code != 226 {
		return fmt.Errorf("NLST close: got %d %q, want 226", code, text)
	}
	return nil
}

// activeTransfer listens locally, announces the endpoint via PORT, and runs one
// transfer with fn on the accepted data connection.
func (c *control) activeTransfer(verb string, fn func(net.Conn) error) error {
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return err
	}
	defer l.Close()
	tcpAddr := l.Addr().(*net.TCPAddr)
	tuple := fmt.Sprintf("PORT %s,%d,%d",
		strings.ReplaceAll(tcpAddr.IP.String(), ".", ","), tcpAddr.Port>>8, tcpAddr.Port&0xFF)
	if err := c.expect(tuple, 200); err != nil {
		return err
	}
	if err := c.expect(verb, 150); err != nil {
		return err
	}
	l.(*net.TCPListener).SetDeadline(time.Now().Add(*timeout))
	data, err := l.Accept()
	if err != nil {
		return err
	}
	ferr := fn(data)
	data.Close()
	code, text, err := c.reply()
	if err != nil {
		return err
	}
	if code != 226 {
		return fmt.Errorf("%s close: got %d %q, want 226", verb, code, text)
	}
	return ferr
}

func checkActiveRoundTrip() error {
	c, err := dialControl()
	if err != nil {
		return err
	}
	defer c.close()
	if err := c.login(); err != nil {
		return err
	}
	payload := []byte("abc")
	name := fmt.Sprintf("conform-active-%d.txt", os.Getpid())
	err = c.activeTransfer("STOR "+name, func(data net.Conn) error {
		_, err := data.Write(payload)
		return err
	})
	if err != nil {
		return err
	}
	var got []byte
	err = c.activeTransfer("RETR "+name, func(data net.Conn) error {
		var err error
		got, err = io.ReadAll(data)
		return err
	})
	if err != nil {
		return err
	}
	if !bytes.Equal(got, payload) {
		return fmt.Errorf("RETR returned %q, want %q", got, payload)
	}
	return c.expect("DELE "+name, 250)
}

func checkPathConfinement() error {
	c, err := dialControl()
	if err != nil {
		return err
	}
	defer c.close()
	if err := c.login(); err != nil {
		return err
	}
	data, err := c.enterPassive()
	if err != nil {
		return err
	}
	defer data.Close()
	if err := c.expect("RETR /etc/passwd", 550); err != nil {
		return err
	}
	if err := c.expect("RETR ../../etc/passwd", 550); err != nil {
		return err
	}
	return nil
}

func checkBlockFraming() error {
	c, err := dialControl()
	if err != nil {
		return err
	}
	defer c.close()
	if err := c.login(); err != nil {
		return err
	}
	if err := c.expect("MODE B", 200); err != nil {
		return err
	}
	payload := bytes.Repeat([]byte("0123456789"), 1000)
	name := fmt.Sprintf("conform-block-%d.bin", os.Getpid())

	data, err := c.enterPassive()
	if err != nil {
		return err
	}
	if err := c.expect("STOR "+name, 150); err != nil {
		data.Close()
		return err
	}
	bw := transfer.NewBlockWriter(data)
	if _, err := bw.Write(payload); err != nil {
		data.Close()
		return err
	}
	if err := bw.Close(); err != nil {
		data.Close()
		return err
	}
	data.Close()
	if code, text, err := c.reply(); err != nil || code != 226 {
		return fmt.Errorf("block STOR close: %d %q, %v", code, text, err)
	}

	data, err = c.enterPassive()
	if err != nil {
		return err
	}
	defer data.Close()
	if err := c.expect("RETR "+name, 150); err != nil {
		return err
	}
	got, err := io.ReadAll(transfer.NewBlockReader(data))
	if err != nil {
		return err
	}
	if code, text, err := c.reply(); err != nil || code != 226 {
		return fmt.Errorf("block RETR close: %d %q, %v", code, text, err)
	}
	if !bytes.Equal(got, payload) {
		return fmt.Errorf("block round-trip: got %d bytes, want %d identical", len(got), len(payload))
	}
	if err := c.expect("MODE S", 200); err != nil {
		return err
	}
	return c.expect("DELE "+name, 250)
}

func checkAbortReset() error {
	c, err := dialControl()
	if err != nil {
		return err
	}
	defer c.close()
	if err := c.login(); err != nil {
		return err
	}
	data, err := c.enterPassive()
	if err != nil {
		return err
	}
	defer data.Close()
	if err := c.expect("ABOR", 225); err != nil {
		return err
	}
	// The channel must be reusable after an abort.
	data2, err := c.enterPassive()
	if err != nil {
		return err
	}
	data2.Close()
	return nil
}

func checkClientLibrary() error {
	client, err := ftp.Dial(*addr, ftp.DialWithTimeout(*timeout))
	if err != nil {
		return err
	}
	defer client.Quit()
	if err := client.Login("anonymous", "conform"); err != nil {
		return err
	}
	name := fmt.Sprintf("conform-lib-%d.txt", os.Getpid())
	payload := []byte("through the client library\n")
	if err := client.Stor(name, bytes.NewReader(payload)); err != nil {
		return err
	}
	resp, err := client.Retr(name)
	if err != nil {
		return err
	}
	got, err := io.ReadAll(resp)
	resp.Close()
	if err != nil {
		return err
	}
	if !bytes.Equal(got, payload) {
		return fmt.Errorf("library round-trip mismatch: %q", got)
	}
	return client.Delete(name)
}
