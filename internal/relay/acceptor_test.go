package relay_test

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"

	"github.com/neilcollins/piconga/internal/conga"
	"github.com/neilcollins/piconga/internal/relay"
	"github.com/neilcollins/piconga/internal/store"
)

func testLogger() logiface.Logger[logiface.Event] {
	zl := zerolog.New(io.Discard)
	l := izerolog.L.New(izerolog.L.WithZerolog(zl), izerolog.L.WithLevel(izerolog.L.LevelInformational()))
	return *l.Logger()
}

// fakeRegistry maps member_id -> conga_id in memory.
type fakeRegistry struct {
	memberships map[int64]int64
}

func (r *fakeRegistry) LookupConga(_ context.Context, memberID int64) (int64, error) {
	congaID, ok := r.memberships[memberID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return congaID, nil
}

func (r *fakeRegistry) DeleteMembership(_ context.Context, memberID int64) error {
	delete(r.memberships, memberID)
	return nil
}

// startAcceptor starts an Acceptor on an ephemeral loopback port and returns
// its address and a cancel func that triggers graceful shutdown.
func startAcceptor(t *testing.T, reg store.Registry) (addr string, stop func()) {
	t.Helper()
	a := &relay.Acceptor{
		Hub:             conga.NewHub(),
		Registry:        reg,
		Logger:          testLogger(),
		ShutdownTimeout: time.Second,
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr = ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx, addr) }()

	// Give the listener a moment to bind before tests start dialing.
	for i := 0; i < 50; i++ {
		if conn, err := net.Dial("tcp", addr); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return addr, func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
			t.Fatal("acceptor did not shut down in time")
		}
	}
}

type client struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return &client{t: t, conn: conn, br: bufio.NewReader(conn)}
}

func (c *client) hello(userID string) {
	c.t.Helper()
	if _, err := fmt.Fprintf(c.conn, "HELLO\r\nUser-ID: %s\r\nContent-Length: 0\r\n\r\n", userID); err != nil {
		c.t.Fatalf("hello: %v", err)
	}
}

func (c *client) msg(body string) {
	c.t.Helper()
	if _, err := fmt.Fprintf(c.conn, "MSG\r\nContent-Length: %d\r\n\r\n%s", len(body), body); err != nil {
		c.t.Fatalf("msg: %v", err)
	}
}

// forward re-sends a received MSG under its original Message-ID, the way a
// participant passes a message on to its ring successor.
func (c *client) forward(messageID, body string) {
	c.t.Helper()
	if _, err := fmt.Fprintf(c.conn, "MSG\r\nMessage-ID: %s\r\nContent-Length: %d\r\n\r\n%s", messageID, len(body), body); err != nil {
		c.t.Fatalf("forward: %v", err)
	}
}

func (c *client) bye() {
	c.t.Helper()
	if _, err := io.WriteString(c.conn, "BYE\r\nContent-Length: 0\r\n\r\n"); err != nil {
		c.t.Fatalf("bye: %v", err)
	}
}

// expectBody reads one MSG, checks its body against want, and returns its
// Message-ID header value ("" if absent).
func (c *client) expectBody(timeout time.Duration, want string) string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})

	// Read the verb line, headers, and body manually: tests intentionally
	// avoid depending on internal/protocol so this exercises the wire
	// format end to end.
	line, err := c.br.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read verb: %v", err)
	}
	if got := trimCRLF(line); got != "MSG" {
		c.t.Fatalf("verb = %q, want MSG", got)
	}
	var contentLength int
	var messageID string
	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			c.t.Fatalf("read header: %v", err)
		}
		line = trimCRLF(line)
		if line == "" {
			break
		}
		if v, ok := strings.CutPrefix(line, "Message-ID: "); ok {
			messageID = v
		}
		var n int
		if _, err := fmt.Sscanf(line, "Content-Length: %d", &n); err == nil {
			contentLength = n
		}
	}
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(c.br, body); err != nil {
		c.t.Fatalf("read body: %v", err)
	}
	if string(body) != want {
		c.t.Fatalf("body = %q, want %q", body, want)
	}
	return messageID
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func TestThreeMemberHop(t *testing.T) {
	reg := &fakeRegistry{memberships: map[int64]int64{2: 7, 5: 7, 9: 7}}
	addr, stop := startAcceptor(t, reg)
	defer stop()

	c2 := dial(t, addr)
	c2.hello("2")
	time.Sleep(20 * time.Millisecond)
	c5 := dial(t, addr)
	c5.hello("5")
	time.Sleep(20 * time.Millisecond)
	c9 := dial(t, addr)
	c9.hello("9")
	time.Sleep(20 * time.Millisecond)

	c2.msg("hi")

	// The relay only forwards what a participant sends it, so each
	// receiving client passes the message on itself.
	id := c5.expectBody(time.Second, "hi")
	c5.forward(id, "hi")
	c9.expectBody(time.Second, "hi")
}

func TestOutOfOrderJoinRingOrder(t *testing.T) {
	reg := &fakeRegistry{memberships: map[int64]int64{8: 1, 3: 1, 11: 1}}
	addr, stop := startAcceptor(t, reg)
	defer stop()

	c8 := dial(t, addr)
	c8.hello("8")
	time.Sleep(20 * time.Millisecond)
	c3 := dial(t, addr)
	c3.hello("3")
	time.Sleep(20 * time.Millisecond)
	c11 := dial(t, addr)
	c11.hello("11")
	time.Sleep(20 * time.Millisecond)

	c3.msg("go")

	id := c8.expectBody(time.Second, "go")
	c8.forward(id, "go")
	c11.expectBody(time.Second, "go")
}
