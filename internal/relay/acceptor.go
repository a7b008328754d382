// Package relay owns the TCP listener that accepts conga participant
// connections and drives each to completion on its own goroutine.
package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/neilcollins/piconga/internal/conga"
	"github.com/neilcollins/piconga/internal/participant"
	"github.com/neilcollins/piconga/internal/store"
)

// Acceptor listens for conga participant connections and owns the Hub they
// join rings on.
type Acceptor struct {
	Hub             *conga.Hub
	Registry        store.Registry
	Logger          logiface.Logger[logiface.Event]
	ShutdownTimeout time.Duration

	wg    sync.WaitGroup
	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

// Serve listens on addr and accepts connections until ctx is cancelled. On
// cancellation it stops accepting immediately, then waits up to
// ShutdownTimeout for in-flight participants to finish (Run checks ctx
// between frames, and a BYE ends a connection normally). Connections still
// open when that window elapses are force-closed by drain, and Serve returns
// without waiting for their goroutines to exit.
func (a *Acceptor) Serve(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	a.Logger.Info().Str("addr", addr).Log("relay: accepting connections")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			a.Logger.Notice().Err(err).Log("relay: accept failed")
			continue
		}
		a.wg.Add(1)
		go a.handle(ctx, conn)
	}

	return a.drain(ctx)
}

func (a *Acceptor) handle(ctx context.Context, conn net.Conn) {
	defer a.wg.Done()
	a.trackConn(conn, true)
	defer a.trackConn(conn, false)

	p := participant.New(conn, a.Hub, a.Registry, a.Logger)
	p.Run(ctx)
}

func (a *Acceptor) trackConn(conn net.Conn, add bool) {
	a.connsMu.Lock()
	defer a.connsMu.Unlock()
	if add {
		if a.conns == nil {
			a.conns = make(map[net.Conn]struct{})
		}
		a.conns[conn] = struct{}{}
		return
	}
	delete(a.conns, conn)
}

// drain waits for in-flight participants to finish, up to ShutdownTimeout,
// then force-closes whatever sockets remain — matching "allow inflight
// frames to drain for a bounded interval" before the hard stop.
func (a *Acceptor) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	timeout := a.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		a.Logger.Warning().Log("relay: shutdown drain window elapsed, force-closing remaining connections")
		a.connsMu.Lock()
		for conn := range a.conns {
			conn.Close()
		}
		a.connsMu.Unlock()
		return nil
	}
}
