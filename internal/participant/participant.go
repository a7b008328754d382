// Package participant implements the per-connection state machine that
// drives one conga member: HELLO/MSG/BYE dispatch, ring membership, and the
// deferred cleanup funnel that guarantees BYE runs exactly once.
package participant

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"

	"github.com/neilcollins/piconga/internal/conga"
	"github.com/neilcollins/piconga/internal/protocol"
	"github.com/neilcollins/piconga/internal/store"
)

// State is one of the three participant lifecycle states.
type State int32

const (
	Opening State = iota
	Up
	Closing
)

func (s State) String() string {
	switch s {
	case Opening:
		return "OPENING"
	case Up:
		return "UP"
	case Closing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Hub is the subset of conga.Hub a Participant needs: ring lookup by conga
// id. Declared here (rather than importing *conga.Hub directly) only to
// keep the dependency narrow and test-friendly.
type Hub interface {
	RingFor(congaID int64) *conga.Ring
}

// Participant is one accepted connection's worth of conga-relay state. It
// implements conga.Member so the ring can hold it directly.
type Participant struct {
	conn   net.Conn
	hub    Hub
	reg    store.Registry
	logger logiface.Logger[logiface.Event]

	br *bufio.Reader

	state atomic.Int32 // State

	memberID int64
	congaID  int64
	ring     *conga.Ring
	joined   bool // true only once this participant is actually in ring.members

	destination atomic.Pointer[Participant]

	writeMu    sync.Mutex
	cleanupErr sync.Once
}

// New constructs a Participant in state OPENING for a freshly accepted
// connection. Call Run to drive it to completion.
func New(conn net.Conn, hub Hub, reg store.Registry, logger logiface.Logger[logiface.Event]) *Participant {
	p := &Participant{
		conn:   conn,
		hub:    hub,
		reg:    reg,
		logger: logger,
		br:     bufio.NewReader(conn),
	}
	p.state.Store(int32(Opening))
	return p
}

// ID implements conga.Member.
func (p *Participant) ID() int64 { return p.memberID }

// SetNext implements conga.Member. The ring calls this under its own lock
// whenever this participant's destination changes; storing it behind an
// atomic.Pointer means a concurrent forward never blocks on a rewire and a
// rewire never blocks on an in-flight forward.
func (p *Participant) SetNext(next conga.Member) {
	n, _ := next.(*Participant)
	p.destination.Store(n)
}

// State returns the participant's current lifecycle state.
func (p *Participant) State() State { return State(p.state.Load()) }

// Run reads frames from the connection until it closes or a protocol
// violation occurs, dispatching each per the state table in §4.2. Cleanup
// (ring Leave, registry delete, socket close) always runs exactly once,
// regardless of which path exits Run.
func (p *Participant) Run(ctx context.Context) {
	defer p.cleanup(ctx)

	for {
		if ctx.Err() != nil {
			return
		}
		f, err := protocol.ReadFrame(p.br)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Info().Err(err).Log("participant: read failed")
			}
			return
		}
		if p.State() == Closing {
			continue
		}
		if err := p.dispatch(ctx, f); err != nil {
			if !errors.Is(err, errBye) {
				p.logger.Info().Err(err).Log("participant: dispatch failed")
			}
			return
		}
	}
}

func (p *Participant) dispatch(ctx context.Context, f *protocol.Frame) error {
	switch {
	case p.State() == Opening && f.Verb == protocol.Hello:
		return p.handleHello(ctx, f)
	case p.State() == Up && f.Verb == protocol.Msg:
		return p.handleMsg(ctx, f)
	case p.State() == Up && f.Verb == protocol.Bye:
		p.state.Store(int32(Closing))
		return errBye
	default:
		return fmt.Errorf("%w: verb %s illegal in state %s", ErrProtocolViolation, f.Verb, p.State())
	}
}

// errBye is a sentinel used internally to unwind Run's loop on an explicit
// BYE without logging it as a failure.
var errBye = errors.New("participant: bye")

// ErrProtocolViolation marks a dispatch failure caused by an out-of-state
// verb, a malformed HELLO, or a HELLO whose member the registry lookup does
// not resolve (a registry backend error included), as distinct from an I/O
// error on the participant's own stream.
var ErrProtocolViolation = errors.New("participant: protocol violation")

func (p *Participant) handleHello(ctx context.Context, f *protocol.Frame) error {
	rawID, ok := f.UserID()
	if !ok || rawID == "" {
		return fmt.Errorf("%w: missing User-ID", ErrProtocolViolation)
	}
	memberID, err := parseMemberID(rawID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	congaID, err := p.reg.LookupConga(ctx, memberID)
	if err != nil {
		return fmt.Errorf("%w: registry lookup for member %d: %v", ErrProtocolViolation, memberID, err)
	}

	p.memberID = memberID
	p.congaID = congaID
	p.ring = p.hub.RingFor(congaID)

	if err := p.ring.Join(p); err != nil {
		return err
	}
	p.joined = true

	p.state.Store(int32(Up))
	p.logger.Debug().Int64("member_id", memberID).Int64("conga_id", congaID).Log("participant: joined")
	return nil
}

func (p *Participant) handleMsg(_ context.Context, f *protocol.Frame) error {
	dest := p.destination.Load()
	if dest == nil {
		return nil // §8 boundary behavior: silently dropped.
	}

	if _, ok := f.MessageID(); !ok {
		f.SetMessageID(p.ring.NewMessage(p.memberID))
	}

	if id, _ := f.MessageID(); p.ring.StopLoop(id, dest.ID()) {
		return nil
	}

	if err := dest.Deliver(f); err != nil {
		p.logger.Info().Err(err).Int64("dest_member_id", dest.ID()).Log("participant: forward failed, cleaning up self")
		p.state.Store(int32(Closing))
		return fmt.Errorf("forward to member %d: %w", dest.ID(), err)
	}
	return nil
}

// Deliver writes f to this participant's own stream. Other Participants
// call it when this one is their ring destination.
func (p *Participant) Deliver(f *protocol.Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := f.WriteTo(p.conn)
	return err
}

// parseMemberID validates and converts the HELLO User-ID header.
func parseMemberID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid User-ID %q", raw)
	}
	return id, nil
}

// cleanup runs BYE cleanup at most once: leaves the ring, deletes the
// registry row, and closes the stream. Called from a single deferred site
// in Run so every return path — clean BYE, protocol violation, I/O error —
// funnels through it exactly once.
func (p *Participant) cleanup(ctx context.Context) {
	p.cleanupErr.Do(func() {
		p.state.Store(int32(Closing))
		p.destination.Store(nil)

		if p.ring != nil && p.joined {
			if err := p.ring.Leave(p.memberID); err != nil {
				var le *conga.LeaveError
				if !errors.As(err, &le) {
					p.logger.Info().Err(err).Log("participant: ring leave failed")
				}
			}
		}
		if p.reg != nil && p.joined {
			if err := p.reg.DeleteMembership(ctx, p.memberID); err != nil {
				p.logger.Info().Err(err).Int64("member_id", p.memberID).Log("participant: registry delete failed")
			}
		}
		if err := p.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			p.logger.Info().Err(err).Log("participant: close failed")
		}
	})
}
