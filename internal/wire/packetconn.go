package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// MajorVersion is prefixed, along with Magic, to the very first bytes a
// dialer writes on a connection. A PacketConn rejects the connection if
// the peer's version doesn't match.
const MajorVersion uint32 = 3

// Magic identifies the fabric's wire protocol so a stray TCP client can't
// be mistaken for a peer.
var Magic = [4]byte{'c', 'c', 'd', 'x'}

// ErrProtocolVersion marks a handshake whose magic or major version
// doesn't match ours: abortive close, no retry. Version bumps are meant
// to invalidate old peers.
var ErrProtocolVersion = errors.New("wire: protocol version mismatch")

// defaultKeepaliveRatio: the keep-alive goroutine wakes at timeout/2.5,
// well inside any reasonable peer read deadline.
const defaultKeepaliveRatio = 2.5

// PacketConn wraps a net.Conn with the fabric's length-prefixed framing,
// a background keep-alive sender, and orderly/abortive shutdown. Send and
// recv take separate locks so a blocked reader never stalls a keep-alive
// write, and vice versa; the half-close SendShutdown is distinct from a
// hard Nuke.
type PacketConn struct {
	conn net.Conn

	sendMu sync.Mutex
	recvMu sync.Mutex

	keepaliveMu      sync.Mutex
	keepaliveEnabled bool
	keepaliveTimeout time.Duration
	keepaliveStop    chan struct{}
	keepaliveDone    chan struct{}

	closeOnce sync.Once
}

// Dial opens conn's raw handshake as the active side: writes Magic and
// MajorVersion before any framed payload, then returns a ready PacketConn.
func Dial(conn net.Conn) (*PacketConn, error) {
	var hdr [8]byte
	copy(hdr[:4], Magic[:])
	binary.LittleEndian.PutUint32(hdr[4:], MajorVersion)
	if _, err := conn.Write(hdr[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("wire: write handshake: %w", err)
	}
	return newPacketConn(conn), nil
}

// Accept reads and validates the peer's handshake as the passive side. On
// a magic or version mismatch the connection is nuked and an error
// returned; the caller should not use conn again either way.
func Accept(conn net.Conn) (*PacketConn, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("wire: read handshake: %w", err)
	}
	if [4]byte{hdr[0], hdr[1], hdr[2], hdr[3]} != Magic {
		conn.Close()
		return nil, fmt.Errorf("wire: bad magic from %s: %w", conn.RemoteAddr(), ErrProtocolVersion)
	}
	if v := binary.LittleEndian.Uint32(hdr[4:]); v != MajorVersion {
		conn.Close()
		return nil, fmt.Errorf("wire: peer %s speaks version %d, local is %d: %w", conn.RemoteAddr(), v, MajorVersion, ErrProtocolVersion)
	}
	return newPacketConn(conn), nil
}

func newPacketConn(conn net.Conn) *PacketConn {
	return &PacketConn{conn: conn}
}

// RemoteAddr exposes the underlying connection's peer address.
func (p *PacketConn) RemoteAddr() net.Addr { return p.conn.RemoteAddr() }

// Send writes one framed payload. Safe for concurrent use with Recv and
// with other Sends: sendMu keeps each frame whole on the wire. Any error
// nukes the connection so a caller can never keep using a half-dead
// pconn.
func (p *PacketConn) Send(payload []byte) error {
	p.sendMu.Lock()
	err := writeFrame(p.conn, payload)
	p.sendMu.Unlock()
	if err != nil {
		p.Nuke()
	}
	return err
}

// Recv reads the next framed payload, transparently absorbing any
// keep-alive markers from the peer. Any error, timeout and orderly EOF
// included, nukes the connection.
func (p *PacketConn) Recv() ([]byte, error) {
	p.recvMu.Lock()
	b, err := readFrame(p.conn)
	p.recvMu.Unlock()
	if err != nil {
		p.Nuke()
	}
	return b, err
}

func (p *PacketConn) SendBool(v bool) error {
	if v {
		return p.Send([]byte{1})
	}
	return p.Send([]byte{0})
}

func (p *PacketConn) RecvBool() (bool, error) {
	b, err := p.Recv()
	if err != nil {
		return false, err
	}
	if len(b) != 1 {
		return false, fmt.Errorf("wire: expected 1-byte bool frame, got %d bytes", len(b))
	}
	return b[0] != 0, nil
}

func (p *PacketConn) SendFloat64(v float64) error {
	e := NewEncoder()
	e.Float64(v)
	return p.Send(e.Data())
}

func (p *PacketConn) RecvFloat64() (float64, error) {
	b, err := p.Recv()
	if err != nil {
		return 0, err
	}
	d := NewDecoder(b)
	v := d.Float64()
	if err := d.Err(); err != nil {
		return 0, fmt.Errorf("wire: decode float64: %w", err)
	}
	return v, nil
}

func (p *PacketConn) SendString(s string) error {
	e := NewEncoder()
	e.String(s)
	return p.Send(e.Data())
}

func (p *PacketConn) RecvString() (string, error) {
	b, err := p.Recv()
	if err != nil {
		return "", err
	}
	d := NewDecoder(b)
	s := d.String()
	if err := d.Err(); err != nil {
		return "", fmt.Errorf("wire: decode string: %w", err)
	}
	return s, nil
}

// SetKeepalive starts or stops the background keep-alive sender. timeout
// is the peer's read deadline; the sender wakes at timeout/2.5. Calling
// it again replaces any previous keep-alive goroutine.
func (p *PacketConn) SetKeepalive(enabled bool, timeout time.Duration) {
	p.keepaliveMu.Lock()
	defer p.keepaliveMu.Unlock()

	if p.keepaliveStop != nil {
		close(p.keepaliveStop)
		<-p.keepaliveDone
		p.keepaliveStop = nil
		p.keepaliveDone = nil
	}

	p.keepaliveEnabled = enabled
	p.keepaliveTimeout = timeout
	if !enabled || timeout <= 0 {
		return
	}

	p.keepaliveStop = make(chan struct{})
	p.keepaliveDone = make(chan struct{})
	go p.runKeepalive(timeout, p.keepaliveStop, p.keepaliveDone)
}

func (p *PacketConn) runKeepalive(timeout time.Duration, stop, done chan struct{}) {
	defer close(done)
	interval := time.Duration(float64(timeout) / defaultKeepaliveRatio)
	if interval <= 0 {
		interval = timeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.sendMu.Lock()
			err := writeKeepAlive(p.conn)
			p.sendMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// SendShutdown disables keep-alives, half-closes the write side (so the
// peer observes EOF), then blocks draining reads until the peer closes
// its own write side, guaranteeing the peer has consumed every frame
// sent before the call.
func (p *PacketConn) SendShutdown() error {
	p.SetKeepalive(false, 0)

	if cw, ok := p.conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return fmt.Errorf("wire: close-write: %w", err)
		}
	} else {
		return p.Nuke()
	}

	p.recvMu.Lock()
	defer p.recvMu.Unlock()
	buf := make([]byte, 4096)
	for {
		if _, err := p.conn.Read(buf); err != nil {
			p.closeOnce.Do(func() { p.conn.Close() })
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// Nuke aborts the connection immediately without attempting a clean
// shutdown. The socket is closed before the keep-alive sender is
// reaped, so a keep-alive write in flight errors out instead of
// blocking the teardown.
func (p *PacketConn) Nuke() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.conn.Close()
	})
	p.SetKeepalive(false, 0)
	return err
}
