package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Frame-layer length prefix. Distinct from the nested bytes encoding in
// codec.go: here 0xFF is reserved for a zero-payload keep-alive marker,
// so the extended-length escape is pushed down to 0xFE.
const (
	longLenThreshold = 0xFE
	keepAliveMarker  = 0xFF
)

// writeFrame writes one length-prefixed frame to conn. payload may be
// empty (a zero-length frame is legal and distinct from a keep-alive).
func writeFrame(conn net.Conn, payload []byte) error {
	n := len(payload)
	switch {
	case n < longLenThreshold:
		if _, err := conn.Write([]byte{byte(n)}); err != nil {
			return err
		}
	default:
		var hdr [9]byte
		hdr[0] = longLenThreshold
		binary.LittleEndian.PutUint64(hdr[1:], uint64(n))
		if _, err := conn.Write(hdr[:]); err != nil {
			return err
		}
	}
	if n == 0 {
		return nil
	}
	_, err := conn.Write(payload)
	return err
}

// writeKeepAlive writes a bare keep-alive marker byte: no length field,
// no payload.
func writeKeepAlive(conn net.Conn) error {
	_, err := conn.Write([]byte{keepAliveMarker})
	return err
}

// readFrame reads one length-prefixed frame from conn, transparently
// discarding any keep-alive markers encountered first. Returns io.EOF (or
// a wrapped error) if the peer closed the connection cleanly before any
// frame byte arrived.
func readFrame(conn net.Conn) ([]byte, error) {
	for {
		var lb [1]byte
		if _, err := io.ReadFull(conn, lb[:]); err != nil {
			return nil, err
		}
		switch lb[0] {
		case keepAliveMarker:
			continue
		case longLenThreshold:
			var lenBuf [8]byte
			if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
				return nil, fmt.Errorf("wire: read extended length: %w", err)
			}
			n := binary.LittleEndian.Uint64(lenBuf[:])
			buf := make([]byte, n)
			if _, err := io.ReadFull(conn, buf); err != nil {
				return nil, fmt.Errorf("wire: read payload: %w", err)
			}
			return buf, nil
		default:
			buf := make([]byte, lb[0])
			if len(buf) == 0 {
				return buf, nil
			}
			if _, err := io.ReadFull(conn, buf); err != nil {
				return nil, fmt.Errorf("wire: read payload: %w", err)
			}
			return buf, nil
		}
	}
}
