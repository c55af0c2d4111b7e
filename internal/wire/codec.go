// Package wire implements the dispatch fabric's on-the-wire protocol: the
// length-prefixed PacketConn framing layer, the nested packet codecs built
// on top of it (Address, WorkerAdvert, WorkerAssignment, JobWorkersInfo),
// and the concurrent connect-any dialer.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// extendedLenMarker is the nested-bytes length-prefix threshold used inside
// framed packets: lengths below it are encoded inline in one
// byte; 0xFF means an 8-byte little-endian length follows. This is
// distinct from the frame-layer threshold in frame.go, which reserves 0xFF
// for the keep-alive marker and uses 0xFE for its own extended length.
const extendedLenMarker = 0xFF

// Encoder builds a packet payload field by field, using the nested
// length-prefixed encoding for bytes-strings.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{}
}

func (e *Encoder) Uint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) Uint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) Uint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) Float64(v float64) {
	e.Uint64(math.Float64bits(v))
}

func (e *Encoder) Bool(v bool) {
	if v {
		e.Uint8(1)
	} else {
		e.Uint8(0)
	}
}

// Bytes appends a length-prefixed byte string: a one-byte length if it
// fits, otherwise a marker byte followed by an 8-byte length.
func (e *Encoder) Bytes(b []byte) {
	if len(b) < extendedLenMarker {
		e.Uint8(uint8(len(b)))
	} else {
		e.Uint8(extendedLenMarker)
		e.Uint64(uint64(len(b)))
	}
	e.buf = append(e.buf, b...)
}

func (e *Encoder) String(s string) {
	e.Bytes([]byte(s))
}

func (e *Encoder) Data() []byte {
	return e.buf
}

// Decoder reads fields back off a packet payload in the same order an
// Encoder wrote them, accumulating the first error encountered so callers
// can check it once at the end instead of after every field.
type Decoder struct {
	buf []byte
	err error
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf) < n {
		d.err = fmt.Errorf("wire: short packet: need %d bytes, have %d", n, len(d.buf))
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *Decoder) Uint8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Uint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *Decoder) Uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *Decoder) Float64() float64 {
	return math.Float64frombits(d.Uint64())
}

func (d *Decoder) Bool() bool {
	return d.Uint8() != 0
}

func (d *Decoder) Bytes() []byte {
	n := uint64(d.Uint8())
	if n == extendedLenMarker {
		n = d.Uint64()
	}
	if n == 0 {
		return nil
	}
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (d *Decoder) String() string {
	return string(d.Bytes())
}

func (d *Decoder) Err() error {
	return d.err
}

// --- structured packets ---

// Address is a (host, port) pair as advertised by a worker. A worker may
// advertise several, one per interface/family.
type Address struct {
	Host string
	Port uint16
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

func (a Address) encodeInto(e *Encoder) {
	e.String(a.Host)
	e.Uint16(a.Port)
}

func decodeAddress(d *Decoder) Address {
	host := d.String()
	port := d.Uint16()
	return Address{Host: host, Port: port}
}

// Key identifies a compatible (module, capability) pair: "<module>|<subkey>".
// Produced by a module; the fabric only ever splits it on the first '|'.
type Key []byte

func MakeKey(modName string, subkey []byte) Key {
	k := make([]byte, 0, len(modName)+1+len(subkey))
	k = append(k, modName...)
	k = append(k, '|')
	k = append(k, subkey...)
	return Key(k)
}

// Split divides a Key into its module name and subkey. The fabric calls
// this only when routing to a module; it never inspects the subkey.
func (k Key) Split() (modName string, subkey []byte, ok bool) {
	for i, b := range k {
		if b == '|' {
			return string(k[:i]), k[i+1:], true
		}
	}
	return "", nil, false
}

func (k Key) String() string {
	return string(k)
}

// WorkerAdvert is sent by a worker right after the "worker" role tag:
// hostname, the set of keys it can service, every address it can be
// reached at, and its slot ceiling. The server needs MaxSlots to answer
// job_workers queries, so it rides along in the advert.
type WorkerAdvert struct {
	Hostname string
	Keys     []Key
	Addrs    []Address
	MaxSlots uint64
}

func (w WorkerAdvert) Encode() []byte {
	e := NewEncoder()
	e.String(w.Hostname)

	e.Uint64(uint64(len(w.Keys)))
	for _, k := range w.Keys {
		e.Bytes(k)
	}

	e.Uint64(uint64(len(w.Addrs)))
	for _, a := range w.Addrs {
		a.encodeInto(e)
	}

	e.Uint64(w.MaxSlots)
	return e.Data()
}

func DecodeWorkerAdvert(b []byte) (WorkerAdvert, error) {
	d := NewDecoder(b)
	var w WorkerAdvert
	w.Hostname = d.String()

	numKeys := d.Uint64()
	w.Keys = make([]Key, 0, numKeys)
	for i := uint64(0); i < numKeys; i++ {
		w.Keys = append(w.Keys, Key(d.Bytes()))
	}

	numAddrs := d.Uint64()
	w.Addrs = make([]Address, 0, numAddrs)
	for i := uint64(0); i < numAddrs; i++ {
		w.Addrs = append(w.Addrs, decodeAddress(d))
	}

	w.MaxSlots = d.Uint64()

	if err := d.Err(); err != nil {
		return WorkerAdvert{}, fmt.Errorf("wire: decode WorkerAdvert: %w", err)
	}
	return w, nil
}

// WorkerAssignment is sent from the server to a job on each
// request_worker, naming the worker the job should connect to.
type WorkerAssignment struct {
	Hostname string
	Addrs    []Address
}

func (w WorkerAssignment) Encode() []byte {
	e := NewEncoder()
	e.String(w.Hostname)
	e.Uint64(uint64(len(w.Addrs)))
	for _, a := range w.Addrs {
		a.encodeInto(e)
	}
	return e.Data()
}

func DecodeWorkerAssignment(b []byte) (WorkerAssignment, error) {
	d := NewDecoder(b)
	var w WorkerAssignment
	w.Hostname = d.String()

	numAddrs := d.Uint64()
	w.Addrs = make([]Address, 0, numAddrs)
	for i := uint64(0); i < numAddrs; i++ {
		w.Addrs = append(w.Addrs, decodeAddress(d))
	}

	if err := d.Err(); err != nil {
		return WorkerAssignment{}, fmt.Errorf("wire: decode WorkerAssignment: %w", err)
	}
	return w, nil
}

// JobWorkersInfo answers a job_workers query: how much capacity is local
// to the job's hostname versus remote.
type JobWorkersInfo struct {
	LocalSlots  uint64
	RemoteSlots uint64
}

func (j JobWorkersInfo) Encode() []byte {
	e := NewEncoder()
	e.Uint64(j.LocalSlots)
	e.Uint64(j.RemoteSlots)
	return e.Data()
}

func DecodeJobWorkersInfo(b []byte) (JobWorkersInfo, error) {
	d := NewDecoder(b)
	info := JobWorkersInfo{
		LocalSlots:  d.Uint64(),
		RemoteSlots: d.Uint64(),
	}
	if err := d.Err(); err != nil {
		return JobWorkersInfo{}, fmt.Errorf("wire: decode JobWorkersInfo: %w", err)
	}
	return info, nil
}
