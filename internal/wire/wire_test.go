package wire

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipePacketConns(t *testing.T) (*PacketConn, *PacketConn) {
	t.Helper()
	clientRaw, serverRaw := net.Pipe()

	type dialResult struct {
		pc  *PacketConn
		err error
	}
	ch := make(chan dialResult, 1)
	go func() {
		pc, err := Dial(clientRaw)
		ch <- dialResult{pc, err}
	}()

	server, err := Accept(serverRaw)
	require.NoError(t, err)

	res := <-ch
	require.NoError(t, res.err)
	return res.pc, server
}

func TestHandshake_VersionMismatch(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	go func() {
		// Write a handshake carrying a future major version.
		hdr := make([]byte, 8)
		copy(hdr[:4], Magic[:])
		hdr[4] = 200
		clientRaw.Write(hdr)
	}()

	_, err := Accept(serverRaw)
	assert.ErrorIs(t, err, ErrProtocolVersion)
}

func TestHandshake_BadMagic(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	go func() {
		clientRaw.Write([]byte("nope0000"))
	}()

	_, err := Accept(serverRaw)
	assert.ErrorIs(t, err, ErrProtocolVersion)
}

func TestPacketConn_SendRecv_SmallAndLarge(t *testing.T) {
	client, server := pipePacketConns(t)
	defer client.Nuke()
	defer server.Nuke()

	small := []byte("hello")
	large := make([]byte, 5000)
	for i := range large {
		large[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() { done <- client.Send(small) }()
	got, err := server.Recv()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, small, got)

	go func() { done <- client.Send(large) }()
	got, err = server.Recv()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, large, got)
}

func TestPacketConn_EmptyFrame(t *testing.T) {
	client, server := pipePacketConns(t)
	defer client.Nuke()
	defer server.Nuke()

	done := make(chan error, 1)
	go func() { done <- client.Send(nil) }()
	got, err := server.Recv()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Empty(t, got)
}

func TestPacketConn_KeepaliveTransparent(t *testing.T) {
	client, server := pipePacketConns(t)
	defer client.Nuke()
	defer server.Nuke()

	done := make(chan error, 1)
	go func() {
		if err := writeKeepAlive(client.conn); err != nil {
			done <- err
			return
		}
		done <- client.Send([]byte("after-keepalive"))
	}()

	got, err := server.Recv()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, []byte("after-keepalive"), got)
}

func TestPacketConn_SetKeepalive_RecvAbsorbsMarkers(t *testing.T) {
	client, server := pipePacketConns(t)
	defer client.Nuke()
	defer server.Nuke()

	client.SetKeepalive(true, 50*time.Millisecond)
	defer client.SetKeepalive(false, 0)

	errCh := make(chan error, 1)
	go func() {
		_, err := server.Recv()
		errCh <- err
	}()

	select {
	case err := <-errCh:
		require.NoError(t, err)
		t.Fatal("expected Recv to block absorbing keep-alives, got a frame")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestPacketConn_SendShutdown(t *testing.T) {
	client, server := pipePacketConns(t)
	defer server.Nuke()

	done := make(chan error, 1)
	go func() { done <- client.SendShutdown() }()

	_, err := server.Recv()
	assert.Error(t, err)
	require.NoError(t, <-done)
}

func TestEncoderDecoder_ScalarRoundTrip(t *testing.T) {
	e := NewEncoder()
	e.Uint8(7)
	e.Uint16(1234)
	e.Uint64(9876543210)
	e.Float64(3.25)
	e.Bool(true)
	e.String("subkey-name")

	d := NewDecoder(e.Data())
	assert.Equal(t, uint8(7), d.Uint8())
	assert.Equal(t, uint16(1234), d.Uint16())
	assert.Equal(t, uint64(9876543210), d.Uint64())
	assert.Equal(t, 3.25, d.Float64())
	assert.True(t, d.Bool())
	assert.Equal(t, "subkey-name", d.String())
	assert.NoError(t, d.Err())
}

func TestEncoderDecoder_LargeBytesField(t *testing.T) {
	big := make([]byte, 1000)
	for i := range big {
		big[i] = byte(i % 251)
	}
	e := NewEncoder()
	e.Bytes(big)

	d := NewDecoder(e.Data())
	assert.Equal(t, big, d.Bytes())
	assert.NoError(t, d.Err())
}

func TestDecoder_ShortBuffer(t *testing.T) {
	d := NewDecoder([]byte{1, 2})
	d.Uint64()
	assert.Error(t, d.Err())
}

func TestKey_MakeAndSplit(t *testing.T) {
	k := MakeKey("ccerb", []byte("gcc-13|x86_64"))
	mod, subkey, ok := k.Split()
	require.True(t, ok)
	assert.Equal(t, "ccerb", mod)
	assert.Equal(t, "gcc-13|x86_64", string(subkey))
}

func TestWorkerAdvert_RoundTrip(t *testing.T) {
	want := WorkerAdvert{
		Hostname: "build-01",
		Keys:     []Key{MakeKey("ccerb", []byte("gcc-13")), MakeKey("sleep", nil)},
		Addrs: []Address{
			{Host: "10.0.0.5", Port: 9100},
			{Host: "fe80::1", Port: 9100},
		},
		MaxSlots: 8,
	}
	got, err := DecodeWorkerAdvert(want.Encode())
	require.NoError(t, err)
	assert.Equal(t, want.Hostname, got.Hostname)
	require.Len(t, got.Keys, 2)
	assert.Equal(t, want.Keys[0].String(), got.Keys[0].String())
	assert.Equal(t, want.Addrs, got.Addrs)
	assert.Equal(t, want.MaxSlots, got.MaxSlots)
}

func TestWorkerAssignment_RoundTrip(t *testing.T) {
	want := WorkerAssignment{
		Hostname: "build-02",
		Addrs:    []Address{{Host: "192.168.1.9", Port: 9101}},
	}
	got, err := DecodeWorkerAssignment(want.Encode())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestJobWorkersInfo_RoundTrip(t *testing.T) {
	want := JobWorkersInfo{LocalSlots: 4, RemoteSlots: 17}
	got, err := DecodeJobWorkersInfo(want.Encode())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestConnectAny_PicksReachableAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	goodAddr := ln.Addr().(*net.TCPAddr)
	addrs := []Address{
		{Host: "127.0.0.1", Port: 1}, // reserved, should fail fast
		{Host: "127.0.0.1", Port: uint16(goodAddr.Port)},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := ConnectAny(ctx, addrs, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(time.Second):
		t.Fatal("listener never saw a connection")
	}
}

func TestConnectAny_AllFail(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := ConnectAny(ctx, []Address{{Host: "127.0.0.1", Port: 1}}, 200*time.Millisecond)
	assert.Error(t, err)
}
