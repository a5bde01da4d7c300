package udp

import (
	"errors"
	"net"
	"testing"
	"time"
)

type fakeConn struct {
	writes    [][]byte
	writeErr  error
	closed    bool
	closeErr  error
	writeHits int
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.writeHits++
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	cp := append([]byte(nil), p...)
	c.writes = append(c.writes, cp)
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return c.closeErr
}

func TestNewBroadcaster_DialsResolvedAddr(t *testing.T) {
	var gotNetwork string
	var gotRaddr *net.UDPAddr
	fc := &fakeConn{}

	resolve := func(network, address string) (*net.UDPAddr, error) {
		return net.ResolveUDPAddr(network, address)
	}

	dial := func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		gotNetwork = network
		gotRaddr = raddr
		return fc, nil
	}

	b, err := newBroadcaster("127.0.0.1:4000", resolve, dial)
	if err != nil {
		t.Fatalf("newBroadcaster() error: %v", err)
	}
	defer b.Close()

	if gotNetwork != "udp" {
		t.Fatalf("network=%q want %q", gotNetwork, "udp")
	}
	if gotRaddr == nil || gotRaddr.Port != 4000 || !gotRaddr.IP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("raddr=%v want 127.0.0.1:4000", gotRaddr)
	}
	if b.Dest() != "127.0.0.1:4000" {
		t.Fatalf("Dest()=%q", b.Dest())
	}
}

func TestNewBroadcaster_ResolveError(t *testing.T) {
	resolve := func(network, address string) (*net.UDPAddr, error) {
		return nil, errors.New("nope")
	}
	dial := func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		t.Fatalf("dial should not be called")
		return nil, nil
	}
	if _, err := newBroadcaster("bad", resolve, dial); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewBroadcaster_DialError(t *testing.T) {
	resolve := func(network, address string) (*net.UDPAddr, error) {
		return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}, nil
	}
	dial := func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return nil, errors.New("refused")
	}
	if _, err := newBroadcaster("127.0.0.1:1", resolve, dial); err == nil {
		t.Fatalf("expected error")
	}
}

func TestBroadcaster_SendPrefixesPort(t *testing.T) {
	fc := &fakeConn{}
	b := &Broadcaster{conn: fc}

	if err := b.Send(194, []byte{0x81, 0xCA}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if len(fc.writes) != 1 {
		t.Fatalf("writes=%d want 1", len(fc.writes))
	}
	got := fc.writes[0]
	if len(got) != 3 || got[0] != 194 || got[1] != 0x81 || got[2] != 0xCA {
		t.Fatalf("datagram=%x", got)
	}
}

func TestBroadcaster_SendEmptyIsNoop(t *testing.T) {
	fc := &fakeConn{}
	b := &Broadcaster{conn: fc}
	if err := b.Send(1, nil); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if fc.writeHits != 0 {
		t.Fatalf("writeHits=%d want 0", fc.writeHits)
	}
}

func TestBroadcaster_SendError(t *testing.T) {
	fc := &fakeConn{writeErr: errors.New("boom")}
	b := &Broadcaster{conn: fc}
	if err := b.Send(1, []byte{1}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestBroadcaster_Close(t *testing.T) {
	fc := &fakeConn{}
	b := &Broadcaster{conn: fc}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !fc.closed {
		t.Fatalf("expected conn closed")
	}
	if err := (&Broadcaster{}).Close(); err != nil {
		t.Fatalf("nil conn Close() error: %v", err)
	}
}

func TestBroadcaster_LoopbackDelivers(t *testing.T) {
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Skipf("udp listen unavailable: %v", err)
	}
	defer ln.Close()

	b, err := NewBroadcaster(ln.LocalAddr().String())
	if err != nil {
		t.Fatalf("NewBroadcaster() error: %v", err)
	}
	defer b.Close()

	if err := b.Send(7, []byte{9}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	_ = ln.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, _, err := ln.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 2 || buf[0] != 7 || buf[1] != 9 {
		t.Fatalf("got %x", buf[:n])
	}
}
