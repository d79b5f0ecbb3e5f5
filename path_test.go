package quic

import (
	"net"
	"testing"
)

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatalf("resolve %s: %v", s, err)
	}
	return addr
}

func TestPathInternerAssignsStableIDs(t *testing.T) {
	p := newPathInterner()
	local := udpAddr(t, "127.0.0.1:4433")
	peerA := udpAddr(t, "127.0.0.1:1111")
	peerB := udpAddr(t, "127.0.0.1:2222")

	id1 := p.intern(local, peerA)
	id2 := p.intern(local, peerB)
	id1Again := p.intern(local, peerA)

	if id1 == id2 {
		t.Fatalf("distinct peers got the same path id %d", id1)
	}
	if id1 != id1Again {
		t.Fatalf("same 4-tuple got different ids: %d vs %d", id1, id1Again)
	}
}

func TestAddrHistoryFirstObserveIsNotARebind(t *testing.T) {
	var h addrHistory
	if rebind := h.observe(udpAddr(t, "127.0.0.1:1111")); rebind {
		t.Fatal("first observed address reported as a rebind")
	}
}

func TestAddrHistoryDetectsRebind(t *testing.T) {
	var h addrHistory
	h.observe(udpAddr(t, "127.0.0.1:1111"))
	if rebind := h.observe(udpAddr(t, "127.0.0.1:2222")); !rebind {
		t.Fatal("address change not detected as a rebind")
	}
	if got, want := h.current().String(), "127.0.0.1:2222"; got != want {
		t.Fatalf("current() = %s, want %s", got, want)
	}
}

func TestAddrHistorySameAddressTwiceIsNotARebind(t *testing.T) {
	var h addrHistory
	addr := udpAddr(t, "127.0.0.1:1111")
	h.observe(addr)
	if rebind := h.observe(udpAddr(t, "127.0.0.1:1111")); rebind {
		t.Fatal("re-observing the same address reported as a rebind")
	}
}

func TestAddrHistoryEvictsOldest(t *testing.T) {
	var h addrHistory
	first := udpAddr(t, "127.0.0.1:1000")
	h.observe(first)
	for i := 1; i <= maxPathHistory; i++ {
		h.observe(udpAddr(t, "127.0.0.1:"+portFor(i)))
	}
	// first has now been pushed out of the bounded history, so observing it
	// again should look like a fresh address, not a re-visit.
	if rebind := h.observe(first); !rebind {
		t.Fatal("evicted address treated as already known")
	}
}

func portFor(i int) string {
	return string(rune('1'+i%9)) + "000"
}
