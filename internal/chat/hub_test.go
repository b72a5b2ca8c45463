package chat

import (
	"strconv"
	"sync"
	"testing"

	"github.com/coder/websocket"
)

func TestHubRegisterUnregister(t *testing.T) {
	h := NewHub()
	conn1 := &websocket.Conn{}
	conn2 := &websocket.Conn{}

	h.Register("p:tab-1", conn1)
	h.Register("p:tab-1", conn2)
	h.Register("p:tab-2", &websocket.Conn{})

	if got := h.Views("p:tab-1"); got != 2 {
		t.Fatalf("Views = %d, want 2", got)
	}

	h.Unregister("p:tab-1", conn1)
	if got := h.Views("p:tab-1"); got != 1 {
		t.Fatalf("Views = %d, want 1", got)
	}
	h.Unregister("p:tab-1", conn2)
	if got := h.Views("p:tab-1"); got != 0 {
		t.Fatalf("Views = %d, want 0", got)
	}
	if got := h.Views("p:tab-2"); got != 1 {
		t.Fatalf("other session Views = %d, want 1", got)
	}
}

func TestHubBroadcastSkipsOnlyView(t *testing.T) {
	h := NewHub()
	conn := &websocket.Conn{}
	h.Register("k", conn)

	// The only view is skipped, so nothing is written to the zero conn.
	h.Broadcast("k", conn, serverFrame{Type: frameNotice, Content: "x"})
	h.Broadcast("missing", nil, serverFrame{Type: frameNotice})
}

func TestHubConcurrentAccess(t *testing.T) {
	h := NewHub()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 1000 {
			h.Register("tab-"+strconv.Itoa(i), &websocket.Conn{})
		}
	}()
	go func() {
		defer wg.Done()
		for i := range 1000 {
			h.Views("tab-" + strconv.Itoa(i))
		}
	}()
	wg.Wait()
}
