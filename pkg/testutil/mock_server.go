package testutil

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lightforgemedia/go-dmtp/pkg/dmtp"
	"github.com/lightforgemedia/go-dmtp/pkg/transport"
)

// MockPeer is a raw TCP server that answers every Hello with a scripted
// ack, for exercising the dialing side without a real service.
type MockPeer struct {
	T    *testing.T
	Addr string

	mu     sync.Mutex
	hellos []dmtp.Hello
	ln     net.Listener
	wg     sync.WaitGroup
	reply  func(dmtp.Hello) dmtp.HelloAck
}

// NewMockPeer starts a peer. reply builds the ack for each Hello.
func NewMockPeer(t *testing.T, reply func(dmtp.Hello) dmtp.HelloAck) *MockPeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("MockPeer: listen: %v", err)
	}
	mp := &MockPeer{T: t, Addr: ln.Addr().String(), ln: ln, reply: reply}
	mp.wg.Add(1)
	go mp.serve()
	t.Cleanup(mp.Close)
	return mp
}

func (mp *MockPeer) serve() {
	defer mp.wg.Done()
	for {
		conn, err := mp.ln.Accept()
		if err != nil {
			return
		}
		mp.wg.Add(1)
		go func() {
			defer mp.wg.Done()
			mp.handle(transport.AdoptTCP(conn, transport.Options{}))
		}()
	}
}

func (mp *MockPeer) handle(tr *transport.TCPClient) {
	defer tr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frame, err := tr.ReadFrame(ctx)
	if err != nil {
		return
	}
	hello, err := dmtp.DecodeHello(frame)
	if err != nil {
		mp.T.Logf("MockPeer: bad hello: %v", err)
		return
	}
	mp.mu.Lock()
	mp.hellos = append(mp.hellos, hello)
	mp.mu.Unlock()

	ack := mp.reply(hello)
	if ack.TimestampMS == 0 {
		ack.TimestampMS = time.Now().UnixMilli()
	}
	out, err := dmtp.EncodeHelloAck(ack)
	if err != nil {
		mp.T.Logf("MockPeer: encode ack: %v", err)
		return
	}
	if err := tr.WriteFrame(ctx, out); err != nil {
		return
	}
	// Hold the connection until the peer goes away.
	for {
		if _, err := tr.ReadFrame(ctx); err != nil {
			return
		}
	}
}

// Hellos returns every Hello received so far.
func (mp *MockPeer) Hellos() []dmtp.Hello {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return append([]dmtp.Hello(nil), mp.hellos...)
}

// Close stops accepting and waits for open connections to end.
func (mp *MockPeer) Close() {
	_ = mp.ln.Close()
	mp.wg.Wait()
}
