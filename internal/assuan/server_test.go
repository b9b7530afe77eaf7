package assuan_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"pinentrybox/internal/assuan"
)

// countingSessions numbers each connection's commands separately.
type countingSessions struct {
	mu     sync.Mutex
	opened int
	closed chan int
}

func (f *countingSessions) ServeAssuan(context.Context, assuan.Command, *assuan.ResponseWriter) error {
	panic("commands must reach the session")
}

func (f *countingSessions) NewSession(context.Context) assuan.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	return &countingSession{id: f.opened, closed: f.closed}
}

type countingSession struct {
	id     int
	seen   int
	closed chan int
}

func (s *countingSession) ServeAssuan(_ context.Context, _ assuan.Command, w *assuan.ResponseWriter) error {
	s.seen++
	return w.Data([]byte(strconv.Itoa(s.id) + "/" + strconv.Itoa(s.seen)))
}

func (s *countingSession) Close() error {
	s.closed <- s.id
	return nil
}

func TestServerKeepsSessionPerConnection(t *testing.T) {
	factory := &countingSessions{closed: make(chan int, 4)}
	path := shortSocketPath(t)
	srv, err := assuan.Listen(context.Background(), path, factory, assuan.ServerOptions{})
	if err != nil {
		t.Skipf("skipping socket test: %v", err)
	}
	srv.Serve()
	t.Cleanup(srv.Close)

	first := dial(t, path)
	second := dial(t, path)
	var got []string
	for _, client := range []*assuan.Client{first, first, second, first} {
		tr, err := client.Transact("COUNT")
		if err != nil {
			t.Fatalf("COUNT: %v", err)
		}
		got = append(got, string(tr.Data))
	}
	// Dial order decides the ids, so only the per-connection counters are checked.
	if got[0][2:] != "1" || got[1][2:] != "2" || got[2][2:] != "1" || got[3][2:] != "3" {
		t.Fatalf("unexpected session counters %v", got)
	}
	if got[0][:1] == got[2][:1] {
		t.Fatalf("connections shared a session: %v", got)
	}

	second.Close()
	select {
	case id := <-factory.closed:
		if id != int(got[2][0]-'0') {
			t.Fatalf("closed session %d, want the second connection's", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session not closed after disconnect")
	}
}
