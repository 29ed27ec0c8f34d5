package admin_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lattice-mesh/utmd/internal/admin"
	"github.com/lattice-mesh/utmd/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLink is a minimal transport.Link used only to populate a
// TransportUnicastInner's link set for router_data rendering tests; its
// Send/Recv/Close are never exercised.
type fakeLink struct {
	dst transport.Locator
}

func (f fakeLink) Src() transport.Locator               { return f.dst }
func (f fakeLink) Dst() transport.Locator               { return f.dst }
func (f fakeLink) Send(context.Context, []byte) error   { return nil }
func (f fakeLink) Recv(context.Context) ([]byte, error) { return nil, nil }
func (f fakeLink) Close() error                         { return nil }

type replyEntry struct {
	key      string
	payload  []byte
	encoding admin.Encoding
}

type fakeSink struct {
	mu      sync.Mutex
	entries []replyEntry
	dataCh  chan struct{}
	final   chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{dataCh: make(chan struct{}, 8), final: make(chan struct{}, 1)}
}

func (f *fakeSink) ReplyData(_ uint64, key string, payload []byte, encoding admin.Encoding) {
	f.mu.Lock()
	f.entries = append(f.entries, replyEntry{key: key, payload: payload, encoding: encoding})
	f.mu.Unlock()
	f.dataCh <- struct{}{}
}

func (f *fakeSink) ReplyFinal(_ uint64) {
	f.final <- struct{}{}
}

func (f *fakeSink) snapshot() []replyEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]replyEntry, len(f.entries))
	copy(out, f.entries)
	return out
}

func (f *fakeSink) waitForReplies(t *testing.T, n int) []replyEntry {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.dataCh:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for reply_data %d/%d", i+1, n)
		}
	}
	select {
	case <-f.final:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply_final")
	}
	return f.snapshot()
}

func TestQueryRootReturnsRouterDataWithSessions(t *testing.T) {
	mgr := transport.NewManager(testLogger(), transport.DefaultConfig())
	t.Cleanup(mgr.Close)

	peer := transport.NewPeerId([]byte("peer-1"))
	tr, err := mgr.InitTransport(transport.TransportConfig{Peer: peer, Role: transport.RolePeer})
	if err != nil {
		t.Fatalf("init transport: %v", err)
	}
	if err := tr.AddLink(fakeLink{dst: transport.Locator{Protocol: "tcp", Endpoint: "10.0.0.5:7447"}}); err != nil {
		t.Fatalf("add link: %v", err)
	}

	// A second transport with no resolved peer id exercises the
	// "unavailable" fallback.
	if _, err := mgr.InitTransport(transport.TransportConfig{Peer: transport.PeerId{}, Role: transport.RoleRouter}); err != nil {
		t.Fatalf("init transport (zero peer): %v", err)
	}

	space := admin.NewAdminSpace(mgr, "deadbeef", testLogger())
	sink := newFakeSink()
	space.SetSink(sink)

	qid := space.NextQid()
	space.Query(admin.ResKey{Name: space.RootPath()}, qid)

	entries := sink.waitForReplies(t, 1)
	if entries[0].encoding != admin.EncodingAppJSON {
		t.Fatalf("expected json encoding, got %v", entries[0].encoding)
	}

	var doc struct {
		PID      string   `json:"pid"`
		Locators []string `json:"locators"`
		Sessions []struct {
			Peer  string   `json:"peer"`
			Role  string   `json:"role"`
			Links []string `json:"links"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(entries[0].payload, &doc); err != nil {
		t.Fatalf("unmarshal router_data: %v", err)
	}
	if doc.PID != "deadbeef" {
		t.Fatalf("unexpected pid field: %v", doc.PID)
	}
	if len(doc.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d: %+v", len(doc.Sessions), doc.Sessions)
	}

	var sawPeer, sawUnavailable bool
	for _, s := range doc.Sessions {
		switch s.Peer {
		case peer.String():
			sawPeer = true
			if len(s.Links) != 1 || s.Links[0] != "tcp/10.0.0.5:7447" {
				t.Fatalf("unexpected links for peer session: %v", s.Links)
			}
			if s.Role != "peer" {
				t.Fatalf("unexpected role for peer session: %s", s.Role)
			}
		case "unavailable":
			sawUnavailable = true
			if len(s.Links) != 0 {
				t.Fatalf("expected no links for peerless session, got %v", s.Links)
			}
		}
	}
	if !sawPeer {
		t.Fatal("expected a session entry for the known peer")
	}
	if !sawUnavailable {
		t.Fatal(`expected a session entry with peer "unavailable" for the peerless transport`)
	}
}

func TestQueryUnknownPathYieldsNoReplyData(t *testing.T) {
	mgr := transport.NewManager(testLogger(), transport.DefaultConfig())
	t.Cleanup(mgr.Close)

	space := admin.NewAdminSpace(mgr, "deadbeef", testLogger())
	sink := newFakeSink()
	space.SetSink(sink)

	qid := space.NextQid()
	space.Query(admin.ResKey{Name: "/not/a/known/path"}, qid)

	select {
	case <-sink.final:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply_final")
	}

	select {
	case <-sink.dataCh:
		t.Fatal("expected no reply_data for a non-matching query path")
	default:
	}
}

// TestQueryWildcardMatchesAllHandlers exercises a full "/@/router/<pid>/**"
// query, which must intersect all three registered handlers (router_data,
// linkstate/routers, linkstate/peers) and yield one reply_data per match.
func TestQueryWildcardMatchesAllHandlers(t *testing.T) {
	mgr := transport.NewManager(testLogger(), transport.DefaultConfig())
	t.Cleanup(mgr.Close)

	space := admin.NewAdminSpace(mgr, "deadbeef", testLogger())
	sink := newFakeSink()
	space.SetSink(sink)

	qid := space.NextQid()
	space.Query(admin.ResKey{Name: space.RootPath() + "/**"}, qid)

	entries := sink.waitForReplies(t, 3)

	seen := make(map[string]admin.Encoding, len(entries))
	for _, e := range entries {
		seen[e.key] = e.encoding
	}

	root := space.RootPath()
	for _, path := range []string{root, root + "/linkstate/routers", root + "/linkstate/peers"} {
		enc, ok := seen[path]
		if !ok {
			t.Fatalf("expected a reply_data for handler path %s, got keys %v", path, seen)
		}
		if path == root && enc != admin.EncodingAppJSON {
			t.Fatalf("expected json encoding for %s, got %v", path, enc)
		}
		if path != root && enc != admin.EncodingTextPlain {
			t.Fatalf("expected text/plain encoding for %s, got %v", path, enc)
		}
	}
}

// TestQueryByResourceId exercises the resource-id interning path: a
// previously-mapped id plus a suffix must resolve to the same handler a
// literal query for that path would, per the Resource/ForgetResource
// capability pair every other query path goes through.
func TestQueryByResourceId(t *testing.T) {
	mgr := transport.NewManager(testLogger(), transport.DefaultConfig())
	t.Cleanup(mgr.Close)

	space := admin.NewAdminSpace(mgr, "deadbeef", testLogger())
	sink := newFakeSink()
	space.SetSink(sink)

	const rid = 42
	space.Resource(rid, admin.ResKey{Name: space.RootPath()})

	qid := space.NextQid()
	space.Query(admin.ResKey{HasId: true, Id: rid, Suffix: "/linkstate/routers"}, qid)

	entries := sink.waitForReplies(t, 1)
	if entries[0].key != space.RootPath()+"/linkstate/routers" {
		t.Fatalf("unexpected handler matched via resource id: %s", entries[0].key)
	}
	if entries[0].encoding != admin.EncodingTextPlain {
		t.Fatalf("expected text/plain encoding, got %v", entries[0].encoding)
	}
}
