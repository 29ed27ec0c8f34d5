// Package admin implements the Admin Space: a queryable namespace rooted
// at "/@/router/<pid>/**" that exposes router introspection data (known
// locators, established transports, loaded plugin metadata, link-state
// graphs) through the same Primitives capability set every other
// participant in the system uses to publish and query data.
package admin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lattice-mesh/utmd/internal/admin/keyexpr"
	"github.com/lattice-mesh/utmd/internal/transport"
)

// Encoding names the payload encoding of a reply, mirroring the two
// concrete encodings the source ever produces for admin-space data.
type Encoding string

const (
	EncodingAppJSON    Encoding = "application/json"
	EncodingTextPlain  Encoding = "text/plain"
)

// ResKey is a resource key as the admin space sees it: either a plain
// name, or a previously-interned resource id with an optional suffix.
type ResKey struct {
	Id     uint64
	HasId  bool
	Suffix string
	Name   string
}

// ReplySink receives the reply_data/reply_final sequence the admin space
// produces for a query. httpfront.go implements this to correlate replies
// back to the HTTP request that triggered the query.
type ReplySink interface {
	ReplyData(qid uint64, key string, payload []byte, encoding Encoding)
	ReplyFinal(qid uint64)
}

type handlerFunc func(a *AdminSpace) ([]byte, Encoding)

type handlerEntry struct {
	path    string
	handler handlerFunc
}

// AdminSpace is the Primitives implementation backing the admin
// namespace. Handlers are held in an insertion-ordered slice rather than a
// map so that reply_data ordering is deterministic across runs, a
// deliberate Go-side adjustment since Go map iteration order is
// unspecified.
type AdminSpace struct {
	mgr    *transport.Manager
	pidStr string
	logger *slog.Logger

	mu       sync.Mutex
	mappings map[uint64]string

	handlers []handlerEntry

	sinkMu sync.RWMutex
	sink   ReplySink

	nextQid atomic.Uint64
}

// NewAdminSpace builds the admin space rooted at /@/router/<pidStr> and
// registers its three built-in handlers.
func NewAdminSpace(mgr *transport.Manager, pidStr string, logger *slog.Logger) *AdminSpace {
	a := &AdminSpace{
		mgr:      mgr,
		pidStr:   pidStr,
		logger:   logger.With(slog.String("component", "admin.space")),
		mappings: make(map[uint64]string),
	}

	root := "/@/router/" + pidStr
	a.handlers = []handlerEntry{
		{path: root, handler: (*AdminSpace).routerData},
		{path: root + "/linkstate/routers", handler: (*AdminSpace).linkstateRoutersData},
		{path: root + "/linkstate/peers", handler: (*AdminSpace).linkstatePeersData},
	}

	return a
}

// RootPath returns the "/@/router/<pid>" prefix this admin space was
// mounted under.
func (a *AdminSpace) RootPath() string {
	return "/@/router/" + a.pidStr
}

// SetSink wires the reply sink used by Query's detached reply task.
func (a *AdminSpace) SetSink(sink ReplySink) {
	a.sinkMu.Lock()
	a.sink = sink
	a.sinkMu.Unlock()
}

func (a *AdminSpace) replySink() ReplySink {
	a.sinkMu.RLock()
	defer a.sinkMu.RUnlock()
	return a.sink
}

// NextQid hands out a fresh query id for the HTTP front end to use.
func (a *AdminSpace) NextQid() uint64 {
	return a.nextQid.Add(1)
}

func (a *AdminSpace) reskeyToString(key ResKey) (string, bool) {
	if !key.HasId {
		return key.Name, true
	}
	a.mu.Lock()
	prefix, ok := a.mappings[key.Id]
	a.mu.Unlock()
	if !ok {
		return "", false
	}
	return prefix + key.Suffix, true
}

// -------------------------------------------------------------------------
// Built-in handlers
// -------------------------------------------------------------------------

type routerDataDoc struct {
	PID      string       `json:"pid"`
	Locators []string     `json:"locators"`
	Sessions []sessionDoc `json:"sessions"`
	Plugins  []pluginDoc  `json:"plugins"`
}

// sessionDoc mirrors one established transport: its peer id (or
// "unavailable" if the transport has no negotiated peer yet), its role,
// and the destination locators of every link currently carrying it.
type sessionDoc struct {
	Peer  string   `json:"peer"`
	Role  string   `json:"role"`
	Links []string `json:"links"`
}

type pluginDoc struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

func (a *AdminSpace) routerData() ([]byte, Encoding) {
	var locators []string
	for _, l := range a.mgr.GetLocators() {
		locators = append(locators, l.String())
	}

	var sessions []sessionDoc
	for _, t := range a.mgr.GetTransports() {
		peer := t.Peer().String()
		if t.Peer().IsZero() {
			peer = "unavailable"
		}

		var links []string
		for _, l := range t.Links() {
			links = append(links, l.Dst().String())
		}

		sessions = append(sessions, sessionDoc{
			Peer:  peer,
			Role:  t.Role().String(),
			Links: links,
		})
	}

	doc := routerDataDoc{
		PID:      a.pidStr,
		Locators: locators,
		Sessions: sessions,
		Plugins:  []pluginDoc{},
	}

	body, err := json.Marshal(doc)
	if err != nil {
		a.logger.Error("marshal router_data", slog.Any("err", err))
		return []byte("{}"), EncodingAppJSON
	}
	return body, EncodingAppJSON
}

// linkstateRoutersData renders a Graphviz dot graph of established
// transports with the peer's negotiated role marked as "router". There is
// no separate router-linkstate exchange in this system (routing-table
// computation is out of scope), so the graph is simply this node's direct
// transport set, which is exactly what a single-node view of the original
// link-state graph reduces to.
func (a *AdminSpace) linkstateRoutersData() ([]byte, Encoding) {
	return a.dotGraph(transport.RoleRouter), EncodingTextPlain
}

func (a *AdminSpace) linkstatePeersData() ([]byte, Encoding) {
	return a.dotGraph(transport.RolePeer), EncodingTextPlain
}

func (a *AdminSpace) dotGraph(role transport.Role) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "digraph {\n  \"%s\" [shape=box];\n", a.pidStr)
	for _, t := range a.mgr.GetTransports() {
		if t.Role() != role {
			continue
		}
		fmt.Fprintf(&b, "  \"%s\" -> \"%s\";\n", a.pidStr, t.Peer())
	}
	b.WriteString("}\n")
	return []byte(b.String())
}

// -------------------------------------------------------------------------
// Primitives capability set
// -------------------------------------------------------------------------

func (a *AdminSpace) Resource(rid uint64, key ResKey) {
	name, ok := a.reskeyToString(key)
	if !ok {
		a.logger.Warn("resource: unknown rid in key", slog.Uint64("rid", rid))
		return
	}
	a.mu.Lock()
	a.mappings[rid] = name
	a.mu.Unlock()
}

func (a *AdminSpace) ForgetResource(rid uint64) {
	a.logger.Debug("forget resource", slog.Uint64("rid", rid))
}

func (a *AdminSpace) Publisher(key ResKey)       { a.logger.Debug("publisher", slog.Any("key", key)) }
func (a *AdminSpace) ForgetPublisher(key ResKey) { a.logger.Debug("forget publisher", slog.Any("key", key)) }
func (a *AdminSpace) Subscriber(key ResKey)      { a.logger.Debug("subscriber", slog.Any("key", key)) }
func (a *AdminSpace) ForgetSubscriber(key ResKey) {
	a.logger.Debug("forget subscriber", slog.Any("key", key))
}
func (a *AdminSpace) Queryable(key ResKey) { a.logger.Debug("queryable", slog.Any("key", key)) }
func (a *AdminSpace) ForgetQueryable(key ResKey) {
	a.logger.Debug("forget queryable", slog.Any("key", key))
}
func (a *AdminSpace) Data(key ResKey, payload []byte) {
	a.logger.Debug("data", slog.Any("key", key), slog.Int("len", len(payload)))
}

// Query resolves key against the handler table and spawns a detached task
// that emits one ReplyData per matching handler followed by ReplyFinal.
// The task is detached because the admin space (like the router primitives
// it stands in for) is not re-entrant: a handler must never be invoked from
// within the same call stack that is dispatching a query.
func (a *AdminSpace) Query(key ResKey, qid uint64) {
	name, ok := a.reskeyToString(key)
	if !ok {
		a.logger.Warn("query: unknown reskey", slog.Uint64("qid", qid))
		return
	}

	var matches []handlerEntry
	for _, h := range a.handlers {
		if keyexpr.Intersect(name, h.path) {
			matches = append(matches, h)
		}
	}

	sink := a.replySink()
	go func() {
		for _, h := range matches {
			payload, encoding := h.handler(a)
			if sink != nil {
				sink.ReplyData(qid, h.path, payload, encoding)
			}
		}
		if sink != nil {
			sink.ReplyFinal(qid)
		}
	}()
}

func (a *AdminSpace) ReplyData(qid uint64, key string, payload []byte, encoding Encoding) {
	a.logger.Debug("reply data", slog.Uint64("qid", qid), slog.String("key", key))
}

func (a *AdminSpace) ReplyFinal(qid uint64) {
	a.logger.Debug("reply final", slog.Uint64("qid", qid))
}

func (a *AdminSpace) Pull(key ResKey, pullID uint64) {
	a.logger.Debug("pull", slog.Any("key", key), slog.Uint64("pull_id", pullID))
}

func (a *AdminSpace) Close() {
	a.logger.Debug("close")
}
