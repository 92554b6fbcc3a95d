// Package memstore is an in-process remote store. A Server holds the shared
// documents; each device talks to it through its own Client, which can be
// taken offline to queue writes locally the way a real client SDK does.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/matheus3301/synapse/internal/chat"
	"github.com/matheus3301/synapse/internal/remote"
)

// Server is the shared document store.
type Server struct {
	mu       sync.Mutex
	convs    map[string]*conversation
	clock    *chat.Clock
	nextID   int
	watchers map[int]*watcher
}

type conversation struct {
	meta  *chat.Conversation
	docs  map[string]remote.Document
	order map[string]int64 // local timestamp per document, for snapshot order
}

// NewServer creates an empty server.
func NewServer() *Server {
	return &Server{
		convs:    make(map[string]*conversation),
		clock:    chat.NewClock(),
		watchers: make(map[int]*watcher),
	}
}

func (s *Server) conv(id string) *conversation {
	c, ok := s.convs[id]
	if !ok {
		c = &conversation{docs: make(map[string]remote.Document), order: make(map[string]int64)}
		s.convs[id] = c
	}
	return c
}

// PutConversation creates or replaces conversation metadata.
func (s *Server) PutConversation(conv chat.Conversation) {
	if conv.Members == nil {
		conv.Members = map[string]chat.MemberStatus{}
	}
	for _, id := range conv.MemberIDs {
		if _, ok := conv.Members[id]; !ok {
			conv.Members[id] = chat.MemberStatus{}
		}
	}
	s.mu.Lock()
	s.conv(conv.ID).meta = &conv
	s.mu.Unlock()
	s.notifyConversation(conv.ID)
}

// RemoveMember soft-removes a member from a conversation.
func (s *Server) RemoveMember(conversationID, userID string) {
	s.mu.Lock()
	c := s.conv(conversationID)
	if c.meta != nil {
		meta := cloneConversation(c.meta)
		st := meta.Members[userID]
		st.IsDeleted = true
		meta.Members[userID] = st
		c.meta = meta
	}
	s.mu.Unlock()
	s.notifyConversation(conversationID)
}

// DeleteMessage soft-deletes a message.
func (s *Server) DeleteMessage(conversationID, messageID, by string) error {
	s.mu.Lock()
	c := s.conv(conversationID)
	doc, ok := c.docs[messageID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("message %s not found", messageID)
	}
	m, err := remote.DecodeMessage(conversationID, doc)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	m.IsDeleted = true
	m.DeletedBy = by
	m.DeletedAt = s.clock.Next()
	doc, err = remote.EncodeMessage(m)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	c.docs[messageID] = doc
	s.mu.Unlock()
	s.notifyMessages(conversationID)
	return nil
}

// InjectRaw stores a document as-is, bypassing validation.
func (s *Server) InjectRaw(conversationID string, doc remote.Document) {
	s.mu.Lock()
	c := s.conv(conversationID)
	c.docs[doc.ID] = doc
	c.order[doc.ID] = 0
	s.mu.Unlock()
	s.notifyMessages(conversationID)
}

// Messages returns the decodable messages of a conversation in local
// timestamp order.
func (s *Server) Messages(conversationID string) []chat.Message {
	s.mu.Lock()
	docs := s.docsLocked(conversationID)
	s.mu.Unlock()
	var msgs []chat.Message
	for _, d := range docs {
		if m, err := remote.DecodeMessage(conversationID, d); err == nil {
			msgs = append(msgs, m)
		}
	}
	return msgs
}

// Conversation returns a copy of the conversation metadata, or nil.
func (s *Server) Conversation(conversationID string) *chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok || c.meta == nil {
		return nil
	}
	return cloneConversation(c.meta)
}

// Client returns a new online client connection.
func (s *Server) Client() *Client {
	c := &Client{server: s, pending: make(map[string][]remote.Document), lastSeen: make(map[string][]remote.Document)}
	c.online.Store(true)
	return c
}

// ListenerCount returns the number of live listeners for a conversation.
func (s *Server) ListenerCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.watchers {
		if w.conversationID == conversationID {
			n++
		}
	}
	return n
}

func (s *Server) docsLocked(conversationID string) []remote.Document {
	c, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		if c.order[a] != c.order[b] {
			if c.order[a] < c.order[b] {
				return -1
			}
			return 1
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})
	docs := make([]remote.Document, len(ids))
	for i, id := range ids {
		docs[i] = c.docs[id]
	}
	return docs
}

func (s *Server) metaDocLocked(conversationID string) *remote.Document {
	c, ok := s.convs[conversationID]
	if !ok || c.meta == nil {
		return nil
	}
	doc, err := remote.EncodeConversation(c.meta)
	if err != nil {
		return nil
	}
	return &doc
}

func (s *Server) addWatcher(w *watcher) {
	s.mu.Lock()
	w.id = s.nextID
	s.nextID++
	s.watchers[w.id] = w
	s.mu.Unlock()
}

func (s *Server) removeWatcher(w *watcher) {
	s.mu.Lock()
	delete(s.watchers, w.id)
	s.mu.Unlock()
}

func (s *Server) notifyMessages(conversationID string) {
	s.notify(conversationID, kindMessages)
}

func (s *Server) notifyConversation(conversationID string) {
	s.notify(conversationID, kindConversation)
}

// notify sends the current state to every online watcher of a kind. State
// and sequence numbers are taken under the lock; callbacks run outside it.
func (s *Server) notify(conversationID string, kind watchKind) {
	type delivery struct {
		w    *watcher
		seq  uint64
		docs []remote.Document
		meta *remote.Document
	}
	var out []delivery
	s.mu.Lock()
	for _, w := range s.watchers {
		if w.conversationID != conversationID || w.kind != kind || !w.client.online.Load() {
			continue
		}
		d := delivery{w: w, seq: w.seq.Add(1)}
		if kind == kindMessages {
			d.docs = s.docsLocked(conversationID)
		} else {
			d.meta = s.metaDocLocked(conversationID)
		}
		out = append(out, d)
	}
	s.mu.Unlock()

	for _, d := range out {
		if kind == kindMessages {
			d.w.client.deliverMessages(d.w, d.seq, d.docs)
		} else {
			d.w.deliverConversation(d.seq, d.meta, nil)
		}
	}
}

func (s *Server) createMessage(conversationID string, doc remote.Document) error {
	m, err := remote.DecodeMessage(conversationID, doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	c := s.conv(conversationID)
	if _, exists := c.docs[doc.ID]; exists {
		s.mu.Unlock()
		return nil
	}
	m.ServerTimestamp = s.clock.Next()
	stored, err := remote.EncodeMessage(m)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	c.docs[doc.ID] = stored
	c.order[doc.ID] = m.LocalTimestamp
	s.mu.Unlock()
	s.notifyMessages(conversationID)
	return nil
}

func (s *Server) mergeMemberStatus(conversationID, userID string, patch chat.WatermarkPatch) error {
	s.mu.Lock()
	c := s.conv(conversationID)
	if c.meta == nil {
		s.mu.Unlock()
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	meta := cloneConversation(c.meta)
	meta.Members[userID] = patch.Apply(meta.Members[userID])
	c.meta = meta
	s.mu.Unlock()
	s.notifyConversation(conversationID)
	return nil
}

func cloneConversation(c *chat.Conversation) *chat.Conversation {
	out := *c
	out.MemberIDs = slices.Clone(c.MemberIDs)
	out.Members = make(map[string]chat.MemberStatus, len(c.Members))
	for k, v := range c.Members {
		out.Members[k] = v
	}
	return &out
}

type watchKind int

const (
	kindMessages watchKind = iota
	kindConversation
)

type watcher struct {
	id             int
	conversationID string
	kind           watchKind
	client         *Client
	onMessages     remote.MessagesFunc
	onConversation remote.ConversationFunc
	seq            atomic.Uint64

	mu        sync.Mutex
	delivered uint64
	removed   bool
	once      sync.Once
}

func (w *watcher) Remove() {
	w.once.Do(func() {
		w.mu.Lock()
		w.removed = true
		w.mu.Unlock()
		w.client.server.removeWatcher(w)
		w.client.removals.Add(1)
	})
}

// deliver runs fn unless the watcher is gone or a newer state was already
// delivered.
func (w *watcher) deliver(seq uint64, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.removed || seq <= w.delivered {
		return
	}
	w.delivered = seq
	fn()
}

func (w *watcher) deliverConversation(seq uint64, doc *remote.Document, err error) {
	w.deliver(seq, func() { w.onConversation(doc, err) })
}

// fail reports err and kills the watcher.
func (w *watcher) fail(err error) {
	w.deliver(w.seq.Add(1), func() {
		if w.kind == kindMessages {
			w.onMessages(nil, err)
		} else {
			w.onConversation(nil, err)
		}
	})
	w.Remove()
}

// Client is one device's connection to a Server. It implements remote.Store.
type Client struct {
	server   *Server
	online   atomic.Bool
	removals atomic.Int64
	writes   atomic.Int64

	mu        sync.Mutex
	pending   map[string][]remote.Document // conversation -> queued creates
	lastSeen  map[string][]remote.Document // conversation -> last server docs
	writeErr  error
	listenErr error
}

var _ remote.Store = (*Client)(nil)

// ListenMessages implements remote.Store.
func (c *Client) ListenMessages(_ context.Context, conversationID string, fn remote.MessagesFunc) (remote.Registration, error) {
	c.mu.Lock()
	err := c.listenErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	w := &watcher{conversationID: conversationID, kind: kindMessages, client: c, onMessages: fn}
	c.server.addWatcher(w)
	if c.online.Load() {
		c.server.notifyMessages(conversationID)
	} else {
		c.echo(conversationID)
	}
	return w, nil
}

// ListenConversation implements remote.Store.
func (c *Client) ListenConversation(_ context.Context, conversationID string, fn remote.ConversationFunc) (remote.Registration, error) {
	c.mu.Lock()
	err := c.listenErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	w := &watcher{conversationID: conversationID, kind: kindConversation, client: c, onConversation: fn}
	c.server.addWatcher(w)
	if c.online.Load() {
		c.server.notifyConversation(conversationID)
	}
	return w, nil
}

// MergeMemberStatus implements remote.Store. Offline clients fail with
// remote.ErrOffline.
func (c *Client) MergeMemberStatus(_ context.Context, conversationID, userID string, patch chat.WatermarkPatch) error {
	c.writes.Add(1)
	c.mu.Lock()
	err := c.writeErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if !c.online.Load() {
		return remote.ErrOffline
	}
	return c.server.mergeMemberStatus(conversationID, userID, patch)
}

// CreateMessage implements remote.Store. While offline the document is
// queued and echoed to this client's listeners without a server timestamp.
func (c *Client) CreateMessage(_ context.Context, conversationID string, doc remote.Document) error {
	if _, err := remote.DecodeMessage(conversationID, doc); err != nil {
		return err
	}
	c.mu.Lock()
	err := c.writeErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if c.online.Load() {
		return c.server.createMessage(conversationID, doc)
	}
	c.mu.Lock()
	c.pending[conversationID] = append(c.pending[conversationID], doc)
	c.mu.Unlock()
	c.echo(conversationID)
	return nil
}

// SetOnline connects or disconnects the client. Going online flushes queued
// creates to the server and refreshes every listener of this client.
func (c *Client) SetOnline(online bool) {
	c.online.Store(online)
	if !online {
		return
	}
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string][]remote.Document)
	c.mu.Unlock()
	for convID, docs := range pending {
		for _, doc := range docs {
			_ = c.server.createMessage(convID, doc)
		}
	}
	for _, convID := range c.watchedConversations() {
		c.server.notifyMessages(convID)
		c.server.notifyConversation(convID)
	}
}

// Online reports whether the client is connected.
func (c *Client) Online() bool {
	return c.online.Load()
}

// FailWrites makes every write fail with err until called with nil.
func (c *Client) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// FailListens makes listener registration fail with err until called with nil.
func (c *Client) FailListens(err error) {
	c.mu.Lock()
	c.listenErr = err
	c.mu.Unlock()
}

// BreakListeners terminates this client's listeners for a conversation with
// err, as a dropped connection would.
func (c *Client) BreakListeners(conversationID string, err error) {
	for _, w := range c.watchers(conversationID) {
		w.fail(err)
	}
}

// WatermarkWrites returns how many MergeMemberStatus calls were made.
func (c *Client) WatermarkWrites() int64 {
	return c.writes.Load()
}

// Removals returns how many registrations were removed.
func (c *Client) Removals() int64 {
	return c.removals.Load()
}

func (c *Client) watchers(conversationID string) []*watcher {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	var out []*watcher
	for _, w := range c.server.watchers {
		if w.client == c && w.conversationID == conversationID {
			out = append(out, w)
		}
	}
	return out
}

func (c *Client) watchedConversations() []string {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, w := range c.server.watchers {
		if w.client == c && !seen[w.conversationID] {
			seen[w.conversationID] = true
			out = append(out, w.conversationID)
		}
	}
	return out
}

// deliverMessages hands server docs to a watcher, overlaid with this
// client's queued creates.
func (c *Client) deliverMessages(w *watcher, seq uint64, docs []remote.Document) {
	c.mu.Lock()
	c.lastSeen[w.conversationID] = docs
	view := overlay(docs, c.pending[w.conversationID])
	c.mu.Unlock()
	w.deliver(seq, func() { w.onMessages(view, nil) })
}

// echo redelivers the last known server state plus queued creates to this
// client's message watchers, without contacting the server.
func (c *Client) echo(conversationID string) {
	ws := c.watchers(conversationID)
	c.mu.Lock()
	view := overlay(c.lastSeen[conversationID], c.pending[conversationID])
	c.mu.Unlock()
	for _, w := range ws {
		if w.kind != kindMessages {
			continue
		}
		seq := w.seq.Add(1)
		w.deliver(seq, func() { w.onMessages(view, nil) })
	}
}

func overlay(docs, pending []remote.Document) []remote.Document {
	if len(pending) == 0 {
		return docs
	}
	out := slices.Clone(docs)
	for _, p := range pending {
		if !slices.ContainsFunc(out, func(d remote.Document) bool { return d.ID == p.ID }) {
			out = append(out, p)
		}
	}
	return out
}

// SeedMessage stores a message directly on the server with the given server
// timestamp, for building fixtures with known timestamps.
func (s *Server) SeedMessage(m chat.Message) error {
	doc, err := remote.EncodeMessage(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	c := s.conv(m.ConversationID)
	c.docs[m.ID] = doc
	c.order[m.ID] = m.LocalTimestamp
	s.clock.Observe(m.ServerTimestamp)
	s.mu.Unlock()
	s.notifyMessages(m.ConversationID)
	return nil
}

var _ remote.Admin = (*Client)(nil)

// PutConversation implements remote.Admin.
func (c *Client) PutConversation(_ context.Context, conv *chat.Conversation) error {
	c.server.PutConversation(*cloneConversation(conv))
	return nil
}

// RemoveMember implements remote.Admin.
func (c *Client) RemoveMember(_ context.Context, conversationID, userID string) error {
	c.server.RemoveMember(conversationID, userID)
	return nil
}

// DeleteMessage implements remote.Admin.
func (c *Client) DeleteMessage(_ context.Context, conversationID, messageID, by string) error {
	return c.server.DeleteMessage(conversationID, messageID, by)
}
