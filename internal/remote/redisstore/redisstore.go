// Package redisstore implements the remote store on Redis.
//
// Layout, under a key prefix:
//
//	conv:<id>:messages          hash  message id -> message JSON
//	conv:<id>:meta              string conversation JSON without member status
//	conv:<id>:member:<user>     hash  watermark and flag fields
//	conv:<id>:events            channel, payload "messages" or "conversation"
//	clock                       last server timestamp handed out
//
// Server timestamps come from the Redis TIME command inside a script, so all
// clients share one clock.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/matheus3301/synapse/internal/chat"
	"github.com/matheus3301/synapse/internal/remote"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key.
const DefaultPrefix = "synapse:"

const (
	eventMessages     = "messages"
	eventConversation = "conversation"
)

// createScript stores a message once, stamping it with the server clock.
// The document must not already carry a serverTimestamp.
var createScript = goredis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	return 0
end
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local last = tonumber(redis.call('GET', KEYS[3]) or '0')
if now <= last then
	now = last + 1
end
local stamp = string.format('%d', now)
redis.call('SET', KEYS[3], stamp)
redis.call('HSET', KEYS[1], ARGV[1], string.sub(ARGV[2], 1, -2) .. ',"serverTimestamp":' .. stamp .. '}')
redis.call('PUBLISH', KEYS[2], 'messages')
return now
`)

// mergeScript raises watermark fields, never lowering them. ARGV holds
// field/value pairs.
var mergeScript = goredis.NewScript(`
for i = 1, #ARGV, 2 do
	local v = tonumber(ARGV[i + 1])
	local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[i]) or '0')
	if v > cur then
		redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
	end
end
redis.call('PUBLISH', KEYS[2], 'conversation')
return 1
`)

// Store is a remote.Store backed by Redis.
type Store struct {
	client *goredis.Client
	prefix string
}

var (
	_ remote.Store = (*Store)(nil)
	_ remote.Admin = (*Store)(nil)
)

// Open connects to the Redis server at url and checks it responds.
func Open(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis store: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis store: ping failed: %w", err)
	}
	return New(client, prefix), nil
}

// New wraps an existing client. An empty prefix selects DefaultPrefix.
func New(client *goredis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) messagesKey(conv string) string { return s.prefix + "conv:" + conv + ":messages" }
func (s *Store) metaKey(conv string) string     { return s.prefix + "conv:" + conv + ":meta" }
func (s *Store) eventsKey(conv string) string   { return s.prefix + "conv:" + conv + ":events" }
func (s *Store) clockKey() string               { return s.prefix + "clock" }
func (s *Store) memberKey(conv, user string) string {
	return s.prefix + "conv:" + conv + ":member:" + user
}

// ListenMessages implements remote.Store.
func (s *Store) ListenMessages(ctx context.Context, conversationID string, fn remote.MessagesFunc) (remote.Registration, error) {
	return s.listen(ctx, conversationID, eventMessages, func(ctx context.Context) error {
		docs, err := s.messages(ctx, conversationID)
		if err != nil {
			return err
		}
		fn(docs, nil)
		return nil
	}, func(err error) { fn(nil, err) })
}

// ListenConversation implements remote.Store.
func (s *Store) ListenConversation(ctx context.Context, conversationID string, fn remote.ConversationFunc) (remote.Registration, error) {
	return s.listen(ctx, conversationID, eventConversation, func(ctx context.Context) error {
		doc, err := s.conversation(ctx, conversationID)
		if err != nil {
			return err
		}
		fn(doc, nil)
		return nil
	}, func(err error) { fn(nil, err) })
}

type registration struct {
	once   sync.Once
	cancel context.CancelFunc
	ps     *goredis.PubSub
}

func (r *registration) Remove() {
	r.once.Do(func() {
		r.cancel()
		_ = r.ps.Close()
	})
}

// listen subscribes before the first read so no change between the read
// and the subscription is missed.
func (s *Store) listen(ctx context.Context, conversationID, kind string, deliver func(context.Context) error, fail func(error)) (remote.Registration, error) {
	ps := s.client.Subscribe(ctx, s.eventsKey(conversationID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", conversationID, err)
	}
	lctx, cancel := context.WithCancel(ctx)
	reg := &registration{cancel: cancel, ps: ps}

	go func() {
		if err := deliver(lctx); err != nil {
			if lctx.Err() == nil {
				fail(err)
			}
			return
		}
		for {
			msg, err := ps.ReceiveMessage(lctx)
			if err != nil {
				if lctx.Err() == nil {
					fail(err)
				}
				return
			}
			if msg.Payload != kind {
				continue
			}
			if err := deliver(lctx); err != nil {
				if lctx.Err() == nil {
					fail(err)
				}
				return
			}
		}
	}()
	return reg, nil
}

func (s *Store) messages(ctx context.Context, conversationID string) ([]remote.Document, error) {
	all, err := s.client.HGetAll(ctx, s.messagesKey(conversationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	docs := make([]remote.Document, 0, len(all))
	for id, data := range all {
		docs = append(docs, remote.Document{ID: id, Data: []byte(data)})
	}
	return docs, nil
}

func (s *Store) conversation(ctx context.Context, conversationID string) (*remote.Document, error) {
	conv, err := s.loadConversation(ctx, conversationID)
	if err != nil || conv == nil {
		return nil, err
	}
	doc, err := remote.EncodeConversation(conv)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Store) loadConversation(ctx context.Context, conversationID string) (*chat.Conversation, error) {
	data, err := s.client.Get(ctx, s.metaKey(conversationID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	var conv chat.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", conversationID, err)
	}
	conv.ID = conversationID

	pipe := s.client.Pipeline()
	cmds := make(map[string]*goredis.MapStringStringCmd, len(conv.MemberIDs))
	for _, id := range conv.MemberIDs {
		cmds[id] = pipe.HGetAll(ctx, s.memberKey(conversationID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read member status: %w", err)
	}
	conv.Members = make(map[string]chat.MemberStatus, len(cmds))
	for id, cmd := range cmds {
		conv.Members[id] = parseMember(cmd.Val())
	}
	return &conv, nil
}

func parseMember(fields map[string]string) chat.MemberStatus {
	num := func(k string) int64 {
		n, _ := strconv.ParseInt(fields[k], 10, 64)
		return n
	}
	return chat.MemberStatus{
		LastSeenAt:        num(string(chat.LastSeen)),
		LastReceivedAt:    num(string(chat.LastReceived)),
		LastMessageSentAt: num(string(chat.LastMessageSent)),
		IsBot:             fields["isBot"] == "1",
		IsAdmin:           fields["isAdmin"] == "1",
		IsDeleted:         fields["isDeleted"] == "1",
	}
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// MergeMemberStatus implements remote.Store.
func (s *Store) MergeMemberStatus(ctx context.Context, conversationID, userID string, patch chat.WatermarkPatch) error {
	var args []any
	for _, f := range []struct {
		w  chat.Watermark
		ts int64
	}{
		{chat.LastSeen, patch.LastSeenAt},
		{chat.LastReceived, patch.LastReceivedAt},
		{chat.LastMessageSent, patch.LastMessageSentAt},
	} {
		if f.ts > 0 {
			args = append(args, string(f.w), strconv.FormatInt(f.ts, 10))
		}
	}
	if len(args) == 0 {
		return nil
	}
	keys := []string{s.memberKey(conversationID, userID), s.eventsKey(conversationID)}
	if err := mergeScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("merge member status: %w", err)
	}
	return nil
}

// CreateMessage implements remote.Store.
func (s *Store) CreateMessage(ctx context.Context, conversationID string, doc remote.Document) error {
	m, err := remote.DecodeMessage(conversationID, doc)
	if err != nil {
		return err
	}
	m.ServerTimestamp = 0
	doc, err = remote.EncodeMessage(m)
	if err != nil {
		return err
	}
	keys := []string{s.messagesKey(conversationID), s.eventsKey(conversationID), s.clockKey()}
	if err := createScript.Run(ctx, s.client, keys, doc.ID, string(doc.Data)).Err(); err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// PutConversation implements remote.Admin. Member flags are written; member
// watermarks are only ever raised.
func (s *Store) PutConversation(ctx context.Context, conv *chat.Conversation) error {
	meta := *conv
	meta.Members = nil
	data, err := json.Marshal(&meta)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.metaKey(conv.ID), data, 0)
		for _, id := range conv.MemberIDs {
			st := conv.Members[id]
			pipe.HSet(ctx, s.memberKey(conv.ID, id),
				"isBot", flag(st.IsBot), "isAdmin", flag(st.IsAdmin), "isDeleted", flag(st.IsDeleted))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put conversation: %w", err)
	}
	for _, id := range conv.MemberIDs {
		st := conv.Members[id]
		patch := chat.WatermarkPatch{
			LastSeenAt:        st.LastSeenAt,
			LastReceivedAt:    st.LastReceivedAt,
			LastMessageSentAt: st.LastMessageSentAt,
		}
		if err := s.MergeMemberStatus(ctx, conv.ID, id, patch); err != nil {
			return err
		}
	}
	return s.client.Publish(ctx, s.eventsKey(conv.ID), eventConversation).Err()
}

// RemoveMember implements remote.Admin.
func (s *Store) RemoveMember(ctx context.Context, conversationID, userID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, s.memberKey(conversationID, userID), "isDeleted", "1")
		pipe.Publish(ctx, s.eventsKey(conversationID), eventConversation)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

// DeleteMessage implements remote.Admin.
func (s *Store) DeleteMessage(ctx context.Context, conversationID, messageID, by string) error {
	key := s.messagesKey(conversationID)
	data, err := s.client.HGet(ctx, key, messageID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return fmt.Errorf("message %s not found", messageID)
	}
	if err != nil {
		return fmt.Errorf("read message: %w", err)
	}
	m, err := remote.DecodeMessage(conversationID, remote.Document{ID: messageID, Data: data})
	if err != nil {
		return err
	}
	now, err := s.client.Time(ctx).Result()
	if err != nil {
		return fmt.Errorf("server time: %w", err)
	}
	m.IsDeleted = true
	m.DeletedBy = by
	m.DeletedAt = now.UnixMilli()
	doc, err := remote.EncodeMessage(m)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, messageID, doc.Data)
		pipe.Publish(ctx, s.eventsKey(conversationID), eventMessages)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}
