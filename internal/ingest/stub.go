package ingest

import (
	"context"
	"sort"
	"sync"

	"github.com/rtyshyk/telegram-rag/internal/models"
)

// StubSource is an in-memory Source for tests and offline runs. Chats
// and messages are seeded directly; live events are injected with the
// Emit helpers and connectivity is toggled with SetConnected.
type StubSource struct {
	mu        sync.Mutex
	chats     map[string]*stubChat // by chat id
	order     []string
	connected bool

	newHandlers    []MessageHandler
	editHandlers   []MessageHandler
	deleteHandlers []DeleteHandler
}

type stubChat struct {
	info     ResolvedChat
	messages []models.Message // ascending by id
}

// NewStubSource creates an empty stub that reports connected.
func NewStubSource() *StubSource {
	return &StubSource{chats: map[string]*stubChat{}, connected: true}
}

// AddChat seeds a chat. Messages can be added later with AddMessage.
func (s *StubSource) AddChat(info ResolvedChat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[info.ChatID]; !ok {
		s.order = append(s.order, info.ChatID)
	}
	s.chats[info.ChatID] = &stubChat{info: info}
}

// AddMessage seeds history without firing events.
func (s *StubSource) AddMessage(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[msg.ChatID]
	if !ok {
		chat = &stubChat{info: ResolvedChat{ChatID: msg.ChatID, SourceName: msg.ChatID, Title: msg.ChatID, Type: models.ChatTypeUnknown}}
		s.chats[msg.ChatID] = chat
		s.order = append(s.order, msg.ChatID)
	}
	chat.messages = append(chat.messages, msg)
	sort.Slice(chat.messages, func(i, j int) bool {
		return chat.messages[i].MessageID < chat.messages[j].MessageID
	})
}

// EmitNew adds the message to history and fires the new-message handlers.
func (s *StubSource) EmitNew(msg models.Message) {
	s.AddMessage(msg)
	s.mu.Lock()
	handlers := append([]MessageHandler(nil), s.newHandlers...)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(msg)
	}
}

// EmitEdit replaces the stored message and fires the edit handlers.
func (s *StubSource) EmitEdit(msg models.Message) {
	s.mu.Lock()
	if chat, ok := s.chats[msg.ChatID]; ok {
		for i, m := range chat.messages {
			if m.MessageID == msg.MessageID {
				chat.messages[i] = msg
			}
		}
	}
	handlers := append([]MessageHandler(nil), s.editHandlers...)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(msg)
	}
}

// EmitDelete removes the messages from history and fires delete handlers.
func (s *StubSource) EmitDelete(chatID string, messageIDs []int64) {
	s.mu.Lock()
	if chat, ok := s.chats[chatID]; ok {
		gone := make(map[int64]bool, len(messageIDs))
		for _, id := range messageIDs {
			gone[id] = true
		}
		kept := chat.messages[:0]
		for _, m := range chat.messages {
			if !gone[m.MessageID] {
				kept = append(kept, m)
			}
		}
		chat.messages = kept
	}
	handlers := append([]DeleteHandler(nil), s.deleteHandlers...)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(chatID, messageIDs)
	}
}

// SetConnected toggles what Connected reports.
func (s *StubSource) SetConnected(up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = up
}

func (s *StubSource) Start(ctx context.Context) error { return nil }
func (s *StubSource) Stop(ctx context.Context) error  { return nil }

func (s *StubSource) ResolveChats(ctx context.Context, names []string) ([]ResolvedChat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ResolvedChat
	for _, name := range names {
		for _, id := range s.order {
			chat := s.chats[id]
			if chat.info.SourceName == name || chat.info.Title == name || chat.info.ChatID == name {
				info := chat.info
				info.SourceName = name
				out = append(out, info)
				break
			}
		}
	}
	return out, nil
}

func (s *StubSource) AllChats(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.order))
	for _, id := range s.order {
		names = append(names, s.chats[id].info.SourceName)
	}
	return names, nil
}

func (s *StubSource) IterMessages(ctx context.Context, chatID string, opts IterOptions, fn func(models.Message) error) error {
	s.mu.Lock()
	chat, ok := s.chats[chatID]
	var snapshot []models.Message
	if ok {
		snapshot = append(snapshot, chat.messages...)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	var sinceUnix int64
	if !opts.Since.IsZero() {
		sinceUnix = opts.Since.Unix()
	}

	if !opts.Reverse {
		for i, j := 0, len(snapshot)-1; i < j; i, j = i+1, j-1 {
			snapshot[i], snapshot[j] = snapshot[j], snapshot[i]
		}
	}

	yielded := 0
	for _, m := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if opts.MinID > 0 && m.MessageID <= opts.MinID {
			continue
		}
		if sinceUnix > 0 && m.MessageDate < sinceUnix {
			continue
		}
		if err := fn(m); err != nil {
			return err
		}
		yielded++
		if opts.Limit > 0 && yielded >= opts.Limit {
			return nil
		}
	}
	return nil
}

func (s *StubSource) MessageByID(ctx context.Context, chatID string, messageID int64) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok {
		return nil, nil
	}
	for _, m := range chat.messages {
		if m.MessageID == messageID {
			msg := m
			return &msg, nil
		}
	}
	return nil, nil
}

func (s *StubSource) OnNewMessage(fn MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newHandlers = append(s.newHandlers, fn)
}

func (s *StubSource) OnEdit(fn MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.editHandlers = append(s.editHandlers, fn)
}

func (s *StubSource) OnDelete(fn DeleteHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteHandlers = append(s.deleteHandlers, fn)
}

func (s *StubSource) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
