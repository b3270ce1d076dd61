package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rtyshyk/telegram-rag/internal/models"
)

// ExportSource reads a Telegram Desktop JSON export. It is a static
// source: history iteration works, live events never fire, and
// connectivity is always up once the file is parsed.
type ExportSource struct {
	path   string
	logger *zap.Logger

	chats  []*exportChat
	byID   map[string]*exportChat
	byName map[string]*exportChat
}

type exportChat struct {
	id       string
	name     string
	chatType string
	messages []models.Message // ascending by message id
	byID     map[int64]int    // message id -> index in messages
}

// exportFile accepts both export shapes: the full export with a
// chats.list array and a single-chat export with top-level messages.
type exportFile struct {
	Chats struct {
		List []exportChatJSON `json:"list"`
	} `json:"chats"`
	exportChatJSON
}

type exportChatJSON struct {
	ID       int64               `json:"id"`
	Name     *string             `json:"name"`
	Type     string              `json:"type"`
	Messages []exportMessageJSON `json:"messages"`
}

type exportMessageJSON struct {
	ID             int64           `json:"id"`
	Type           string          `json:"type"`
	DateUnix       string          `json:"date_unixtime"`
	Date           string          `json:"date"`
	EditedUnix     string          `json:"edited_unixtime"`
	From           *string         `json:"from"`
	ReplyToMessage *int64          `json:"reply_to_message_id"`
	Text           json.RawMessage `json:"text"`
}

// NewExportSource creates a source over the export file at path.
func NewExportSource(path string, logger *zap.Logger) *ExportSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportSource{
		path:   path,
		logger: logger,
		byID:   map[string]*exportChat{},
		byName: map[string]*exportChat{},
	}
}

// Start parses the export file into memory.
func (s *ExportSource) Start(ctx context.Context) error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read export file: %w", err)
	}

	var file exportFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("failed to parse export file: %w", err)
	}

	list := file.Chats.List
	if len(list) == 0 && len(file.Messages) > 0 {
		list = []exportChatJSON{file.exportChatJSON}
	}

	for _, cj := range list {
		chat := s.buildChat(cj)
		if chat == nil {
			continue
		}
		s.chats = append(s.chats, chat)
		s.byID[chat.id] = chat
		s.byName[chat.name] = chat
	}

	s.logger.Info("export file loaded",
		zap.String("path", s.path),
		zap.Int("chats", len(s.chats)))
	return nil
}

func (s *ExportSource) buildChat(cj exportChatJSON) *exportChat {
	chat := &exportChat{
		id:       strconv.FormatInt(cj.ID, 10),
		chatType: exportChatType(cj.Type),
		byID:     map[int64]int{},
	}
	if cj.Name != nil && *cj.Name != "" {
		chat.name = *cj.Name
	} else if chat.chatType == models.ChatTypeSaved {
		chat.name = "Saved Messages"
	} else {
		chat.name = chat.id
	}

	title := chat.name
	for _, mj := range cj.Messages {
		if mj.Type != "message" {
			continue
		}
		msg := models.Message{
			ChatID:       chat.id,
			MessageID:    mj.ID,
			MessageDate:  exportTimestamp(mj.DateUnix, mj.Date),
			Sender:       mj.From,
			ChatType:     chat.chatType,
			ReplyToMsgID: mj.ReplyToMessage,
			Text:         flattenExportText(mj.Text),
			SourceTitle:  &title,
		}
		if ts := exportTimestamp(mj.EditedUnix, ""); ts > 0 {
			edit := ts
			msg.EditDate = &edit
		}
		chat.messages = append(chat.messages, msg)
	}

	sort.Slice(chat.messages, func(i, j int) bool {
		return chat.messages[i].MessageID < chat.messages[j].MessageID
	})
	for i, m := range chat.messages {
		chat.byID[m.MessageID] = i
	}
	return chat
}

// Stop releases nothing; the source is a parsed file.
func (s *ExportSource) Stop(ctx context.Context) error { return nil }

// ResolveChats matches requested names or ids against the loaded chats.
func (s *ExportSource) ResolveChats(ctx context.Context, names []string) ([]ResolvedChat, error) {
	var out []ResolvedChat
	for _, name := range names {
		chat, ok := s.byName[name]
		if !ok {
			chat, ok = s.byID[name]
		}
		if !ok {
			s.logger.Error("failed to resolve chat", zap.String("chat", name))
			continue
		}
		out = append(out, ResolvedChat{
			ChatID:     chat.id,
			SourceName: name,
			Title:      chat.name,
			Type:       chat.chatType,
		})
	}
	return out, nil
}

// AllChats lists the chat names present in the export.
func (s *ExportSource) AllChats(ctx context.Context) ([]string, error) {
	names := make([]string, 0, len(s.chats))
	for _, chat := range s.chats {
		names = append(names, chat.name)
	}
	return names, nil
}

// IterMessages walks one chat's history. The export is held ascending by
// id, so Reverse iterates natively and the default walks newest first.
func (s *ExportSource) IterMessages(ctx context.Context, chatID string, opts IterOptions, fn func(models.Message) error) error {
	chat, ok := s.byID[chatID]
	if !ok {
		return fmt.Errorf("unknown chat %q", chatID)
	}

	var sinceUnix int64
	if !opts.Since.IsZero() {
		sinceUnix = opts.Since.Unix()
	}

	yielded := 0
	emit := func(m models.Message) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if opts.MinID > 0 && m.MessageID <= opts.MinID {
			return true, nil
		}
		if sinceUnix > 0 && m.MessageDate < sinceUnix {
			return true, nil
		}
		if err := fn(m); err != nil {
			return false, err
		}
		yielded++
		if opts.Limit > 0 && yielded >= opts.Limit {
			return false, nil
		}
		return true, nil
	}

	if opts.Reverse {
		for _, m := range chat.messages {
			cont, err := emit(m)
			if err != nil || !cont {
				return err
			}
		}
		return nil
	}
	for i := len(chat.messages) - 1; i >= 0; i-- {
		cont, err := emit(chat.messages[i])
		if err != nil || !cont {
			return err
		}
	}
	return nil
}

// MessageByID fetches one message from the export, nil when absent.
func (s *ExportSource) MessageByID(ctx context.Context, chatID string, messageID int64) (*models.Message, error) {
	chat, ok := s.byID[chatID]
	if !ok {
		return nil, nil
	}
	idx, ok := chat.byID[messageID]
	if !ok {
		return nil, nil
	}
	msg := chat.messages[idx]
	return &msg, nil
}

// OnNewMessage is a no-op; exports never produce live events.
func (s *ExportSource) OnNewMessage(fn MessageHandler) {}

// OnEdit is a no-op; exports never produce live events.
func (s *ExportSource) OnEdit(fn MessageHandler) {}

// OnDelete is a no-op; exports never produce live events.
func (s *ExportSource) OnDelete(fn DeleteHandler) {}

// Connected always reports up.
func (s *ExportSource) Connected() bool { return true }

func exportChatType(t string) string {
	switch t {
	case "personal_chat", "bot_chat":
		return models.ChatTypePrivate
	case "private_group", "public_group", "private_supergroup", "public_supergroup":
		return models.ChatTypeGroup
	case "private_channel", "public_channel":
		return models.ChatTypeChannel
	case "saved_messages":
		return models.ChatTypeSaved
	default:
		return models.ChatTypeUnknown
	}
}

// exportTimestamp prefers the unix field; older exports only carry the
// local ISO date string, parsed without a zone.
func exportTimestamp(unix, iso string) int64 {
	if unix != "" {
		if ts, err := strconv.ParseInt(unix, 10, 64); err == nil {
			return ts
		}
	}
	if iso != "" {
		if t, err := time.Parse("2006-01-02T15:04:05", iso); err == nil {
			return t.Unix()
		}
	}
	return 0
}

// flattenExportText folds the export's text field into a plain string.
// The field is either a string or a mixed array of strings and entity
// objects carrying their own text.
func flattenExportText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}

	var b strings.Builder
	for _, part := range parts {
		var s string
		if err := json.Unmarshal(part, &s); err == nil {
			b.WriteString(s)
			continue
		}
		var entity struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(part, &entity); err == nil {
			b.WriteString(entity.Text)
		}
	}
	return b.String()
}
