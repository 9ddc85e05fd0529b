package logx

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

const (
	chatMaxLen   = 3500
	chatFieldLen = 600
)

// chatWriter is a zerolog.LevelWriter that queues records for the chat worker.
// It never blocks: records beyond the rate limit or queue capacity are dropped.
type chatWriter struct{ svc *Service }

func (w *chatWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *chatWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	chat := s.cfg.Chat
	lim := s.limiter
	minLevel := s.minLevel
	s.mu.Unlock()

	if chat.ChatID == 0 || lim == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	text := formatChatRecord(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case s.chatQueue <- chatItem{chatID: chat.ChatID, threadID: chat.ThreadID, text: text}:
	default:
	}
	return len(p), nil
}

// formatChatRecord renders a zerolog JSON line as "[LEVEL] msg" followed by
// one "- key=value" line per field, sorted by key.
func formatChatRecord(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return truncate(raw, chatMaxLen)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(m[k]), chatFieldLen))
	}
	return truncate(b.String(), chatMaxLen)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
