package notification

import (
	"fmt"
	"strings"
)

// Lines renders cfg as plain text lines shared by text-based renderers:
// title (with badge), body (hidden when secret) and a progress bar.
func Lines(cfg Config) []string {
	title := cfg.Title
	if cfg.Badge > 0 {
		title = fmt.Sprintf("%s (%d)", title, cfg.Badge)
	}
	out := []string{title}
	if cfg.Visibility != VisibilitySecret && cfg.Message != "" {
		out = append(out, cfg.Message)
	}
	if p := cfg.Progress; p != nil && p.Max > 0 {
		out = append(out, ProgressBar(p.Current, p.Max, 10))
	}
	return out
}

// ProgressBar draws a fixed-width bar followed by current/max.
func ProgressBar(current, total, width int) string {
	if total <= 0 || width <= 0 {
		return ""
	}
	current = max(0, min(total, current))
	filled := current * width / total
	return fmt.Sprintf("[%s%s] %d/%d", strings.Repeat("#", filled), strings.Repeat("-", width-filled), current, total)
}
