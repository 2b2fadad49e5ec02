package whatsapp

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/talkincode/wacrm/internal/domain"
)

const (
	previewTextLimit    = 120
	previewCaptionLimit = 80
)

var previewLabels = map[string]string{
	domain.KindImage:         "📷 Photo",
	domain.KindVideo:         "🎥 Video",
	domain.KindAudio:         "🎤 Audio",
	domain.KindSticker:       "✨ Sticker",
	domain.KindFile:          "📄 File",
	domain.KindLocation:      "📍 Location",
	domain.KindButtonReply:   "🔘 Button reply",
	domain.KindListReply:     "📋 List reply",
	domain.KindTemplateReply: "🧩 Template reply",
	domain.KindUnknown:       "💬 Message",
}

var previewGlyphs = map[string]string{
	domain.KindImage:         "📷",
	domain.KindVideo:         "🎥",
	domain.KindFile:          "📄",
	domain.KindLocation:      "📍",
	domain.KindButtonReply:   "🔘",
	domain.KindListReply:     "📋",
	domain.KindTemplateReply: "🧩",
}

// Preview renders the one-line summary shown in conversation lists.
func Preview(kind, content string, durationMs int64) string {
	content = strings.Join(strings.Fields(content), " ")
	if kind == domain.KindText {
		return truncate(content, previewTextLimit)
	}

	label, ok := previewLabels[kind]
	if !ok {
		label = previewLabels[domain.KindUnknown]
	}
	if kind == domain.KindAudio {
		return truncate(fmt.Sprintf("%s (%s)", label, clock(durationMs)), previewCaptionLimit)
	}
	glyph, hasGlyph := previewGlyphs[kind]
	if !hasGlyph || content == "" || isPlaceholder(content) {
		return label
	}
	return truncate(glyph+" "+content, previewCaptionLimit)
}

func isPlaceholder(s string) bool {
	return strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]")
}

func clock(ms int64) string {
	secs := (ms + 500) / 1000
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

// truncate keeps at most limit runes, the last one being an ellipsis when cut.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}
