package orchestrator

import (
	"regexp"
	"strings"

	"github.com/JaisonBinns/nanoclaw/internal/store"
)

var (
	xmlEscaper    = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	internalBlock = regexp.MustCompile(`(?s)<internal>.*?</internal>`)
)

func escapeXML(s string) string { return xmlEscaper.Replace(s) }

// FormatMessages renders a batch of chat messages as the agent prompt.
func FormatMessages(msgs []store.Message) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range msgs {
		b.WriteString(`<message sender="`)
		b.WriteString(escapeXML(m.SenderName))
		b.WriteString(`" time="`)
		b.WriteString(escapeXML(m.Timestamp))
		b.WriteString(`">`)
		b.WriteString(escapeXML(m.Content))
		b.WriteString("</message>\n")
	}
	b.WriteString("</messages>")
	return b.String()
}

// StripInternal removes <internal>...</internal> reasoning blocks.
func StripInternal(text string) string {
	return strings.TrimSpace(internalBlock.ReplaceAllString(text, ""))
}

// FormatOutbound prepares agent text for a chat. It returns "" when nothing
// user-visible is left.
func FormatOutbound(assistantName, text string) string {
	text = StripInternal(text)
	if text == "" {
		return ""
	}
	return assistantName + ": " + text
}

// TriggerPattern compiles pattern, or the default "@Name" prefix match when
// pattern is empty.
func TriggerPattern(assistantName, pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		pattern = `(?i)^@` + regexp.QuoteMeta(assistantName) + `\b`
	}
	return regexp.Compile(pattern)
}

func hasTrigger(re *regexp.Regexp, msgs []store.Message) bool {
	for _, m := range msgs {
		if re.MatchString(strings.TrimSpace(m.Content)) {
			return true
		}
	}
	return false
}
