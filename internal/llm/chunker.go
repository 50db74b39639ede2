package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/mimirai/voice-gateway/internal/observability"
)

const uiActionMarker = "UI_ACTION:"

var uiActionPattern = regexp.MustCompile(`UI_ACTION:\s*(\{[^}]+\})`)

// ExtractUIActions removes UI_ACTION markers from text and returns the
// remaining text (blank lines dropped) with the parsed actions in order.
// Markers whose JSON does not parse are removed and skipped.
func ExtractUIActions(text string) (string, []map[string]any) {
	var actions []map[string]any
	for _, match := range uiActionPattern.FindAllStringSubmatch(text, -1) {
		var action map[string]any
		if err := json.Unmarshal([]byte(match[1]), &action); err != nil {
			logger := observability.GetLogger()
			logger.Warn().Err(err).Str("action", match[1]).Msg("Failed to parse UI action")
			continue
		}
		actions = append(actions, action)
	}

	clean := strings.TrimSpace(uiActionPattern.ReplaceAllString(text, ""))

	lines := strings.Split(clean, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			kept = append(kept, line)
		}
	}

	return strings.Join(kept, "\n"), actions
}

// SentenceChunker accumulates streamed text and yields complete sentences
// for synthesis. A sentence ends at '.', '!' or '?'. Segments containing a
// UI_ACTION marker are never yielded; a marker still being streamed holds
// back the text after it until its JSON closes.
type SentenceChunker struct {
	buf strings.Builder
}

// Push adds streamed text and returns the sentences completed by it
func (c *SentenceChunker) Push(text string) []string {
	c.buf.WriteString(text)
	return c.drain(false)
}

// Flush returns whatever text remains as a final segment
func (c *SentenceChunker) Flush() []string {
	return c.drain(true)
}

func (c *SentenceChunker) drain(final bool) []string {
	pending := uiActionPattern.ReplaceAllString(c.buf.String(), "")

	// An unterminated marker blocks everything from it onwards
	held := ""
	if i := strings.Index(pending, uiActionMarker); i >= 0 && !final {
		pending, held = pending[:i], pending[i:]
	}

	var sentences []string
	for {
		end := strings.IndexAny(pending, ".!?")
		if end < 0 {
			break
		}
		sentence := normalize(pending[:end+1])
		pending = pending[end+1:]
		if sentence != "" && !strings.Contains(sentence, uiActionMarker) {
			sentences = append(sentences, sentence)
		}
	}

	rest := strings.TrimLeft(pending, " \t\n") + held
	if final {
		rest = normalize(rest)
		if rest != "" && !strings.Contains(rest, uiActionMarker) {
			sentences = append(sentences, rest)
		}
		rest = ""
	}

	c.buf.Reset()
	c.buf.WriteString(rest)
	return sentences
}

// normalize collapses whitespace runs left behind by removed markers
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
