package relay

import (
	"context"
	"strings"
)

// Notifier delivers plain outbound text to a recipient, independent of which
// messaging surface implements it. Implementations enforce their own length
// ceiling by chunking with SplitMessage.
type Notifier interface {
	Send(ctx context.Context, chatID string, text string) error
}

// SplitMessage splits text into chunks of at most limit runes. Chunks break
// on the line boundary nearest under the limit; a chunk is cut mid-line only
// when a single line exceeds the limit on its own. Empty input yields no
// chunks.
func SplitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 {
		return []string{text}
	}

	runes := []rune(text)
	var chunks []string
	for len(runes) > limit {
		cut := limit
		// Prefer the last newline inside the window.
		if idx := lastNewline(runes[:limit+1]); idx > 0 {
			cut = idx
		}
		chunk := strings.TrimRight(string(runes[:cut]), "\n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		// Skip the newline we broke on.
		for cut < len(runes) && runes[cut] == '\n' {
			cut++
		}
		runes = runes[cut:]
	}
	if rest := string(runes); rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// lastNewline returns the index of the last '\n' in rs, or -1.
func lastNewline(rs []rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == '\n' {
			return i
		}
	}
	return -1
}
