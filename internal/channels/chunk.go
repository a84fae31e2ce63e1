package channels

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ChunkDelay separates consecutive chunks of one message.
const ChunkDelay = 100 * time.Millisecond

// SplitMessage breaks text into pieces of at most limit runes. A piece ends
// after the last newline found beyond 80% of the limit, otherwise it is cut
// hard at the limit. Concatenating the pieces yields text.
func SplitMessage(text string, limit int) []string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(runes) > limit {
		cut := limit
		window := string(runes[:limit])
		if nl := strings.LastIndex(window, "\n"); nl >= 0 {
			// byte offset to rune offset
			at := len([]rune(window[:nl]))
			if at > limit*8/10 {
				cut = at + 1
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// SendChunked splits text and sends each piece with send, prefixing "[i/n] "
// when there is more than one piece.
func SendChunked(ctx context.Context, text string, limit int, send func(ctx context.Context, part string) error) error {
	chunks := SplitMessage(text, limit)
	for i, chunk := range chunks {
		if len(chunks) > 1 {
			chunk = fmt.Sprintf("[%d/%d] %s", i+1, len(chunks), chunk)
		}
		if err := send(ctx, chunk); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if i < len(chunks)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(ChunkDelay):
			}
		}
	}
	return nil
}
