package channels

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  int
	}{
		{"fits", "short", 10, 1},
		{"exact", strings.Repeat("a", 10), 10, 1},
		{"hard split", strings.Repeat("a", 25), 10, 3},
		{"newline near end", strings.Repeat("a", 9) + "\n" + strings.Repeat("b", 9), 10, 2},
		{"newline too early", "ab\n" + strings.Repeat("c", 20), 10, 3},
		{"multibyte", strings.Repeat("ü", 15), 10, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := SplitMessage(tt.text, tt.limit)
			if len(chunks) != tt.want {
				t.Fatalf("got %d chunks %q, want %d", len(chunks), chunks, tt.want)
			}
			for _, c := range chunks {
				if utf8.RuneCountInString(c) > tt.limit {
					t.Fatalf("chunk %q exceeds limit %d", c, tt.limit)
				}
			}
			if strings.Join(chunks, "") != tt.text {
				t.Fatal("chunks do not reassemble to the original text")
			}
		})
	}
}

func TestSplitMessagePrefersNewline(t *testing.T) {
	text := strings.Repeat("a", 9) + "\n" + strings.Repeat("b", 5)
	chunks := SplitMessage(text, 11)
	if len(chunks) != 2 || chunks[0] != strings.Repeat("a", 9)+"\n" {
		t.Fatalf("expected split after newline, got %q", chunks)
	}
}

func TestSendChunkedPrefixes(t *testing.T) {
	var sent []string
	err := SendChunked(context.Background(), strings.Repeat("x", 25), 10, func(ctx context.Context, part string) error {
		sent = append(sent, part)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(sent) != 3 || !strings.HasPrefix(sent[0], "[1/3] ") || !strings.HasPrefix(sent[2], "[3/3] ") {
		t.Fatalf("unexpected chunks %q", sent)
	}

	sent = nil
	_ = SendChunked(context.Background(), "one", 10, func(ctx context.Context, part string) error {
		sent = append(sent, part)
		return nil
	})
	if len(sent) != 1 || sent[0] != "one" {
		t.Fatalf("single chunk must not be prefixed: %q", sent)
	}
}

func TestSendChunkedStopsOnError(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := SendChunked(context.Background(), strings.Repeat("x", 25), 10, func(ctx context.Context, part string) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("expected first error to stop sending, calls=%d err=%v", calls, err)
	}
}
