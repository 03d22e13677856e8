// Package summarize produces short summaries of indexed page text.
package summarize

import (
	"context"
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrEmpty is returned when there is no text to summarize.
var ErrEmpty = errors.New("summarize: empty text")

// Summarizer turns page text into a short summary.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Lead returns the opening sentences of a text.
type Lead struct {
	// Sentences is the number of sentences kept. Defaults to 2.
	Sentences int
	// MaxRunes bounds the summary length. Defaults to 400.
	MaxRunes int
}

// Summarize implements Summarizer.
func (l Lead) Summarize(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return "", ErrEmpty
	}
	sentences := l.Sentences
	if sentences <= 0 {
		sentences = 2
	}
	maxRunes := l.MaxRunes
	if maxRunes <= 0 {
		maxRunes = 400
	}

	end := len(text)
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		next := i + utf8.RuneLen(r)
		if next < len(text) {
			following, _ := utf8.DecodeRuneInString(text[next:])
			if !unicode.IsSpace(following) {
				continue
			}
		}
		sentences--
		if sentences == 0 {
			end = next
			break
		}
	}
	return truncate(text[:end], maxRunes), nil
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	cut := string(runes[:limit])
	if !unicode.IsSpace(runes[limit]) {
		if idx := strings.LastIndexByte(cut, ' '); idx > limit/2 {
			cut = cut[:idx]
		}
	}
	return strings.TrimRight(cut, " ,;:") + "…"
}
