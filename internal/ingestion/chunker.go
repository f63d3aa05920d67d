// Package ingestion turns raw syllabus pages into the chunk list: HTML field
// extraction, text normalization, fixed-window chunking, and corpus assembly.
package ingestion

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/pkoukk/tiktoken-go"

	"github.com/knoguchi/syllabus/internal/config"
)

// DefaultTokenEncoding is the tiktoken encoding used for token-unit chunks.
const DefaultTokenEncoding = "cl100k_base"

// Chunker splits normalized course text into bounded spans.
type Chunker interface {
	Chunk(text string) []string
}

// NewChunker returns the chunker for unit with the given window size.
func NewChunker(unit config.ChunkUnit, size int) (Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}

	switch unit {
	case config.ChunkRunes, "":
		return RuneChunker{Size: size}, nil
	case config.ChunkTokens:
		return NewTokenChunker(size, DefaultTokenEncoding)
	default:
		return nil, fmt.Errorf("%w: chunk unit %q", config.ErrUnknownMethod, unit)
	}
}

// Normalize collapses every run of whitespace, including the ideographic
// space U+3000, into a single ASCII space.
func Normalize(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))

	inSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !inSpace {
				sb.WriteByte(' ')
			}
			inSpace = true
			continue
		}
		inSpace = false
		sb.WriteRune(r)
	}
	return sb.String()
}

// windows returns [start, end) spans of width size stepping by size over n
// units. The final span is the trailing size units, so it may overlap the
// previous one; every span is full width unless n < size.
func windows(n, size int) [][2]int {
	var spans [][2]int
	for i := 0; i < n; i += size {
		if n-i < size {
			spans = append(spans, [2]int{max(0, n-size), n})
		} else {
			spans = append(spans, [2]int{i, i + size})
		}
	}
	return spans
}

// RuneChunker cuts text into windows of Size characters.
type RuneChunker struct {
	Size int
}

// Chunk splits text. Empty text yields no chunks.
func (c RuneChunker) Chunk(text string) []string {
	runes := []rune(text)
	spans := windows(len(runes), c.Size)

	chunks := make([]string, len(spans))
	for i, s := range spans {
		chunks[i] = string(runes[s[0]:s[1]])
	}
	return chunks
}

// TokenChunker cuts text into windows of a fixed number of BPE tokens, for
// embedding models whose limit is counted in tokens.
type TokenChunker struct {
	size int
	enc  *tiktoken.Tiktoken
}

// NewTokenChunker loads encoding and returns a chunker with size-token windows.
func NewTokenChunker(size int, encoding string) (*TokenChunker, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding: %w", err)
	}
	return &TokenChunker{size: size, enc: enc}, nil
}

// Chunk splits text. A window boundary may split a multi-byte character;
// such fragments are dropped from the decoded text.
func (c *TokenChunker) Chunk(text string) []string {
	tokens := c.enc.Encode(text, nil, nil)
	spans := windows(len(tokens), c.size)

	chunks := make([]string, 0, len(spans))
	for _, s := range spans {
		chunk := strings.ToValidUTF8(c.enc.Decode(tokens[s[0]:s[1]]), "")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}
