package document

import (
	"strings"
)

// Chunker default settings.
const (
	DefaultChunkSize    = 512
	DefaultChunkOverlap = 64
)

// ChunkerConfig controls text segmentation.
type ChunkerConfig struct {
	// MaxTokens is the maximum token length of a chunk.
	MaxTokens int
	// Overlap is the number of trailing tokens repeated at the start of
	// the next chunk.
	Overlap int
}

// Chunker splits document text on semantic boundaries (paragraphs, then
// sentences) under a token budget with a configurable overlap window.
// Token counts are whitespace-delimited word estimates.
type Chunker struct {
	maxTokens int
	overlap   int
}

// NewChunker creates a chunker. A non-positive MaxTokens and a negative
// Overlap fall back to the defaults; zero Overlap disables the window.
// Overlap is clamped below the chunk size.
func NewChunker(cfg ChunkerConfig) *Chunker {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultChunkSize
	}
	overlap := cfg.Overlap
	if overlap < 0 {
		overlap = DefaultChunkOverlap
	}
	if overlap >= maxTokens {
		overlap = maxTokens / 8
	}
	return &Chunker{maxTokens: maxTokens, overlap: overlap}
}

// Split segments text into ordered chunk texts. Empty or whitespace-only
// input yields zero chunks, not an error.
func (c *Chunker) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var (
		chunks  []string
		current []string // words of the chunk under assembly
		fresh   int      // words in current that are not carried overlap
	)

	// emit closes the current chunk and seeds the next one with the
	// overlap tail. A chunk holding only carried overlap is never emitted.
	emit := func() {
		if fresh == 0 {
			return
		}
		chunks = append(chunks, strings.Join(current, " "))
		if c.overlap > 0 && len(current) > c.overlap {
			current = append([]string(nil), current[len(current)-c.overlap:]...)
		} else {
			current = nil
		}
		fresh = 0
	}

	// add appends a sentence's words, window-sliding sentences that exceed
	// the budget on their own.
	add := func(words []string) {
		for len(words) > 0 {
			room := c.maxTokens - len(current)
			if room <= 0 {
				emit()
				continue
			}
			n := min(len(words), room)
			current = append(current, words[:n]...)
			fresh += n
			words = words[n:]
			if len(words) > 0 {
				emit()
			}
		}
	}

	for _, para := range splitParagraphs(text) {
		for _, sentence := range splitSentences(para) {
			words := strings.Fields(sentence)
			if len(words) == 0 {
				continue
			}
			// Keep a sentence intact when it can fit in one chunk.
			if len(words) <= c.maxTokens && len(current)+len(words) > c.maxTokens {
				emit()
				// Carried overlap yields to a sentence that only
				// stays whole without it.
				if fresh == 0 && len(current)+len(words) > c.maxTokens {
					current = nil
				}
			}
			add(words)
		}
	}
	emit()

	return chunks
}

// CountTokens estimates the token count of text as its whitespace-delimited
// word count.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}

// splitParagraphs splits on blank lines.
func splitParagraphs(text string) []string {
	var paras []string
	for _, p := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(p) != "" {
			paras = append(paras, p)
		}
	}
	return paras
}

// sentenceEnders terminate a sentence when followed by whitespace.
var sentenceEnders = map[rune]bool{'.': true, '!': true, '?': true}

// splitSentences splits a paragraph at sentence boundaries. The splitter
// is deliberately simple: a terminator followed by whitespace ends a
// sentence. A misplaced split only shifts a chunk boundary.
func splitSentences(para string) []string {
	var (
		sentences []string
		start     int
		runes     = []rune(para)
	)

	for i := 0; i < len(runes); i++ {
		if !sentenceEnders[runes[i]] {
			continue
		}
		// Consume a run of terminators ("..." / "?!").
		for i+1 < len(runes) && sentenceEnders[runes[i+1]] {
			i++
		}
		if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
			s := strings.TrimSpace(string(runes[start : i+1]))
			if s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
	}

	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		sentences = append(sentences, tail)
	}

	return sentences
}
