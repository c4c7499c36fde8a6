package transform

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// SynonymRewriter substitutes dictionary words with a synonym. The choice is a
// hash of the word and its position, so the same text always rewrites the same
// way. Preserved terms and words next to numbers are left as-is.
type SynonymRewriter struct {
	preserved map[string]bool
}

// NewSynonymRewriter creates a rewriter that never touches the given terms
func NewSynonymRewriter(preserved []string) *SynonymRewriter {
	set := make(map[string]bool, len(preserved))
	for _, term := range preserved {
		set[strings.ToLower(strings.TrimSpace(term))] = true
	}
	return &SynonymRewriter{preserved: set}
}

type token struct {
	text string
	word bool
}

// Rewrite implements TextRewriter
func (s *SynonymRewriter) Rewrite(ctx context.Context, text string, dict Dictionary) (string, error) {
	tokens := tokenize(text)
	var sb strings.Builder
	sb.Grow(len(text))

	for i, tok := range tokens {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return "", err
			}
		}
		if !tok.word || s.keep(tokens, i) {
			sb.WriteString(tok.text)
			continue
		}
		syns := dict[strings.ToLower(tok.text)]
		if len(syns) == 0 {
			sb.WriteString(tok.text)
			continue
		}
		sb.WriteString(matchCase(tok.text, syns[choose(tok.text, i, len(syns))]))
	}
	return sb.String(), nil
}

// keep reports whether the word at i must not be replaced
func (s *SynonymRewriter) keep(tokens []token, i int) bool {
	if s.preserved[strings.ToLower(tokens[i].text)] {
		return true
	}
	return nearNumber(tokens, i-1, -1) || nearNumber(tokens, i+1, 1)
}

// nearNumber looks past spaces from i in direction step for a numeric token
func nearNumber(tokens []token, i, step int) bool {
	for ; i >= 0 && i < len(tokens); i += step {
		t := tokens[i].text
		if strings.TrimSpace(t) == "" {
			continue
		}
		return strings.ContainsFunc(t, unicode.IsDigit)
	}
	return false
}

// choose picks a synonym index from the FNV hash of the word and its position
func choose(word string, position, n int) int {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(word)))
	h.Write([]byte{byte(position), byte(position >> 8)})
	return int(h.Sum32() % uint32(n))
}

// matchCase applies the case pattern of original to replacement
func matchCase(original, replacement string) string {
	first, _ := utf8.DecodeRuneInString(original)
	switch {
	case utf8.RuneCountInString(original) > 1 && strings.ToUpper(original) == original:
		return strings.ToUpper(replacement)
	case unicode.IsUpper(first):
		r, size := utf8.DecodeRuneInString(replacement)
		return string(unicode.ToUpper(r)) + replacement[size:]
	default:
		return replacement
	}
}

// tokenize splits text into letter runs and everything else, keeping every byte.
// Digits inside a run make it a non-word token such as "4K" or "USB3".
func tokenize(text string) []token {
	var tokens []token
	start := 0
	inWord := false
	flush := func(end int) {
		if end <= start {
			return
		}
		chunk := text[start:end]
		isWord := inWord && !strings.ContainsFunc(chunk, unicode.IsDigit)
		tokens = append(tokens, token{text: chunk, word: isWord})
		start = end
	}

	for i, r := range text {
		letter := unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-'
		if i == 0 {
			inWord = letter
			continue
		}
		if letter != inWord {
			flush(i)
			inWord = letter
		}
	}
	flush(len(text))
	return tokens
}
