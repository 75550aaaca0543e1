package entities

import (
	"regexp"
	"strings"
)

const (
	// titleMaxLen is the cutoff below which content becomes the title verbatim
	titleMaxLen = 50
	// sentenceMaxLen is the longest first sentence accepted as a title
	sentenceMaxLen = 70
)

var (
	whitespaceRe    = regexp.MustCompile(`\s+`)
	firstSentenceRe = regexp.MustCompile(`^(.+?[.!?])\s`)
)

// DeriveTitle produces a conversation title from message content.
// Short content is used as-is; longer content is cut at the first sentence
// boundary when one falls early enough, otherwise at a word boundary with
// an ellipsis appended.
func DeriveTitle(content string) string {
	clean := strings.TrimSpace(whitespaceRe.ReplaceAllString(content, " "))
	if clean == "" {
		return DefaultTitle
	}

	// A short leading sentence wins even when the whole content would fit,
	// so multi-sentence prompts keep a crisp title.
	if match := firstSentenceRe.FindStringSubmatch(clean); match != nil {
		if sentence := match[1]; len([]rune(sentence)) <= sentenceMaxLen {
			return sentence
		}
	}

	runes := []rune(clean)
	if len(runes) <= titleMaxLen {
		return clean
	}

	// Cut at a word boundary, dropping the word the cutoff landed in
	head := string(runes[:titleMaxLen])
	words := strings.Split(head, " ")
	if len(words) > 1 {
		words = words[:len(words)-1]
		return strings.Join(words, " ") + "..."
	}
	return head + "..."
}
