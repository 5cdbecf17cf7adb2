package pipeline

import (
	"math"
	"regexp"
	"strings"

	"github.com/Lllllllleong/quizdocflow/internal/models"
)

// AcceptanceThreshold is the minimum readability score (0-100 scale) a text
// needs before questions may be generated from it. It is unrelated to the
// 0-1 "quality" figure some UI components display.
const AcceptanceThreshold = 30.0

var sentenceBreak = regexp.MustCompile(`[.!?]+`)

// Score computes quality metrics for cleaned text. It never fails; empty
// input yields zeroed metrics.
func Score(text string, pageCount int, hasImages bool) models.TextQualityMetrics {
	m := models.TextQualityMetrics{HasImages: hasImages}
	if pageCount < 1 {
		pageCount = 1
	}
	m.TextDensity = float64(len(text)) / float64(pageCount)

	words := strings.Fields(text)
	m.WordCount = len(words)
	m.SentenceCount = countSentences(text)
	m.AverageWordsPerSentence = float64(m.WordCount) / float64(max(m.SentenceCount, 1))

	if m.WordCount == 0 || m.SentenceCount == 0 {
		return m
	}

	syllables := 0
	for _, w := range words {
		syllables += CountSyllables(w)
	}
	avgSyllables := float64(syllables) / float64(m.WordCount)
	score := 206.835 - 1.015*m.AverageWordsPerSentence - 84.6*avgSyllables
	m.ReadabilityScore = math.Max(0, math.Min(100, score))
	return m
}

// IsAcceptable is the quality gate for question generation.
func IsAcceptable(score float64) bool {
	return score >= AcceptanceThreshold
}

func countSentences(text string) int {
	n := 0
	for _, seg := range sentenceBreak.Split(text, -1) {
		if strings.TrimSpace(seg) != "" {
			n++
		}
	}
	return n
}

// CountSyllables estimates syllables by counting vowel groups (y included),
// dropping a trailing silent e, and never returning less than one.
func CountSyllables(word string) int {
	count := 0
	prevVowel := false
	letters := 0
	lastLetter := byte(0)
	for i := 0; i < len(word); i++ {
		c := word[i] | 0x20
		if c < 'a' || c > 'z' {
			continue
		}
		letters++
		lastLetter = c
		v := isVowel(c)
		if v && !prevVowel {
			count++
		}
		prevVowel = v
	}
	if letters > 0 && lastLetter == 'e' && count > 1 {
		count--
	}
	if count < 1 {
		count = 1
	}
	return count
}

func isVowel(c byte) bool {
	switch c {
	case 'a', 'e', 'i', 'o', 'u', 'y':
		return true
	}
	return false
}
