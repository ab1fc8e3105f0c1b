package validator

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/mykhaliev/tool-conformance/model"
)

// Tones known to the classifier.
const (
	ToneNeutral      = "neutral"
	ToneFriendly     = "friendly"
	ToneFormal       = "formal"
	ToneEnthusiastic = "enthusiastic"
	ToneApologetic   = "apologetic"
	ToneEmpathetic   = "empathetic"
)

// Order breaks ties between tones with the same score.
var toneOrder = []string{ToneApologetic, ToneEmpathetic, ToneEnthusiastic, ToneFormal, ToneFriendly}

var toneKeywords = map[string][]string{
	ToneFriendly: {
		"hi", "hello", "hey", "glad", "happy to", "sure", "no problem", "cheers",
		"thanks", "thank you", "feel free", "hope this helps", "great",
	},
	ToneFormal: {
		"dear", "sincerely", "regards", "furthermore", "therefore", "hereby", "kindly",
		"please be advised", "accordingly", "we would like", "respectfully", "pursuant",
	},
	ToneEnthusiastic: {
		"amazing", "fantastic", "exciting", "excited", "awesome", "wonderful",
		"incredible", "wow", "love", "brilliant", "thrilled",
	},
	ToneApologetic: {
		"sorry", "apologize", "apologise", "apologies", "unfortunately", "regret",
		"my mistake", "pardon", "forgive",
	},
	ToneEmpathetic: {
		"understand", "i hear you", "that sounds", "must be", "feel", "feeling",
		"here for you", "difficult", "frustrating", "it's okay", "not alone",
	},
}

var toneAliases = map[string]string{
	"professional": ToneFormal,
	"polite":       ToneFormal,
	"casual":       ToneFriendly,
	"warm":         ToneFriendly,
	"excited":      ToneEnthusiastic,
	"sympathetic":  ToneEmpathetic,
	"empathic":     ToneEmpathetic,
	"apology":      ToneApologetic,
}

// ClassifyTone assigns text to the tone with the most keyword hits, or
// neutral when nothing matches. It is a heuristic, not a sentiment model.
func ClassifyTone(text string) (string, map[string]int) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	padded := " " + strings.Join(words, " ") + " "

	scores := make(map[string]int, len(toneKeywords))
	for tone, keywords := range toneKeywords {
		for _, kw := range keywords {
			scores[tone] += strings.Count(padded, " "+kw+" ")
		}
	}
	scores[ToneEnthusiastic] += min(strings.Count(text, "!"), 3)

	best, bestScore := ToneNeutral, 0
	for _, tone := range toneOrder {
		if scores[tone] > bestScore {
			best, bestScore = tone, scores[tone]
		}
	}
	return best, scores
}

func canonicalTone(tone string) string {
	t := strings.ToLower(strings.TrimSpace(tone))
	if alias, ok := toneAliases[t]; ok {
		return alias
	}
	return t
}

func evalResponseTone(r model.ResponseTone, response string) model.ValidationResult {
	want := canonicalTone(r.Tone)
	if _, known := toneKeywords[want]; !known && want != ToneNeutral {
		return model.Fail(fmt.Sprintf("Unknown tone '%s'", r.Tone), "")
	}

	got, scores := ClassifyTone(response)
	if got == want {
		return model.Pass(fmt.Sprintf("Response tone is %s", got))
	}
	return model.Fail(
		fmt.Sprintf("Expected %s tone, classified as %s", want, got),
		formatScores(scores),
	)
}

func formatScores(scores map[string]int) string {
	tones := make([]string, 0, len(scores))
	for t := range scores {
		tones = append(tones, t)
	}
	sort.Strings(tones)
	parts := make([]string, 0, len(tones))
	for _, t := range tones {
		parts = append(parts, fmt.Sprintf("%s=%d", t, scores[t]))
	}
	return strings.Join(parts, " ")
}
