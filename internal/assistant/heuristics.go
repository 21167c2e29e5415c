package assistant

import (
	"regexp"
	"strings"
)

// Sentiment labels.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
)

// EscalationKeywords force a human handoff when found in the user's text.
var EscalationKeywords = []string{
	"refund", "cancel", "complaint", "legal", "lawyer",
	"sue", "fraud", "scam", "urgent", "emergency",
}

var (
	positiveWords = []string{"thank", "great", "awesome", "love", "perfect", "excellent", "good", "happy", "pleased"}
	negativeWords = []string{"angry", "frustrated", "terrible", "awful", "hate", "worst", "useless", "bad", "disappointed", "upset"}

	escalationRe = wordStartPattern(EscalationKeywords)
	positiveRes  = wordStartPatterns(positiveWords)
	negativeRes  = wordStartPatterns(negativeWords)
)

// wordStartPattern matches any word beginning with one of words, so
// "refunds" matches "refund" but "issue" does not match "sue".
func wordStartPattern(words []string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)`)
}

func wordStartPatterns(words []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(words))
	for i, w := range words {
		out[i] = wordStartPattern([]string{w})
	}
	return out
}

// EstimateConfidence buckets a reply by its length and the size of the
// knowledge-base context it was generated with.
func EstimateConfidence(reply, kbContext string) float64 {
	switch {
	case len([]rune(strings.TrimSpace(reply))) < 10:
		return 0.1
	case len(kbContext) > 100:
		return 0.85
	case kbContext == "":
		return 0.65
	default:
		return 0.75
	}
}

// ContainsEscalationKeyword reports whether the user's text asks for
// something only a human should handle.
func ContainsEscalationKeyword(text string) bool {
	return escalationRe.MatchString(text)
}

// DetectSentiment votes over positive and negative keywords. Ties are neutral.
func DetectSentiment(text string) string {
	pos, neg := 0, 0
	for _, re := range positiveRes {
		if re.MatchString(text) {
			pos++
		}
	}
	for _, re := range negativeRes {
		if re.MatchString(text) {
			neg++
		}
	}
	switch {
	case neg > pos:
		return SentimentNegative
	case pos > neg:
		return SentimentPositive
	default:
		return SentimentNeutral
	}
}
