// ABOUTME: Built-in heuristic gates over author standing, purpose, activity and prose
// ABOUTME: Every gate is a pure function of its Input

package gates

import (
	"context"
	"strconv"
	"strings"
	"unicode"
)

// Gate names.
const (
	AuthorStandingGate   = "AUTHOR_STANDING"
	PurposeAlignmentGate = "PURPOSE_ALIGNMENT"
	PolicyGateName       = "POLICY"
	RateOfActivityGate   = "RATE_OF_ACTIVITY"
	StructureGate        = "STRUCTURE"
	OriginalityGate      = "ORIGINALITY"
	ClarityGate          = "CLARITY"
)

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 3, 64)
}

// AuthorStanding requires a registered author whose reputation is at least
// MinReputation. Authors within twice the floor pass with a warning.
type AuthorStanding struct {
	MinReputation float64
}

func (AuthorStanding) Name() string { return AuthorStandingGate }

func (g AuthorStanding) Evaluate(_ context.Context, in Input) Evidence {
	if in.Author == nil {
		return Evidence{Result: Failed, Confidence: 1, Reason: "author is not registered"}
	}
	details := map[string]string{
		"reputation": fmtFloat(in.Author.Reputation),
		"minimum":    fmtFloat(g.MinReputation),
	}
	switch {
	case in.Author.Reputation < g.MinReputation:
		return Evidence{Result: Failed, Confidence: 1, Reason: "author reputation is below the minimum", Details: details}
	case in.Author.Reputation < 2*g.MinReputation:
		return Evidence{Result: Warning, Confidence: 0.6, Reason: "author reputation is close to the minimum", Details: details}
	default:
		return Evidence{Result: Passed, Confidence: 1, Reason: "author is in good standing", Details: details}
	}
}

// PurposeAlignment requires a declared purpose and checks that the body shares
// vocabulary with it. Replies are judged against the thread instead.
type PurposeAlignment struct{}

func (PurposeAlignment) Name() string { return PurposeAlignmentGate }

func (PurposeAlignment) Evaluate(_ context.Context, in Input) Evidence {
	if in.Author == nil || strings.TrimSpace(in.Author.DeclaredPurpose) == "" {
		return Evidence{Result: Failed, Confidence: 1, Reason: "author has not declared a purpose"}
	}
	if in.Context.IsReply() {
		return Evidence{Result: Passed, Confidence: 0.7, Reason: "reply within an existing thread"}
	}

	purpose := vocabulary(in.Author.DeclaredPurpose)
	if len(purpose) == 0 {
		return Evidence{Result: Warning, Confidence: 0.4, Reason: "declared purpose has no significant terms"}
	}
	body := vocabulary(in.Body)
	shared := 0
	for w := range purpose {
		if _, ok := body[w]; ok {
			shared++
		}
	}
	overlap := float64(shared) / float64(len(purpose))
	details := map[string]string{
		"shared_terms": strconv.Itoa(shared),
		"overlap":      fmtFloat(overlap),
	}
	if shared == 0 {
		return Evidence{Result: Warning, Confidence: 0.3, Reason: "content shares no terms with the declared purpose", Details: details}
	}
	return Evidence{Result: Passed, Confidence: clamp01(0.5 + overlap), Reason: "content is aligned with the declared purpose", Details: details}
}

// RateOfActivity fails authors whose self-reported recent post count exceeds
// MaxRecentPosts, and warns above three quarters of it.
type RateOfActivity struct {
	MaxRecentPosts int
}

func (RateOfActivity) Name() string { return RateOfActivityGate }

func (g RateOfActivity) Evaluate(_ context.Context, in Input) Evidence {
	if in.Context.RecentPosts == nil {
		return Evidence{Result: Passed, Confidence: 0.5, Reason: "no activity counters supplied"}
	}
	n := *in.Context.RecentPosts
	details := map[string]string{
		"recent_posts": strconv.Itoa(n),
		"maximum":      strconv.Itoa(g.MaxRecentPosts),
	}
	switch {
	case n > g.MaxRecentPosts:
		return Evidence{Result: Failed, Confidence: 1, Reason: "recent activity exceeds the allowed rate", Details: details}
	case n*4 > g.MaxRecentPosts*3:
		return Evidence{Result: Warning, Confidence: 0.6, Reason: "recent activity is close to the allowed rate", Details: details}
	default:
		return Evidence{Result: Passed, Confidence: 1, Reason: "recent activity is within bounds", Details: details}
	}
}

// Originality scores the ratio of distinct to total words. Repetitive bodies
// score low.
type Originality struct{}

func (Originality) Name() string { return OriginalityGate }

func (Originality) Evaluate(_ context.Context, in Input) Evidence {
	words := words(in.Body)
	if len(words) < 5 {
		return Evidence{Result: Passed, Confidence: 0.5, Reason: "too short to judge repetition"}
	}
	distinct := make(map[string]struct{}, len(words))
	for _, w := range words {
		distinct[w] = struct{}{}
	}
	ratio := float64(len(distinct)) / float64(len(words))
	details := map[string]string{
		"words":    strconv.Itoa(len(words)),
		"distinct": strconv.Itoa(len(distinct)),
	}
	if ratio < 0.4 {
		return Evidence{Result: Warning, Confidence: ratio, Reason: "content is highly repetitive", Details: details}
	}
	return Evidence{Result: Passed, Confidence: clamp01(ratio + 0.2), Reason: "content is varied", Details: details}
}

// Clarity scores average sentence length; sentences up to 20 words score fully
// and the score falls to zero at 60.
type Clarity struct{}

func (Clarity) Name() string { return ClarityGate }

func (Clarity) Evaluate(_ context.Context, in Input) Evidence {
	sentences := strings.FieldsFunc(in.Body, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	var count, total int
	for _, s := range sentences {
		if n := len(strings.Fields(s)); n > 0 {
			count++
			total += n
		}
	}
	if count == 0 {
		return Evidence{Result: Skipped, Reason: "no sentences found"}
	}
	avg := float64(total) / float64(count)
	conf := 1.0
	if avg > 20 {
		conf = clamp01(1 - (avg-20)/40)
	}
	details := map[string]string{
		"sentences":          strconv.Itoa(count),
		"avg_sentence_words": fmtFloat(avg),
	}
	if conf < 0.5 {
		return Evidence{Result: Warning, Confidence: conf, Reason: "sentences are long", Details: details}
	}
	return Evidence{Result: Passed, Confidence: conf, Reason: "sentences are readable", Details: details}
}

// words lowercases s and splits it on anything that is not a letter or digit.
func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

var stopWords = map[string]struct{}{
	"about": {}, "after": {}, "also": {}, "and": {}, "are": {}, "for": {}, "from": {},
	"have": {}, "into": {}, "just": {}, "more": {}, "that": {}, "the": {}, "their": {},
	"them": {}, "then": {}, "there": {}, "these": {}, "they": {}, "this": {}, "what": {},
	"when": {}, "which": {}, "with": {}, "will": {}, "your": {},
}

// vocabulary is the set of significant terms in s: four or more characters and
// not a stop word.
func vocabulary(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range words(s) {
		if len([]rune(w)) < 4 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

// Catalogue configures the built-in gate set.
type Catalogue struct {
	MinReputation  float64
	MaxRecentPosts int
	Policy         *Policy
}

// Required returns AUTHOR_STANDING, PURPOSE_ALIGNMENT, POLICY and
// RATE_OF_ACTIVITY in that order.
func (c Catalogue) Required() []Gate {
	policy := c.Policy
	if policy == nil {
		policy = &Policy{}
	}
	maxPosts := c.MaxRecentPosts
	if maxPosts <= 0 {
		maxPosts = 50
	}
	return []Gate{
		AuthorStanding{MinReputation: c.MinReputation},
		PurposeAlignment{},
		policy,
		RateOfActivity{MaxRecentPosts: maxPosts},
	}
}

// Quality returns STRUCTURE, ORIGINALITY and CLARITY with weights 0.3, 0.4, 0.3.
func (Catalogue) Quality() []Weighted {
	return []Weighted{
		{Gate: NewStructure(), Weight: 0.3},
		{Gate: Originality{}, Weight: 0.4},
		{Gate: Clarity{}, Weight: 0.3},
	}
}
