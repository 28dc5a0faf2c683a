// Package scoring computes the score of an exercise submission.
//
// Every exercise type is scored the same way: each item (question, blank, zone, card, pair or
// drop zone) of the exercise content is compared to the submitted answer, and the score is the
// percentage of correctly answered items. Text comparisons ignore case, accents & extra whitespace.
package scoring

import (
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "ʼ", "'", "`", "'", "´", "'")

type (
	// ItemFeedback is the correction of a single item.
	ItemFeedback struct {
		Index      int    `json:"index"`
		ID         string `json:"id,omitempty"`
		UserAnswer string `json:"user_answer"`
		Expected   string `json:"expected"`
		Correct    bool   `json:"correct"`
	}

	Result struct {
		Correct int            `json:"correct"`
		Total   int            `json:"total"`
		Score   int            `json:"score"` // 0-100
		Items   []ItemFeedback `json:"items"`
	}
)

func (r *Result) add(item ItemFeedback) {
	item.Index = len(r.Items)
	r.Items = append(r.Items, item)
	r.Total++
	if item.Correct {
		r.Correct++
	}
}

func (r *Result) finish() Result {
	if r.Items == nil {
		r.Items = []ItemFeedback{}
	}
	r.Score = Percent(r.Correct, r.Total)
	return *r
}

// Normalize lowers `s`, strips its diacritics, folds typographic apostrophes and collapses whitespace.
func Normalize(s string) string {
	s = apostrophes.Replace(s)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if stripped, _, err := transform.String(t, s); err == nil {
		s = stripped
	}
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Equal reports whether `a` & `b` are the same answer. An empty answer never matches.
func Equal(a, b string) bool {
	na := Normalize(a)
	return na != "" && na == Normalize(b)
}

// Percent returns correct/total as a rounded percentage; 0 when there is nothing to score.
// 100 is kept for fully correct answers.
func Percent(correct, total int) int {
	if total <= 0 || correct <= 0 {
		return 0
	}
	if correct >= total {
		return 100
	}
	if p := int(math.Round(float64(correct) * 100 / float64(total))); p < 100 {
		return p
	}
	return 99
}

// MatchOrdered compares user[i] to expected[i] for every expected answer.
// Missing user answers are wrong, extra ones are ignored.
func MatchOrdered(user, expected []string) Result {
	var res Result
	for i, exp := range expected {
		var ua string
		if i < len(user) {
			ua = user[i]
		}
		res.add(ItemFeedback{UserAnswer: ua, Expected: exp, Correct: Equal(ua, exp)})
	}
	return res.finish()
}

// MatchMultiset checks every user answer against the expected answers not matched yet, in any order.
// A matched expected answer is consumed, so one expected answer is never credited twice.
// Only the first len(expected) user answers are considered.
func MatchMultiset(user, expected []string) Result {
	remaining := make([]string, len(expected))
	for i, exp := range expected {
		remaining[i] = Normalize(exp)
	}
	used := make([]bool, len(expected))

	var res Result
	for i, exp := range expected {
		var ua string
		if i < len(user) {
			ua = user[i]
		}
		item := ItemFeedback{UserAnswer: ua, Expected: exp}
		if nua := Normalize(ua); nua != "" {
			for j, rem := range remaining {
				if !used[j] && rem == nua {
					used[j] = true
					item.Correct = true
					item.Expected = expected[j]
					break
				}
			}
		}
		res.add(item)
	}
	return res.finish()
}
