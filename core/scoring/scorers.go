package scoring

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/classesnumeriques/platform/core/exercise"
)

var ErrUnknownType = errors.New("unknown exercise type")

type (
	// Selection holds the selected choice indexes of a QCM question.
	// It accepts a single index as well as a list of indexes.
	Selection []int

	// Answers is a student submission; only the field matching the exercise type is used.
	Answers struct {
		Choices    []Selection       `json:"choices,omitempty"`    // qcm: per question
		Blanks     []string          `json:"blanks,omitempty"`     // fill_in_blanks, word_placement: per blank; flashcards: typed backs
		Labels     map[string]string `json:"labels,omitempty"`     // image_labeling: zone id -> label
		Pairs      map[string]string `json:"pairs,omitempty"`      // pairs: left id -> right key
		Placements []int             `json:"placements,omitempty"` // drag_and_drop: item index per drop zone
		Known      []bool            `json:"known,omitempty"`      // flashcards: self assessment per card
	}

	// Scorer scores the answers to the content of one exercise type.
	Scorer interface {
		Score(content []byte, answers Answers) (Result, error)
	}

	qcmScorer      struct{}
	blanksScorer   struct{ typ exercise.Type }
	labelingScorer struct{}
	flashScorer    struct{}
	pairsScorer    struct{}
	dndScorer      struct{}
)

var scorers = map[exercise.Type]Scorer{
	exercise.TypeQCM:           qcmScorer{},
	exercise.TypeFillInBlanks:  blanksScorer{typ: exercise.TypeFillInBlanks},
	exercise.TypeWordPlacement: blanksScorer{typ: exercise.TypeWordPlacement},
	exercise.TypeImageLabeling: labelingScorer{},
	exercise.TypeFlashcards:    flashScorer{},
	exercise.TypePairs:         pairsScorer{},
	exercise.TypeDragAndDrop:   dndScorer{},
}

func (s *Selection) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*s = nil
		return nil
	case len(data) > 0 && data[0] == '[':
		var idxs []int
		if err := json.Unmarshal(data, &idxs); err != nil {
			return err
		}
		*s = idxs
		return nil
	}
	var idx int
	if err := json.Unmarshal(data, &idx); err != nil {
		return err
	}
	*s = Selection{idx}
	return nil
}

// Score scores `answers` against the content of `ex`.
func Score(ex exercise.Exercise, answers Answers) (Result, error) {
	scorer, ok := scorers[ex.Type]
	if !ok {
		return Result{}, errors.Wrap(ErrUnknownType, string(ex.Type))
	}
	return scorer.Score(ex.Content, answers)
}

func (qcmScorer) Score(content []byte, answers Answers) (Result, error) {
	var c exercise.QCMContent
	if err := exercise.DecodeContent(content, &c); err != nil {
		return Result{}, err
	}

	var res Result
	for i, q := range c.Questions {
		var selected Selection
		if i < len(answers.Choices) {
			selected = answers.Choices[i]
		}
		want := q.CorrectChoices()
		got := uniqueSorted(selected)
		res.add(ItemFeedback{
			UserAnswer: choiceTexts(q, got),
			Expected:   choiceTexts(q, want),
			Correct:    len(got) > 0 && equalInts(got, want),
		})
	}
	return res.finish(), nil
}

func (s blanksScorer) Score(content []byte, answers Answers) (Result, error) {
	var c exercise.BlanksContent
	if err := exercise.DecodeContent(content, &c); err != nil {
		return Result{}, err
	}

	// the blank count rules over the number of expected answers
	expected := c.Expected(s.typ)
	if n := c.BlankCount(); n < len(expected) {
		expected = expected[:n]
	} else if n > len(expected) {
		expected = append(append([]string{}, expected...), make([]string, n-len(expected))...)
	}

	if c.IsOrderInsensitive(s.typ) {
		return MatchMultiset(answers.Blanks, expected), nil
	}
	return MatchOrdered(answers.Blanks, expected), nil
}

func (labelingScorer) Score(content []byte, answers Answers) (Result, error) {
	var c exercise.ImageLabelingContent
	if err := exercise.DecodeContent(content, &c); err != nil {
		return Result{}, err
	}

	var res Result
	for _, z := range c.Zones {
		ua := answers.Labels[string(z.ID)]
		res.add(ItemFeedback{ID: string(z.ID), UserAnswer: ua, Expected: z.ExpectedLabel, Correct: Equal(ua, z.ExpectedLabel)})
	}
	return res.finish(), nil
}

// Flashcards are either typed (the answer is compared to the back of the card) or self-assessed.
func (flashScorer) Score(content []byte, answers Answers) (Result, error) {
	var c exercise.FlashcardsContent
	if err := exercise.DecodeContent(content, &c); err != nil {
		return Result{}, err
	}

	var res Result
	for i, card := range c.Cards {
		item := ItemFeedback{Expected: card.Back}
		if i < len(answers.Blanks) && Normalize(answers.Blanks[i]) != "" {
			item.UserAnswer = answers.Blanks[i]
			item.Correct = Equal(answers.Blanks[i], card.Back)
		} else if i < len(answers.Known) && answers.Known[i] {
			item.UserAnswer = card.Back
			item.Correct = true
		}
		res.add(item)
	}
	return res.finish(), nil
}

func (pairsScorer) Score(content []byte, answers Answers) (Result, error) {
	var c exercise.PairsContent
	if err := exercise.DecodeContent(content, &c); err != nil {
		return Result{}, err
	}

	var res Result
	for _, p := range c.Pairs {
		ua := strings.TrimSpace(answers.Pairs[string(p.ID)])
		res.add(ItemFeedback{
			ID:         string(p.ID),
			UserAnswer: rightContent(c, ua),
			Expected:   p.Right.Content,
			Correct:    ua != "" && ua == exercise.RightKey(p.Right),
		})
	}
	return res.finish(), nil
}

func (dndScorer) Score(content []byte, answers Answers) (Result, error) {
	var c exercise.DragAndDropContent
	if err := exercise.DecodeContent(content, &c); err != nil {
		return Result{}, err
	}

	item := func(idx int) string {
		if idx >= 0 && idx < len(c.DraggableItems) {
			return c.DraggableItems[idx]
		}
		return ""
	}

	var res Result
	for i, want := range c.CorrectOrder {
		got := -1
		if i < len(answers.Placements) {
			got = answers.Placements[i]
		}
		res.add(ItemFeedback{
			ID:         strconv.Itoa(i),
			UserAnswer: item(got),
			Expected:   item(want),
			Correct:    got >= 0 && got == want,
		})
	}
	return res.finish(), nil
}

// rightContent returns the content of the right item identified by `key`.
func rightContent(c exercise.PairsContent, key string) string {
	for _, p := range c.Pairs {
		if exercise.RightKey(p.Right) == key {
			return p.Right.Content
		}
	}
	return ""
}

func choiceTexts(q exercise.QCMQuestion, idxs []int) string {
	texts := make([]string, 0, len(idxs))
	for _, idx := range idxs {
		if idx >= 0 && idx < len(q.Choices) {
			texts = append(texts, q.Choices[idx].Text)
		}
	}
	return strings.Join(texts, ", ")
}

func uniqueSorted(idxs []int) []int {
	seen := make(map[int]bool, len(idxs))
	uniq := make([]int, 0, len(idxs))
	for _, idx := range idxs {
		if !seen[idx] {
			seen[idx] = true
			uniq = append(uniq, idx)
		}
	}
	sort.Ints(uniq)
	return uniq
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
