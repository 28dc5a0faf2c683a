package exercise

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/media"
)

type Type string

const (
	TypeQCM           Type = "qcm"
	TypeFillInBlanks  Type = "fill_in_blanks"
	TypeWordPlacement Type = "word_placement"
	TypeImageLabeling Type = "image_labeling"
	TypeFlashcards    Type = "flashcards"
	TypePairs         Type = "pairs"
	TypeDragAndDrop   Type = "drag_and_drop"
)

var (
	Types = []Type{TypeQCM, TypeFillInBlanks, TypeWordPlacement, TypeImageLabeling, TypeFlashcards, TypePairs, TypeDragAndDrop}

	// a blank is 3 underscores or more
	blankRegex = regexp.MustCompile(`_{3,}`)

	errContentField = "content"

	rightKeyLen = 10
)

func (t Type) Valid() bool {
	for _, typ := range Types {
		if t == typ {
			return true
		}
	}
	return false
}

// FlexID is an identifier that may be sent either as a JSON string or number.
type FlexID string

func (id *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = FlexID(n.String())
	return nil
}

type (
	QCMContent struct {
		Questions []QCMQuestion `json:"questions"`
	}

	QCMQuestion struct {
		Text     string      `json:"text"`
		ImageURL string      `json:"image_url,omitempty"`
		Choices  []QCMChoice `json:"choices"`
		Multiple bool        `json:"multiple,omitempty"` // student view only
	}

	QCMChoice struct {
		Text      string `json:"text"`
		IsCorrect bool   `json:"is_correct,omitempty"`
	}

	// BlanksContent is the content of fill_in_blanks & word_placement exercises.
	// Blanks are written `___` in Sentences (or in Text when there are no sentences).
	BlanksContent struct {
		Text             string   `json:"text,omitempty"`
		Sentences        []string `json:"sentences,omitempty"`
		Words            []string `json:"words,omitempty"`
		Answers          []string `json:"answers,omitempty"`
		Distractors      []string `json:"distractors,omitempty"`
		OrderInsensitive *bool    `json:"order_insensitive,omitempty"`
		WordBank         []string `json:"word_bank,omitempty"` // student view only
	}

	ImageLabelingContent struct {
		MainImage string      `json:"main_image"`
		Zones     []LabelZone `json:"zones"`
		Labels    []string    `json:"labels,omitempty"`
	}

	LabelZone struct {
		ID            FlexID  `json:"id"`
		X             float64 `json:"x"`
		Y             float64 `json:"y"`
		ExpectedLabel string  `json:"expected_label,omitempty"`
	}

	FlashcardsContent struct {
		Cards []Flashcard `json:"cards"`
	}

	Flashcard struct {
		Front      string `json:"front"`
		Back       string `json:"back,omitempty"`
		FrontImage string `json:"front_image,omitempty"`
	}

	PairsContent struct {
		Pairs []Pair `json:"pairs"`
	}

	Pair struct {
		ID    FlexID   `json:"id"`
		Left  PairItem `json:"left"`
		Right PairItem `json:"right"`
	}

	PairItem struct {
		Type    string `json:"type"` // text | image
		Content string `json:"content"`
	}

	DragAndDropContent struct {
		DraggableItems []string `json:"draggable_items"`
		DropZones      []string `json:"drop_zones"`
		CorrectOrder   []int    `json:"correct_order,omitempty"`
	}
)

// BlankCount returns the number of blanks to fill.
func (c BlanksContent) BlankCount() int {
	if len(c.Sentences) > 0 {
		var n int
		for _, s := range c.Sentences {
			n += len(blankRegex.FindAllStringIndex(s, -1))
		}
		return n
	}
	return len(blankRegex.FindAllStringIndex(c.Text, -1))
}

// Expected returns the expected answers in blank order.
func (c BlanksContent) Expected(t Type) []string {
	if t == TypeWordPlacement && len(c.Answers) > 0 {
		return c.Answers
	}
	return c.Words
}

// IsOrderInsensitive reports whether blanks may be filled in any order.
// word_placement defaults to order-insensitive, fill_in_blanks to ordered.
func (c BlanksContent) IsOrderInsensitive(t Type) bool {
	if c.OrderInsensitive != nil {
		return *c.OrderInsensitive
	}
	return t == TypeWordPlacement
}

// RightKey returns the opaque identifier of the right side of a pair shown to students.
// The key only depends on the item itself. Image paths are hashed normalized, so keys
// survive NormalizeImagePaths.
func RightKey(item PairItem) string {
	content := item.Content
	if item.Type == "image" {
		content = media.NormalizePath(content)
	}
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(item.Type + ":" + content))))
	return hex.EncodeToString(sum[:])[:rightKeyLen]
}

// CorrectChoices returns the indexes of the correct choices.
func (q QCMQuestion) CorrectChoices() []int {
	var idxs []int
	for i, c := range q.Choices {
		if c.IsCorrect {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

// DecodeContent decodes `raw` into `dest`, reporting malformed content as a validation error.
func DecodeContent(raw []byte, dest interface{}) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return core.NewFieldValidationError(errContentField, "this field is required")
	}
	if err := sonic.Unmarshal(raw, dest); err != nil {
		return core.NewValidationError(
			errors.Wrap(err, "decoding content"),
			core.FieldError{Field: errContentField, Error: "malformed content"},
		)
	}
	return nil
}

// ValidateContent checks that `raw` is well-formed content for exercise type `t`.
func ValidateContent(t Type, raw []byte) error {
	invalid := func(format string, args ...interface{}) error {
		return core.NewFieldValidationError(errContentField, fmt.Sprintf(format, args...))
	}

	switch t {
	case TypeQCM:
		var c QCMContent
		if err := DecodeContent(raw, &c); err != nil {
			return err
		}
		if len(c.Questions) == 0 {
			return invalid("at least 1 question is required")
		}
		for i, q := range c.Questions {
			if core.CleanString(q.Text) == "" && q.ImageURL == "" {
				return invalid("question %d: text is required", i+1)
			}
			if len(q.Choices) < 2 {
				return invalid("question %d: at least 2 choices are required", i+1)
			}
			if len(q.CorrectChoices()) == 0 {
				return invalid("question %d: at least 1 correct choice is required", i+1)
			}
		}

	case TypeFillInBlanks, TypeWordPlacement:
		var c BlanksContent
		if err := DecodeContent(raw, &c); err != nil {
			return err
		}
		blanks := c.BlankCount()
		if blanks == 0 {
			return invalid("at least 1 blank (___) is required")
		}
		expected := c.Expected(t)
		if len(expected) != blanks {
			return invalid("%d blank(s) but %d answer(s)", blanks, len(expected))
		}
		for i, w := range expected {
			if core.CleanString(w) == "" {
				return invalid("answer %d is empty", i+1)
			}
		}

	case TypeImageLabeling:
		var c ImageLabelingContent
		if err := DecodeContent(raw, &c); err != nil {
			return err
		}
		if c.MainImage == "" {
			return invalid("main_image is required")
		}
		if len(c.Zones) == 0 {
			return invalid("at least 1 zone is required")
		}
		seen := make(map[FlexID]bool, len(c.Zones))
		for i, z := range c.Zones {
			if z.ID == "" || seen[z.ID] {
				return invalid("zone %d: missing or duplicate id", i+1)
			}
			seen[z.ID] = true
			if core.CleanString(z.ExpectedLabel) == "" {
				return invalid("zone %d: expected_label is required", i+1)
			}
		}

	case TypeFlashcards:
		var c FlashcardsContent
		if err := DecodeContent(raw, &c); err != nil {
			return err
		}
		if len(c.Cards) == 0 {
			return invalid("at least 1 card is required")
		}
		for i, card := range c.Cards {
			if core.CleanString(card.Front) == "" && card.FrontImage == "" {
				return invalid("card %d: front is required", i+1)
			}
			if core.CleanString(card.Back) == "" {
				return invalid("card %d: back is required", i+1)
			}
		}

	case TypePairs:
		var c PairsContent
		if err := DecodeContent(raw, &c); err != nil {
			return err
		}
		if len(c.Pairs) < 2 {
			return invalid("at least 2 pairs are required")
		}
		seen := make(map[FlexID]bool, len(c.Pairs))
		for i, p := range c.Pairs {
			if p.ID == "" || seen[p.ID] {
				return invalid("pair %d: missing or duplicate id", i+1)
			}
			seen[p.ID] = true
			if core.CleanString(p.Left.Content) == "" || core.CleanString(p.Right.Content) == "" {
				return invalid("pair %d: left and right contents are required", i+1)
			}
		}

	case TypeDragAndDrop:
		var c DragAndDropContent
		if err := DecodeContent(raw, &c); err != nil {
			return err
		}
		if len(c.DraggableItems) == 0 || len(c.DropZones) == 0 {
			return invalid("draggable_items and drop_zones are required")
		}
		if len(c.CorrectOrder) != len(c.DropZones) {
			return invalid("%d drop zone(s) but %d correct placement(s)", len(c.DropZones), len(c.CorrectOrder))
		}
		for i, idx := range c.CorrectOrder {
			if idx < 0 || idx >= len(c.DraggableItems) {
				return invalid("drop zone %d: unknown item %d", i+1, idx)
			}
		}

	default:
		return core.NewFieldValidationError("exercise_type", "invalid exercise type")
	}
	return nil
}

type (
	indexedItem struct {
		Index int    `json:"index"`
		Text  string `json:"text"`
	}

	pairSide struct {
		ID   string   `json:"id"`
		Item PairItem `json:"item"`
	}

	pairsView struct {
		Left  []pairSide `json:"left"`
		Right []pairSide `json:"right"`
	}

	dragAndDropView struct {
		DraggableItems []indexedItem `json:"draggable_items"`
		DropZones      []string      `json:"drop_zones"`
	}

	flashcardView struct {
		Index      int    `json:"index"`
		Front      string `json:"front"`
		FrontImage string `json:"front_image,omitempty"`
	}
)

// StudentContent returns the content of `ex` stripped of its answer key.
func StudentContent(ex Exercise) (json.RawMessage, error) {
	var view interface{}

	switch ex.Type {
	case TypeQCM:
		var c QCMContent
		if err := DecodeContent(ex.Content, &c); err != nil {
			return nil, err
		}
		for i, q := range c.Questions {
			c.Questions[i].Multiple = len(q.CorrectChoices()) > 1
			for j := range q.Choices {
				c.Questions[i].Choices[j].IsCorrect = false
			}
		}
		view = c

	case TypeFillInBlanks, TypeWordPlacement:
		var c BlanksContent
		if err := DecodeContent(ex.Content, &c); err != nil {
			return nil, err
		}
		if ex.Type == TypeWordPlacement {
			bank := append([]string{}, c.Expected(ex.Type)...)
			if len(c.Answers) > 0 && len(c.Words) > 0 {
				// words is the full word bank
				bank = append(bank[:0], c.Words...)
			}
			bank = append(bank, c.Distractors...)
			sort.Slice(bank, func(i, j int) bool { return strings.ToLower(bank[i]) < strings.ToLower(bank[j]) })
			c.WordBank = bank
		}
		c.Words, c.Answers, c.Distractors = nil, nil, nil
		view = c

	case TypeImageLabeling:
		var c ImageLabelingContent
		if err := DecodeContent(ex.Content, &c); err != nil {
			return nil, err
		}
		labels := make([]string, 0, len(c.Zones)+len(c.Labels))
		seen := make(map[string]bool)
		for _, z := range c.Zones {
			if !seen[z.ExpectedLabel] {
				labels = append(labels, z.ExpectedLabel)
				seen[z.ExpectedLabel] = true
			}
		}
		for _, l := range c.Labels {
			if !seen[l] {
				labels = append(labels, l)
				seen[l] = true
			}
		}
		for i := range c.Zones {
			c.Zones[i].ExpectedLabel = ""
		}
		sort.Strings(labels)
		c.Labels = labels
		view = c

	case TypeFlashcards:
		var c FlashcardsContent
		if err := DecodeContent(ex.Content, &c); err != nil {
			return nil, err
		}
		cards := make([]flashcardView, 0, len(c.Cards))
		for i, card := range c.Cards {
			cards = append(cards, flashcardView{Index: i, Front: card.Front, FrontImage: card.FrontImage})
		}
		view = map[string]interface{}{"cards": cards}

	case TypePairs:
		var c PairsContent
		if err := DecodeContent(ex.Content, &c); err != nil {
			return nil, err
		}
		v := pairsView{
			Left:  make([]pairSide, 0, len(c.Pairs)),
			Right: make([]pairSide, 0, len(c.Pairs)),
		}
		for _, p := range c.Pairs {
			v.Left = append(v.Left, pairSide{ID: string(p.ID), Item: p.Left})
			v.Right = append(v.Right, pairSide{ID: RightKey(p.Right), Item: p.Right})
		}
		sort.SliceStable(v.Right, func(i, j int) bool {
			return strings.ToLower(v.Right[i].Item.Content) < strings.ToLower(v.Right[j].Item.Content)
		})
		view = v

	case TypeDragAndDrop:
		var c DragAndDropContent
		if err := DecodeContent(ex.Content, &c); err != nil {
			return nil, err
		}
		items := make([]indexedItem, 0, len(c.DraggableItems))
		for i, it := range c.DraggableItems {
			items = append(items, indexedItem{Index: i, Text: it})
		}
		sort.SliceStable(items, func(i, j int) bool { return strings.ToLower(items[i].Text) < strings.ToLower(items[j].Text) })
		view = dragAndDropView{DraggableItems: items, DropZones: c.DropZones}

	default:
		return nil, errors.New("unknown exercise type " + strconv.Quote(string(ex.Type)))
	}

	data, err := sonic.Marshal(view)
	return data, errors.Wrap(err, "encoding student content")
}
