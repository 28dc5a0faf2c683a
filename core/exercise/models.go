package exercise

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/classesnumeriques/platform/core"
)

var (
	exerciseTypeTag  = "exercisetype"
	exerciseTypeText = "invalid exercise type"
)

type Exercise struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Subject     string          `json:"subject"`
	Level       string          `json:"level"`
	Type        Type            `json:"exercise_type"`
	Content     json.RawMessage `json:"content"`
	ImageURL    string          `json:"image_url"`
	// MaxAttempts is the number of attempts allowed per student; 0 means unlimited.
	MaxAttempts int       `json:"max_attempts"`
	TeacherID   string    `json:"teacher_id"`
	ClassID     string    `json:"class_id"`
	CreatedAt   time.Time `json:"created_at"` // UTC
	UpdatedAt   time.Time `json:"updated_at"` // UTC
}

type NewExercise struct {
	Title       string          `json:"title" validate:"required,max=200"`
	Description string          `json:"description" validate:"max=5000"`
	Subject     string          `json:"subject" validate:"max=100"`
	Level       string          `json:"level" validate:"max=50"`
	Type        Type            `json:"exercise_type" validate:"required,exercisetype"`
	Content     json.RawMessage `json:"content" validate:"required"`
	ImageURL    string          `json:"image_url" validate:"max=500"`
	MaxAttempts int             `json:"max_attempts" validate:"min=0,max=100"`
	ClassID     string          `json:"class_id" validate:"omitempty,uuid"`
}

func (ne *NewExercise) Validate(validate *validator.Validate) error {
	ne.Title = core.CleanString(ne.Title)
	ne.Description = core.CleanString(ne.Description)
	ne.Subject = core.CleanString(ne.Subject)
	ne.Level = core.CleanString(ne.Level)
	ne.ImageURL = core.CleanString(ne.ImageURL)
	ne.ClassID = core.CleanString(ne.ClassID)
	ne.Type = Type(core.CleanString(string(ne.Type), true /* lower */))

	if err := validate.Struct(ne); err != nil {
		return err
	}
	content, err := compactContent(ne.Content)
	if err != nil {
		return err
	}
	ne.Content = content
	return ValidateContent(ne.Type, ne.Content)
}

// UpdateExercise holds a partial update; zero values keep the current value.
// The exercise type cannot be changed.
type UpdateExercise struct {
	Title       string          `json:"title" validate:"omitempty,max=200"`
	Description *string         `json:"description" validate:"omitempty,max=5000"`
	Subject     *string         `json:"subject" validate:"omitempty,max=100"`
	Level       *string         `json:"level" validate:"omitempty,max=50"`
	Content     json.RawMessage `json:"content"`
	ImageURL    *string         `json:"image_url" validate:"omitempty,max=500"`
	MaxAttempts *int            `json:"max_attempts" validate:"omitempty,min=0,max=100"`
	ClassID     *string         `json:"class_id" validate:"omitempty"`
}

func (ue *UpdateExercise) Validate(orig Exercise, validate *validator.Validate) error {
	if title := core.CleanString(ue.Title); title != "" {
		ue.Title = title
	} else {
		ue.Title = orig.Title
	}
	for _, s := range []*string{ue.Description, ue.Subject, ue.Level, ue.ImageURL, ue.ClassID} {
		if s != nil {
			*s = core.CleanString(*s)
		}
	}
	if ue.ClassID != nil && *ue.ClassID != "" {
		if err := validate.Var(*ue.ClassID, "uuid"); err != nil {
			return core.NewFieldValidationError("class_id", "class_id must be a valid UUID")
		}
	}

	if err := validate.Struct(ue); err != nil {
		return err
	}
	if len(ue.Content) == 0 || bytes.Equal(bytes.TrimSpace(ue.Content), []byte("null")) {
		ue.Content = nil
		return nil
	}
	content, err := compactContent(ue.Content)
	if err != nil {
		return err
	}
	ue.Content = content
	return ValidateContent(orig.Type, ue.Content)
}

type QueryFilter struct {
	Search    string   `query:"search"`
	Type      Type     `query:"exercise_type"`
	Subject   string   `query:"subject"`
	Level     string   `query:"level"`
	TeacherID string   `query:"teacher_id"`
	ClassID   string   `query:"class_id"`
	ClassIDs  []string `query:"-"` // exercises of any of these classes
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search)
	qf.Subject = core.CleanString(qf.Subject)
	qf.Level = core.CleanString(qf.Level)
	qf.Type = Type(core.CleanString(string(qf.Type), true /* lower */))
}

type Repository interface {
	CreateExercise(ctx context.Context, ex Exercise, exec ...core.DBExecutor) (Exercise, error)
	GetExercise(ctx context.Context, id string, exec ...core.DBExecutor) (Exercise, error)
	// QueryExercises applies AND operation on available QueryFilter fields.
	QueryExercises(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]Exercise, error)
	UpdateExercise(ctx context.Context, ex Exercise, exec ...core.DBExecutor) (Exercise, error)
	DeleteExercise(ctx context.Context, id string, exec ...core.DBExecutor) error
}

func compactContent(raw json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, core.NewFieldValidationError(errContentField, "malformed content")
	}
	return buf.Bytes(), nil
}

// InitValidators registers the exercise validators & their translations.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(exerciseTypeTag, func(fl validator.FieldLevel) bool {
		return Type(fl.Field().String()).Valid()
	})
	core.RegisterCustomTranslation(validate, translator, exerciseTypeTag, exerciseTypeText)
}
