// Package assessment stores the results of reading assessments taken during
// live read-along sessions.
package assessment

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Errors returned by repositories.
var (
	// ErrRecordNotFound is returned when no record exists for an ID.
	ErrRecordNotFound = errors.New("assessment record not found")

	// ErrInvalidRecord is returned when a record fails validation.
	ErrInvalidRecord = errors.New("invalid assessment record")

	// ErrDuplicateRecord is returned when a record ID is already taken.
	ErrDuplicateRecord = errors.New("assessment record already exists")
)

// WordResult is the outcome for one word presented to the student.
type WordResult struct {
	Word     string `json:"word" validate:"required,max=64"`
	Response string `json:"response,omitempty" validate:"max=256"`
	Correct  bool   `json:"correct"`
}

// Record is one completed assessment.
type Record struct {
	ID          string       `json:"id"`
	RoomID      string       `json:"roomId" validate:"required,max=128"`
	StudentID   string       `json:"studentId" validate:"required,max=128"`
	TeacherID   string       `json:"teacherId" validate:"required,max=128"`
	GradeLevel  string       `json:"gradeLevel,omitempty" validate:"max=32"`
	Words       []WordResult `json:"words" validate:"required,min=1,max=500,dive"`
	Score       float64      `json:"score"`
	StartedAt   time.Time    `json:"startedAt" validate:"required"`
	CompletedAt time.Time    `json:"completedAt" validate:"required,gtefield=StartedAt"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// ComputeScore returns the fraction of words answered correctly, in [0, 1].
func ComputeScore(words []WordResult) float64 {
	if len(words) == 0 {
		return 0
	}
	correct := 0
	for _, w := range words {
		if w.Correct {
			correct++
		}
	}
	return float64(correct) / float64(len(words))
}

// validate is safe for concurrent use.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks r and returns an error wrapping ErrInvalidRecord that names the
// first offending field.
func Validate(r *Record) error {
	if r == nil {
		return fmt.Errorf("%w: missing record", ErrInvalidRecord)
	}
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s", ErrInvalidRecord, describe(verrs[0]))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	for i, w := range r.Words {
		if strings.TrimSpace(w.Word) == "" {
			return fmt.Errorf("%w: words[%d].word is blank", ErrInvalidRecord, i)
		}
	}
	return nil
}

// describe renders a validation failure in terms of the JSON field path.
func describe(fe validator.FieldError) string {
	// Namespace is "Record.words[0].word"; drop the struct name.
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s exceeds the maximum of %s", field, fe.Param())
	case "gtefield":
		return field + " must not be before startedAt"
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// prepare validates r and fills the server-assigned fields before it is stored.
func prepare(r *Record, now time.Time, newID func() string) error {
	if err := Validate(r); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = newID()
	}
	r.Score = ComputeScore(r.Words)
	r.CreatedAt = now.UTC()
	r.StartedAt = r.StartedAt.UTC()
	r.CompletedAt = r.CompletedAt.UTC()
	return nil
}

// clone returns a deep copy of r so callers cannot mutate stored state.
func clone(r *Record) *Record {
	c := *r
	c.Words = append([]WordResult(nil), r.Words...)
	return &c
}
