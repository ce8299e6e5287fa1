package assessment

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func validRecord() *Record {
	return &Record{
		RoomID:     "class-5",
		StudentID:  "student-1",
		TeacherID:  "teacher-1",
		GradeLevel: "2",
		Words: []WordResult{
			{Word: "cat", Response: "cat", Correct: true},
			{Word: "ship", Response: "sip", Correct: false},
			{Word: "the", Response: "the", Correct: true},
			{Word: "jump", Response: "jump", Correct: true},
		},
		StartedAt:   testStart,
		CompletedAt: testStart.Add(3 * time.Minute),
	}
}

func TestComputeScore(t *testing.T) {
	tests := []struct {
		name  string
		words []WordResult
		want  float64
	}{
		{name: "empty", words: nil, want: 0},
		{name: "all correct", words: []WordResult{{Word: "a", Correct: true}, {Word: "b", Correct: true}}, want: 1},
		{name: "none correct", words: []WordResult{{Word: "a"}, {Word: "b"}}, want: 0},
		{name: "three of four", words: validRecord().Words, want: 0.75},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeScore(tt.words); got != tt.want {
				t.Errorf("ComputeScore() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *Record)
		wantErr string
	}{
		{name: "valid", mutate: func(*Record) {}},
		{name: "missing room", mutate: func(r *Record) { r.RoomID = "" }, wantErr: "roomId is required"},
		{name: "missing student", mutate: func(r *Record) { r.StudentID = "" }, wantErr: "studentId is required"},
		{name: "missing teacher", mutate: func(r *Record) { r.TeacherID = "" }, wantErr: "teacherId is required"},
		{name: "no words", mutate: func(r *Record) { r.Words = nil }, wantErr: "words is required"},
		{name: "empty words", mutate: func(r *Record) { r.Words = []WordResult{} }, wantErr: "words must have at least 1 entries"},
		{name: "word missing", mutate: func(r *Record) { r.Words[1].Word = "" }, wantErr: "words[1].word is required"},
		{name: "word blank", mutate: func(r *Record) { r.Words[2].Word = "   " }, wantErr: "words[2].word is blank"},
		{name: "word too long", mutate: func(r *Record) { r.Words[0].Word = strings.Repeat("a", 65) }, wantErr: "words[0].word exceeds the maximum of 64"},
		{name: "grade too long", mutate: func(r *Record) { r.GradeLevel = strings.Repeat("1", 33) }, wantErr: "gradeLevel exceeds the maximum of 32"},
		{name: "missing start", mutate: func(r *Record) { r.StartedAt = time.Time{} }, wantErr: "startedAt is required"},
		{name: "completed before start", mutate: func(r *Record) { r.CompletedAt = testStart.Add(-time.Second) }, wantErr: "completedAt must not be before startedAt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRecord()
			tt.mutate(r)

			err := Validate(r)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidRecord) {
				t.Fatalf("Validate() error = %v, want ErrInvalidRecord", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_TooManyWords(t *testing.T) {
	r := validRecord()
	r.Words = make([]WordResult, 501)
	for i := range r.Words {
		r.Words[i] = WordResult{Word: "a"}
	}
	if err := Validate(r); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("Validate() error = %v, want ErrInvalidRecord", err)
	}
}

func TestValidate_Nil(t *testing.T) {
	if err := Validate(nil); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("Validate(nil) error = %v, want ErrInvalidRecord", err)
	}
}

func TestPrepare(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.FixedZone("EST", -5*3600))
	r := validRecord()
	r.StartedAt = r.StartedAt.In(time.FixedZone("EST", -5*3600))

	if err := prepare(r, now, func() string { return "generated-id" }); err != nil {
		t.Fatalf("prepare() error = %v", err)
	}
	if r.ID != "generated-id" {
		t.Errorf("ID = %q, want generated-id", r.ID)
	}
	if r.Score != 0.75 {
		t.Errorf("Score = %v, want 0.75", r.Score)
	}
	if !r.CreatedAt.Equal(now) || r.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt = %v, want %v in UTC", r.CreatedAt, now)
	}
	if r.StartedAt.Location() != time.UTC {
		t.Errorf("StartedAt not normalized to UTC: %v", r.StartedAt)
	}
}

func TestPrepare_OverridesClientScore(t *testing.T) {
	r := validRecord()
	r.Score = 1

	if err := prepare(r, testStart, func() string { return "id" }); err != nil {
		t.Fatalf("prepare() error = %v", err)
	}
	if r.Score != 0.75 {
		t.Errorf("Score = %v, want server-computed 0.75", r.Score)
	}
}
