package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/readalong/internal/assessment"
	"github.com/onnwee/readalong/internal/audit"
	"github.com/onnwee/readalong/internal/auth"
	"github.com/onnwee/readalong/internal/middleware"
)

const (
	// maxAssessmentBodyBytes bounds a create request body.
	maxAssessmentBodyBytes = 1 << 20
	// auditTrailLimit caps the entries returned for one assessment.
	auditTrailLimit = 100
)

// CreateAssessmentRequest represents the request body for recording an assessment.
// The teacher is taken from the access token.
type CreateAssessmentRequest struct {
	RoomID      string                  `json:"roomId"`
	StudentID   string                  `json:"studentId"`
	GradeLevel  string                  `json:"gradeLevel,omitempty"`
	Words       []assessment.WordResult `json:"words"`
	StartedAt   time.Time               `json:"startedAt"`
	CompletedAt time.Time               `json:"completedAt"`
}

// AssessmentListResponse is the body of GET /assessments.
type AssessmentListResponse struct {
	Assessments []*assessment.Record `json:"assessments"`
}

// AuditTrailResponse is the body of GET /assessments/{id}/audit.
type AuditTrailResponse struct {
	Entries []*audit.Log `json:"entries"`
}

// AssessmentHandlers holds dependencies for assessment HTTP handlers.
// Every route expects middleware.RequireAuth in front of it.
type AssessmentHandlers struct {
	repo      assessment.Repository
	auditRepo audit.Repository
}

// NewAssessmentHandlers creates a new AssessmentHandlers instance.
// auditRepo may be nil, which disables access logging and the audit trail route.
func NewAssessmentHandlers(repo assessment.Repository, auditRepo audit.Repository) *AssessmentHandlers {
	return &AssessmentHandlers{repo: repo, auditRepo: auditRepo}
}

// Collection routes /assessments.
func (h *AssessmentHandlers) Collection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.ListAssessments(w, r)
	case http.MethodPost:
		h.CreateAssessment(w, r)
	default:
		writeErrorCode(w, r, ErrCodeMethodNotAllowed, "Method not allowed")
	}
}

// Item routes /assessments/{id} and /assessments/{id}/audit.
func (h *AssessmentHandlers) Item(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/audit") {
		if r.Method != http.MethodGet {
			writeErrorCode(w, r, ErrCodeMethodNotAllowed, "Method not allowed")
			return
		}
		h.GetAuditTrail(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.GetAssessment(w, r)
	case http.MethodDelete:
		h.DeleteAssessment(w, r)
	default:
		writeErrorCode(w, r, ErrCodeMethodNotAllowed, "Method not allowed")
	}
}

// CreateAssessment handles POST /assessments - teachers record a completed assessment.
func (h *AssessmentHandlers) CreateAssessment(w http.ResponseWriter, r *http.Request) {
	if middleware.GetUserRole(r.Context()) != auth.RoleTeacher {
		writeErrorCode(w, r, ErrCodeForbidden, "Only teachers can record assessments")
		return
	}

	var req CreateAssessmentRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxAssessmentBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, r, ErrCodeBadRequest, "Invalid JSON in request body")
		return
	}

	rec := &assessment.Record{
		RoomID:      strings.TrimSpace(req.RoomID),
		StudentID:   strings.TrimSpace(req.StudentID),
		TeacherID:   middleware.GetUserID(r.Context()),
		GradeLevel:  strings.TrimSpace(req.GradeLevel),
		Words:       req.Words,
		StartedAt:   req.StartedAt,
		CompletedAt: req.CompletedAt,
	}
	if err := h.repo.Create(r.Context(), rec); err != nil {
		h.writeRepoError(w, r, err, "Failed to record assessment")
		return
	}

	if err := h.recordAccess(r, audit.EntityAssessment, rec.ID, audit.ActionCreateAssessment, audit.OutcomeSuccess); err != nil {
		slog.WarnContext(r.Context(), "failed to log assessment creation", "error", err, "assessment_id", rec.ID)
	}

	writeJSON(w, r.Context(), http.StatusCreated, rec)
}

// GetAssessment handles GET /assessments/{id}.
// Students can only read their own records; anyone else's reads as not found.
func (h *AssessmentHandlers) GetAssessment(w http.ResponseWriter, r *http.Request) {
	id, ok := assessmentID(r)
	if !ok {
		writeErrorCode(w, r, ErrCodeNotFound, "Assessment not found")
		return
	}

	rec, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		h.writeRepoError(w, r, err, "Failed to get assessment")
		return
	}
	if !canRead(r, rec.StudentID) {
		h.recordDenied(r, audit.EntityAssessment, id, audit.ActionViewAssessment)
		writeErrorCode(w, r, ErrCodeNotFound, "Assessment not found")
		return
	}
	if !h.recordRead(w, r, audit.EntityAssessment, id, audit.ActionViewAssessment) {
		return
	}

	writeJSON(w, r.Context(), http.StatusOK, rec)
}

// ListAssessments handles GET /assessments?student_id=...|room_id=...&limit=N.
// Exactly one filter is required, except that students may omit it to list their own.
func (h *AssessmentHandlers) ListAssessments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	studentID := strings.TrimSpace(query.Get("student_id"))
	roomID := strings.TrimSpace(query.Get("room_id"))

	limit := 0
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > assessment.MaxListLimit {
			writeErrorCode(w, r, ErrCodeValidation, "limit must be between 1 and "+strconv.Itoa(assessment.MaxListLimit))
			return
		}
		limit = n
	}

	isStudent := middleware.GetUserRole(r.Context()) == auth.RoleStudent
	if isStudent && studentID == "" && roomID == "" {
		studentID = middleware.GetUserID(r.Context())
	}

	switch {
	case studentID != "" && roomID != "":
		writeErrorCode(w, r, ErrCodeValidation, "Use either student_id or room_id, not both")
		return
	case studentID == "" && roomID == "":
		writeErrorCode(w, r, ErrCodeValidation, "student_id or room_id is required")
		return
	}

	var (
		records    []*assessment.Record
		err        error
		entityType = audit.EntityStudent
		entityID   = studentID
	)
	if studentID != "" {
		if !canRead(r, studentID) {
			h.recordDenied(r, entityType, entityID, audit.ActionListAssessments)
			writeErrorCode(w, r, ErrCodeForbidden, "Students can only list their own assessments")
			return
		}
		records, err = h.repo.ListByStudent(r.Context(), studentID, limit)
	} else {
		entityType, entityID = audit.EntityRoom, roomID
		if isStudent {
			h.recordDenied(r, entityType, entityID, audit.ActionListAssessments)
			writeErrorCode(w, r, ErrCodeForbidden, "Students can only list their own assessments")
			return
		}
		records, err = h.repo.ListByRoom(r.Context(), roomID, limit)
	}
	if err != nil {
		h.writeRepoError(w, r, err, "Failed to list assessments")
		return
	}
	if !h.recordRead(w, r, entityType, entityID, audit.ActionListAssessments) {
		return
	}

	writeJSON(w, r.Context(), http.StatusOK, AssessmentListResponse{Assessments: records})
}

// DeleteAssessment handles DELETE /assessments/{id} - teachers only.
func (h *AssessmentHandlers) DeleteAssessment(w http.ResponseWriter, r *http.Request) {
	if middleware.GetUserRole(r.Context()) != auth.RoleTeacher {
		writeErrorCode(w, r, ErrCodeForbidden, "Only teachers can delete assessments")
		return
	}

	id, ok := assessmentID(r)
	if !ok {
		writeErrorCode(w, r, ErrCodeNotFound, "Assessment not found")
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		h.writeRepoError(w, r, err, "Failed to delete assessment")
		return
	}

	if err := h.recordAccess(r, audit.EntityAssessment, id, audit.ActionDeleteAssessment, audit.OutcomeSuccess); err != nil {
		slog.WarnContext(r.Context(), "failed to log assessment deletion", "error", err, "assessment_id", id)
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetAuditTrail handles GET /assessments/{id}/audit - teachers only.
// Entries are returned newest first and outlive the assessment itself.
func (h *AssessmentHandlers) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	if h.auditRepo == nil {
		writeErrorCode(w, r, ErrCodeNotFound, "Audit trail not available")
		return
	}

	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/assessments/"), "/audit")
	if id == "" || strings.Contains(id, "/") {
		writeErrorCode(w, r, ErrCodeNotFound, "Assessment not found")
		return
	}

	if middleware.GetUserRole(r.Context()) != auth.RoleTeacher {
		h.recordDenied(r, audit.EntityAssessment, id, audit.ActionViewAuditTrail)
		writeErrorCode(w, r, ErrCodeForbidden, "Only teachers can view audit trails")
		return
	}

	entries, err := h.auditRepo.QueryByEntity(r.Context(), audit.EntityAssessment, id, auditTrailLimit)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to query audit trail", "error", err, "assessment_id", id)
		writeErrorCode(w, r, ErrCodeInternal, "Failed to get audit trail")
		return
	}
	if !h.recordRead(w, r, audit.EntityAssessment, id, audit.ActionViewAuditTrail) {
		return
	}

	writeJSON(w, r.Context(), http.StatusOK, AuditTrailResponse{Entries: entries})
}

func (h *AssessmentHandlers) recordAccess(r *http.Request, entityType, entityID, action, outcome string) error {
	if h.auditRepo == nil {
		return nil
	}
	return audit.LogAccessFromRequest(r, h.auditRepo, entityType, entityID, action, outcome)
}

// recordRead logs a successful read. Reads fail closed: when the access
// cannot be recorded a 500 is written and false returned.
func (h *AssessmentHandlers) recordRead(w http.ResponseWriter, r *http.Request, entityType, entityID, action string) bool {
	if err := h.recordAccess(r, entityType, entityID, action, audit.OutcomeSuccess); err != nil {
		slog.ErrorContext(r.Context(), "failed to log assessment access",
			"error", err,
			"entity_type", entityType,
			"entity_id", entityID,
		)
		writeErrorCode(w, r, ErrCodeInternal, "Failed to record access")
		return false
	}
	return true
}

func (h *AssessmentHandlers) recordDenied(r *http.Request, entityType, entityID, action string) {
	if err := h.recordAccess(r, entityType, entityID, action, audit.OutcomeDenied); err != nil {
		slog.WarnContext(r.Context(), "failed to log denied access", "error", err, "entity_id", entityID)
	}
}

// writeRepoError maps repository errors onto API error codes.
func (h *AssessmentHandlers) writeRepoError(w http.ResponseWriter, r *http.Request, err error, internalMsg string) {
	switch {
	case errors.Is(err, assessment.ErrInvalidRecord):
		writeErrorCode(w, r, ErrCodeValidation, err.Error())
	case errors.Is(err, assessment.ErrRecordNotFound):
		writeErrorCode(w, r, ErrCodeNotFound, "Assessment not found")
	case errors.Is(err, assessment.ErrDuplicateRecord):
		writeErrorCode(w, r, ErrCodeConflict, "Assessment already exists")
	default:
		slog.ErrorContext(r.Context(), "assessment repository error",
			"error", err,
			"request_id", middleware.GetRequestID(r.Context()),
		)
		writeErrorCode(w, r, ErrCodeInternal, internalMsg)
	}
}

// assessmentID extracts {id} from /assessments/{id}.
func assessmentID(r *http.Request) (string, bool) {
	id := strings.TrimPrefix(r.URL.Path, "/assessments/")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// canRead reports whether the caller may see records of studentID.
func canRead(r *http.Request, studentID string) bool {
	ctx := r.Context()
	switch middleware.GetUserRole(ctx) {
	case auth.RoleTeacher:
		return true
	case auth.RoleStudent:
		return middleware.GetUserID(ctx) == studentID
	default:
		return false
	}
}
