/*
handlers.go - HTTP API handlers for the reading-log tracker

PURPOSE:
  Exposes the reading-log domain via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Records:
    POST   /api/records                    Submit a reading record
    GET    /api/records                    List (own for students, by status for staff)
    GET    /api/records/{id}               Get one record
    PUT    /api/records/{id}               Edit / resubmit
    POST   /api/records/{id}/approve       Approve (staff)
    POST   /api/records/{id}/reject        Reject with comment (staff)
    GET    /api/records/{id}/decisions     Decision history
    GET    /api/students/{id}/records      A student's records (staff)

  Profile:
    POST   /api/me/profile/setup           One-time profile setup
    GET    /api/me/profile                 Profile + approved count
    GET    /api/me/rewards                 Reward ledger entries

  Classes:
    POST   /api/classes                    Create class (staff)
    GET    /api/classes/{id}/tree          Class tree state
    PUT    /api/classes/{id}/tree          Update name / level-up target
    POST   /api/classes/{id}/students      Enroll a member
    GET    /api/classes/{id}/students      Member dashboard (staff)

  Notifications:
    GET    /api/me/notifications           List own notifications
    GET    /api/me/notifications/unread    Unread count
    POST   /api/me/notifications/{id}/read Mark one as read

  Books:
    GET    /api/books/search?q=            Catalog lookup

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 401: Missing or malformed identity headers
  - 403: Role or ownership mismatch
  - 404: Entity not found
  - 409: State conflict (decided record, duplicate enrollment, ...)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - middleware.go: Actor identity extraction
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/sprout/reading-tree/catalog"
	"github.com/sprout/reading-tree/classtree"
	"github.com/sprout/reading-tree/readinglog"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Submissions *readinglog.SubmissionService
	Engine      *readinglog.Engine
	Store       readinglog.Store
	Catalog     catalog.Searcher
	Log         *logrus.Logger

	now func() time.Time
}

// NewHandler wires the handler context.
func NewHandler(
	submissions *readinglog.SubmissionService,
	engine *readinglog.Engine,
	store readinglog.Store,
	cat catalog.Searcher,
	log *logrus.Logger,
) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Submissions: submissions,
		Engine:      engine,
		Store:       store,
		Catalog:     cat,
		Log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// RECORDS
// =============================================================================

func (h *Handler) SubmitRecord(w http.ResponseWriter, r *http.Request) {
	var req SubmitRecordRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}

	rec, err := h.Submissions.Submit(r.Context(), actorFrom(r), req.toInput())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecordDTO(rec))
}

func (h *Handler) EditRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordIDParam(w, r)
	if !ok {
		return
	}

	var req SubmitRecordRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}

	rec, err := h.Submissions.Edit(r.Context(), actorFrom(r), id, req.toInput())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(rec))
}

func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordIDParam(w, r)
	if !ok {
		return
	}

	rec, err := h.Submissions.Get(r.Context(), actorFrom(r), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(rec))
}

// ListRecords serves two audiences: students see their own records,
// staff see the review queue filtered by status (default pending).
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)

	if !actor.Role.Staff() {
		records, err := h.Store.ListRecordsByUser(r.Context(), actor.ID)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRecordDTOs(records))
		return
	}

	status := readinglog.RecordStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = readinglog.StatusPending
	}
	switch status {
	case readinglog.StatusPending, readinglog.StatusApproved, readinglog.StatusRejected:
	default:
		writeError(w, http.StatusBadRequest, "invalid status filter", string(status))
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", raw)
			return
		}
		limit = n
	}

	records, err := h.Store.ListRecordsByStatus(r.Context(), status, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTOs(records))
}

func (h *Handler) ApproveRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordIDParam(w, r)
	if !ok {
		return
	}

	var req DecisionRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}

	rec, err := h.Engine.Approve(r.Context(), id, actorFrom(r), req.Comment)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(rec))
}

func (h *Handler) RejectRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordIDParam(w, r)
	if !ok {
		return
	}

	var req DecisionRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	if req.Comment == "" {
		writeError(w, http.StatusBadRequest, "a rejection requires a comment", "")
		return
	}

	rec, err := h.Engine.Reject(r.Context(), id, actorFrom(r), req.Comment)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(rec))
}

func (h *Handler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	id, ok := recordIDParam(w, r)
	if !ok {
		return
	}

	// Owner and staff may see the history; other students may not.
	if _, err := h.Submissions.Get(r.Context(), actorFrom(r), id); err != nil {
		h.writeDomainError(w, err)
		return
	}

	decisions, err := h.Store.ListDecisions(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDecisionDTOs(decisions))
}

// ListStudentRecords lets staff review one student's full history.
func (h *Handler) ListStudentRecords(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if !actor.Role.Staff() {
		writeError(w, http.StatusForbidden, "not authorized", "")
		return
	}

	studentID := readinglog.UserID(chi.URLParam(r, "id"))
	if actor.Role == readinglog.RoleTeacher {
		classID, err := h.Store.ClassOf(r.Context(), studentID)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		teaches, err := h.Store.IsTeacherOf(r.Context(), actor.ID, classID)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		if !teaches {
			writeError(w, http.StatusForbidden, "not a teacher of this student's class", "")
			return
		}
	}

	records, err := h.Store.ListRecordsByUser(r.Context(), studentID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTOs(records))
}

// =============================================================================
// PROFILE
// =============================================================================

func (h *Handler) SetupProfile(w http.ResponseWriter, r *http.Request) {
	var req SetupProfileRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}

	actor := actorFrom(r)
	profile := &readinglog.Profile{
		UserID:    actor.ID,
		Nickname:  req.Nickname,
		Role:      actor.Role,
		Gold:      decimal.Zero,
		Level:     1,
		CreatedAt: h.now(),
	}

	if err := h.Store.CreateProfile(r.Context(), profile); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProfileDTO(profile, 0))
}

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)

	profile, err := h.Store.GetProfile(r.Context(), actor.ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	approved, err := h.Store.CountApprovedRecords(r.Context(), actor.ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileDTO(profile, approved))
}

func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	credits, err := h.Store.RewardCredits(r.Context(), actorFrom(r).ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRewardCreditDTOs(credits))
}

// =============================================================================
// CLASSES
// =============================================================================

func (h *Handler) CreateClass(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if !actor.Role.Staff() {
		writeError(w, http.StatusForbidden, "only teachers can create classes", "")
		return
	}

	var req CreateClassRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}

	tree := classtree.New(readinglog.ClassID(req.ClassID), req.Name, req.LevelUpTarget, h.now())
	if err := h.Store.CreateClass(r.Context(), tree); err != nil {
		h.writeDomainError(w, err)
		return
	}

	// The creator runs the class.
	if err := h.Store.Enroll(r.Context(), tree.ClassID, actor.ID, readinglog.RoleTeacher); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toClassTreeDTO(tree))
}

func (h *Handler) GetTree(w http.ResponseWriter, r *http.Request) {
	tree, err := h.Store.GetTree(r.Context(), classIDParam(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toClassTreeDTO(tree))
}

func (h *Handler) UpdateTree(w http.ResponseWriter, r *http.Request) {
	classID := classIDParam(r)
	if ok := h.requireClassTeacher(w, r, classID); !ok {
		return
	}

	var req UpdateTreeRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}

	settings := readinglog.TreeSettings{Name: req.Name, LevelUpTarget: req.LevelUpTarget}
	if err := h.Store.UpdateTreeSettings(r.Context(), classID, settings); err != nil {
		h.writeDomainError(w, err)
		return
	}

	tree, err := h.Store.GetTree(r.Context(), classID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toClassTreeDTO(tree))
}

func (h *Handler) EnrollStudent(w http.ResponseWriter, r *http.Request) {
	classID := classIDParam(r)
	if ok := h.requireClassTeacher(w, r, classID); !ok {
		return
	}

	var req EnrollRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}

	role := readinglog.RoleStudent
	if req.Role != "" {
		role = readinglog.Role(req.Role)
	}

	if err := h.Store.Enroll(r.Context(), classID, readinglog.UserID(req.UserID), role); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListStudents is the teacher's class dashboard: every enrolled
// student with their gold, level and approved-record count.
func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	classID := classIDParam(r)
	if ok := h.requireClassTeacher(w, r, classID); !ok {
		return
	}

	students, err := h.Store.ListStudents(r.Context(), classID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	rows := make([]StudentDTO, 0, len(students))
	for _, id := range students {
		profile, err := h.Store.GetProfile(r.Context(), id)
		if errors.Is(err, readinglog.ErrProfileNotFound) {
			// Enrolled but has not completed profile setup yet.
			rows = append(rows, StudentDTO{UserID: string(id), Gold: "0", Level: 1})
			continue
		}
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		approved, err := h.Store.CountApprovedRecords(r.Context(), id)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		rows = append(rows, StudentDTO{
			UserID:        string(id),
			Nickname:      profile.Nickname,
			Gold:          profile.Gold.String(),
			Level:         profile.Level,
			ApprovedCount: approved,
		})
	}
	writeJSON(w, http.StatusOK, map[string][]StudentDTO{"students": rows})
}

// requireClassTeacher gates mutations on a class to its teachers and
// admins. Writes the error response itself on failure.
func (h *Handler) requireClassTeacher(w http.ResponseWriter, r *http.Request, classID readinglog.ClassID) bool {
	actor := actorFrom(r)
	if actor.Role == readinglog.RoleAdmin {
		return true
	}
	if actor.Role != readinglog.RoleTeacher {
		writeError(w, http.StatusForbidden, "only teachers can manage a class", "")
		return false
	}

	teaches, err := h.Store.IsTeacherOf(r.Context(), actor.ID, classID)
	if err != nil {
		h.writeDomainError(w, err)
		return false
	}
	if !teaches {
		writeError(w, http.StatusForbidden, "not a teacher of this class", "")
		return false
	}
	return true
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", raw)
			return
		}
		limit = n
	}

	notifications, err := h.Store.ListNotifications(r.Context(), actorFrom(r).ID, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toNotificationDTOs(notifications))
}

func (h *Handler) UnreadNotifications(w http.ResponseWriter, r *http.Request) {
	count, err := h.Store.UnreadCount(r.Context(), actorFrom(r).ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": count})
}

func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ok, err := h.Store.MarkNotificationRead(r.Context(), id, actorFrom(r).ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "notification not found", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// BOOKS
// =============================================================================

func (h *Handler) SearchBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.Catalog.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.Log.WithError(err).Warn("catalog search failed")
		writeError(w, http.StatusBadGateway, "catalog unavailable", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]BookDTO{"books": toBookDTOs(books)})
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func recordIDParam(w http.ResponseWriter, r *http.Request) (readinglog.RecordID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid record id", raw)
		return 0, false
	}
	return readinglog.RecordID(id), true
}

func classIDParam(r *http.Request) readinglog.ClassID {
	return readinglog.ClassID(chi.URLParam(r, "id"))
}

// writeDomainError converts a domain error into an HTTP response.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var verr *readinglog.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "validation failed", verr.Error())
	case errors.Is(err, readinglog.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "not authorized", "")
	case readinglog.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error(), "")
	case errors.Is(err, readinglog.ErrNotEnrolled):
		writeError(w, http.StatusConflict, err.Error(), "")
	case readinglog.IsConflict(err):
		writeError(w, http.StatusConflict, err.Error(), "")
	case errors.Is(err, readinglog.ErrInvalidRole):
		writeError(w, http.StatusBadRequest, err.Error(), "")
	default:
		h.Log.WithError(err).Error("internal error")
		writeError(w, http.StatusInternalServerError, "internal error", "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, ErrorResponse{Error: message, Details: details})
}
