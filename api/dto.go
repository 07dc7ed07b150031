/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry validator/v10 struct tags. Binding and validation
  happen in bind.go; handlers receive already-validated values.

SEE ALSO:
  - handlers.go: Uses these types
  - bind.go: JSON decoding + validation
*/
package api

import (
	"time"

	"github.com/sprout/reading-tree/readinglog"
)

// =============================================================================
// RECORDS
// =============================================================================

// SubmitRecordRequest is the body of POST /api/records and
// PUT /api/records/{id}.
type SubmitRecordRequest struct {
	BookTitle           string `json:"book_title" validate:"required"`
	BookAuthor          string `json:"book_author"`
	BookPublisher       string `json:"book_publisher"`
	BookISBN            string `json:"book_isbn"`
	BookCoverURL        string `json:"book_cover_url" validate:"omitempty,url"`
	BookTotalPages      int    `json:"book_total_pages" validate:"gte=0"`
	BookPublicationYear int    `json:"book_publication_year" validate:"gte=0"`
	Reflection          string `json:"reflection"`
	ImageURL            string `json:"image_url" validate:"omitempty,url"`
	Rating              int    `json:"rating" validate:"gte=0,lte=5"`
}

func (r SubmitRecordRequest) toInput() readinglog.RecordInput {
	return readinglog.RecordInput{
		Book: readinglog.Book{
			Title:           r.BookTitle,
			Author:          r.BookAuthor,
			Publisher:       r.BookPublisher,
			ISBN:            r.BookISBN,
			CoverURL:        r.BookCoverURL,
			TotalPages:      r.BookTotalPages,
			PublicationYear: r.BookPublicationYear,
		},
		Reflection: r.Reflection,
		ImageURL:   r.ImageURL,
		Rating:     r.Rating,
	}
}

// DecisionRequest is the body of approve/reject endpoints.
// Reject requires a comment so the student always learns why.
type DecisionRequest struct {
	Comment string `json:"comment"`
}

// RecordDTO is a reading record as returned to clients.
type RecordDTO struct {
	ID                  int64      `json:"id"`
	UserID              string     `json:"user_id"`
	BookTitle           string     `json:"book_title"`
	BookAuthor          string     `json:"book_author,omitempty"`
	BookPublisher       string     `json:"book_publisher,omitempty"`
	BookISBN            string     `json:"book_isbn,omitempty"`
	BookCoverURL        string     `json:"book_cover_url,omitempty"`
	BookTotalPages      int        `json:"book_total_pages,omitempty"`
	BookPublicationYear int        `json:"book_publication_year,omitempty"`
	Reflection          string     `json:"reflection,omitempty"`
	ImageURL            string     `json:"image_url,omitempty"`
	Rating              int        `json:"rating,omitempty"`
	Status              string     `json:"status"`
	TeacherComment      string     `json:"teacher_comment,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	ApprovedAt          *time.Time `json:"approved_at,omitempty"`
}

func toRecordDTO(rec *readinglog.Record) RecordDTO {
	return RecordDTO{
		ID:                  int64(rec.ID),
		UserID:              string(rec.UserID),
		BookTitle:           rec.Book.Title,
		BookAuthor:          rec.Book.Author,
		BookPublisher:       rec.Book.Publisher,
		BookISBN:            rec.Book.ISBN,
		BookCoverURL:        rec.Book.CoverURL,
		BookTotalPages:      rec.Book.TotalPages,
		BookPublicationYear: rec.Book.PublicationYear,
		Reflection:          rec.Reflection,
		ImageURL:            rec.ImageURL,
		Rating:              rec.Rating,
		Status:              string(rec.Status),
		TeacherComment:      rec.TeacherComment,
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
		ApprovedAt:          rec.ApprovedAt,
	}
}

func toRecordDTOs(recs []readinglog.Record) []RecordDTO {
	dtos := make([]RecordDTO, 0, len(recs))
	for i := range recs {
		dtos = append(dtos, toRecordDTO(&recs[i]))
	}
	return dtos
}

// DecisionDTO is one entry of a record's decision history.
type DecisionDTO struct {
	ID        string    `json:"id"`
	RecordID  int64     `json:"record_id"`
	Status    string    `json:"status"`
	Comment   string    `json:"comment,omitempty"`
	ActorID   string    `json:"actor_id"`
	DecidedAt time.Time `json:"decided_at"`
}

func toDecisionDTOs(decisions []readinglog.Decision) []DecisionDTO {
	dtos := make([]DecisionDTO, 0, len(decisions))
	for _, d := range decisions {
		dtos = append(dtos, DecisionDTO{
			ID:        d.ID,
			RecordID:  int64(d.RecordID),
			Status:    string(d.Status),
			Comment:   d.Comment,
			ActorID:   string(d.ActorID),
			DecidedAt: d.DecidedAt,
		})
	}
	return dtos
}

// =============================================================================
// PROFILES
// =============================================================================

// SetupProfileRequest is the body of POST /api/me/profile/setup. The
// role comes from the actor headers, not the body.
type SetupProfileRequest struct {
	Nickname string `json:"nickname" validate:"required,max=50"`
}

// ProfileDTO is the caller's reward profile. Gold is serialized as a
// string to keep decimal precision out of float hands.
type ProfileDTO struct {
	UserID        string    `json:"user_id"`
	Nickname      string    `json:"nickname"`
	Role          string    `json:"role"`
	Gold          string    `json:"gold"`
	Level         int       `json:"level"`
	ApprovedCount int       `json:"approved_count"`
	CreatedAt     time.Time `json:"created_at"`
}

func toProfileDTO(p *readinglog.Profile, approvedCount int) ProfileDTO {
	return ProfileDTO{
		UserID:        string(p.UserID),
		Nickname:      p.Nickname,
		Role:          string(p.Role),
		Gold:          p.Gold.String(),
		Level:         p.Level,
		ApprovedCount: approvedCount,
		CreatedAt:     p.CreatedAt,
	}
}

// RewardCreditDTO is one reward ledger entry.
type RewardCreditDTO struct {
	ID        string    `json:"id"`
	RecordID  int64     `json:"record_id"`
	Gold      string    `json:"gold"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toRewardCreditDTOs(credits []readinglog.RewardCredit) []RewardCreditDTO {
	dtos := make([]RewardCreditDTO, 0, len(credits))
	for _, c := range credits {
		dtos = append(dtos, RewardCreditDTO{
			ID:        c.ID,
			RecordID:  int64(c.RecordID),
			Gold:      c.Gold.String(),
			Reason:    c.Reason,
			CreatedAt: c.CreatedAt,
		})
	}
	return dtos
}

// =============================================================================
// CLASSES
// =============================================================================

// CreateClassRequest is the body of POST /api/classes.
type CreateClassRequest struct {
	ClassID       string `json:"class_id" validate:"required,max=64"`
	Name          string `json:"name" validate:"required,max=100"`
	LevelUpTarget int    `json:"level_up_target" validate:"gte=0"`
}

// UpdateTreeRequest is the body of PUT /api/classes/{id}/tree.
type UpdateTreeRequest struct {
	Name          string `json:"name" validate:"required,max=100"`
	LevelUpTarget int    `json:"level_up_target" validate:"gt=0"`
}

// EnrollRequest is the body of POST /api/classes/{id}/students.
type EnrollRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Role   string `json:"role" validate:"omitempty,oneof=student teacher"`
}

// ClassTreeDTO is the class tree as returned to clients.
type ClassTreeDTO struct {
	ClassID       string    `json:"class_id"`
	Name          string    `json:"name"`
	CurrentLevel  int       `json:"current_level"`
	CurrentLeaves int       `json:"current_leaves"`
	LevelUpTarget int       `json:"level_up_target"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StudentDTO is one row of the class member dashboard: who the student
// is and how their reading is going.
type StudentDTO struct {
	UserID        string `json:"user_id"`
	Nickname      string `json:"nickname"`
	Gold          string `json:"gold"`
	Level         int    `json:"level"`
	ApprovedCount int    `json:"approved_count"`
}

func toClassTreeDTO(tree *readinglog.ClassTree) ClassTreeDTO {
	return ClassTreeDTO{
		ClassID:       string(tree.ClassID),
		Name:          tree.Name,
		CurrentLevel:  tree.CurrentLevel,
		CurrentLeaves: tree.CurrentLeaves,
		LevelUpTarget: tree.LevelUpTarget,
		CreatedAt:     tree.CreatedAt,
		UpdatedAt:     tree.UpdatedAt,
	}
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// NotificationDTO is one in-app notification.
type NotificationDTO struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Title           string    `json:"title"`
	Message         string    `json:"message"`
	Read            bool      `json:"read"`
	RelatedRecordID *int64    `json:"related_record_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func toNotificationDTOs(notifications []readinglog.Notification) []NotificationDTO {
	dtos := make([]NotificationDTO, 0, len(notifications))
	for _, n := range notifications {
		dto := NotificationDTO{
			ID:        n.ID,
			Type:      string(n.Type),
			Title:     n.Title,
			Message:   n.Message,
			Read:      n.Read,
			CreatedAt: n.CreatedAt,
		}
		if n.RelatedRecordID != nil {
			id := int64(*n.RelatedRecordID)
			dto.RelatedRecordID = &id
		}
		dtos = append(dtos, dto)
	}
	return dtos
}

// =============================================================================
// BOOKS
// =============================================================================

// BookDTO is one catalog search hit.
type BookDTO struct {
	Title           string `json:"title"`
	Author          string `json:"author,omitempty"`
	Publisher       string `json:"publisher,omitempty"`
	ISBN            string `json:"isbn"`
	CoverURL        string `json:"cover_url,omitempty"`
	PublicationYear int    `json:"publication_year,omitempty"`
}

func toBookDTOs(books []readinglog.Book) []BookDTO {
	dtos := make([]BookDTO, 0, len(books))
	for _, b := range books {
		dtos = append(dtos, BookDTO{
			Title:           b.Title,
			Author:          b.Author,
			Publisher:       b.Publisher,
			ISBN:            b.ISBN,
			CoverURL:        b.CoverURL,
			PublicationYear: b.PublicationYear,
		})
	}
	return dtos
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
