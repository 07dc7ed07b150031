package readinglog

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Notification builders. Only the transition engine calls these; titles
// and messages are what the student sees in the in-app outbox.

func approvalNotification(rec *Record, comment string, at time.Time) *Notification {
	msg := fmt.Sprintf("%q was approved. You earned gold for your tree!", bookName(rec))
	if comment != "" {
		msg = fmt.Sprintf("%s Teacher's comment: %s", msg, comment)
	}
	id := rec.ID
	return &Notification{
		ID:              uuid.NewString(),
		UserID:          rec.UserID,
		Type:            NotificationApproval,
		Title:           "Your reading record was approved",
		Message:         msg,
		RelatedRecordID: &id,
		CreatedAt:       at,
	}
}

func rejectionNotification(rec *Record, comment string, at time.Time) *Notification {
	msg := fmt.Sprintf("%q was sent back.", bookName(rec))
	if comment != "" {
		msg = fmt.Sprintf("%s Reason: %s", msg, comment)
	}
	id := rec.ID
	return &Notification{
		ID:              uuid.NewString(),
		UserID:          rec.UserID,
		Type:            NotificationRejection,
		Title:           "Your reading record was sent back",
		Message:         msg,
		RelatedRecordID: &id,
		CreatedAt:       at,
	}
}

func levelUpNotification(userID UserID, className string, level int, at time.Time) *Notification {
	name := className
	if name == "" {
		name = "Your class"
	}
	return &Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      NotificationLevelUp,
		Title:     "The class tree grew!",
		Message:   fmt.Sprintf("%s reached level %d. Keep reading!", name, level),
		CreatedAt: at,
	}
}

func bookName(rec *Record) string {
	if rec.Book.Title != "" {
		return rec.Book.Title
	}
	return "Your reading record"
}
