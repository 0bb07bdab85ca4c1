// Package notify schedules spool expiration alerts.
package notify

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/devadigapratham/spoolshare/api/models"
)

// DefaultLeadTime is how long before expiration an alert fires
const DefaultLeadTime = 72 * time.Hour

// Alert is a pending expiration reminder for one spool
type Alert struct {
	UserID         string      `json:"user_id"`
	FilamentID     string      `json:"filament_id"`
	FilamentType   string      `json:"filament_type"`
	ExpirationDate models.Date `json:"expiration_date"`
	NotifyAt       time.Time   `json:"notify_at"`
}

// Key identifies the alert of one spool
func (a Alert) Key() string {
	return alertKey(a.UserID, a.FilamentID)
}

func alertKey(userID, filamentID string) string {
	return userID + "/" + filamentID
}

// NewAlert builds the alert for a spool, firing leadTime before midnight UTC of
// the expiration date. ok is false when the spool has no expiration date.
func NewAlert(userID string, spool models.FilamentSpool, leadTime time.Duration) (Alert, bool) {
	if spool.ExpirationDate.IsZero() {
		return Alert{}, false
	}
	return Alert{
		UserID:         userID,
		FilamentID:     spool.ID,
		FilamentType:   spool.Type,
		ExpirationDate: spool.ExpirationDate,
		NotifyAt:       spool.ExpirationDate.Time().Add(-leadTime),
	}, true
}

// Scheduler accepts fire-and-forget expiration alerts
type Scheduler interface {
	ScheduleExpirationAlert(ctx context.Context, alert Alert) error
	CancelExpirationAlert(ctx context.Context, userID, filamentID string) error
}

// LogScheduler only logs alerts. Used when no redis is configured.
type LogScheduler struct{}

func (LogScheduler) ScheduleExpirationAlert(_ context.Context, alert Alert) error {
	log.WithFields(log.Fields{
		"user_id":     alert.UserID,
		"filament_id": alert.FilamentID,
		"notify_at":   alert.NotifyAt.Format(time.RFC3339),
	}).Info("expiration alert scheduled")
	return nil
}

func (LogScheduler) CancelExpirationAlert(_ context.Context, userID, filamentID string) error {
	log.WithFields(log.Fields{"user_id": userID, "filament_id": filamentID}).Debug("expiration alert canceled")
	return nil
}
