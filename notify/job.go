package notify

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Source yields the alerts that are due
type Source interface {
	Due(ctx context.Context, now time.Time) ([]Alert, error)
}

// Deliver hands one alert to the push channel
type Deliver func(Alert)

// LogDeliver logs the alert. Push delivery is outside this service.
func LogDeliver(alert Alert) {
	log.WithFields(log.Fields{
		"user_id":         alert.UserID,
		"filament_id":     alert.FilamentID,
		"filament_type":   alert.FilamentType,
		"expiration_date": alert.ExpirationDate.String(),
	}).Info("filament expiring soon")
}

// StartDispatchJob polls source every interval until ctx is done
func StartDispatchJob(ctx context.Context, source Source, deliver Deliver, interval time.Duration) {
	if source == nil {
		log.Info("alert dispatch job disabled: no alert source configured")
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				dispatchDue(ctx, source, deliver, time.Now().UTC())
			}
		}
	}()
}

func dispatchDue(ctx context.Context, source Source, deliver Deliver, now time.Time) int {
	tickCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	alerts, err := source.Due(tickCtx, now)
	if err != nil {
		log.WithError(err).Error("alert dispatch job error")
	}
	for _, alert := range alerts {
		deliver(alert)
	}
	return len(alerts)
}
