package orchestrator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/emads/emads/internal/db"
	"github.com/emads/emads/internal/models"
	"github.com/emads/emads/internal/notify"
)

// weekStart returns the Monday 00:00 UTC of the week containing t.
func weekStart(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// WeeklyReport compares consumption of the last full week with the week
// before and counts the alerts raised last week.
func (o *Orchestrator) WeeklyReport(ctx context.Context, now time.Time) (notify.WeeklyReport, error) {
	thisMonday := weekStart(now)
	lastMonday := thisMonday.AddDate(0, 0, -7)
	prevMonday := lastMonday.AddDate(0, 0, -7)

	rep := notify.WeeklyReport{
		PrevStart:    prevMonday,
		LastStart:    lastMonday,
		LastEnd:      thisMonday,
		AlertsByType: make(map[models.AlertType]int),
	}

	readings, err := o.Readings.FetchReadings(ctx, "", prevMonday, thisMonday)
	if err != nil {
		return rep, fmt.Errorf("fetch readings: %w", err)
	}
	for _, r := range readings {
		switch {
		case r.Timestamp.Before(lastMonday):
			rep.PrevTotalWh += r.EnergyWh
		case r.Timestamp.Before(thisMonday):
			rep.LastTotalWh += r.EnergyWh
		}
	}
	rep.ChangePct = math.NaN()
	if rep.PrevTotalWh != 0 {
		rep.ChangePct = (rep.LastTotalWh - rep.PrevTotalWh) / rep.PrevTotalWh * 100
	}

	alerts, err := o.Alerts.FindAlerts(ctx, db.AlertFilter{From: lastMonday, Before: thisMonday})
	if err != nil {
		return rep, fmt.Errorf("find alerts: %w", err)
	}
	rep.AlertCount = len(alerts)
	for _, a := range alerts {
		rep.AlertsByType[a.Type]++
	}
	return rep, nil
}

// SendWeeklyReport builds the weekly report for now and sends it to staff.
func (o *Orchestrator) SendWeeklyReport(ctx context.Context, now time.Time) error {
	rep, err := o.WeeklyReport(ctx, now)
	if err != nil {
		return err
	}
	subject, body := notify.WeeklyReportMessage(rep)
	return o.Dispatcher.Broadcast(ctx, notify.KindWeekly, subject, body)
}
