package notify

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/emads/emads/internal/models"
)

const subjectPrefix = "[EMADS]"

// AlertMessage renders the subject and body for one alert.
func AlertMessage(a *models.Alert) (string, string) {
	subject := fmt.Sprintf("%s %s alert: %s", subjectPrefix, severityLabel(a.Severity), a.Type.Title())
	if a.Type == models.AlertConsecutiveAnomalies && a.Count > 1 {
		subject = fmt.Sprintf("%s %s alert: %d consecutive anomalies", subjectPrefix, severityLabel(a.Severity), a.Count)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", a.Message)
	fmt.Fprintf(&b, "Type:        %s\n", a.Type.Title())
	fmt.Fprintf(&b, "Sensor:      %s\n", sensorLabel(a.SensorID))
	fmt.Fprintf(&b, "Severity:    %s\n", a.Severity)
	fmt.Fprintf(&b, "Detected at: %s\n", a.DetectedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Energy:      %.2f Wh\n", a.EnergyWh)
	if a.AnomalyScore != nil {
		fmt.Fprintf(&b, "Score:       %.4f\n", *a.AnomalyScore)
	}
	if a.Count > 1 {
		fmt.Fprintf(&b, "Readings:    %d\n", a.Count)
	}
	b.WriteString("\nPlease log in to the dashboard for full details.\n")
	return subject, b.String()
}

// CheckReportMessage renders the summary sent after a check run that
// created alerts.
func CheckReportMessage(r *models.CheckReport) (string, string) {
	subject := fmt.Sprintf("%s Anomaly report: %d new alerts", subjectPrefix, len(r.NewAlerts))

	var b strings.Builder
	fmt.Fprintf(&b, "Alert check %s covering %s to %s.\n\n",
		r.RunID, r.WindowStart.UTC().Format(time.RFC3339), r.WindowEnd.UTC().Format(time.RFC3339))
	for _, a := range r.NewAlerts {
		fmt.Fprintf(&b, "  - [%s] %s on %s at %s: %.2f Wh\n",
			a.Severity, a.Type.Title(), sensorLabel(a.SensorID), a.DetectedAt.UTC().Format(time.RFC3339), a.EnergyWh)
	}
	if len(r.Warnings) > 0 {
		b.WriteString("\nSome rules did not complete:\n")
		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "  - %s\n", w)
		}
	}
	return subject, b.String()
}

// WeeklyReport holds the figures of the weekly consumption summary.
type WeeklyReport struct {
	PrevStart    time.Time
	LastStart    time.Time
	LastEnd      time.Time
	PrevTotalWh  float64
	LastTotalWh  float64
	ChangePct    float64 // NaN when the previous week had no consumption
	AlertCount   int
	AlertsByType map[models.AlertType]int
}

// WeeklyReportMessage renders the weekly summary.
func WeeklyReportMessage(w WeeklyReport) (string, string) {
	lastDay := w.LastEnd.Add(-24 * time.Hour)
	subject := fmt.Sprintf("%s Weekly Report: %s to %s", subjectPrefix, w.LastStart.Format("2006-01-02"), lastDay.Format("2006-01-02"))

	change := "n/a"
	if !math.IsNaN(w.ChangePct) {
		change = fmt.Sprintf("%+.2f%%", w.ChangePct)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Weekly summary for %s to %s.\n\n", w.LastStart.Format("2006-01-02"), lastDay.Format("2006-01-02"))
	b.WriteString("Energy consumption\n")
	fmt.Fprintf(&b, "  Previous week total: %.2f kWh\n", w.PrevTotalWh/1000)
	fmt.Fprintf(&b, "  Last week total:     %.2f kWh\n", w.LastTotalWh/1000)
	fmt.Fprintf(&b, "  Change:              %s\n\n", change)
	fmt.Fprintf(&b, "Anomaly events last week: %d\n", w.AlertCount)
	for _, t := range models.AllAlertTypes {
		if n := w.AlertsByType[t]; n > 0 {
			fmt.Fprintf(&b, "  %s: %d\n", t.Title(), n)
		}
	}
	b.WriteString("\nPlease log in to the dashboard for full details and charts.\n")
	return subject, b.String()
}

func severityLabel(s models.Severity) string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}

func sensorLabel(id string) string {
	if id == "" {
		return "hostel (aggregate)"
	}
	return id
}
