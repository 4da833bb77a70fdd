// Package notify delivers alerts to staff by mail and the in-app inbox.
//
// An alert is marked notified only after its message was accepted by the
// transport, and then exactly once: concurrent dispatchers serialize on
// the alert ID and re-read the flag before sending.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/emads/emads/internal/audit"
	"github.com/emads/emads/internal/db"
	"github.com/emads/emads/internal/lock"
	"github.com/emads/emads/internal/metrics"
	"github.com/emads/emads/internal/models"
)

// Store is the persistence the dispatcher needs.
type Store interface {
	db.UserStore
	db.AlertStore
	db.CommunicationStore
}

// Message kinds used in metrics.
const (
	KindAlert  = "alert"
	KindReport = "report"
	KindWeekly = "weekly"
)

// NotifiedRoles receive alert notifications.
var NotifiedRoles = []string{models.RoleAdmin, models.RoleManager}

// Dispatcher sends notifications and records inbox entries.
type Dispatcher struct {
	store  Store
	mailer Mailer
	locker lock.Locker
	audit  audit.Logger
	logger *zap.Logger
	clock  clockwork.Clock
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClock sets the clock that timestamps inbox entries.
func WithClock(c clockwork.Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = c }
}

// NewDispatcher creates a Dispatcher. locker may be nil for an in-process lock.
func NewDispatcher(store Store, mailer Mailer, locker lock.Locker, auditLog audit.Logger, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if auditLog == nil {
		auditLog = audit.NewNopLogger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		store:  store,
		mailer: mailer,
		locker: locker,
		audit:  auditLog,
		logger: logger,
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Recipients returns staff who want alerts of type t. A zero t ignores
// preferences. Users without an email address are skipped.
func (d *Dispatcher) Recipients(ctx context.Context, t models.AlertType) ([]*models.User, error) {
	users, err := d.store.FindUsers(ctx, NotifiedRoles...)
	if err != nil {
		return nil, fmt.Errorf("find recipients: %w", err)
	}
	out := users[:0]
	for _, u := range users {
		if u.Email == "" {
			continue
		}
		if t != "" && !u.Wants(t) {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// Dispatch notifies staff about one alert. It reports whether this call
// delivered it. ErrNoRecipients and *DeliveryError leave the alert pending.
func (d *Dispatcher) Dispatch(ctx context.Context, alertID string) (bool, error) {
	unlock, err := d.locker.Lock(ctx, "notify/"+alertID)
	if err != nil {
		return false, fmt.Errorf("lock alert %s: %w", alertID, err)
	}
	defer unlock()

	alert, err := d.store.GetAlert(ctx, alertID)
	if err != nil {
		return false, fmt.Errorf("load alert %s: %w", alertID, err)
	}
	if alert.Notified {
		metrics.NotificationsSkippedTotal.WithLabelValues("already_notified").Inc()
		return false, nil
	}

	recipients, err := d.Recipients(ctx, alert.Type)
	if err != nil {
		return false, err
	}
	if len(recipients) == 0 {
		metrics.NotificationsSkippedTotal.WithLabelValues("no_recipients").Inc()
		d.logger.Warn("no recipients for alert", zap.String("alert_id", alert.ID), zap.String("type", string(alert.Type)))
		return false, ErrNoRecipients
	}

	subject, body := AlertMessage(alert)
	if err := d.send(ctx, KindAlert, recipients, subject, body); err != nil {
		_ = d.audit.LogNotificationFailed(ctx, alert.ID, err)
		d.logger.Error("alert notification failed", zap.String("alert_id", alert.ID), zap.Error(err))
		return false, err
	}

	marked, err := d.store.MarkAlertNotified(ctx, alert.ID)
	if err != nil {
		// The mail went out but the alert stays pending, so a retry sends it again.
		d.logger.Error("alert sent but not marked notified",
			zap.String("alert_id", alert.ID),
			zap.Int("recipients", len(recipients)),
			zap.Error(err))
		return false, fmt.Errorf("mark alert %s notified: %w", alert.ID, err)
	}
	if !marked {
		// Marked by a dispatcher holding a different lock domain.
		return false, nil
	}
	d.writeInbox(ctx, recipients, alert.ID, subject, body)

	_ = d.audit.LogAlertNotified(ctx, alert.ID, len(recipients))
	d.logger.Info("alert notified", zap.String("alert_id", alert.ID), zap.Int("recipients", len(recipients)))
	return true, nil
}

// DispatchPending retries every unnotified, unresolved alert once, oldest
// first. It returns how many were delivered and the joined delivery
// failures; alerts without recipients are not failures.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	pending, resolved := false, false
	alerts, err := d.store.FindAlerts(ctx, db.AlertFilter{Notified: &pending, Resolved: &resolved})
	if err != nil {
		return 0, fmt.Errorf("find pending alerts: %w", err)
	}

	sent := 0
	var errs []error
	for i := len(alerts) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ok, err := d.Dispatch(ctx, alerts[i].ID)
		switch {
		case errors.Is(err, ErrNoRecipients):
		case err != nil:
			errs = append(errs, fmt.Errorf("alert %s: %w", alerts[i].ID, err))
		case ok:
			sent++
		}
	}
	return sent, errors.Join(errs...)
}

// Broadcast sends a report that is not tied to an alert to all staff and
// drops a copy in each recipient's inbox.
func (d *Dispatcher) Broadcast(ctx context.Context, kind, subject, body string) error {
	recipients, err := d.Recipients(ctx, "")
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		metrics.NotificationsSkippedTotal.WithLabelValues("no_recipients").Inc()
		return ErrNoRecipients
	}
	if err := d.send(ctx, kind, recipients, subject, body); err != nil {
		d.logger.Error("report delivery failed", zap.String("kind", kind), zap.Error(err))
		return err
	}
	d.writeInbox(ctx, recipients, "", subject, body)
	return nil
}

func (d *Dispatcher) send(ctx context.Context, kind string, recipients []*models.User, subject, body string) error {
	emails := make([]string, len(recipients))
	for i, u := range recipients {
		emails[i] = u.Email
	}
	if err := d.mailer.Send(ctx, emails, subject, body); err != nil {
		metrics.NotificationsFailedTotal.WithLabelValues(kind).Inc()
		return &DeliveryError{Recipients: emails, Err: err}
	}
	metrics.NotificationsSentTotal.WithLabelValues(kind).Inc()
	return nil
}

// writeInbox never fails the dispatch; the mail already went out.
func (d *Dispatcher) writeInbox(ctx context.Context, recipients []*models.User, alertID, subject, body string) {
	now := d.clock.Now().UTC()
	for _, u := range recipients {
		c := &models.Communication{
			Recipient: u.Username,
			AlertID:   alertID,
			Title:     subject,
			Message:   body,
			Timestamp: now,
		}
		if _, err := d.store.InsertCommunication(ctx, c); err != nil {
			d.logger.Error("inbox write failed",
				zap.String("recipient", u.Username), zap.String("alert_id", alertID), zap.Error(err))
		}
	}
}

// Inbox lists a user's entries, newest first.
func (d *Dispatcher) Inbox(ctx context.Context, username string, unreadOnly bool) ([]*models.Communication, error) {
	return d.store.ListCommunications(ctx, username, unreadOnly)
}

// MarkRead marks one of the user's inbox entries read.
func (d *Dispatcher) MarkRead(ctx context.Context, id, username string) error {
	return d.store.MarkCommunicationRead(ctx, id, username)
}
