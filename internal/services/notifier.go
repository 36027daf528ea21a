package services

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"lessongen/internal/models"
	"lessongen/internal/observability"
	"lessongen/internal/services/mailer"
	contextutils "lessongen/internal/utils"

	"go.opentelemetry.io/otel/attribute"
)

// NotifierInterface delivers user-facing notifications
type NotifierInterface interface {
	Notify(ctx context.Context, userID string, n models.Notification) error
}

// RecipientResolver maps a user ID to an email address
type RecipientResolver func(ctx context.Context, userID string) (string, error)

// EmailAddressUserIDs resolves user IDs that are themselves email addresses
func EmailAddressUserIDs(_ context.Context, userID string) (string, error) {
	addr, err := mail.ParseAddress(userID)
	if err != nil {
		return "", contextutils.WrapErrorf(contextutils.ErrInvalidInput, "user %q has no email address", userID)
	}
	return addr.Address, nil
}

// EmailNotifier sends notifications through a mailer
type EmailNotifier struct {
	mailer     mailer.Mailer
	resolve    RecipientResolver
	appBaseURL string
	templates  *PromptTemplates
	logger     *observability.Logger
}

// NewEmailNotifier creates an email notifier. A nil resolve uses EmailAddressUserIDs.
func NewEmailNotifier(m mailer.Mailer, resolve RecipientResolver, appBaseURL string, templates *PromptTemplates, logger *observability.Logger) *EmailNotifier {
	if resolve == nil {
		resolve = EmailAddressUserIDs
	}
	return &EmailNotifier{
		mailer:     m,
		resolve:    resolve,
		appBaseURL: strings.TrimRight(appBaseURL, "/"),
		templates:  templates,
		logger:     logger.Component("notifier"),
	}
}

// Notify emails n to the user
func (e *EmailNotifier) Notify(ctx context.Context, userID string, n models.Notification) (err error) {
	ctx, span := observability.TraceGenerationFunction(ctx, "notify_email",
		observability.AttributeUserID(userID),
		attribute.String("notification.type", n.Type),
	)
	defer observability.FinishSpan(span, &err)

	if !e.mailer.IsEnabled() {
		return nil
	}
	to, err := e.resolve(ctx, userID)
	if err != nil {
		return err
	}

	link := n.Link
	if link != "" && strings.HasPrefix(link, "/") {
		link = e.appBaseURL + link
	}
	html, err := e.templates.RenderNotification(NotificationTemplateData{
		Title:   n.Title,
		Message: n.Message,
		Link:    link,
	})
	if err != nil {
		return err
	}

	return e.mailer.Send(ctx, mailer.Message{
		To:       to,
		Subject:  n.Title,
		HTMLBody: html,
		TextBody: strings.TrimSpace(fmt.Sprintf("%s\n\n%s", n.Message, link)),
	})
}

// LogNotifier writes notifications to the log
type LogNotifier struct {
	logger *observability.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(logger *observability.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements NotifierInterface
func (l *LogNotifier) Notify(ctx context.Context, userID string, n models.Notification) error {
	l.logger.Info(ctx, "Notification", map[string]interface{}{
		"user_id": userID,
		"type":    n.Type,
		"title":   n.Title,
		"link":    n.Link,
	})
	return nil
}
