package services

import (
	"context"
	"errors"
	"testing"

	"lessongen/internal/models"
	"lessongen/internal/services/mailer"
	contextutils "lessongen/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMailer struct {
	enabled bool
	sent    []mailer.Message
	err     error
}

func (f *fakeMailer) Send(_ context.Context, msg mailer.Message) error {
	f.sent = append(f.sent, msg)
	return f.err
}

func (f *fakeMailer) IsEnabled() bool { return f.enabled }

func newTestEmailNotifier(t *testing.T, m mailer.Mailer, resolve RecipientResolver) *EmailNotifier {
	t.Helper()
	templates, err := NewPromptTemplates()
	require.NoError(t, err)
	return NewEmailNotifier(m, resolve, "https://app.example.com/", templates, newTestLogger())
}

func TestEmailNotifier_Notify(t *testing.T) {
	m := &fakeMailer{enabled: true}
	n := newTestEmailNotifier(t, m, nil)

	err := n.Notify(context.Background(), "Ann <ann@example.com>", models.Notification{
		Title:   "Your lesson is ready",
		Message: "Fractions, level 2",
		Type:    models.NotificationTypeLessonReady,
		Link:    "/lessons/abc",
	})
	require.NoError(t, err)
	require.Len(t, m.sent, 1)
	assert.Equal(t, "ann@example.com", m.sent[0].To)
	assert.Equal(t, "Your lesson is ready", m.sent[0].Subject)
	assert.Contains(t, m.sent[0].HTMLBody, "https://app.example.com/lessons/abc")
	assert.Contains(t, m.sent[0].TextBody, "Fractions, level 2")
}

func TestEmailNotifier_DisabledMailer(t *testing.T) {
	m := &fakeMailer{}
	n := newTestEmailNotifier(t, m, nil)

	require.NoError(t, n.Notify(context.Background(), "ann@example.com", models.Notification{Title: "x"}))
	assert.Empty(t, m.sent)
}

func TestEmailNotifier_Errors(t *testing.T) {
	m := &fakeMailer{enabled: true}
	n := newTestEmailNotifier(t, m, nil)

	err := n.Notify(context.Background(), "user-42", models.Notification{Title: "x"})
	assert.True(t, contextutils.IsError(err, contextutils.ErrInvalidInput))
	assert.Empty(t, m.sent)

	m.err = errors.New("smtp down")
	custom := newTestEmailNotifier(t, m, func(context.Context, string) (string, error) { return "ops@example.com", nil })
	assert.Error(t, custom.Notify(context.Background(), "user-42", models.Notification{Title: "x"}))
	assert.Equal(t, "ops@example.com", m.sent[0].To)
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, NewLogNotifier(newTestLogger()).Notify(context.Background(), "u1", models.Notification{Title: "x"}))
}
