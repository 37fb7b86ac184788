package domain

import "context"

// Mailer defines the contract for sending emails (infrastructure port).
type Mailer interface {
	Send(ctx context.Context, to, subject, html, text string) error
}

// EmailTemplateRenderer renders email content from a named template with the given data.
type EmailTemplateRenderer interface {
	Render(templateName string, data any) (subject, htmlBody, textBody string, err error)
}

// AdvanceFailedEmailData holds data for the run failure alert.
type AdvanceFailedEmailData struct {
	RunID string
	Now   string
	Error string
}

// MissingSeedRule is one entry of the missing seed alert.
type MissingSeedRule struct {
	RuleID  string
	EventID string
	RRule   string
}

// MissingSeedEmailData holds data for the data-consistency alert.
type MissingSeedEmailData struct {
	RunID string
	Now   string
	Rules []MissingSeedRule
}

// AlertService notifies the operator about advancer runs that need attention.
type AlertService interface {
	// NotifyRun inspects a finished run and sends whatever alerts it calls for.
	NotifyRun(ctx context.Context, report *AdvanceReport, runErr error) error
}
