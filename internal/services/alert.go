package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"villageevents/internal/domain"
)

type alertService struct {
	mailer   domain.Mailer
	renderer domain.EmailTemplateRenderer
	to       string
	logger   *slog.Logger
}

// NewAlertService returns an AlertService that mails the operator at to. An
// empty to disables all alerts.
func NewAlertService(mailer domain.Mailer, renderer domain.EmailTemplateRenderer, to string, logger *slog.Logger) domain.AlertService {
	return &alertService{mailer: mailer, renderer: renderer, to: to, logger: logger}
}

// NotifyRun sends "advance_failed" when runErr is set, otherwise "missing_seed"
// when active rules had no seed instance. Successful clean runs send nothing.
func (s *alertService) NotifyRun(ctx context.Context, report *domain.AdvanceReport, runErr error) error {
	if s.to == "" || report == nil {
		return nil
	}
	now := report.Now.Format(time.RFC3339)

	if runErr != nil {
		return s.send(ctx, "advance_failed", &domain.AdvanceFailedEmailData{
			RunID: report.RunID,
			Now:   now,
			Error: runErr.Error(),
		})
	}

	if len(report.MissingSeed) == 0 {
		return nil
	}
	data := &domain.MissingSeedEmailData{RunID: report.RunID, Now: now}
	for _, rule := range report.MissingSeed {
		data.Rules = append(data.Rules, domain.MissingSeedRule{
			RuleID:  rule.ID,
			EventID: rule.EventID,
			RRule:   rule.RRule(),
		})
	}
	return s.send(ctx, "missing_seed", data)
}

func (s *alertService) send(ctx context.Context, templateName string, data any) error {
	subject, htmlBody, textBody, err := s.renderer.Render(templateName, data)
	if err != nil {
		return fmt.Errorf("failed to render %s template: %w", templateName, err)
	}
	if err := s.mailer.Send(ctx, s.to, subject, htmlBody, textBody); err != nil {
		return fmt.Errorf("failed to send %s alert: %w", templateName, err)
	}
	s.logger.InfoContext(ctx, "operator alert sent", "template", templateName, "to", s.to)
	return nil
}
