package adapters

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/rail-service/settlement_core/internal/infrastructure/config"
	"github.com/rail-service/settlement_core/pkg/logger"
)

// mailSender is the part of the sendgrid client the alerter uses.
type mailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// AlertService emails operators about conditions that need a human:
// exhausted sweeps and an empty treasury gas wallet. With the "log"
// provider alerts are only written to the log.
type AlertService struct {
	logger     *logger.Logger
	config     config.AlertConfig
	client     mailSender
	recipients []string
}

// NewAlertService creates a new alert service
func NewAlertService(log *logger.Logger, cfg config.AlertConfig) (*AlertService, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	svc := &AlertService{logger: log, config: cfg}

	switch provider {
	case "", "log":
		svc.config.Provider = "log"
	case "sendgrid":
		if strings.TrimSpace(cfg.SendGridAPIKey) == "" {
			return nil, fmt.Errorf("sendgrid api key is required")
		}
		if strings.TrimSpace(cfg.FromEmail) == "" {
			return nil, fmt.Errorf("alert from address is required")
		}
		if len(cfg.Recipients) == 0 {
			return nil, fmt.Errorf("at least one alert recipient is required")
		}
		svc.client = sendgrid.NewSendClient(cfg.SendGridAPIKey)
	default:
		return nil, fmt.Errorf("unsupported alert provider: %s", provider)
	}

	for _, r := range cfg.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			svc.recipients = append(svc.recipients, r)
		}
	}
	return svc, nil
}

// Alert sends subject and body to every configured recipient.
func (a *AlertService) Alert(ctx context.Context, subject, body string) error {
	a.logger.Warn("Operator alert", "subject", subject, "body", body)
	if a.client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	from := mail.NewEmail(a.config.FromName, a.config.FromEmail)
	message := mail.NewV3Mail()
	message.SetFrom(from)
	message.Subject = "[settlement] " + subject

	p := mail.NewPersonalization()
	for _, r := range a.recipients {
		p.AddTos(mail.NewEmail("", r))
	}
	message.AddPersonalizations(p)
	message.AddContent(
		mail.NewContent("text/plain", body),
		mail.NewContent("text/html", "<pre>"+html.EscapeString(body)+"</pre>"),
	)

	response, err := a.client.SendWithContext(ctx, message)
	if err != nil {
		a.logger.Error("Failed to send alert", "provider", "sendgrid", "subject", subject, "error", err)
		return fmt.Errorf("failed to send alert: %w", err)
	}
	if response.StatusCode >= 400 {
		a.logger.Error("Alert provider returned error",
			"provider", "sendgrid",
			"subject", subject,
			"status_code", response.StatusCode,
			"response_body", response.Body)
		return fmt.Errorf("alert provider error: status %d", response.StatusCode)
	}
	return nil
}
