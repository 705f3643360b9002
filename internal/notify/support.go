package notify

import (
	"context"
	"fmt"

	"github.com/wellnest/marketplace-api/pkg/logging"
)

// SupportMailer e-mails the support inbox about incidents needing a human.
type SupportMailer struct {
	sender  EmailSender
	address string
	logger  *logging.Logger
}

func NewSupportMailer(sender EmailSender, address string, logger *logging.Logger) *SupportMailer {
	if logger == nil {
		logger = logging.Default()
	}
	return &SupportMailer{sender: sender, address: address, logger: logger}
}

// Alert sends subject/body to support. Without a configured inbox it only logs.
func (s *SupportMailer) Alert(ctx context.Context, subject, body string) error {
	if s == nil || s.sender == nil || s.address == "" {
		if s != nil {
			s.logger.Warn("notify: support inbox not configured", "subject", subject)
		}
		return nil
	}
	if err := s.sender.Send(ctx, EmailMessage{To: s.address, ToName: "Support", Subject: subject, Body: body, Category: "support"}); err != nil {
		return fmt.Errorf("notify: support alert: %w", err)
	}
	return nil
}
