package bootstrap

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	appconfig "github.com/wellnest/marketplace-api/internal/config"
	"github.com/wellnest/marketplace-api/internal/notify"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

// BuildEmailSender picks the e-mail provider named by EMAIL_PROVIDER.
// Missing credentials degrade to the logging stub.
func BuildEmailSender(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) notify.EmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg == nil {
		return notify.NewStubEmailSender(logger)
	}

	switch cfg.EmailProvider {
	case "sendgrid":
		sender := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.EmailFromAddress,
			FromName:  cfg.EmailFromName,
		}, logger)
		if sender != nil {
			return sender
		}
		logger.Warn("sendgrid selected without api key, using stub e-mail")
	case "ses":
		if awsCfg != nil {
			sender := notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), notify.SESConfig{
				FromEmail: cfg.EmailFromAddress,
				FromName:  cfg.EmailFromName,
			}, logger)
			if sender != nil {
				return sender
			}
		}
		logger.Warn("ses selected without aws config, using stub e-mail")
	case "stub", "":
	default:
		logger.Warn("unknown email provider, using stub", "provider", cfg.EmailProvider)
	}
	return notify.NewStubEmailSender(logger)
}
