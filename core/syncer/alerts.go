package syncer

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/trezcool/feeledger/core"
	"github.com/trezcool/feeledger/core/retryq"
)

const (
	lostWritesTemplate = "lost_writes"
	lostWritesCategory = "lost-writes"
)

// MailAlerter emails the operators the list of lost writes.
type MailAlerter struct {
	mailSvc    core.EmailService
	recipients []mail.Address
	logger     core.Logger
}

var _ Alerter = (*MailAlerter)(nil)

func NewMailAlerter(mailSvc core.EmailService, operatorEmails []string, logger core.Logger) *MailAlerter {
	recipients := make([]mail.Address, 0, len(operatorEmails))
	for _, email := range operatorEmails {
		addr, err := mail.ParseAddress(email)
		if err != nil {
			logger.Warn(fmt.Sprintf("syncer: ignoring invalid operator email %q", email), err)
			continue
		}
		recipients = append(recipients, *addr)
	}
	return &MailAlerter{mailSvc: mailSvc, recipients: recipients, logger: logger}
}

func (a *MailAlerter) LostWrites(_ context.Context, lost []retryq.LostWrite) {
	if len(lost) == 0 {
		return
	}
	if len(a.recipients) == 0 {
		a.logger.Error(fmt.Sprintf("syncer: %d lost write(s) and no operator to alert", len(lost)))
		return
	}

	a.mailSvc.SendMessages(&core.EmailMessage{
		To:           a.recipients,
		Subject:      fmt.Sprintf("%d change(s) could not be saved", len(lost)),
		Category:     lostWritesCategory,
		TemplateName: lostWritesTemplate,
		TemplateData: map[string]interface{}{"Writes": lost},
	})
}
