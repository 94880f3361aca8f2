package emailsvc

import (
	"fmt"
	"net/mail"
	"strings"
	"sync"

	"github.com/trezcool/feeledger/core"
)

func render(appName string, msg *core.EmailMessage, logger core.Logger) bool {
	if err := msg.Render(appName); err != nil {
		if logger != nil {
			logger.Error(fmt.Sprintf("emailsvc: rendering %q: %v", msg.Subject, err), err)
		}
		return false
	}
	return msg.HasRecipients() && msg.HasContent()
}

func joinAddresses(addrs []mail.Address) string {
	toJoin := make([]string, 0, len(addrs))
	for _, a := range addrs {
		toJoin = append(toJoin, a.String())
	}
	return strings.Join(toJoin, ", ")
}

// ConsoleService writes alerts to the log instead of sending them. Used in debug mode.
type ConsoleService struct {
	appName    string
	from       mail.Address
	subjPrefix string
	logger     core.Logger
}

var _ core.EmailService = (*ConsoleService)(nil)

func NewConsoleService(conf *core.Config, logger core.Logger) *ConsoleService {
	return &ConsoleService{
		appName:    conf.AppName,
		from:       conf.DefaultFromEmail(),
		subjPrefix: "[" + conf.AppName + "] ",
		logger:     logger,
	}
}

func (svc *ConsoleService) SendMessages(messages ...*core.EmailMessage) {
	for _, msg := range messages {
		msg := msg
		go func() {
			if render(svc.appName, msg, svc.logger) {
				svc.logger.Info(svc.format(*msg))
			}
		}()
	}
}

func (svc *ConsoleService) format(msg core.EmailMessage) string {
	b := new(strings.Builder)
	_, _ = fmt.Fprintf(b, "email\nFrom: %s\nTo: %s\n", svc.from.String(), joinAddresses(msg.To))
	if len(msg.Cc) > 0 {
		_, _ = fmt.Fprintf(b, "Cc: %s\n", joinAddresses(msg.Cc))
	}
	if len(msg.Bcc) > 0 {
		_, _ = fmt.Fprintf(b, "Bcc: %s\n", joinAddresses(msg.Bcc))
	}
	_, _ = fmt.Fprintf(b, "Subject: %s\n", svc.subjPrefix+msg.Subject)
	if msg.Category != "" {
		_, _ = fmt.Fprintf(b, "Category: %s\n", msg.Category)
	}
	b.WriteString("\n")
	b.WriteString(msg.TextContent)
	return b.String()
}

// Recorder keeps rendered messages in memory and sends them synchronously.
type Recorder struct {
	appName string

	mu   sync.Mutex
	sent []core.EmailMessage
}

var _ core.EmailService = (*Recorder)(nil)

func NewRecorder(conf *core.Config) *Recorder {
	return &Recorder{appName: conf.AppName}
}

func (r *Recorder) SendMessages(messages ...*core.EmailMessage) {
	for _, msg := range messages {
		if !render(r.appName, msg, nil) {
			continue
		}
		r.mu.Lock()
		r.sent = append(r.sent, *msg)
		r.mu.Unlock()
	}
}

// Sent returns a copy of the messages recorded so far.
func (r *Recorder) Sent() []core.EmailMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.EmailMessage(nil), r.sent...)
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}
