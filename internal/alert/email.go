// Email collaborator: one message per detection, rate-limited per file
// path so a process hammering a detected file cannot generate a mail
// storm.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wneessen/go-mail"
	"golang.org/x/time/rate"

	"github.com/simbiota/simbiota/internal/config"
	"github.com/simbiota/simbiota/internal/observability"
)

// defaultPathInterval is the minimum spacing between mails about the
// same file path.
const defaultPathInterval = 60 * time.Second

// EmailCollaborator sends detection alerts over SMTP.
type EmailCollaborator struct {
	cfg     config.EmailConfig
	metrics *observability.Metrics

	mu       sync.Mutex
	lastSent map[string]time.Time

	// limiter caps the overall outbound mail rate regardless of how
	// many distinct paths are being detected.
	limiter *rate.Limiter
}

// NewEmailCollaborator builds the SMTP collaborator from config.
func NewEmailCollaborator(cfg config.EmailConfig, metrics *observability.Metrics) *EmailCollaborator {
	return &EmailCollaborator{
		cfg:      cfg,
		metrics:  metrics,
		lastSent: make(map[string]time.Time),
		limiter:  rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

func (e *EmailCollaborator) Name() string { return "email" }

// allowed applies the per-path interval and the global rate cap.
func (e *EmailCollaborator) allowed(path string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.lastSent[path]; ok && now.Sub(last) < defaultPathInterval {
		return false
	}
	if !e.limiter.Allow() {
		return false
	}
	e.lastSent[path] = now
	return true
}

func (e *EmailCollaborator) Notify(ctx context.Context, ev DetectionEvent) error {
	if !e.allowed(ev.Path, time.Now()) {
		e.metrics.EmailsSentTotal.WithLabelValues("limited").Inc()
		return nil
	}

	if err := e.send(ctx, ev); err != nil {
		e.metrics.EmailsSentTotal.WithLabelValues("error").Inc()
		return err
	}
	e.metrics.EmailsSentTotal.WithLabelValues("ok").Inc()
	return nil
}

func (e *EmailCollaborator) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(e.cfg.SMTP.Port),
		mail.WithTimeout(15 * time.Second),
	}
	if e.cfg.SMTP.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(e.cfg.SMTP.Username),
			mail.WithPassword(e.cfg.SMTP.Password),
		)
	}
	switch e.cfg.SMTP.Security {
	case "SSL":
		opts = append(opts, mail.WithSSL())
	case "STARTTLS":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	return mail.NewClient(e.cfg.SMTP.Server, opts...)
}

func (e *EmailCollaborator) send(ctx context.Context, ev DetectionEvent) error {
	c, err := e.client()
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}

	msg := mail.NewMsg()
	from := e.cfg.SMTP.Username
	if from == "" {
		from = "simbiota@localhost"
	}
	if err := msg.From(from); err != nil {
		return fmt.Errorf("from address: %w", err)
	}
	if err := msg.To(e.cfg.Recipients...); err != nil {
		return fmt.Errorf("recipients: %w", err)
	}
	msg.Subject(fmt.Sprintf("[simbiota] malware detected: %s", ev.Path))
	msg.SetBodyString(mail.TypeTextPlain, fmt.Sprintf(
		"simbiota detected a file matching the malware database.\n\n"+
			"path:      %s\n"+
			"sample id: %d\n"+
			"distance:  %d\n"+
			"action:    %s\n"+
			"time:      %s\n",
		ev.Path, ev.SampleID, ev.Distance, ev.Action,
		ev.Timestamp.Format(time.RFC3339)))

	if err := c.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}
