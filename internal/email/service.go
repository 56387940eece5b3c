// Package email sends compliance notifications via SMTP: purge run
// certificates and legal hold lifecycle notices.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"
)

// Config holds SMTP configuration. An empty host leaves the service in
// a disabled state; callers check IsConfigured before sending.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendEmail sends a plain text email.
func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}

// SendHTMLEmail sends a multipart email with an HTML body.
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-parley"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// PurgeCertificateData fills the purge completion notice.
type PurgeCertificateData struct {
	PurgeRunID        string
	ActionCount       int
	ChainTailHash     string
	CertificateDigest string
	IssuedAt          time.Time
	GeneratedBy       string
}

// LegalHoldData fills hold created/released notices.
type LegalHoldData struct {
	HoldID   string
	Scope    string
	Reason   string
	Action   string
	ActedBy  string
	ActedAt  time.Time
}

// SendPurgeCertificate notifies compliance that a purge run completed
// and carries the certificate digest for independent verification.
func (s *Service) SendPurgeCertificate(to []string, data PurgeCertificateData) error {
	subject := fmt.Sprintf("Deletion certificate issued for purge run %s", data.PurgeRunID)
	html, err := renderTemplate(purgeCertificateTemplate, data)
	if err != nil {
		return fmt.Errorf("render purge certificate template: %w", err)
	}
	return s.SendHTMLEmail(to, subject, html)
}

// SendLegalHoldNotice notifies compliance that a hold was created or
// released.
func (s *Service) SendLegalHoldNotice(to []string, data LegalHoldData) error {
	subject := fmt.Sprintf("Legal hold %s %s", data.HoldID, data.Action)
	html, err := renderTemplate(legalHoldTemplate, data)
	if err != nil {
		return fmt.Errorf("render legal hold template: %w", err)
	}
	return s.SendHTMLEmail(to, subject, html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const purgeCertificateTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Deletion certificate {{.PurgeRunID}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .digest { font-family: monospace; word-break: break-all; background: #f5f5f5; padding: 12px; border-radius: 4px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Parley Compliance</h1>
    </div>

    <h2>Purge run {{.PurgeRunID}} completed</h2>

    <p>{{.ActionCount}} message(s) were permanently deleted on {{.IssuedAt.Format "2006-01-02 15:04 MST"}} by {{.GeneratedBy}}.</p>

    <p>Chain-of-custody tail hash:</p>
    <p class="digest">{{.ChainTailHash}}</p>

    <p>Certificate digest:</p>
    <p class="digest">{{.CertificateDigest}}</p>

    <div class="footer">
        <p>Retain this notice. The digest above verifies the archived deletion certificate for this run.</p>
    </div>
</body>
</html>`

const legalHoldTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Legal hold {{.Action}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .detail { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Parley Compliance</h1>
    </div>

    <h2>Legal hold {{.HoldID}} {{.Action}}</h2>

    <div class="detail">
        <p><strong>Scope:</strong> {{.Scope}}</p>
        <p><strong>Reason:</strong> {{.Reason}}</p>
        <p><strong>By:</strong> {{.ActedBy}} on {{.ActedAt.Format "2006-01-02 15:04 MST"}}</p>
    </div>

    <div class="footer">
        <p>While a hold is active, matching messages are excluded from every retention purge.</p>
    </div>
</body>
</html>`
