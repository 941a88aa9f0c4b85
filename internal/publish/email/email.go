// Package email implements internal/publish's Publisher interface for
// SMTP-based channels (Email and FetLife, which share one email_server
// credential), grounded on the teacher's workflow/nodes/email.go smtpConfig
// shape and go-mail usage, adapted from templated notification emails to a
// fixed caption/image-attachment publish.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/dhirmadi/imgpub/internal/publish"
)

// CaptionTarget controls where the caption is placed in the outgoing email.
type CaptionTarget string

const (
	CaptionTargetSubject CaptionTarget = "subject"
	CaptionTargetBody    CaptionTarget = "body"
	CaptionTargetBoth    CaptionTarget = "both"
)

// SubjectMode controls how the subject line is composed when CaptionTarget
// includes the subject.
type SubjectMode string

const (
	SubjectModeNormal  SubjectMode = "normal"
	SubjectModePrivate SubjectMode = "private"
	SubjectModeAvatar  SubjectMode = "avatar"
)

// Settings are the per-publisher settings read from PublisherConfig.Settings.
type Settings struct {
	Platform      string // "email" or "fetlife", for Result.Platform
	Recipient     string
	CaptionTarget CaptionTarget
	SubjectMode   SubjectMode
}

// ServerConfig is the tenant's shared email_server block.
type ServerConfig struct {
	Host     string
	Port     int
	Sender   string
	Username string
	UseTLS   bool
}

// Publisher sends one image as an email attachment with the caption placed
// per Settings.CaptionTarget/SubjectMode.
type Publisher struct {
	server   ServerConfig
	password string
	settings Settings
}

// New builds an email Publisher. server carries the tenant's shared SMTP
// settings; password is the resolved credential (shared by FetLife, which
// carries credentials_ref=null by design).
func New(server ServerConfig, password string, settings Settings) (*Publisher, error) {
	if server.Host == "" {
		return nil, fmt.Errorf("email: smtp_server is required")
	}
	if settings.CaptionTarget == "" {
		settings.CaptionTarget = CaptionTargetBody
	}
	if settings.SubjectMode == "" {
		settings.SubjectMode = SubjectModeNormal
	}
	if settings.Platform == "" {
		settings.Platform = "email"
	}

	return &Publisher{server: server, password: password, settings: settings}, nil
}

func (p *Publisher) IsEnabled() bool   { return p.server.Host != "" && p.settings.Recipient != "" }
func (p *Publisher) Platform() string { return p.settings.Platform }

func (p *Publisher) Publish(_ context.Context, img publish.ImageRef, caption string, _ map[string]any) publish.Result {
	start := time.Now()

	subject, body := p.compose(caption)

	m := mail.NewMsg()
	if err := m.From(p.server.Sender); err != nil {
		return p.failure(start, fmt.Sprintf("set from: %v", err))
	}
	if err := m.To(p.settings.Recipient); err != nil {
		return p.failure(start, fmt.Sprintf("set to: %v", err))
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, body)

	if len(img.Bytes) > 0 {
		if err := m.AttachReader(img.Filename, bytes.NewReader(img.Bytes)); err != nil {
			return p.failure(start, fmt.Sprintf("attach image: %v", err))
		}
	}

	opts := []mail.Option{
		mail.WithPort(p.server.Port),
		mail.WithTimeout(30 * time.Second),
	}
	if p.server.Username != "" || p.password != "" {
		opts = append(opts, mail.WithSMTPAuth(mail.SMTPAuthPlain), mail.WithUsername(p.server.Username), mail.WithPassword(p.password))
	}

	if p.server.UseTLS {
		opts = append(opts, mail.WithSSL(), mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic), mail.WithTLSConfig(&tls.Config{ServerName: p.server.Host}))
	}

	client, err := mail.NewClient(p.server.Host, opts...)
	if err != nil {
		return p.failure(start, fmt.Sprintf("create smtp client: %v", err))
	}

	if err := client.DialAndSend(m); err != nil {
		return p.failure(start, err.Error())
	}

	return publish.Result{
		Success:    true,
		Platform:   p.settings.Platform,
		DurationMS: time.Since(start).Milliseconds(),
	}
}

func (p *Publisher) failure(start time.Time, errMsg string) publish.Result {
	return publish.Result{
		Success:    false,
		Error:      errMsg,
		Platform:   p.settings.Platform,
		DurationMS: time.Since(start).Milliseconds(),
	}
}

// compose builds the subject/body pair according to caption_target and
// subject_mode.
func (p *Publisher) compose(caption string) (subject, body string) {
	defaultSubject := subjectForMode(p.settings.SubjectMode)

	switch p.settings.CaptionTarget {
	case CaptionTargetSubject:
		return caption, ""
	case CaptionTargetBoth:
		return caption, caption
	default: // body
		return defaultSubject, caption
	}
}

func subjectForMode(mode SubjectMode) string {
	switch mode {
	case SubjectModePrivate:
		return "New private share"
	case SubjectModeAvatar:
		return "New avatar update"
	default:
		return "New post"
	}
}
