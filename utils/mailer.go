package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// TransientError is a delivery failure worth retrying: timeouts, connection
// problems, greylisting, rate limits.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient delivery error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is an address-level failure: the recipient is invalid and
// no retry will ever succeed.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent delivery error: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// SendRequest is one message for the transport.
type SendRequest struct {
	To       string
	ToName   string
	Subject  string
	Template string
	Data     map[string]interface{}
}

// Transport is the external send capability: it accepts a templated message
// and returns the provider message id used for feedback correlation.
type Transport interface {
	Send(ctx context.Context, req SendRequest) (string, error)
}

// Embedded email templates, keyed by step template name.
var emailTemplates = map[string]string{
	"welcome": `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Subject}}</title>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { color: #2c3e50; border-bottom: 1px solid #eee; padding-bottom: 10px; }
        .content { margin: 20px 0; }
        .button { display: inline-block; padding: 10px 20px; background-color: #3498db; color: white; text-decoration: none; border-radius: 4px; }
        .footer { margin-top: 30px; font-size: 12px; color: #7f8c8d; text-align: center; }
    </style>
</head>
<body>
    <div class="header">
        <h2>Welcome aboard</h2>
    </div>

    <div class="content">
        <p>Hello {{.Name}},</p>
        <p>Thanks for joining. Over the next days we'll share the practices that make the biggest difference for hosts like you.</p>

        <p style="text-align: center;">
            <a href="{{.BaseURL}}/getting-started" class="button">Get started</a>
        </p>
    </div>

    <div class="footer">
        <p>You are receiving this because you signed up at {{.BaseURL}}.</p>
        <p><a href="{{.UnsubscribeURL}}">Unsubscribe</a> &middot; &copy; {{.Year}} Driply. All rights reserved.</p>
    </div>
</body>
</html>`,

	"tips": `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Subject}}</title>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { color: #2c3e50; border-bottom: 1px solid #eee; padding-bottom: 10px; }
        .content { margin: 20px 0; }
        .tip { background: #f8f9fa; border-left: 3px solid #3498db; padding: 10px 15px; margin: 15px 0; }
        .footer { margin-top: 30px; font-size: 12px; color: #7f8c8d; text-align: center; }
    </style>
</head>
<body>
    <div class="header">
        <h2>Three things top hosts do differently</h2>
    </div>

    <div class="content">
        <p>Hello {{.Name}},</p>
        <div class="tip">Answer every guest question before it gets asked.</div>
        <div class="tip">Automate the check-in, keep the welcome personal.</div>
        <div class="tip">Collect the review while the stay is still fresh.</div>
        <p><a href="{{.BaseURL}}/guides/best-practices">Read the full guide</a></p>
    </div>

    <div class="footer">
        <p><a href="{{.UnsubscribeURL}}">Unsubscribe</a> &middot; &copy; {{.Year}} Driply. All rights reserved.</p>
    </div>
</body>
</html>`,

	"offer": `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Subject}}</title>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { color: #2c3e50; border-bottom: 1px solid #eee; padding-bottom: 10px; }
        .content { margin: 20px 0; }
        .button { display: inline-block; padding: 12px 24px; background-color: #27ae60; color: white; text-decoration: none; border-radius: 4px; font-weight: bold; }
        .footer { margin-top: 30px; font-size: 12px; color: #7f8c8d; text-align: center; }
    </style>
</head>
<body>
    <div class="header">
        <h2>Your trial is waiting</h2>
    </div>

    <div class="content">
        <p>Hello {{.Name}},</p>
        <p>You've seen what's possible. Start your free trial today and put it to work on your own property.</p>

        <p style="text-align: center;">
            <a href="{{.BaseURL}}/trial" class="button">Start free trial</a>
        </p>
    </div>

    <div class="footer">
        <p><a href="{{.UnsubscribeURL}}">Unsubscribe</a> &middot; &copy; {{.Year}} Driply. All rights reserved.</p>
    </div>
</body>
</html>`,
}

// Mailer is the SMTP transport. One configured sender identity; message ids
// are generated locally since plain SMTP assigns none.
type Mailer struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
	BaseURL   string
}

func NewMailer(host string, port int, username, password, fromEmail, fromName, baseURL string) *Mailer {
	return &Mailer{
		Host:      host,
		Port:      port,
		Username:  username,
		Password:  password,
		FromEmail: fromEmail,
		FromName:  fromName,
		BaseURL:   baseURL,
	}
}

// Send renders the template, injects tracking, and delivers via SMTP. The
// context bounds the whole attempt; expiry is reported as transient.
func (m *Mailer) Send(ctx context.Context, req SendRequest) (string, error) {
	tmplContent, ok := emailTemplates[req.Template]
	if !ok {
		return "", fmt.Errorf("template '%s' not found", req.Template)
	}

	tmpl, err := template.New("email").Parse(tmplContent)
	if err != nil {
		return "", fmt.Errorf("error parsing template: %v", err)
	}

	messageID := uuid.New().String()

	data := map[string]interface{}{
		"Subject":        req.Subject,
		"Name":           req.ToName,
		"Year":           time.Now().Year(),
		"BaseURL":        m.BaseURL,
		"UnsubscribeURL": GenerateUnsubscribeURL(m.BaseURL, messageID),
	}
	for k, v := range req.Data {
		data[k] = v
	}
	if data["Name"] == "" {
		data["Name"] = "there"
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return "", fmt.Errorf("error executing template: %v", err)
	}

	trackedBody := InjectTracking(body.String(), m.BaseURL, messageID)

	msg := gomail.NewMessage()
	msg.SetHeader("From", fmt.Sprintf("%s <%s>", m.FromName, m.FromEmail))
	msg.SetHeader("To", req.To)
	msg.SetHeader("Subject", req.Subject)
	msg.SetHeader("X-Driply-Message-ID", messageID)
	msg.SetBody("text/html", trackedBody)

	dialer := gomail.NewDialer(m.Host, m.Port, m.Username, m.Password)

	errCh := make(chan error, 1)
	go func() {
		errCh <- dialer.DialAndSend(msg)
	}()

	select {
	case <-ctx.Done():
		return "", &TransientError{Err: ctx.Err()}
	case err := <-errCh:
		if err != nil {
			return "", classifySMTPError(err)
		}
	}

	return messageID, nil
}

// Recipient-level SMTP replies that disqualify the address outright.
var permanentSMTPMarkers = []string{
	"550", "551", "553",
	"invalid recipient",
	"user unknown",
	"no such user",
	"mailbox unavailable",
	"address rejected",
}

// classifySMTPError maps an SMTP failure onto the delivery error taxonomy.
// Address-level rejections are permanent; everything else (timeouts, 4xx
// greylisting, connection trouble) is worth a retry.
func classifySMTPError(err error) error {
	msg := strings.ToLower(err.Error())

	for _, marker := range permanentSMTPMarkers {
		if strings.Contains(msg, marker) {
			return &PermanentError{Err: err}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransientError{Err: err}
	}

	return &TransientError{Err: err}
}
