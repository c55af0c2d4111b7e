// Package opsalert pages an operator by email for the two conditions
// that warrant process-level attention: a panic in the matchmaker loop
// (followed by process exit) and a key losing its last worker while
// jobs were still queued under it.
package opsalert

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"os"
	"time"

	"github.com/smukkama/ccdispatch/pkg/config"
)

// Notifier sends operator alert emails. A zero-value SMTP username
// disables actual sending; the message is logged to stdout instead.
type Notifier struct {
	cfg config.OpsAlertConfig
}

func New(cfg config.OpsAlertConfig) *Notifier {
	return &Notifier{cfg: cfg}
}

// FatalEvent describes a matchmaker-loop panic for the alert template.
type FatalEvent struct {
	Hostname string
	Err      string
	Time     time.Time
}

// KeyExhaustedEvent describes a key that lost its last connected worker
// while jobs were still queued under it.
type KeyExhaustedEvent struct {
	Key          string
	JobsAffected int
	Time         time.Time
}

func (n *Notifier) SendFatal(ev FatalEvent) error {
	body, err := n.render(fatalTemplate, ev)
	if err != nil {
		return fmt.Errorf("opsalert: render fatal template: %w", err)
	}
	return n.sendEmail(fmt.Sprintf("ccdispatch FATAL on %s", ev.Hostname), body)
}

func (n *Notifier) SendKeyExhausted(ev KeyExhaustedEvent) error {
	body, err := n.render(keyExhaustedTemplate, ev)
	if err != nil {
		return fmt.Errorf("opsalert: render key-exhausted template: %w", err)
	}
	return n.sendEmail(fmt.Sprintf("ccdispatch: key %q has no workers", ev.Key), body)
}

// Fatal and KeyExhausted satisfy jobserver.OpsAlert: best-effort,
// logged-not-propagated wrappers around SendFatal/SendKeyExhausted, since
// a failed alert must never block the matchmaker's own shutdown or
// queue-draining path.
func (n *Notifier) Fatal(err error) {
	ev := FatalEvent{Hostname: localHostname(), Err: err.Error(), Time: time.Now()}
	if sendErr := n.SendFatal(ev); sendErr != nil {
		fmt.Printf("opsalert: failed to send fatal alert: %v\n", sendErr)
	}
}

func (n *Notifier) KeyExhausted(key string, jobsAffected int) {
	ev := KeyExhaustedEvent{Key: key, JobsAffected: jobsAffected, Time: time.Now()}
	if sendErr := n.SendKeyExhausted(ev); sendErr != nil {
		fmt.Printf("opsalert: failed to send key-exhausted alert: %v\n", sendErr)
	}
}

func localHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return h
}

const fatalTemplate = `
ccdispatch matchmaker FATAL
===========================

Host: {{.Hostname}}
Time: {{.Time}}

The matchmaker loop panicked and the process is terminating rather than
staying up with possibly-inconsistent matchmaking state.

Error:
{{.Err}}

A supervisor should restart this process.

---
ccdispatch ops alerts
`

const keyExhaustedTemplate = `
ccdispatch key exhausted
========================

Key: {{.Key}}
Jobs affected: {{.JobsAffected}}
Time: {{.Time}}

The last worker advertising this key disconnected while jobs were still
queued under it. Those jobs' connections have been closed so their
clients fail fast and retry or fall back locally.

---
ccdispatch ops alerts
`

func (n *Notifier) render(tmplText string, data any) (string, error) {
	t, err := template.New("alert").Parse(tmplText)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (n *Notifier) sendEmail(subject, body string) error {
	if n.cfg.Username == "" || n.cfg.Password == "" {
		fmt.Printf("opsalert: SMTP not configured, skipping email:\nSubject: %s\n%s\n", subject, body)
		return nil
	}

	message := fmt.Sprintf("From: %s\r\n", n.cfg.From)
	message += fmt.Sprintf("To: %s\r\n", n.cfg.To)
	message += fmt.Sprintf("Subject: %s\r\n", subject)
	message += fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	message += "\r\n"
	message += body

	auth := smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	if err := smtp.SendMail(addr, auth, n.cfg.From, []string{n.cfg.To}, []byte(message)); err != nil {
		return fmt.Errorf("opsalert: send email: %w", err)
	}

	fmt.Printf("opsalert: email sent: %s\n", subject)
	return nil
}
