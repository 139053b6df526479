package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/coder/quartz"
)

// SMTPConfig configures outgoing mail. An empty Host puts email_send in
// local mode: messages are recorded in the sent folder but not delivered.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// MailSender delivers one message. The default uses net/smtp.
type MailSender func(ctx context.Context, from string, to []string, msg []byte) error

// Comms implements the email tools over the local mailbox in Store.
type Comms struct {
	store *Store
	smtp  SMTPConfig
	send  MailSender
	clock quartz.Clock
}

// NewComms creates the email handlers. send may be nil to use SMTP.
func NewComms(store *Store, cfg SMTPConfig, send MailSender, clock quartz.Clock) *Comms {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if send == nil {
		send = smtpSender(cfg)
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Comms{store: store, smtp: cfg, send: send, clock: clock}
}

// Register adds every comms tool to r.
func (c *Comms) Register(r *Registry) {
	r.Register("email_send", c.Send)
	r.Register("email_draft", c.Draft)
	r.Register("email_list", c.List)
	r.Register("email_read", c.Read)
	r.Register("email_reply", c.Reply)
}

func (c *Comms) localMode() bool {
	return c.smtp.Host == ""
}

func smtpSender(cfg SMTPConfig) MailSender {
	return func(_ context.Context, from string, to []string, msg []byte) error {
		addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		var auth smtp.Auth
		if cfg.Username != "" {
			auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		}
		return smtp.SendMail(addr, auth, from, to, msg)
	}
}

// Send is the Executor for email_send.
func (c *Comms) Send(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		ID      string `json:"id"`
		To      string `json:"to"`
		Cc      string `json:"cc"`
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := parseArgs("email_send", args, &a); err != nil {
		return Result{}, err
	}
	if a.To == "" || a.Subject == "" {
		return Result{}, errors.New("email_send: to and subject are required")
	}
	return c.deliver(ctx, "email_send", Email{
		ID:      newID(ctx, a.ID),
		To:      a.To,
		Cc:      a.Cc,
		Subject: a.Subject,
		Body:    a.Body,
	})
}

// deliver sends e unless a sent message with the same id already exists,
// then records it in the sent folder.
func (c *Comms) deliver(ctx context.Context, tool string, e Email) (Result, error) {
	if prev, ok, err := c.store.GetEmail(ctx, e.ID); err != nil {
		return Result{}, err
	} else if ok && prev.Folder == "sent" {
		return jsonResult(tool, map[string]any{
			"sent":      true,
			"duplicate": true,
			"email":     summary(prev),
		})
	}

	e.Folder = "sent"
	e.From = c.smtp.From
	if e.From == "" {
		e.From = "me"
	}
	e.Date = formatTime(c.clock.Now())
	e.Read = true

	out := map[string]any{"sent": true}
	if c.localMode() {
		e.Mode = "local"
		out["note"] = "Email saved locally. Configure SMTP_HOST for real sending."
	} else {
		recipients, err := addressList(e.To, e.Cc)
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", tool, err)
		}
		msg := buildMessage(e, c.clock.Now())
		if err := c.send(ctx, e.From, recipients, msg); err != nil {
			return Result{}, fmt.Errorf("%s: sending: %w", tool, err)
		}
		e.Mode = "smtp"
	}

	if _, err := c.store.SaveEmail(ctx, e); err != nil {
		return Result{}, err
	}
	out["mode"] = e.Mode
	out["email"] = summary(e)
	return jsonResult(tool, out)
}

// Draft is the Executor for email_draft.
func (c *Comms) Draft(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		ID      string `json:"id"`
		To      string `json:"to"`
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := parseArgs("email_draft", args, &a); err != nil {
		return Result{}, err
	}
	if a.To == "" && a.Subject == "" && a.Body == "" {
		return Result{}, errors.New("email_draft: at least one of to, subject or body is required")
	}

	e := Email{
		ID:      newID(ctx, a.ID),
		Folder:  "drafts",
		From:    c.smtp.From,
		To:      a.To,
		Subject: a.Subject,
		Body:    a.Body,
		Date:    formatTime(c.clock.Now()),
		Read:    true,
	}
	inserted, err := c.store.SaveEmail(ctx, e)
	if err != nil {
		return Result{}, err
	}
	return jsonResult("email_draft", map[string]any{
		"created":   true,
		"duplicate": !inserted,
		"draft":     summary(e),
	})
}

// List is the Executor for email_list.
func (c *Comms) List(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		Folder     string `json:"folder"`
		UnreadOnly bool   `json:"unreadOnly"`
		Limit      int    `json:"limit"`
	}
	if err := parseArgs("email_list", args, &a); err != nil {
		return Result{}, err
	}
	if a.Folder == "" {
		a.Folder = "inbox"
	}
	switch a.Folder {
	case "inbox", "sent", "drafts":
	default:
		return Result{}, fmt.Errorf("email_list: folder must be inbox, sent or drafts")
	}
	if a.Limit <= 0 || a.Limit > 50 {
		a.Limit = 10
	}

	emails, total, err := c.store.ListEmails(ctx, a.Folder, a.UnreadOnly, a.Limit)
	if err != nil {
		return Result{}, err
	}
	items := make([]map[string]any, 0, len(emails))
	for _, e := range emails {
		item := summary(e)
		item["snippet"] = truncateRunes(e.Body, 100)
		item["unread"] = !e.Read
		items = append(items, item)
	}
	return jsonResult("email_list", map[string]any{
		"folder": a.Folder,
		"emails": items,
		"total":  total,
	})
}

// Read is the Executor for email_read. Reading marks the message read.
func (c *Comms) Read(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		EmailID string `json:"emailId"`
	}
	if err := parseArgs("email_read", args, &a); err != nil {
		return Result{}, err
	}
	e, ok, err := c.store.GetEmail(ctx, a.EmailID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("Email not found: %s", a.EmailID)
	}
	if !e.Read {
		if err := c.store.MarkEmailRead(ctx, e.ID); err != nil {
			return Result{}, err
		}
	}

	body := truncateRunes(e.Body, 5000)
	return jsonResult("email_read", map[string]any{
		"id":        e.ID,
		"folder":    e.Folder,
		"from":      e.From,
		"to":        e.To,
		"subject":   e.Subject,
		"date":      e.Date,
		"body":      body,
		"truncated": len(body) < len(e.Body),
	})
}

// Reply is the Executor for email_reply. The reply goes to the original
// sender, or to the original recipient when replying to our own message.
func (c *Comms) Reply(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		ID      string `json:"id"`
		EmailID string `json:"emailId"`
		Body    string `json:"body"`
	}
	if err := parseArgs("email_reply", args, &a); err != nil {
		return Result{}, err
	}
	orig, ok, err := c.store.GetEmail(ctx, a.EmailID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("Email not found: %s", a.EmailID)
	}

	to := orig.From
	if orig.Folder != "inbox" {
		to = orig.To
	}
	subject := orig.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}
	return c.deliver(ctx, "email_reply", Email{
		ID:        newID(ctx, a.ID),
		To:        to,
		Subject:   subject,
		Body:      a.Body,
		InReplyTo: orig.ID,
	})
}

func summary(e Email) map[string]any {
	return map[string]any{
		"id":      e.ID,
		"from":    e.From,
		"to":      e.To,
		"subject": e.Subject,
		"date":    e.Date,
	}
}

// addressList parses the comma-separated To and Cc headers into bare
// addresses for the SMTP envelope.
func addressList(headers ...string) ([]string, error) {
	var out []string
	for _, h := range headers {
		if strings.TrimSpace(h) == "" {
			continue
		}
		list, err := mail.ParseAddressList(h)
		if err != nil {
			return nil, fmt.Errorf("invalid address list %q: %w", h, err)
		}
		for _, addr := range list {
			out = append(out, addr.Address)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no recipients")
	}
	return out, nil
}

func buildMessage(e Email, now time.Time) []byte {
	var b bytes.Buffer
	header := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	header("From", e.From)
	header("To", e.To)
	header("Cc", e.Cc)
	header("Subject", mime.QEncoding.Encode("utf-8", e.Subject))
	header("Date", now.Format(time.RFC1123Z))
	header("Message-ID", "<"+e.ID+"@whatsapp-agents>")
	if e.InReplyTo != "" {
		header("In-Reply-To", "<"+e.InReplyTo+"@whatsapp-agents>")
	}
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="utf-8"`)
	b.WriteString("\r\n")
	body := strings.ReplaceAll(e.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.Bytes()
}
