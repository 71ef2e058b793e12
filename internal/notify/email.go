package notify

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/mail"
	"strings"
	"sync"
	"time"

	"gopkg.in/gomail.v2"

	"capsule_farmer/internal/logbus"
	"capsule_farmer/internal/model"
)

type SettingsSource interface {
	GetEmailSettings(ctx context.Context) (model.EmailSettings, bool, error)
}

type sendFunc func(ctx context.Context, settings model.EmailSettings, events []DropEvent) error

// EmailNotifier queues drop events and mails them in batches: a batch is sent
// once no new event arrived for the summary window, or when it is full.
type EmailNotifier struct {
	settings SettingsSource
	bus      *logbus.Bus
	send     sendFunc

	queue     chan DropEvent
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	summaryWindow time.Duration
	maxBatch      int
}

type EmailOption func(*EmailNotifier)

func WithSummaryWindow(d time.Duration) EmailOption {
	return func(n *EmailNotifier) { n.summaryWindow = d }
}

func withSender(f sendFunc) EmailOption {
	return func(n *EmailNotifier) { n.send = f }
}

func NewEmailNotifier(settings SettingsSource, bus *logbus.Bus, opts ...EmailOption) *EmailNotifier {
	n := &EmailNotifier{
		settings:      settings,
		bus:           bus,
		send:          SendDropSummaryEmail,
		queue:         make(chan DropEvent, 200),
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
		summaryWindow: 30 * time.Second,
		maxBatch:      50,
	}
	for _, opt := range opts {
		opt(n)
	}
	go func() {
		defer close(n.stopped)
		n.loop()
	}()
	return n
}

// Close sends what is still queued and waits for the sender to finish.
func (n *EmailNotifier) Close(ctx context.Context) error {
	n.closeOnce.Do(func() { close(n.stop) })
	select {
	case <-n.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *EmailNotifier) NotifyDrop(_ context.Context, evt DropEvent) {
	select {
	case n.queue <- evt:
	default:
		n.log("warn", "email queue full, drop event discarded", map[string]any{
			"account": evt.Account,
			"reward":  evt.Reward,
		})
	}
}

// batch collects events between two sends. The idle timer restarts with
// every event added.
type batch struct {
	events []DropEvent
	idle   *time.Timer
}

func (b *batch) idleC() <-chan time.Time {
	if b.idle == nil {
		return nil
	}
	return b.idle.C
}

func (b *batch) add(evt DropEvent, window time.Duration) {
	b.events = append(b.events, evt)
	if window <= 0 {
		return
	}
	if b.idle == nil {
		b.idle = time.NewTimer(window)
	} else {
		b.idle.Reset(window)
	}
}

func (b *batch) take() []DropEvent {
	if b.idle != nil {
		b.idle.Stop()
		b.idle = nil
	}
	out := b.events
	b.events = nil
	return out
}

func (n *EmailNotifier) loop() {
	var b batch
	send := func(reason string) {
		if events := b.take(); len(events) > 0 {
			n.handleBatch(reason, events)
		}
	}

	for {
		select {
		case <-n.stop:
			for drained := false; !drained; {
				select {
				case evt := <-n.queue:
					b.add(evt, 0)
				default:
					drained = true
				}
			}
			send("shutdown")
			return
		case evt := <-n.queue:
			b.add(evt, n.summaryWindow)
			switch {
			case n.maxBatch > 0 && len(b.events) >= n.maxBatch:
				send("max")
			case n.summaryWindow <= 0:
				send("immediate")
			}
		case <-b.idleC():
			send("idle")
		}
	}
}

func (n *EmailNotifier) handleBatch(reason string, events []DropEvent) {
	if n.settings == nil {
		return
	}
	// the loop context is already cancelled during the shutdown flush
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	settings, ok, err := n.settings.GetEmailSettings(ctx)
	if err != nil {
		n.log("warn", "read email settings failed", map[string]any{"error": err.Error()})
		return
	}
	if !ok || !settings.Enabled {
		n.log("debug", "email notifications disabled", map[string]any{"count": len(events), "reason": reason})
		return
	}
	if err := validateEmailSettings(settings); err != nil {
		n.log("warn", "invalid email settings", map[string]any{"error": err.Error()})
		return
	}

	if err := n.send(ctx, settings, events); err != nil {
		n.log("warn", "send email failed", map[string]any{
			"error":  err.Error(),
			"count":  len(events),
			"reason": reason,
		})
		return
	}
	n.log("info", "drop email sent", map[string]any{
		"count":  len(events),
		"reason": reason,
		"to":     settings.Email,
	})
}

func (n *EmailNotifier) log(level, msg string, fields map[string]any) {
	if n.bus != nil {
		n.bus.Log(level, msg, fields)
	}
}

func validateEmailSettings(s model.EmailSettings) error {
	email := strings.TrimSpace(s.Email)
	if email == "" {
		return errors.New("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return errors.New("invalid email")
	}
	if strings.TrimSpace(s.AuthCode) == "" {
		return errors.New("authCode is required")
	}
	return nil
}

func SendDropSummaryEmail(ctx context.Context, settings model.EmailSettings, events []DropEvent) error {
	if err := validateEmailSettings(settings); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		return errors.New("no events")
	}

	email := strings.TrimSpace(settings.Email)
	host, port, useSSL, err := smtpConfigForEmail(email)
	if err != nil {
		return err
	}
	htmlBody, textBody, err := buildSummaryEmailBody(events)
	if err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(email, "Capsule Farmer"))
	msg.SetHeader("To", email)
	msg.SetHeader("Subject", buildSummarySubject(events))
	msg.SetBody("text/plain", textBody)
	msg.AddAlternative("text/html", htmlBody)

	d := gomail.NewDialer(host, port, email, strings.TrimSpace(settings.AuthCode))
	d.SSL = useSSL
	return d.DialAndSend(msg)
}

type smtpServer struct {
	host string
	port int
	ssl  bool
}

// well known providers by mail domain; anything else is tried at
// smtp.<domain> over implicit TLS.
var smtpServers = map[string]smtpServer{
	"gmail.com":      {"smtp.gmail.com", 587, false},
	"googlemail.com": {"smtp.gmail.com", 587, false},
	"outlook.com":    {"smtp.office365.com", 587, false},
	"hotmail.com":    {"smtp.office365.com", 587, false},
	"live.com":       {"smtp.office365.com", 587, false},
	"yahoo.com":      {"smtp.mail.yahoo.com", 465, true},
	"qq.com":         {"smtp.qq.com", 465, true},
	"foxmail.com":    {"smtp.qq.com", 465, true},
	"163.com":        {"smtp.163.com", 465, true},
	"126.com":        {"smtp.163.com", 465, true},
}

func smtpConfigForEmail(email string) (host string, port int, useSSL bool, err error) {
	_, domain, found := strings.Cut(strings.TrimSpace(email), "@")
	domain = strings.ToLower(strings.TrimSpace(domain))
	if !found || domain == "" || strings.Contains(domain, "@") {
		return "", 0, false, fmt.Errorf("invalid email %q", email)
	}
	for d := domain; ; {
		if srv, ok := smtpServers[d]; ok {
			return srv.host, srv.port, srv.ssl, nil
		}
		_, parent, more := strings.Cut(d, ".")
		if !more || !strings.Contains(parent, ".") {
			break
		}
		d = parent
	}
	return "smtp." + domain, 465, true, nil
}

func buildSummarySubject(events []DropEvent) string {
	if len(events) == 1 {
		return fmt.Sprintf("New drop for %s: %s", events[0].Account, safeText(events[0].Reward, "reward"))
	}
	return fmt.Sprintf("%d new drops", len(events))
}

const stampLayout = "2006-01-02 15:04:05"

var summaryTpl = template.Must(template.New("drops").Parse(`<!doctype html>
<html><body style="font-family:sans-serif;color:#1f2937">
<h2 style="margin:0 0 4px">{{ len .Rows }} new drop{{ if gt (len .Rows) 1 }}s{{ end }}</h2>
<p style="margin:0 0 16px;color:#6b7280">{{ .From }} to {{ .To }}</p>
<table cellpadding="6" style="border-collapse:collapse;font-size:13px">
<tr style="text-align:left;color:#6b7280"><th>Time</th><th>Account</th><th>League</th><th>Reward</th></tr>
{{- range .Rows }}
<tr style="border-top:1px solid #e5e7eb"><td>{{ .At }}</td><td>{{ .Account }}</td><td>{{ .League }}</td><td><b>{{ .Reward }}</b></td></tr>
{{- end }}
</table>
</body></html>
`))

type summaryRow struct {
	At, Account, League, Reward string
}

func buildSummaryEmailBody(events []DropEvent) (htmlBody string, textBody string, err error) {
	if len(events) == 0 {
		return "", "", errors.New("no events")
	}

	var from, to time.Time
	rows := make([]summaryRow, len(events))
	for i, evt := range events {
		at := time.Now()
		if evt.At > 0 {
			at = time.UnixMilli(evt.At)
		}
		if from.IsZero() || at.Before(from) {
			from = at
		}
		if at.After(to) {
			to = at
		}
		rows[i] = summaryRow{
			At:      at.Format(stampLayout),
			Account: evt.Account,
			League:  safeText(evt.League, "-"),
			Reward:  safeText(evt.Reward, "-"),
		}
	}

	var html strings.Builder
	err = summaryTpl.Execute(&html, map[string]any{
		"From": from.Format(stampLayout),
		"To":   to.Format(stampLayout),
		"Rows": rows,
	})
	if err != nil {
		return "", "", fmt.Errorf("render drop summary: %w", err)
	}

	var text strings.Builder
	fmt.Fprintf(&text, "%d new drops between %s and %s\n", len(events), from.Format(stampLayout), to.Format(stampLayout))
	for _, r := range rows {
		fmt.Fprintf(&text, "- %s | %s | %s | %s\n", r.At, r.Account, r.League, r.Reward)
	}
	return html.String(), text.String(), nil
}

func safeText(s, fallback string) string {
	if s = strings.TrimSpace(s); s == "" {
		return fallback
	}
	return s
}
