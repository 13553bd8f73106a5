package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
	"gopkg.in/gomail.v2"

	"BulkSend/internal/models"
)

// Message is one outgoing email as handed to a Mailer.
type Message struct {
	From        string
	To          string
	Subject     string
	HTML        string
	ImageURLs   []string
	Attachments []models.Attachment
	CampaignID  string
}

type DeliveryResult struct {
	MessageID  string
	AcceptedAt time.Time
}

// Mailer delivers a single message. Any delivery failure is returned as an
// error with a human readable message.
type Mailer interface {
	Send(ctx context.Context, msg Message) (DeliveryResult, error)
}

// Sender delivers over SMTP.
type Sender struct {
	Host     string
	Port     int
	Username string
	Password string

	// Limiter caps requests against the SMTP relay; nil disables it.
	Limiter *rate.Limiter
}

var _ Mailer = (*Sender)(nil)

// Send builds the MIME message and delivers it
func (s *Sender) Send(ctx context.Context, msg Message) (DeliveryResult, error) {

	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx); err != nil {
			return DeliveryResult{}, fmt.Errorf("smtp rate limit wait: %w", err)
		}
	}

	m := gomail.NewMessage()
	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)

	messageID := fmt.Sprintf("<%s@%s>", strings.ToLower(ulid.Make().String()), domainOf(msg.From))
	m.SetHeader("Message-ID", messageID)
	if msg.CampaignID != "" {
		m.SetHeader("X-Campaign-ID", msg.CampaignID)
	}

	m.SetBody("text/html", RenderHTML(msg.HTML, msg.ImageURLs))

	for _, a := range msg.Attachments {
		data, err := base64.StdEncoding.DecodeString(a.Data)
		if err != nil {
			return DeliveryResult{}, fmt.Errorf("attachment %s decode error: %w", a.Filename, err)
		}

		settings := []gomail.FileSetting{
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
		}
		if a.MimeType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{
				"Content-Type": {a.MimeType + `; name="` + a.Filename + `"`},
			}))
		}
		m.Attach(a.Filename, settings...)
	}

	d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)

	if err := d.DialAndSend(m); err != nil {
		return DeliveryResult{}, fmt.Errorf("smtp send error: %w", err)
	}

	return DeliveryResult{MessageID: messageID, AcceptedAt: time.Now()}, nil
}

// RenderHTML turns message content into an HTML body. Plain text content is
// escaped and line breaks are kept; image URLs are appended as img tags.
func RenderHTML(content string, imageURLs []string) string {
	var b strings.Builder

	if looksLikeHTML(content) {
		b.WriteString(content)
	} else {
		b.WriteString(strings.ReplaceAll(html.EscapeString(content), "\n", "<br>"))
	}

	for _, u := range imageURLs {
		b.WriteString(`<br><img src="`)
		b.WriteString(html.EscapeString(u))
		b.WriteString(`" style="max-width:100%;">`)
	}

	return b.String()
}

func looksLikeHTML(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "<br") || strings.Contains(s, "<p") ||
		strings.Contains(s, "<div") || strings.Contains(s, "<html")
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return strings.Trim(addr[i+1:], "> ")
	}
	return "localhost"
}
