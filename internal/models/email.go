package models

import (
	"regexp"
	"strings"
	"time"
)

type EmailStatus string

const (
	StatusSending EmailStatus = "sending"
	StatusSent    EmailStatus = "sent"
	StatusFailed  EmailStatus = "failed"
)

// Job is one message of a dispatch run. Index is the position in the submitted
// list and is only unique within that list.
type Job struct {
	Index     int      `json:"index"`
	Email     string   `json:"email"`
	Subject   string   `json:"subject"`
	Content   string   `json:"content"`
	ImageURLs []string `json:"image_urls,omitempty"`
	Category  string   `json:"category,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment data is base64 encoded and forwarded to the mailer untouched.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
	Size     int    `json:"size"`
}

type Stats struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	Today  int `json:"today"`
}

// SessionState holds the jobs left over when a run is interrupted.
type SessionState struct {
	RemainingJobs []Job     `json:"remaining_jobs"`
	SavedAt       time.Time `json:"saved_at"`
	TotalOriginal int       `json:"total_original"`
}

type FailedRecord struct {
	Email       string    `json:"email"`
	Subject     string    `json:"subject"`
	Category    string    `json:"category"`
	Content     string    `json:"content"`
	ImageURLs   []string  `json:"image_urls,omitempty"`
	Error       string    `json:"error"`
	RetryCount  int       `json:"retry_count"`
	LastAttempt time.Time `json:"last_attempt"`
}

type SentEntry struct {
	Email    string    `json:"email"`
	SentDate time.Time `json:"sent_date"`
}

var (
	imageDelimiters = regexp.MustCompile(`[,|;\n]+`)
	imageSrcAttr    = regexp.MustCompile(`(?i)src\s*=\s*['"]([^'"]+)`)
)

// ExtractImageURLs pulls image URLs out of free text. Parts are separated by
// commas, pipes, semicolons or newlines; each part is either a bare http(s)
// URL or an HTML fragment with a src attribute.
func ExtractImageURLs(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var urls []string
	for _, part := range imageDelimiters.Split(text, -1) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(strings.ToLower(part), "src") {
			if m := imageSrcAttr.FindStringSubmatch(part); len(m) == 2 {
				urls = append(urls, strings.TrimSpace(m[1]))
				continue
			}
		}

		if strings.HasPrefix(part, "http://") || strings.HasPrefix(part, "https://") {
			urls = append(urls, part)
		}
	}

	return urls
}
