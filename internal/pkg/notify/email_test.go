package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/AliAkbar852/ScentSymphony/internal/config"

	"gopkg.in/gomail.v2"
)

type fakeSender struct {
	messages []*gomail.Message
	err      error
}

func (f *fakeSender) DialAndSend(m ...*gomail.Message) error {
	f.messages = append(f.messages, m...)
	return f.err
}

func newTestNotifier(cfg config.EmailConfig) (*EmailNotifier, *fakeSender) {
	n := NewEmailNotifier(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	fs := &fakeSender{}
	n.dialer = fs
	return n, fs
}

func fullConfig() config.EmailConfig {
	return config.EmailConfig{
		SMTPHost:  "smtp.example.test",
		SMTPPort:  587,
		SMTPUser:  "bot",
		SMTPPass:  "secret",
		FromEmail: "bot@example.test",
		ToEmail:   "ops@example.test, data@example.test",
	}
}

func sampleReport() *RunReport {
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	return &RunReport{
		StartedAt:         start,
		FinishedAt:        start.Add(90 * time.Minute),
		Batches:           4,
		Succeeded:         2,
		FailedAttempts:    4,
		Retried:           3,
		PermanentlyFailed: 1,
		Failures: []FailedURL{
			{URL: "https://www.fragrantica.com/perfume/x.html?a=1&b=<2>", Reason: "fetch failure", Attempts: 4},
		},
	}
}

func TestSendRunReport_SkipsWhenNotConfigured(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.EmailConfig)
	}{
		{"no_host", func(c *config.EmailConfig) { c.SMTPHost = "" }},
		{"no_from", func(c *config.EmailConfig) { c.FromEmail = "" }},
		{"no_recipient", func(c *config.EmailConfig) { c.ToEmail = "  " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fullConfig()
			tt.mutate(&cfg)
			n, fs := newTestNotifier(cfg)
			if err := n.SendRunReport(context.Background(), sampleReport()); err != nil {
				t.Fatalf("expected nil error, got %v", err)
			}
			if len(fs.messages) != 0 {
				t.Fatalf("expected no message, got %d", len(fs.messages))
			}
		})
	}
}

func TestSendRunReport_BuildsMessage(t *testing.T) {
	n, fs := newTestNotifier(fullConfig())
	if err := n.SendRunReport(context.Background(), sampleReport()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(fs.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fs.messages))
	}
	m := fs.messages[0]
	if got := m.GetHeader("To"); len(got) != 2 || got[1] != "data@example.test" {
		t.Fatalf("unexpected recipients %v", got)
	}
	if got := m.GetHeader("Subject"); len(got) != 1 || got[0] != "[ScentSymphony] crawl finished: 2 ok, 1 failed" {
		t.Fatalf("unexpected subject %v", got)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		t.Fatalf("write message: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected rendered message")
	}
}

func TestSendRunReport_PropagatesSendError(t *testing.T) {
	n, fs := newTestNotifier(fullConfig())
	fs.err = errors.New("dial tcp: connection refused")
	err := n.SendRunReport(context.Background(), sampleReport())
	if err == nil || !strings.Contains(err.Error(), "send email") {
		t.Fatalf("expected wrapped send error, got %v", err)
	}
}

func TestBuildReportBody(t *testing.T) {
	body, err := buildReportBody(sampleReport())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, want := range []string{
		"2024-05-01T08:00:00Z",
		"1h30m0s",
		"fetch failure (4 attempts)",
		"&lt;2&gt;",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "Left in backlog") {
		t.Fatal("backlog row only expected for interrupted runs")
	}
}

func TestBuildReportBody_TruncatesFailures(t *testing.T) {
	report := sampleReport()
	report.Interrupted = true
	report.Backlog = 12
	report.Failures = nil
	for i := 0; i < maxListedFailures+5; i++ {
		report.Failures = append(report.Failures, FailedURL{URL: fmt.Sprintf("https://example.test/%d", i), Reason: "fetch failure", Attempts: 4})
	}

	body, err := buildReportBody(report)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(body, "5 more, see the failure log.") {
		t.Fatal("expected truncation note")
	}
	if !strings.Contains(body, "Left in backlog") {
		t.Fatal("expected backlog row for interrupted run")
	}
	if strings.Contains(body, fmt.Sprintf("https://example.test/%d\"", maxListedFailures)) {
		t.Fatal("failures beyond the limit should not be listed")
	}
	if got := reportSubject(report); !strings.HasPrefix(got, "[ScentSymphony] crawl interrupted") {
		t.Fatalf("unexpected subject %q", got)
	}
}
