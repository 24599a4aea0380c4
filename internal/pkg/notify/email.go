package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"strings"
	"time"

	"github.com/AliAkbar852/ScentSymphony/internal/config"

	"gopkg.in/gomail.v2"
)

// maxListedFailures 邮件中最多列出的失败 URL 数，完整列表见失败日志文件。
const maxListedFailures = 50

// sender 抽象 gomail.Dialer，测试时替换。
type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailNotifier 通过 SMTP 发送运行报告。
type EmailNotifier struct {
	cfg    config.EmailConfig
	logger *slog.Logger
	dialer sender
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
		dialer: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass),
	}
}

// Enabled 报告发送所需的配置是否齐全。
func (n *EmailNotifier) Enabled() bool {
	return n.cfg.SMTPHost != "" && n.cfg.FromEmail != "" && strings.TrimSpace(n.cfg.ToEmail) != ""
}

// SendRunReport 发送运行报告邮件。
func (n *EmailNotifier) SendRunReport(ctx context.Context, report *RunReport) error {
	if !n.Enabled() {
		n.logger.Debug("email config missing, skip run report")
		return nil
	}
	if report == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m, err := n.buildMessage(report)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- n.dialer.DialAndSend(m) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send email: %w", err)
		}
	case <-ctx.Done():
		return fmt.Errorf("send email: %w", ctx.Err())
	}

	n.logger.Info("run report sent",
		slog.String("to", n.cfg.ToEmail),
		slog.Int64("succeeded", report.Succeeded),
		slog.Int64("permanently_failed", report.PermanentlyFailed))
	return nil
}

func (n *EmailNotifier) buildMessage(report *RunReport) (*gomail.Message, error) {
	body, err := buildReportBody(report)
	if err != nil {
		return nil, err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", splitRecipients(n.cfg.ToEmail)...)
	m.SetHeader("Subject", reportSubject(report))
	m.SetBody("text/html", body)
	return m, nil
}

func splitRecipients(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func reportSubject(report *RunReport) string {
	status := "finished"
	if report.Interrupted {
		status = "interrupted"
	}
	return fmt.Sprintf("[ScentSymphony] crawl %s: %d ok, %d failed",
		status, report.Succeeded, report.PermanentlyFailed)
}

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8" /></head>
<body style="font-family: Arial, sans-serif; color: #1f2937;">
  <div style="max-width: 640px; margin: 0 auto; padding: 16px;">
    <h2>ScentSymphony crawl report</h2>
    <table cellpadding="4">
      <tr><td>Started</td><td>{{.StartedAt}}</td></tr>
      <tr><td>Finished</td><td>{{.FinishedAt}}</td></tr>
      <tr><td>Duration</td><td>{{.Duration}}</td></tr>
      <tr><td>Batches</td><td>{{.R.Batches}}</td></tr>
      <tr><td>Succeeded</td><td>{{.R.Succeeded}}</td></tr>
      <tr><td>Failed attempts</td><td>{{.R.FailedAttempts}}</td></tr>
      <tr><td>Retried</td><td>{{.R.Retried}}</td></tr>
      <tr><td>Permanently failed</td><td>{{.R.PermanentlyFailed}}</td></tr>
      <tr><td>Skipped (already done)</td><td>{{.R.Skipped}}</td></tr>
      {{if .R.Interrupted}}<tr><td>Left in backlog</td><td>{{.R.Backlog}}</td></tr>{{end}}
    </table>
    {{if .Failures}}
    <h3>Permanent failures</h3>
    <ul>
      {{range .Failures}}<li><a href="{{.URL}}">{{.URL}}</a>: {{.Reason}} ({{.Attempts}} attempts)</li>
      {{end}}
    </ul>
    {{if .Truncated}}<p>{{.Truncated}} more, see the failure log.</p>{{end}}
    {{end}}
  </div>
</body>
</html>`))

// buildReportBody 渲染报告 HTML。
func buildReportBody(report *RunReport) (string, error) {
	failures := report.Failures
	truncated := 0
	if len(failures) > maxListedFailures {
		truncated = len(failures) - maxListedFailures
		failures = failures[:maxListedFailures]
	}

	data := struct {
		R          *RunReport
		StartedAt  string
		FinishedAt string
		Duration   string
		Failures   []FailedURL
		Truncated  int
	}{
		R:          report,
		StartedAt:  formatTime(report.StartedAt),
		FinishedAt: formatTime(report.FinishedAt),
		Duration:   "-",
		Failures:   failures,
		Truncated:  truncated,
	}
	if !report.StartedAt.IsZero() && !report.FinishedAt.IsZero() {
		data.Duration = report.FinishedAt.Sub(report.StartedAt).Round(time.Second).String()
	}

	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return buf.String(), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
