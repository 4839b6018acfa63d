package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"dealradar/internal/config"
	"dealradar/internal/model"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 实现邮件通知。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
}

// Send 发送新匹配摘要邮件。SMTP 未配置或没有新匹配时静默跳过。
func (n *EmailNotifier) Send(ctx context.Context, query string, matches []model.Match) error {
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		n.logger.Debug("email config missing, skip notification")
		return nil
	}
	if strings.TrimSpace(n.cfg.ToEmail) == "" {
		n.logger.Warn("email recipient empty, skip notification")
		return nil
	}
	if len(matches) == 0 {
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", n.cfg.ToEmail)
	m.SetHeader("Subject", fmt.Sprintf("[DealRadar] %d new matches for %q", len(matches), query))
	m.SetBody("text/html", n.buildHTMLBody(query, matches))

	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)

	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("email notification sent",
		slog.String("to", n.cfg.ToEmail),
		slog.String("query", query),
		slog.Int("matches", len(matches)))
	return nil
}

func (n *EmailNotifier) buildHTMLBody(query string, matches []model.Match) string {
	var rows strings.Builder
	for _, m := range matches {
		rows.WriteString(fmt.Sprintf(`
      <div class="item">
        <div class="price">%.2f %s</div>
        <div class="title"><a href="%s" target="_blank">%s</a></div>
        <div class="meta">%s</div>
      </div>`,
			m.Price,
			html.EscapeString(m.Currency),
			html.EscapeString(m.URL),
			html.EscapeString(m.Title),
			html.EscapeString(string(m.Platform))))
	}

	template := `
<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 600px; margin: 24px auto; background: #ffffff; border-radius: 12px; overflow: hidden; border: 1px solid #e5e7eb; }
  .header { background: #0f172a; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .content { padding: 20px; }
  .item { border-bottom: 1px solid #e5e7eb; padding: 12px 0; }
  .price { font-size: 20px; font-weight: bold; color: #ef4444; }
  .title { font-size: 15px; margin: 4px 0; }
  .meta { font-size: 12px; color: #6b7280; }
  .footer { margin-top: 20px; font-size: 12px; color: #6b7280; }
</style>
</head>
<body>
  <div class="card">
    <div class="header">[DealRadar] 🎯 新匹配提醒</div>
    <div class="content">%s
      <div class="footer">触发搜索词: %s</div>
    </div>
  </div>
</body>
</html>`

	return fmt.Sprintf(template, rows.String(), html.EscapeString(query))
}
