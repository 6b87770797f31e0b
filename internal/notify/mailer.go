package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"storefront-service/config"
	"storefront-service/internal/models"
	"storefront-service/internal/util"
)

// Sender delivers composed messages. *mail.Client satisfies it.
type Sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// Mailer sends confirmations over SMTP.
type Mailer struct {
	sender   Sender
	from     string
	fromName string
	logger   *zap.Logger
}

// NewMailer creates an SMTP mailer from the mail configuration.
func NewMailer(cfg config.MailConfig) (*Mailer, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.User != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.User),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail client: %w", err)
	}
	return NewMailerWithSender(client, cfg.User, cfg.FromName), nil
}

// NewMailerWithSender creates a mailer on top of any sender.
func NewMailerWithSender(sender Sender, from, fromName string) *Mailer {
	return &Mailer{
		sender:   sender,
		from:     from,
		fromName: fromName,
		logger:   util.Component("mailer"),
	}
}

// SendOrderConfirmation composes and sends the confirmation email.
func (m *Mailer) SendOrderConfirmation(ctx context.Context, email string, snapshot models.OrderSnapshot) error {
	ctx, span := util.StartSpan(ctx, "Mailer.SendOrderConfirmation")
	defer span.End()

	msg, err := m.compose(email, snapshot)
	if err != nil {
		return err
	}

	if err := m.sender.DialAndSendWithContext(ctx, msg); err != nil {
		util.RecordError(span, err)
		return fmt.Errorf("failed to send confirmation: %w", err)
	}

	m.logger.Info("Order confirmation sent", zap.String("order_id", snapshot.OrderID))
	return nil
}

func (m *Mailer) compose(email string, snapshot models.OrderSnapshot) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.FromFormat(m.fromName, m.from); err != nil {
		return nil, fmt.Errorf("invalid sender address: %w", err)
	}
	if err := msg.To(email); err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(confirmationSubject(snapshot))

	html, err := renderConfirmationHTML(m.fromName, snapshot)
	if err != nil {
		return nil, err
	}
	msg.SetBodyString(mail.TypeTextPlain, renderConfirmationText(snapshot))
	msg.AddAlternativeString(mail.TypeTextHTML, html)
	return msg, nil
}

func confirmationSubject(snapshot models.OrderSnapshot) string {
	return fmt.Sprintf("Order confirmation #%s", shortID(snapshot.OrderID))
}

func shortID(id string) string {
	if len(id) > 8 {
		return strings.ToUpper(id[:8])
	}
	return strings.ToUpper(id)
}

func renderConfirmationText(s models.OrderSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Thank you for your order #%s.\n\n", shortID(s.OrderID))
	for _, item := range s.Items {
		fmt.Fprintf(&b, "  %d x %s @ %s\n", item.Quantity, item.Label(), item.UnitPrice.StringFixed(2))
	}
	fmt.Fprintf(&b, "\nSubtotal: %s\n", s.Subtotal.StringFixed(2))
	if s.CouponCode != nil && !s.Discount.IsZero() {
		fmt.Fprintf(&b, "Discount (%s): -%s\n", *s.CouponCode, s.Discount.StringFixed(2))
	}
	fmt.Fprintf(&b, "Shipping: %s\n", s.Shipping.StringFixed(2))
	fmt.Fprintf(&b, "Tax: %s\n", s.Tax.StringFixed(2))
	fmt.Fprintf(&b, "Total: %s\n", s.Total.StringFixed(2))
	return b.String()
}

var confirmationHTML = template.Must(template.New("confirmation").Parse(`<!DOCTYPE html>
<html>
  <body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
    <h1 style="color: #2c3e50;">Thank you for your order!</h1>
    <p>Order <strong>#{{.Short}}</strong> has been paid.</p>
    <table style="width: 100%; border-collapse: collapse;">
      {{range .Snapshot.Items}}<tr><td>{{.Quantity}} x {{.Label}}</td><td style="text-align: right;">{{.UnitPrice.StringFixed 2}}</td></tr>
      {{end}}
    </table>
    <p>Subtotal: {{.Snapshot.Subtotal.StringFixed 2}}<br>
    {{if .Snapshot.CouponCode}}Discount ({{.Snapshot.CouponCode}}): -{{.Snapshot.Discount.StringFixed 2}}<br>{{end}}
    Shipping: {{.Snapshot.Shipping.StringFixed 2}}<br>
    Tax: {{.Snapshot.Tax.StringFixed 2}}<br>
    <strong>Total: {{.Snapshot.Total.StringFixed 2}}</strong></p>
    <p style="font-size: 12px; color: #999;">{{.Store}}</p>
  </body>
</html>`))

func renderConfirmationHTML(storeName string, s models.OrderSnapshot) (string, error) {
	var buf bytes.Buffer
	err := confirmationHTML.Execute(&buf, struct {
		Short    string
		Store    string
		Snapshot models.OrderSnapshot
	}{shortID(s.OrderID), storeName, s})
	if err != nil {
		return "", fmt.Errorf("failed to render confirmation: %w", err)
	}
	return buf.String(), nil
}
