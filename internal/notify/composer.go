// Package notify renders customer and courier WhatsApp messages for order
// status changes and keeps them in an outbox.
package notify

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/rotafood/rotafood/internal/delivery"
)

// Branding is the restaurant identity injected into message templates.
type Branding struct {
	Name     string `envconfig:"NAME" default:"RotaFood"`
	LogoURL  string `envconfig:"LOGO_URL"`
	PixKey   string `envconfig:"PIX_KEY"`
	WhatsApp string `envconfig:"WHATSAPP"`
}

// Audience identifies who a message is addressed to.
type Audience string

const (
	AudienceCustomer Audience = "customer"
	AudienceDriver   Audience = "driver"
)

// Message is a rendered notification with its click-to-chat link.
type Message struct {
	ID        int64                `json:"id,omitempty"`
	OrderID   string               `json:"order_id"`
	Status    delivery.OrderStatus `json:"status"`
	Recipient string               `json:"recipient"`
	Audience  Audience             `json:"audience"`
	Body      string               `json:"body"`
	Link      string               `json:"link"`
	CreatedAt time.Time            `json:"created_at"`
}

// Composer renders messages in Brazilian Portuguese.
type Composer struct {
	brand   Branding
	printer *message.Printer
}

// NewComposer builds a Composer for the given branding.
func NewComposer(brand Branding) *Composer {
	if strings.TrimSpace(brand.Name) == "" {
		brand.Name = "RotaFood"
	}
	return &Composer{brand: brand, printer: message.NewPrinter(language.BrazilianPortuguese)}
}

// Compose returns the messages due for the order's current status. driver may
// be nil. Recipients without a usable phone number are skipped.
func (c *Composer) Compose(order delivery.Order, driver *delivery.Driver) []Message {
	var out []Message
	add := func(audience Audience, phone, body string) {
		recipient := NormalizePhone(phone)
		if recipient == "" || body == "" {
			return
		}
		out = append(out, Message{
			OrderID:   order.ID,
			Status:    order.Status,
			Recipient: recipient,
			Audience:  audience,
			Body:      body,
			Link:      WhatsAppLink(recipient, body),
		})
	}

	add(AudienceCustomer, order.CustomerPhone, c.customerBody(order, driver))
	if driver != nil {
		add(AudienceDriver, driver.Phone, c.driverBody(order))
	}
	return out
}

func (c *Composer) customerBody(order delivery.Order, driver *delivery.Driver) string {
	greeting := "Olá"
	if name := firstName(order.CustomerName); name != "" {
		greeting += " " + name
	}
	ref := shortRef(order.ID)

	switch order.Status {
	case delivery.OrderPending:
		var b strings.Builder
		fmt.Fprintf(&b, "%s! Recebemos seu pedido %s no %s.\n", greeting, ref, c.brand.Name)
		fmt.Fprintf(&b, "Total: %s (%s).", c.Money(order.Value.Add(order.DeliveryFee)), paymentLabel(order.PaymentMethod))
		if order.PaymentMethod == delivery.PayPix && c.brand.PixKey != "" {
			fmt.Fprintf(&b, "\nChave PIX: %s", c.brand.PixKey)
		}
		return b.String()
	case delivery.OrderPreparing:
		return fmt.Sprintf("%s! Seu pedido %s está sendo preparado.", greeting, ref)
	case delivery.OrderReady:
		return fmt.Sprintf("%s! Seu pedido %s está pronto e aguarda o entregador.", greeting, ref)
	case delivery.OrderAssigned:
		if driver != nil && driver.Name != "" {
			return fmt.Sprintf("%s! %s vai levar seu pedido %s.", greeting, driver.Name, ref)
		}
		return fmt.Sprintf("%s! Um entregador foi designado para o pedido %s.", greeting, ref)
	case delivery.OrderDelivering:
		return fmt.Sprintf("%s! Seu pedido %s saiu para entrega.", greeting, ref)
	case delivery.OrderCompleted:
		return fmt.Sprintf("Pedido %s entregue. Obrigado por pedir no %s!", ref, c.brand.Name)
	case delivery.OrderCancelled:
		if reason := strings.TrimSpace(order.CancelReason); reason != "" {
			return fmt.Sprintf("%s. Seu pedido %s foi cancelado. Motivo: %s", greeting, ref, reason)
		}
		return fmt.Sprintf("%s. Seu pedido %s foi cancelado.", greeting, ref)
	default:
		return ""
	}
}

func (c *Composer) driverBody(order delivery.Order) string {
	ref := shortRef(order.ID)
	switch order.Status {
	case delivery.OrderAssigned:
		var b strings.Builder
		fmt.Fprintf(&b, "Nova entrega %s (%s)\n", ref, c.brand.Name)
		fmt.Fprintf(&b, "Cliente: %s\n", order.CustomerName)
		fmt.Fprintf(&b, "Endereço: %s\n", order.Address)
		fmt.Fprintf(&b, "Cobrar: %s (%s)", c.Money(order.Value.Add(order.DeliveryFee)), paymentLabel(order.PaymentMethod))
		if order.Address != "" {
			fmt.Fprintf(&b, "\nMapa: https://www.google.com/maps/search/?api=1&query=%s", url.QueryEscape(order.Address))
		}
		return b.String()
	default:
		return ""
	}
}

// Money formats an amount as Brazilian reais, e.g. "R$ 1.234,50".
func (c *Composer) Money(v decimal.Decimal) string {
	return c.printer.Sprintf("R$ %v", number.Decimal(v.Round(2).InexactFloat64(), number.Scale(2)))
}

// WhatsAppLink builds a wa.me click-to-chat link with the body prefilled.
func WhatsAppLink(phone, body string) string {
	text := strings.ReplaceAll(url.QueryEscape(body), "+", "%20")
	return "https://wa.me/" + phone + "?text=" + text
}

// NormalizePhone keeps the digits of a phone number and prefixes Brazil's
// country code to bare 10 or 11 digit numbers. It returns "" when too short.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := strings.TrimLeft(b.String(), "0")
	switch {
	case len(digits) < 10:
		return ""
	case len(digits) <= 11:
		return "55" + digits
	default:
		return digits
	}
}

func shortRef(id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return "#" + strings.ToUpper(id)
}

func firstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func paymentLabel(m delivery.PaymentMethod) string {
	switch m {
	case delivery.PayCard:
		return "cartão"
	case delivery.PayPix:
		return "PIX"
	default:
		return "dinheiro"
	}
}
