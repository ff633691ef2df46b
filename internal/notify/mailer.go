package notify

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"

	mail "github.com/go-mail/mail"
	"go.uber.org/zap"

	"github.com/dropDatabas3/farodb/internal/observability/logger"
)

// Mailer envía las alertas del bus por correo a los operadores.
type Mailer struct {
	Host               string
	Port               int
	From               string
	User               string
	Pass               string
	To                 []string
	TLSMode            string // "auto" | "starttls" | "ssl" | "none"
	InsecureSkipVerify bool

	// MinSeverity filtra qué alertas salen por correo. SeverityInfo manda
	// todo; SeverityError sólo errores.
	MinSeverity Severity

	cancel func()
	wg     sync.WaitGroup
	log    *zap.Logger

	// send se reemplaza en tests.
	send func(a Alert) error
}

// NewMailer arma el sink de correo. No abre conexiones: go-mail disca por
// cada envío (las alertas son esporádicas).
func NewMailer(host string, port int, from, user, pass string, to []string) *Mailer {
	m := &Mailer{
		Host:        host,
		Port:        port,
		From:        from,
		User:        user,
		Pass:        pass,
		To:          to,
		TLSMode:     "auto",
		MinSeverity: SeverityWarning,
		log:         logger.Named("notify.mailer"),
	}
	m.send = m.deliver
	return m
}

var severityRank = map[Severity]int{
	SeverityInfo:    0,
	SeverityWarning: 1,
	SeverityError:   2,
}

// Attach suscribe el mailer a las alertas del bus.
func (m *Mailer) Attach(bus *Bus) {
	ch, cancel := bus.SubscribeAlerts(16)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for a := range ch {
			if severityRank[a.Severity] < severityRank[m.MinSeverity] {
				continue
			}
			if err := m.send(a); err != nil {
				m.log.Error("envío de alerta falló",
					logger.String("title", a.Title), logger.Err(err))
			}
		}
	}()
	m.log.Info("sink de correo conectado",
		logger.String("host", m.Host), logger.Count(len(m.To)))
}

// deliver arma y envía el correo de una alerta.
func (m *Mailer) deliver(a Alert) error {
	msg := mail.NewMessage()
	msg.SetHeader("From", m.From)
	msg.SetHeader("To", m.To...)
	msg.SetHeader("Subject", fmt.Sprintf("[farodb] %s: %s", a.Severity, a.Title))

	body := a.Message
	if len(a.Detail) > 0 {
		if d, err := json.MarshalIndent(a.Detail, "", "  "); err == nil {
			body += "\n\n" + string(d)
		}
	}
	body += "\n\n" + a.At.UTC().Format("2006-01-02 15:04:05 UTC")
	msg.SetBody("text/plain", body)

	d := mail.NewDialer(m.Host, m.Port, m.User, m.Pass)
	d.TLSConfig = &tls.Config{
		ServerName:         m.Host,
		InsecureSkipVerify: m.InsecureSkipVerify, // solo dev
	}
	switch m.TLSMode {
	case "ssl":
		d.SSL = true
	case "none":
		d.TLSConfig = &tls.Config{InsecureSkipVerify: m.InsecureSkipVerify}
	default:
		// "auto"/"starttls": go-mail negocia STARTTLS si corresponde
	}

	if err := d.DialAndSend(msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// Close da de baja la suscripción y espera a que drene.
func (m *Mailer) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}
