package mq

import (
	"encoding/json"
	"net"
	"time"

	"github.com/chuckpreslar/emission"
	"github.com/pion/ion-jingle/pkg/log"
	"github.com/streadway/amqp"
)

const (
	connTimeout   = 3 * time.Second
	routingPrefix = "negotiation."

	// EventReport is emitted with a Report for every consumed record.
	EventReport = "report"
)

// Report is the outcome of one transport negotiation.
type Report struct {
	SID       string        `json:"sid"`
	Initiator string        `json:"initiator"`
	Responder string        `json:"responder"`
	Content   string        `json:"content"`
	Kind      string        `json:"kind"`
	Outcome   string        `json:"outcome"`
	Local     string        `json:"local,omitempty"`
	Remote    string        `json:"remote,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Duration  time.Duration `json:"duration"`
	At        time.Time     `json:"at"`
}

// RoutingKey is the topic a report is published under.
func (r *Report) RoutingKey() string {
	return routingPrefix + r.Outcome
}

// Amqp publishes negotiation reports to a topic exchange and can consume
// them back, re-emitting each one as EventReport.
type Amqp struct {
	emission.Emitter
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// New dials url and declares exchange.
func New(url, exchange string) (*Amqp, error) {
	a := &Amqp{
		Emitter:  *emission.NewEmitter(),
		exchange: exchange,
	}
	var err error
	a.conn, err = amqp.DialConfig(url, amqp.Config{
		Dial: func(network, addr string) (net.Conn, error) {
			return net.DialTimeout(network, addr, connTimeout)
		},
	})
	if err != nil {
		return nil, err
	}

	a.channel, err = a.conn.Channel()
	if err != nil {
		a.conn.Close()
		return nil, err
	}
	if err = a.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		a.conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *Amqp) Close() {
	if a.conn != nil {
		a.conn.Close()
	}
}

// Report publishes r.
func (a *Amqp) Report(r Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return a.channel.Publish(
		a.exchange,     // exchange
		r.RoutingKey(), // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   r.At,
			Body:        body,
		})
}

// Consume binds a private queue to every report and emits them until the
// connection closes.
func (a *Amqp) Consume() error {
	q, err := a.channel.QueueDeclare("", false, false, true, false, nil)
	if err != nil {
		return err
	}
	if err = a.channel.QueueBind(q.Name, routingPrefix+"#", a.exchange, false, nil); err != nil {
		return err
	}
	msgs, err := a.channel.Consume(
		q.Name, // queue
		"",     // consumer
		true,   // auto ack
		false,  // exclusive
		false,  // no local
		false,  // no wait
		nil,    // args
	)
	if err != nil {
		return err
	}

	go func() {
		for msg := range msgs {
			a.deliver(msg.Body)
		}
	}()
	return nil
}

func (a *Amqp) deliver(body []byte) {
	var r Report
	if err := json.Unmarshal(body, &r); err != nil {
		log.Warnf("bad report: %v", err)
		return
	}
	a.Emit(EventReport, r)
}
