// Package events publishes lifecycle notifications for outbox, inbox,
// join, and scheduler state transitions. It is a thin, transport-agnostic
// wrapper over messaging.Manager: every Emit call is a JSON-bodied
// messaging.Message sent to an in-process topic. A process that wants the
// same events fanned out to SNS, Kafka, or anywhere else registers an
// additional messaging.Provider against the same Manager; the emitter
// itself never depends on which providers are registered.
package events

import (
	"fmt"
	"net/url"
	"time"

	"oss.nandlabs.io/dispatch/l3"
	"oss.nandlabs.io/dispatch/messaging"
)

var logger = l3.Get()

// Scheme is the URL scheme events are published under using the local
// in-process provider.
const Scheme = "chan"

// Topic is the default destination events are published to.
const Topic = "chan://events"

// Kind identifies what kind of state transition an Event describes.
type Kind string

const (
	KindOutboxAck      Kind = "outbox.ack"
	KindOutboxAbandon  Kind = "outbox.abandon"
	KindOutboxFail     Kind = "outbox.fail"
	KindInboxAck       Kind = "inbox.ack"
	KindInboxAbandon   Kind = "inbox.abandon"
	KindInboxFail      Kind = "inbox.fail"
	KindJoinAdvanced   Kind = "join.advanced"
	KindSchedulerTimer Kind = "scheduler.timer_fired"
	KindSchedulerJob   Kind = "scheduler.job_dispatched"
	KindLeaseLost      Kind = "lease.lost"
)

// Event is the JSON body carried by every published messaging.Message.
type Event struct {
	Kind      Kind      `json:"kind"`
	Store     string    `json:"store"`
	Key       string    `json:"key"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Emitter publishes Events over a messaging.Manager. The zero value is not
// usable; construct with New.
type Emitter struct {
	manager messaging.Manager
	dest    *url.URL
}

// New builds an Emitter that publishes to the given Manager's chan:// local
// provider under the default Topic. manager is typically messaging.GetManager().
func New(manager messaging.Manager) (*Emitter, error) {
	return NewWithTopic(manager, Topic)
}

// NewWithTopic builds an Emitter publishing under an explicit topic URL,
// letting callers isolate independent event streams on the same Manager
// (tests commonly need this, since one host's listeners are never removed).
func NewWithTopic(manager messaging.Manager, topic string) (*Emitter, error) {
	dest, err := url.Parse(topic)
	if err != nil {
		return nil, fmt.Errorf("events: parsing topic %q: %w", topic, err)
	}
	return &Emitter{manager: manager, dest: dest}, nil
}

// Emit publishes ev. A publish failure is logged, never returned, emitting
// an event must never abort the outbox/inbox/scheduler operation that
// triggered it.
func (e *Emitter) Emit(ev Event) {
	msg, err := e.manager.NewMessage(e.dest.Scheme)
	if err != nil {
		logger.WarnF("events: building message for %s: %v", ev.Kind, err)
		return
	}
	if err := msg.WriteJSON(ev); err != nil {
		logger.WarnF("events: encoding %s: %v", ev.Kind, err)
		return
	}
	if err := e.manager.Send(e.dest, msg); err != nil {
		logger.WarnF("events: publishing %s: %v", ev.Kind, err)
	}
}

// Subscribe registers listener against the Emitter's destination topic,
// decoding each arriving message body into an Event. Decode failures are
// logged and the message skipped rather than delivered malformed.
func (e *Emitter) Subscribe(listener func(Event)) error {
	return e.manager.AddListener(e.dest, func(msg messaging.Message) {
		var ev Event
		if err := msg.ReadJSON(&ev); err != nil {
			logger.WarnF("events: decoding message: %v", err)
			return
		}
		listener(ev)
	})
}
