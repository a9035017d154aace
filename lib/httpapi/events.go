package httpapi

import (
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/mindfulware/companionapi/lib/dialogue"
)

type EventType string

const (
	EventTypeMessageAppend EventType = "message_append"
	EventTypeStatusChange  EventType = "status_change"
)

type Event struct {
	Type    EventType
	Payload any
}

// MessageAppendBody is one transcript append as seen by subscribers.
type MessageAppendBody struct {
	Id            int                      `json:"id"`
	Author        dialogue.Author          `json:"author"`
	Text          string                   `json:"text"`
	Mode          dialogue.InteractionMode `json:"mode,omitempty" doc:"Interaction mode attached to the final message of a reply; decides which widget follows it"`
	RevealDelayMs int64                    `json:"revealDelayMs" doc:"Offset from reply arrival at which the message becomes visible"`
	Time          time.Time                `json:"time"`
}

// StatusChangeBody mirrors the session status outside the transcript.
type StatusChangeBody struct {
	LoggedIn                  bool                     `json:"loggedIn"`
	Mode                      dialogue.InteractionMode `json:"mode"`
	Busy                      bool                     `json:"busy"`
	AwaitingProtocolSelection bool                     `json:"awaitingProtocolSelection"`
	DeepReflection            bool                     `json:"deepReflection"`
	ProtocolList              []string                 `json:"protocolList,omitempty"`
}

// EventEmitter fans session updates out to SSE subscribers. Transcript
// appends are delivered at their reveal offset: an event carrying a
// reveal delay is held on a timer and notified once the delay elapses.
// Timers are cosmetic and append-only, so a new turn arriving before the
// previous reply finished revealing cannot corrupt ordering.
type EventEmitter struct {
	mu                  sync.Mutex
	clock               quartz.Clock
	revealed            []MessageAppendBody
	status              StatusChangeBody
	chans               map[int]chan Event
	chanIdx             int
	timers              map[int]*quartz.Timer
	timerIdx            int
	subscriptionBufSize int
}

var _ dialogue.Emitter = &EventEmitter{}

// subscriptionBufSize is the size of the buffer for each subscription.
// Once the buffer is full, the channel will be closed. Listeners must
// actively drain the channel.
func NewEventEmitter(clock quartz.Clock, subscriptionBufSize int) *EventEmitter {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &EventEmitter{
		clock:               clock,
		revealed:            make([]MessageAppendBody, 0),
		chans:               make(map[int]chan Event),
		timers:              make(map[int]*quartz.Timer),
		subscriptionBufSize: subscriptionBufSize,
	}
}

func messageAppendBody(msg dialogue.ChatMessage) MessageAppendBody {
	return MessageAppendBody{
		Id:            msg.ID,
		Author:        msg.Author,
		Text:          msg.Text,
		Mode:          msg.Mode,
		RevealDelayMs: msg.RevealDelay.Milliseconds(),
		Time:          msg.Time,
	}
}

// EmitTranscript schedules newly appended transcript entries for
// delivery at their reveal offsets.
func (e *EventEmitter) EmitTranscript(msgs []dialogue.ChatMessage) {
	for _, msg := range msgs {
		body := messageAppendBody(msg)
		if msg.RevealDelay <= 0 {
			e.reveal(body)
			continue
		}
		e.scheduleReveal(body, msg.RevealDelay)
	}
}

func (e *EventEmitter) reveal(body MessageAppendBody) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.revealed = append(e.revealed, body)
	e.notifyChannels(EventTypeMessageAppend, body)
}

// scheduleReveal holds the append on a timer until its reveal offset.
// The timer handle is tracked so Reset can cancel reveals that belong to
// a torn-down session.
func (e *EventEmitter) scheduleReveal(body MessageAppendBody, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.timerIdx
	e.timerIdx++
	e.timers[id] = e.clock.AfterFunc(delay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.timers[id]; !ok {
			// Canceled by Reset between firing and acquiring the lock.
			return
		}
		delete(e.timers, id)
		e.revealed = append(e.revealed, body)
		e.notifyChannels(EventTypeMessageAppend, body)
	}, "reveal")
}

func (e *EventEmitter) EmitStatus(status dialogue.SessionStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()

	newStatus := StatusChangeBody{
		LoggedIn:                  status.LoggedIn,
		Mode:                      status.Mode,
		Busy:                      status.Busy,
		AwaitingProtocolSelection: status.AwaitingProtocolSelection,
		DeepReflection:            status.DeepReflection,
		ProtocolList:              status.ProtocolList,
	}
	if statusEqual(e.status, newStatus) {
		return
	}
	e.status = newStatus
	e.notifyChannels(EventTypeStatusChange, newStatus)
}

func statusEqual(a, b StatusChangeBody) bool {
	if a.LoggedIn != b.LoggedIn || a.Mode != b.Mode || a.Busy != b.Busy ||
		a.AwaitingProtocolSelection != b.AwaitingProtocolSelection ||
		a.DeepReflection != b.DeepReflection || len(a.ProtocolList) != len(b.ProtocolList) {
		return false
	}
	for i := range a.ProtocolList {
		if a.ProtocolList[i] != b.ProtocolList[i] {
			return false
		}
	}
	return true
}

// Assumes the caller holds the lock.
func (e *EventEmitter) notifyChannels(eventType EventType, payload any) {
	chanIds := make([]int, 0, len(e.chans))
	for chanId := range e.chans {
		chanIds = append(chanIds, chanId)
	}
	for _, chanId := range chanIds {
		ch := e.chans[chanId]
		select {
		case ch <- Event{Type: eventType, Payload: payload}:
		default:
			// If the channel is full, close it.
			// Listeners must actively drain the channel.
			e.unsubscribeInner(chanId)
		}
	}
}

// Assumes the caller holds the lock.
func (e *EventEmitter) currentStateAsEvents() []Event {
	events := make([]Event, 0, len(e.revealed)+1)
	for _, msg := range e.revealed {
		events = append(events, Event{Type: EventTypeMessageAppend, Payload: msg})
	}
	events = append(events, Event{Type: EventTypeStatusChange, Payload: e.status})
	return events
}

// Subscribe returns:
// - a subscription ID that can be used to unsubscribe.
// - a channel for receiving events.
// - a list of events that recreate the revealed state of the conversation
//   right before the subscription was created.
func (e *EventEmitter) Subscribe() (int, <-chan Event, []Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stateEvents := e.currentStateAsEvents()

	// Once a channel becomes full, it will be closed.
	ch := make(chan Event, e.subscriptionBufSize)
	e.chans[e.chanIdx] = ch
	e.chanIdx++
	return e.chanIdx - 1, ch, stateEvents
}

// Assumes the caller holds the lock.
func (e *EventEmitter) unsubscribeInner(chanId int) {
	close(e.chans[chanId])
	delete(e.chans, chanId)
}

func (e *EventEmitter) Unsubscribe(chanId int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unsubscribeInner(chanId)
}

// Reset drops the revealed transcript and cancels pending reveals, e.g.
// after logout. A reveal from before the reset can never land in the
// fresh state.
func (e *EventEmitter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
	e.revealed = e.revealed[:0]
}
