package softphone

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType — тип события ядра.
type EventType string

// События соединения
const (
	EventConnectionConnecting   EventType = "connection.connecting"
	EventConnectionConnected    EventType = "connection.connected"
	EventConnectionDisconnected EventType = "connection.disconnected"
	EventConnectionFailed       EventType = "connection.failed"
)

// События регистрации
const (
	EventRegistrationRegistered         EventType = "registration.registered"
	EventRegistrationUnregistered       EventType = "registration.unregistered"
	EventRegistrationFailed             EventType = "registration.failed"
	EventRegistrationExpiring           EventType = "registration.expiring"
	EventRegistrationForcedUnregistered EventType = "registration.forcedUnregistered"
)

// События вызовов
const (
	EventCallInitiated   EventType = "call.initiated"
	EventCallIncoming    EventType = "call.incoming"
	EventCallRinging     EventType = "call.ringing"
	EventCallEarlyMedia  EventType = "call.earlyMedia"
	EventCallAnswering   EventType = "call.answering"
	EventCallActive      EventType = "call.active"
	EventCallHeld        EventType = "call.held"
	EventCallResumed     EventType = "call.resumed"
	EventCallMuted       EventType = "call.muted"
	EventCallUnmuted     EventType = "call.unmuted"
	EventCallDTMFSent    EventType = "call.dtmfSent"
	EventCallTransferred EventType = "call.transferred"
	EventCallTerminating EventType = "call.terminating"
	EventCallEnded       EventType = "call.ended"
	EventCallFailed      EventType = "call.failed"
)

// События конференций
const (
	EventConferenceCreated            EventType = "conference.created"
	EventConferenceActive             EventType = "conference.active"
	EventConferenceParticipantJoined  EventType = "conference.participantJoined"
	EventConferenceParticipantLeft    EventType = "conference.participantLeft"
	EventConferenceParticipantMuted   EventType = "conference.participantMuted"
	EventConferenceParticipantUnmuted EventType = "conference.participantUnmuted"
	EventConferenceParticipantHeld    EventType = "conference.participantHeld"
	EventConferenceParticipantResumed EventType = "conference.participantResumed"
	EventConferenceLocked             EventType = "conference.locked"
	EventConferenceUnlocked           EventType = "conference.unlocked"
	EventConferenceRecordingStarted   EventType = "conference.recordingStarted"
	EventConferenceRecordingStopped   EventType = "conference.recordingStopped"
	EventConferenceEnded              EventType = "conference.ended"
	EventConferenceFailed             EventType = "conference.failed"
)

// События presence
const (
	EventPresencePublished       EventType = "presence.published"
	EventPresencePublishFailed   EventType = "presence.publishFailed"
	EventPresenceSubscribed      EventType = "presence.subscribed"
	EventPresenceSubscribeFailed EventType = "presence.subscribeFailed"
	EventPresenceUnsubscribed    EventType = "presence.unsubscribed"
	EventPresenceUpdated         EventType = "presence.updated"
)

// Прочие события
const (
	EventMessageReceived EventType = "message.received"
	EventMessageSent     EventType = "message.sent"
	EventAudioMuted      EventType = "audio.muted"
	EventAudioUnmuted    EventType = "audio.unmuted"
)

// Event — единица публикации в EventSink.
type Event struct {
	Type EventType
	Time time.Time
	// Payload — структура полезной нагрузки, фиксированная для каждого
	// типа: ConnectionPayload, RegistrationPayload, CallPayload,
	// ConferencePayload, PresencePayload, MessagePayload, AudioPayload.
	Payload any
}

// EventSink — принимающая сторона событий ядра.
//
// Передаётся при конструировании Phone и живёт вместе с ним. Emit обязан
// быть неблокирующим с точки зрения ядра: долгая обработка — забота
// реализации (см. Bus c асинхронным режимом).
type EventSink interface {
	Emit(Event)
}

// SinkFunc адаптирует функцию к интерфейсу EventSink.
type SinkFunc func(Event)

// Emit вызывает функцию-приёмник
func (f SinkFunc) Emit(ev Event) { f(ev) }

// NopSink — приёмник, отбрасывающий события.
type NopSink struct{}

// Emit ничего не делает
func (NopSink) Emit(Event) {}

// ConnectionPayload — полезная нагрузка событий соединения.
type ConnectionPayload struct {
	State     ConnectionState
	PrevState ConnectionState
	Attempt   int
	Reason    string
}

// RegistrationPayload — полезная нагрузка событий регистрации.
type RegistrationPayload struct {
	State      RegistrationState
	PrevState  RegistrationState
	StatusCode int
	Reason     string
	Expires    time.Duration
}

// CallPayload — полезная нагрузка событий вызова.
type CallPayload struct {
	Call CallSnapshot
	// Tones — для call.dtmfSent.
	Tones string
	// Target — для call.transferred.
	Target string
}

// ConferencePayload — полезная нагрузка событий конференции.
type ConferencePayload struct {
	Conference ConferenceSnapshot
	// Participant заполняется для participant* событий.
	Participant *ParticipantSnapshot
	Reason      string
}

// PresencePayload — полезная нагрузка событий presence.
type PresencePayload struct {
	// Identity — публикуемая идентичность (publish события).
	Identity string
	// URI — наблюдаемый адрес (subscribe/updated события).
	URI        string
	ETag       string
	StatusCode int
	Reason     string
	// Open и Note — состояние наблюдаемого адреса для presence.updated.
	Open bool
	Note string
}

// MessagePayload — полезная нагрузка события сообщения.
type MessagePayload struct {
	From        string
	Target      string
	ContentType string
	Body        string
}

// AudioPayload — итог общего выключения/включения звука по всем вызовам.
type AudioPayload struct {
	Muted     bool
	Succeeded int
	Failed    int
}

// Handler — подписчик события.
type Handler func(Event)

type busSubscriber struct {
	id      uint64
	handler Handler
}

// Bus — реализация EventSink с подпиской по типу события.
//
// Синхронный режим (NewBus) вызывает подписчиков прямо в горутине Emit.
// Асинхронный (NewAsyncBus) кладёт события в буфер и раздаёт их отдельной
// горутиной; при переполнении буфера событие отбрасывается и считается в
// Dropped — ядро никогда не блокируется на медленном потребителе.
type Bus struct {
	mu       sync.RWMutex
	byType   map[EventType][]busSubscriber
	anySubs  []busSubscriber
	nextID   uint64
	dropped  atomic.Uint64
	queue    chan Event
	done     chan struct{}
	closeOne sync.Once
}

// Проверяем, что Bus реализует EventSink
var _ EventSink = (*Bus)(nil)

// NewBus создаёт синхронную шину событий.
func NewBus() *Bus {
	return &Bus{byType: make(map[EventType][]busSubscriber)}
}

// NewAsyncBus создаёт шину с буферизованной асинхронной доставкой.
func NewAsyncBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	b := &Bus{
		byType: make(map[EventType][]busSubscriber),
		queue:  make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Bus) loop() {
	for ev := range b.queue {
		b.dispatch(ev)
	}
	close(b.done)
}

// On подписывает обработчик на тип события. Возвращает функцию отписки.
func (b *Bus) On(t EventType, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.byType[t] = append(b.byType[t], busSubscriber{id: id, handler: h})
	b.mu.Unlock()

	return func() { b.off(t, id) }
}

// OnAny подписывает обработчик на все события. Возвращает функцию отписки.
func (b *Bus) OnAny(h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.anySubs = append(b.anySubs, busSubscriber{id: id, handler: h})
	b.mu.Unlock()

	return func() { b.off("", id) }
}

func (b *Bus) off(t EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t == "" {
		b.anySubs = removeSubscriber(b.anySubs, id)
		return
	}
	b.byType[t] = removeSubscriber(b.byType[t], id)
	if len(b.byType[t]) == 0 {
		delete(b.byType, t)
	}
}

func removeSubscriber(subs []busSubscriber, id uint64) []busSubscriber {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Emit публикует событие подписчикам.
func (b *Bus) Emit(ev Event) {
	if b.queue == nil {
		b.dispatch(ev)
		return
	}
	select {
	case b.queue <- ev:
	default:
		b.dropped.Add(1)
	}
}

func (b *Bus) dispatch(ev Event) {
	// Копия списка: обработчик может отписаться прямо из колбэка
	b.mu.RLock()
	subs := append([]busSubscriber(nil), b.byType[ev.Type]...)
	subs = append(subs, b.anySubs...)
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(ev)
	}
}

// Dropped возвращает число событий, отброшенных из-за переполнения буфера.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close останавливает асинхронную доставку и дожидается опустошения буфера.
// Для синхронной шины не делает ничего.
func (b *Bus) Close() {
	if b.queue == nil {
		return
	}
	b.closeOne.Do(func() {
		close(b.queue)
		<-b.done
	})
}

func newEvent(t EventType, payload any) Event {
	return Event{Type: t, Time: time.Now(), Payload: payload}
}
