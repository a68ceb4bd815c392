package transport

import (
	"fmt"
	"net/textproto"
	"time"
)

// Originator указывает сторону, породившую событие или запрос.
type Originator string

const (
	OriginatorLocal  Originator = "local"
	OriginatorRemote Originator = "remote"
	OriginatorSystem Originator = "system"
)

// Cause — нормализованная причина завершения или отказа.
type Cause string

const (
	CauseBusy            Cause = "Busy"
	CauseRejected        Cause = "Rejected"
	CauseCanceled        Cause = "Canceled"
	CauseNoAnswer        Cause = "No Answer"
	CauseNotFound        Cause = "Not Found"
	CauseUnavailable     Cause = "Unavailable"
	CauseRequestTimeout  Cause = "Request Timeout"
	CauseConnectionError Cause = "Connection Error"
	CauseInternalError   Cause = "Internal Error"
	CauseBye             Cause = "Terminated"
	CauseExpired         Cause = "Expired"
)

// Event — вариант события транспортного уровня.
//
// Набор вариантов закрыт: каждый тип ниже несёт фиксированную форму
// полезной нагрузки и проверяется методом Validate на границе.
type Event interface {
	// Kind возвращает стабильное имя варианта для логов и метрик.
	Kind() string

	// Validate проверяет форму полезной нагрузки.
	Validate() error

	transportEvent()
}

// ConnectingEvent — транспорт начал очередную попытку соединения.
type ConnectingEvent struct {
	// Attempt — номер попытки, начиная с 1.
	Attempt int
}

// ConnectedEvent — сокет транспорта открыт.
type ConnectedEvent struct{}

// DisconnectedEvent — сокет транспорта закрыт или потерян.
type DisconnectedEvent struct {
	// Err — ошибка сокета, nil при штатной остановке.
	Err error
	// Code — код закрытия, специфичный для транспорта (0 если неприменимо).
	Code int
	// Reason — текстовое описание причины.
	Reason string
}

// RegisteredEvent — регистрация принята сервером.
type RegisteredEvent struct {
	// Expires — интервал, на который сервер подтвердил регистрацию.
	Expires time.Duration
}

// UnregisteredEvent — регистрация снята.
type UnregisteredEvent struct {
	Cause Cause
}

// RegistrationFailedEvent — регистрация отклонена или не состоялась.
type RegistrationFailedEvent struct {
	StatusCode int
	Reason     string
	Cause      Cause
}

// RegistrationExpiringEvent — срок регистрации подходит к концу.
// Чисто информационное событие: транспорт сам перерегистрацию не выполняет.
type RegistrationExpiringEvent struct{}

// NewSessionEvent — появилась новая сессия: входящий вызов (Originator
// remote) либо подтверждение создания исходящего (Originator local).
type NewSessionEvent struct {
	Originator Originator
	Handle     SessionHandle
}

// NewMessageEvent — получено внедиалоговое сообщение (MESSAGE).
type NewMessageEvent struct {
	Originator  Originator
	From        string
	ContentType string
	Body        string
}

// NotifyEvent — получено уведомление NOTIFY вне контекста вызова,
// в первую очередь для подписок presence.
type NotifyEvent struct {
	// Event — значение заголовка Event (например "presence").
	Event string
	// From — адрес отправителя уведомления.
	From string
	// ContentType — тип тела (для presence — application/pidf+xml).
	ContentType string
	// Body — тело уведомления.
	Body string
	// SubscriptionState — значение заголовка Subscription-State
	// ("active;expires=3599", "terminated;reason=timeout").
	SubscriptionState string
}

func (ConnectingEvent) Kind() string           { return "connecting" }
func (ConnectedEvent) Kind() string            { return "connected" }
func (DisconnectedEvent) Kind() string         { return "disconnected" }
func (RegisteredEvent) Kind() string           { return "registered" }
func (UnregisteredEvent) Kind() string         { return "unregistered" }
func (RegistrationFailedEvent) Kind() string   { return "registrationFailed" }
func (RegistrationExpiringEvent) Kind() string { return "registrationExpiring" }
func (NewSessionEvent) Kind() string           { return "newSession" }
func (NewMessageEvent) Kind() string           { return "newMessage" }
func (NotifyEvent) Kind() string               { return "notify" }

func (e ConnectingEvent) Validate() error {
	if e.Attempt < 1 {
		return fmt.Errorf("connecting: attempt must be >= 1, got %d", e.Attempt)
	}
	return nil
}

func (ConnectedEvent) Validate() error { return nil }

func (DisconnectedEvent) Validate() error { return nil }

func (e RegisteredEvent) Validate() error {
	if e.Expires < 0 {
		return fmt.Errorf("registered: negative expires %v", e.Expires)
	}
	return nil
}

func (UnregisteredEvent) Validate() error { return nil }

func (e RegistrationFailedEvent) Validate() error {
	if e.StatusCode != 0 && (e.StatusCode < 100 || e.StatusCode > 699) {
		return fmt.Errorf("registrationFailed: status code %d out of range", e.StatusCode)
	}
	return nil
}

func (RegistrationExpiringEvent) Validate() error { return nil }

func (e NewSessionEvent) Validate() error {
	if e.Handle == nil {
		return fmt.Errorf("newSession: nil session handle")
	}
	switch e.Originator {
	case OriginatorLocal, OriginatorRemote:
	default:
		return fmt.Errorf("newSession: bad originator %q", e.Originator)
	}
	return nil
}

func (e NewMessageEvent) Validate() error {
	if e.From == "" {
		return fmt.Errorf("newMessage: empty from")
	}
	return nil
}

func (e NotifyEvent) Validate() error {
	if e.Event == "" {
		return fmt.Errorf("notify: empty event package")
	}
	return nil
}

func (ConnectingEvent) transportEvent()           {}
func (ConnectedEvent) transportEvent()            {}
func (DisconnectedEvent) transportEvent()         {}
func (RegisteredEvent) transportEvent()           {}
func (UnregisteredEvent) transportEvent()         {}
func (RegistrationFailedEvent) transportEvent()   {}
func (RegistrationExpiringEvent) transportEvent() {}
func (NewSessionEvent) transportEvent()           {}
func (NewMessageEvent) transportEvent()           {}
func (NotifyEvent) transportEvent()               {}

// SessionEvent — вариант события уровня сессии.
type SessionEvent interface {
	Kind() string
	sessionEvent()
}

// ProgressEvent — получен предварительный ответ (18x): вызов звонит.
type ProgressEvent struct {
	StatusCode int
	// HasMedia — предварительный ответ содержит описание медиа
	// (ранняя медиасессия).
	HasMedia bool
}

// AcceptedEvent — вызов принят удалённой стороной (2xx), подтверждение
// ещё не завершено.
type AcceptedEvent struct {
	StatusCode int
}

// ConfirmedEvent — сессия полностью установлена (ACK прошёл).
type ConfirmedEvent struct{}

// EndedEvent — установленная сессия завершена.
type EndedEvent struct {
	Originator Originator
	Cause      Cause
}

// FailedEvent — сессия не состоялась или оборвалась с ошибкой.
type FailedEvent struct {
	Originator Originator
	Cause      Cause
	StatusCode int
}

// HoldEvent — сессия поставлена на удержание.
type HoldEvent struct {
	Originator Originator
}

// UnholdEvent — сессия снята с удержания.
type UnholdEvent struct {
	Originator Originator
}

// ReferOutcomeEvent — итог запроса перевода вызова.
type ReferOutcomeEvent struct {
	Accepted   bool
	StatusCode int
}

func (ProgressEvent) Kind() string     { return "progress" }
func (AcceptedEvent) Kind() string     { return "accepted" }
func (ConfirmedEvent) Kind() string    { return "confirmed" }
func (EndedEvent) Kind() string        { return "ended" }
func (FailedEvent) Kind() string       { return "failed" }
func (HoldEvent) Kind() string         { return "hold" }
func (UnholdEvent) Kind() string       { return "unhold" }
func (ReferOutcomeEvent) Kind() string { return "referOutcome" }

func (ProgressEvent) sessionEvent()     {}
func (AcceptedEvent) sessionEvent()     {}
func (ConfirmedEvent) sessionEvent()    {}
func (EndedEvent) sessionEvent()        {}
func (FailedEvent) sessionEvent()       {}
func (HoldEvent) sessionEvent()         {}
func (UnholdEvent) sessionEvent()       {}
func (ReferOutcomeEvent) sessionEvent() {}

// Response — ответ на запрос, отправленный через Transport.SendRequest.
type Response struct {
	StatusCode int
	Reason     string
	Headers    textproto.MIMEHeader
	Body       string
}

// GetHeader возвращает первое значение заголовка или пустую строку.
func (r *Response) GetHeader(name string) string {
	if r == nil || r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}

// Success сообщает, является ли ответ успешным (2xx).
func (r *Response) Success() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}
