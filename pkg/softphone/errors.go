package softphone

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory — категория ошибки для классификации по подсистемам.
type ErrorCategory string

const (
	ErrorCategoryConnection   ErrorCategory = "CONNECTION"
	ErrorCategoryRegistration ErrorCategory = "REGISTRATION"
	ErrorCategoryCall         ErrorCategory = "CALL"
	ErrorCategoryConference   ErrorCategory = "CONFERENCE"
	ErrorCategoryPresence     ErrorCategory = "PRESENCE"
	ErrorCategoryTransport    ErrorCategory = "TRANSPORT"
	ErrorCategoryValidation   ErrorCategory = "VALIDATION"
)

// String возвращает строковое представление категории
func (ec ErrorCategory) String() string {
	return string(ec)
}

// ErrorSeverity — уровень критичности ошибки.
type ErrorSeverity string

const (
	ErrorSeverityCritical ErrorSeverity = "CRITICAL" // Требует немедленного внимания
	ErrorSeverityError    ErrorSeverity = "ERROR"    // Операция не может быть завершена
	ErrorSeverityWarning  ErrorSeverity = "WARNING"  // Операция продолжена с оговорками
	ErrorSeverityInfo     ErrorSeverity = "INFO"     // Информационное сообщение
)

// String возвращает строковое представление уровня критичности
func (es ErrorSeverity) String() string {
	return string(es)
}

// Error — структурированная ошибка управляющего ядра.
//
// Несёт машинный код, категорию подсистемы и контекст, достаточный для
// решения о повторе: статус ответа сервера, флаг таймаута, признак
// повторяемости. Исходная ошибка доступна через errors.Unwrap.
type Error struct {
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Category ErrorCategory `json:"category"`
	Severity ErrorSeverity `json:"severity"`

	// Status — код ответа сервера, 0 если неприменимо.
	Status int `json:"status,omitempty"`
	// CauseText — нормализованная причина транспортного уровня.
	CauseText string `json:"cause,omitempty"`
	// Timeout — ошибка вызвана истечением отведённого времени.
	Timeout bool `json:"timeout"`
	// Retryable — повтор операции имеет смысл.
	Retryable bool `json:"retryable"`

	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`

	// Err — исходная ошибка, если есть.
	Err error `json:"-"`
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *Error) Unwrap() error {
	return e.Err
}

// Is сопоставляет ошибки по категории и коду, что позволяет сравнивать
// через errors.Is с предопределённым конструктором-образцом.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithField добавляет поле контекста
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *Error) WithCause(cause error) *Error {
	e.Err = cause
	return e
}

// NewError создаёт структурированную ошибку.
func NewError(code, message string, category ErrorCategory, severity ErrorSeverity) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Category:  category,
		Severity:  severity,
		Timestamp: time.Now(),
	}
}

// IsTimeout сообщает, вызвана ли ошибка таймаутом.
func IsTimeout(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Timeout
}

// IsRetryable сообщает, имеет ли смысл повтор операции.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// CategoryOf возвращает категорию ошибки или пустую строку.
func CategoryOf(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// StatusOf возвращает код ответа сервера из ошибки, 0 если его нет.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// Предопределённые конструкторы ошибок

// Ошибки соединения

// ErrConnectionTimeout — соединение не установилось за отведённое время.
func ErrConnectionTimeout(timeout time.Duration) *Error {
	e := NewError(
		"CONNECTION_TIMEOUT",
		fmt.Sprintf("соединение не установлено за %v", timeout),
		ErrorCategoryConnection,
		ErrorSeverityError,
	)
	e.Timeout = true
	e.Retryable = true
	return e
}

// ErrConnectionFailed — транспорт сообщил об отказе соединения.
func ErrConnectionFailed(reason string, cause error) *Error {
	e := NewError(
		"CONNECTION_FAILED",
		fmt.Sprintf("соединение разорвано: %s", reason),
		ErrorCategoryConnection,
		ErrorSeverityError,
	)
	e.CauseText = reason
	e.Retryable = true
	return e.WithCause(cause)
}

// ErrNotConnected — операция требует установленного соединения.
func ErrNotConnected(operation string) *Error {
	return NewError(
		"NOT_CONNECTED",
		fmt.Sprintf("операция '%s' требует установленного соединения", operation),
		ErrorCategoryConnection,
		ErrorSeverityError,
	).WithField("operation", operation)
}

// Ошибки регистрации

// ErrRegistrationTimeout — подтверждение регистрации не пришло вовремя.
func ErrRegistrationTimeout(timeout time.Duration) *Error {
	e := NewError(
		"REGISTRATION_TIMEOUT",
		fmt.Sprintf("регистрация не подтверждена за %v", timeout),
		ErrorCategoryRegistration,
		ErrorSeverityError,
	)
	e.Timeout = true
	e.Retryable = true
	return e
}

// ErrRegistrationRejected — сервер отклонил регистрацию.
func ErrRegistrationRejected(status int, reason string) *Error {
	e := NewError(
		"REGISTRATION_REJECTED",
		fmt.Sprintf("регистрация отклонена сервером: %d %s", status, reason),
		ErrorCategoryRegistration,
		ErrorSeverityError,
	)
	e.Status = status
	e.CauseText = reason
	return e
}

// ErrRegistrationInProgress — попытка регистрации при незавершённой
// предыдущей операции.
func ErrRegistrationInProgress() *Error {
	return NewError(
		"REGISTRATION_IN_PROGRESS",
		"операция регистрации уже выполняется",
		ErrorCategoryRegistration,
		ErrorSeverityWarning,
	)
}

// ErrUnregistrationTimeout — снятие регистрации не подтверждено; состояние
// принудительно сброшено. Используется как диагностика, не как отказ.
func ErrUnregistrationTimeout(timeout time.Duration) *Error {
	e := NewError(
		"UNREGISTRATION_TIMEOUT",
		fmt.Sprintf("снятие регистрации не подтверждено за %v, состояние сброшено принудительно", timeout),
		ErrorCategoryRegistration,
		ErrorSeverityWarning,
	)
	e.Timeout = true
	return e
}

// Ошибки вызовов

// ErrCallNotFound — вызов с таким идентификатором не существует.
func ErrCallNotFound(id string) *Error {
	return NewError(
		"CALL_NOT_FOUND",
		fmt.Sprintf("вызов %s не найден", id),
		ErrorCategoryCall,
		ErrorSeverityError,
	).WithField("call_id", id)
}

// ErrCallInvalidState — операция невозможна в текущем состоянии вызова.
func ErrCallInvalidState(id string, state CallState, operation string) *Error {
	return NewError(
		"CALL_INVALID_STATE",
		fmt.Sprintf("нельзя выполнить '%s' в состоянии %s", operation, state),
		ErrorCategoryCall,
		ErrorSeverityError,
	).WithField("call_id", id).WithField("state", state.String()).WithField("operation", operation)
}

// ErrCallOperationTimeout — подтверждение операции над вызовом не пришло.
func ErrCallOperationTimeout(id, operation string, timeout time.Duration) *Error {
	e := NewError(
		"CALL_OPERATION_TIMEOUT",
		fmt.Sprintf("операция '%s' не подтверждена за %v", operation, timeout),
		ErrorCategoryCall,
		ErrorSeverityError,
	).WithField("call_id", id).WithField("operation", operation)
	e.Timeout = true
	e.Retryable = true
	return e
}

// ErrCallRejected — транспорт или удалённая сторона отклонили вызов.
func ErrCallRejected(id string, cause string, status int) *Error {
	e := NewError(
		"CALL_REJECTED",
		fmt.Sprintf("вызов отклонён: %s", cause),
		ErrorCategoryCall,
		ErrorSeverityError,
	).WithField("call_id", id)
	e.CauseText = cause
	e.Status = status
	return e
}

// Ошибки конференций

// ErrConferenceNotFound — конференция не существует.
func ErrConferenceNotFound(id string) *Error {
	return NewError(
		"CONFERENCE_NOT_FOUND",
		fmt.Sprintf("конференция %s не найдена", id),
		ErrorCategoryConference,
		ErrorSeverityError,
	).WithField("conference_id", id)
}

// ErrConferenceExists — конференция с таким идентификатором уже есть.
func ErrConferenceExists(id string) *Error {
	return NewError(
		"CONFERENCE_EXISTS",
		fmt.Sprintf("конференция %s уже существует", id),
		ErrorCategoryConference,
		ErrorSeverityError,
	).WithField("conference_id", id)
}

// ErrParticipantNotFound — участник не найден в конференции.
func ErrParticipantNotFound(conferenceID, participantID string) *Error {
	return NewError(
		"PARTICIPANT_NOT_FOUND",
		fmt.Sprintf("участник %s не найден в конференции %s", participantID, conferenceID),
		ErrorCategoryConference,
		ErrorSeverityError,
	).WithField("conference_id", conferenceID).WithField("participant_id", participantID)
}

// ErrConferenceTooFewCalls — для создания конференции нужно минимум два
// существующих вызова.
func ErrConferenceTooFewCalls(got int) *Error {
	return NewError(
		"CONFERENCE_TOO_FEW_CALLS",
		fmt.Sprintf("для конференции нужно минимум 2 вызова, передано %d", got),
		ErrorCategoryConference,
		ErrorSeverityError,
	).WithField("calls", got)
}

// ErrConferenceFeatureDisabled — возможность выключена конфигурацией.
func ErrConferenceFeatureDisabled(feature string) *Error {
	return NewError(
		"CONFERENCE_FEATURE_DISABLED",
		fmt.Sprintf("возможность '%s' выключена конфигурацией", feature),
		ErrorCategoryConference,
		ErrorSeverityError,
	).WithField("feature", feature)
}

// ErrConferenceLocked — конференция закрыта для новых участников.
func ErrConferenceLocked(id string) *Error {
	return NewError(
		"CONFERENCE_LOCKED",
		fmt.Sprintf("конференция %s закрыта для новых участников", id),
		ErrorCategoryConference,
		ErrorSeverityError,
	).WithField("conference_id", id)
}

// ErrConferenceFull — достигнут предел числа участников.
func ErrConferenceFull(id string, max int) *Error {
	return NewError(
		"CONFERENCE_FULL",
		fmt.Sprintf("конференция %s достигла предела участников (%d)", id, max),
		ErrorCategoryConference,
		ErrorSeverityError,
	).WithField("conference_id", id).WithField("max_participants", max)
}

// Ошибки presence

// ErrPresenceAlreadySubscribed — подписка на URI уже существует.
func ErrPresenceAlreadySubscribed(uri string) *Error {
	return NewError(
		"PRESENCE_ALREADY_SUBSCRIBED",
		fmt.Sprintf("подписка на %s уже существует", uri),
		ErrorCategoryPresence,
		ErrorSeverityError,
	).WithField("uri", uri)
}

// ErrPresenceNotSubscribed — активной подписки на URI нет.
func ErrPresenceNotSubscribed(uri string) *Error {
	return NewError(
		"PRESENCE_NOT_SUBSCRIBED",
		fmt.Sprintf("активной подписки на %s нет", uri),
		ErrorCategoryPresence,
		ErrorSeverityError,
	).WithField("uri", uri)
}

// ErrPresenceRejected — сервер отклонил presence операцию.
func ErrPresenceRejected(operation string, status int, reason string) *Error {
	e := NewError(
		"PRESENCE_REJECTED",
		fmt.Sprintf("операция '%s' отклонена сервером: %d %s", operation, status, reason),
		ErrorCategoryPresence,
		ErrorSeverityError,
	).WithField("operation", operation)
	e.Status = status
	e.CauseText = reason
	return e
}

// ErrPresenceTimeout — ответ на presence операцию не пришёл вовремя.
func ErrPresenceTimeout(operation string, timeout time.Duration) *Error {
	e := NewError(
		"PRESENCE_TIMEOUT",
		fmt.Sprintf("ответ на '%s' не получен за %v", operation, timeout),
		ErrorCategoryPresence,
		ErrorSeverityError,
	).WithField("operation", operation)
	e.Timeout = true
	e.Retryable = true
	return e
}

// Транспортные ошибки

// ErrTransportFailure — синхронный отказ транспортной команды.
func ErrTransportFailure(operation string, cause error) *Error {
	e := NewError(
		"TRANSPORT_FAILURE",
		fmt.Sprintf("транспортная команда '%s' завершилась ошибкой", operation),
		ErrorCategoryTransport,
		ErrorSeverityError,
	).WithField("operation", operation)
	e.Retryable = true
	return e.WithCause(cause)
}

// Ошибки валидации

// ErrInvalidConfig — конфигурация не прошла проверку.
func ErrInvalidConfig(reason string) *Error {
	return NewError(
		"INVALID_CONFIG",
		fmt.Sprintf("некорректная конфигурация: %s", reason),
		ErrorCategoryValidation,
		ErrorSeverityCritical,
	)
}

// ErrInvalidArgument — аргумент операции не прошёл проверку.
func ErrInvalidArgument(name, reason string) *Error {
	return NewError(
		"INVALID_ARGUMENT",
		fmt.Sprintf("некорректный аргумент '%s': %s", name, reason),
		ErrorCategoryValidation,
		ErrorSeverityError,
	).WithField("argument", name)
}
