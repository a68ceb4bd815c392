package transport

import (
	"context"
)

// Transport — интерфейс SIP транспорта, потребляемый управляющим ядром.
//
// Транспорт владеет сетевым сокетом, разбором сообщений и сопоставлением
// транзакций. Ядро видит только команды и события. Все команды, кроме Call,
// асинхронны по результату: метод возвращает ошибку только при невозможности
// отправить команду, а исход приходит событием в Events().
type Transport interface {
	// Start запускает транспорт и начинает установление соединения.
	// Завершение сигнализируется событиями ConnectingEvent/ConnectedEvent/
	// DisconnectedEvent; сам вызов возвращается сразу после старта.
	Start(ctx context.Context) error

	// Stop останавливает транспорт и закрывает соединение.
	// Повторный вызов безопасен.
	Stop() error

	// IsConnected сообщает, открыт ли нижележащий сокет в данный момент.
	// Используется супервизором соединения как прямой зонд состояния,
	// когда транспорт не прислал подтверждающее событие.
	IsConnected() bool

	// Register отправляет запрос регистрации. Исход приходит событиями
	// RegisteredEvent / RegistrationFailedEvent.
	Register() error

	// Unregister отправляет запрос снятия регистрации. Исход приходит
	// событиями UnregisteredEvent / RegistrationFailedEvent.
	Unregister() error

	// Call инициирует исходящую сессию к target и возвращает её handle.
	// Handle валиден сразу; события сессии начинаются с ProgressEvent.
	Call(target string, opts CallOptions) (SessionHandle, error)

	// SendMessage отправляет внедиалоговое текстовое сообщение (MESSAGE).
	SendMessage(target string, body string, opts MessageOptions) error

	// SendRequest отправляет произвольный внедиалоговый запрос (PUBLISH,
	// SUBSCRIBE). Ответ доставляется в opts.OnResponse; если ответа нет,
	// колбэк не вызывается — таймаут контролирует вызывающая сторона.
	SendRequest(method string, target string, opts RequestOptions) error

	// Events возвращает единый упорядоченный канал событий транспорта.
	// Канал закрывается после полной остановки транспорта.
	Events() <-chan Event
}

// SessionHandle — команды и события одного сигнального диалога.
//
// Один handle соответствует одному плечу вызова. Команды синхронно
// возвращают ошибку отправки; подтверждения (там, где они определены
// протоколом) приходят событиями в Events().
type SessionHandle interface {
	// ID возвращает идентификатор диалога на стороне транспорта.
	ID() string

	// LocalURI возвращает локальный адрес диалога.
	LocalURI() string

	// RemoteURI возвращает адрес удалённой стороны.
	RemoteURI() string

	// RemoteDisplayName возвращает отображаемое имя удалённой стороны,
	// если оно было передано в сигнализации.
	RemoteDisplayName() string

	// Answer принимает входящую сессию. Подтверждение — ConfirmedEvent.
	Answer(opts AnswerOptions) error

	// Terminate завершает сессию в любом состоянии: CANCEL для неотвеченной
	// исходящей, отказ с кодом для входящей, BYE для подтверждённой.
	Terminate(opts TerminateOptions) error

	// Hold ставит сессию на удержание. Подтверждение — HoldEvent.
	Hold() error

	// Unhold снимает сессию с удержания. Подтверждение — UnholdEvent.
	Unhold() error

	// Mute отключает локальный медиапоток. Локальная операция,
	// подтверждающего события нет.
	Mute() error

	// Unmute включает локальный медиапоток обратно.
	Unmute() error

	// SendDTMF передаёт последовательность DTMF символов (0-9, *, #, A-D).
	SendDTMF(tones string, opts DTMFOptions) error

	// Renegotiate запускает пересогласование медиапараметров сессии.
	Renegotiate(opts RenegotiateOptions) error

	// Refer отправляет запрос перевода вызова на target.
	// Исход — ReferOutcomeEvent.
	Refer(target string, opts ReferOptions) error

	// Events возвращает упорядоченный канал событий сессии. Канал
	// закрывается после терминального события.
	Events() <-chan SessionEvent
}
