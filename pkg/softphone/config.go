package softphone

import (
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Таймауты операций по умолчанию
const (
	// DefaultConnectionTimeout — ожидание установления соединения.
	DefaultConnectionTimeout = 10 * time.Second

	// DefaultRegistrationTimeout — ожидание подтверждения регистрации.
	DefaultRegistrationTimeout = 30 * time.Second

	// DefaultUnregistrationTimeout — ожидание подтверждения снятия
	// регистрации, после него состояние сбрасывается принудительно.
	DefaultUnregistrationTimeout = 10 * time.Second

	// DefaultOperationTimeout — ожидание подтверждения операции над
	// вызовом (answer, hold, unhold, transfer).
	DefaultOperationTimeout = 10 * time.Second

	// DefaultInviteTimeout — guard инициации исходящего вызова: если за
	// это время не пришло ни одного события сессии, попытка снимается.
	// Соответствует таймауту INVITE транзакции (64*T1).
	DefaultInviteTimeout = 32 * time.Second

	// DefaultRegisterExpiry — желаемый интервал регистрации.
	DefaultRegisterExpiry = 600 * time.Second

	// DefaultMaxConferenceParticipants — предел участников конференции,
	// включая собственного.
	DefaultMaxConferenceParticipants = 10
)

// Config — конфигурация Phone.
//
// Простое неизменяемое значение: Phone копирует его при создании и больше
// никогда не читает внешний экземпляр, поэтому обёртки реактивности и
// конкурентные правки со стороны приложения ядра не касаются.
type Config struct {
	// URI — собственный SIP адрес, например "sip:alice@example.com".
	// Единственное обязательное поле.
	URI string

	// DisplayName — отображаемое имя для исходящей сигнализации.
	DisplayName string

	// UserAgent — значение заголовка User-Agent.
	UserAgent string

	// RegisterExpiry — желаемый интервал регистрации.
	RegisterExpiry time.Duration

	// Таймауты. Нулевое значение означает соответствующий Default*.
	ConnectionTimeout     time.Duration
	RegistrationTimeout   time.Duration
	UnregistrationTimeout time.Duration
	OperationTimeout      time.Duration
	InviteTimeout         time.Duration

	// MaxConferenceParticipants — предел участников конференции, включая
	// собственного. Нулевое значение — DefaultMaxConferenceParticipants.
	MaxConferenceParticipants int

	// DisableRecording выключает операции записи конференции.
	DisableRecording bool

	// Logger — приёмник структурированных логов. nil — slog.Default().
	Logger *slog.Logger

	// Registerer — реестр метрик. nil — собственный изолированный реестр.
	Registerer prometheus.Registerer
}

// DefaultConfig возвращает конфигурацию со значениями по умолчанию.
// URI необходимо заполнить.
func DefaultConfig() Config {
	return Config{
		UserAgent:                 "CallControl/1.0",
		RegisterExpiry:            DefaultRegisterExpiry,
		ConnectionTimeout:         DefaultConnectionTimeout,
		RegistrationTimeout:       DefaultRegistrationTimeout,
		UnregistrationTimeout:     DefaultUnregistrationTimeout,
		OperationTimeout:          DefaultOperationTimeout,
		InviteTimeout:             DefaultInviteTimeout,
		MaxConferenceParticipants: DefaultMaxConferenceParticipants,
	}
}

// Validate проверяет обязательные поля конфигурации.
func (c Config) Validate() error {
	if strings.TrimSpace(c.URI) == "" {
		return ErrInvalidConfig("URI не задан")
	}
	if !strings.Contains(c.URI, "@") {
		return ErrInvalidConfig("URI должен иметь вид sip:user@host")
	}
	return nil
}

// normalized возвращает копию конфигурации с заполненными значениями
// по умолчанию.
func (c Config) normalized() Config {
	if c.UserAgent == "" {
		c.UserAgent = "CallControl/1.0"
	}
	if c.RegisterExpiry <= 0 {
		c.RegisterExpiry = DefaultRegisterExpiry
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.RegistrationTimeout <= 0 {
		c.RegistrationTimeout = DefaultRegistrationTimeout
	}
	if c.UnregistrationTimeout <= 0 {
		c.UnregistrationTimeout = DefaultUnregistrationTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.InviteTimeout <= 0 {
		c.InviteTimeout = DefaultInviteTimeout
	}
	if c.MaxConferenceParticipants <= 0 {
		c.MaxConferenceParticipants = DefaultMaxConferenceParticipants
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
