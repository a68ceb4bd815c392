package siptransport

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"
)

// Значения по умолчанию для незаполненных полей Config.
const (
	DefaultListenAddr     = "0.0.0.0:5060"
	DefaultUserAgent      = "call-control/1.0"
	DefaultRegisterExpiry = time.Hour
	DefaultMediaPortMin   = 10000
	DefaultMediaPortMax   = 20000

	// DefaultDSCP — Expedited Forwarding, стандартная маркировка голоса.
	DefaultDSCP = 46

	// requestTimeout — предел ожидания финального ответа на внедиалоговые
	// запросы (REGISTER, MESSAGE, BYE). Соответствует Timer B из RFC 3261.
	requestTimeout = 32 * time.Second
)

// Config — параметры SIP транспорта.
type Config struct {
	// URI — локальная идентичность (sip:alice@example.com). Обязательное поле.
	URI string

	// DisplayName — отображаемое имя в заголовке From.
	DisplayName string

	// ListenAddr — адрес прослушивания UDP сокета (host:port).
	// По умолчанию 0.0.0.0:5060.
	ListenAddr string

	// ServerAddr — адрес регистратора/исходящего прокси (host или host:port).
	// Пустое значение — домен из URI.
	ServerAddr string

	// UserAgent — значение заголовка User-Agent.
	UserAgent string

	// RegisterExpiry — запрашиваемый срок регистрации. По умолчанию час.
	RegisterExpiry time.Duration

	// MediaPortMin, MediaPortMax — диапазон UDP портов для медиа.
	MediaPortMin int
	MediaPortMax int

	// EnableDTLS включает DTLS обёртку медиапотока.
	EnableDTLS bool

	// DSCP — маркировка QoS медиапакетов. По умолчанию 46 (EF).
	DSCP int

	// Logger — приёмник структурированных логов. nil — slog.Default().
	Logger *slog.Logger
}

// Validate проверяет конфигурацию и сообщает о первой найденной проблеме.
func (c *Config) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("siptransport: URI обязателен")
	}
	var uri sip.Uri
	if err := sip.ParseUri(c.URI, &uri); err != nil {
		return fmt.Errorf("siptransport: некорректный URI %q: %w", c.URI, err)
	}
	if uri.User == "" || uri.Host == "" {
		return fmt.Errorf("siptransport: URI %q должен содержать пользователя и домен", c.URI)
	}
	if c.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
			return fmt.Errorf("siptransport: некорректный ListenAddr %q: %w", c.ListenAddr, err)
		}
	}
	if c.RegisterExpiry < 0 {
		return fmt.Errorf("siptransport: отрицательный RegisterExpiry")
	}
	if c.MediaPortMin != 0 || c.MediaPortMax != 0 {
		if c.MediaPortMin <= 0 || c.MediaPortMax < c.MediaPortMin {
			return fmt.Errorf("siptransport: некорректный диапазон медиапортов [%d, %d]",
				c.MediaPortMin, c.MediaPortMax)
		}
	}
	return nil
}

// normalized возвращает копию конфигурации с подставленными значениями
// по умолчанию.
func (c Config) normalized() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.RegisterExpiry == 0 {
		c.RegisterExpiry = DefaultRegisterExpiry
	}
	if c.MediaPortMin == 0 {
		c.MediaPortMin = DefaultMediaPortMin
	}
	if c.MediaPortMax == 0 {
		c.MediaPortMax = DefaultMediaPortMax
	}
	if c.DSCP == 0 {
		c.DSCP = DefaultDSCP
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// serverURI возвращает адрес регистратора как SIP URI.
func (c *Config) serverURI(local sip.Uri) sip.Uri {
	uri := sip.Uri{Scheme: "sip", Host: local.Host}
	if c.ServerAddr == "" {
		return uri
	}
	host, portStr, err := net.SplitHostPort(c.ServerAddr)
	if err != nil {
		uri.Host = c.ServerAddr
		return uri
	}
	uri.Host = host
	if port, err := strconv.Atoi(portStr); err == nil {
		uri.Port = port
	}
	return uri
}

// listenHostPort разбирает ListenAddr на хост и порт. Конфигурация
// предварительно валидирована, ошибки разбора здесь не возникают.
func (c *Config) listenHostPort() (string, int) {
	host, portStr, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return "0.0.0.0", 5060
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
