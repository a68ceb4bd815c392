package mockTransport

import (
	"context"
	"fmt"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/call_control/pkg/transport"
)

// RecordedRequest — зафиксированный вызов SendRequest.
type RecordedRequest struct {
	Method       string
	Target       string
	Body         string
	ContentType  string
	ExtraHeaders []string
}

// Header возвращает значение дополнительного заголовка запроса или пустую
// строку. Сравнение имени регистронезависимое.
func (r RecordedRequest) Header(name string) string {
	want := textproto.CanonicalMIMEHeaderKey(name)
	for _, h := range r.ExtraHeaders {
		n, v, ok := strings.Cut(h, ":")
		if !ok {
			continue
		}
		if textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(n)) == want {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// RecordedMessage — зафиксированный вызов SendMessage.
type RecordedMessage struct {
	Target      string
	Body        string
	ContentType string
}

// RequestHandler формирует ответ на внедиалоговый запрос.
// Возврат nil означает "ответа не будет" (проверка таймаутов).
type RequestHandler func(method, target string, opts transport.RequestOptions) *transport.Response

// MockTransport — управляемый из теста транспорт.
//
// Ручки поведения (выставляются до вызова соответствующей операции):
//
//	AutoConnect     Start эмитит ConnectingEvent и ConnectedEvent (вкл. по умолчанию в New)
//	SilentOpen      Start открывает "сокет" (IsConnected=true), но событий не шлёт
//	AutoRegister    Register эмитит RegisteredEvent (вкл. по умолчанию в New)
//	RegisterStatus  код отказа регистрации; >=300 даёт RegistrationFailedEvent
//	DropRegister    Register не отвечает вовсе
//	DropUnregister  Unregister не отвечает вовсе
//	AutoConfirm     созданные через Call сессии немедленно проходят
//	                progress → accepted → confirmed
//	CallErr         Call возвращает эту ошибку
//	MessageErr      SendMessage возвращает эту ошибку
//	RequestErr      SendRequest возвращает эту ошибку
//	DropRequests    SendRequest не вызывает OnResponse
type MockTransport struct {
	mu sync.RWMutex

	AutoConnect    bool
	SilentOpen     bool
	AutoRegister   bool
	RegisterStatus int
	DropRegister   bool
	DropUnregister bool
	AutoConfirm    bool
	CallErr        error
	MessageErr     error
	RequestErr     error
	DropRequests   bool

	running   bool
	connected bool
	events    chan transport.Event
	closed    chan struct{}
	closeOnce sync.Once

	registerCalls   int32
	unregisterCalls int32
	startCalls      int32
	stopCalls       int32

	sessions []*MockSession
	requests []RecordedRequest
	messages []RecordedMessage

	requestHandlers map[string]RequestHandler

	sessionSeq int32
}

// Проверяем, что MockTransport реализует transport.Transport
var _ transport.Transport = (*MockTransport)(nil)

// New создаёт мок в режиме исправного транспорта: соединение, регистрация
// и завершение сессий подтверждаются автоматически.
func New() *MockTransport {
	m := NewSilent()
	m.AutoConnect = true
	m.AutoRegister = true
	return m
}

// NewSilent создаёт мок, который ничего не подтверждает сам: каждый ответ
// эмитится тестом вручную через Emit и методы MockSession.
func NewSilent() *MockTransport {
	return &MockTransport{
		events:          make(chan transport.Event, 64),
		closed:          make(chan struct{}),
		requestHandlers: make(map[string]RequestHandler),
	}
}

// Start помечает транспорт запущенным и, в зависимости от ручек, эмитит
// события соединения.
func (m *MockTransport) Start(ctx context.Context) error {
	atomic.AddInt32(&m.startCalls, 1)

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("transport already started")
	}
	m.running = true
	autoConnect := m.AutoConnect
	silentOpen := m.SilentOpen
	if autoConnect || silentOpen {
		m.connected = true
	}
	m.mu.Unlock()

	if autoConnect {
		m.Emit(transport.ConnectingEvent{Attempt: 1})
		m.Emit(transport.ConnectedEvent{})
	}
	return nil
}

// Stop закрывает "сокет" и эмитит DisconnectedEvent, если соединение было
// открыто. Повторные вызовы безопасны.
func (m *MockTransport) Stop() error {
	atomic.AddInt32(&m.stopCalls, 1)

	m.mu.Lock()
	wasConnected := m.connected
	m.running = false
	m.connected = false
	m.mu.Unlock()

	if wasConnected {
		m.Emit(transport.DisconnectedEvent{Reason: "transport stopped"})
	}
	m.closeOnce.Do(func() {
		close(m.closed)
		close(m.events)
	})
	return nil
}

// IsConnected сообщает состояние "сокета".
func (m *MockTransport) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// SetConnected выставляет состояние "сокета" напрямую, без событий.
func (m *MockTransport) SetConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

// Register фиксирует команду и отвечает согласно ручкам.
func (m *MockTransport) Register() error {
	atomic.AddInt32(&m.registerCalls, 1)

	m.mu.RLock()
	drop := m.DropRegister
	status := m.RegisterStatus
	auto := m.AutoRegister
	m.mu.RUnlock()

	switch {
	case drop:
	case status >= 300:
		m.Emit(transport.RegistrationFailedEvent{
			StatusCode: status,
			Reason:     "rejected",
			Cause:      transport.CauseRejected,
		})
	case auto:
		m.Emit(transport.RegisteredEvent{Expires: 300 * time.Second})
	}
	return nil
}

// Unregister фиксирует команду и отвечает согласно ручкам.
func (m *MockTransport) Unregister() error {
	atomic.AddInt32(&m.unregisterCalls, 1)

	m.mu.RLock()
	drop := m.DropUnregister
	m.mu.RUnlock()

	if !drop {
		m.Emit(transport.UnregisteredEvent{Cause: transport.CauseBye})
	}
	return nil
}

// Call создаёт новую исходящую MockSession.
func (m *MockTransport) Call(target string, opts transport.CallOptions) (transport.SessionHandle, error) {
	m.mu.Lock()
	if m.CallErr != nil {
		err := m.CallErr
		m.mu.Unlock()
		return nil, err
	}
	seq := atomic.AddInt32(&m.sessionSeq, 1)
	s := newMockSession(fmt.Sprintf("mock-session-%d", seq), target, transport.OriginatorLocal)
	s.CallOpts = opts
	m.sessions = append(m.sessions, s)
	autoConfirm := m.AutoConfirm
	m.mu.Unlock()

	if autoConfirm {
		s.EmitProgress(180, false)
		s.EmitAccepted(200)
		s.EmitConfirmed()
	}
	return s, nil
}

// IncomingSession создаёт входящую сессию и эмитит NewSessionEvent от
// удалённой стороны.
func (m *MockTransport) IncomingSession(from string) *MockSession {
	seq := atomic.AddInt32(&m.sessionSeq, 1)
	s := newMockSession(fmt.Sprintf("mock-session-%d", seq), from, transport.OriginatorRemote)

	m.mu.Lock()
	m.sessions = append(m.sessions, s)
	m.mu.Unlock()

	m.Emit(transport.NewSessionEvent{Originator: transport.OriginatorRemote, Handle: s})
	return s
}

// SendMessage фиксирует сообщение.
func (m *MockTransport) SendMessage(target string, body string, opts transport.MessageOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.MessageErr != nil {
		return m.MessageErr
	}
	ct := opts.ContentType
	if ct == "" {
		ct = "text/plain"
	}
	m.messages = append(m.messages, RecordedMessage{Target: target, Body: body, ContentType: ct})
	return nil
}

// SendRequest фиксирует запрос и отвечает обработчиком метода либо
// ответом по умолчанию (200 OK, для PUBLISH — со свежим SIP-ETag).
func (m *MockTransport) SendRequest(method string, target string, opts transport.RequestOptions) error {
	m.mu.Lock()
	if m.RequestErr != nil {
		err := m.RequestErr
		m.mu.Unlock()
		return err
	}
	m.requests = append(m.requests, RecordedRequest{
		Method:       method,
		Target:       target,
		Body:         opts.Body,
		ContentType:  opts.ContentType,
		ExtraHeaders: append([]string(nil), opts.ExtraHeaders...),
	})
	handler := m.requestHandlers[method]
	drop := m.DropRequests
	m.mu.Unlock()

	if drop || opts.OnResponse == nil {
		return nil
	}

	var resp *transport.Response
	if handler != nil {
		resp = handler(method, target, opts)
	} else {
		resp = defaultResponse(method)
	}
	if resp != nil {
		opts.OnResponse(resp)
	}
	return nil
}

func defaultResponse(method string) *transport.Response {
	headers := textproto.MIMEHeader{}
	switch method {
	case "PUBLISH":
		headers.Set("SIP-ETag", uuid.NewString())
		headers.Set("Expires", "3600")
	case "SUBSCRIBE":
		headers.Set("Expires", "3600")
	}
	return &transport.Response{StatusCode: 200, Reason: "OK", Headers: headers}
}

// SetRequestHandler назначает обработчик ответов для метода (PUBLISH,
// SUBSCRIBE и т.д.).
func (m *MockTransport) SetRequestHandler(method string, h RequestHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestHandlers[method] = h
}

// Events возвращает канал событий транспорта.
func (m *MockTransport) Events() <-chan transport.Event {
	return m.events
}

// Emit публикует событие в канал транспорта. После Stop событие молча
// отбрасывается.
func (m *MockTransport) Emit(ev transport.Event) {
	select {
	case <-m.closed:
		return
	default:
	}
	select {
	case m.events <- ev:
	case <-m.closed:
	}
}

// RegisterCalls возвращает число вызовов Register.
func (m *MockTransport) RegisterCalls() int {
	return int(atomic.LoadInt32(&m.registerCalls))
}

// UnregisterCalls возвращает число вызовов Unregister.
func (m *MockTransport) UnregisterCalls() int {
	return int(atomic.LoadInt32(&m.unregisterCalls))
}

// StopCalls возвращает число вызовов Stop.
func (m *MockTransport) StopCalls() int {
	return int(atomic.LoadInt32(&m.stopCalls))
}

// Sessions возвращает снимок всех созданных сессий (исходящих и входящих).
func (m *MockTransport) Sessions() []*MockSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*MockSession(nil), m.sessions...)
}

// Requests возвращает снимок зафиксированных внедиалоговых запросов.
func (m *MockTransport) Requests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// RequestsByMethod возвращает зафиксированные запросы одного метода.
func (m *MockTransport) RequestsByMethod(method string) []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []RecordedRequest
	for _, r := range m.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// Messages возвращает снимок зафиксированных сообщений.
func (m *MockTransport) Messages() []RecordedMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RecordedMessage(nil), m.messages...)
}
