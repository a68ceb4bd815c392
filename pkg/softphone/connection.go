package softphone

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/call_control/pkg/transport"
)

// Имена событий конечного автомата соединения
const (
	connEventConnecting = "connecting"
	connEventConnected  = "connected"
	connEventDisconnect = "disconnect"
	connEventFail       = "fail"
)

// ConnectionSupervisor владеет жизненным циклом соединения с транспортом.
//
// Единственный владелец транспортного handle на уровне ядра: только он
// вызывает Start/Stop транспорта. События connected/disconnected
// публикуются не чаще одного раза на фактический переход: перед эмиссией
// состояние сравнивается с текущим.
type ConnectionSupervisor struct {
	tr   transport.Transport
	log  *slog.Logger
	sink EventSink
	mtx  *Metrics

	timeout time.Duration

	mu      sync.RWMutex
	machine *fsm.FSM
	stopped bool

	// Каналы ожидания текущего Start. Пересоздаются на каждую попытку.
	waitConnected chan struct{}
	waitFailed    chan string
}

// NewConnectionSupervisor создаёт супервизор соединения.
func NewConnectionSupervisor(tr transport.Transport, cfg Config, sink EventSink, mtx *Metrics) *ConnectionSupervisor {
	s := &ConnectionSupervisor{
		tr:      tr,
		log:     cfg.Logger.With("component", "connection"),
		sink:    sink,
		mtx:     mtx,
		timeout: cfg.ConnectionTimeout,
	}
	s.machine = fsm.NewFSM(
		ConnectionDisconnected.String(),
		fsm.Events{
			{Name: connEventConnecting, Src: []string{ConnectionDisconnected.String(), ConnectionFailed.String()}, Dst: ConnectionConnecting.String()},
			{Name: connEventConnected, Src: []string{ConnectionConnecting.String(), ConnectionDisconnected.String()}, Dst: ConnectionConnected.String()},
			{Name: connEventDisconnect, Src: []string{ConnectionConnecting.String(), ConnectionConnected.String(), ConnectionFailed.String()}, Dst: ConnectionDisconnected.String()},
			{Name: connEventFail, Src: []string{ConnectionConnecting.String(), ConnectionConnected.String()}, Dst: ConnectionFailed.String()},
		},
		fsm.Callbacks{},
	)
	return s
}

// State возвращает текущее состояние соединения.
func (s *ConnectionSupervisor) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

func (s *ConnectionSupervisor) stateLocked() ConnectionState {
	switch s.machine.Current() {
	case ConnectionConnecting.String():
		return ConnectionConnecting
	case ConnectionConnected.String():
		return ConnectionConnected
	case ConnectionFailed.String():
		return ConnectionFailed
	default:
		return ConnectionDisconnected
	}
}

// IsConnected сообщает, установлено ли соединение.
func (s *ConnectionSupervisor) IsConnected() bool {
	return s.State() == ConnectionConnected
}

// Start запускает транспорт и блокируется до установления соединения,
// отмены контекста или таймаута.
//
// Fallback по таймауту: транспорт с открытым сокетом (IsConnected), не
// приславший подтверждающее событие, считается соединённым — поведение
// задокументировано как мера живучести и логируется на уровне warn,
// поскольку может маскировать действительно зависший транспорт. Явный
// разрыв, пришедший во время ожидания, — всегда жёсткий отказ, fallback
// его не поглощает.
func (s *ConnectionSupervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stateLocked() == ConnectionConnected {
		s.mu.Unlock()
		return nil
	}
	s.stopped = false
	prev := s.stateLocked()
	_ = s.machine.Event(context.Background(), connEventConnecting)
	connected := make(chan struct{})
	failed := make(chan string, 1)
	s.waitConnected = connected
	s.waitFailed = failed
	s.mu.Unlock()

	s.emitConnection(EventConnectionConnecting, prev, 1, "")

	if err := s.tr.Start(ctx); err != nil {
		s.toFailed(err.Error())
		return ErrConnectionFailed("transport start", err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case <-connected:
		return nil

	case reason := <-failed:
		return ErrConnectionFailed(reason, nil)

	case <-ctx.Done():
		s.toFailed("context canceled")
		return ErrConnectionTimeout(s.timeout).WithCause(ctx.Err())

	case <-timer.C:
		// Открытый, но молчащий транспорт считаем соединённым
		if s.tr.IsConnected() {
			s.log.Warn("транспорт не подтвердил соединение за отведённое время, сокет открыт — считаем соединённым",
				"timeout", s.timeout)
			s.HandleConnected()
			return nil
		}
		s.toFailed("connection timeout")
		return ErrConnectionTimeout(s.timeout)
	}
}

// Stop останавливает транспорт и принудительно переводит состояние в
// Disconnected. Повторные вызовы — no-op.
func (s *ConnectionSupervisor) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	prev := s.stateLocked()
	_ = s.machine.Event(context.Background(), connEventDisconnect)
	s.mu.Unlock()

	err := s.tr.Stop()
	if prev != ConnectionDisconnected {
		s.emitConnection(EventConnectionDisconnected, prev, 0, "stopped")
	}
	if err != nil {
		return ErrTransportFailure("stop", err)
	}
	return nil
}

// HandleConnecting применяет событие транспорта о новой попытке соединения.
func (s *ConnectionSupervisor) HandleConnecting(ev transport.ConnectingEvent) {
	s.mu.Lock()
	prev := s.stateLocked()
	if prev == ConnectionConnecting {
		s.mu.Unlock()
		return
	}
	_ = s.machine.Event(context.Background(), connEventConnecting)
	s.mu.Unlock()

	s.emitConnection(EventConnectionConnecting, prev, ev.Attempt, "")
}

// HandleConnected применяет подтверждение соединения. Повторное
// подтверждение в состоянии Connected не эмитит событие.
func (s *ConnectionSupervisor) HandleConnected() {
	s.mu.Lock()
	prev := s.stateLocked()
	if prev == ConnectionConnected {
		s.mu.Unlock()
		return
	}
	_ = s.machine.Event(context.Background(), connEventConnected)
	waiter := s.waitConnected
	s.mu.Unlock()

	if s.mtx != nil {
		s.mtx.ConnectionStateChanged(ConnectionConnected.String())
	}
	s.emitConnection(EventConnectionConnected, prev, 0, "")
	s.log.Info("соединение установлено")
	if waiter != nil {
		select {
		case <-waiter:
		default:
			close(waiter)
		}
	}
}

// HandleDisconnected применяет разрыв соединения.
func (s *ConnectionSupervisor) HandleDisconnected(ev transport.DisconnectedEvent) {
	s.mu.Lock()
	prev := s.stateLocked()
	if prev == ConnectionDisconnected {
		s.mu.Unlock()
		return
	}
	_ = s.machine.Event(context.Background(), connEventDisconnect)
	failed := s.waitFailed
	s.mu.Unlock()

	reason := ev.Reason
	if reason == "" && ev.Err != nil {
		reason = ev.Err.Error()
	}
	if s.mtx != nil {
		s.mtx.ConnectionStateChanged(ConnectionDisconnected.String())
	}
	s.emitConnection(EventConnectionDisconnected, prev, 0, reason)
	s.log.Warn("соединение разорвано", "reason", reason, "code", ev.Code)

	// Разрыв во время ожидания Start — жёсткий отказ
	if failed != nil {
		select {
		case failed <- reason:
		default:
		}
	}
}

// toFailed переводит состояние в ConnectionFailed с эмиссией события.
func (s *ConnectionSupervisor) toFailed(reason string) {
	s.mu.Lock()
	prev := s.stateLocked()
	_ = s.machine.Event(context.Background(), connEventFail)
	s.mu.Unlock()

	if s.mtx != nil {
		s.mtx.ConnectionStateChanged(ConnectionFailed.String())
	}
	s.emitConnection(EventConnectionFailed, prev, 0, reason)
	s.log.Error("соединение не установлено", "reason", reason)
}

func (s *ConnectionSupervisor) emitConnection(t EventType, prev ConnectionState, attempt int, reason string) {
	s.sink.Emit(newEvent(t, ConnectionPayload{
		State:     s.State(),
		PrevState: prev,
		Attempt:   attempt,
		Reason:    reason,
	}))
}
