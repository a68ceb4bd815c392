package softphone

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/call_control/pkg/transport"
)

// Имена событий конечного автомата регистрации
const (
	regEventRegister     = "register"
	regEventRegistered   = "registered"
	regEventFail         = "fail"
	regEventUnregister   = "unregister"
	regEventUnregistered = "unregistered"
)

// regOutcome — исход незавершённой операции регистрации.
type regOutcome struct {
	ok         bool
	statusCode int
	reason     string
}

// RegistrationManager владеет жизненным циклом регистрации на сервере.
//
// Одновременно выполняется не более одной операции Registering либо
// Unregistering (single-flight): повторный Register при уже выполняющейся
// операции отклоняется сразу. Register при состоянии Registered — no-op.
type RegistrationManager struct {
	tr   transport.Transport
	conn *ConnectionSupervisor
	log  *slog.Logger
	sink EventSink
	mtx  *Metrics

	registerTimeout   time.Duration
	unregisterTimeout time.Duration

	mu       sync.RWMutex
	machine  *fsm.FSM
	inFlight bool
	pending  chan regOutcome

	expires time.Duration
}

// NewRegistrationManager создаёт менеджер регистрации.
func NewRegistrationManager(tr transport.Transport, conn *ConnectionSupervisor, cfg Config, sink EventSink, mtx *Metrics) *RegistrationManager {
	m := &RegistrationManager{
		tr:                tr,
		conn:              conn,
		log:               cfg.Logger.With("component", "registration"),
		sink:              sink,
		mtx:               mtx,
		registerTimeout:   cfg.RegistrationTimeout,
		unregisterTimeout: cfg.UnregistrationTimeout,
	}
	m.machine = fsm.NewFSM(
		RegistrationUnregistered.String(),
		fsm.Events{
			{Name: regEventRegister, Src: []string{RegistrationUnregistered.String(), RegistrationFailed.String()}, Dst: RegistrationRegistering.String()},
			{Name: regEventRegistered, Src: []string{RegistrationRegistering.String()}, Dst: RegistrationRegistered.String()},
			{Name: regEventFail, Src: []string{RegistrationRegistering.String(), RegistrationUnregistering.String(), RegistrationRegistered.String()}, Dst: RegistrationFailed.String()},
			{Name: regEventUnregister, Src: []string{RegistrationRegistered.String()}, Dst: RegistrationUnregistering.String()},
			{Name: regEventUnregistered, Src: []string{RegistrationUnregistering.String(), RegistrationRegistered.String(), RegistrationFailed.String()}, Dst: RegistrationUnregistered.String()},
		},
		fsm.Callbacks{},
	)
	return m
}

// State возвращает текущее состояние регистрации.
func (m *RegistrationManager) State() RegistrationState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateLocked()
}

func (m *RegistrationManager) stateLocked() RegistrationState {
	switch m.machine.Current() {
	case RegistrationRegistering.String():
		return RegistrationRegistering
	case RegistrationRegistered.String():
		return RegistrationRegistered
	case RegistrationUnregistering.String():
		return RegistrationUnregistering
	case RegistrationFailed.String():
		return RegistrationFailed
	default:
		return RegistrationUnregistered
	}
}

// IsRegistered сообщает, активна ли регистрация.
func (m *RegistrationManager) IsRegistered() bool {
	return m.State() == RegistrationRegistered
}

// Expires возвращает интервал, подтверждённый сервером при последней
// успешной регистрации.
func (m *RegistrationManager) Expires() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expires
}

// Register отправляет запрос регистрации и ждёт подтверждения сервера.
//
// No-op при состоянии Registered. Отклоняется, если соединение не
// установлено либо уже выполняется операция регистрации. Ограничен
// Config.RegistrationTimeout; по истечении состояние становится
// RegistrationFailed ровно один раз, guard освобождается через defer.
func (m *RegistrationManager) Register(ctx context.Context) error {
	m.mu.Lock()
	if m.stateLocked() == RegistrationRegistered {
		m.mu.Unlock()
		return nil
	}
	if !m.conn.IsConnected() {
		m.mu.Unlock()
		return ErrNotConnected("register")
	}
	if m.inFlight {
		m.mu.Unlock()
		return ErrRegistrationInProgress()
	}
	m.inFlight = true
	prev := m.stateLocked()
	_ = m.machine.Event(context.Background(), regEventRegister)
	outcome := make(chan regOutcome, 1)
	m.pending = outcome
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight = false
		m.pending = nil
		m.mu.Unlock()
	}()

	if m.mtx != nil {
		m.mtx.RegistrationAttempt()
	}

	if err := m.tr.Register(); err != nil {
		m.failRegistration(prev, 0, err.Error())
		return ErrTransportFailure("register", err)
	}

	timer := time.NewTimer(m.registerTimeout)
	defer timer.Stop()

	select {
	case out := <-outcome:
		if out.ok {
			return nil
		}
		return ErrRegistrationRejected(out.statusCode, out.reason)

	case <-timer.C:
		m.failRegistration(RegistrationRegistering, 0, "timeout")
		return ErrRegistrationTimeout(m.registerTimeout)

	case <-ctx.Done():
		m.failRegistration(RegistrationRegistering, 0, "context canceled")
		return ErrRegistrationTimeout(m.registerTimeout).WithCause(ctx.Err())
	}
}

// Unregister снимает регистрацию и ждёт подтверждения сервера.
//
// No-op при состоянии Unregistered. Ограничен
// Config.UnregistrationTimeout; не подтвердивший снятие транспорт приводит
// к принудительному Unregistered: метод возвращает nil, но диагностика
// выводится warn-логом и advisory событием registration.forcedUnregistered.
func (m *RegistrationManager) Unregister(ctx context.Context) error {
	m.mu.Lock()
	st := m.stateLocked()
	if st == RegistrationUnregistered {
		m.mu.Unlock()
		return nil
	}
	if m.inFlight {
		m.mu.Unlock()
		return ErrRegistrationInProgress()
	}
	if st != RegistrationRegistered {
		m.mu.Unlock()
		return ErrRegistrationInProgress().WithField("state", st.String())
	}
	m.inFlight = true
	_ = m.machine.Event(context.Background(), regEventUnregister)
	outcome := make(chan regOutcome, 1)
	m.pending = outcome
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight = false
		m.pending = nil
		m.mu.Unlock()
	}()

	if err := m.tr.Unregister(); err != nil {
		m.forceUnregistered("transport error: " + err.Error())
		return nil
	}

	timer := time.NewTimer(m.unregisterTimeout)
	defer timer.Stop()

	select {
	case <-outcome:
		return nil

	case <-timer.C:
		m.forceUnregistered("timeout")
		return nil

	case <-ctx.Done():
		m.forceUnregistered("context canceled")
		return nil
	}
}

// HandleRegistered применяет подтверждение регистрации от транспорта.
func (m *RegistrationManager) HandleRegistered(ev transport.RegisteredEvent) {
	m.mu.Lock()
	prev := m.stateLocked()
	if prev != RegistrationRegistering {
		// Поздний или повторный ответ — состояние не трогаем
		m.mu.Unlock()
		m.log.Debug("подтверждение регистрации вне операции", "state", prev.String())
		return
	}
	_ = m.machine.Event(context.Background(), regEventRegistered)
	m.expires = ev.Expires
	pending := m.pending
	m.mu.Unlock()

	if m.mtx != nil {
		m.mtx.RegistrationStateChanged(RegistrationRegistered.String())
	}
	m.emitRegistration(EventRegistrationRegistered, prev, 0, "", ev.Expires)
	m.log.Info("регистрация подтверждена", "expires", ev.Expires)

	if pending != nil {
		select {
		case pending <- regOutcome{ok: true}:
		default:
		}
	}
}

// HandleUnregistered применяет подтверждение снятия регистрации.
func (m *RegistrationManager) HandleUnregistered(ev transport.UnregisteredEvent) {
	m.mu.Lock()
	prev := m.stateLocked()
	if prev == RegistrationUnregistered {
		m.mu.Unlock()
		return
	}
	_ = m.machine.Event(context.Background(), regEventUnregistered)
	m.expires = 0
	pending := m.pending
	m.mu.Unlock()

	if m.mtx != nil {
		m.mtx.RegistrationStateChanged(RegistrationUnregistered.String())
	}
	m.emitRegistration(EventRegistrationUnregistered, prev, 0, string(ev.Cause), 0)
	m.log.Info("регистрация снята", "cause", ev.Cause)

	if pending != nil {
		select {
		case pending <- regOutcome{ok: true}:
		default:
		}
	}
}

// HandleRegistrationFailed применяет отказ регистрации от сервера.
func (m *RegistrationManager) HandleRegistrationFailed(ev transport.RegistrationFailedEvent) {
	m.mu.Lock()
	prev := m.stateLocked()
	pending := m.pending
	m.mu.Unlock()

	switch prev {
	case RegistrationRegistering, RegistrationUnregistering, RegistrationRegistered:
		m.failRegistration(prev, ev.StatusCode, ev.Reason)
	default:
		m.log.Debug("отказ регистрации вне операции", "status", ev.StatusCode)
		return
	}

	if pending != nil {
		select {
		case pending <- regOutcome{ok: false, statusCode: ev.StatusCode, reason: ev.Reason}:
		default:
		}
	}
}

// HandleExpiring пересылает предупреждение о скором истечении регистрации.
// Состояние не меняется: решение о перерегистрации за вызывающей стороной.
func (m *RegistrationManager) HandleExpiring() {
	m.emitRegistration(EventRegistrationExpiring, m.State(), 0, "", m.Expires())
	m.log.Info("срок регистрации подходит к концу")
}

// failRegistration переводит состояние в RegistrationFailed ровно один раз.
func (m *RegistrationManager) failRegistration(prev RegistrationState, status int, reason string) {
	m.mu.Lock()
	if m.stateLocked() == RegistrationFailed {
		m.mu.Unlock()
		return
	}
	_ = m.machine.Event(context.Background(), regEventFail)
	m.mu.Unlock()

	if m.mtx != nil {
		m.mtx.RegistrationStateChanged(RegistrationFailed.String())
	}
	m.emitRegistration(EventRegistrationFailed, prev, status, reason, 0)
	m.log.Error("регистрация не состоялась", "status", status, "reason", reason)
}

// forceUnregistered принудительно сбрасывает состояние в Unregistered
// с выводом диагностики.
func (m *RegistrationManager) forceUnregistered(reason string) {
	m.mu.Lock()
	prev := m.stateLocked()
	_ = m.machine.Event(context.Background(), regEventUnregistered)
	m.expires = 0
	m.mu.Unlock()

	if m.mtx != nil {
		m.mtx.RegistrationStateChanged(RegistrationUnregistered.String())
	}
	m.log.Warn("снятие регистрации не подтверждено, состояние сброшено принудительно", "reason", reason)
	m.emitRegistration(EventRegistrationForcedUnregistered, prev, 0, reason, 0)
}

func (m *RegistrationManager) emitRegistration(t EventType, prev RegistrationState, status int, reason string, expires time.Duration) {
	m.sink.Emit(newEvent(t, RegistrationPayload{
		State:      m.State(),
		PrevState:  prev,
		StatusCode: status,
		Reason:     reason,
		Expires:    expires,
	}))
}
