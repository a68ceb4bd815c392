package softphone

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/call_control/pkg/transport"
)

// Имена событий конечного автомата вызова
const (
	callEventCalling     = "calling"
	callEventProgress    = "progress"
	callEventEarlyMedia  = "earlyMedia"
	callEventAccepted    = "accepted"
	callEventConfirmed   = "confirmed"
	callEventTerminating = "terminating"
	callEventTerminated  = "terminated"
)

// Имена незавершённых операций вызова
const (
	opAnswer = "answer"
	opHold   = "hold"
	opUnhold = "unhold"
	opRefer  = "refer"
	opHangup = "hangup"
)

// StateListener — подписчик на смену состояния вызова.
type StateListener func(from, to CallState)

// Call — один вызов: конечный автомат поверх транспортного handle.
//
// Переходы состояния выполняются только в ответ на события сессии
// (applySessionEvent) и команду Hangup. Приложение управляет вызовом
// методами Answer/Hangup/Hold/Unhold/Mute/Unmute/SendDTMF/Transfer/
// Renegotiate: каждый метод отправляет команду транспорту и, если протокол
// определяет подтверждающее событие, ждёт его ограниченное время.
//
// КРИТИЧНО: guard незавершённой операции снимается через defer на всех
// путях, включая таймаут — вызов не может навсегда застрять "в полёте".
type Call struct {
	id        string
	direction CallDirection
	createdAt time.Time

	handle transport.SessionHandle
	log    *slog.Logger
	sink   EventSink
	mtx    *Metrics

	opTimeout time.Duration

	mu           sync.RWMutex
	machine      *fsm.FSM
	localURI     string
	remoteURI    string
	remoteName   string
	onHold       bool
	muted        bool
	endedAt      time.Time
	endCause     string
	pending      map[string]bool
	waiters      map[string]chan error
	listeners    map[uint64]StateListener
	nextListener uint64

	// onTerminal выставляется Directory: удаление записи из реестра.
	onTerminal func(*Call)

	done     chan struct{}
	doneOnce sync.Once
}

func newCall(id string, direction CallDirection, log *slog.Logger, sink EventSink, mtx *Metrics, opTimeout time.Duration) *Call {
	c := &Call{
		id:        id,
		direction: direction,
		createdAt: time.Now(),
		log:       log.With("call_id", id),
		sink:      sink,
		mtx:       mtx,
		opTimeout: opTimeout,
		pending:   make(map[string]bool),
		waiters:   make(map[string]chan error),
		listeners: make(map[uint64]StateListener),
		done:      make(chan struct{}),
	}
	c.machine = fsm.NewFSM(
		CallIdle.String(),
		fsm.Events{
			{Name: callEventCalling, Src: []string{CallIdle.String()}, Dst: CallCalling.String()},
			{Name: callEventProgress, Src: []string{CallIdle.String(), CallCalling.String()}, Dst: CallRinging.String()},
			{Name: callEventEarlyMedia, Src: []string{CallIdle.String(), CallCalling.String(), CallRinging.String()}, Dst: CallEarlyMedia.String()},
			{Name: callEventAccepted, Src: []string{CallIdle.String(), CallCalling.String(), CallRinging.String(), CallEarlyMedia.String()}, Dst: CallAnswering.String()},
			{Name: callEventConfirmed, Src: []string{CallIdle.String(), CallCalling.String(), CallRinging.String(), CallEarlyMedia.String(), CallAnswering.String()}, Dst: CallActive.String()},
			{Name: callEventTerminating, Src: []string{CallIdle.String(), CallCalling.String(), CallRinging.String(), CallEarlyMedia.String(), CallAnswering.String(), CallActive.String()}, Dst: CallTerminating.String()},
			{Name: callEventTerminated, Src: []string{CallIdle.String(), CallCalling.String(), CallRinging.String(), CallEarlyMedia.String(), CallAnswering.String(), CallActive.String(), CallTerminating.String()}, Dst: CallTerminated.String()},
		},
		fsm.Callbacks{},
	)
	return c
}

// attachHandle связывает вызов с транспортным handle и заполняет адреса.
func (c *Call) attachHandle(h transport.SessionHandle) {
	c.mu.Lock()
	c.handle = h
	c.localURI = h.LocalURI()
	c.remoteURI = h.RemoteURI()
	c.remoteName = h.RemoteDisplayName()
	c.mu.Unlock()
}

// ID возвращает идентификатор вызова.
func (c *Call) ID() string { return c.id }

// Direction возвращает направление вызова.
func (c *Call) Direction() CallDirection { return c.direction }

// State возвращает текущее состояние вызова.
func (c *Call) State() CallState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stateLocked()
}

func (c *Call) stateLocked() CallState {
	switch c.machine.Current() {
	case CallIdle.String():
		return CallIdle
	case CallCalling.String():
		return CallCalling
	case CallRinging.String():
		return CallRinging
	case CallEarlyMedia.String():
		return CallEarlyMedia
	case CallAnswering.String():
		return CallAnswering
	case CallActive.String():
		return CallActive
	case CallTerminating.String():
		return CallTerminating
	default:
		return CallTerminated
	}
}

// RemoteURI возвращает адрес удалённой стороны.
func (c *Call) RemoteURI() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteURI
}

// RemoteDisplayName возвращает отображаемое имя удалённой стороны.
func (c *Call) RemoteDisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteName
}

// LocalURI возвращает локальный адрес вызова.
func (c *Call) LocalURI() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localURI
}

// OnHold сообщает, находится ли вызов на удержании.
func (c *Call) OnHold() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.onHold
}

// Muted сообщает, выключен ли локальный звук вызова.
func (c *Call) Muted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.muted
}

// CreatedAt возвращает время создания вызова.
func (c *Call) CreatedAt() time.Time { return c.createdAt }

// Done возвращает канал, закрываемый при переходе вызова в Terminated.
func (c *Call) Done() <-chan struct{} { return c.done }

// CallSnapshot — неизменяемый снимок вызова для событий и опроса.
type CallSnapshot struct {
	ID                string
	Direction         CallDirection
	State             CallState
	LocalURI          string
	RemoteURI         string
	RemoteDisplayName string
	OnHold            bool
	Muted             bool
	CreatedAt         time.Time
	EndedAt           time.Time
	EndCause          string
}

// Snapshot возвращает снимок текущего состояния вызова.
func (c *Call) Snapshot() CallSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CallSnapshot{
		ID:                c.id,
		Direction:         c.direction,
		State:             c.stateLocked(),
		LocalURI:          c.localURI,
		RemoteURI:         c.remoteURI,
		RemoteDisplayName: c.remoteName,
		OnHold:            c.onHold,
		Muted:             c.muted,
		CreatedAt:         c.createdAt,
		EndedAt:           c.endedAt,
		EndCause:          c.endCause,
	}
}

// OnStateChange подписывает слушателя на смену состояния вызова.
// Возвращает функцию отписки.
func (c *Call) OnStateChange(fn StateListener) func() {
	c.mu.Lock()
	c.nextListener++
	id := c.nextListener
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// transition выполняет переход автомата и оповещает слушателей.
// Возвращает false, если переход из текущего состояния невалиден —
// состояние вызова никогда не откатывается назад.
func (c *Call) transition(event string) (from, to CallState, ok bool) {
	c.mu.Lock()
	from = c.stateLocked()
	if err := c.machine.Event(context.Background(), event); err != nil {
		c.mu.Unlock()
		c.log.Debug("переход отклонён", "event", event, "state", from.String())
		return from, from, false
	}
	to = c.stateLocked()
	listeners := make([]StateListener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	if c.mtx != nil {
		c.mtx.CallStateTransition(from.String(), to.String())
	}
	for _, fn := range listeners {
		fn(from, to)
	}
	return from, to, true
}

// applySessionEvent применяет событие транспортной сессии к автомату.
// Вызывается только из насоса событий этой сессии, строго в порядке
// эмиссии транспортом.
func (c *Call) applySessionEvent(ev transport.SessionEvent) {
	switch e := ev.(type) {
	case transport.ProgressEvent:
		if e.HasMedia {
			if _, _, ok := c.transition(callEventEarlyMedia); ok {
				c.emitCall(EventCallEarlyMedia)
			}
			return
		}
		if _, _, ok := c.transition(callEventProgress); ok {
			c.emitCall(EventCallRinging)
		}

	case transport.AcceptedEvent:
		if _, _, ok := c.transition(callEventAccepted); ok {
			c.emitCall(EventCallAnswering)
		}

	case transport.ConfirmedEvent:
		if _, _, ok := c.transition(callEventConfirmed); ok {
			c.signalOp(opAnswer, nil)
			c.emitCall(EventCallActive)
		}

	case transport.HoldEvent:
		c.mu.Lock()
		c.onHold = true
		c.mu.Unlock()
		c.signalOp(opHold, nil)
		c.emitCall(EventCallHeld)

	case transport.UnholdEvent:
		c.mu.Lock()
		c.onHold = false
		c.mu.Unlock()
		c.signalOp(opUnhold, nil)
		c.emitCall(EventCallResumed)

	case transport.ReferOutcomeEvent:
		if e.Accepted {
			c.signalOp(opRefer, nil)
			c.emitCall(EventCallTransferred)
			return
		}
		c.signalOp(opRefer, ErrCallRejected(c.id, "refer rejected", e.StatusCode))

	case transport.EndedEvent:
		c.finish(string(e.Cause), EventCallEnded)

	case transport.FailedEvent:
		cause := string(e.Cause)
		c.finish(cause, EventCallFailed)

	default:
		c.log.Warn("неизвестное событие сессии", "kind", ev.Kind())
	}
}

// finish переводит вызов в Terminated ровно один раз и снимает запись из
// реестра через onTerminal.
func (c *Call) finish(cause string, eventType EventType) {
	c.mu.Lock()
	if c.stateLocked() == CallTerminated {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if _, _, ok := c.transition(callEventTerminated); !ok {
		return
	}

	c.mu.Lock()
	c.endedAt = time.Now()
	c.endCause = cause
	onTerminal := c.onTerminal
	c.mu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
	if onTerminal != nil {
		onTerminal(c)
	}
	c.emitCall(eventType)
	c.log.Info("вызов завершён", "cause", cause, "direction", c.direction.String())
}

// beginOp ставит guard незавершённой операции и возвращает канал её исхода.
func (c *Call) beginOp(op string) (chan error, *Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stateLocked() == CallTerminated {
		return nil, ErrCallInvalidState(c.id, CallTerminated, op)
	}
	if c.pending[op] {
		return nil, ErrCallInvalidState(c.id, c.stateLocked(), op).
			WithField("reason", "operation already in progress")
	}
	c.pending[op] = true
	ch := make(chan error, 1)
	c.waiters[op] = ch
	return ch, nil
}

// endOp снимает guard операции. Вызывается строго через defer.
func (c *Call) endOp(op string) {
	c.mu.Lock()
	delete(c.pending, op)
	delete(c.waiters, op)
	c.mu.Unlock()
}

// signalOp доставляет исход ожидающей операции, если она есть.
func (c *Call) signalOp(op string, err error) {
	c.mu.RLock()
	ch := c.waiters[op]
	c.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

// waitConfirm ждёт подтверждающее событие операции, терминал вызова,
// таймаут или отмену контекста — что наступит раньше.
func (c *Call) waitConfirm(ctx context.Context, op string, ch chan error) error {
	timer := time.NewTimer(c.opTimeout)
	defer timer.Stop()

	select {
	case err := <-ch:
		return err
	case <-c.done:
		return ErrCallInvalidState(c.id, CallTerminated, op).
			WithField("reason", "call ended during operation")
	case <-timer.C:
		return ErrCallOperationTimeout(c.id, op, c.opTimeout)
	case <-ctx.Done():
		return ErrCallOperationTimeout(c.id, op, c.opTimeout).WithCause(ctx.Err())
	}
}

// Answer принимает входящий вызов и ждёт подтверждения сессии.
func (c *Call) Answer(ctx context.Context) error {
	if c.direction != DirectionIncoming {
		return ErrCallInvalidState(c.id, c.State(), opAnswer).
			WithField("reason", "only incoming calls can be answered")
	}
	switch st := c.State(); st {
	case CallRinging, CallEarlyMedia:
	default:
		return ErrCallInvalidState(c.id, st, opAnswer)
	}

	ch, cerr := c.beginOp(opAnswer)
	if cerr != nil {
		return cerr
	}
	defer c.endOp(opAnswer)

	if err := c.handle.Answer(transport.AnswerOptions{}); err != nil {
		return ErrTransportFailure(opAnswer, err).WithField("call_id", c.id)
	}
	return c.waitConfirm(ctx, opAnswer, ch)
}

// Hangup завершает вызов из любого состояния. Запись вызова снимается из
// реестра в любом случае: не подтвердивший завершение транспорт приводит к
// принудительному локальному терминалу и ошибке таймаута.
func (c *Call) Hangup(ctx context.Context) error {
	if c.State() == CallTerminated {
		return nil
	}

	_, cerr := c.beginOp(opHangup)
	if cerr != nil {
		return cerr
	}
	defer c.endOp(opHangup)

	if _, _, ok := c.transition(callEventTerminating); ok {
		c.emitCall(EventCallTerminating)
	}

	if err := c.handle.Terminate(transport.TerminateOptions{}); err != nil {
		// Команда не ушла — терминал форсируется локально
		c.finish(string(transport.CauseInternalError), EventCallFailed)
		return ErrTransportFailure(opHangup, err).WithField("call_id", c.id)
	}

	timer := time.NewTimer(c.opTimeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return nil
	case <-timer.C:
		c.log.Warn("транспорт не подтвердил завершение, терминал форсирован")
		c.finish(string(transport.CauseRequestTimeout), EventCallEnded)
		return ErrCallOperationTimeout(c.id, opHangup, c.opTimeout)
	case <-ctx.Done():
		c.finish(string(transport.CauseCanceled), EventCallEnded)
		return ErrCallOperationTimeout(c.id, opHangup, c.opTimeout).WithCause(ctx.Err())
	}
}

// Hold ставит вызов на удержание. Повторное удержание — no-op.
func (c *Call) Hold(ctx context.Context) error {
	if st := c.State(); st != CallActive {
		return ErrCallInvalidState(c.id, st, opHold)
	}
	if c.OnHold() {
		return nil
	}

	ch, cerr := c.beginOp(opHold)
	if cerr != nil {
		return cerr
	}
	defer c.endOp(opHold)

	if err := c.handle.Hold(); err != nil {
		return ErrTransportFailure(opHold, err).WithField("call_id", c.id)
	}
	return c.waitConfirm(ctx, opHold, ch)
}

// Unhold снимает вызов с удержания. Без удержания — no-op.
func (c *Call) Unhold(ctx context.Context) error {
	if st := c.State(); st != CallActive {
		return ErrCallInvalidState(c.id, st, opUnhold)
	}
	if !c.OnHold() {
		return nil
	}

	ch, cerr := c.beginOp(opUnhold)
	if cerr != nil {
		return cerr
	}
	defer c.endOp(opUnhold)

	if err := c.handle.Unhold(); err != nil {
		return ErrTransportFailure(opUnhold, err).WithField("call_id", c.id)
	}
	return c.waitConfirm(ctx, opUnhold, ch)
}

// Mute выключает локальный звук вызова. Подтверждающего события у операции
// нет: флаг выставляется по успеху команды. Повторный Mute — no-op.
func (c *Call) Mute() error {
	if st := c.State(); st != CallActive {
		return ErrCallInvalidState(c.id, st, "mute")
	}
	if c.Muted() {
		return nil
	}
	if err := c.handle.Mute(); err != nil {
		return ErrTransportFailure("mute", err).WithField("call_id", c.id)
	}
	c.mu.Lock()
	c.muted = true
	c.mu.Unlock()
	c.emitCall(EventCallMuted)
	return nil
}

// Unmute включает локальный звук вызова обратно. Повторный Unmute — no-op.
func (c *Call) Unmute() error {
	if st := c.State(); st != CallActive {
		return ErrCallInvalidState(c.id, st, "unmute")
	}
	if !c.Muted() {
		return nil
	}
	if err := c.handle.Unmute(); err != nil {
		return ErrTransportFailure("unmute", err).WithField("call_id", c.id)
	}
	c.mu.Lock()
	c.muted = false
	c.mu.Unlock()
	c.emitCall(EventCallUnmuted)
	return nil
}

// dtmfAlphabet — допустимые символы DTMF.
const dtmfAlphabet = "0123456789*#ABCDabcd"

// SendDTMF передаёт последовательность DTMF. Отклоняется синхронно, если
// вызов не активен.
func (c *Call) SendDTMF(tones string, opts transport.DTMFOptions) error {
	if st := c.State(); st != CallActive {
		return ErrCallInvalidState(c.id, st, "sendDTMF")
	}
	if tones == "" {
		return ErrInvalidArgument("tones", "пустая последовательность")
	}
	for _, r := range tones {
		if !strings.ContainsRune(dtmfAlphabet, r) {
			return ErrInvalidArgument("tones", "недопустимый символ "+string(r))
		}
	}
	if err := c.handle.SendDTMF(tones, opts); err != nil {
		return ErrTransportFailure("sendDTMF", err).WithField("call_id", c.id)
	}
	c.sink.Emit(newEvent(EventCallDTMFSent, CallPayload{Call: c.Snapshot(), Tones: tones}))
	return nil
}

// Transfer переводит активный вызов на target и ждёт итог REFER.
func (c *Call) Transfer(ctx context.Context, target string) error {
	if st := c.State(); st != CallActive {
		return ErrCallInvalidState(c.id, st, opRefer)
	}
	if strings.TrimSpace(target) == "" {
		return ErrInvalidArgument("target", "пустой адрес перевода")
	}

	ch, cerr := c.beginOp(opRefer)
	if cerr != nil {
		return cerr
	}
	defer c.endOp(opRefer)

	if err := c.handle.Refer(target, transport.ReferOptions{}); err != nil {
		return ErrTransportFailure(opRefer, err).WithField("call_id", c.id)
	}
	return c.waitConfirm(ctx, opRefer, ch)
}

// Renegotiate запускает пересогласование медиапараметров сессии.
func (c *Call) Renegotiate(opts transport.RenegotiateOptions) error {
	if st := c.State(); st != CallActive {
		return ErrCallInvalidState(c.id, st, "renegotiate")
	}
	if err := c.handle.Renegotiate(opts); err != nil {
		return ErrTransportFailure("renegotiate", err).WithField("call_id", c.id)
	}
	return nil
}

func (c *Call) emitCall(t EventType) {
	c.sink.Emit(newEvent(t, CallPayload{Call: c.Snapshot()}))
}
