package mockTransport

import (
	"sync"
	"sync/atomic"

	"github.com/arzzra/call_control/pkg/transport"
)

// MockSession — управляемый из теста handle одной сессии.
//
// Командные методы фиксируют вызов, возвращают ошибку из соответствующей
// ручки *Err и, если не выставлена ручка Silent*, эмитят подтверждающее
// событие. Терминальное событие (ended/failed) закрывает канал событий;
// последующие эмиссии молча игнорируются.
type MockSession struct {
	mu sync.RWMutex

	AnswerErr      error
	TerminateErr   error
	HoldErr        error
	UnholdErr      error
	MuteErr        error
	UnmuteErr      error
	DTMFErr        error
	RenegotiateErr error
	ReferErr       error

	SilentAnswer    bool
	SilentTerminate bool
	SilentHold      bool
	SilentUnhold    bool
	SilentRefer     bool

	// ReferStatus — код итога перевода; >=300 означает отказ. 0 — 202.
	ReferStatus int

	// CallOpts — опции, с которыми сессия была создана через Call.
	CallOpts transport.CallOptions

	id                string
	localURI          string
	remoteURI         string
	remoteDisplayName string
	originator        transport.Originator

	events    chan transport.SessionEvent
	closed    chan struct{}
	closeOnce sync.Once
	terminal  bool

	answerCalls      int32
	terminateCalls   int32
	holdCalls        int32
	unholdCalls      int32
	muteCalls        int32
	unmuteCalls      int32
	renegotiateCalls int32
	referCalls       int32

	dtmfSent      []string
	referTargets  []string
	terminateOpts []transport.TerminateOptions
}

// Проверяем, что MockSession реализует transport.SessionHandle
var _ transport.SessionHandle = (*MockSession)(nil)

func newMockSession(id, remote string, originator transport.Originator) *MockSession {
	return &MockSession{
		id:         id,
		localURI:   "sip:mock@127.0.0.1",
		remoteURI:  remote,
		originator: originator,
		events:     make(chan transport.SessionEvent, 64),
		closed:     make(chan struct{}),
	}
}

// ID возвращает идентификатор сессии.
func (s *MockSession) ID() string { return s.id }

// LocalURI возвращает локальный адрес.
func (s *MockSession) LocalURI() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localURI
}

// RemoteURI возвращает адрес удалённой стороны.
func (s *MockSession) RemoteURI() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteURI
}

// RemoteDisplayName возвращает отображаемое имя удалённой стороны.
func (s *MockSession) RemoteDisplayName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteDisplayName
}

// SetRemoteDisplayName выставляет отображаемое имя удалённой стороны.
func (s *MockSession) SetRemoteDisplayName(name string) {
	s.mu.Lock()
	s.remoteDisplayName = name
	s.mu.Unlock()
}

// Originator возвращает сторону, породившую сессию.
func (s *MockSession) Originator() transport.Originator { return s.originator }

// Answer фиксирует команду приёма; без SilentAnswer эмитит ConfirmedEvent.
func (s *MockSession) Answer(opts transport.AnswerOptions) error {
	atomic.AddInt32(&s.answerCalls, 1)
	if s.AnswerErr != nil {
		return s.AnswerErr
	}
	if !s.SilentAnswer {
		s.EmitConfirmed()
	}
	return nil
}

// Terminate фиксирует команду завершения; без SilentTerminate эмитит
// EndedEvent от локальной стороны.
func (s *MockSession) Terminate(opts transport.TerminateOptions) error {
	atomic.AddInt32(&s.terminateCalls, 1)

	s.mu.Lock()
	s.terminateOpts = append(s.terminateOpts, opts)
	s.mu.Unlock()

	if s.TerminateErr != nil {
		return s.TerminateErr
	}
	if !s.SilentTerminate {
		s.EmitEnded(transport.OriginatorLocal, transport.CauseBye)
	}
	return nil
}

// Hold фиксирует команду удержания; без SilentHold эмитит HoldEvent.
func (s *MockSession) Hold() error {
	atomic.AddInt32(&s.holdCalls, 1)
	if s.HoldErr != nil {
		return s.HoldErr
	}
	if !s.SilentHold {
		s.EmitHold(transport.OriginatorLocal)
	}
	return nil
}

// Unhold фиксирует команду снятия с удержания; без SilentUnhold эмитит
// UnholdEvent.
func (s *MockSession) Unhold() error {
	atomic.AddInt32(&s.unholdCalls, 1)
	if s.UnholdErr != nil {
		return s.UnholdErr
	}
	if !s.SilentUnhold {
		s.EmitUnhold(transport.OriginatorLocal)
	}
	return nil
}

// Mute фиксирует локальное выключение медиа.
func (s *MockSession) Mute() error {
	atomic.AddInt32(&s.muteCalls, 1)
	return s.MuteErr
}

// Unmute фиксирует локальное включение медиа.
func (s *MockSession) Unmute() error {
	atomic.AddInt32(&s.unmuteCalls, 1)
	return s.UnmuteErr
}

// SendDTMF фиксирует переданную последовательность.
func (s *MockSession) SendDTMF(tones string, opts transport.DTMFOptions) error {
	if s.DTMFErr != nil {
		return s.DTMFErr
	}
	s.mu.Lock()
	s.dtmfSent = append(s.dtmfSent, tones)
	s.mu.Unlock()
	return nil
}

// Renegotiate фиксирует команду пересогласования.
func (s *MockSession) Renegotiate(opts transport.RenegotiateOptions) error {
	atomic.AddInt32(&s.renegotiateCalls, 1)
	return s.RenegotiateErr
}

// Refer фиксирует команду перевода; без SilentRefer эмитит ReferOutcomeEvent
// согласно ReferStatus.
func (s *MockSession) Refer(target string, opts transport.ReferOptions) error {
	atomic.AddInt32(&s.referCalls, 1)

	s.mu.Lock()
	s.referTargets = append(s.referTargets, target)
	s.mu.Unlock()

	if s.ReferErr != nil {
		return s.ReferErr
	}
	if !s.SilentRefer {
		status := s.ReferStatus
		if status == 0 {
			status = 202
		}
		s.EmitReferOutcome(status < 300, status)
	}
	return nil
}

// Events возвращает канал событий сессии.
func (s *MockSession) Events() <-chan transport.SessionEvent {
	return s.events
}

// EmitProgress эмитит предварительный ответ.
func (s *MockSession) EmitProgress(statusCode int, hasMedia bool) {
	s.emit(transport.ProgressEvent{StatusCode: statusCode, HasMedia: hasMedia}, false)
}

// EmitAccepted эмитит принятие вызова.
func (s *MockSession) EmitAccepted(statusCode int) {
	s.emit(transport.AcceptedEvent{StatusCode: statusCode}, false)
}

// EmitConfirmed эмитит подтверждение сессии.
func (s *MockSession) EmitConfirmed() {
	s.emit(transport.ConfirmedEvent{}, false)
}

// EmitEnded эмитит завершение сессии и закрывает канал событий.
func (s *MockSession) EmitEnded(originator transport.Originator, cause transport.Cause) {
	s.emit(transport.EndedEvent{Originator: originator, Cause: cause}, true)
}

// EmitFailed эмитит отказ сессии и закрывает канал событий.
func (s *MockSession) EmitFailed(originator transport.Originator, cause transport.Cause, statusCode int) {
	s.emit(transport.FailedEvent{Originator: originator, Cause: cause, StatusCode: statusCode}, true)
}

// EmitHold эмитит подтверждение удержания.
func (s *MockSession) EmitHold(originator transport.Originator) {
	s.emit(transport.HoldEvent{Originator: originator}, false)
}

// EmitUnhold эмитит подтверждение снятия с удержания.
func (s *MockSession) EmitUnhold(originator transport.Originator) {
	s.emit(transport.UnholdEvent{Originator: originator}, false)
}

// EmitReferOutcome эмитит итог перевода вызова.
func (s *MockSession) EmitReferOutcome(accepted bool, statusCode int) {
	s.emit(transport.ReferOutcomeEvent{Accepted: accepted, StatusCode: statusCode}, false)
}

func (s *MockSession) emit(ev transport.SessionEvent, terminal bool) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	if terminal {
		s.terminal = true
	}
	s.mu.Unlock()

	select {
	case s.events <- ev:
	case <-s.closed:
		return
	}

	if terminal {
		s.closeOnce.Do(func() {
			close(s.closed)
			close(s.events)
		})
	}
}

// AnswerCalls возвращает число команд Answer.
func (s *MockSession) AnswerCalls() int { return int(atomic.LoadInt32(&s.answerCalls)) }

// TerminateCalls возвращает число команд Terminate.
func (s *MockSession) TerminateCalls() int { return int(atomic.LoadInt32(&s.terminateCalls)) }

// HoldCalls возвращает число команд Hold.
func (s *MockSession) HoldCalls() int { return int(atomic.LoadInt32(&s.holdCalls)) }

// UnholdCalls возвращает число команд Unhold.
func (s *MockSession) UnholdCalls() int { return int(atomic.LoadInt32(&s.unholdCalls)) }

// MuteCalls возвращает число команд Mute.
func (s *MockSession) MuteCalls() int { return int(atomic.LoadInt32(&s.muteCalls)) }

// UnmuteCalls возвращает число команд Unmute.
func (s *MockSession) UnmuteCalls() int { return int(atomic.LoadInt32(&s.unmuteCalls)) }

// RenegotiateCalls возвращает число команд Renegotiate.
func (s *MockSession) RenegotiateCalls() int { return int(atomic.LoadInt32(&s.renegotiateCalls)) }

// ReferCalls возвращает число команд Refer.
func (s *MockSession) ReferCalls() int { return int(atomic.LoadInt32(&s.referCalls)) }

// DTMFSent возвращает снимок всех переданных DTMF последовательностей.
func (s *MockSession) DTMFSent() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.dtmfSent...)
}

// ReferTargets возвращает снимок целей перевода.
func (s *MockSession) ReferTargets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.referTargets...)
}

// TerminateOpts возвращает снимок опций всех команд Terminate.
func (s *MockSession) TerminateOpts() []transport.TerminateOptions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]transport.TerminateOptions(nil), s.terminateOpts...)
}
