package softphone_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/call_control/pkg/softphone"
	"github.com/arzzra/call_control/pkg/transport"
	"github.com/arzzra/call_control/pkg/transport/mockTransport"
)

// dial создаёт исходящий вызов и возвращает его вместе с мок-сессией.
func dial(t *testing.T, phone *softphone.Phone, mock *mockTransport.MockTransport, target string) (*softphone.Call, *mockTransport.MockSession) {
	t.Helper()

	call, err := phone.Call(target, transport.CallOptions{})
	require.NoError(t, err, "исходящий вызов должен создаться")

	sessions := mock.Sessions()
	require.NotEmpty(t, sessions, "транспорт должен создать сессию")
	return call, sessions[len(sessions)-1]
}

// dialActive доводит исходящий вызов до Active.
func dialActive(t *testing.T, phone *softphone.Phone, mock *mockTransport.MockTransport, target string) (*softphone.Call, *mockTransport.MockSession) {
	t.Helper()

	call, sess := dial(t, phone, mock, target)
	sess.EmitProgress(180, false)
	sess.EmitAccepted(200)
	sess.EmitConfirmed()
	waitFor(t, time.Second, func() bool {
		return call.State() == softphone.CallActive
	}, "вызов должен стать Active")
	return call, sess
}

func TestOutgoingCallLifecycle(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	call, sess := dial(t, phone, mock, "sip:bob@example.com")
	assert.Equal(t, softphone.CallCalling, call.State())
	assert.Equal(t, softphone.DirectionOutgoing, call.Direction())
	assert.Equal(t, "sip:bob@example.com", call.RemoteURI())

	got, ok := phone.GetCall(call.ID())
	require.True(t, ok, "вызов должен находиться в реестре сразу после создания")
	assert.Same(t, call, got)

	sess.EmitProgress(180, false)
	waitFor(t, time.Second, func() bool {
		return call.State() == softphone.CallRinging
	}, "предварительный ответ переводит вызов в Ringing")

	sess.EmitAccepted(200)
	waitFor(t, time.Second, func() bool {
		return call.State() == softphone.CallAnswering
	}, "принятие переводит вызов в Answering")

	sess.EmitConfirmed()
	waitFor(t, time.Second, func() bool {
		return call.State() == softphone.CallActive
	}, "подтверждение переводит вызов в Active")

	require.NoError(t, call.Hangup(context.Background()))
	assert.Equal(t, softphone.CallTerminated, call.State())
	assert.Equal(t, 1, sess.TerminateCalls(), "ровно одна команда завершения")

	_, ok = phone.GetCall(call.ID())
	assert.False(t, ok, "завершённый вызов снимается из реестра")
	assert.Zero(t, phone.Directory().Count())

	assert.Equal(t, 1, rec.count(softphone.EventCallInitiated))
	assert.Equal(t, 1, rec.count(softphone.EventCallRinging))
	assert.Equal(t, 1, rec.count(softphone.EventCallAnswering))
	assert.Equal(t, 1, rec.count(softphone.EventCallActive))
	assert.Equal(t, 1, rec.count(softphone.EventCallTerminating))
	assert.Equal(t, 1, rec.count(softphone.EventCallEnded))
}

func TestOutgoingCallEarlyMedia(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	call, sess := dial(t, phone, mock, "sip:bob@example.com")
	sess.EmitProgress(183, true)
	waitFor(t, time.Second, func() bool {
		return call.State() == softphone.CallEarlyMedia
	}, "183 с медиа переводит вызов в EarlyMedia")
	assert.Equal(t, 1, rec.count(softphone.EventCallEarlyMedia))
	assert.Zero(t, rec.count(softphone.EventCallRinging), "Ringing пропускается")
}

func TestCallRequiresConnection(t *testing.T) {
	mock := mockTransport.NewSilent()
	phone, err := softphone.New(testConfig(), mock, nil)
	require.NoError(t, err)

	_, err = phone.Call("sip:bob@example.com", transport.CallOptions{})
	require.Error(t, err)
	assert.Equal(t, softphone.ErrorCategoryConnection, softphone.CategoryOf(err))
}

func TestCallTransportRejectionRollsBack(t *testing.T) {
	mock := mockTransport.New()
	mock.CallErr = assert.AnError
	phone, _ := newTestPhone(t, mock)

	_, err := phone.Call("sip:bob@example.com", transport.CallOptions{})
	require.Error(t, err)
	assert.Equal(t, softphone.ErrorCategoryTransport, softphone.CategoryOf(err))
	assert.Zero(t, phone.Directory().Count(), "неудавшийся вызов не остаётся в реестре")
}

func TestCallInviteTimeoutCancelsAttempt(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	call, sess := dial(t, phone, mock, "sip:bob@example.com")

	// Сессия не присылает ни одного события: попытка снимается по guard
	waitFor(t, 2*time.Second, func() bool {
		return call.State() == softphone.CallTerminated
	}, "без ответа вызов снимается по таймауту инициации")

	assert.Equal(t, 1, sess.TerminateCalls(), "снятая попытка завершается в транспорте")
	_, ok := phone.GetCall(call.ID())
	assert.False(t, ok)
	assert.Equal(t, 1, rec.count(softphone.EventCallFailed))
}

func TestCallRemoteHangup(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	call, sess := dialActive(t, phone, mock, "sip:bob@example.com")

	sess.EmitEnded(transport.OriginatorRemote, transport.CauseBye)
	waitFor(t, time.Second, func() bool {
		return call.State() == softphone.CallTerminated
	}, "завершение удалённой стороной терминирует вызов")

	_, ok := phone.GetCall(call.ID())
	assert.False(t, ok)
	assert.Equal(t, 1, rec.count(softphone.EventCallEnded))

	// Повторный Hangup уже завершённого вызова — no-op
	require.NoError(t, call.Hangup(context.Background()))
	assert.Zero(t, sess.TerminateCalls())
}

func TestCallHangupForcedWhenTransportSilent(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	call, sess := dialActive(t, phone, mock, "sip:bob@example.com")
	sess.SilentTerminate = true

	err := call.Hangup(context.Background())
	require.Error(t, err, "без подтверждения завершение отклоняется по таймауту")
	assert.True(t, softphone.IsTimeout(err))

	// Терминал форсирован локально: запись снята в любом случае
	assert.Equal(t, softphone.CallTerminated, call.State())
	_, ok := phone.GetCall(call.ID())
	assert.False(t, ok)
}

func TestIncomingCallAnswer(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	sess := mock.IncomingSession("sip:carol@example.com")

	var call *softphone.Call
	waitFor(t, time.Second, func() bool {
		calls := phone.Calls()
		if len(calls) != 1 {
			return false
		}
		call = calls[0]
		return true
	}, "входящая сессия должна попасть в реестр")

	assert.Equal(t, softphone.DirectionIncoming, call.Direction())
	assert.Equal(t, softphone.CallRinging, call.State())
	assert.Equal(t, "sip:carol@example.com", call.RemoteURI())
	assert.Equal(t, 1, rec.count(softphone.EventCallIncoming))

	require.NoError(t, call.Answer(context.Background()))
	assert.Equal(t, softphone.CallActive, call.State())
	assert.Equal(t, 1, sess.AnswerCalls())
}

func TestAnswerRejectedForOutgoingCall(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	call, _ := dial(t, phone, mock, "sip:bob@example.com")

	err := call.Answer(context.Background())
	require.Error(t, err, "исходящий вызов не принимается локально")
	assert.Equal(t, softphone.ErrorCategoryCall, softphone.CategoryOf(err))
}

func TestCallHoldUnhold(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	call, sess := dialActive(t, phone, mock, "sip:bob@example.com")

	require.NoError(t, call.Hold(context.Background()))
	assert.True(t, call.OnHold())
	assert.Equal(t, 1, sess.HoldCalls())
	assert.Equal(t, 1, rec.count(softphone.EventCallHeld))

	// Повторное удержание — no-op без команды транспорту
	require.NoError(t, call.Hold(context.Background()))
	assert.Equal(t, 1, sess.HoldCalls())

	require.NoError(t, call.Unhold(context.Background()))
	assert.False(t, call.OnHold())
	assert.Equal(t, 1, sess.UnholdCalls())
	assert.Equal(t, 1, rec.count(softphone.EventCallResumed))
}

func TestCallHoldTimeoutReleasesGuard(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	call, sess := dialActive(t, phone, mock, "sip:bob@example.com")
	sess.SilentHold = true

	err := call.Hold(context.Background())
	require.Error(t, err, "без подтверждения удержание отклоняется по таймауту")
	assert.True(t, softphone.IsTimeout(err))
	assert.False(t, call.OnHold(), "флаг удержания не выставляется без подтверждения")

	// Guard освобождён: повторная попытка снова доходит до транспорта
	sess.SilentHold = false
	require.NoError(t, call.Hold(context.Background()))
	assert.True(t, call.OnHold())
	assert.Equal(t, 2, sess.HoldCalls())
}

func TestCallHoldRequiresActive(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	call, sess := dial(t, phone, mock, "sip:bob@example.com")
	sess.EmitProgress(180, false)
	waitFor(t, time.Second, func() bool {
		return call.State() == softphone.CallRinging
	}, "вызов должен звонить")

	err := call.Hold(context.Background())
	require.Error(t, err)
	assert.Zero(t, sess.HoldCalls(), "команда не должна уйти в транспорт")
}

func TestCallMuteUnmute(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	call, sess := dialActive(t, phone, mock, "sip:bob@example.com")

	require.NoError(t, call.Mute())
	assert.True(t, call.Muted())
	assert.Equal(t, 1, sess.MuteCalls())

	// Идемпотентность: повторный Mute — no-op без события
	require.NoError(t, call.Mute())
	assert.Equal(t, 1, sess.MuteCalls())
	assert.Equal(t, 1, rec.count(softphone.EventCallMuted))

	require.NoError(t, call.Unmute())
	assert.False(t, call.Muted())
	assert.Equal(t, 1, sess.UnmuteCalls())
	assert.Equal(t, 1, rec.count(softphone.EventCallUnmuted))
}

func TestSendDTMF(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	call, sess := dialActive(t, phone, mock, "sip:bob@example.com")

	require.NoError(t, call.SendDTMF("123#", transport.DTMFOptions{}))
	assert.Equal(t, []string{"123#"}, sess.DTMFSent())
	assert.Equal(t, 1, rec.count(softphone.EventCallDTMFSent))
}

func TestSendDTMFRejectedWhenNotActive(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	call, sess := dial(t, phone, mock, "sip:bob@example.com")
	sess.EmitProgress(180, false)
	waitFor(t, time.Second, func() bool {
		return call.State() == softphone.CallRinging
	}, "вызов должен звонить")

	// Отказ синхронный, без обращения к транспорту
	err := call.SendDTMF("1", transport.DTMFOptions{})
	require.Error(t, err)
	assert.Equal(t, softphone.ErrorCategoryCall, softphone.CategoryOf(err))
	assert.Empty(t, sess.DTMFSent())
}

func TestSendDTMFValidatesTones(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	call, sess := dialActive(t, phone, mock, "sip:bob@example.com")

	require.Error(t, call.SendDTMF("", transport.DTMFOptions{}), "пустая последовательность отклоняется")
	err := call.SendDTMF("12X", transport.DTMFOptions{})
	require.Error(t, err, "символ вне алфавита отклоняется")
	assert.Equal(t, softphone.ErrorCategoryValidation, softphone.CategoryOf(err))
	assert.Empty(t, sess.DTMFSent())
}

func TestCallTransfer(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	call, sess := dialActive(t, phone, mock, "sip:bob@example.com")

	require.NoError(t, call.Transfer(context.Background(), "sip:carol@example.com"))
	assert.Equal(t, []string{"sip:carol@example.com"}, sess.ReferTargets())
	assert.Equal(t, 1, rec.count(softphone.EventCallTransferred))
}

func TestCallTransferRejected(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	call, sess := dialActive(t, phone, mock, "sip:bob@example.com")
	sess.ReferStatus = 603

	err := call.Transfer(context.Background(), "sip:carol@example.com")
	require.Error(t, err)
	assert.Equal(t, 603, softphone.StatusOf(err), "код отказа перевода доступен вызывающей стороне")
}

func TestCallOnStateChange(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	call, sess := dial(t, phone, mock, "sip:bob@example.com")

	var mu testTransitions
	off := call.OnStateChange(func(from, to softphone.CallState) {
		mu.add(from, to)
	})

	sess.EmitProgress(180, false)
	waitFor(t, time.Second, func() bool {
		return mu.has(softphone.CallCalling, softphone.CallRinging)
	}, "слушатель получает переход Calling→Ringing")

	off()
	sess.EmitAccepted(200)
	waitFor(t, time.Second, func() bool {
		return call.State() == softphone.CallAnswering
	}, "вызов должен перейти в Answering")
	assert.False(t, mu.has(softphone.CallRinging, softphone.CallAnswering), "после отписки переходы не доставляются")
}

func TestCallIDsNeverReused(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		call, _ := dial(t, phone, mock, "sip:bob@example.com")
		require.False(t, seen[call.ID()], "идентификатор вызова не должен повторяться")
		seen[call.ID()] = true
		require.NoError(t, call.Hangup(context.Background()))
	}
}

// testTransitions — потокобезопасный журнал переходов для слушателей.
type testTransitions struct {
	mu    sync.Mutex
	pairs [][2]softphone.CallState
}

func (t *testTransitions) add(from, to softphone.CallState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pairs = append(t.pairs, [2]softphone.CallState{from, to})
}

func (t *testTransitions) has(from, to softphone.CallState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pairs {
		if p[0] == from && p[1] == to {
			return true
		}
	}
	return false
}
