package softphone_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/call_control/pkg/softphone"
	"github.com/arzzra/call_control/pkg/transport"
	"github.com/arzzra/call_control/pkg/transport/mockTransport"
)

// bridge создаёт конференцию из n активных исходящих вызовов.
func bridge(t *testing.T, phone *softphone.Phone, mock *mockTransport.MockTransport, n int) (softphone.ConferenceSnapshot, []*softphone.Call) {
	t.Helper()

	calls := make([]*softphone.Call, 0, n)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		call, _ := dialActive(t, phone, mock, "sip:party@example.com")
		calls = append(calls, call)
		ids = append(ids, call.ID())
	}

	snap, err := phone.Conferences().Create("", ids, softphone.ConferenceOptions{Moderator: true})
	require.NoError(t, err, "конференция должна создаться")
	return snap, calls
}

func TestConferenceCreateRequiresTwoCalls(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	call, _ := dialActive(t, phone, mock, "sip:bob@example.com")

	_, err := phone.Conferences().Create("", []string{call.ID()}, softphone.ConferenceOptions{})
	require.Error(t, err, "одного вызова недостаточно")
	assert.Equal(t, softphone.ErrorCategoryConference, softphone.CategoryOf(err))
}

func TestConferenceCreateRejectsUnknownCall(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	call, _ := dialActive(t, phone, mock, "sip:bob@example.com")

	_, err := phone.Conferences().Create("", []string{call.ID(), "no-such-call"}, softphone.ConferenceOptions{})
	require.Error(t, err)
	assert.Equal(t, softphone.ErrorCategoryCall, softphone.CategoryOf(err))
}

func TestConferenceCreate(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	snap, calls := bridge(t, phone, mock, 2)

	assert.Equal(t, softphone.ConferenceActive, snap.State)
	assert.Len(t, snap.Participants, 3, "собственный участник плюс два неместных")

	got, ok := phone.Conferences().Get(snap.ID)
	require.True(t, ok)
	assert.Equal(t, snap.ID, got.ID)

	// Каждый неместный участник адресуется идентификатором его вызова
	byID := map[string]softphone.Participant{}
	for _, p := range got.Participants {
		byID[p.ID] = p
	}
	local, ok := byID[softphone.LocalParticipantID]
	require.True(t, ok, "собственный участник обязателен")
	assert.True(t, local.Self)
	assert.True(t, local.Moderator)
	for _, call := range calls {
		p, ok := byID[call.ID()]
		require.True(t, ok, "участник для вызова %s", call.ID())
		assert.Equal(t, softphone.ParticipantConnected, p.State)
	}

	assert.Equal(t, 1, rec.count(softphone.EventConferenceCreated))
}

func TestConferenceCreateDuplicateID(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	a, _ := dialActive(t, phone, mock, "sip:a@example.com")
	b, _ := dialActive(t, phone, mock, "sip:b@example.com")
	ids := []string{a.ID(), b.ID()}

	_, err := phone.Conferences().Create("room-1", ids, softphone.ConferenceOptions{})
	require.NoError(t, err)

	_, err = phone.Conferences().Create("room-1", ids, softphone.ConferenceOptions{})
	require.Error(t, err, "повторный идентификатор отклоняется")
	require.ErrorIs(t, err, softphone.ErrConferenceExists("room-1"))
}

func TestConferenceEndHangsUpAllLegs(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	snap, calls := bridge(t, phone, mock, 3)
	sessions := mock.Sessions()

	// Одно плечо не подтверждает завершение: веер всё равно доводит
	// остальные до конца
	sessions[0].SilentTerminate = true

	require.NoError(t, phone.Conferences().End(context.Background(), snap.ID))

	for _, sess := range sessions {
		assert.Equal(t, 1, sess.TerminateCalls(), "каждое плечо получает ровно одну команду завершения")
	}
	for _, call := range calls {
		assert.Equal(t, softphone.CallTerminated, call.State())
	}
	_, ok := phone.Conferences().Get(snap.ID)
	assert.False(t, ok, "завершённая конференция снимается из активного набора")
	assert.Zero(t, phone.Directory().Count())
	assert.Equal(t, 1, rec.count(softphone.EventConferenceEnded))
}

func TestConferenceEndUnknownID(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	err := phone.Conferences().End(context.Background(), "no-such-conf")
	require.Error(t, err)
	require.ErrorIs(t, err, softphone.ErrConferenceNotFound("no-such-conf"))
}

func TestConferenceAutoTeardownOnLastParticipant(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	snap, calls := bridge(t, phone, mock, 2)
	sessions := mock.Sessions()

	// Первый участник кладёт трубку: остаётся один неместный — конференция
	// сносится автоматически вместе с оставшимся плечом
	sessions[0].EmitEnded(transport.OriginatorRemote, transport.CauseBye)

	waitFor(t, 2*time.Second, func() bool {
		_, ok := phone.Conferences().Get(snap.ID)
		return !ok
	}, "конференция должна снестись автоматически")

	waitFor(t, 2*time.Second, func() bool {
		return calls[1].State() == softphone.CallTerminated
	}, "оставшееся плечо завершается")

	assert.GreaterOrEqual(t, rec.count(softphone.EventConferenceParticipantLeft), 1)
	assert.Equal(t, 1, rec.count(softphone.EventConferenceEnded))
}

func TestConferenceInvite(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	snap, _ := bridge(t, phone, mock, 2)

	p, err := phone.Conferences().Invite(context.Background(), snap.ID, "sip:carol@example.com")
	require.NoError(t, err)
	assert.Equal(t, softphone.ParticipantConnecting, p.State)

	// Участник подкреплён свежим вызовом реестра
	call, ok := phone.GetCall(p.ID)
	require.True(t, ok, "приглашение создаёт вызов в реестре")
	assert.Equal(t, "sip:carol@example.com", call.RemoteURI())

	sessions := mock.Sessions()
	sess := sessions[len(sessions)-1]
	sess.EmitProgress(180, false)
	sess.EmitAccepted(200)
	sess.EmitConfirmed()

	waitFor(t, time.Second, func() bool {
		got, ok := phone.Conferences().Get(snap.ID)
		if !ok {
			return false
		}
		for _, part := range got.Participants {
			if part.ID == p.ID && part.State == softphone.ParticipantConnected {
				return true
			}
		}
		return false
	}, "подтверждённый участник становится Connected")

	assert.GreaterOrEqual(t, rec.count(softphone.EventConferenceParticipantJoined), 1)
}

func TestConferenceLockRejectsInvite(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	snap, _ := bridge(t, phone, mock, 2)

	require.NoError(t, phone.Conferences().Lock(snap.ID))
	assert.Equal(t, 1, rec.count(softphone.EventConferenceLocked))

	_, err := phone.Conferences().Invite(context.Background(), snap.ID, "sip:carol@example.com")
	require.Error(t, err, "закрытая конференция не принимает новых участников")
	require.ErrorIs(t, err, softphone.ErrConferenceLocked(snap.ID))

	require.NoError(t, phone.Conferences().Unlock(snap.ID))
	_, err = phone.Conferences().Invite(context.Background(), snap.ID, "sip:carol@example.com")
	require.NoError(t, err, "после Unlock приглашения снова проходят")
}

func TestConferenceFull(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	a, _ := dialActive(t, phone, mock, "sip:a@example.com")
	b, _ := dialActive(t, phone, mock, "sip:b@example.com")

	snap, err := phone.Conferences().Create("", []string{a.ID(), b.ID()},
		softphone.ConferenceOptions{MaxParticipants: 3})
	require.NoError(t, err)

	_, err = phone.Conferences().Invite(context.Background(), snap.ID, "sip:carol@example.com")
	require.Error(t, err, "предел участников достигнут")
	require.ErrorIs(t, err, softphone.ErrConferenceFull(snap.ID, 3))
}

func TestConferenceRemoveParticipant(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	snap, calls := bridge(t, phone, mock, 3)
	victim := calls[0]

	require.NoError(t, phone.Conferences().RemoveParticipant(context.Background(), snap.ID, victim.ID()))

	waitFor(t, time.Second, func() bool {
		return victim.State() == softphone.CallTerminated
	}, "вызов исключённого участника завершается")

	waitFor(t, time.Second, func() bool {
		got, ok := phone.Conferences().Get(snap.ID)
		if !ok {
			return false
		}
		for _, p := range got.Participants {
			if p.ID == victim.ID() {
				return false
			}
		}
		return true
	}, "участник снимается из конференции")

	// С двумя оставшимися неместными конференция живёт дальше
	_, ok := phone.Conferences().Get(snap.ID)
	assert.True(t, ok)
}

func TestConferenceRemoveLocalParticipantRejected(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	snap, _ := bridge(t, phone, mock, 2)

	err := phone.Conferences().RemoveParticipant(context.Background(), snap.ID, softphone.LocalParticipantID)
	require.Error(t, err, "собственный участник исключается только через End")
	assert.Equal(t, softphone.ErrorCategoryValidation, softphone.CategoryOf(err))
}

func TestConferenceMuteLocalParticipant(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	snap, calls := bridge(t, phone, mock, 2)
	sessions := mock.Sessions()

	// Приглушение собственного участника — реальное выключение звука по
	// всем активным вызовам
	require.NoError(t, phone.Conferences().MuteParticipant(snap.ID, softphone.LocalParticipantID))
	for _, sess := range sessions {
		assert.Equal(t, 1, sess.MuteCalls())
	}
	for _, call := range calls {
		assert.True(t, call.Muted())
	}
	assert.Equal(t, 1, rec.count(softphone.EventConferenceParticipantMuted))

	require.NoError(t, phone.Conferences().UnmuteParticipant(snap.ID, softphone.LocalParticipantID))
	for _, call := range calls {
		assert.False(t, call.Muted())
	}
	assert.Equal(t, 1, rec.count(softphone.EventConferenceParticipantUnmuted))
}

func TestConferenceMuteRemoteParticipant(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	snap, calls := bridge(t, phone, mock, 2)

	require.NoError(t, phone.Conferences().MuteParticipant(snap.ID, calls[0].ID()))

	got, ok := phone.Conferences().Get(snap.ID)
	require.True(t, ok)
	for _, p := range got.Participants {
		if p.ID == calls[0].ID() {
			assert.True(t, p.Muted, "участник помечен приглушённым")
		}
	}
	assert.True(t, calls[0].Muted(), "локальное плечо участника приглушено")
	assert.False(t, calls[1].Muted(), "остальные участники не затронуты")
}

func TestConferenceHoldParticipant(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	snap, calls := bridge(t, phone, mock, 2)

	require.NoError(t, phone.Conferences().HoldParticipant(context.Background(), snap.ID, calls[0].ID()))
	assert.True(t, calls[0].OnHold())
	assert.Equal(t, 1, rec.count(softphone.EventConferenceParticipantHeld))

	require.NoError(t, phone.Conferences().UnholdParticipant(context.Background(), snap.ID, calls[0].ID()))
	assert.False(t, calls[0].OnHold())
	assert.Equal(t, 1, rec.count(softphone.EventConferenceParticipantResumed))
}

func TestConferenceRecording(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	snap, _ := bridge(t, phone, mock, 2)

	require.NoError(t, phone.Conferences().StartRecording(snap.ID))
	got, _ := phone.Conferences().Get(snap.ID)
	assert.True(t, got.Recording)
	assert.Equal(t, 1, rec.count(softphone.EventConferenceRecordingStarted))

	require.NoError(t, phone.Conferences().StopRecording(snap.ID))
	got, _ = phone.Conferences().Get(snap.ID)
	assert.False(t, got.Recording)
	assert.Equal(t, 1, rec.count(softphone.EventConferenceRecordingStopped))
}

func TestConferenceRecordingDisabled(t *testing.T) {
	mock := mockTransport.New()
	cfg := testConfig()
	cfg.DisableRecording = true

	rec := &recorder{}
	phone, err := softphone.New(cfg, mock, rec)
	require.NoError(t, err)
	require.NoError(t, phone.Start(context.Background()))
	t.Cleanup(func() { _ = phone.Stop() })

	snap, _ := bridge(t, phone, mock, 2)

	err = phone.Conferences().StartRecording(snap.ID)
	require.Error(t, err, "запись выключена конфигурацией")
	require.ErrorIs(t, err, softphone.ErrConferenceFeatureDisabled("recording"))
	assert.Zero(t, rec.count(softphone.EventConferenceRecordingStarted))
}

func TestConferenceJoin(t *testing.T) {
	mock := mockTransport.New()
	mock.AutoConfirm = true
	phone, rec := newTestPhone(t, mock)

	snap, err := phone.Conferences().Join(context.Background(), "sip:room42@conf.example.com", softphone.ConferenceOptions{})
	require.NoError(t, err)

	assert.Equal(t, "room42", snap.ID, "идентификатор берётся из user-части адреса")
	assert.Equal(t, softphone.ConferenceActive, snap.State)
	assert.Len(t, snap.Participants, 2, "собственный участник плюс мост к серверу")

	waitFor(t, time.Second, func() bool {
		return rec.count(softphone.EventConferenceActive) == 1
	}, "событие активной конференции")
}

func TestConferenceJoinFailureRollsBack(t *testing.T) {
	mock := mockTransport.New()
	mock.CallErr = assert.AnError
	phone, rec := newTestPhone(t, mock)

	_, err := phone.Conferences().Join(context.Background(), "sip:room42@conf.example.com", softphone.ConferenceOptions{})
	require.Error(t, err)

	_, ok := phone.Conferences().Get("room42")
	assert.False(t, ok, "предварительная запись удаляется при отказе")
	assert.Equal(t, 1, rec.count(softphone.EventConferenceFailed))
}

func TestConferenceJoinTimeout(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Сессия молчит: присоединение снимается по контексту
	_, err := phone.Conferences().Join(ctx, "sip:room42@conf.example.com", softphone.ConferenceOptions{})
	require.Error(t, err)
	assert.True(t, softphone.IsTimeout(err))

	_, ok := phone.Conferences().Get("room42")
	assert.False(t, ok)
}
