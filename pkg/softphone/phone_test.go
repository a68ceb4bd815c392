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

func TestPhoneNewRequiresTransport(t *testing.T) {
	_, err := softphone.New(testConfig(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, softphone.ErrorCategoryValidation, softphone.CategoryOf(err))
}

func TestPhoneNewValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.URI = ""

	_, err := softphone.New(cfg, mockTransport.New(), nil)
	require.Error(t, err, "пустой URI отклоняется")
	assert.Equal(t, softphone.ErrorCategoryValidation, softphone.CategoryOf(err))
}

func TestPhoneStartIdempotent(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	require.NoError(t, phone.Start(context.Background()), "повторный Start безопасен")
}

func TestPhoneStopTerminatesRemainingCalls(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	call, _ := dialActive(t, phone, mock, "sip:bob@example.com")

	require.NoError(t, phone.Stop())
	assert.Equal(t, softphone.CallTerminated, call.State(), "остановка принудительно завершает вызовы")
	assert.Zero(t, phone.Directory().Count())
}

func TestSendMessage(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	require.NoError(t, phone.SendMessage("sip:bob@example.com", "привет", transport.MessageOptions{}))

	msgs := mock.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "sip:bob@example.com", msgs[0].Target)
	assert.Equal(t, "привет", msgs[0].Body)
	assert.Equal(t, "text/plain", msgs[0].ContentType)

	waitFor(t, time.Second, func() bool {
		return rec.count(softphone.EventMessageSent) == 1
	}, "событие об отправке")
}

func TestSendMessageRequiresConnection(t *testing.T) {
	mock := mockTransport.NewSilent()
	phone, err := softphone.New(testConfig(), mock, nil)
	require.NoError(t, err)

	err = phone.SendMessage("sip:bob@example.com", "привет", transport.MessageOptions{})
	require.Error(t, err)
	assert.Empty(t, mock.Messages())
}

func TestSendMessageTransportFailure(t *testing.T) {
	mock := mockTransport.New()
	mock.MessageErr = assert.AnError
	phone, rec := newTestPhone(t, mock)

	err := phone.SendMessage("sip:bob@example.com", "привет", transport.MessageOptions{})
	require.Error(t, err)
	assert.Equal(t, softphone.ErrorCategoryTransport, softphone.CategoryOf(err))
	assert.Zero(t, rec.count(softphone.EventMessageSent))
}

func TestIncomingMessageEmitsEvent(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)
	_ = phone

	mock.Emit(transport.NewMessageEvent{
		From:        "sip:bob@example.com",
		ContentType: "text/plain",
		Body:        "пинг",
	})

	waitFor(t, time.Second, func() bool {
		return rec.count(softphone.EventMessageReceived) == 1
	}, "входящее сообщение публикуется событием")

	ev, ok := rec.last(softphone.EventMessageReceived)
	require.True(t, ok)
	payload, ok := ev.Payload.(softphone.MessagePayload)
	require.True(t, ok)
	assert.Equal(t, "sip:bob@example.com", payload.From)
	assert.Equal(t, "пинг", payload.Body)
}

func TestMuteAudioAcrossCalls(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	a, _ := dialActive(t, phone, mock, "sip:a@example.com")
	b, _ := dialActive(t, phone, mock, "sip:b@example.com")

	require.NoError(t, phone.MuteAudio())
	assert.True(t, phone.AudioMuted())
	assert.True(t, a.Muted())
	assert.True(t, b.Muted())
	assert.Equal(t, 1, rec.count(softphone.EventAudioMuted))

	// Идемпотентность: повторное выключение — no-op без событий
	require.NoError(t, phone.MuteAudio())
	assert.Equal(t, 1, rec.count(softphone.EventAudioMuted))

	require.NoError(t, phone.UnmuteAudio())
	assert.False(t, phone.AudioMuted())
	assert.False(t, a.Muted())
	assert.False(t, b.Muted())
	assert.Equal(t, 1, rec.count(softphone.EventAudioUnmuted))
}

func TestMuteAudioCountsFailures(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	_, _ = dialActive(t, phone, mock, "sip:a@example.com")
	_, sessB := dialActive(t, phone, mock, "sip:b@example.com")
	sessB.MuteErr = assert.AnError

	// Отказ одного вызова не прерывает остальные
	require.NoError(t, phone.MuteAudio())

	ev, ok := rec.last(softphone.EventAudioMuted)
	require.True(t, ok)
	payload, ok := ev.Payload.(softphone.AudioPayload)
	require.True(t, ok)
	assert.Equal(t, 1, payload.Succeeded)
	assert.Equal(t, 1, payload.Failed)
}

func TestRunHealthCheckHealthy(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	_, _ = dialActive(t, phone, mock, "sip:a@example.com")

	check := phone.RunHealthCheck(context.Background())
	assert.Equal(t, softphone.HealthHealthy, check.Status)
	assert.Equal(t, "connected", check.Components["connection"])
	assert.Equal(t, int64(1), check.Metrics["calls_active"])
	assert.Equal(t, int64(1), check.Metrics["calls_total"])
	assert.Empty(t, check.Errors)
}

func TestRunHealthCheckUnhealthyWithoutConnection(t *testing.T) {
	mock := mockTransport.NewSilent()
	phone, err := softphone.New(testConfig(), mock, nil)
	require.NoError(t, err)

	check := phone.RunHealthCheck(context.Background())
	assert.Equal(t, softphone.HealthUnhealthy, check.Status)
	assert.NotEmpty(t, check.Errors)
}

func TestMetricsTrackCallLifecycle(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	call, _ := dialActive(t, phone, mock, "sip:a@example.com")
	assert.Equal(t, int64(1), phone.Metrics().ActiveCalls())
	assert.Equal(t, int64(1), phone.Metrics().TotalCalls())

	require.NoError(t, call.Hangup(context.Background()))
	assert.Zero(t, phone.Metrics().ActiveCalls())
	assert.Equal(t, int64(1), phone.Metrics().TotalCalls(), "общий счётчик не убывает")
}
