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

func TestConnectionStartConnects(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	assert.Equal(t, softphone.ConnectionConnected, phone.ConnectionState(), "после Start состояние Connected")

	waitFor(t, time.Second, func() bool {
		return rec.count(softphone.EventConnectionConnected) == 1
	}, "ровно одно событие connected")
}

func TestConnectionSilentOpenFallback(t *testing.T) {
	// Транспорт открывает сокет, но не шлёт подтверждающее событие:
	// по таймауту открытый сокет считается соединённым
	mock := mockTransport.NewSilent()
	mock.SilentOpen = true

	rec := &recorder{}
	phone, err := softphone.New(testConfig(), mock, rec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = phone.Stop() })

	start := time.Now()
	require.NoError(t, phone.Start(context.Background()), "fallback должен дать успех")
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond, "успех приходит только после окна ожидания")
	assert.Equal(t, softphone.ConnectionConnected, phone.ConnectionState())
}

func TestConnectionTimeoutWithoutSocket(t *testing.T) {
	mock := mockTransport.NewSilent()

	rec := &recorder{}
	phone, err := softphone.New(testConfig(), mock, rec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = phone.Stop() })

	err = phone.Start(context.Background())
	require.Error(t, err, "закрытый молчащий транспорт — отказ")
	assert.True(t, softphone.IsTimeout(err), "ошибка должна быть таймаутом")
	assert.Equal(t, softphone.ConnectionFailed, phone.ConnectionState())
}

func TestConnectionDisconnectDuringWaitIsHardFailure(t *testing.T) {
	// Явный разрыв во время ожидания не поглощается fallback даже при
	// открытом сокете
	mock := mockTransport.NewSilent()
	mock.SilentOpen = true

	rec := &recorder{}
	phone, err := softphone.New(testConfig(), mock, rec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = phone.Stop() })

	go func() {
		time.Sleep(30 * time.Millisecond)
		mock.Emit(transport.DisconnectedEvent{Reason: "remote closed"})
	}()

	err = phone.Start(context.Background())
	require.Error(t, err, "разрыв во время ожидания — жёсткий отказ")
	assert.Equal(t, softphone.ErrorCategoryConnection, softphone.CategoryOf(err))
	assert.False(t, softphone.IsTimeout(err), "это не таймаут, а явный разрыв")
}

func TestConnectionStopIdempotent(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	require.NoError(t, phone.Stop())
	require.NoError(t, phone.Stop(), "повторный Stop безопасен")

	waitFor(t, time.Second, func() bool {
		return rec.count(softphone.EventConnectionDisconnected) == 1
	}, "ровно одно событие disconnected")
	assert.Equal(t, softphone.ConnectionDisconnected, phone.ConnectionState())
}

func TestConnectionDuplicateConnectedEventEmitsOnce(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)
	_ = phone

	// Повторное подтверждение не порождает второй эмиссии
	mock.Emit(transport.ConnectedEvent{})
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, rec.count(softphone.EventConnectionConnected), "эмиссия не чаще одного раза на переход")
}
