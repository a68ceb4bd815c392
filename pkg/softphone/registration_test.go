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

func TestRegisterSuccess(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	require.NoError(t, phone.Register(context.Background()))
	assert.Equal(t, softphone.RegistrationRegistered, phone.RegistrationState())
	assert.Equal(t, 1, mock.RegisterCalls())

	waitFor(t, time.Second, func() bool {
		return rec.count(softphone.EventRegistrationRegistered) == 1
	}, "событие registered")
}

func TestRegisterWhileRegisteredIsNoop(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	require.NoError(t, phone.Register(context.Background()))

	// Повторные регистрации не отправляют дублирующих запросов
	for i := 0; i < 5; i++ {
		require.NoError(t, phone.Register(context.Background()))
	}
	assert.Equal(t, softphone.RegistrationRegistered, phone.RegistrationState(), "состояние остаётся Registered")
	assert.Equal(t, 1, mock.RegisterCalls(), "ровно один REGISTER ушёл в транспорт")
}

func TestRegisterRequiresConnection(t *testing.T) {
	mock := mockTransport.NewSilent()
	rec := &recorder{}
	phone, err := softphone.New(testConfig(), mock, rec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = phone.Stop() })

	err = phone.Register(context.Background())
	require.Error(t, err, "без соединения регистрация отклоняется")
	assert.Equal(t, softphone.ErrorCategoryConnection, softphone.CategoryOf(err))
	assert.Zero(t, mock.RegisterCalls(), "запрос не должен уйти в транспорт")
}

func TestRegisterTimeoutFailsExactlyOnce(t *testing.T) {
	mock := mockTransport.New()
	mock.DropRegister = true
	phone, rec := newTestPhone(t, mock)

	err := phone.Register(context.Background())
	require.Error(t, err, "без подтверждения регистрация отклоняется по таймауту")
	assert.True(t, softphone.IsTimeout(err))
	assert.Equal(t, softphone.RegistrationFailed, phone.RegistrationState())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count(softphone.EventRegistrationFailed), "RegistrationFailed ровно один раз")
}

func TestRegisterRejectedByServer(t *testing.T) {
	mock := mockTransport.New()
	mock.RegisterStatus = 403
	phone, _ := newTestPhone(t, mock)

	err := phone.Register(context.Background())
	require.Error(t, err)
	assert.Equal(t, 403, softphone.StatusOf(err), "код отказа сервера доступен вызывающей стороне")
	assert.Equal(t, softphone.RegistrationFailed, phone.RegistrationState())
}

func TestRegisterTimeoutReleasesGuard(t *testing.T) {
	mock := mockTransport.New()
	mock.DropRegister = true
	phone, _ := newTestPhone(t, mock)

	require.Error(t, phone.Register(context.Background()))

	// Guard освобождён: следующая попытка снова доходит до транспорта
	mock.DropRegister = false
	require.NoError(t, phone.Register(context.Background()))
	assert.Equal(t, softphone.RegistrationRegistered, phone.RegistrationState())
	assert.Equal(t, 2, mock.RegisterCalls())
}

func TestUnregisterSuccess(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	require.NoError(t, phone.Register(context.Background()))
	require.NoError(t, phone.Unregister(context.Background()))
	assert.Equal(t, softphone.RegistrationUnregistered, phone.RegistrationState())

	waitFor(t, time.Second, func() bool {
		return rec.count(softphone.EventRegistrationUnregistered) == 1
	}, "событие unregistered")
}

func TestUnregisterForcedAfterTimeout(t *testing.T) {
	mock := mockTransport.New()
	mock.DropUnregister = true
	phone, rec := newTestPhone(t, mock)

	require.NoError(t, phone.Register(context.Background()))

	// Транспорт молчит: состояние сбрасывается принудительно, метод
	// возвращает nil, диагностика — advisory событием
	require.NoError(t, phone.Unregister(context.Background()))
	assert.Equal(t, softphone.RegistrationUnregistered, phone.RegistrationState())

	waitFor(t, time.Second, func() bool {
		return rec.count(softphone.EventRegistrationForcedUnregistered) == 1
	}, "advisory событие о принудительном сбросе")
}

func TestUnregisterWhileUnregisteredIsNoop(t *testing.T) {
	mock := mockTransport.New()
	phone, _ := newTestPhone(t, mock)

	require.NoError(t, phone.Unregister(context.Background()))
	assert.Zero(t, mock.UnregisterCalls())
}

func TestRegistrationExpiringIsAdvisoryOnly(t *testing.T) {
	mock := mockTransport.New()
	phone, rec := newTestPhone(t, mock)

	require.NoError(t, phone.Register(context.Background()))

	mock.Emit(transport.RegistrationExpiringEvent{})
	waitFor(t, time.Second, func() bool {
		return rec.count(softphone.EventRegistrationExpiring) == 1
	}, "advisory событие expiring")

	assert.Equal(t, softphone.RegistrationRegistered, phone.RegistrationState(), "состояние не меняется")
	assert.Equal(t, 1, mock.RegisterCalls(), "перерегистрация не выполняется автоматически")
}
