package softphone_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/call_control/pkg/softphone"
	"github.com/arzzra/call_control/pkg/transport/mockTransport"
)

func TestBusDeliversByType(t *testing.T) {
	bus := softphone.NewBus()

	var connected, calls atomic.Int32
	bus.On(softphone.EventConnectionConnected, func(softphone.Event) { connected.Add(1) })
	bus.On(softphone.EventCallActive, func(softphone.Event) { calls.Add(1) })

	bus.Emit(softphone.Event{Type: softphone.EventConnectionConnected})
	bus.Emit(softphone.Event{Type: softphone.EventConnectionConnected})
	bus.Emit(softphone.Event{Type: softphone.EventCallRinging})

	assert.Equal(t, int32(2), connected.Load())
	assert.Zero(t, calls.Load(), "чужой тип не доставляется")
}

func TestBusOnAny(t *testing.T) {
	bus := softphone.NewBus()

	var all atomic.Int32
	off := bus.OnAny(func(softphone.Event) { all.Add(1) })

	bus.Emit(softphone.Event{Type: softphone.EventCallRinging})
	bus.Emit(softphone.Event{Type: softphone.EventCallActive})
	assert.Equal(t, int32(2), all.Load())

	off()
	bus.Emit(softphone.Event{Type: softphone.EventCallEnded})
	assert.Equal(t, int32(2), all.Load(), "после отписки события не доставляются")
}

func TestBusUnsubscribe(t *testing.T) {
	bus := softphone.NewBus()

	var n atomic.Int32
	off := bus.On(softphone.EventCallActive, func(softphone.Event) { n.Add(1) })

	bus.Emit(softphone.Event{Type: softphone.EventCallActive})
	off()
	off() // повторная отписка безопасна
	bus.Emit(softphone.Event{Type: softphone.EventCallActive})

	assert.Equal(t, int32(1), n.Load())
}

func TestBusUnsubscribeFromHandler(t *testing.T) {
	bus := softphone.NewBus()

	var n atomic.Int32
	var off func()
	off = bus.On(softphone.EventCallActive, func(softphone.Event) {
		n.Add(1)
		off()
	})

	// Отписка из собственного обработчика не взводит deadlock
	bus.Emit(softphone.Event{Type: softphone.EventCallActive})
	bus.Emit(softphone.Event{Type: softphone.EventCallActive})
	assert.Equal(t, int32(1), n.Load())
}

func TestAsyncBusDeliversInBackground(t *testing.T) {
	bus := softphone.NewAsyncBus(16)
	defer bus.Close()

	var n atomic.Int32
	bus.On(softphone.EventCallActive, func(softphone.Event) { n.Add(1) })

	for i := 0; i < 5; i++ {
		bus.Emit(softphone.Event{Type: softphone.EventCallActive})
	}

	waitFor(t, time.Second, func() bool {
		return n.Load() == 5
	}, "асинхронная шина доставляет все события")
	assert.Zero(t, bus.Dropped())
}

func TestAsyncBusDropsOnOverflow(t *testing.T) {
	bus := softphone.NewAsyncBus(1)

	release := make(chan struct{})
	bus.On(softphone.EventCallActive, func(softphone.Event) { <-release })

	// Первое событие занимает горутину доставки, второе — буфер,
	// остальные отбрасываются
	for i := 0; i < 10; i++ {
		bus.Emit(softphone.Event{Type: softphone.EventCallActive})
	}

	waitFor(t, time.Second, func() bool {
		return bus.Dropped() > 0
	}, "переполнение буфера считается, а не блокирует")

	close(release)
	bus.Close()
}

func TestPhoneEmitsIntoBus(t *testing.T) {
	mock := mockTransport.New()
	bus := softphone.NewBus()

	var connected atomic.Int32
	bus.On(softphone.EventConnectionConnected, func(softphone.Event) { connected.Add(1) })

	cfg := testConfig()
	phone, err := softphone.New(cfg, mock, bus)
	require.NoError(t, err)
	require.NoError(t, phone.Start(context.Background()))
	t.Cleanup(func() { _ = phone.Stop() })

	waitFor(t, time.Second, func() bool {
		return connected.Load() == 1
	}, "события ядра доходят до подписчиков шины")
}
