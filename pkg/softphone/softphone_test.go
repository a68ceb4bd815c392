package softphone_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arzzra/call_control/pkg/softphone"
	"github.com/arzzra/call_control/pkg/transport/mockTransport"
)

// testConfig возвращает конфигурацию с укороченными таймаутами.
func testConfig() softphone.Config {
	cfg := softphone.DefaultConfig()
	cfg.URI = "sip:alice@example.com"
	cfg.ConnectionTimeout = 200 * time.Millisecond
	cfg.RegistrationTimeout = 200 * time.Millisecond
	cfg.UnregistrationTimeout = 100 * time.Millisecond
	cfg.OperationTimeout = 150 * time.Millisecond
	cfg.InviteTimeout = 300 * time.Millisecond
	return cfg
}

// recorder собирает события ядра для проверок.
type recorder struct {
	mu     sync.Mutex
	events []softphone.Event
}

func (r *recorder) Emit(ev softphone.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// count возвращает число событий данного типа.
func (r *recorder) count(t softphone.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// last возвращает последнее событие данного типа.
func (r *recorder) last(t softphone.EventType) (softphone.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return softphone.Event{}, false
}

// waitFor опрашивает условие до истечения timeout.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "условие не наступило", msg)
}

// newTestPhone создаёт запущенный Phone поверх мок-транспорта.
func newTestPhone(t *testing.T, mock *mockTransport.MockTransport) (*softphone.Phone, *recorder) {
	t.Helper()

	rec := &recorder{}
	phone, err := softphone.New(testConfig(), mock, rec)
	require.NoError(t, err, "Phone должен создаться")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, phone.Start(ctx), "Phone должен запуститься")

	t.Cleanup(func() { _ = phone.Stop() })
	return phone, rec
}
