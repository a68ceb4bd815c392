package softphone

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics — счётчики управляющего ядра.
//
// Prometheus коллекторы регистрируются в Config.Registerer; nil даёт
// собственный изолированный реестр, чтобы два Phone в одном процессе не
// конфликтовали за имена коллекторов. Параллельно ведутся атомарные
// счётчики для дешёвого внутреннего опроса (health check).
type Metrics struct {
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callTransitions  *prometheus.CounterVec
	connectionState  *prometheus.CounterVec
	registrations    prometheus.Counter
	regTransitions   *prometheus.CounterVec
	conferencesTotal prometheus.Counter
	conferencesOpen  prometheus.Gauge
	presenceRequests *prometheus.CounterVec
	eventsEmitted    prometheus.Counter

	activeCalls     atomic.Int64
	totalCalls      atomic.Int64
	activeConfs     atomic.Int64
	totalRegistered atomic.Int64
}

// NewMetrics создаёт и регистрирует коллекторы метрик.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "calls",
			Name:      "total",
			Help:      "Всего вызовов по направлению",
		}, []string{"direction"}),
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "softphone",
			Subsystem: "calls",
			Name:      "active",
			Help:      "Активные вызовы",
		}),
		callTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "calls",
			Name:      "state_transitions_total",
			Help:      "Переходы состояний вызовов",
		}, []string{"from", "to"}),
		connectionState: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "connection",
			Name:      "transitions_total",
			Help:      "Переходы состояния соединения",
		}, []string{"state"}),
		registrations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "registration",
			Name:      "attempts_total",
			Help:      "Попытки регистрации",
		}),
		regTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "registration",
			Name:      "transitions_total",
			Help:      "Переходы состояния регистрации",
		}, []string{"state"}),
		conferencesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "conferences",
			Name:      "total",
			Help:      "Всего конференций",
		}),
		conferencesOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "softphone",
			Subsystem: "conferences",
			Name:      "active",
			Help:      "Активные конференции",
		}),
		presenceRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "presence",
			Name:      "requests_total",
			Help:      "Отправленные presence запросы",
		}, []string{"method"}),
		eventsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "События, опубликованные ядром",
		}),
	}
}

// CallStarted учитывает новый вызов.
func (m *Metrics) CallStarted(direction string) {
	m.callsTotal.WithLabelValues(direction).Inc()
	m.callsActive.Inc()
	m.activeCalls.Add(1)
	m.totalCalls.Add(1)
}

// CallEnded учитывает завершение вызова.
func (m *Metrics) CallEnded(direction string) {
	m.callsActive.Dec()
	m.activeCalls.Add(-1)
}

// CallStateTransition учитывает переход состояния вызова.
func (m *Metrics) CallStateTransition(from, to string) {
	m.callTransitions.WithLabelValues(from, to).Inc()
}

// ConnectionStateChanged учитывает переход состояния соединения.
func (m *Metrics) ConnectionStateChanged(state string) {
	m.connectionState.WithLabelValues(state).Inc()
}

// RegistrationAttempt учитывает попытку регистрации.
func (m *Metrics) RegistrationAttempt() {
	m.registrations.Inc()
}

// RegistrationStateChanged учитывает переход состояния регистрации.
func (m *Metrics) RegistrationStateChanged(state string) {
	m.regTransitions.WithLabelValues(state).Inc()
	if state == RegistrationRegistered.String() {
		m.totalRegistered.Add(1)
	}
}

// ConferenceStarted учитывает новую конференцию.
func (m *Metrics) ConferenceStarted() {
	m.conferencesTotal.Inc()
	m.conferencesOpen.Inc()
	m.activeConfs.Add(1)
}

// ConferenceEnded учитывает завершение конференции.
func (m *Metrics) ConferenceEnded() {
	m.conferencesOpen.Dec()
	m.activeConfs.Add(-1)
}

// PresenceRequest учитывает отправленный presence запрос.
func (m *Metrics) PresenceRequest(method string) {
	m.presenceRequests.WithLabelValues(method).Inc()
}

// EventEmitted учитывает опубликованное событие.
func (m *Metrics) EventEmitted() {
	m.eventsEmitted.Inc()
}

// ActiveCalls возвращает текущее число активных вызовов.
func (m *Metrics) ActiveCalls() int64 { return m.activeCalls.Load() }

// TotalCalls возвращает общее число вызовов за время жизни.
func (m *Metrics) TotalCalls() int64 { return m.totalCalls.Load() }

// ActiveConferences возвращает текущее число конференций.
func (m *Metrics) ActiveConferences() int64 { return m.activeConfs.Load() }
