package softphone

import (
	"context"
	"time"
)

// HealthStatus — итог проверки состояния компонента.
type HealthStatus int32

const (
	HealthUnknown HealthStatus = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

// String возвращает строковое представление статуса
func (h HealthStatus) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// HealthCheck — результат проверки состояния Phone.
type HealthCheck struct {
	Status     HealthStatus      `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components"`
	Metrics    map[string]int64  `json:"metrics"`
	Errors     []string          `json:"errors,omitempty"`
	Duration   time.Duration     `json:"duration"`
}

// RunHealthCheck собирает состояние соединения, регистрации, реестра
// вызовов и транспорта.
func (p *Phone) RunHealthCheck(ctx context.Context) HealthCheck {
	started := time.Now()
	check := HealthCheck{
		Timestamp:  started,
		Components: make(map[string]string),
		Metrics:    make(map[string]int64),
	}

	connState := p.conn.State()
	check.Components["connection"] = connState.String()
	check.Components["registration"] = p.reg.State().String()
	check.Components["transport"] = map[bool]string{true: "connected", false: "disconnected"}[p.tr.IsConnected()]

	check.Metrics["calls_active"] = int64(p.dir.Count())
	check.Metrics["conferences_active"] = int64(len(p.conf.All()))
	check.Metrics["subscriptions_active"] = int64(len(p.presence.Subscriptions()))
	if p.mtx != nil {
		check.Metrics["calls_total"] = p.mtx.TotalCalls()
	}
	created, fired, cancelled := p.timers.Stats()
	check.Metrics["timers_created"] = created
	check.Metrics["timers_fired"] = fired
	check.Metrics["timers_cancelled"] = cancelled
	check.Metrics["timers_active"] = int64(p.timers.Active())

	switch {
	case connState == ConnectionConnected:
		check.Status = HealthHealthy
	case connState == ConnectionConnecting:
		check.Status = HealthDegraded
		check.Errors = append(check.Errors, "соединение устанавливается")
	case p.tr.IsConnected():
		// Сокет открыт, но супервизор не видит подтверждения
		check.Status = HealthDegraded
		check.Errors = append(check.Errors, "состояние соединения не подтверждено")
	default:
		check.Status = HealthUnhealthy
		check.Errors = append(check.Errors, "соединение отсутствует")
	}

	check.Duration = time.Since(started)
	return check
}
