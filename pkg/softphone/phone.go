package softphone

import (
	"context"
	"log/slog"
	"sync"

	"github.com/arzzra/call_control/pkg/transport"
)

// Phone — фасад управляющего ядра.
//
// Владеет супервизором соединения, менеджером регистрации, реестром
// вызовов, оркестратором конференций и менеджером presence. Все
// глобальные события транспорта потребляет одна горутина-насос: события
// применяются строго в порядке эмиссии транспортом, без переупорядочивания.
//
// Транспорт и приёмник событий инжектируются при создании: ядро не
// различает боевую и тестовую реализации и не заглядывает в окружение.
type Phone struct {
	cfg  Config
	tr   transport.Transport
	sink EventSink
	log  *slog.Logger
	mtx  *Metrics

	timers   *OperationTimers
	conn     *ConnectionSupervisor
	reg      *RegistrationManager
	dir      *Directory
	conf     *ConferenceOrchestrator
	presence *PresenceManager

	mu         sync.Mutex
	started    bool
	audioMuted bool
	pumpDone   chan struct{}
}

// countingSink учитывает каждую эмиссию в метриках.
type countingSink struct {
	inner EventSink
	mtx   *Metrics
}

func (s countingSink) Emit(ev Event) {
	s.mtx.EventEmitted()
	s.inner.Emit(ev)
}

// New создаёт Phone поверх переданного транспорта.
//
// Конфигурация копируется: последующие правки исходного значения ядро не
// видят. sink может быть nil — события отбрасываются.
func New(cfg Config, tr transport.Transport, sink EventSink) (*Phone, error) {
	if tr == nil {
		return nil, ErrInvalidConfig("транспорт не задан")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.normalized()

	if sink == nil {
		sink = NopSink{}
	}

	mtx := NewMetrics(cfg.Registerer)
	counted := countingSink{inner: sink, mtx: mtx}
	timers := NewOperationTimers()

	p := &Phone{
		cfg:    cfg,
		tr:     tr,
		sink:   counted,
		log:    cfg.Logger.With("component", "phone"),
		mtx:    mtx,
		timers: timers,
	}
	p.conn = NewConnectionSupervisor(tr, cfg, counted, mtx)
	p.reg = NewRegistrationManager(tr, p.conn, cfg, counted, mtx)
	p.dir = NewDirectory(tr, cfg, counted, mtx, timers, nil)
	p.conf = NewConferenceOrchestrator(p.dir, cfg, counted, mtx, nil)
	p.presence = NewPresenceManager(tr, cfg, counted, mtx)
	return p, nil
}

// Start запускает насос событий и устанавливает соединение.
// Блокируется до подтверждения соединения, таймаута или отмены контекста.
func (p *Phone) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.pumpDone = make(chan struct{})
	p.mu.Unlock()

	// Насос стартует до соединения: подтверждение приходит через него
	go p.pump()

	if err := p.conn.Start(ctx); err != nil {
		return err
	}
	return nil
}

// Stop разрывает соединение, принудительно завершает оставшиеся вызовы и
// останавливает насос. Повторные вызовы безопасны.
func (p *Phone) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	pumpDone := p.pumpDone
	p.mu.Unlock()

	err := p.conn.Stop()
	p.dir.Shutdown()
	p.timers.Stop()
	if pumpDone != nil {
		<-pumpDone
	}
	return err
}

// pump — единственный потребитель глобального канала событий транспорта.
func (p *Phone) pump() {
	defer close(p.pumpDone)

	for ev := range p.tr.Events() {
		if err := ev.Validate(); err != nil {
			p.log.Warn("событие транспорта отброшено", "kind", ev.Kind(), "error", err)
			continue
		}
		p.route(ev)
	}
}

// route раздаёт событие владеющему компоненту.
func (p *Phone) route(ev transport.Event) {
	switch e := ev.(type) {
	case transport.ConnectingEvent:
		p.conn.HandleConnecting(e)
	case transport.ConnectedEvent:
		p.conn.HandleConnected()
	case transport.DisconnectedEvent:
		p.conn.HandleDisconnected(e)

	case transport.RegisteredEvent:
		p.reg.HandleRegistered(e)
	case transport.UnregisteredEvent:
		p.reg.HandleUnregistered(e)
	case transport.RegistrationFailedEvent:
		p.reg.HandleRegistrationFailed(e)
	case transport.RegistrationExpiringEvent:
		p.reg.HandleExpiring()

	case transport.NewSessionEvent:
		if e.Originator == transport.OriginatorRemote {
			p.dir.Adopt(e.Handle, DirectionIncoming)
			return
		}
		// Исходящие сессии регистрируются в CreateOutgoing по handle
		p.log.Debug("событие локальной сессии пропущено", "session_id", e.Handle.ID())

	case transport.NewMessageEvent:
		p.sink.Emit(newEvent(EventMessageReceived, MessagePayload{
			From:        e.From,
			ContentType: e.ContentType,
			Body:        e.Body,
		}))

	case transport.NotifyEvent:
		p.presence.HandleNotify(e)

	default:
		p.log.Warn("неизвестное событие транспорта", "kind", ev.Kind())
	}
}

// Register регистрирует Phone на SIP сервере.
func (p *Phone) Register(ctx context.Context) error {
	return p.reg.Register(ctx)
}

// Unregister снимает регистрацию.
func (p *Phone) Unregister(ctx context.Context) error {
	return p.reg.Unregister(ctx)
}

// Call инициирует исходящий вызов к target.
func (p *Phone) Call(target string, opts transport.CallOptions) (*Call, error) {
	if !p.conn.IsConnected() {
		return nil, ErrNotConnected("call")
	}
	return p.dir.CreateOutgoing(target, opts)
}

// GetCall возвращает вызов по идентификатору.
func (p *Phone) GetCall(id string) (*Call, bool) {
	return p.dir.Get(id)
}

// Calls возвращает снимок списка активных вызовов.
func (p *Phone) Calls() []*Call {
	return p.dir.All()
}

// SendMessage отправляет внедиалоговое текстовое сообщение.
func (p *Phone) SendMessage(target, body string, opts transport.MessageOptions) error {
	if !p.conn.IsConnected() {
		return ErrNotConnected("sendMessage")
	}
	if err := p.tr.SendMessage(target, body, opts); err != nil {
		return ErrTransportFailure("sendMessage", err).WithField("target", target)
	}
	ct := opts.ContentType
	if ct == "" {
		ct = "text/plain"
	}
	p.sink.Emit(newEvent(EventMessageSent, MessagePayload{Target: target, ContentType: ct, Body: body}))
	return nil
}

// MuteAudio выключает локальный звук всех активных вызовов разом.
//
// Идемпотентна: повторный вызов при уже выключенном звуке — no-op без
// событий. Отказ одного вызова не прерывает остальные: отказы считаются,
// итоговое событие несёт оба счётчика.
func (p *Phone) MuteAudio() error {
	return p.setAudioMuted(true)
}

// UnmuteAudio включает локальный звук всех активных вызовов обратно.
func (p *Phone) UnmuteAudio() error {
	return p.setAudioMuted(false)
}

func (p *Phone) setAudioMuted(muted bool) error {
	p.mu.Lock()
	if p.audioMuted == muted {
		p.mu.Unlock()
		return nil
	}
	p.audioMuted = muted
	p.mu.Unlock()

	succeeded, failed := 0, 0
	for _, call := range p.dir.All() {
		if call.State() != CallActive {
			continue
		}
		var err error
		if muted {
			err = call.Mute()
		} else {
			err = call.Unmute()
		}
		if err != nil {
			failed++
			p.log.Warn("переключение звука вызова", "call_id", call.ID(), "muted", muted, "error", err)
			continue
		}
		succeeded++
	}

	t := EventAudioMuted
	if !muted {
		t = EventAudioUnmuted
	}
	p.sink.Emit(newEvent(t, AudioPayload{Muted: muted, Succeeded: succeeded, Failed: failed}))
	return nil
}

// AudioMuted сообщает, выключен ли общий звук.
func (p *Phone) AudioMuted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.audioMuted
}

// ConnectionState возвращает состояние соединения.
func (p *Phone) ConnectionState() ConnectionState {
	return p.conn.State()
}

// RegistrationState возвращает состояние регистрации.
func (p *Phone) RegistrationState() RegistrationState {
	return p.reg.State()
}

// Conferences возвращает оркестратор конференций.
func (p *Phone) Conferences() *ConferenceOrchestrator {
	return p.conf
}

// Presence возвращает менеджер presence.
func (p *Phone) Presence() *PresenceManager {
	return p.presence
}

// Directory возвращает реестр вызовов.
func (p *Phone) Directory() *Directory {
	return p.dir
}

// Metrics возвращает счётчики ядра.
func (p *Phone) Metrics() *Metrics {
	return p.mtx
}
