package softphone

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/arzzra/call_control/pkg/transport"
)

// Directory — авторитетный реестр активных вызовов.
//
// Только Directory создаёт и удаляет записи вызовов; остальные компоненты
// получают *Call по идентификатору. Идентификатор генерируется до
// обращения к транспорту и после удаления записи никогда не используется
// повторно.
//
// На каждую сессию Directory запускает насос: горутину, читающую канал
// событий handle и применяющую их к вызову строго в порядке эмиссии.
type Directory struct {
	tr    transport.Transport
	log   *slog.Logger
	sink  EventSink
	mtx   *Metrics
	timer *OperationTimers
	gen   IDGenerator
	cfg   Config

	mu   sync.Mutex
	seen map[string]struct{}

	calls *shardedCallMap
	wg    sync.WaitGroup
}

// NewDirectory создаёт реестр вызовов.
func NewDirectory(tr transport.Transport, cfg Config, sink EventSink, mtx *Metrics, timer *OperationTimers, gen IDGenerator) *Directory {
	if gen == nil {
		gen = NewUUIDGenerator("call-")
	}
	return &Directory{
		tr:    tr,
		log:   cfg.Logger.With("component", "directory"),
		sink:  sink,
		mtx:   mtx,
		timer: timer,
		gen:   gen,
		cfg:   cfg,
		seen:  make(map[string]struct{}),
		calls: newShardedCallMap(),
	}
}

// nextID выдаёт свежий идентификатор вызова. Однажды использованный
// идентификатор не выдаётся повторно.
func (d *Directory) nextID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		id := d.gen()
		if _, used := d.seen[id]; !used {
			d.seen[id] = struct{}{}
			return id
		}
	}
}

// CreateOutgoing инициирует исходящий вызов к target.
//
// Идентификатор создаётся и запись регистрируется до транспортного
// roundtrip, поэтому первое событие сессии всегда находит вызов в реестре.
// Инициация ограничена Config.InviteTimeout: если транспорт не прислал ни
// одного события сессии, попытка снимается и guard освобождается.
func (d *Directory) CreateOutgoing(target string, opts transport.CallOptions) (*Call, error) {
	if strings.TrimSpace(target) == "" {
		return nil, ErrInvalidArgument("target", "пустой адрес вызова")
	}

	id := d.nextID()
	c := newCall(id, DirectionOutgoing, d.log, d.sink, d.mtx, d.cfg.OperationTimeout)
	c.onTerminal = d.removeOnTerminal
	d.calls.Set(id, c)
	if d.mtx != nil {
		d.mtx.CallStarted(DirectionOutgoing.String())
	}

	handle, err := d.tr.Call(target, opts)
	if err != nil {
		d.calls.Delete(id)
		if d.mtx != nil {
			d.mtx.CallEnded(DirectionOutgoing.String())
		}
		d.log.Error("инициация вызова отклонена транспортом", "target", target, "error", err)
		return nil, ErrTransportFailure("call", err).WithField("target", target)
	}

	c.attachHandle(handle)
	c.transition(callEventCalling)
	c.emitCall(EventCallInitiated)
	d.log.Info("исходящий вызов создан", "call_id", id, "target", target)

	// Guard инициации: ни одного события сессии за InviteTimeout —
	// попытка снимается
	inviteKey := "invite:" + id
	d.timer.Set(inviteKey, d.cfg.InviteTimeout, func() {
		d.log.Warn("инициация вызова не получила ответа, попытка снята", "call_id", id)
		_ = handle.Terminate(transport.TerminateOptions{})
		c.finish(string(transport.CauseRequestTimeout), EventCallFailed)
	})

	d.startPump(c, handle, inviteKey)
	return c, nil
}

// Adopt регистрирует сессию, созданную транспортом: входящий вызов.
func (d *Directory) Adopt(handle transport.SessionHandle, direction CallDirection) *Call {
	id := d.nextID()
	c := newCall(id, direction, d.log, d.sink, d.mtx, d.cfg.OperationTimeout)
	c.onTerminal = d.removeOnTerminal
	c.attachHandle(handle)
	d.calls.Set(id, c)
	if d.mtx != nil {
		d.mtx.CallStarted(direction.String())
	}

	if direction == DirectionIncoming {
		c.transition(callEventProgress)
		c.emitCall(EventCallIncoming)
		d.log.Info("входящий вызов принят в реестр", "call_id", id, "from", handle.RemoteURI())
	} else {
		c.transition(callEventCalling)
		c.emitCall(EventCallInitiated)
	}

	d.startPump(c, handle, "")
	return c
}

// startPump запускает насос событий сессии. Первое событие снимает guard
// инициации; насос завершается по закрытию канала либо терминалу вызова.
func (d *Directory) startPump(c *Call, handle transport.SessionHandle, inviteKey string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		events := handle.Events()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if inviteKey != "" {
					d.timer.Cancel(inviteKey)
					inviteKey = ""
				}
				c.applySessionEvent(ev)
			case <-c.Done():
				return
			}
		}
	}()
}

// removeOnTerminal снимает завершённый вызов из реестра.
func (d *Directory) removeOnTerminal(c *Call) {
	if d.calls.Delete(c.ID()) {
		d.timer.Cancel("invite:" + c.ID())
		if d.mtx != nil {
			d.mtx.CallEnded(c.Direction().String())
		}
	}
}

// Get возвращает вызов по идентификатору.
func (d *Directory) Get(id string) (*Call, bool) {
	return d.calls.Get(id)
}

// All возвращает снимок списка активных вызовов.
func (d *Directory) All() []*Call {
	return d.calls.Snapshot()
}

// Remove снимает вызов из реестра без завершения сессии.
// Обычно не нужен: терминальное событие удаляет запись само.
func (d *Directory) Remove(id string) bool {
	return d.calls.Delete(id)
}

// Count возвращает число активных вызовов.
func (d *Directory) Count() int {
	return d.calls.Count()
}

// Shutdown принудительно завершает оставшиеся вызовы и дожидается
// остановки всех насосов.
func (d *Directory) Shutdown() {
	for _, c := range d.calls.Snapshot() {
		c.finish(string(transport.CauseConnectionError), EventCallEnded)
	}
	d.wg.Wait()
}
