package softphone

import (
	"encoding/xml"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arzzra/call_control/pkg/transport"
)

// contentTypePIDF — тип тела presence документа (RFC 3863).
const contentTypePIDF = "application/pidf+xml"

// pidfDocument — минимальный presence документ: базовый статус
// open/closed и необязательная заметка.
type pidfDocument struct {
	XMLName xml.Name    `xml:"urn:ietf:params:xml:ns:pidf presence"`
	Entity  string      `xml:"entity,attr"`
	Tuples  []pidfTuple `xml:"tuple"`
}

type pidfTuple struct {
	ID     string     `xml:"id,attr"`
	Status pidfStatus `xml:"status"`
	Note   string     `xml:"note,omitempty"`
}

type pidfStatus struct {
	Basic string `xml:"basic"`
}

// buildPIDF сериализует presence документ публикующей стороны.
func buildPIDF(entity string, open bool, note string) (string, error) {
	basic := "closed"
	if open {
		basic = "open"
	}
	doc := pidfDocument{
		Entity: entity,
		Tuples: []pidfTuple{{
			ID:     "t1",
			Status: pidfStatus{Basic: basic},
			Note:   note,
		}},
	}
	out, err := xml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("pidf marshal: %w", err)
	}
	return xml.Header + string(out), nil
}

// parsePIDF разбирает presence документ наблюдаемой стороны.
func parsePIDF(body string) (open bool, note string, err error) {
	var doc pidfDocument
	if err := xml.Unmarshal([]byte(body), &doc); err != nil {
		return false, "", fmt.Errorf("pidf unmarshal: %w", err)
	}
	if len(doc.Tuples) == 0 {
		return false, "", nil
	}
	t := doc.Tuples[0]
	return t.Status.Basic == "open", t.Note, nil
}

// PresenceSubscription — активная подписка на presence одного URI.
type PresenceSubscription struct {
	URI     string
	Expires time.Duration
	Active  bool
	// Open и Note — последнее известное состояние наблюдаемого адреса.
	Open bool
	Note string
}

// PresencePublication — состояние публикации одной идентичности.
type PresencePublication struct {
	ETag    string
	Expires time.Duration
}

// PublishOptions — параметры публикации presence.
type PublishOptions struct {
	// Open — базовый статус доступности.
	Open bool
	// Note — свободный текст статуса.
	Note string
	// Expires — срок публикации. 0 — час.
	Expires time.Duration
}

// SubscribeOptions — параметры подписки на presence.
type SubscribeOptions struct {
	// Expires — срок подписки. 0 — час.
	Expires time.Duration
}

// PresenceManager ведёт таблицы публикаций и подписок presence.
//
// Единственный владелец обеих таблиц. Публикация хранит SIP-ETag ответа и
// передаёт его условием SIP-If-Match в следующем запросе: повторные
// публикации становятся дешёвыми обновлениями. Подписка на URI не
// дублируется; снятие подписки чистит локальную запись независимо от
// исхода сетевого запроса — таблица не копит осиротевшие подписки.
type PresenceManager struct {
	tr   transport.Transport
	log  *slog.Logger
	sink EventSink
	mtx  *Metrics

	opTimeout time.Duration

	mu   sync.RWMutex
	pubs map[string]*PresencePublication
	subs map[string]*PresenceSubscription
}

// NewPresenceManager создаёт менеджер presence.
func NewPresenceManager(tr transport.Transport, cfg Config, sink EventSink, mtx *Metrics) *PresenceManager {
	return &PresenceManager{
		tr:        tr,
		log:       cfg.Logger.With("component", "presence"),
		sink:      sink,
		mtx:       mtx,
		opTimeout: cfg.OperationTimeout,
		pubs:      make(map[string]*PresencePublication),
		subs:      make(map[string]*PresenceSubscription),
	}
}

// Publication возвращает состояние публикации идентичности.
func (p *PresenceManager) Publication(identity string) (PresencePublication, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pub, ok := p.pubs[identity]
	if !ok {
		return PresencePublication{}, false
	}
	return *pub, true
}

// Subscription возвращает активную подписку на URI.
func (p *PresenceManager) Subscription(uri string) (PresenceSubscription, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sub, ok := p.subs[uri]
	if !ok {
		return PresenceSubscription{}, false
	}
	return *sub, true
}

// Subscriptions возвращает снимок всех активных подписок.
func (p *PresenceManager) Subscriptions() []PresenceSubscription {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PresenceSubscription, 0, len(p.subs))
	for _, sub := range p.subs {
		out = append(out, *sub)
	}
	return out
}

// sendAwait отправляет внедиалоговый запрос и ждёт финальный ответ не
// дольше opTimeout.
func (p *PresenceManager) sendAwait(method, target string, opts transport.RequestOptions) (*transport.Response, *Error) {
	respCh := make(chan *transport.Response, 1)
	opts.OnResponse = func(r *transport.Response) {
		select {
		case respCh <- r:
		default:
		}
	}

	if p.mtx != nil {
		p.mtx.PresenceRequest(method)
	}
	if err := p.tr.SendRequest(method, target, opts); err != nil {
		return nil, ErrTransportFailure(strings.ToLower(method), err)
	}

	timer := time.NewTimer(p.opTimeout)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		return resp, nil
	case <-timer.C:
		return nil, ErrPresenceTimeout(strings.ToLower(method), p.opTimeout)
	}
}

// Publish публикует presence собственной идентичности.
//
// Хранимый ETag идентичности передаётся условием SIP-If-Match; успешный
// ответ замещает его свежим SIP-ETag.
func (p *PresenceManager) Publish(identity string, opts PublishOptions) error {
	if strings.TrimSpace(identity) == "" {
		return ErrInvalidArgument("identity", "пустая идентичность")
	}

	expires := opts.Expires
	if expires <= 0 {
		expires = time.Hour
	}

	body, err := buildPIDF(identity, opts.Open, opts.Note)
	if err != nil {
		return ErrInvalidArgument("options", err.Error())
	}

	headers := []string{
		"Event: presence",
		"Expires: " + strconv.Itoa(int(expires.Seconds())),
	}
	p.mu.RLock()
	if pub, ok := p.pubs[identity]; ok && pub.ETag != "" {
		headers = append(headers, "SIP-If-Match: "+pub.ETag)
	}
	p.mu.RUnlock()

	resp, perr := p.sendAwait("PUBLISH", identity, transport.RequestOptions{
		Body:         body,
		ContentType:  contentTypePIDF,
		ExtraHeaders: headers,
	})
	if perr != nil {
		p.emitPresence(EventPresencePublishFailed, identity, "", perr)
		return perr
	}
	if !resp.Success() {
		rerr := ErrPresenceRejected("publish", resp.StatusCode, resp.Reason)
		p.emitPresence(EventPresencePublishFailed, identity, "", rerr)
		return rerr
	}

	etag := resp.GetHeader("SIP-ETag")
	if v := resp.GetHeader("Expires"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			expires = time.Duration(secs) * time.Second
		}
	}

	p.mu.Lock()
	p.pubs[identity] = &PresencePublication{ETag: etag, Expires: expires}
	p.mu.Unlock()

	p.sink.Emit(newEvent(EventPresencePublished, PresencePayload{Identity: identity, ETag: etag}))
	p.log.Info("presence опубликован", "identity", identity, "etag", etag)
	return nil
}

// Subscribe подписывается на presence наблюдаемого URI.
// Повторная подписка на тот же URI отклоняется синхронно.
func (p *PresenceManager) Subscribe(uri string, opts SubscribeOptions) error {
	if strings.TrimSpace(uri) == "" {
		return ErrInvalidArgument("uri", "пустой адрес")
	}

	p.mu.Lock()
	if _, exists := p.subs[uri]; exists {
		p.mu.Unlock()
		return ErrPresenceAlreadySubscribed(uri)
	}
	// Запись ставится до roundtrip: конкурентный Subscribe того же URI
	// отклоняется, а не дублируется
	p.subs[uri] = &PresenceSubscription{URI: uri, Active: false}
	p.mu.Unlock()

	expires := opts.Expires
	if expires <= 0 {
		expires = time.Hour
	}

	resp, perr := p.sendAwait("SUBSCRIBE", uri, transport.RequestOptions{
		ExtraHeaders: []string{
			"Event: presence",
			"Accept: " + contentTypePIDF,
			"Expires: " + strconv.Itoa(int(expires.Seconds())),
		},
	})
	if perr != nil {
		p.removeSubscription(uri)
		p.emitPresence(EventPresenceSubscribeFailed, "", uri, perr)
		return perr
	}
	if !resp.Success() {
		p.removeSubscription(uri)
		rerr := ErrPresenceRejected("subscribe", resp.StatusCode, resp.Reason)
		p.emitPresence(EventPresenceSubscribeFailed, "", uri, rerr)
		return rerr
	}

	if v := resp.GetHeader("Expires"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			expires = time.Duration(secs) * time.Second
		}
	}

	p.mu.Lock()
	if sub, ok := p.subs[uri]; ok {
		sub.Active = true
		sub.Expires = expires
	}
	p.mu.Unlock()

	p.sink.Emit(newEvent(EventPresenceSubscribed, PresencePayload{URI: uri}))
	p.log.Info("подписка на presence оформлена", "uri", uri, "expires", expires)
	return nil
}

// Unsubscribe снимает подписку: отправляет SUBSCRIBE с нулевым сроком и
// удаляет локальную запись независимо от исхода сетевого запроса.
// Отсутствие активной подписки — no-op.
func (p *PresenceManager) Unsubscribe(uri string) error {
	p.mu.Lock()
	_, exists := p.subs[uri]
	delete(p.subs, uri)
	p.mu.Unlock()

	if !exists {
		return nil
	}

	_, perr := p.sendAwait("SUBSCRIBE", uri, transport.RequestOptions{
		ExtraHeaders: []string{
			"Event: presence",
			"Expires: 0",
		},
	})
	if perr != nil {
		// Локальная запись уже снята: сетевая ошибка только логируется
		p.log.Warn("снятие подписки не подтверждено", "uri", uri, "error", perr)
	}

	p.sink.Emit(newEvent(EventPresenceUnsubscribed, PresencePayload{URI: uri}))
	p.log.Info("подписка снята", "uri", uri)
	return nil
}

// HandleNotify применяет входящий NOTIFY по подписке presence.
//
// Обновляет последнее известное состояние наблюдаемого адреса и эмитит
// presence.updated; Subscription-State terminated деактивирует подписку.
func (p *PresenceManager) HandleNotify(ev transport.NotifyEvent) {
	if !strings.EqualFold(ev.Event, "presence") {
		p.log.Debug("NOTIFY чужого пакета событий", "event", ev.Event)
		return
	}

	uri := ev.From
	terminated := strings.HasPrefix(strings.ToLower(ev.SubscriptionState), "terminated")

	var open bool
	var note string
	if ev.Body != "" && strings.EqualFold(ev.ContentType, contentTypePIDF) {
		parsed, n, err := parsePIDF(ev.Body)
		if err != nil {
			p.log.Warn("presence документ не разобран", "uri", uri, "error", err)
			return
		}
		open, note = parsed, n
	}

	p.mu.Lock()
	sub, known := p.subs[uri]
	if known {
		sub.Open = open
		sub.Note = note
		if terminated {
			delete(p.subs, uri)
		}
	}
	p.mu.Unlock()

	if !known {
		p.log.Debug("NOTIFY без активной подписки", "uri", uri)
		return
	}

	p.sink.Emit(newEvent(EventPresenceUpdated, PresencePayload{URI: uri, Open: open, Note: note}))
	if terminated {
		p.sink.Emit(newEvent(EventPresenceUnsubscribed, PresencePayload{URI: uri, Reason: "terminated"}))
		p.log.Info("подписка завершена сервером", "uri", uri)
	}
}

func (p *PresenceManager) removeSubscription(uri string) {
	p.mu.Lock()
	delete(p.subs, uri)
	p.mu.Unlock()
}

func (p *PresenceManager) emitPresence(t EventType, identity, uri string, err *Error) {
	payload := PresencePayload{Identity: identity, URI: uri}
	if err != nil {
		payload.StatusCode = err.Status
		payload.Reason = err.Message
	}
	p.sink.Emit(newEvent(t, payload))
}
