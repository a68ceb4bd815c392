package siptransport

import (
	"context"
	"fmt"
	"log/slog"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/call_control/pkg/transport"
)

// SIPTransport реализует transport.Transport поверх стека sipgo.
//
// Все команды отправки выполняются через клиентские транзакции sipgo,
// входящие запросы принимаются серверными обработчиками. События
// доставляются в единый канал Events в порядке возникновения.
type SIPTransport struct {
	cfg Config
	log *slog.Logger

	localURI sip.Uri
	contact  sip.ContactHeader

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	ctx    context.Context
	cancel context.CancelFunc

	running  atomic.Bool
	stopOnce sync.Once

	// evMu сериализует отправку событий с закрытием канала при остановке.
	evMu     sync.Mutex
	evClosed bool
	events   chan transport.Event

	mu       sync.RWMutex
	sessions map[string]*sipSession

	regMu    sync.Mutex
	regTimer *time.Timer
}

// New создаёт транспорт по конфигурации. Сокет открывается в Start.
func New(cfg Config) (*SIPTransport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.normalized()

	var localURI sip.Uri
	if err := sip.ParseUri(cfg.URI, &localURI); err != nil {
		return nil, fmt.Errorf("siptransport: разбор URI: %w", err)
	}

	host, port := cfg.listenHostPort()
	t := &SIPTransport{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "siptransport"),
		localURI: localURI,
		contact: sip.ContactHeader{
			Address: sip.Uri{
				Scheme: "sip",
				User:   localURI.User,
				Host:   host,
				Port:   port,
			},
		},
		events:   make(chan transport.Event, 64),
		sessions: make(map[string]*sipSession),
	}
	return t, nil
}

// Start открывает UDP сокет и запускает приём SIP сообщений.
// Повторный вызов на работающем транспорте — no-op.
func (t *SIPTransport) Start(ctx context.Context) error {
	if t.running.Load() {
		return nil
	}

	t.ctx, t.cancel = context.WithCancel(ctx)

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(t.cfg.UserAgent))
	if err != nil {
		return fmt.Errorf("siptransport: создание UA: %w", err)
	}
	t.ua = ua

	t.server, err = sipgo.NewServer(t.ua)
	if err != nil {
		return fmt.Errorf("siptransport: создание сервера: %w", err)
	}
	t.client, err = sipgo.NewClient(t.ua)
	if err != nil {
		return fmt.Errorf("siptransport: создание клиента: %w", err)
	}

	t.setupHandlers()

	t.emit(transport.ConnectingEvent{Attempt: 1})
	t.running.Store(true)

	go func() {
		err := t.server.ListenAndServe(t.ctx, "udp", t.cfg.ListenAddr)
		if err != nil && t.ctx.Err() == nil {
			t.log.Error("SIP сервер остановился с ошибкой", "error", err)
			t.running.Store(false)
			t.emit(transport.DisconnectedEvent{Err: err, Reason: err.Error()})
		}
	}()

	// UDP не имеет фазы установления: сокет считается открытым сразу после
	// запуска слушателя. Ошибка привязки придёт событием DisconnectedEvent.
	t.emit(transport.ConnectedEvent{})
	t.log.Info("SIP транспорт запущен", "listen", t.cfg.ListenAddr, "uri", t.cfg.URI)
	return nil
}

// Stop останавливает транспорт, завершает оставшиеся сессии и закрывает
// канал событий. Повторный вызов безопасен.
func (t *SIPTransport) Stop() error {
	t.stopOnce.Do(func() {
		t.running.Store(false)

		t.regMu.Lock()
		if t.regTimer != nil {
			t.regTimer.Stop()
			t.regTimer = nil
		}
		t.regMu.Unlock()

		t.mu.Lock()
		remaining := make([]*sipSession, 0, len(t.sessions))
		for _, sess := range t.sessions {
			remaining = append(remaining, sess)
		}
		t.mu.Unlock()
		for _, sess := range remaining {
			sess.shutdown()
		}

		if t.cancel != nil {
			t.cancel()
		}
		if t.server != nil {
			_ = t.server.Close()
		}
		if t.client != nil {
			_ = t.client.Close()
		}

		t.emit(transport.DisconnectedEvent{})

		t.evMu.Lock()
		t.evClosed = true
		close(t.events)
		t.evMu.Unlock()

		t.log.Info("SIP транспорт остановлен")
	})
	return nil
}

// IsConnected сообщает, открыт ли слушающий сокет.
func (t *SIPTransport) IsConnected() bool {
	return t.running.Load()
}

// Events возвращает канал событий транспорта.
func (t *SIPTransport) Events() <-chan transport.Event {
	return t.events
}

// Register отправляет REGISTER на настроенный регистратор.
// Исход приходит событиями RegisteredEvent / RegistrationFailedEvent.
func (t *SIPTransport) Register() error {
	if !t.running.Load() {
		return fmt.Errorf("siptransport: транспорт не запущен")
	}
	go t.doRegister(t.cfg.RegisterExpiry)
	return nil
}

// Unregister снимает регистрацию запросом с нулевым Expires.
func (t *SIPTransport) Unregister() error {
	if !t.running.Load() {
		return fmt.Errorf("siptransport: транспорт не запущен")
	}
	go t.doRegister(0)
	return nil
}

func (t *SIPTransport) doRegister(expiry time.Duration) {
	req := sip.NewRequest(sip.REGISTER, t.cfg.serverURI(t.localURI))
	req.AppendHeader(sip.NewHeader("Call-ID", uuid.NewString()))
	req.AppendHeader(&sip.FromHeader{
		DisplayName: t.cfg.DisplayName,
		Address:     t.localURI,
		Params:      sip.HeaderParams{"tag": newTag()},
	})
	req.AppendHeader(&sip.ToHeader{Address: t.localURI, Params: sip.HeaderParams{}})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.AppendHeader(&t.contact)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(expiry.Seconds()))))

	ctx, cancel := context.WithTimeout(t.ctx, requestTimeout)
	defer cancel()

	res, err := t.client.Do(ctx, req)
	if err != nil {
		t.log.Warn("REGISTER не доставлен", "error", err)
		t.emit(transport.RegistrationFailedEvent{Cause: transport.CauseConnectionError, Reason: err.Error()})
		return
	}

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		if expiry == 0 {
			t.stopExpiryTimer()
			t.emit(transport.UnregisteredEvent{})
			return
		}
		granted := expiry
		if h := res.GetHeader("Expires"); h != nil {
			if secs, err := strconv.Atoi(h.Value()); err == nil && secs > 0 {
				granted = time.Duration(secs) * time.Second
			}
		}
		t.scheduleExpiryNotice(granted)
		t.emit(transport.RegisteredEvent{Expires: granted})
	default:
		t.emit(transport.RegistrationFailedEvent{
			StatusCode: res.StatusCode,
			Reason:     res.Reason,
			Cause:      transport.CauseRejected,
		})
	}
}

// scheduleExpiryNotice взводит уведомление об истечении регистрации на
// 80% подтверждённого срока. Перерегистрацию транспорт не выполняет.
func (t *SIPTransport) scheduleExpiryNotice(granted time.Duration) {
	t.regMu.Lock()
	defer t.regMu.Unlock()
	if t.regTimer != nil {
		t.regTimer.Stop()
	}
	t.regTimer = time.AfterFunc(granted*4/5, func() {
		t.emit(transport.RegistrationExpiringEvent{})
	})
}

func (t *SIPTransport) stopExpiryTimer() {
	t.regMu.Lock()
	defer t.regMu.Unlock()
	if t.regTimer != nil {
		t.regTimer.Stop()
		t.regTimer = nil
	}
}

// Call инициирует исходящий INVITE диалог к target.
func (t *SIPTransport) Call(target string, opts transport.CallOptions) (transport.SessionHandle, error) {
	if !t.running.Load() {
		return nil, fmt.Errorf("siptransport: транспорт не запущен")
	}

	var targetURI sip.Uri
	if err := sip.ParseUri(target, &targetURI); err != nil {
		return nil, fmt.Errorf("siptransport: некорректный адрес %q: %w", target, err)
	}

	host, _ := t.cfg.listenHostPort()
	media, err := newMediaEndpoint(t.cfg, host)
	if err != nil {
		return nil, fmt.Errorf("siptransport: медиа-точка: %w", err)
	}
	media.dtlsClient = true

	offer, err := buildSDP(media.Host(), media.Port(), directionSendRecv)
	if err != nil {
		media.Close()
		return nil, err
	}

	callID := uuid.NewString()
	sess := newSession(t, sessionParams{
		id:           callID,
		isUAC:        true,
		localURI:     t.localURI,
		remoteURI:    targetURI,
		remoteTarget: targetURI,
		localTag:     newTag(),
		media:        media,
	})

	invite := sip.NewRequest(sip.INVITE, targetURI)
	invite.AppendHeader(sip.NewHeader("Call-ID", callID))

	from := &sip.FromHeader{
		DisplayName: t.cfg.DisplayName,
		Address:     t.localURI,
		Params:      sip.HeaderParams{"tag": sess.localTag},
	}
	if opts.Anonymous {
		from.DisplayName = "Anonymous"
		from.Address = sip.Uri{Scheme: "sip", User: "anonymous", Host: "anonymous.invalid"}
		invite.AppendHeader(sip.NewHeader("Privacy", "id"))
	}
	invite.AppendHeader(from)
	invite.AppendHeader(&sip.ToHeader{Address: targetURI, Params: sip.HeaderParams{}})
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: sess.nextSeq(), MethodName: sip.INVITE})
	invite.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	invite.AppendHeader(&t.contact)
	invite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	appendExtraHeaders(invite, opts.ExtraHeaders)
	invite.SetBody(offer)

	sess.inviteReq = invite

	tx, err := t.client.TransactionRequest(t.ctx, invite)
	if err != nil {
		media.Close()
		return nil, fmt.Errorf("siptransport: отправка INVITE: %w", err)
	}

	t.addSession(sess)
	go sess.runUAC(tx)
	return sess, nil
}

// SendMessage отправляет внедиалоговое MESSAGE.
func (t *SIPTransport) SendMessage(target string, body string, opts transport.MessageOptions) error {
	if !t.running.Load() {
		return fmt.Errorf("siptransport: транспорт не запущен")
	}

	var targetURI sip.Uri
	if err := sip.ParseUri(target, &targetURI); err != nil {
		return fmt.Errorf("siptransport: некорректный адрес %q: %w", target, err)
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}

	req := t.newOutOfDialogRequest(sip.MESSAGE, targetURI)
	req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	appendExtraHeaders(req, opts.ExtraHeaders)
	req.SetBody([]byte(body))

	tx, err := t.client.TransactionRequest(t.ctx, req)
	if err != nil {
		return fmt.Errorf("siptransport: отправка MESSAGE: %w", err)
	}
	go t.drainTransaction(tx)
	return nil
}

// SendRequest отправляет произвольный внедиалоговый запрос (PUBLISH,
// SUBSCRIBE). Финальный ответ доставляется в opts.OnResponse.
func (t *SIPTransport) SendRequest(method string, target string, opts transport.RequestOptions) error {
	if !t.running.Load() {
		return fmt.Errorf("siptransport: транспорт не запущен")
	}

	var targetURI sip.Uri
	if err := sip.ParseUri(target, &targetURI); err != nil {
		return fmt.Errorf("siptransport: некорректный адрес %q: %w", target, err)
	}

	req := t.newOutOfDialogRequest(sip.RequestMethod(method), targetURI)
	if opts.ContentType != "" {
		req.AppendHeader(sip.NewHeader("Content-Type", opts.ContentType))
	}
	appendExtraHeaders(req, opts.ExtraHeaders)
	if opts.Body != "" {
		req.SetBody([]byte(opts.Body))
	}

	tx, err := t.client.TransactionRequest(t.ctx, req)
	if err != nil {
		return fmt.Errorf("siptransport: отправка %s: %w", method, err)
	}

	go func() {
		for {
			select {
			case res, ok := <-tx.Responses():
				if !ok {
					return
				}
				if res.StatusCode < 200 {
					continue
				}
				if opts.OnResponse != nil {
					opts.OnResponse(convertResponse(res))
				}
				return
			case <-tx.Done():
				return
			case <-t.ctx.Done():
				return
			}
		}
	}()
	return nil
}

// newOutOfDialogRequest собирает заготовку внедиалогового запроса
// с обязательными заголовками.
func (t *SIPTransport) newOutOfDialogRequest(method sip.RequestMethod, target sip.Uri) *sip.Request {
	req := sip.NewRequest(method, target)
	req.AppendHeader(sip.NewHeader("Call-ID", uuid.NewString()))
	req.AppendHeader(&sip.FromHeader{
		DisplayName: t.cfg.DisplayName,
		Address:     t.localURI,
		Params:      sip.HeaderParams{"tag": newTag()},
	})
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.HeaderParams{}})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.AppendHeader(&t.contact)
	return req
}

// drainTransaction вычитывает ответы транзакции до её завершения.
func (t *SIPTransport) drainTransaction(tx sip.ClientTransaction) {
	for {
		select {
		case _, ok := <-tx.Responses():
			if !ok {
				return
			}
		case <-tx.Done():
			return
		case <-t.ctx.Done():
			return
		}
	}
}

// setupHandlers регистрирует обработчики входящих запросов.
func (t *SIPTransport) setupHandlers() {
	t.server.OnInvite(t.handleInvite)
	t.server.OnAck(t.handleAck)
	t.server.OnBye(t.handleBye)
	t.server.OnCancel(t.handleCancel)
	t.server.OnMessage(t.handleMessage)
	t.server.OnNotify(t.handleNotify)
	t.server.OnRefer(t.handleRefer)
}

func (t *SIPTransport) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	if _, ok := t.findSession(callID); ok {
		// Повторный INVITE вне нашего диалогового кода не поддерживается.
		_ = tx.Respond(sip.NewResponseFromRequest(req, 491, "Request Pending", nil))
		return
	}

	_ = tx.Respond(sip.NewResponseFromRequest(req, 100, "Trying", nil))

	host, _ := t.cfg.listenHostPort()
	media, err := newMediaEndpoint(t.cfg, host)
	if err != nil {
		t.log.Error("медиа-точка для входящего вызова", "error", err)
		_ = tx.Respond(sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil))
		return
	}
	if len(req.Body()) > 0 {
		if err := media.setRemoteFromSDP(req.Body()); err != nil {
			t.log.Warn("offer входящего вызова не разобран", "error", err)
		}
	}

	from := req.From()
	remoteTag, _ := from.Params.Get("tag")
	params := sessionParams{
		id:            callID,
		isUAC:         false,
		localURI:      t.localURI,
		remoteURI:     from.Address,
		remoteDisplay: from.DisplayName,
		remoteTarget:  from.Address,
		localTag:      newTag(),
		remoteTag:     remoteTag,
		media:         media,
	}
	if contact := req.GetHeader("Contact"); contact != nil {
		var target sip.Uri
		if err := sip.ParseUri(strings.Trim(contact.Value(), "<>"), &target); err == nil {
			params.remoteTarget = target
		}
	}

	sess := newSession(t, params)
	sess.inviteReq = req
	sess.serverTx = tx
	t.addSession(sess)

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if to := ringing.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.HeaderParams{}
		}
		to.Params["tag"] = sess.localTag
	}
	_ = tx.Respond(ringing)

	t.emit(transport.NewSessionEvent{Originator: transport.OriginatorRemote, Handle: sess})
}

func (t *SIPTransport) handleAck(req *sip.Request, _ sip.ServerTransaction) {
	if sess, ok := t.findSession(req.CallID().Value()); ok {
		sess.handleAck()
	}
}

func (t *SIPTransport) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	if sess, ok := t.findSession(req.CallID().Value()); ok {
		sess.handleRemoteBye()
	}
}

func (t *SIPTransport) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	if sess, ok := t.findSession(req.CallID().Value()); ok {
		sess.handleRemoteCancel()
	}
}

func (t *SIPTransport) handleMessage(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	t.emit(transport.NewMessageEvent{
		Originator:  transport.OriginatorRemote,
		From:        req.From().Address.String(),
		ContentType: headerValue(req, "Content-Type"),
		Body:        string(req.Body()),
	})
}

func (t *SIPTransport) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))

	pkg := headerValue(req, "Event")
	if pkg == "" {
		return
	}
	// NOTIFY неявной подписки REFER: итог перевода уже получен финальным
	// ответом на REFER, уведомление только подтверждаем.
	if strings.HasPrefix(pkg, "refer") {
		return
	}
	t.emit(transport.NotifyEvent{
		Event:             pkg,
		From:              req.From().Address.String(),
		ContentType:       headerValue(req, "Content-Type"),
		Body:              string(req.Body()),
		SubscriptionState: headerValue(req, "Subscription-State"),
	})
}

func (t *SIPTransport) handleRefer(req *sip.Request, tx sip.ServerTransaction) {
	// Входящий перевод вызова не поддерживается управляющим ядром.
	_ = tx.Respond(sip.NewResponseFromRequest(req, 603, "Decline", nil))
}

// emit доставляет событие в канал Events. Валидация — страховка на границе:
// некорректное событие не должно попасть в ядро.
func (t *SIPTransport) emit(ev transport.Event) {
	if err := ev.Validate(); err != nil {
		t.log.Error("некорректное событие транспорта", "kind", ev.Kind(), "error", err)
		return
	}
	t.evMu.Lock()
	defer t.evMu.Unlock()
	if t.evClosed {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.log.Warn("канал событий переполнен, событие отброшено", "kind", ev.Kind())
	}
}

func (t *SIPTransport) addSession(sess *sipSession) {
	t.mu.Lock()
	t.sessions[sess.id] = sess
	t.mu.Unlock()
}

func (t *SIPTransport) removeSession(id string) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

func (t *SIPTransport) findSession(id string) (*sipSession, bool) {
	t.mu.RLock()
	sess, ok := t.sessions[id]
	t.mu.RUnlock()
	return sess, ok
}

// convertResponse переводит ответ sipgo в транспортную форму.
func convertResponse(res *sip.Response) *transport.Response {
	headers := textproto.MIMEHeader{}
	for _, h := range res.Headers() {
		headers.Add(h.Name(), h.Value())
	}
	return &transport.Response{
		StatusCode: res.StatusCode,
		Reason:     res.Reason,
		Headers:    headers,
		Body:       string(res.Body()),
	}
}

// appendExtraHeaders добавляет заголовки в форме "Name: value".
func appendExtraHeaders(req *sip.Request, extra []string) {
	for _, raw := range extra {
		name, value, found := strings.Cut(raw, ":")
		if !found {
			continue
		}
		req.AppendHeader(sip.NewHeader(strings.TrimSpace(name), strings.TrimSpace(value)))
	}
}

func headerValue(req *sip.Request, name string) string {
	if h := req.GetHeader(name); h != nil {
		return h.Value()
	}
	return ""
}

func newTag() string {
	return uuid.NewString()[:8]
}
