package siptransport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/call_control/pkg/transport"
)

// sipSession — один сигнальный диалог поверх sipgo, реализация
// transport.SessionHandle.
//
// Исходящая сессия (UAC) живёт от INVITE до финального ответа и далее до
// BYE; входящая (UAS) — от принятого INVITE. Терминальное событие
// (EndedEvent/FailedEvent) закрывает канал событий и освобождает медиа.
type sipSession struct {
	t     *SIPTransport
	id    string
	isUAC bool

	localURI      sip.Uri
	remoteURI     sip.Uri
	remoteDisplay string
	remoteTarget  sip.Uri

	localTag  string
	remoteTag string

	inviteReq  *sip.Request
	inviteResp *sip.Response
	serverTx   sip.ServerTransaction

	media *mediaEndpoint

	mu        sync.Mutex
	localSeq  uint32
	confirmed bool
	finished  bool
	onHold    bool

	// emitMu сериализует отправку событий с закрытием канала.
	emitMu   sync.Mutex
	evClosed bool
	events   chan transport.SessionEvent
}

type sessionParams struct {
	id            string
	isUAC         bool
	localURI      sip.Uri
	remoteURI     sip.Uri
	remoteDisplay string
	remoteTarget  sip.Uri
	localTag      string
	remoteTag     string
	media         *mediaEndpoint
}

func newSession(t *SIPTransport, p sessionParams) *sipSession {
	return &sipSession{
		t:             t,
		id:            p.id,
		isUAC:         p.isUAC,
		localURI:      p.localURI,
		remoteURI:     p.remoteURI,
		remoteDisplay: p.remoteDisplay,
		remoteTarget:  p.remoteTarget,
		localTag:      p.localTag,
		remoteTag:     p.remoteTag,
		media:         p.media,
		events:        make(chan transport.SessionEvent, 32),
	}
}

func (s *sipSession) ID() string                { return s.id }
func (s *sipSession) LocalURI() string          { return s.localURI.String() }
func (s *sipSession) RemoteURI() string         { return s.remoteURI.String() }
func (s *sipSession) RemoteDisplayName() string { return s.remoteDisplay }

func (s *sipSession) Events() <-chan transport.SessionEvent {
	return s.events
}

// runUAC сопровождает клиентскую INVITE транзакцию до финального ответа.
func (s *sipSession) runUAC(tx sip.ClientTransaction) {
	for {
		select {
		case <-s.t.ctx.Done():
			return
		case <-tx.Done():
			if !s.isConfirmed() && !s.isFinished() {
				s.finish(transport.FailedEvent{
					Originator: transport.OriginatorSystem,
					Cause:      transport.CauseRequestTimeout,
				})
			}
			return
		case res, ok := <-tx.Responses():
			if !ok {
				if !s.isConfirmed() && !s.isFinished() {
					s.finish(transport.FailedEvent{
						Originator: transport.OriginatorSystem,
						Cause:      transport.CauseRequestTimeout,
					})
				}
				return
			}
			switch {
			case res.StatusCode < 200:
				if res.StatusCode > 100 {
					s.emit(transport.ProgressEvent{
						StatusCode: res.StatusCode,
						HasMedia:   len(res.Body()) > 0,
					})
				}
			case res.StatusCode < 300:
				s.confirmOutgoing(res)
				return
			default:
				s.finish(transport.FailedEvent{
					Originator: transport.OriginatorRemote,
					Cause:      causeFromStatus(res.StatusCode),
					StatusCode: res.StatusCode,
				})
				return
			}
		}
	}
}

// confirmOutgoing фиксирует 2xx на INVITE: ACK, применение answer,
// события Accepted и Confirmed.
func (s *sipSession) confirmOutgoing(res *sip.Response) {
	s.mu.Lock()
	s.inviteResp = res
	if to := res.To(); to != nil && to.Params != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			s.remoteTag = tag
		}
	}
	if contact := res.GetHeader("Contact"); contact != nil {
		var target sip.Uri
		if err := sip.ParseUri(strings.Trim(contact.Value(), "<>"), &target); err == nil {
			s.remoteTarget = target
		}
	}
	s.confirmed = true
	s.mu.Unlock()

	if len(res.Body()) > 0 {
		if err := s.media.setRemoteFromSDP(res.Body()); err != nil {
			s.t.log.Warn("answer удалённой стороны не разобран", "callID", s.id, "error", err)
		}
	}

	ack := s.buildACK(res)
	if err := s.t.client.WriteRequest(ack, sipgo.ClientRequestAddVia); err != nil {
		s.t.log.Error("отправка ACK", "callID", s.id, "error", err)
	}

	s.media.start()
	s.emit(transport.AcceptedEvent{StatusCode: res.StatusCode})
	s.emit(transport.ConfirmedEvent{})
}

// buildACK собирает ACK для 2xx ответа: тот же Request-URI и CSeq номер,
// To берётся из ответа вместе с тегом удалённой стороны.
func (s *sipSession) buildACK(res *sip.Response) *sip.Request {
	ack := sip.NewRequest(sip.ACK, s.inviteReq.Recipient)
	ack.AppendHeader(sip.NewHeader("Call-ID", s.id))
	ack.AppendHeader(s.inviteReq.From())
	ack.AppendHeader(res.To())
	ack.AppendHeader(&sip.CSeqHeader{
		SeqNo:      s.inviteReq.CSeq().SeqNo,
		MethodName: sip.ACK,
	})
	ack.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	return ack
}

// Answer принимает входящую сессию ответом 200 OK с локальным SDP.
// Подтверждение (ConfirmedEvent) приходит после ACK удалённой стороны.
func (s *sipSession) Answer(opts transport.AnswerOptions) error {
	s.mu.Lock()
	if s.isUAC {
		s.mu.Unlock()
		return fmt.Errorf("siptransport: Answer применим только к входящей сессии")
	}
	if s.finished {
		s.mu.Unlock()
		return fmt.Errorf("siptransport: сессия %s завершена", s.id)
	}
	req, tx, tag := s.inviteReq, s.serverTx, s.localTag
	s.mu.Unlock()

	answer, err := buildSDP(s.media.Host(), s.media.Port(), directionSendRecv)
	if err != nil {
		return err
	}

	resp := sip.NewResponseFromRequest(req, 200, "OK", answer)
	if to := resp.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.HeaderParams{}
		}
		to.Params["tag"] = tag
	}
	resp.AppendHeader(&s.t.contact)
	resp.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	for _, raw := range opts.ExtraHeaders {
		if name, value, found := strings.Cut(raw, ":"); found {
			resp.AppendHeader(sip.NewHeader(strings.TrimSpace(name), strings.TrimSpace(value)))
		}
	}

	if err := tx.Respond(resp); err != nil {
		return fmt.Errorf("siptransport: ответ 200 OK: %w", err)
	}
	return nil
}

// handleAck завершает установление входящей сессии.
func (s *sipSession) handleAck() {
	s.mu.Lock()
	already := s.confirmed
	s.confirmed = true
	s.mu.Unlock()
	if already {
		return
	}
	s.media.start()
	s.emit(transport.ConfirmedEvent{})
}

func (s *sipSession) handleRemoteBye() {
	s.finish(transport.EndedEvent{
		Originator: transport.OriginatorRemote,
		Cause:      transport.CauseBye,
	})
}

func (s *sipSession) handleRemoteCancel() {
	s.mu.Lock()
	if s.isUAC || s.confirmed || s.finished {
		s.mu.Unlock()
		return
	}
	req, tx := s.inviteReq, s.serverTx
	s.mu.Unlock()

	if tx != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 487, "Request Terminated", nil))
	}
	s.finish(transport.FailedEvent{
		Originator: transport.OriginatorRemote,
		Cause:      transport.CauseCanceled,
		StatusCode: 487,
	})
}

// Terminate завершает сессию способом, соответствующим её состоянию:
// BYE для подтверждённой, CANCEL для неотвеченной исходящей, отказ с кодом
// для неотвеченной входящей.
func (s *sipSession) Terminate(opts transport.TerminateOptions) error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return nil
	}
	confirmed, isUAC := s.confirmed, s.isUAC
	s.mu.Unlock()

	switch {
	case confirmed:
		go s.sendBye(opts)
	case isUAC:
		go s.sendCancel()
	default:
		go s.rejectIncoming(opts)
	}
	return nil
}

func (s *sipSession) sendBye(opts transport.TerminateOptions) {
	bye := sip.NewRequest(sip.BYE, s.remoteTarget)
	s.applyDialogHeaders(bye)
	for _, raw := range opts.ExtraHeaders {
		if name, value, found := strings.Cut(raw, ":"); found {
			bye.AppendHeader(sip.NewHeader(strings.TrimSpace(name), strings.TrimSpace(value)))
		}
	}

	ctx, cancel := context.WithTimeout(s.t.ctx, requestTimeout)
	defer cancel()
	if _, err := s.t.client.Do(ctx, bye); err != nil {
		s.t.log.Warn("BYE не доставлен", "callID", s.id, "error", err)
	}
	s.finish(transport.EndedEvent{
		Originator: transport.OriginatorLocal,
		Cause:      transport.CauseBye,
	})
}

// sendCancel отменяет неотвеченный исходящий INVITE. CANCEL повторяет
// Request-URI, Via и идентификаторы исходного запроса (RFC 3261 §9.1).
func (s *sipSession) sendCancel() {
	cancelReq := sip.NewRequest(sip.CANCEL, s.inviteReq.Recipient)
	if via := s.inviteReq.Via(); via != nil {
		cancelReq.AppendHeader(via)
	}
	cancelReq.AppendHeader(sip.NewHeader("Call-ID", s.id))
	cancelReq.AppendHeader(s.inviteReq.From())
	cancelReq.AppendHeader(s.inviteReq.To())
	cancelReq.AppendHeader(&sip.CSeqHeader{
		SeqNo:      s.inviteReq.CSeq().SeqNo,
		MethodName: sip.CANCEL,
	})
	cancelReq.AppendHeader(sip.NewHeader("Max-Forwards", "70"))

	if err := s.t.client.WriteRequest(cancelReq); err != nil {
		s.t.log.Warn("CANCEL не доставлен", "callID", s.id, "error", err)
	}
	s.finish(transport.EndedEvent{
		Originator: transport.OriginatorLocal,
		Cause:      transport.CauseCanceled,
	})
}

func (s *sipSession) rejectIncoming(opts transport.TerminateOptions) {
	code, reason := opts.StatusCode, opts.Reason
	if code == 0 {
		code, reason = 603, "Decline"
	}
	if reason == "" {
		reason = "Decline"
	}

	s.mu.Lock()
	req, tx := s.inviteReq, s.serverTx
	s.mu.Unlock()
	if tx != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil))
	}
	s.finish(transport.EndedEvent{
		Originator: transport.OriginatorLocal,
		Cause:      transport.CauseRejected,
	})
}

// Hold ставит сессию на удержание направлением sendonly в re-INVITE.
func (s *sipSession) Hold() error {
	return s.reinvite(directionSendOnly, true)
}

// Unhold возвращает направление sendrecv.
func (s *sipSession) Unhold() error {
	return s.reinvite(directionSendRecv, false)
}

func (s *sipSession) reinvite(dir mediaDirection, hold bool) error {
	if !s.isConfirmed() {
		return fmt.Errorf("siptransport: сессия %s не подтверждена", s.id)
	}

	body, err := buildSDP(s.media.Host(), s.media.Port(), dir)
	if err != nil {
		return err
	}

	req := sip.NewRequest(sip.INVITE, s.remoteTarget)
	from, to, seq := s.applyDialogHeaders(req)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(body)

	tx, err := s.t.client.TransactionRequest(s.t.ctx, req)
	if err != nil {
		return fmt.Errorf("siptransport: отправка re-INVITE: %w", err)
	}

	go func() {
		res, ok := s.waitFinal(tx)
		if !ok {
			return
		}
		if res.StatusCode >= 300 {
			s.t.log.Warn("re-INVITE отклонён", "callID", s.id, "status", res.StatusCode)
			return
		}
		ack := sip.NewRequest(sip.ACK, s.remoteTarget)
		ack.AppendHeader(sip.NewHeader("Call-ID", s.id))
		ack.AppendHeader(sip.NewHeader("From", from))
		ack.AppendHeader(sip.NewHeader("To", to))
		ack.AppendHeader(sip.NewHeader("CSeq", fmt.Sprintf("%d ACK", seq)))
		ack.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
		if err := s.t.client.WriteRequest(ack, sipgo.ClientRequestAddVia); err != nil {
			s.t.log.Warn("ACK на re-INVITE", "callID", s.id, "error", err)
		}

		s.mu.Lock()
		s.onHold = hold
		s.mu.Unlock()
		if hold {
			s.emit(transport.HoldEvent{Originator: transport.OriginatorLocal})
		} else {
			s.emit(transport.UnholdEvent{Originator: transport.OriginatorLocal})
		}
	}()
	return nil
}

// Mute отключает передачу локального медиапотока. Локальная операция.
func (s *sipSession) Mute() error {
	s.media.setMuted(true)
	return nil
}

// Unmute включает передачу обратно.
func (s *sipSession) Unmute() error {
	s.media.setMuted(false)
	return nil
}

// SendDTMF передаёт тоны пакетами telephone-event (RFC 4733).
func (s *sipSession) SendDTMF(tones string, opts transport.DTMFOptions) error {
	if !s.isConfirmed() {
		return fmt.Errorf("siptransport: сессия %s не подтверждена", s.id)
	}
	duration := opts.Duration
	if duration == 0 {
		duration = 100 * time.Millisecond
	}
	gap := opts.InterToneGap
	if gap == 0 {
		gap = 70 * time.Millisecond
	}
	go s.media.sendDTMF(tones, duration, gap)
	return nil
}

// Renegotiate пересогласовывает медиапараметры re-INVITE либо UPDATE.
func (s *sipSession) Renegotiate(opts transport.RenegotiateOptions) error {
	if !s.isConfirmed() {
		return fmt.Errorf("siptransport: сессия %s не подтверждена", s.id)
	}

	s.mu.Lock()
	dir := directionSendRecv
	if s.onHold {
		dir = directionSendOnly
	}
	s.mu.Unlock()

	if !opts.UseUpdate {
		return s.reinvite(dir, s.isOnHold())
	}

	body, err := buildSDP(s.media.Host(), s.media.Port(), dir)
	if err != nil {
		return err
	}
	req := sip.NewRequest(sip.UPDATE, s.remoteTarget)
	s.applyDialogHeaders(req)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	for _, raw := range opts.ExtraHeaders {
		if name, value, found := strings.Cut(raw, ":"); found {
			req.AppendHeader(sip.NewHeader(strings.TrimSpace(name), strings.TrimSpace(value)))
		}
	}
	req.SetBody(body)

	tx, err := s.t.client.TransactionRequest(s.t.ctx, req)
	if err != nil {
		return fmt.Errorf("siptransport: отправка UPDATE: %w", err)
	}
	go s.t.drainTransaction(tx)
	return nil
}

// Refer запрашивает перевод вызова. Итог определяется финальным ответом
// на REFER и приходит событием ReferOutcomeEvent.
func (s *sipSession) Refer(target string, opts transport.ReferOptions) error {
	if !s.isConfirmed() {
		return fmt.Errorf("siptransport: сессия %s не подтверждена", s.id)
	}

	var targetURI sip.Uri
	if err := sip.ParseUri(target, &targetURI); err != nil {
		return fmt.Errorf("siptransport: некорректная цель перевода %q: %w", target, err)
	}

	req := sip.NewRequest(sip.REFER, s.remoteTarget)
	s.applyDialogHeaders(req)
	req.AppendHeader(sip.NewHeader("Refer-To", fmt.Sprintf("<%s>", targetURI.String())))
	req.AppendHeader(sip.NewHeader("Referred-By", fmt.Sprintf("<%s>", s.localURI.String())))
	for _, raw := range opts.ExtraHeaders {
		if name, value, found := strings.Cut(raw, ":"); found {
			req.AppendHeader(sip.NewHeader(strings.TrimSpace(name), strings.TrimSpace(value)))
		}
	}

	tx, err := s.t.client.TransactionRequest(s.t.ctx, req)
	if err != nil {
		return fmt.Errorf("siptransport: отправка REFER: %w", err)
	}

	go func() {
		res, ok := s.waitFinal(tx)
		if !ok {
			return
		}
		s.emit(transport.ReferOutcomeEvent{
			Accepted:   res.StatusCode >= 200 && res.StatusCode < 300,
			StatusCode: res.StatusCode,
		})
	}()
	return nil
}

// waitFinal дожидается финального ответа клиентской транзакции.
func (s *sipSession) waitFinal(tx sip.ClientTransaction) (*sip.Response, bool) {
	for {
		select {
		case <-s.t.ctx.Done():
			return nil, false
		case <-tx.Done():
			return nil, false
		case res, ok := <-tx.Responses():
			if !ok {
				return nil, false
			}
			if res.StatusCode >= 200 {
				return res, true
			}
		}
	}
}

// applyDialogHeaders проставляет заголовки внутридиалогового запроса:
// From/To с тегами, Call-ID, очередной CSeq и Contact. Возвращает
// значения From/To и номер CSeq для построения ACK на re-INVITE.
func (s *sipSession) applyDialogHeaders(req *sip.Request) (from, to string, seq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from = fmt.Sprintf("<%s>", s.localURI.String())
	if s.localTag != "" {
		from += fmt.Sprintf(";tag=%s", s.localTag)
	}
	to = fmt.Sprintf("<%s>", s.remoteURI.String())
	if s.remoteTag != "" {
		to += fmt.Sprintf(";tag=%s", s.remoteTag)
	}
	req.ReplaceHeader(sip.NewHeader("From", from))
	req.ReplaceHeader(sip.NewHeader("To", to))
	req.ReplaceHeader(sip.NewHeader("Call-ID", s.id))
	s.localSeq++
	req.ReplaceHeader(sip.NewHeader("CSeq", fmt.Sprintf("%d %s", s.localSeq, req.Method)))
	req.ReplaceHeader(sip.NewHeader("Max-Forwards", "70"))
	req.ReplaceHeader(&s.t.contact)
	return from, to, s.localSeq
}

// nextSeq возвращает очередной номер CSeq.
func (s *sipSession) nextSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localSeq++
	return s.localSeq
}

func (s *sipSession) isConfirmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed && !s.finished
}

func (s *sipSession) isFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *sipSession) isOnHold() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onHold
}

// emit отправляет событие подписчику. Переполнение буфера не блокирует
// сигнальный путь: событие отбрасывается с предупреждением.
func (s *sipSession) emit(ev transport.SessionEvent) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.evClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.t.log.Warn("канал событий сессии переполнен", "callID", s.id, "kind", ev.Kind())
	}
}

// finish доставляет терминальное событие, закрывает канал и освобождает
// ресурсы сессии. Повторные вызовы — no-op.
func (s *sipSession) finish(ev transport.SessionEvent) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.mu.Unlock()

	s.emitMu.Lock()
	if !s.evClosed {
		select {
		case s.events <- ev:
		default:
		}
		s.evClosed = true
		close(s.events)
	}
	s.emitMu.Unlock()

	s.t.removeSession(s.id)
	s.media.Close()
}

// shutdown завершает сессию при остановке транспорта.
func (s *sipSession) shutdown() {
	s.finish(transport.EndedEvent{
		Originator: transport.OriginatorSystem,
		Cause:      transport.CauseBye,
	})
}

// causeFromStatus нормализует код отказа в транспортную причину.
func causeFromStatus(code int) transport.Cause {
	switch {
	case code == 404:
		return transport.CauseNotFound
	case code == 408:
		return transport.CauseNoAnswer
	case code == 480:
		return transport.CauseUnavailable
	case code == 486 || code == 600:
		return transport.CauseBusy
	case code == 487:
		return transport.CauseCanceled
	case code >= 500 && code < 600:
		return transport.CauseInternalError
	default:
		return transport.CauseRejected
	}
}
