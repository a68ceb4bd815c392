package softphone

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/call_control/pkg/transport"
)

// Participant — участник конференции.
type Participant struct {
	ID          string
	URI         string
	DisplayName string
	State       ParticipantState
	Muted       bool
	OnHold      bool
	Moderator   bool
	Self        bool
	JoinedAt    time.Time
}

// ParticipantSnapshot — снимок участника для событий.
type ParticipantSnapshot = Participant

// Conference — многосторонний вызов: мост из записей реестра.
//
// Идентификатор каждого неместного участника равен идентификатору его
// вызова в реестре; собственная запись носит LocalParticipantID.
type Conference struct {
	ID              string
	State           ConferenceState
	Locked          bool
	Recording       bool
	MaxParticipants int
	CreatedAt       time.Time

	participants map[string]*Participant
}

// ConferenceSnapshot — снимок конференции для событий и опроса.
type ConferenceSnapshot struct {
	ID              string
	State           ConferenceState
	Locked          bool
	Recording       bool
	MaxParticipants int
	CreatedAt       time.Time
	Participants    []Participant
}

func (c *Conference) snapshot() ConferenceSnapshot {
	s := ConferenceSnapshot{
		ID:              c.ID,
		State:           c.State,
		Locked:          c.Locked,
		Recording:       c.Recording,
		MaxParticipants: c.MaxParticipants,
		CreatedAt:       c.CreatedAt,
		Participants:    make([]Participant, 0, len(c.participants)),
	}
	for _, p := range c.participants {
		s.Participants = append(s.Participants, *p)
	}
	return s
}

// remoteCount возвращает число неместных участников, не отключившихся
// от конференции.
func (c *Conference) remoteCount() int {
	n := 0
	for _, p := range c.participants {
		if !p.Self && p.State != ParticipantDisconnected {
			n++
		}
	}
	return n
}

// ConferenceOptions — параметры создания конференции.
type ConferenceOptions struct {
	// MaxParticipants — предел участников, включая собственного.
	// 0 — значение из Config.
	MaxParticipants int
	// Moderator делает собственного участника модератором.
	Moderator bool
}

// ConferenceOrchestrator собирает конференции из вызовов реестра.
//
// Каждый неместный участник подкреплён ровно одним вызовом Directory:
// наблюдатели состояния вызова переводят участника в
// Connected/Disconnected. Завершение конференции веером разрывает вызовы
// всех неместных участников и ждёт все попытки, не прерывая остальные при
// отказе одной.
type ConferenceOrchestrator struct {
	dir  *Directory
	log  *slog.Logger
	sink EventSink
	mtx  *Metrics
	cfg  Config
	gen  IDGenerator

	mu    sync.RWMutex
	confs map[string]*Conference
	// unwatch хранит отписки наблюдателей вызовов по conferenceID/callID.
	unwatch map[string]map[string]func()
}

// NewConferenceOrchestrator создаёт оркестратор конференций.
func NewConferenceOrchestrator(dir *Directory, cfg Config, sink EventSink, mtx *Metrics, gen IDGenerator) *ConferenceOrchestrator {
	if gen == nil {
		gen = NewUUIDGenerator("conf-")
	}
	return &ConferenceOrchestrator{
		dir:     dir,
		log:     cfg.Logger.With("component", "conference"),
		sink:    sink,
		mtx:     mtx,
		cfg:     cfg,
		gen:     gen,
		confs:   make(map[string]*Conference),
		unwatch: make(map[string]map[string]func()),
	}
}

// Get возвращает снимок конференции.
func (o *ConferenceOrchestrator) Get(id string) (ConferenceSnapshot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	conf, ok := o.confs[id]
	if !ok {
		return ConferenceSnapshot{}, false
	}
	return conf.snapshot(), true
}

// All возвращает снимки всех активных конференций.
func (o *ConferenceOrchestrator) All() []ConferenceSnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]ConferenceSnapshot, 0, len(o.confs))
	for _, conf := range o.confs {
		out = append(out, conf.snapshot())
	}
	return out
}

// Create собирает конференцию из уже существующих вызовов.
//
// Требуется не меньше двух вызовов; все перечисленные вызовы обязаны
// существовать в реестре. Пустой id генерируется автоматически.
func (o *ConferenceOrchestrator) Create(id string, callIDs []string, opts ConferenceOptions) (ConferenceSnapshot, error) {
	if len(callIDs) < 2 {
		return ConferenceSnapshot{}, ErrConferenceTooFewCalls(len(callIDs))
	}

	calls := make([]*Call, 0, len(callIDs))
	for _, cid := range callIDs {
		call, ok := o.dir.Get(cid)
		if !ok {
			return ConferenceSnapshot{}, ErrCallNotFound(cid)
		}
		calls = append(calls, call)
	}

	if id == "" {
		id = o.gen()
	}

	maxParticipants := opts.MaxParticipants
	if maxParticipants <= 0 {
		maxParticipants = o.cfg.MaxConferenceParticipants
	}

	o.mu.Lock()
	if _, exists := o.confs[id]; exists {
		o.mu.Unlock()
		return ConferenceSnapshot{}, ErrConferenceExists(id)
	}
	conf := &Conference{
		ID:              id,
		State:           ConferenceActive,
		MaxParticipants: maxParticipants,
		CreatedAt:       time.Now(),
		participants:    make(map[string]*Participant),
	}
	conf.participants[LocalParticipantID] = &Participant{
		ID:        LocalParticipantID,
		URI:       o.cfg.URI,
		State:     ParticipantConnected,
		Moderator: opts.Moderator,
		Self:      true,
		JoinedAt:  time.Now(),
	}
	for _, call := range calls {
		conf.participants[call.ID()] = &Participant{
			ID:          call.ID(),
			URI:         call.RemoteURI(),
			DisplayName: call.RemoteDisplayName(),
			State:       participantStateFor(call.State()),
			OnHold:      call.OnHold(),
			JoinedAt:    time.Now(),
		}
	}
	o.confs[id] = conf
	snap := conf.snapshot()
	o.mu.Unlock()

	for _, call := range calls {
		o.watchParticipant(id, call)
	}

	if o.mtx != nil {
		o.mtx.ConferenceStarted()
	}
	o.emitConference(EventConferenceCreated, snap, nil, "")
	o.log.Info("конференция создана", "conference_id", id, "participants", len(callIDs))
	return snap, nil
}

// Join набирает адрес конференции и регистрирует её локально.
//
// Запись регистрируется предварительно в состоянии Creating; подтверждение
// вызова переводит конференцию в Active, отказ удаляет предварительную
// запись и возвращает ошибку.
func (o *ConferenceOrchestrator) Join(ctx context.Context, uri string, opts ConferenceOptions) (ConferenceSnapshot, error) {
	if strings.TrimSpace(uri) == "" {
		return ConferenceSnapshot{}, ErrInvalidArgument("uri", "пустой адрес конференции")
	}

	id := conferenceIDFromURI(uri)

	maxParticipants := opts.MaxParticipants
	if maxParticipants <= 0 {
		maxParticipants = o.cfg.MaxConferenceParticipants
	}

	o.mu.Lock()
	if _, exists := o.confs[id]; exists {
		o.mu.Unlock()
		return ConferenceSnapshot{}, ErrConferenceExists(id)
	}
	conf := &Conference{
		ID:              id,
		State:           ConferenceCreating,
		MaxParticipants: maxParticipants,
		CreatedAt:       time.Now(),
		participants:    make(map[string]*Participant),
	}
	conf.participants[LocalParticipantID] = &Participant{
		ID:        LocalParticipantID,
		URI:       o.cfg.URI,
		State:     ParticipantConnecting,
		Moderator: opts.Moderator,
		Self:      true,
		JoinedAt:  time.Now(),
	}
	o.confs[id] = conf
	o.mu.Unlock()

	call, err := o.dir.CreateOutgoing(uri, transport.CallOptions{})
	if err != nil {
		o.deleteConference(id)
		return ConferenceSnapshot{}, err
	}

	confirmed := make(chan error, 1)
	cancel := call.OnStateChange(func(_, to CallState) {
		switch to {
		case CallActive:
			select {
			case confirmed <- nil:
			default:
			}
		case CallTerminated:
			select {
			case confirmed <- ErrCallRejected(call.ID(), "conference call ended", 0):
			default:
			}
		}
	})
	defer cancel()

	// Вызов мог стать активным до установки наблюдателя
	if call.State() == CallActive {
		select {
		case confirmed <- nil:
		default:
		}
	}

	select {
	case err := <-confirmed:
		if err != nil {
			o.deleteConference(id)
			return ConferenceSnapshot{}, err
		}
	case <-ctx.Done():
		o.deleteConference(id)
		_ = call.Hangup(context.Background())
		return ConferenceSnapshot{}, ErrCallOperationTimeout(call.ID(), "join", o.cfg.OperationTimeout).WithCause(ctx.Err())
	}

	o.mu.Lock()
	conf.State = ConferenceActive
	conf.participants[LocalParticipantID].State = ParticipantConnected
	// Мост конференции подкреплён вызовом к её серверу
	conf.participants[call.ID()] = &Participant{
		ID:       call.ID(),
		URI:      uri,
		State:    ParticipantConnected,
		JoinedAt: time.Now(),
	}
	snap := conf.snapshot()
	o.mu.Unlock()

	o.watchParticipant(id, call)

	if o.mtx != nil {
		o.mtx.ConferenceStarted()
	}
	o.emitConference(EventConferenceActive, snap, nil, "")
	o.log.Info("конференция присоединена", "conference_id", id, "uri", uri)
	return snap, nil
}

// Invite добавляет участника: новый исходящий вызов к invitee.
func (o *ConferenceOrchestrator) Invite(ctx context.Context, conferenceID, participantURI string) (Participant, error) {
	if strings.TrimSpace(participantURI) == "" {
		return Participant{}, ErrInvalidArgument("participantURI", "пустой адрес участника")
	}

	o.mu.Lock()
	conf, ok := o.confs[conferenceID]
	if !ok {
		o.mu.Unlock()
		return Participant{}, ErrConferenceNotFound(conferenceID)
	}
	if conf.Locked {
		o.mu.Unlock()
		return Participant{}, ErrConferenceLocked(conferenceID)
	}
	if len(conf.participants) >= conf.MaxParticipants {
		o.mu.Unlock()
		return Participant{}, ErrConferenceFull(conferenceID, conf.MaxParticipants)
	}
	o.mu.Unlock()

	call, err := o.dir.CreateOutgoing(participantURI, transport.CallOptions{})
	if err != nil {
		return Participant{}, err
	}

	p := &Participant{
		ID:       call.ID(),
		URI:      participantURI,
		State:    ParticipantConnecting,
		JoinedAt: time.Now(),
	}

	o.mu.Lock()
	conf.participants[call.ID()] = p
	snap := conf.snapshot()
	pcopy := *p
	o.mu.Unlock()

	o.watchParticipant(conferenceID, call)
	o.emitConference(EventConferenceParticipantJoined, snap, &pcopy, "")
	o.log.Info("участник приглашён", "conference_id", conferenceID, "uri", participantURI, "call_id", call.ID())
	return pcopy, nil
}

// watchParticipant привязывает жизненный цикл участника к его вызову.
func (o *ConferenceOrchestrator) watchParticipant(conferenceID string, call *Call) {
	cancel := call.OnStateChange(func(_, to CallState) {
		switch to {
		case CallActive:
			o.participantConnected(conferenceID, call)
		case CallTerminated:
			o.participantLeft(conferenceID, call.ID(), string(transport.CauseBye))
		}
	})

	o.mu.Lock()
	if o.unwatch[conferenceID] == nil {
		o.unwatch[conferenceID] = make(map[string]func())
	}
	o.unwatch[conferenceID][call.ID()] = cancel
	o.mu.Unlock()

	// Терминал мог наступить до установки наблюдателя
	if call.State() == CallTerminated {
		o.participantLeft(conferenceID, call.ID(), string(transport.CauseBye))
	} else if call.State() == CallActive {
		o.participantConnected(conferenceID, call)
	}
}

func (o *ConferenceOrchestrator) participantConnected(conferenceID string, call *Call) {
	o.mu.Lock()
	conf, ok := o.confs[conferenceID]
	if !ok {
		o.mu.Unlock()
		return
	}
	p, ok := conf.participants[call.ID()]
	if !ok || p.State == ParticipantConnected {
		o.mu.Unlock()
		return
	}
	p.State = ParticipantConnected
	p.DisplayName = call.RemoteDisplayName()
	snap := conf.snapshot()
	pcopy := *p
	o.mu.Unlock()

	o.emitConference(EventConferenceParticipantJoined, snap, &pcopy, "")
}

// participantLeft снимает участника и запускает автоснос, когда
// неместных участников остаётся не больше одного.
func (o *ConferenceOrchestrator) participantLeft(conferenceID, participantID, reason string) {
	o.mu.Lock()
	conf, ok := o.confs[conferenceID]
	if !ok {
		o.mu.Unlock()
		return
	}
	p, ok := conf.participants[participantID]
	if !ok || p.State == ParticipantDisconnected {
		o.mu.Unlock()
		return
	}
	p.State = ParticipantDisconnected
	delete(conf.participants, participantID)
	if cancels := o.unwatch[conferenceID]; cancels != nil {
		if cancel := cancels[participantID]; cancel != nil {
			delete(cancels, participantID)
			defer cancel()
		}
	}
	remaining := conf.remoteCount()
	ending := conf.State == ConferenceEnding
	snap := conf.snapshot()
	pcopy := *p
	o.mu.Unlock()

	o.emitConference(EventConferenceParticipantLeft, snap, &pcopy, reason)
	o.log.Info("участник покинул конференцию", "conference_id", conferenceID, "participant_id", participantID)

	if remaining <= 1 && !ending {
		go func() {
			if err := o.End(context.Background(), conferenceID); err != nil {
				o.log.Debug("автоснос конференции", "conference_id", conferenceID, "error", err)
			}
		}()
	}
}

// RemoveParticipant исключает участника, завершая его вызов.
func (o *ConferenceOrchestrator) RemoveParticipant(ctx context.Context, conferenceID, participantID string) error {
	if participantID == LocalParticipantID {
		return ErrInvalidArgument("participantID", "собственный участник исключается через End")
	}

	o.mu.RLock()
	conf, ok := o.confs[conferenceID]
	if !ok {
		o.mu.RUnlock()
		return ErrConferenceNotFound(conferenceID)
	}
	_, ok = conf.participants[participantID]
	o.mu.RUnlock()
	if !ok {
		return ErrParticipantNotFound(conferenceID, participantID)
	}

	call, ok := o.dir.Get(participantID)
	if !ok {
		// Вызов уже снят из реестра — чистим только запись участника
		o.participantLeft(conferenceID, participantID, "removed")
		return nil
	}
	if err := call.Hangup(ctx); err != nil {
		o.log.Warn("завершение вызова участника", "participant_id", participantID, "error", err)
	}
	// Терминал вызова снимет участника через наблюдателя
	return nil
}

// MuteParticipant выключает звук участника.
//
// Для собственного участника делегирует общей операции выключения звука по
// его вызовам. Неместный участник помечается локальным флагом best-effort:
// универсального транспортного примитива для приглушения чужого плеча нет,
// фактическое приглушение требует содействия сервера.
func (o *ConferenceOrchestrator) MuteParticipant(conferenceID, participantID string) error {
	return o.setParticipantMuted(conferenceID, participantID, true)
}

// UnmuteParticipant включает звук участника обратно.
func (o *ConferenceOrchestrator) UnmuteParticipant(conferenceID, participantID string) error {
	return o.setParticipantMuted(conferenceID, participantID, false)
}

func (o *ConferenceOrchestrator) setParticipantMuted(conferenceID, participantID string, muted bool) error {
	o.mu.Lock()
	conf, ok := o.confs[conferenceID]
	if !ok {
		o.mu.Unlock()
		return ErrConferenceNotFound(conferenceID)
	}
	p, ok := conf.participants[participantID]
	if !ok {
		o.mu.Unlock()
		return ErrParticipantNotFound(conferenceID, participantID)
	}
	p.Muted = muted
	snap := conf.snapshot()
	pcopy := *p
	o.mu.Unlock()

	if participantID == LocalParticipantID {
		// Собственный участник — реальное выключение локального звука
		for _, call := range o.dir.All() {
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
				o.log.Warn("переключение звука вызова", "call_id", call.ID(), "error", err)
			}
		}
	} else {
		if call, ok := o.dir.Get(participantID); ok && call.State() == CallActive {
			var err error
			if muted {
				err = call.Mute()
			} else {
				err = call.Unmute()
			}
			if err != nil {
				o.log.Warn("переключение звука участника", "participant_id", participantID, "error", err)
			}
		}
		o.log.Warn("приглушение удалённого участника — локальная пометка, сервер не задействован",
			"conference_id", conferenceID, "participant_id", participantID)
	}

	t := EventConferenceParticipantMuted
	if !muted {
		t = EventConferenceParticipantUnmuted
	}
	o.emitConference(t, snap, &pcopy, "")
	return nil
}

// HoldParticipant ставит вызов неместного участника на удержание.
func (o *ConferenceOrchestrator) HoldParticipant(ctx context.Context, conferenceID, participantID string) error {
	return o.setParticipantHold(ctx, conferenceID, participantID, true)
}

// UnholdParticipant снимает вызов участника с удержания.
func (o *ConferenceOrchestrator) UnholdParticipant(ctx context.Context, conferenceID, participantID string) error {
	return o.setParticipantHold(ctx, conferenceID, participantID, false)
}

func (o *ConferenceOrchestrator) setParticipantHold(ctx context.Context, conferenceID, participantID string, hold bool) error {
	if participantID == LocalParticipantID {
		return ErrInvalidArgument("participantID", "собственный участник не ставится на удержание")
	}

	o.mu.RLock()
	conf, ok := o.confs[conferenceID]
	if !ok {
		o.mu.RUnlock()
		return ErrConferenceNotFound(conferenceID)
	}
	_, pok := conf.participants[participantID]
	o.mu.RUnlock()
	if !pok {
		return ErrParticipantNotFound(conferenceID, participantID)
	}

	call, ok := o.dir.Get(participantID)
	if !ok {
		return ErrCallNotFound(participantID)
	}

	var err error
	if hold {
		err = call.Hold(ctx)
	} else {
		err = call.Unhold(ctx)
	}
	if err != nil {
		return err
	}

	o.mu.Lock()
	var snap ConferenceSnapshot
	var pcopy Participant
	if conf, ok := o.confs[conferenceID]; ok {
		if p, ok := conf.participants[participantID]; ok {
			p.OnHold = hold
			pcopy = *p
		}
		snap = conf.snapshot()
	}
	o.mu.Unlock()

	t := EventConferenceParticipantHeld
	if !hold {
		t = EventConferenceParticipantResumed
	}
	o.emitConference(t, snap, &pcopy, "")
	return nil
}

// Lock закрывает конференцию для новых участников.
func (o *ConferenceOrchestrator) Lock(conferenceID string) error {
	return o.setLocked(conferenceID, true)
}

// Unlock открывает конференцию для новых участников.
func (o *ConferenceOrchestrator) Unlock(conferenceID string) error {
	return o.setLocked(conferenceID, false)
}

func (o *ConferenceOrchestrator) setLocked(conferenceID string, locked bool) error {
	o.mu.Lock()
	conf, ok := o.confs[conferenceID]
	if !ok {
		o.mu.Unlock()
		return ErrConferenceNotFound(conferenceID)
	}
	conf.Locked = locked
	snap := conf.snapshot()
	o.mu.Unlock()

	t := EventConferenceLocked
	if !locked {
		t = EventConferenceUnlocked
	}
	o.emitConference(t, snap, nil, "")
	return nil
}

// StartRecording помечает конференцию записываемой и эмитит advisory
// событие. Фактическая запись — возможность сервера, этот слой её не
// реализует.
func (o *ConferenceOrchestrator) StartRecording(conferenceID string) error {
	return o.setRecording(conferenceID, true)
}

// StopRecording снимает пометку записи.
func (o *ConferenceOrchestrator) StopRecording(conferenceID string) error {
	return o.setRecording(conferenceID, false)
}

func (o *ConferenceOrchestrator) setRecording(conferenceID string, recording bool) error {
	if o.cfg.DisableRecording {
		return ErrConferenceFeatureDisabled("recording")
	}

	o.mu.Lock()
	conf, ok := o.confs[conferenceID]
	if !ok {
		o.mu.Unlock()
		return ErrConferenceNotFound(conferenceID)
	}
	conf.Recording = recording
	snap := conf.snapshot()
	o.mu.Unlock()

	t := EventConferenceRecordingStarted
	if !recording {
		t = EventConferenceRecordingStopped
	}
	o.emitConference(t, snap, nil, "")
	o.log.Info("пометка записи изменена", "conference_id", conferenceID, "recording", recording)
	return nil
}

// End завершает конференцию: веером разрывает вызовы всех неместных
// участников, ждёт все попытки и снимает конференцию из активного набора.
// Отказ одного завершения не прерывает остальные: отказы считаются и
// логируются, итог всегда ConferenceEnded.
func (o *ConferenceOrchestrator) End(ctx context.Context, conferenceID string) error {
	o.mu.Lock()
	conf, ok := o.confs[conferenceID]
	if !ok {
		o.mu.Unlock()
		return ErrConferenceNotFound(conferenceID)
	}
	if conf.State == ConferenceEnding {
		o.mu.Unlock()
		return nil
	}
	conf.State = ConferenceEnding
	var callIDs []string
	for pid, p := range conf.participants {
		if !p.Self {
			callIDs = append(callIDs, pid)
		}
	}
	cancels := o.unwatch[conferenceID]
	delete(o.unwatch, conferenceID)
	o.mu.Unlock()

	// Наблюдатели снимаются до разрыва: автоснос и participantLeft во
	// время веера не нужны
	for _, cancel := range cancels {
		cancel()
	}

	var wg sync.WaitGroup
	var failures atomic.Int32
	for _, cid := range callIDs {
		call, ok := o.dir.Get(cid)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(call *Call) {
			defer wg.Done()
			if err := call.Hangup(ctx); err != nil {
				failures.Add(1)
				o.log.Warn("завершение плеча конференции", "call_id", call.ID(), "error", err)
			}
		}(call)
	}
	wg.Wait()

	o.mu.Lock()
	conf.State = ConferenceEnded
	snap := conf.snapshot()
	delete(o.confs, conferenceID)
	o.mu.Unlock()

	if o.mtx != nil {
		o.mtx.ConferenceEnded()
	}
	o.emitConference(EventConferenceEnded, snap, nil, "")
	o.log.Info("конференция завершена", "conference_id", conferenceID,
		"participants", len(callIDs), "failures", failures.Load())
	return nil
}

// deleteConference удаляет предварительную запись несостоявшейся
// конференции.
func (o *ConferenceOrchestrator) deleteConference(id string) {
	o.mu.Lock()
	conf, ok := o.confs[id]
	if ok {
		conf.State = ConferenceFailed
		delete(o.confs, id)
		delete(o.unwatch, id)
	}
	var snap ConferenceSnapshot
	if ok {
		snap = conf.snapshot()
	}
	o.mu.Unlock()

	if ok {
		o.emitConference(EventConferenceFailed, snap, nil, "join failed")
	}
}

func (o *ConferenceOrchestrator) emitConference(t EventType, snap ConferenceSnapshot, p *Participant, reason string) {
	o.sink.Emit(newEvent(t, ConferencePayload{
		Conference:  snap,
		Participant: p,
		Reason:      reason,
	}))
}

// conferenceIDFromURI извлекает идентификатор конференции из адреса:
// user-часть URI, без схемы и хоста.
func conferenceIDFromURI(uri string) string {
	id := strings.TrimPrefix(strings.TrimPrefix(uri, "sips:"), "sip:")
	if i := strings.IndexByte(id, '@'); i >= 0 {
		id = id[:i]
	}
	if id == "" {
		id = uri
	}
	return id
}

func participantStateFor(st CallState) ParticipantState {
	switch st {
	case CallActive:
		return ParticipantConnected
	case CallTerminated:
		return ParticipantDisconnected
	default:
		return ParticipantConnecting
	}
}
