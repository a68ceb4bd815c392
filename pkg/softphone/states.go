package softphone

// ConnectionState — состояние соединения с транспортом.
type ConnectionState int

const (
	ConnectionDisconnected ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionFailed
)

// String возвращает строковое представление состояния
func (s ConnectionState) String() string {
	switch s {
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RegistrationState — состояние регистрации на SIP сервере.
type RegistrationState int

const (
	RegistrationUnregistered RegistrationState = iota
	RegistrationRegistering
	RegistrationRegistered
	RegistrationUnregistering
	RegistrationFailed
)

// String возвращает строковое представление состояния
func (s RegistrationState) String() string {
	switch s {
	case RegistrationUnregistered:
		return "unregistered"
	case RegistrationRegistering:
		return "registering"
	case RegistrationRegistered:
		return "registered"
	case RegistrationUnregistering:
		return "unregistering"
	case RegistrationFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CallState — состояние вызова.
//
// Состояние движется только вперёд: Idle → Calling|Ringing → Answering →
// EarlyMedia → Active → Terminating → Terminated. Откатов нет; удержание и
// выключение звука — ортогональные флаги, не состояния.
type CallState int

const (
	CallIdle CallState = iota
	CallCalling
	CallRinging
	CallEarlyMedia
	CallAnswering
	CallActive
	CallTerminating
	CallTerminated
)

// String возвращает строковое представление состояния
func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallCalling:
		return "calling"
	case CallRinging:
		return "ringing"
	case CallEarlyMedia:
		return "earlyMedia"
	case CallAnswering:
		return "answering"
	case CallActive:
		return "active"
	case CallTerminating:
		return "terminating"
	case CallTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// IsTerminal сообщает, является ли состояние терминальным.
func (s CallState) IsTerminal() bool {
	return s == CallTerminated
}

// CallDirection — направление вызова.
type CallDirection int

const (
	DirectionOutgoing CallDirection = iota
	DirectionIncoming
)

// String возвращает строковое представление направления
func (d CallDirection) String() string {
	if d == DirectionIncoming {
		return "incoming"
	}
	return "outgoing"
}

// ConferenceState — состояние конференции.
type ConferenceState int

const (
	ConferenceCreating ConferenceState = iota
	ConferenceActive
	ConferenceEnding
	ConferenceEnded
	ConferenceFailed
)

// String возвращает строковое представление состояния
func (s ConferenceState) String() string {
	switch s {
	case ConferenceCreating:
		return "creating"
	case ConferenceActive:
		return "active"
	case ConferenceEnding:
		return "ending"
	case ConferenceEnded:
		return "ended"
	case ConferenceFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal сообщает, является ли состояние терминальным.
func (s ConferenceState) IsTerminal() bool {
	return s == ConferenceEnded || s == ConferenceFailed
}

// ParticipantState — состояние участника конференции.
type ParticipantState int

const (
	ParticipantConnecting ParticipantState = iota
	ParticipantConnected
	ParticipantDisconnected
)

// String возвращает строковое представление состояния
func (s ParticipantState) String() string {
	switch s {
	case ParticipantConnecting:
		return "connecting"
	case ParticipantConnected:
		return "connected"
	case ParticipantDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
