package siptransport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
)

const (
	// keepaliveInterval — период пустых RTP пакетов, удерживающих NAT
	// проброс при отсутствии полезного трафика.
	keepaliveInterval = 5 * time.Second

	// dtmfVolume — громкость тона в единицах RFC 4733 (-10 dBm0).
	dtmfVolume = 10
)

// mediaEndpoint — минимальная медиа-точка сессии: UDP сокет с голосовыми
// опциями, отправка DTMF по RFC 4733 и keepalive. Приходящие RTP пакеты
// вычитываются и отбрасываются; плоскость управления аудио не обрабатывает.
type mediaEndpoint struct {
	cfg  Config
	conn *net.UDPConn
	host string
	port int

	// dtlsClient определяет роль в DTLS рукопожатии: инициатор вызова —
	// клиент, принимающая сторона — сервер.
	dtlsClient bool

	mu      sync.Mutex
	remote  *net.UDPAddr
	secure  net.Conn
	muted   bool
	started bool

	ssrc uint32
	seq  uint16
	ts   uint32

	closed    chan struct{}
	closeOnce sync.Once
}

// newMediaEndpoint открывает UDP сокет в настроенном диапазоне портов.
// Перебор идёт по чётным портам: нечётные зарезервированы под RTCP.
func newMediaEndpoint(cfg Config, host string) (*mediaEndpoint, error) {
	bindHost := host
	if bindHost == "" {
		bindHost = "0.0.0.0"
	}

	lc := net.ListenConfig{Control: voiceSockControl(cfg.DSCP)}

	var conn net.PacketConn
	var err error
	var port int
	for p := cfg.MediaPortMin; p <= cfg.MediaPortMax; p += 2 {
		conn, err = lc.ListenPacket(context.Background(), "udp4",
			net.JoinHostPort(bindHost, strconv.Itoa(p)))
		if err == nil {
			port = p
			break
		}
	}
	if conn == nil {
		return nil, fmt.Errorf("нет свободного порта в [%d, %d]: %w",
			cfg.MediaPortMin, cfg.MediaPortMax, err)
	}

	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("неожиданный тип сокета %T", conn)
	}

	id := uuid.New()
	return &mediaEndpoint{
		cfg:    cfg,
		conn:   udpConn,
		host:   advertiseHost(bindHost),
		port:   port,
		ssrc:   binary.BigEndian.Uint32(id[0:4]),
		seq:    binary.BigEndian.Uint16(id[4:6]),
		ts:     binary.BigEndian.Uint32(id[6:10]),
		closed: make(chan struct{}),
	}, nil
}

// Host возвращает адрес, публикуемый в SDP.
func (m *mediaEndpoint) Host() string { return m.host }

// Port возвращает локальный RTP порт.
func (m *mediaEndpoint) Port() int { return m.port }

// setRemoteFromSDP применяет адрес удалённого потока из offer/answer.
func (m *mediaEndpoint) setRemoteFromSDP(body []byte) error {
	host, port, err := parseSDPRemote(body)
	if err != nil {
		return err
	}
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("siptransport: адрес медиа %s:%d: %w", host, port, err)
	}
	m.mu.Lock()
	m.remote = addr
	m.mu.Unlock()
	return nil
}

// start запускает приём и keepalive. Вызывается после подтверждения сессии;
// повторные вызовы — no-op.
func (m *mediaEndpoint) start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	remote := m.remote
	m.mu.Unlock()

	if m.cfg.EnableDTLS && remote != nil {
		secure, err := wrapDTLS(m.conn, remote, m.dtlsClient)
		if err != nil {
			m.cfg.Logger.Warn("DTLS рукопожатие не удалось, поток без шифрования", "error", err)
		} else {
			m.mu.Lock()
			m.secure = secure
			m.mu.Unlock()
		}
	}

	go m.readLoop()
	go m.keepaliveLoop()
}

// readLoop вычитывает входящие пакеты. Первый пакет с незнакомого адреса
// фиксирует удалённую сторону (симметричный RTP).
func (m *mediaEndpoint) readLoop() {
	buf := make([]byte, 1500)
	for {
		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		m.mu.Lock()
		if m.remote == nil {
			m.remote = addr
		}
		m.mu.Unlock()
	}
}

func (m *mediaEndpoint) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.closed:
			return
		case <-ticker.C:
			// Пакет PCMU тишины; при muted поток не шлём вовсе.
			if m.isMuted() {
				continue
			}
			silence := make([]byte, 160)
			for i := range silence {
				silence[i] = 0xFF
			}
			_ = m.writePacket(payloadTypePCMU, false, silence, 160)
		}
	}
}

// sendDTMF передаёт последовательность тонов пакетами telephone-event:
// стартовый пакет с маркером, промежуточные и тройной завершающий с битом E.
func (m *mediaEndpoint) sendDTMF(tones string, duration, gap time.Duration) {
	for i, tone := range tones {
		code, ok := dtmfEventCode(tone)
		if !ok {
			continue
		}
		if i > 0 {
			select {
			case <-m.closed:
				return
			case <-time.After(gap):
			}
		}

		ticks := uint16(duration.Seconds() * audioClockRate)
		payload := func(end bool, dur uint16) []byte {
			p := make([]byte, 4)
			p[0] = code
			p[1] = dtmfVolume
			if end {
				p[1] |= 0x80
			}
			binary.BigEndian.PutUint16(p[2:], dur)
			return p
		}

		_ = m.writePacket(payloadTypeDTMF, true, payload(false, ticks/2), 0)
		_ = m.writePacket(payloadTypeDTMF, false, payload(false, ticks), 0)
		for j := 0; j < 3; j++ {
			_ = m.writePacket(payloadTypeDTMF, false, payload(true, ticks), 0)
		}
		m.advanceTimestamp(uint32(ticks))
	}
}

// writePacket собирает и отправляет один RTP пакет.
func (m *mediaEndpoint) writePacket(payloadType uint8, marker bool, payload []byte, tsStep uint32) error {
	m.mu.Lock()
	remote := m.remote
	secure := m.secure
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    payloadType,
			SequenceNumber: m.seq,
			Timestamp:      m.ts,
			SSRC:           m.ssrc,
		},
		Payload: payload,
	}
	m.seq++
	m.ts += tsStep
	m.mu.Unlock()

	if remote == nil {
		return nil
	}

	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if secure != nil {
		_, err = secure.Write(data)
		return err
	}
	_, err = m.conn.WriteToUDP(data, remote)
	return err
}

func (m *mediaEndpoint) advanceTimestamp(step uint32) {
	m.mu.Lock()
	m.ts += step
	m.mu.Unlock()
}

func (m *mediaEndpoint) setMuted(muted bool) {
	m.mu.Lock()
	m.muted = muted
	m.mu.Unlock()
}

func (m *mediaEndpoint) isMuted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// Close освобождает сокет. Повторный вызов безопасен.
func (m *mediaEndpoint) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.mu.Lock()
		secure := m.secure
		m.mu.Unlock()
		if secure != nil {
			_ = secure.Close()
		}
		_ = m.conn.Close()
	})
}

// dtmfEventCode переводит символ тона в код события RFC 4733.
func dtmfEventCode(tone rune) (byte, bool) {
	switch {
	case tone >= '0' && tone <= '9':
		return byte(tone - '0'), true
	case tone == '*':
		return 10, true
	case tone == '#':
		return 11, true
	case tone >= 'A' && tone <= 'D':
		return byte(12 + tone - 'A'), true
	case tone >= 'a' && tone <= 'd':
		return byte(12 + tone - 'a'), true
	default:
		return 0, false
	}
}

// advertiseHost выбирает адрес для публикации в SDP: для wildcard адреса
// берётся адрес исходящего интерфейса.
func advertiseHost(bindHost string) string {
	if bindHost != "0.0.0.0" && bindHost != "::" && bindHost != "" {
		return bindHost
	}
	conn, err := net.Dial("udp4", "8.8.8.8:53")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
