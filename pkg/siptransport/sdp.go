package siptransport

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"
)

// mediaDirection — направление медиапотока в SDP.
type mediaDirection string

const (
	directionSendRecv mediaDirection = "sendrecv"
	directionSendOnly mediaDirection = "sendonly"
	directionRecvOnly mediaDirection = "recvonly"
	directionInactive mediaDirection = "inactive"
)

// Параметры аудиопотока: G.711 µ-law и DTMF по RFC 4733.
const (
	payloadTypePCMU = 0
	payloadTypeDTMF = 101
	audioClockRate  = 8000
	ptimeMs         = 20
)

// buildSDP собирает описание аудиосессии: один медиапоток RTP/AVP с PCMU
// и telephone-event для DTMF.
func buildSDP(host string, port int, dir mediaDirection) ([]byte, error) {
	now := uint64(time.Now().Unix())
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "call-control",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
			Formats: []string{
				strconv.Itoa(payloadTypePCMU),
				strconv.Itoa(payloadTypeDTMF),
			},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		Attributes: []sdp.Attribute{
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d PCMU/%d", payloadTypePCMU, audioClockRate)),
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d telephone-event/%d", payloadTypeDTMF, audioClockRate)),
			sdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-15", payloadTypeDTMF)),
			sdp.NewAttribute("ptime", strconv.Itoa(ptimeMs)),
			sdp.NewPropertyAttribute(string(dir)),
		},
	}
	desc.MediaDescriptions = []*sdp.MediaDescription{media}

	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("siptransport: сборка SDP: %w", err)
	}
	return body, nil
}

// parseSDPRemote извлекает адрес и порт аудиопотока удалённой стороны.
// Адрес берётся из описания медиа, при его отсутствии — сессионный.
func parseSDPRemote(body []byte) (string, int, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return "", 0, fmt.Errorf("siptransport: разбор SDP: %w", err)
	}

	var audio *sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return "", 0, fmt.Errorf("siptransport: SDP без аудиопотока")
	}
	if audio.MediaName.Port.Value == 0 {
		return "", 0, fmt.Errorf("siptransport: аудиопоток отклонён (порт 0)")
	}

	conn := audio.ConnectionInformation
	if conn == nil {
		conn = desc.ConnectionInformation
	}
	if conn == nil || conn.Address == nil || conn.Address.Address == "" {
		return "", 0, fmt.Errorf("siptransport: SDP без адреса соединения")
	}

	return conn.Address.Address, audio.MediaName.Port.Value, nil
}

// remoteDirection возвращает направление аудиопотока из SDP; по умолчанию
// sendrecv (RFC 3264 §5.1).
func remoteDirection(body []byte) mediaDirection {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return directionSendRecv
	}
	check := func(attrs []sdp.Attribute) (mediaDirection, bool) {
		for _, a := range attrs {
			switch mediaDirection(a.Key) {
			case directionSendRecv, directionSendOnly, directionRecvOnly, directionInactive:
				return mediaDirection(a.Key), true
			}
		}
		return "", false
	}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		if dir, ok := check(m.Attributes); ok {
			return dir
		}
	}
	if dir, ok := check(desc.Attributes); ok {
		return dir
	}
	return directionSendRecv
}
