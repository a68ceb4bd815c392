package siptransport

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSDP(t *testing.T) {
	body, err := buildSDP("192.0.2.10", 10000, directionSendRecv)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "c=IN IP4 192.0.2.10")
	assert.Contains(t, text, "m=audio 10000 RTP/AVP 0 101")
	assert.Contains(t, text, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, text, "a=rtpmap:101 telephone-event/8000")
	assert.Contains(t, text, "a=fmtp:101 0-15")
	assert.Contains(t, text, "a=sendrecv")
}

func TestBuildSDPHoldDirection(t *testing.T) {
	body, err := buildSDP("192.0.2.10", 10000, directionSendOnly)
	require.NoError(t, err)
	assert.Contains(t, string(body), "a=sendonly")
	assert.NotContains(t, string(body), "a=sendrecv")
}

func TestParseSDPRemote(t *testing.T) {
	body, err := buildSDP("198.51.100.7", 12346, directionSendRecv)
	require.NoError(t, err)

	host, port, err := parseSDPRemote(body)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", host)
	assert.Equal(t, 12346, port)
}

func TestParseSDPRemoteSessionLevelConnection(t *testing.T) {
	// Адрес только на уровне сессии, у медиа своего c= нет
	raw := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 203.0.113.5",
		"s=call",
		"c=IN IP4 203.0.113.5",
		"t=0 0",
		"m=audio 20002 RTP/AVP 0",
		"a=rtpmap:0 PCMU/8000",
		"",
	}, "\r\n")

	host, port, err := parseSDPRemote([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", host)
	assert.Equal(t, 20002, port)
}

func TestParseSDPRemoteRejectsNoAudio(t *testing.T) {
	raw := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 203.0.113.5",
		"s=call",
		"c=IN IP4 203.0.113.5",
		"t=0 0",
		"",
	}, "\r\n")

	_, _, err := parseSDPRemote([]byte(raw))
	require.Error(t, err, "SDP без аудиопотока отклоняется")
}

func TestParseSDPRemoteRejectsZeroPort(t *testing.T) {
	raw := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 203.0.113.5",
		"s=call",
		"c=IN IP4 203.0.113.5",
		"t=0 0",
		"m=audio 0 RTP/AVP 0",
		"",
	}, "\r\n")

	_, _, err := parseSDPRemote([]byte(raw))
	require.Error(t, err, "нулевой порт означает отклонённый поток")
}

func TestRemoteDirection(t *testing.T) {
	hold, err := buildSDP("192.0.2.10", 10000, directionSendOnly)
	require.NoError(t, err)
	assert.Equal(t, directionSendOnly, remoteDirection(hold))

	active, err := buildSDP("192.0.2.10", 10000, directionSendRecv)
	require.NoError(t, err)
	assert.Equal(t, directionSendRecv, remoteDirection(active))

	// Без явного атрибута действует умолчание RFC 3264
	assert.Equal(t, directionSendRecv, remoteDirection([]byte("v=0\r\n")))
}

func TestDTMFEventCodes(t *testing.T) {
	cases := map[rune]byte{
		'0': 0, '9': 9, '*': 10, '#': 11,
		'A': 12, 'D': 15, 'a': 12, 'd': 15,
	}
	for tone, want := range cases {
		code, ok := dtmfEventCode(tone)
		require.True(t, ok, "тон %c должен кодироваться", tone)
		assert.Equal(t, want, code, "код тона %c", tone)
	}

	_, ok := dtmfEventCode('X')
	assert.False(t, ok, "посторонний символ не кодируется")
}

func TestCauseFromStatus(t *testing.T) {
	assert.Equal(t, "Busy", string(causeFromStatus(486)))
	assert.Equal(t, "Canceled", string(causeFromStatus(487)))
	assert.Equal(t, "Not Found", string(causeFromStatus(404)))
	assert.Equal(t, "Unavailable", string(causeFromStatus(480)))
	assert.Equal(t, "Internal Error", string(causeFromStatus(500)))
	assert.Equal(t, "Rejected", string(causeFromStatus(403)))
}
