package siptransport

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := Config{URI: "sip:alice@example.com"}
	require.NoError(t, cfg.Validate())

	cfg = Config{}
	require.Error(t, cfg.Validate(), "пустой URI отклоняется")

	cfg = Config{URI: "sip:example.com"}
	require.Error(t, cfg.Validate(), "URI без пользователя отклоняется")

	cfg = Config{URI: "sip:alice@example.com", ListenAddr: "нет-порта"}
	require.Error(t, cfg.Validate())

	cfg = Config{URI: "sip:alice@example.com", MediaPortMin: 20000, MediaPortMax: 10000}
	require.Error(t, cfg.Validate(), "перевёрнутый диапазон портов отклоняется")
}

func TestConfigNormalized(t *testing.T) {
	cfg := Config{URI: "sip:alice@example.com"}.normalized()

	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultUserAgent, cfg.UserAgent)
	assert.Equal(t, DefaultRegisterExpiry, cfg.RegisterExpiry)
	assert.Equal(t, DefaultMediaPortMin, cfg.MediaPortMin)
	assert.Equal(t, DefaultMediaPortMax, cfg.MediaPortMax)
	assert.Equal(t, DefaultDSCP, cfg.DSCP)
	assert.NotNil(t, cfg.Logger)

	custom := Config{
		URI:            "sip:alice@example.com",
		ListenAddr:     "127.0.0.1:5080",
		RegisterExpiry: 10 * time.Minute,
	}.normalized()
	assert.Equal(t, "127.0.0.1:5080", custom.ListenAddr, "заданные значения не затираются")
	assert.Equal(t, 10*time.Minute, custom.RegisterExpiry)
}

func TestConfigServerURI(t *testing.T) {
	var local sip.Uri
	require.NoError(t, sip.ParseUri("sip:alice@example.com", &local))

	cfg := Config{URI: "sip:alice@example.com"}
	uri := cfg.serverURI(local)
	assert.Equal(t, "example.com", uri.Host, "по умолчанию регистратор — домен идентичности")
	assert.Zero(t, uri.Port)

	cfg.ServerAddr = "sip.example.net:5070"
	uri = cfg.serverURI(local)
	assert.Equal(t, "sip.example.net", uri.Host)
	assert.Equal(t, 5070, uri.Port)

	cfg.ServerAddr = "sip.example.net"
	uri = cfg.serverURI(local)
	assert.Equal(t, "sip.example.net", uri.Host)
	assert.Zero(t, uri.Port)
}

func TestConfigListenHostPort(t *testing.T) {
	cfg := Config{URI: "sip:alice@example.com", ListenAddr: "10.0.0.1:5062"}.normalized()
	host, port := cfg.listenHostPort()
	assert.Equal(t, "10.0.0.1", host)
	assert.Equal(t, 5062, port)
}
