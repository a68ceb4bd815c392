package siptransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
)

const dtlsHandshakeTimeout = 30 * time.Second

// wrapDTLS оборачивает медиасокет в DTLS. Сертификат самоподписанный:
// плоскость управления не проверяет идентичность медиапира, шифрование
// защищает только содержимое потока.
func wrapDTLS(conn *net.UDPConn, remote *net.UDPAddr, client bool) (net.Conn, error) {
	cert, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return nil, fmt.Errorf("siptransport: сертификат DTLS: %w", err)
	}

	config := &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		InsecureSkipVerify:   true,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		CipherSuites: []dtls.CipherSuiteID{
			dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), dtlsHandshakeTimeout)
	defer cancel()

	packetConn := &connectedPacketConn{conn: conn, remote: remote}
	if client {
		return dtls.ClientWithContext(ctx, packetConn, config)
	}
	return dtls.ServerWithContext(ctx, packetConn, config)
}

// connectedPacketConn представляет слушающий UDP сокет как соединение
// с фиксированной удалённой стороной; пакеты с других адресов отбрасываются.
type connectedPacketConn struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
}

func (c *connectedPacketConn) Read(b []byte) (int, error) {
	for {
		n, addr, err := c.conn.ReadFromUDP(b)
		if err != nil {
			return 0, err
		}
		if addr.IP.Equal(c.remote.IP) && addr.Port == c.remote.Port {
			return n, nil
		}
	}
}

func (c *connectedPacketConn) Write(b []byte) (int, error) {
	return c.conn.WriteToUDP(b, c.remote)
}

func (c *connectedPacketConn) Close() error         { return c.conn.Close() }
func (c *connectedPacketConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *connectedPacketConn) RemoteAddr() net.Addr { return c.remote }

func (c *connectedPacketConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *connectedPacketConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *connectedPacketConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
