package certs

import (
	"crypto/tls"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndHandshake(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Generate(dir, []string{"localhost", "127.0.0.1"}))

	ca, cert, key := filepath.Join(dir, CAFile), filepath.Join(dir, CertFile), filepath.Join(dir, KeyFile)
	serverCfg, err := LoadServerTLSConfig(ca, cert, key)
	require.NoError(t, err)
	clientCfg, err := LoadClientTLSConfig(ca, cert, key)
	require.NoError(t, err)
	clientCfg.ServerName = "localhost"

	lis, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer lis.Close()

	type result struct {
		peers int
		err   error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			done <- result{err: err}
			return
		}
		defer conn.Close()
		srv := conn.(*tls.Conn)
		err = srv.Handshake()
		done <- result{peers: len(srv.ConnectionState().PeerCertificates), err: err}
	}()

	cli, err := tls.DialWithDialer(&net.Dialer{}, "tcp", lis.Addr().String(), clientCfg)
	require.NoError(t, err)
	defer cli.Close()

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.peers, "the client presented its certificate")
}

func TestLoad_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadServerTLSConfig(filepath.Join(dir, CAFile), filepath.Join(dir, CertFile), filepath.Join(dir, KeyFile))
	assert.Error(t, err)
	_, err = LoadClientTLSConfig(filepath.Join(dir, CAFile), filepath.Join(dir, CertFile), filepath.Join(dir, KeyFile))
	assert.Error(t, err)
}
