package tlsstream

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/scalenet/spcore/aio"
	"github.com/scalenet/spcore/stream"
	"github.com/stretchr/testify/require"
)

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	return cert
}

func dialInprocPair(t *testing.T, addr string) (stream.Stream, stream.Stream) {
	t.Helper()

	ln, err := stream.NewListener("inproc://" + addr)
	require.NoError(t, err)
	require.NoError(t, ln.Listen())
	defer ln.Close()

	dl, err := stream.NewDialer("inproc://" + addr)
	require.NoError(t, err)

	acceptDone := make(chan stream.Stream, 1)
	acc := aio.New(func(a *aio.AIO) {
		acceptDone <- a.Output(0).(stream.Stream)
	}, nil)
	ln.Accept(acc)

	dialDone := make(chan stream.Stream, 1)
	dial := aio.New(func(a *aio.AIO) {
		dialDone <- a.Output(0).(stream.Stream)
	}, nil)
	dl.Dial(dial)

	return <-dialDone, <-acceptDone
}

func TestHandshakeAndEcho(t *testing.T) {
	clientRaw, serverRaw := dialInprocPair(t, "tlsstream-echo")

	cert := selfSignedCert(t)

	serverTLS, err := New(serverRaw, &Config{
		Server:       true,
		Certificates: []tls.Certificate{cert},
	})
	require.NoError(t, err)
	defer serverTLS.Stop()

	clientTLS, err := New(clientRaw, &Config{
		Server:             false,
		ServerName:         "localhost",
		InsecureSkipVerify: true,
	})
	require.NoError(t, err)
	defer clientTLS.Stop()

	payload := []byte("hello over tls")
	sendDone := make(chan error, 1)
	sa := aio.New(func(a *aio.AIO) {
		rv, _ := a.Result()
		sendDone <- rv
	}, nil)
	sa.SetIov([][]byte{payload})
	clientTLS.Send(sa)

	recvBuf := make([]byte, len(payload))
	recvDone := make(chan error, 1)
	ra := aio.New(func(a *aio.AIO) {
		rv, _ := a.Result()
		recvDone <- rv
	}, nil)
	ra.SetIov([][]byte{recvBuf})
	serverTLS.Recv(ra)

	select {
	case err := <-sendDone:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("send timed out")
	}
	select {
	case err := <-recvDone:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("recv timed out")
	}
	require.Equal(t, payload, recvBuf)
}
