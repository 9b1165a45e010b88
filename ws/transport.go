package ws

import (
	"strings"

	"github.com/scalenet/spcore/aio"
	"github.com/scalenet/spcore/errs"
	"github.com/scalenet/spcore/stream"
	"github.com/scalenet/spcore/tlsstream"
)

func init() {
	stream.Register("ws", wsTransport{tls: false})
	stream.Register("ws4", wsTransport{tls: false, network: "tcp4"})
	stream.Register("ws6", wsTransport{tls: false, network: "tcp6"})
	stream.Register("wss", wsTransport{tls: true})
	stream.Register("wss4", wsTransport{tls: true, network: "tcp4"})
	stream.Register("wss6", wsTransport{tls: true, network: "tcp6"})
}

// wsTransport dials/listens on plain TCP (or TLS, for wss) and layers the
// HTTP upgrade + RFC 6455 framing on top.
type wsTransport struct {
	tls     bool
	network string
}

func (t wsTransport) scheme() string {
	if t.network == "" {
		if t.tls {
			return "tls+tcp"
		}
		return "tcp"
	}
	return "tls+" + t.network
}

func (t wsTransport) tcpScheme() string {
	if t.network != "" {
		return t.network
	}
	return "tcp"
}

func (t wsTransport) NewDialer(rawurl string) (stream.Dialer, error) {
	hp, err := stream.HostPort(rawurl)
	if err != nil {
		return nil, err
	}
	path, _ := stream.Path(rawurl)
	if path == "" {
		path = "/"
	}
	under, err := stream.NewDialer(t.tcpScheme() + "://" + hp)
	if err != nil {
		return nil, err
	}
	return &wsDialer{under: under, host: hp, path: path, useTLS: t.tls}, nil
}

func (t wsTransport) NewListener(rawurl string) (stream.Listener, error) {
	hp, err := stream.HostPort(rawurl)
	if err != nil {
		return nil, err
	}
	under, err := stream.NewListener(t.tcpScheme() + "://" + hp)
	if err != nil {
		return nil, err
	}
	return &wsListener{under: under, useTLS: t.tls}, nil
}

type wsDialer struct {
	under  stream.Dialer
	host   string
	path   string
	useTLS bool
}

func (d *wsDialer) Dial(a *aio.AIO) {
	var inner *aio.AIO
	started := a.Start(func(_ *aio.AIO, rv error) { inner.Abort(rv) }, nil)
	if !started {
		return
	}

	inner = aio.New(func(ia *aio.AIO) {
		rv, _ := ia.Result()
		if rv != nil {
			a.Finish(rv, 0)
			return
		}
		raw := ia.Output(0).(stream.Stream)

		if d.useTLS {
			tlsS, err := tlsstream.New(raw, &tlsstream.Config{ServerName: hostOnly(d.host)})
			if err != nil {
				a.Finish(errs.Wrap(errs.ProtocolError, "ws.Dial", err), 0)
				return
			}
			raw = tlsS
		}

		if err := clientUpgrade(raw, d.host, d.path, ""); err != nil {
			a.Finish(err, 0)
			return
		}

		a.SetOutput(0, New(raw, Config{Mode: ModeMessage, Client: true}))
		a.Finish(nil, 0)
	}, nil)
	d.under.Dial(inner)
}

func (d *wsDialer) Close() error { return d.under.Close() }

func hostOnly(hostport string) string {
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		return hostport[:i]
	}
	return hostport
}

type wsListener struct {
	under  stream.Listener
	useTLS bool
	// TLSConfig, when useTLS is set, configures the server-side handshake.
	TLSConfig *tlsstream.Config
}

func (l *wsListener) Listen() error { return l.under.Listen() }

func (l *wsListener) Accept(a *aio.AIO) {
	var inner *aio.AIO
	started := a.Start(func(_ *aio.AIO, rv error) { inner.Abort(rv) }, nil)
	if !started {
		return
	}

	inner = aio.New(func(ia *aio.AIO) {
		rv, _ := ia.Result()
		if rv != nil {
			a.Finish(rv, 0)
			return
		}
		raw := ia.Output(0).(stream.Stream)

		if l.useTLS {
			cfg := l.TLSConfig
			if cfg == nil {
				cfg = &tlsstream.Config{}
			}
			c := *cfg
			c.Server = true
			tlsS, err := tlsstream.New(raw, &c)
			if err != nil {
				a.Finish(errs.Wrap(errs.ProtocolError, "ws.Accept", err), 0)
				return
			}
			raw = tlsS
		}

		if _, err := serverUpgrade(raw, nil, nil); err != nil {
			a.Finish(err, 0)
			return
		}

		a.SetOutput(0, New(raw, Config{Mode: ModeMessage, Client: false}))
		a.Finish(nil, 0)
	}, nil)
	l.under.Accept(inner)
}

func (l *wsListener) Close() error { return l.under.Close() }
