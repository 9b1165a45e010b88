package stream

import (
	"net/url"
	"time"

	"github.com/spf13/cast"

	"github.com/scalenet/spcore/errs"
)

// Schemes recognized by the library. Each resolves to a registered
// Transport; recognizing a scheme here does not imply one is registered.
var knownSchemes = map[string]bool{
	"tcp":      true,
	"tcp4":     true,
	"tcp6":     true,
	"ipc":      true,
	"unix":     true, // alias for ipc
	"abstract": true,
	"inproc":   true,
	"tls+tcp":  true,
	"tls+tcp4": true,
	"tls+tcp6": true,
	"ws":       true,
	"ws4":      true,
	"ws6":      true,
	"wss":      true,
	"wss4":     true,
	"wss6":     true,
}

// SchemeOf extracts and validates the scheme portion of rawurl.
func SchemeOf(rawurl string) (string, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", errs.Wrap(errs.InvalidAddress, "stream.SchemeOf", err)
	}
	if u.Scheme == "" {
		return "", errs.New(errs.InvalidAddress, "stream.SchemeOf: missing scheme")
	}
	if !knownSchemes[u.Scheme] {
		return "", errs.New(errs.NotSupported, "stream.SchemeOf: unknown scheme "+u.Scheme)
	}
	return u.Scheme, nil
}

// HostPort validates and returns the host:port portion of rawurl; IPv6
// hosts are expected bracketed, per net/url.
func HostPort(rawurl string) (string, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", errs.Wrap(errs.InvalidAddress, "stream.HostPort", err)
	}
	if u.Host == "" {
		return "", errs.New(errs.InvalidAddress, "stream.HostPort: missing host")
	}
	return u.Host, nil
}

// Path returns the path portion of rawurl, used by ipc/unix/abstract/inproc
// schemes in place of a host:port.
func Path(rawurl string) (string, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", errs.Wrap(errs.InvalidAddress, "stream.Path", err)
	}
	if u.Opaque != "" {
		return u.Opaque, nil
	}
	return u.Path, nil
}

// Options is the parsed query string of a dial/listen URL, eg.
// "tcp://127.0.0.1:9000?recvmax=1048576&no-delay=true". Endpoint
// constructors use it to let a URL override their explicit defaults
// without every transport re-implementing query parsing.
type Options struct {
	values url.Values
}

// QueryOptions parses rawurl's query string into an Options set.
func QueryOptions(rawurl string) (*Options, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidAddress, "stream.QueryOptions", err)
	}
	return &Options{values: u.Query()}, nil
}

// Uint64 returns the named option as a uint64, or def if absent. A present
// but malformed value is an error rather than a silent fallback to def.
func (o *Options) Uint64(name string, def uint64) (uint64, error) {
	if o == nil || !o.values.Has(name) {
		return def, nil
	}
	v, err := cast.ToUint64E(o.values.Get(name))
	if err != nil {
		return 0, errs.Wrap(errs.InvalidArgument, "stream.Options.Uint64: "+name, err)
	}
	return v, nil
}

// Duration returns the named option as a time.Duration, accepting both Go
// duration strings ("250ms") and bare numbers (interpreted as milliseconds).
func (o *Options) Duration(name string, def time.Duration) (time.Duration, error) {
	if o == nil || !o.values.Has(name) {
		return def, nil
	}
	raw := o.values.Get(name)
	// Try the bare number first: cast.ToDurationE would read "9000" as
	// nanoseconds rather than failing.
	if ms, err := cast.ToInt64E(raw); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := cast.ToDurationE(raw)
	if err != nil {
		return 0, errs.Wrap(errs.InvalidArgument, "stream.Options.Duration: "+name, err)
	}
	return d, nil
}

// Bool returns the named option as a bool.
func (o *Options) Bool(name string, def bool) (bool, error) {
	if o == nil || !o.values.Has(name) {
		return def, nil
	}
	v, err := cast.ToBoolE(o.values.Get(name))
	if err != nil {
		return false, errs.Wrap(errs.InvalidArgument, "stream.Options.Bool: "+name, err)
	}
	return v, nil
}
