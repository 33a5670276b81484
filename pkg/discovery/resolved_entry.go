package discovery

import "net"

// ResolvedEntry holds the connection details of a resolved service. It is
// immutable.
type ResolvedEntry struct {
	fullName   string
	nativeHost string
	host       string
	port       uint16
	text       map[string]string
	addrs      []net.IP
}

// NewResolvedEntry builds an entry from a resolve reply. The TXT "host" key,
// when present and non-empty, overrides nativeHost in Host. A malformed TXT
// record yields the entries decoded before the fault and the error.
func NewResolvedEntry(fullName, nativeHost string, port uint16, text []byte, addrs ...net.IP) (*ResolvedEntry, error) {
	m, err := DecodeTXT(text)

	host := nativeHost
	if h := m[TXTKeyHost]; h != "" {
		host = h
	}

	return &ResolvedEntry{
		fullName:   fullName,
		nativeHost: nativeHost,
		host:       host,
		port:       port,
		text:       m,
		addrs:      append([]net.IP(nil), addrs...),
	}, err
}

// FullName returns the escaped DNS name of the instance.
func (r *ResolvedEntry) FullName() string {
	return r.fullName
}

// NativeHost returns the host name reported by DNS-SD.
func (r *ResolvedEntry) NativeHost() string {
	return r.nativeHost
}

// Host returns the host to connect to.
func (r *ResolvedEntry) Host() string {
	return r.host
}

// Port returns the service port.
func (r *ResolvedEntry) Port() uint16 {
	return r.port
}

// Text returns a copy of the TXT entries.
func (r *ResolvedEntry) Text() map[string]string {
	out := make(map[string]string, len(r.text))
	for k, v := range r.text {
		out[k] = v
	}
	return out
}

// TextEntry returns the value of one TXT key.
func (r *ResolvedEntry) TextEntry(key string) (string, bool) {
	v, ok := r.text[key]
	return v, ok
}

// Addresses returns the host addresses reported with the resolve, if any.
func (r *ResolvedEntry) Addresses() []net.IP {
	return append([]net.IP(nil), r.addrs...)
}

// DialHost returns the host to connect to as an address when one is known:
// the TXT "host" override if set, else the first reported address, else the
// native host name.
func (r *ResolvedEntry) DialHost() string {
	if r.host != r.nativeHost || len(r.addrs) == 0 {
		return r.host
	}
	return r.addrs[0].String()
}

// NativeDialHost is like DialHost but ignores the TXT override.
func (r *ResolvedEntry) NativeDialHost() string {
	if len(r.addrs) == 0 {
		return r.nativeHost
	}
	return r.addrs[0].String()
}
