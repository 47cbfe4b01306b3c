// Package sslocal runs the local side of the encrypted tunnel: a SOCKS5
// listener on loopback whose connections are relayed through a Shadowsocks
// server described by an ss:// access key.
package sslocal

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/irctrakz/tunshield/pkg/core"
)

// Credential is a parsed access key.
type Credential struct {
	Method   string
	Password string
	Server   string
}

// String omits the password.
func (c Credential) String() string {
	return fmt.Sprintf("%s@%s", c.Method, c.Server)
}

// ParseCredential parses SIP002 (ss://base64(method:password)@host:port)
// and legacy (ss://base64(method:password@host:port)) access keys. Query
// parameters and fragments are ignored. Errors wrap core.ErrCredentialParse.
func ParseCredential(key string) (Credential, error) {
	s := strings.TrimSpace(key)
	if !strings.HasPrefix(strings.ToLower(s), "ss://") {
		return Credential{}, fmt.Errorf("%w: missing ss:// scheme", core.ErrCredentialParse)
	}
	s = s[len("ss://"):]
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSuffix(s, "/")

	var userinfo, hostport string
	if at := strings.LastIndexByte(s, '@'); at >= 0 {
		userinfo, hostport = s[:at], s[at+1:]
		if u, err := url.PathUnescape(userinfo); err == nil && strings.Contains(u, ":") {
			userinfo = u
		} else if dec, ok := decodeBase64(userinfo); ok {
			userinfo = dec
		} else {
			return Credential{}, fmt.Errorf("%w: bad userinfo", core.ErrCredentialParse)
		}
	} else {
		dec, ok := decodeBase64(s)
		if !ok {
			return Credential{}, fmt.Errorf("%w: bad base64 body", core.ErrCredentialParse)
		}
		at := strings.LastIndexByte(dec, '@')
		if at < 0 {
			return Credential{}, fmt.Errorf("%w: missing server", core.ErrCredentialParse)
		}
		userinfo, hostport = dec[:at], dec[at+1:]
	}

	method, password, ok := strings.Cut(userinfo, ":")
	if !ok || method == "" || password == "" {
		return Credential{}, fmt.Errorf("%w: missing method or password", core.ErrCredentialParse)
	}
	host, port, err := net.SplitHostPort(hostport)
	if err != nil || host == "" {
		return Credential{}, fmt.Errorf("%w: bad server address", core.ErrCredentialParse)
	}
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
		return Credential{}, fmt.Errorf("%w: bad server port", core.ErrCredentialParse)
	}
	return Credential{
		Method:   strings.ToLower(method),
		Password: password,
		Server:   net.JoinHostPort(host, port),
	}, nil
}

func decodeBase64(s string) (string, bool) {
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.StdEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return string(b), true
		}
	}
	return "", false
}
