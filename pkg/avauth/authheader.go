package avauth

import "strings"

// Credentials is the parsed content of a SIP Authorization/Proxy-Authorization
// header. Header framing (which header, quoting) is transport-owned; this
// only decodes the comma-separated key=value pairs the auth engine itself
// needs to read.
type Credentials struct {
	Scheme   string
	Username string // IMPI
	Realm    string
	Nonce    string
	URI      string
	Response string
	QoP      string
	NC       string
	CNonce   string
	Algorithm string
}

// ParseCredentials decodes an Authorization/Proxy-Authorization header
// value such as:
//
//	Digest username="alice@home.net", realm="home.net", nonce="...",
//	  uri="sip:home.net", response="...", qop=auth, nc=00000001, cnonce="..."
func ParseCredentials(header string) (Credentials, bool) {
	header = strings.TrimSpace(header)
	sp := strings.IndexByte(header, ' ')
	if sp < 0 {
		return Credentials{}, false
	}
	scheme := header[:sp]
	rest := header[sp+1:]

	c := Credentials{Scheme: scheme}
	for _, part := range splitParams(rest) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		switch strings.ToLower(key) {
		case "username":
			c.Username = val
		case "realm":
			c.Realm = val
		case "nonce":
			c.Nonce = val
		case "uri":
			c.URI = val
		case "response":
			c.Response = val
		case "qop":
			c.QoP = val
		case "nc":
			c.NC = val
		case "cnonce":
			c.CNonce = val
		case "algorithm":
			c.Algorithm = val
		}
	}

	if c.Username == "" || c.Nonce == "" || c.Response == "" {
		return Credentials{}, false
	}
	return c, true
}

// splitParams splits a comma-separated parameter list while respecting
// double-quoted segments (a nonce/response value never itself contains a
// comma, but this keeps the parser honest if a future field does).
func splitParams(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case ',':
			if inQuotes {
				cur.WriteRune(r)
			} else {
				parts = append(parts, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}
