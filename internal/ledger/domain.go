package ledger

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"

	"github.com/sells-group/prospect-engine/internal/model"
)

// NormalizeDomain reduces a domain or URL to the lead's natural key: the
// lowercase ASCII host with scheme, port, path and trailing dot removed. A
// leading www label is dropped when at least two labels remain. Malformed input yields a *model.ValidationError.
func NormalizeDomain(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", model.NewValidationError("domain", "empty domain")
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", model.NewValidationError("domain", "malformed domain "+strconv.Quote(raw))
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimSuffix(host, ".")
	if rest, ok := strings.CutPrefix(host, "www."); ok && strings.Contains(rest, ".") {
		host = rest
	}

	if host == "" || net.ParseIP(host) != nil {
		return "", model.NewValidationError("domain", "malformed domain "+strconv.Quote(raw))
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", model.NewValidationError("domain", "malformed domain "+strconv.Quote(raw)+": "+err.Error())
	}
	if reason := checkLabels(ascii); reason != "" {
		return "", model.NewValidationError("domain", strconv.Quote(raw)+": "+reason)
	}
	return ascii, nil
}

// checkLabels returns why host is not a valid hostname, or "".
func checkLabels(host string) string {
	if len(host) > 253 {
		return "longer than 253 characters"
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return "missing top-level domain"
	}
	for _, l := range labels {
		if l == "" || len(l) > 63 {
			return "label length must be 1-63"
		}
		if l[0] == '-' || l[len(l)-1] == '-' {
			return "label may not start or end with a hyphen"
		}
		for _, r := range l {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
				return "invalid character in label " + l
			}
		}
	}
	tld := labels[len(labels)-1]
	if strings.Trim(tld, "0123456789") == "" {
		return "numeric top-level domain"
	}
	return ""
}
