package httphead

import (
	"encoding/base64"
	"strings"
)

// ProxyAuthorization is the header carrying upstream proxy credentials.
const ProxyAuthorization = "Proxy-Authorization"

// BasicAuth returns the Basic scheme value for a "user:password" credential.
func BasicAuth(credential string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(credential))
}

// AuthLine renders a Proxy-Authorization header line with the given value.
func AuthLine(value string) string {
	return ProxyAuthorization + ": " + value
}

// InjectAuth returns lines with every Proxy-Authorization header removed and a
// single one carrying value placed first. The relative order of the remaining
// lines is preserved and lines is not modified.
//
// Folded continuation lines of a removed header are removed with it.
func InjectAuth(lines []string, value string) []string {
	out := make([]string, 0, len(lines)+1)
	out = append(out, AuthLine(value))

	dropping := false
	for _, l := range lines {
		if isContinuation(l) {
			if !dropping {
				out = append(out, l)
			}
			continue
		}
		dropping = isProxyAuthorization(l)
		if !dropping {
			out = append(out, l)
		}
	}
	return out
}

func isProxyAuthorization(line string) bool {
	name, _, ok := strings.Cut(line, ":")
	return ok && strings.EqualFold(strings.TrimSpace(name), ProxyAuthorization)
}

func isContinuation(line string) bool {
	return line != "" && (line[0] == ' ' || line[0] == '\t')
}
