// Package model defines the transient per-connection types shared by the proxy.
package model

// Kind classifies a client connection by the request it opened with.
type Kind string

const (
	KindConnect Kind = "connect"
	KindHTTP    Kind = "http"
	KindUnknown Kind = "unknown"
)

// Outcome is the terminal state of a client connection, used for logs and metrics.
type Outcome string

const (
	OutcomeOK                  Outcome = "ok"
	OutcomeAbortedClient       Outcome = "aborted_client"
	OutcomeMalformed           Outcome = "malformed"
	OutcomeUpstreamUnreachable Outcome = "upstream_unreachable"
	OutcomeUpstreamAborted     Outcome = "upstream_aborted"
	OutcomeTunnelRejected      Outcome = "tunnel_rejected"
	OutcomeRelayError          Outcome = "relay_error"
	OutcomeIdle                Outcome = "idle"
)

// RequestHead is a parsed client request head.
// Lines holds the header lines after the request line, in wire order and
// without the terminal empty line.
type RequestHead struct {
	RequestLine string
	Method      string
	Target      string
	Lines       []string
}

// IsConnect reports whether the request asks for a tunnel.
func (h *RequestHead) IsConnect() bool {
	return h.Method == "CONNECT"
}

// Kind returns the connection kind implied by the request method.
func (h *RequestHead) Kind() Kind {
	if h.IsConnect() {
		return KindConnect
	}
	return KindHTTP
}
