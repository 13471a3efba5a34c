package cloudadapter

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"
)

// HTTPVerdict is the outcome of an HTTP probe.
type HTTPVerdict string

const (
	HTTPUp   HTTPVerdict = "up"
	HTTPDown HTTPVerdict = "down"
)

// HTTPProbeResult carries the verdict, the last observed status code (0 if
// no attempt succeeded in receiving a response), and wall-clock latency.
type HTTPProbeResult struct {
	Verdict   HTTPVerdict
	Code      int
	LatencyMS int64
}

// TCPVerdict is the outcome of a TCP dial probe.
type TCPVerdict string

const (
	TCPOpen     TCPVerdict = "open"
	TCPRefused  TCPVerdict = "refused"
	TCPTimeout  TCPVerdict = "timeout"
)

// Prober issues HTTP and TCP probes against application endpoints. It is a
// standalone struct (not part of ComputeAPI/NodegroupAPI/WorkloadAPI)
// since no pack example wraps bare TCP dial or HTTP HEAD in a third-party
// client — `net`/`net/http` is the idiomatic choice every pack repo uses
// for outbound calls of this shape (see SPEC_FULL.md §4.1).
type Prober struct {
	insecure bool
}

// NewProber creates a Prober. insecure disables TLS verification on
// outbound HTTPS probes, gated behind the explicit insecure_http_probes
// flag.
func NewProber(insecure bool) *Prober {
	return &Prober{insecure: insecure}
}

// HTTPProbe issues a HEAD request, trying https:// then http://, following
// redirects, bounded by the caller-supplied timeout (per call). acceptanceSet is the set of
// status codes treated as UP (default {200} at the config layer; the exact
// set is configurable, see DESIGN.md).
func (p *Prober) HTTPProbe(ctx context.Context, hostname string, timeout time.Duration, acceptanceSet map[int]bool) HTTPProbeResult {
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: p.insecure},
		},
	}

	var lastCode int
	var lastLatency int64

	for _, scheme := range []string{"https", "http"} {
		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, scheme+"://"+hostname, nil)
		if err != nil {
			continue
		}

		resp, err := client.Do(req)
		latency := time.Since(start).Milliseconds()
		if err != nil {
			continue
		}
		resp.Body.Close()

		lastCode, lastLatency = resp.StatusCode, latency
		if acceptanceSet[resp.StatusCode] {
			return HTTPProbeResult{Verdict: HTTPUp, Code: resp.StatusCode, LatencyMS: latency}
		}
	}

	return HTTPProbeResult{Verdict: HTTPDown, Code: lastCode, LatencyMS: lastLatency}
}

// TCPProbe dials host:port with the given timeout.
func (p *Prober) TCPProbe(ctx context.Context, host string, port int, timeout time.Duration) TCPVerdict {
	dialer := net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err == nil {
		conn.Close()
		return TCPOpen
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TCPTimeout
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return TCPTimeout
	}
	return TCPRefused
}
