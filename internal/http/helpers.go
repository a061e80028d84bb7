package http

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

// isLoopbackRequest checks the peer address, not any forwarded header.
func isLoopbackRequest(r *http.Request) bool {
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr().Unmap().IsLoopback()
	}
	addr, err := netip.ParseAddr(r.RemoteAddr)
	return err == nil && addr.Unmap().IsLoopback()
}

// isSafeLocalHost guards against DNS rebinding: the Host header must name the
// loopback interface.
func isSafeLocalHost(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	switch strings.ToLower(strings.Trim(host, "[]")) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// normalizeOrigin reduces an Origin header to lowercase scheme://host[:port],
// or "" when it is not an absolute URL.
func normalizeOrigin(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

func originSet(origins []string) map[string]struct{} {
	out := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if n := normalizeOrigin(o); n != "" {
			out[n] = struct{}{}
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{JSONKeyOK: false, JSONKeyError: err.Error()})
}

func writeRPCError(w http.ResponseWriter, status int, code int, msg string, data any) {
	writeJSON(w, status, map[string]any{
		JSONKeyError: rpcErr{Code: code, Message: msg, Data: data},
	})
}

// readJSONBody decodes one JSON value. An empty body leaves out untouched.
func readJSONBody(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ndjsonWriter streams one JSON value per line, flushing after each.
type ndjsonWriter struct {
	w   http.ResponseWriter
	enc *json.Encoder
	f   http.Flusher
}

func newNDJSONWriter(w http.ResponseWriter) *ndjsonWriter {
	w.Header().Set("Content-Type", contentTypeNDJSON)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	nw := &ndjsonWriter{w: w, enc: json.NewEncoder(w), f: f}
	nw.flush()
	return nw
}

func (n *ndjsonWriter) write(v any) error {
	if err := n.enc.Encode(v); err != nil {
		return err
	}
	n.flush()
	return nil
}

func (n *ndjsonWriter) flush() {
	if n.f != nil {
		n.f.Flush()
	}
}
