package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/relaygate/relaygate/internal/apierr"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/model"
	"github.com/relaygate/relaygate/internal/routing"
)

// DefaultUpstreamTimeout bounds a whole upstream exchange, body included.
const DefaultUpstreamTimeout = 30 * time.Second

// hopHeaders are connection-scoped and never relayed back to the client.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Inbound is the part of a client request the forwarder sends upstream.
// Path carries the query string.
type Inbound struct {
	Method        string
	Path          string
	Role          model.Role
	Body          io.Reader
	ContentLength int64
	Header        http.Header
	Cookies       []*http.Cookie
}

// ForwarderConfig wires a Forwarder.
type ForwarderConfig struct {
	Routes  *routing.Table
	Timeout time.Duration
	Client  *http.Client
	Metrics metrics.Gateway
	Logger  *slog.Logger
}

// Forwarder proxies authorized requests to the upstream service the route
// table resolves them to.
type Forwarder struct {
	routes  *routing.Table
	client  *http.Client
	metrics metrics.Gateway
	logger  *slog.Logger
}

// NewForwarder creates a Forwarder from cfg.
func NewForwarder(cfg ForwarderConfig) *Forwarder {
	f := &Forwarder{
		routes:  cfg.Routes,
		client:  cfg.Client,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	if f.client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultUpstreamTimeout
		}
		f.client = &http.Client{
			Timeout: timeout,
			// Redirects are the client's business.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if f.metrics == nil {
		f.metrics = metrics.Noop{}
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// Forward resolves in against the route table and sends it upstream. On
// success the caller owns the returned response and must close its body.
// Routing failures propagate unchanged; an upstream status >= 400 becomes an
// *apierr.Error carrying the upstream body; a transport failure becomes a
// 500.
func (f *Forwarder) Forward(ctx context.Context, in Inbound) (*http.Response, error) {
	base, err := f.routes.Resolve(in.Path, in.Method, in.Role)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, in.Method, base+in.Path, in.Body)
	if err != nil {
		return nil, apierr.Internal("build upstream request", err)
	}
	if in.Body != nil {
		req.ContentLength = in.ContentLength
	}
	req.Header = forwardHeaders(in.Header, in.Cookies)

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Error("upstream request failed", "method", in.Method, "url", base+in.Path, "error", err)
		f.metrics.IncUpstreamError(f.serviceKey(in), "transport")
		return nil, &apierr.Error{Kind: apierr.KindInternal, Message: err.Error(), Err: err}
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			f.logger.Warn("read upstream error body", "error", readErr)
		}
		f.logger.Warn("upstream returned error",
			"method", in.Method, "url", base+in.Path, "status", resp.StatusCode)
		f.metrics.IncUpstreamError(f.serviceKey(in), strconv.Itoa(resp.StatusCode))
		return nil, apierr.FromStatus(resp.StatusCode, body, resp.Header.Get("Content-Type"))
	}
	return resp, nil
}

// ServeHTTP proxies r using the identity attached by the authenticator and
// relays the upstream response.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	in, err := inboundFrom(r)
	if err != nil {
		apierr.Write(w, r, err, f.logger)
		return
	}
	resp, err := f.Forward(r.Context(), in)
	if err != nil {
		apierr.Write(w, r, err, f.logger)
		return
	}
	defer resp.Body.Close()
	relay(w, resp, f.logger)
}

func (f *Forwarder) serviceKey(in Inbound) string {
	if rule, ok := f.routes.Match(in.Path, in.Method); ok {
		return rule.ServiceKey
	}
	return "unknown"
}

// inboundFrom captures r for forwarding. Multipart bodies stream straight
// through; any other body is read fully and forwarded as-is.
func inboundFrom(r *http.Request) (Inbound, error) {
	in := Inbound{
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Role:    CurrentRole(r.Context()),
		Header:  r.Header,
		Cookies: r.Cookies(),
	}
	if r.Body == nil || r.Body == http.NoBody {
		return in, nil
	}
	if isMultipart(r.Header.Get("Content-Type")) {
		in.Body = r.Body
		in.ContentLength = r.ContentLength
		return in, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return in, apierr.BadRequest(fmt.Sprintf("read request body: %v", err))
	}
	if len(body) > 0 {
		in.Body = bytes.NewReader(body)
		in.ContentLength = int64(len(body))
	}
	return in, nil
}

// forwardHeaders builds the outbound header set: Accept (default */*),
// Authorization, Content-Type and a Cookie header rebuilt from the parsed
// jar. Everything else is dropped.
func forwardHeaders(in http.Header, cookies []*http.Cookie) http.Header {
	out := make(http.Header)
	accept := in.Get("Accept")
	if accept == "" {
		accept = "*/*"
	}
	out.Set("Accept", accept)
	if v := in.Get("Authorization"); v != "" {
		out.Set("Authorization", v)
	}
	if v := in.Get("Content-Type"); v != "" {
		out.Set("Content-Type", v)
	}
	if len(cookies) > 0 {
		parts := make([]string, 0, len(cookies))
		for _, ck := range cookies {
			parts = append(parts, ck.Name+"="+ck.Value)
		}
		out.Set("Cookie", strings.Join(parts, "; "))
	}
	return out
}

// relay copies status, headers and body of resp to w. Set-Cookie values are
// appended so cookies the gateway already set survive.
func relay(w http.ResponseWriter, resp *http.Response, logger *slog.Logger) {
	dst := w.Header()
	for k, vv := range resp.Header {
		if hopHeaders[k] {
			continue
		}
		if k == "Set-Cookie" {
			for _, v := range vv {
				dst.Add(k, v)
			}
			continue
		}
		dst[k] = append([]string(nil), vv...)
	}
	w.WriteHeader(resp.StatusCode)
	var err error
	if isStreamed(resp) {
		err = copyFlushing(w, resp.Body)
	} else {
		_, err = io.Copy(w, resp.Body)
	}
	if err != nil {
		logger.Warn("relay upstream body", "error", err)
	}
}

// isStreamed reports whether resp has no known length or is an event
// stream, so each chunk should reach the client as soon as it arrives.
func isStreamed(resp *http.Response) bool {
	if resp.ContentLength < 0 {
		return true
	}
	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return mt == "text/event-stream"
}

// copyFlushing copies src to w, flushing after every write.
func copyFlushing(w http.ResponseWriter, src io.Reader) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func isMultipart(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "multipart/form-data")
	}
	return mt == "multipart/form-data"
}
