package gateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/apierr"
	"github.com/relaygate/relaygate/internal/model"
	"github.com/relaygate/relaygate/internal/routing"
)

type upstreamSeen struct {
	method string
	uri    string
	header http.Header
	body   []byte
}

func newUpstream(t *testing.T, h func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *upstreamSeen) {
	t.Helper()
	seen := &upstreamSeen{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.method = r.Method
		seen.uri = r.URL.RequestURI()
		seen.header = r.Header.Clone()
		seen.body, _ = io.ReadAll(r.Body)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func newForwarder(t *testing.T, upstreamURL string) *Forwarder {
	t.Helper()
	table := routing.NewTable(routing.DefaultServices(), map[string]string{
		"auth": upstreamURL,
		"api":  upstreamURL,
	})
	return NewForwarder(ForwarderConfig{Routes: table, Logger: quietLogger()})
}

func withRole(req *http.Request, role model.Role) *http.Request {
	return req.WithContext(WithIdentity(req.Context(), &model.Identity{UserID: "u1", Role: role, IsActive: true}))
}

func TestForwardHeaderFiltering(t *testing.T) {
	srv, seen := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	f := newForwarder(t, srv.URL)

	req := httptest.NewRequest("GET", "/api/offers?page=2", nil)
	req.Header.Set("Authorization", "Bearer a1")
	req.Header.Set("X-Custom", "leak")
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	req.Header.Set("Origin", "http://evil")
	req.AddCookie(&http.Cookie{Name: "accessToken", Value: "a1"})
	req.AddCookie(&http.Cookie{Name: "theme", Value: "dark"})
	w := httptest.NewRecorder()
	f.ServeHTTP(w, withRole(req, model.RoleUser))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if seen.uri != "/api/offers?page=2" {
		t.Errorf("upstream uri = %q", seen.uri)
	}
	if got := seen.header.Get("Accept"); got != "*/*" {
		t.Errorf("Accept = %q, want */*", got)
	}
	if got := seen.header.Get("Authorization"); got != "Bearer a1" {
		t.Errorf("Authorization = %q", got)
	}
	if got := seen.header.Get("Cookie"); got != "accessToken=a1; theme=dark" {
		t.Errorf("Cookie = %q", got)
	}
	for _, h := range []string{"X-Custom", "X-Forwarded-For", "Origin"} {
		if seen.header.Get(h) != "" {
			t.Errorf("header %s must not be forwarded", h)
		}
	}
}

func TestForwardRelaysStatusHeadersAndCookies(t *testing.T) {
	srv, seen := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "yes")
		http.SetCookie(w, &http.Cookie{Name: "accessToken", Value: "from-login"})
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"o1"}`))
	})
	f := newForwarder(t, srv.URL)

	for _, method := range []string{"POST", "PUT", "DELETE"} {
		req := httptest.NewRequest(method, "/api/offers", strings.NewReader(`{"title":"x"}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		http.SetCookie(w, &http.Cookie{Name: "refreshToken", Value: "gateway-set"})
		f.ServeHTTP(w, withRole(req, model.RoleBusiness))

		if w.Code != http.StatusCreated {
			t.Fatalf("%s: status = %d", method, w.Code)
		}
		if w.Header().Get("X-Upstream") != "yes" {
			t.Errorf("%s: upstream header not relayed", method)
		}
		if w.Body.String() != `{"id":"o1"}` {
			t.Errorf("%s: body = %q", method, w.Body.String())
		}
		if got := w.Header().Values("Set-Cookie"); len(got) != 2 {
			t.Errorf("%s: Set-Cookie = %v, want gateway and upstream cookies", method, got)
		}
		if method != "DELETE" && string(seen.body) != `{"title":"x"}` {
			t.Errorf("%s: forwarded body = %q", method, seen.body)
		}
		if seen.header.Get("Content-Type") != "application/json" {
			t.Errorf("%s: Content-Type not forwarded", method)
		}
	}
}

func TestForwardMultipartStreamsRaw(t *testing.T) {
	srv, seen := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	f := newForwarder(t, srv.URL)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "logo.png")
	fw.Write([]byte("\x89PNG fake image"))
	mw.WriteField("name", "logo")
	mw.Close()
	raw := buf.Bytes()

	req := httptest.NewRequest("POST", "/api/business/logo", bytes.NewReader(raw))
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	f.ServeHTTP(w, withRole(req, model.RoleBusiness))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !bytes.Equal(seen.body, raw) {
		t.Error("multipart body must be forwarded byte for byte")
	}
	if seen.header.Get("Content-Type") != mw.FormDataContentType() {
		t.Errorf("Content-Type = %q", seen.header.Get("Content-Type"))
	}
}

func TestForwardUpstreamErrorMapping(t *testing.T) {
	tests := []struct {
		upstream int
		want     int
	}{
		{400, 400},
		{404, 404},
		{409, 409},
		{422, 422},
		{500, 500},
		{502, 500},
		{418, 500},
	}
	for _, tt := range tests {
		srv, _ := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tt.upstream)
			w.Write([]byte(`{"message":"upstream says no","code":"E1"}`))
		})
		f := newForwarder(t, srv.URL)

		req := withRole(httptest.NewRequest("GET", "/api/user/1", nil), model.RoleUser)
		w := httptest.NewRecorder()
		f.ServeHTTP(w, req)

		if w.Code != tt.want {
			t.Errorf("upstream %d: status = %d, want %d", tt.upstream, w.Code, tt.want)
		}
		if !strings.Contains(w.Body.String(), `"code":"E1"`) {
			t.Errorf("upstream %d: body should relay upstream detail, got %s", tt.upstream, w.Body.String())
		}
	}
}

func TestForwardUpstreamUnauthorizedKeepsGatewayShape(t *testing.T) {
	srv, _ := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"not your offer"}`))
	})
	f := newForwarder(t, srv.URL)

	w := httptest.NewRecorder()
	f.ServeHTTP(w, withRole(httptest.NewRequest("GET", "/api/offers/9", nil), model.RoleUser))
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["message"] != "not your offer" || body["error"] != "Forbidden" || body["path"] != "/api/offers/9" {
		t.Errorf("body = %v", body)
	}
}

func TestForwardRoutingErrorsBeforeUpstream(t *testing.T) {
	called := false
	srv, _ := newUpstream(t, func(w http.ResponseWriter, r *http.Request) { called = true })
	f := newForwarder(t, srv.URL)

	w := httptest.NewRecorder()
	f.ServeHTTP(w, withRole(httptest.NewRequest("DELETE", "/api/offers/1", nil), model.RoleUser))
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}

	w = httptest.NewRecorder()
	f.ServeHTTP(w, withRole(httptest.NewRequest("GET", "/nowhere", nil), model.RoleUser))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if called {
		t.Error("upstream must not be called when routing fails")
	}
}

func TestForwardTransportError(t *testing.T) {
	table := routing.NewTable(routing.DefaultServices(), map[string]string{"api": "http://127.0.0.1:1"})
	f := NewForwarder(ForwarderConfig{Routes: table, Timeout: time.Second, Logger: quietLogger()})

	_, err := f.Forward(httptest.NewRequest("GET", "/", nil).Context(), Inbound{
		Method: "GET", Path: "/api/user", Role: model.RoleUser, Header: http.Header{},
	})
	if apierr.KindOf(err) != apierr.KindInternal {
		t.Fatalf("err = %v, want internal", err)
	}
	if !strings.Contains(err.Error(), "127.0.0.1:1") {
		t.Errorf("message should carry the transport error: %v", err)
	}
}

func TestIsMultipart(t *testing.T) {
	if !isMultipart("multipart/form-data; boundary=abc") {
		t.Error("expected multipart")
	}
	if isMultipart("application/json") || isMultipart("") {
		t.Error("unexpected multipart")
	}
}

func TestForwardFlushesStreamedResponses(t *testing.T) {
	release := make(chan struct{})
	releaseOnce := sync.OnceFunc(func() { close(release) })
	srv, _ := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		<-release
		io.WriteString(w, "data: second\n\n")
	})
	gw := httptest.NewServer(newForwarder(t, srv.URL))
	defer gw.Close()
	defer releaseOnce()

	type result struct {
		resp   *http.Response
		reader *bufio.Reader
		line   string
		err    error
	}
	got := make(chan result, 1)
	go func() {
		resp, err := http.Get(gw.URL + "/api/products/feed")
		if err != nil {
			got <- result{err: err}
			return
		}
		rd := bufio.NewReader(resp.Body)
		line, err := rd.ReadString('\n')
		got <- result{resp: resp, reader: rd, line: line, err: err}
	}()

	var res result
	select {
	case res = <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("first event did not reach the client before the stream ended")
	}
	if res.err != nil {
		t.Fatalf("read first event: %v", res.err)
	}
	defer res.resp.Body.Close()
	if res.line != "data: first\n" {
		t.Errorf("first line = %q", res.line)
	}

	releaseOnce()
	rest, err := io.ReadAll(res.reader)
	if err != nil {
		t.Fatalf("read rest: %v", err)
	}
	if !strings.Contains(string(rest), "data: second") {
		t.Errorf("rest of stream = %q", rest)
	}
}

func TestIsStreamed(t *testing.T) {
	tests := []struct {
		length int64
		ct     string
		want   bool
	}{
		{-1, "application/json", true},
		{12, "application/json", false},
		{12, "text/event-stream; charset=utf-8", true},
		{0, "", false},
	}
	for _, tt := range tests {
		resp := &http.Response{ContentLength: tt.length, Header: http.Header{"Content-Type": {tt.ct}}}
		if got := isStreamed(resp); got != tt.want {
			t.Errorf("isStreamed(%d, %q) = %v, want %v", tt.length, tt.ct, got, tt.want)
		}
	}
}
