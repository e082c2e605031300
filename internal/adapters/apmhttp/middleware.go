package apmhttp

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/fllarpy/request-profiler/internal/capture"
	"github.com/fllarpy/request-profiler/pkg/logger"
)

// MaxBodySnapshot caps how much of a request body is copied into the
// measurement context. The handler always sees the full body.
const MaxBodySnapshot = 64 << 10

type measuredHandler struct {
	rec  *capture.Recorder
	next http.Handler
	log  *zap.Logger
}

// Wrap returns h measured by rec. A disabled recorder or an already measured
// handler leaves h unchanged.
func Wrap(rec *capture.Recorder, h http.Handler, log *zap.Logger) http.Handler {
	if !rec.Enabled() {
		return h
	}
	if _, ok := h.(*measuredHandler); ok {
		return h
	}
	if log == nil {
		log = logger.Nop()
	}
	return &measuredHandler{rec: rec, next: h, log: log}
}

// Middleware is Wrap in middleware form.
func Middleware(rec *capture.Recorder, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return Wrap(rec, next, log)
	}
}

func (h *measuredHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pattern := h.pattern(r)
	target := capture.Target{
		Name:   pattern,
		Method: r.Method,
		ContextFunc: func() map[string]any {
			return Snapshot(r, capture.Identity(h.next))
		},
	}
	if target.Name == "" {
		target.Name = capture.Identity(h.next)
	}

	served := false
	_, err := h.rec.Record(r.Context(), target, nil, PathValues(r, pattern), func(context.Context) (any, error) {
		served = true
		h.next.ServeHTTP(w, r)
		return nil, nil
	})
	if err != nil && !served {
		logger.FromContext(r.Context(), h.log).Error("request not served",
			zap.String("name", target.Name), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// pattern returns the route pattern r is served under: the pattern already
// matched by an enclosing ServeMux, or the one the wrapped ServeMux will pick.
func (h *measuredHandler) pattern(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	if mux, ok := h.next.(*http.ServeMux); ok {
		_, p := mux.Handler(r)
		return p
	}
	return ""
}

// PathValues resolves the wildcards of pattern against r.
func PathValues(r *http.Request, pattern string) map[string]any {
	path := pattern
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[i:]
	} else {
		return map[string]any{}
	}

	out := make(map[string]any)
	patSegs := strings.Split(strings.Trim(path, "/"), "/")
	reqSegs := strings.Split(strings.Trim(r.URL.EscapedPath(), "/"), "/")
	for i, seg := range patSegs {
		if !strings.HasPrefix(seg, "{") || !strings.HasSuffix(seg, "}") || seg == "{$}" {
			continue
		}
		name := strings.TrimSuffix(strings.Trim(seg, "{}"), "...")
		if v := r.PathValue(name); v != "" {
			out[name] = v
			continue
		}
		if i >= len(reqSegs) {
			continue
		}
		raw := reqSegs[i]
		if strings.HasSuffix(seg, "...}") {
			raw = strings.Join(reqSegs[i:], "/")
		}
		if v, err := url.PathUnescape(raw); err == nil {
			out[name] = v
		}
	}
	return out
}

// Snapshot captures the request metadata stored with a measurement: url,
// query args, form, body, headers, handler name and client ip. At most
// MaxBodySnapshot bytes of the body are read; they are put back in front of
// the unread rest so the handler still sees the whole body.
func Snapshot(r *http.Request, handler string) map[string]any {
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		head, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySnapshot))
		r.Body = replayBody{
			Reader: io.MultiReader(bytes.NewReader(head), r.Body),
			Closer: r.Body,
		}
		if err == nil {
			body = head
		}
	}

	return map[string]any{
		"url":     requestURL(r),
		"args":    flatten(r.URL.Query()),
		"form":    form(r, body),
		"body":    string(body),
		"headers": headers(r.Header),
		"func":    handler,
		"ip":      clientIP(r),
	}
}

// replayBody reads the snapshotted head, then the rest of the original body.
type replayBody struct {
	io.Reader
	io.Closer
}

func requestURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	u := *r.URL
	u.Scheme = scheme
	u.Host = r.Host
	return u.String()
}

func form(r *http.Request, body []byte) map[string]any {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct != "application/x-www-form-urlencoded" {
		return map[string]any{}
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return map[string]any{}
	}
	return flatten(values)
}

// flatten keeps the first value of each key.
func flatten(v url.Values) map[string]any {
	out := make(map[string]any, len(v))
	for k := range v {
		out[k] = v.Get(k)
	}
	return out
}

func headers(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
