package proxy

import (
	"mime"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		cc := make([]string, len(vv))
		copy(cc, vv)
		out[k] = cc
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func joinSlash(a, b string) string {
	as := strings.HasSuffix(a, "/")
	bs := strings.HasPrefix(b, "/")
	switch {
	case as && bs:
		return a + b[1:]
	case !as && !bs:
		return a + "/" + b
	default:
		return a + b
	}
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"TE":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			k = textproto.TrimString(k)
			if k != "" {
				h.Del(k)
			}
		}
	}
	for k := range hopByHop {
		if k == "TE" && h.Get("TE") == "trailers" {
			continue
		}
		h.Del(k)
	}
}

func addXFF(h http.Header, remoteAddr string) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || ip == "" {
		return
	}
	const key = "X-Forwarded-For"
	if prior := h.Get(key); prior != "" {
		h.Set(key, prior+", "+ip)
	} else {
		h.Set(key, ip)
	}
}

func setXFHost(h http.Header, host string) {
	h.Set("X-Forwarded-Host", host)
}

func setXFProto(h http.Header, r *http.Request) {
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
}

// ensureRequestID keeps an inbound X-Request-Id and generates one otherwise.
func ensureRequestID(h http.Header) string {
	id := h.Get(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
		h.Set(requestIDHeader, id)
	}
	return id
}

// forwardedHeaders is the outbound header set shared by HTTP and WebSocket
// forwarding.
func forwardedHeaders(r *http.Request) (http.Header, string) {
	hdr := cloneHeader(r.Header)
	dropHopByHop(hdr)
	addXFF(hdr, r.RemoteAddr)
	setXFProto(hdr, r)
	setXFHost(hdr, r.Host)
	id := ensureRequestID(hdr)
	return hdr, id
}

// mediaTypeIn reports whether the request's media type is one of list.
func mediaTypeIn(contentType string, list []string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	for _, ct := range list {
		if strings.EqualFold(mt, ct) {
			return true
		}
	}
	return false
}

// rewriteLocation maps a Location issued by the backend back into the
// gateway's namespace. upstreamBase is the part of the upstream path the
// gateway added (target path plus rewrite prefix); prefix is what the
// gateway stripped. Locations pointing elsewhere are returned unchanged.
func rewriteLocation(loc string, target *url.URL, upstreamBase, prefix string) string {
	u, err := url.Parse(loc)
	if err != nil || u.Opaque != "" {
		return loc
	}
	if u.Host != "" {
		if !strings.EqualFold(u.Host, target.Host) || (u.Scheme != "" && !strings.EqualFold(u.Scheme, target.Scheme)) {
			return loc
		}
	} else if !strings.HasPrefix(u.Path, "/") {
		return loc
	}

	trailing := strings.HasSuffix(u.Path, "/")
	p := u.Path
	if base := strings.TrimRight(upstreamBase, "/"); base != "" {
		if p != base && !strings.HasPrefix(p, base+"/") {
			return loc
		}
		p = strings.TrimPrefix(p, base)
	}
	if prefix != "" && prefix != "/" {
		p = strings.TrimRight(joinSlash(prefix, p), "/")
		if trailing {
			p += "/"
		}
	}
	if p == "" {
		p = "/"
	}

	out := url.URL{Path: p, RawQuery: u.RawQuery, Fragment: u.Fragment}
	return out.String()
}

func shouldRewriteLocation(status int) bool {
	return status == http.StatusCreated || (status >= 300 && status < 400)
}
