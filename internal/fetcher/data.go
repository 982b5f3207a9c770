package fetcher

import (
	"net/http"
	"net/url"
)

// HTTP boundary

// RedirectMode tells the fetcher what to do with a 3xx response.
type RedirectMode string

const (
	// RedirectFollow follows redirects and returns the final response.
	RedirectFollow RedirectMode = "follow"
	// RedirectManual returns the 3xx response itself, Location included.
	RedirectManual RedirectMode = "manual"
)

type Request struct {
	method   string
	url      url.URL
	header   http.Header
	body     []byte
	redirect RedirectMode
}

func NewRequest(method string, requestUrl url.URL, header http.Header) Request {
	if method == "" {
		method = http.MethodGet
	}
	return Request{
		method:   method,
		url:      requestUrl,
		header:   header.Clone(),
		redirect: RedirectFollow,
	}
}

// WithBody returns a copy of the request that sends body upstream.
func (r Request) WithBody(body []byte) Request {
	r.body = append([]byte(nil), body...)
	return r
}

// WithRedirect returns a copy of the request with the given redirect mode.
func (r Request) WithRedirect(mode RedirectMode) Request {
	r.redirect = mode
	return r
}

// NewGetRequest builds the plain GET used to populate a cache bucket.
func NewGetRequest(requestUrl url.URL) Request {
	return NewRequest(http.MethodGet, requestUrl, nil)
}

func (r Request) Method() string {
	return r.method
}

func (r Request) URL() url.URL {
	return r.url
}

func (r Request) Header() http.Header {
	return r.header.Clone()
}

func (r Request) Body() []byte {
	return r.body
}

func (r Request) Redirect() RedirectMode {
	if r.redirect == "" {
		return RedirectFollow
	}
	return r.redirect
}

type Response struct {
	url        url.URL
	statusCode int
	header     http.Header
	body       []byte
}

func NewResponse(responseUrl url.URL, statusCode int, header http.Header, body []byte) Response {
	if header == nil {
		header = http.Header{}
	}
	return Response{
		url:        responseUrl,
		statusCode: statusCode,
		header:     header.Clone(),
		body:       body,
	}
}

func (r Response) URL() url.URL {
	return r.url
}

func (r Response) StatusCode() int {
	return r.statusCode
}

func (r Response) Header() http.Header {
	return r.header.Clone()
}

func (r Response) ContentType() string {
	return r.header.Get("Content-Type")
}

func (r Response) Body() []byte {
	return r.body
}

// OK reports a 2xx status, the only kind of response a bulk store accepts.
func (r Response) OK() bool {
	return r.statusCode >= 200 && r.statusCode <= 299
}
