package host

import (
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rohmanhakim/offline-cache/internal/controller"
	"github.com/rohmanhakim/offline-cache/internal/fetcher"
	"github.com/rohmanhakim/offline-cache/internal/metadata"
)

// hop-by-hop headers are never copied from a stored or upstream response
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// Handler turns inbound HTTP requests into fetch events for the active
// controller of a Registry. Requests are addressed to origin, so cache keys
// match the URLs stored at install time.
type Handler struct {
	registry     *Registry
	origin       url.URL
	network      fetcher.Fetcher
	metadataSink metadata.MetadataSink
}

func NewHandler(
	registry *Registry,
	origin url.URL,
	network fetcher.Fetcher,
	metadataSink metadata.MetadataSink,
) *Handler {
	return &Handler{
		registry:     registry,
		origin:       origin,
		network:      network,
		metadataSink: metadataSink,
	}
}

// ServeHTTP hands 3xx responses back to the client instead of following
// them, so the browser sees the same redirects the origin sends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, readErr := io.ReadAll(req.Body)
	if readErr != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	request := fetcher.NewRequest(req.Method, h.targetURL(req), forwardHeader(req.Header)).
		WithBody(body).
		WithRedirect(fetcher.RedirectManual)

	var (
		response fetcher.Response
		err      error
	)
	if active := h.registry.Active(); active != nil {
		response, err = active.OnFetch(req.Context(), controller.FetchEvent{Request: request}).Wait(req.Context())
	} else {
		// not controlled yet: straight to the network
		start := time.Now()
		response, err = h.passThrough(req, request)
		source := metadata.SourceNetwork
		if err != nil {
			source = metadata.SourceNone
		}
		target := request.URL()
		h.metadataSink.RecordServe(target.String(), source, time.Since(start))
	}

	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	writeResponse(w, req, response)
}

func (h *Handler) passThrough(req *http.Request, request fetcher.Request) (fetcher.Response, error) {
	response, err := h.network.Fetch(req.Context(), request)
	if err != nil {
		return fetcher.Response{}, err
	}
	return response, nil
}

func (h *Handler) targetURL(req *http.Request) url.URL {
	target := h.origin
	target.Path = req.URL.Path
	target.RawPath = req.URL.RawPath
	target.RawQuery = req.URL.RawQuery
	target.Fragment = ""
	return target
}

func forwardHeader(in http.Header) http.Header {
	out := in.Clone()
	for _, name := range hopHeaders {
		out.Del(name)
	}
	// the fetcher negotiates its own encoding
	out.Del("Accept-Encoding")
	return out
}

func writeResponse(w http.ResponseWriter, req *http.Request, response fetcher.Response) {
	header := w.Header()
	for name, values := range response.Header() {
		for _, value := range values {
			header.Add(name, value)
		}
	}
	for _, name := range hopHeaders {
		header.Del(name)
	}
	// bodies are decoded by the fetcher
	header.Del("Content-Encoding")

	body := response.Body()
	header.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(response.StatusCode())
	if req.Method != http.MethodHead {
		w.Write(body)
	}
}
