package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rohmanhakim/offline-cache/internal/metadata"
	"github.com/rohmanhakim/offline-cache/pkg/failure"
)

/*
Responsibilities

- Perform one HTTP request per fetch
- Apply request headers and a default user agent
- Classify transport failures

Fetch Semantics

- Any HTTP status is a successful fetch; callers decide what a 404 means
- No retries and no timeout of its own; the caller's context bounds it
- Every fetch is recorded with metadata
*/

type HttpFetcher struct {
	metadataSink metadata.MetadataSink
	httpClient   *http.Client
	// same transport as httpClient, but hands 3xx responses back
	manualClient *http.Client
	userAgent    string
}

var _ Fetcher = (*HttpFetcher)(nil)

func NewHttpFetcher(
	metadataSink metadata.MetadataSink,
	userAgent string,
) *HttpFetcher {
	return NewHttpFetcherWithClient(metadataSink, &http.Client{}, userAgent)
}

func NewHttpFetcherWithClient(
	metadataSink metadata.MetadataSink,
	httpClient *http.Client,
	userAgent string,
) *HttpFetcher {
	manualClient := *httpClient
	manualClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &HttpFetcher{
		metadataSink: metadataSink,
		httpClient:   httpClient,
		manualClient: &manualClient,
		userAgent:    userAgent,
	}
}

func (h *HttpFetcher) Fetch(
	ctx context.Context,
	request Request,
) (Response, failure.ClassifiedError) {
	startTime := time.Now()
	requestUrl := request.URL()

	response, err := h.performFetch(ctx, request)

	h.metadataSink.RecordFetch(
		requestUrl.String(),
		response.StatusCode(),
		time.Since(startTime),
		response.ContentType(),
	)

	if err != nil {
		h.metadataSink.RecordError(
			time.Now(),
			"fetcher",
			"HttpFetcher.Fetch",
			mapFetchErrorToMetadataCause(err),
			err.Error(),
			[]metadata.Attribute{
				metadata.NewAttr(metadata.AttrURL, requestUrl.String()),
			},
		)
		return Response{}, err
	}

	return response, nil
}

func (h *HttpFetcher) performFetch(ctx context.Context, request Request) (Response, *FetchError) {
	requestUrl := request.URL()
	var reqBody io.Reader
	if len(request.Body()) > 0 {
		reqBody = bytes.NewReader(request.Body())
	}
	req, err := http.NewRequestWithContext(ctx, request.Method(), requestUrl.String(), reqBody)
	if err != nil {
		return Response{}, &FetchError{
			Message:   fmt.Sprintf("failed to create request: %v", err),
			Retryable: false,
			Cause:     ErrCauseInvalidRequest,
		}
	}

	for key, values := range request.Header() {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("User-Agent") == "" && h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}

	client := h.httpClient
	if request.Redirect() == RedirectManual {
		client = h.manualClient
	}
	resp, err := client.Do(req)
	if err != nil {
		cause := ErrCauseNetworkFailure
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			cause = ErrCauseCanceled
		}
		return Response{}, &FetchError{
			Message:   fmt.Sprintf("request failed: %v", err),
			Retryable: true,
			Cause:     cause,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &FetchError{
			Message:   fmt.Sprintf("failed to read response body: %v", err),
			Retryable: true,
			Cause:     ErrCauseReadResponseBodyError,
		}
	}

	finalUrl := requestUrl
	if resp.Request != nil && resp.Request.URL != nil {
		finalUrl = *resp.Request.URL
	}

	return NewResponse(finalUrl, resp.StatusCode, resp.Header, body), nil
}
