package fetcher

import (
	"context"

	"github.com/rohmanhakim/offline-cache/pkg/failure"
)

// Fetcher is the network capability: given a request, it returns a
// response or fails. HTTP error statuses are responses, not failures.
type Fetcher interface {
	Fetch(
		ctx context.Context,
		request Request,
	) (Response, failure.ClassifiedError)
}
