package server

import (
	"errors"

	"github.com/kvserve/kvserve/internal/metrics"
	"github.com/kvserve/kvserve/internal/resp"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrContext   = errors.New("context_cancelled")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, resp.ErrProtocol):
		return metrics.ErrConnRead
	case errors.Is(err, ErrConnRead):
		return metrics.ErrConnRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrConnWrite
	case errors.Is(err, ErrAccept):
		return metrics.ErrAccept
	case errors.Is(err, ErrListen):
		return metrics.ErrListen
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}
