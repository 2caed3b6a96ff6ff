// Package stats records per-channel and per-exchange statistics of the proxy.
package stats

import (
	"context"
	"time"
)

// Exchange summarizes one request/response round trip on a channel.
type Exchange struct {
	Method        string
	URL           string
	Host          string
	StatusCode    int
	RequestBytes  int64
	ResponseBytes int64
	// Outcome is the pipeline outcome, e.g. "forwarded", "local", "stopped".
	Outcome   string
	Recursive bool
	Duration  time.Duration
}

// Overview aggregates everything recorded so far.
type Overview struct {
	TotalChannels  int64
	OpenChannels   int64
	TotalExchanges int64
	TotalErrors    int64
	BytesSent      int64
	BytesReceived  int64
}

// Collector receives statistics. Implementations must be safe for concurrent
// use; channel ids returned by StartChannel are opaque to the caller.
type Collector interface {
	StartChannel(ctx context.Context, channelUUID, clientIP, localAddr string) (int64, error)
	EndChannel(ctx context.Context, channelID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	RecordExchange(ctx context.Context, channelID int64, ex Exchange) error
	RecordError(ctx context.Context, channelID int64, errorType, errorMessage string) error
	RecordDataTransfer(ctx context.Context, channelID, bytesSent, bytesReceived int64) error

	Overview(ctx context.Context) (*Overview, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
