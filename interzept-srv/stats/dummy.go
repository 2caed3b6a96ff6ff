package stats

import (
	"context"
	"time"
)

// DummyCollector discards everything. Used when statistics are disabled.
type DummyCollector struct{}

func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

func (d *DummyCollector) StartChannel(ctx context.Context, channelUUID, clientIP, localAddr string) (int64, error) {
	return 0, nil
}

func (d *DummyCollector) EndChannel(ctx context.Context, channelID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	return nil
}

func (d *DummyCollector) RecordExchange(ctx context.Context, channelID int64, ex Exchange) error {
	return nil
}

func (d *DummyCollector) RecordError(ctx context.Context, channelID int64, errorType, errorMessage string) error {
	return nil
}

func (d *DummyCollector) RecordDataTransfer(ctx context.Context, channelID, bytesSent, bytesReceived int64) error {
	return nil
}

func (d *DummyCollector) Overview(ctx context.Context) (*Overview, error) {
	return &Overview{}, nil
}

func (d *DummyCollector) HealthCheck(ctx context.Context) error {
	return nil
}

func (d *DummyCollector) Close() error {
	return nil
}
