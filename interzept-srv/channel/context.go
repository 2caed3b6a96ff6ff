package channel

import "context"

type ctxKey int

const (
	channelKey ctxKey = iota
	recursiveKey
)

// NewContext returns a context carrying ch.
func NewContext(ctx context.Context, ch *Channel) context.Context {
	return context.WithValue(ctx, channelKey, ch)
}

// FromContext returns the channel stored in ctx, if any.
func FromContext(ctx context.Context) (*Channel, bool) {
	ch, ok := ctx.Value(channelKey).(*Channel)
	return ch, ok
}

// WithRecursiveMessage marks requests sent with ctx as made by the proxy itself.
func WithRecursiveMessage(ctx context.Context) context.Context {
	return context.WithValue(ctx, recursiveKey, true)
}

// IsRecursiveMessage reports whether ctx was marked by WithRecursiveMessage.
func IsRecursiveMessage(ctx context.Context) bool {
	v, _ := ctx.Value(recursiveKey).(bool)
	return v
}
