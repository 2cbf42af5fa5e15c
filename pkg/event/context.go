package event

import "context"

type contextType int

var contextKey contextType

func FromContext(ctx context.Context) *Bus {
	b, ok := ctx.Value(contextKey).(*Bus)

	if !ok {
		return nil
	}

	return b
}

func WithBus(ctx context.Context, b *Bus) context.Context {
	return context.WithValue(ctx, contextKey, b)
}

// Fire publishes ev on the bus carried by ctx. Without one the event is
// dropped.
func Fire(ctx context.Context, ev Event) error {
	b := FromContext(ctx)
	if b == nil {
		return nil
	}

	return b.Publish(ev)
}

// Log is shorthand for firing a Message.
func Log(ctx context.Context, sev Severity, category, text string) error {
	return Fire(ctx, NewMessage(sev, category, text))
}
