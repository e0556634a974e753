package appcontext

import "context"

type ContextKey string

var (
	RequestIDKey = ContextKey("X-Request-Id")
	MessageIDKey = ContextKey("X-Message-Id")
	PriceKeyKey  = ContextKey("X-Price-Key")
)

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	value, ok := ctx.Value(RequestIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

func SetMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, MessageIDKey, messageID)
}

func GetMessageID(ctx context.Context) string {
	value, ok := ctx.Value(MessageIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

func SetPriceKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, PriceKeyKey, key)
}

func GetPriceKey(ctx context.Context) string {
	value, ok := ctx.Value(PriceKeyKey).(string)
	if !ok {
		return ""
	}
	return value
}
