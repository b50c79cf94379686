package store

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"watchparty/internal/playback"
)

// Traced wraps a Backend with a span around every store call.
type Traced struct {
	Backend
	tracer trace.Tracer
}

// NewTraced uses the global tracer provider.
func NewTraced(b Backend) *Traced {
	return &Traced{Backend: b, tracer: otel.Tracer("watchparty/store")}
}

func (t *Traced) Upsert(ctx context.Context, roomID string, p playback.Patch) (playback.State, error) {
	ctx, span := t.tracer.Start(ctx, "Store.Upsert", trace.WithAttributes(
		attribute.String("room.id", roomID),
		attribute.Bool("patch.channel", p.VideoRef != nil),
		attribute.Bool("patch.is_playing", p.IsPlaying != nil),
		attribute.Bool("patch.time", p.Position != nil),
	))
	defer span.End()
	st, err := t.Backend.Upsert(ctx, roomID, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return st, err
}

func (t *Traced) Get(ctx context.Context, roomID string) (playback.State, error) {
	ctx, span := t.tracer.Start(ctx, "Store.Get", trace.WithAttributes(attribute.String("room.id", roomID)))
	defer span.End()
	st, err := t.Backend.Get(ctx, roomID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return st, err
}
