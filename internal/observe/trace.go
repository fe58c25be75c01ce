package observe

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// scopeName is the instrumentation scope for CodeCrew spans.
const scopeName = "github.com/codecrew-ai/codecrew"

// StartTurn opens the root span for one conversation turn. The returned end
// function closes the span; call it when the turn's event stream completes.
func StartTurn(ctx context.Context, sessionID string) (context.Context, func()) {
	ctx, span := otel.Tracer(scopeName).Start(ctx, "conversation.turn",
		trace.WithAttributes(attribute.String("codecrew.session_id", sessionID)))
	return ctx, func() { span.End() }
}

// StartSpeaker opens a child span covering one participant's response,
// including its tool iterations. The returned end function records the
// speaker's outcome on the span; pass the speaker error, or nil on success.
func StartSpeaker(ctx context.Context, participantID string) (context.Context, func(error)) {
	ctx, span := otel.Tracer(scopeName).Start(ctx, "conversation.speaker",
		trace.WithAttributes(attribute.String("codecrew.participant", participantID)))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
