package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yanolja/gemback"
	"github.com/yanolja/gemback/failure"
	"github.com/yanolja/gemback/retry"
	"github.com/yanolja/gemback/rotation"
)

var errEmptyStream = errors.New("stream produced no output")

// openStream is a transport stream that has produced its first fragment.
type openStream struct {
	first  string
	textCh <-chan string
	errCh  <-chan error
	cancel context.CancelFunc
}

// DispatchStream walks the fallback chain like Dispatch, but yields the
// response as it is produced. A model that fails before its first fragment
// is retried or skipped; once fragments have been sent, a failure ends the
// stream with STREAM_INTERRUPTED. A completed stream ends with a chunk that
// has IsComplete set. Both channels are closed when the stream ends.
//
// Callers that stop reading should cancel ctx. With a timeout configured, a
// chunk left unread for that long also cancels the dispatch as CANCELED.
func (o *Orchestrator) DispatchStream(ctx context.Context, request gemback.Request) (<-chan gemback.Chunk, <-chan error) {
	chunkCh := make(chan gemback.Chunk)
	errorCh := make(chan error, 1)

	go func() {
		defer close(chunkCh)
		defer close(errorCh)

		ctx, abandon := context.WithCancel(ctx)
		defer abandon()

		sink := &chunkSink{chunkCh: chunkCh, abandon: abandon}
		if err := o.dispatchStream(ctx, request, sink); err != nil {
			errorCh <- err
		}
	}()

	return chunkCh, errorCh
}

// chunkSink is the reading side of one DispatchStream call.
type chunkSink struct {
	chunkCh chan<- gemback.Chunk
	abandon context.CancelFunc
}

func (o *Orchestrator) dispatchStream(ctx context.Context, request gemback.Request, sink *chunkSink) error {
	requestID := uuid.NewString()
	start := o.clock.Now()
	ctx, span := o.tracer.Start(ctx, "gemback.DispatchStream", trace.WithAttributes(
		attribute.String("gemback.request_id", requestID),
	))
	defer span.End()

	credential := o.nextCredential()
	logger := o.logger.With("request_id", requestID, "credential", credential.String())

	var attempts []gemback.AttemptRecord
	for _, model := range o.candidates(request) {
		if ctx.Err() != nil {
			return o.canceled(span, start, requestID, model, credential, attempts, ctx.Err())
		}
		o.advise(logger, model, credential)

		callStart := o.clock.Now()
		stream, err := retry.Run(ctx, o.policy(logger, model), func(ctx context.Context) (*openStream, error) {
			return o.openStream(ctx, request, model, credential)
		}, failure.ShouldRetry)

		if err != nil {
			if ctx.Err() != nil {
				return o.canceled(span, start, requestID, model, credential, attempts, ctx.Err())
			}
			attempts = append(attempts, o.recordAttemptFailure(model, o.clock.Since(callStart), err))
			if failure.Classify(err) == failure.KindAuth {
				logger.Warnw("Authentication failed", "model", model, "error", err)
				return o.fail(span, start, credential, &gemback.DispatchError{
					Code:       gemback.CodeAuth,
					Message:    "Authentication failed",
					Attempts:   attempts,
					StatusCode: failure.StatusCode(err),
					Model:      model,
					RequestID:  requestID,
					Err:        err,
				})
			}
			logger.Warnw("Model failed to open stream, falling back", "model", model, "kind", failure.Classify(err).String(), "error", err)
			continue
		}

		err = o.pump(ctx, stream, model, sink)
		latency := o.clock.Since(callStart)
		if err == nil {
			o.succeed(span, start, model, credential, latency)
			logger.Infow("Stream completed", "model", model, "latency", latency, "failed_attempts", len(attempts))
			return nil
		}
		if ctx.Err() != nil {
			return o.canceled(span, start, requestID, model, credential, attempts, ctx.Err())
		}

		attempts = append(attempts, o.recordAttemptFailure(model, latency, err))
		logger.Warnw("Stream interrupted", "model", model, "error", err)
		return o.fail(span, start, credential, &gemback.DispatchError{
			Code:       gemback.CodeStreamInterrupted,
			Message:    "Stream interrupted",
			Attempts:   attempts,
			StatusCode: failure.StatusCode(err),
			Model:      model,
			RequestID:  requestID,
			Err:        err,
		})
	}

	return o.exhausted(span, start, requestID, credential, attempts)
}

// openStream starts a transport stream and waits for its first fragment,
// at most for the per-call timeout.
func (o *Orchestrator) openStream(ctx context.Context, request gemback.Request, model string, credential rotation.Credential) (*openStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	textCh, errCh := o.transport.Stream(streamCtx, request.Prompt, model, credential, request.Options)
	stream := &openStream{textCh: textCh, errCh: errCh, cancel: cancel}

	text, ok, err := o.receive(ctx, stream, model)
	if err != nil {
		cancel()
		return nil, err
	}
	if !ok {
		cancel()
		if err := <-errCh; err != nil {
			return nil, err
		}
		return nil, errEmptyStream
	}
	stream.first = text
	return stream, nil
}

// receive waits for the next fragment of stream. Every fragment gets the
// full per-call timeout. ok is false once the transport closed the stream.
func (o *Orchestrator) receive(ctx context.Context, stream *openStream, model string) (text string, ok bool, err error) {
	timeout, stop := o.timeout()
	defer stop()

	select {
	case text, ok = <-stream.textCh:
		return text, ok, nil
	case <-timeout:
		return "", false, &failure.TimeoutError{Model: model}
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// pump forwards an opened stream to the caller and sends the terminal chunk.
func (o *Orchestrator) pump(ctx context.Context, stream *openStream, model string, sink *chunkSink) error {
	defer stream.cancel()

	if err := o.send(ctx, sink, gemback.Chunk{Text: stream.first, Model: model}); err != nil {
		return err
	}
	for {
		text, ok, err := o.receive(ctx, stream, model)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := o.send(ctx, sink, gemback.Chunk{Text: text, Model: model}); err != nil {
			return err
		}
	}
	if err := <-stream.errCh; err != nil {
		return err
	}
	return o.send(ctx, sink, gemback.Chunk{Model: model, IsComplete: true})
}

// send hands chunk to the consumer. A consumer that leaves a chunk unread
// for the per-call timeout is gone, and the whole dispatch is canceled.
func (o *Orchestrator) send(ctx context.Context, sink *chunkSink, chunk gemback.Chunk) error {
	timeout, stop := o.timeout()
	defer stop()

	select {
	case sink.chunkCh <- chunk:
		return nil
	case <-timeout:
		sink.abandon()
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// timeout arms a timer for the per-call timeout. The channel is nil when no
// timeout is configured.
func (o *Orchestrator) timeout() (<-chan time.Time, func()) {
	if o.options.Timeout <= 0 {
		return nil, func() {}
	}
	timer := o.clock.Timer(o.options.Timeout)
	return timer.C, func() { timer.Stop() }
}
