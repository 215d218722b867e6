package dispatch

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yanolja/gemback"
	"github.com/yanolja/gemback/failure"
	"github.com/yanolja/gemback/health"
	"github.com/yanolja/gemback/rate"
	"github.com/yanolja/gemback/retry"
	"github.com/yanolja/gemback/rotation"
	"github.com/yanolja/gemback/transport"
)

const tracerName = "github.com/yanolja/gemback/dispatch"

// Orchestrator delivers a response for a prompt by walking the fallback
// chain, retrying transient failures on each model and rotating credentials
// between dispatches.
type Orchestrator struct {
	transport transport.InferenceTransport
	options   Options
	state     *State

	// Used directly when only one credential is configured.
	single rotation.Credential

	clock    clock.Clock
	observer Observer
	tracer   trace.Tracer
	logger   *zap.SugaredLogger
}

func New(transport transport.InferenceTransport, options Options, logger *zap.SugaredLogger, opts ...Option) (*Orchestrator, error) {
	if transport == nil {
		return nil, &gemback.ConfigError{Field: "transport", Reason: "a transport is required"}
	}
	if err := options.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	o := &Orchestrator{
		transport: transport,
		options:   options,
		clock:     clock.New(),
		observer:  nopObserver{},
		tracer:    otel.Tracer(tracerName),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.state = &State{aggregate: AggregateStats{ModelUsage: make(map[string]int64)}}
	if len(options.Credentials) == 1 {
		o.single = rotation.Credential{Index: 0, Secret: options.Credentials[0]}
	} else {
		rotator, err := rotation.New(options.Credentials, options.Strategy, rotation.WithClock(o.clock))
		if err != nil {
			return nil, err
		}
		o.state.rotator = rotator
	}
	if options.EnableMonitoring {
		o.state.predictor = rate.NewPredictor(options.RateLimits, rate.WithClock(o.clock))
		o.state.scorer = health.NewScorer(health.WithClock(o.clock), health.WithCapacity(options.HealthCapacity))
	}

	o.logger.Infow("Dispatch orchestrator created",
		"transport", transport.Name(),
		"models", options.FallbackOrder,
		"credentials", len(options.Credentials),
		"strategy", options.Strategy.String(),
		"monitoring", options.EnableMonitoring,
	)
	return o, nil
}

// Models returns the configured fallback order.
func (o *Orchestrator) Models() []string {
	return append([]string(nil), o.options.FallbackOrder...)
}

func (o *Orchestrator) candidates(request gemback.Request) []string {
	if request.Model != "" {
		return []string{request.Model}
	}
	return o.options.FallbackOrder
}

func (o *Orchestrator) nextCredential() rotation.Credential {
	if o.state.rotator == nil {
		return o.single
	}
	return o.state.rotator.Next()
}

// Dispatch returns the first successful response along the candidate list.
// It fails with AUTH_ERROR as soon as any model rejects the credential, with
// ALL_MODELS_FAILED when every candidate failed, and with CANCELED when ctx
// ends first.
func (o *Orchestrator) Dispatch(ctx context.Context, request gemback.Request) (*gemback.Response, error) {
	requestID := uuid.NewString()
	start := o.clock.Now()
	ctx, span := o.tracer.Start(ctx, "gemback.Dispatch", trace.WithAttributes(
		attribute.String("gemback.request_id", requestID),
	))
	defer span.End()

	credential := o.nextCredential()
	logger := o.logger.With("request_id", requestID, "credential", credential.String())

	var attempts []gemback.AttemptRecord
	for _, model := range o.candidates(request) {
		if ctx.Err() != nil {
			return nil, o.canceled(span, start, requestID, model, credential, attempts, ctx.Err())
		}
		o.advise(logger, model, credential)

		callStart := o.clock.Now()
		response, err := retry.Run(ctx, o.policy(logger, model), func(ctx context.Context) (*gemback.Response, error) {
			return o.generate(ctx, request, model, credential)
		}, failure.ShouldRetry)
		latency := o.clock.Since(callStart)

		if err == nil {
			o.succeed(span, start, model, credential, latency)
			response.Model = model
			response.RequestID = requestID
			response.Latency = latency
			logger.Infow("Dispatch succeeded", "model", model, "latency", latency, "failed_attempts", len(attempts))
			return response, nil
		}

		if ctx.Err() != nil {
			return nil, o.canceled(span, start, requestID, model, credential, attempts, ctx.Err())
		}
		attempts = append(attempts, o.recordAttemptFailure(model, latency, err))

		if failure.Classify(err) == failure.KindAuth {
			logger.Warnw("Authentication failed", "model", model, "error", err)
			return nil, o.fail(span, start, credential, &gemback.DispatchError{
				Code:       gemback.CodeAuth,
				Message:    "Authentication failed",
				Attempts:   attempts,
				StatusCode: failure.StatusCode(err),
				Model:      model,
				RequestID:  requestID,
				Err:        err,
			})
		}
		logger.Warnw("Model failed, falling back", "model", model, "kind", failure.Classify(err).String(), "error", err)
	}

	return nil, o.exhausted(span, start, requestID, credential, attempts)
}

// generate races one transport call against the per-call timeout. The call
// is cancelled on timeout but not waited for.
func (o *Orchestrator) generate(ctx context.Context, request gemback.Request, model string, credential rotation.Credential) (*gemback.Response, error) {
	if o.options.Timeout <= 0 {
		return o.transport.Generate(ctx, request.Prompt, model, credential, request.Options)
	}

	callCtx, cancel := o.clock.WithTimeout(ctx, o.options.Timeout)
	defer cancel()

	type result struct {
		response *gemback.Response
		err      error
	}
	done := make(chan result, 1)
	go func() {
		response, err := o.transport.Generate(callCtx, request.Prompt, model, credential, request.Options)
		done <- result{response, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &failure.TimeoutError{Model: model}
		}
		if r.err == nil && r.response == nil {
			return nil, errors.New("transport returned no response")
		}
		return r.response, r.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, &failure.TimeoutError{Model: model}
	}
}

func (o *Orchestrator) policy(logger *zap.SugaredLogger, model string) *retry.Policy {
	return retry.NewPolicy(o.options.MaxRetries, o.options.RetryDelay,
		retry.WithClock(o.clock),
		retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			logger.Infow("Retrying model", "model", model, "attempt", attempt, "max_retries", o.options.MaxRetries, "delay", delay, "error", err)
			o.observer.ObserveRetry(model, attempt, delay)
		}),
	)
}

// advise consults the rate predictor before a model is tried and counts the
// request against its windows. It never prevents the call.
func (o *Orchestrator) advise(logger *zap.SugaredLogger, model string, credential rotation.Credential) {
	predictor := o.state.predictor
	if predictor == nil {
		return
	}
	if predictor.WouldExceedLimit(model) {
		logger.Warnw("Model is likely rate limited", "model", model, "recommended_wait", predictor.RecommendedWait(model))
	} else if status := predictor.Status(model); status.WillExceedSoon {
		logger.Infow("Model is close to its rate limit", "model", model, "utilization", status.UtilizationPercent)
	}
	predictor.RecordRequest(model)
	if o.state.rotator != nil {
		predictor.RecordCredentialRequest(model, credential.Index)
	}
}

func (o *Orchestrator) recordAttemptFailure(model string, latency time.Duration, err error) gemback.AttemptRecord {
	tag := failure.Tag(err)
	if o.state.scorer != nil {
		o.state.scorer.RecordRequest(model, latency, false, tag)
	}
	o.observer.ObserveAttempt(model, tag, latency)
	return gemback.AttemptRecord{
		Model:      model,
		Error:      failure.Message(err),
		Timestamp:  o.clock.Now(),
		StatusCode: failure.StatusCode(err),
	}
}

func (o *Orchestrator) succeed(span trace.Span, start time.Time, model string, credential rotation.Credential, latency time.Duration) {
	if o.state.scorer != nil {
		o.state.scorer.RecordRequest(model, latency, true, "")
	}
	if o.state.rotator != nil {
		o.state.rotator.RecordSuccess(credential.Index)
	}
	o.state.recordSuccess(model)
	o.observer.ObserveAttempt(model, outcomeSuccess, latency)
	o.observer.ObserveDispatch(outcomeSuccess, o.clock.Since(start))

	span.SetAttributes(attribute.String("gemback.model", model))
	span.SetStatus(codes.Ok, "")
}

// fail records a terminal failure once for the whole dispatch.
func (o *Orchestrator) fail(span trace.Span, start time.Time, credential rotation.Credential, err *gemback.DispatchError) *gemback.DispatchError {
	if o.state.rotator != nil {
		o.state.rotator.RecordFailure(credential.Index)
	}
	o.state.recordFailure()
	o.observer.ObserveDispatch(string(err.Code), o.clock.Since(start))

	span.SetAttributes(
		attribute.String("gemback.error_code", string(err.Code)),
		attribute.Int("gemback.failed_attempts", len(err.Attempts)),
	)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Message)
	return err
}

func (o *Orchestrator) exhausted(span trace.Span, start time.Time, requestID string, credential rotation.Credential, attempts []gemback.AttemptRecord) *gemback.DispatchError {
	o.logger.Warnw("All models failed", "request_id", requestID, "attempts", len(attempts))
	dispatchErr := &gemback.DispatchError{
		Code:      gemback.CodeAllModelsFailed,
		Message:   "All models failed",
		Attempts:  attempts,
		RequestID: requestID,
	}
	if len(attempts) > 0 {
		dispatchErr.StatusCode = attempts[len(attempts)-1].StatusCode
	}
	return o.fail(span, start, credential, dispatchErr)
}

func (o *Orchestrator) canceled(span trace.Span, start time.Time, requestID string, model string, credential rotation.Credential, attempts []gemback.AttemptRecord, cause error) *gemback.DispatchError {
	o.logger.Infow("Dispatch canceled", "request_id", requestID, "model", model, "error", cause)
	return o.fail(span, start, credential, &gemback.DispatchError{
		Code:      gemback.CodeCanceled,
		Message:   "Dispatch canceled",
		Attempts:  attempts,
		Model:     model,
		RequestID: requestID,
		Err:       cause,
	})
}

// Stats returns a snapshot of everything the orchestrator has accumulated.
// Each component is read under its own lock, so the parts may be a few
// requests apart under load. It does not change any state.
func (o *Orchestrator) Stats() Stats {
	stats := Stats{AggregateStats: o.state.snapshot()}
	if o.state.rotator != nil {
		stats.Credentials = o.state.rotator.Stats()
	}
	if o.state.predictor == nil || o.state.scorer == nil {
		return stats
	}

	models := o.monitoredModels()
	monitoring := &MonitoringStats{
		RateLimits: make(map[string]rate.Status, len(models)),
		Health:     make(map[string]health.ModelHealth, len(models)),
		Summary:    o.state.scorer.Summary(models),
	}
	for _, model := range models {
		monitoring.RateLimits[model] = o.state.predictor.Status(model)
		monitoring.Health[model] = o.state.scorer.Health(model)
	}
	stats.Monitoring = monitoring
	return stats
}

// monitoredModels is the fallback order followed by any explicitly
// requested models seen so far.
func (o *Orchestrator) monitoredModels() []string {
	models := o.Models()
	seen := make(map[string]bool, len(models))
	for _, model := range models {
		seen[model] = true
	}
	var extra []string
	for _, model := range o.state.predictor.Models() {
		if !seen[model] {
			extra = append(extra, model)
		}
	}
	sort.Strings(extra)
	return append(models, extra...)
}

// Health reports the health of every monitored model, or nil when
// monitoring is disabled.
func (o *Orchestrator) Health() map[string]health.ModelHealth {
	if o.state.scorer == nil {
		return nil
	}
	models := o.monitoredModels()
	result := make(map[string]health.ModelHealth, len(models))
	for _, model := range models {
		result[model] = o.state.scorer.Health(model)
	}
	return result
}

// HealthiestModel returns the best candidate according to the health
// scorer. ok is false when monitoring is disabled or no model is usable.
func (o *Orchestrator) HealthiestModel() (string, bool) {
	if o.state.scorer == nil {
		return "", false
	}
	return o.state.scorer.HealthiestModel(o.options.FallbackOrder)
}
