package quotarouter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	componentEngine = "engine"
	componentRouter = "router"
)

// RouteAndExecute drives one logical request through its fallback chain.
//
// Every candidate is tried at most once. A quota denial moves on without a
// network call. A provider failure or an unparseable payload is a soft
// failure: the reservation stays spent, the outcome and an error entry are
// recorded, and the next candidate is tried. When the chain runs out the
// returned error is a *RoutingError matching ErrAllCandidatesExhausted.
//
// Persistence failures stop the request. If the call itself succeeded the
// Output is still returned together with an error matching
// ErrStatePersistence.
func (r *Router) RouteAndExecute(ctx context.Context, req Request) (Output, error) {
	if req.Task == "" {
		return Output{}, fmt.Errorf("%w: task is required", ErrInvalidRequest)
	}
	if len(req.Messages) == 0 {
		return Output{}, fmt.Errorf("%w: at least one message is required", ErrInvalidRequest)
	}

	class := req.Class
	if class == "" {
		class = ClassProduction
	}
	if !class.Valid() {
		return Output{}, fmt.Errorf("%w: unknown class %q", ErrInvalidRequest, class)
	}
	if class == ClassAggressive {
		on, err := r.gate.IsEnabled(ctx)
		if err != nil {
			return Output{}, err
		}
		if !on {
			return Output{}, ErrAggressiveModeDisabled
		}
	}

	if err := r.ensureCatalog(ctx); err != nil {
		return Output{}, err
	}
	plan, err := r.plan(ctx, req.Task, class)
	if err != nil {
		return Output{}, err
	}

	requestID := uuid.New().String()
	estimatedTokens := EstimateTokens(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens == nil {
		maxTokens = IntPtr(DefaultMaxTokens(plan.profile.Category))
	}

	var failures []AttemptFailure
	tried := make(map[ModelID]bool, len(plan.chain))
	started := time.Now()

	for _, id := range plan.chain {
		if tried[id] {
			continue
		}
		tried[id] = true
		attempt := len(failures) + 1

		// Reserving.
		dec, err := r.ledger.ReserveAll(ctx, id, class)
		if err != nil {
			return Output{}, err
		}
		r.meter.OnRoute(RouteEvent{
			RequestID:   requestID,
			Task:        req.Task,
			Model:       id,
			Class:       class,
			AttemptNum:  attempt,
			Allowed:     dec.Allowed,
			RetryAfter:  dec.RetryAfter,
			Window:      dec.DeniedWindow,
			EstimatedIn: estimatedTokens,
		})
		if !dec.Allowed {
			failures = append(failures, AttemptFailure{
				Model:      id,
				State:      StateDenied,
				Kind:       KindQuotaExceeded,
				Err:        ErrQuotaExceeded,
				RetryAfter: dec.RetryAfter,
			})
			continue
		}

		prov := r.providers[id.Provider()]
		if !prov.SupportsModel(id.Model()) {
			// Nothing left the process, so the units go back.
			if err := r.ledger.Release(ctx, dec.Reservations...); err != nil {
				return Output{}, err
			}
			failures = append(failures, AttemptFailure{
				Model: id,
				State: StateSoftFailed,
				Kind:  KindNotSupported,
				Err:   ErrModelNotFound,
			})
			continue
		}

		// Calling.
		provReq := ProviderRequest{
			Auth:        r.auth[id.Provider()],
			Model:       id.Model(),
			Messages:    req.Messages,
			Temperature: req.Temperature,
			MaxTokens:   maxTokens,
			TopP:        req.TopP,
			Stop:        req.Stop,
			JSONMode:    req.ExpectJSON,
		}

		callStart := time.Now()
		resp, callErr := prov.ChatCompletion(ctx, provReq)
		duration := time.Since(callStart)

		var payload []byte
		if callErr == nil && req.ExpectJSON {
			payload, callErr = ExtractJSON(resp.Content)
		}

		if callErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Output{}, fmt.Errorf("quotarouter: task %s: %w", req.Task, ctxErr)
			}
			if err := r.softFail(ctx, requestID, req.Task, class, id, attempt, duration, callErr); err != nil {
				return Output{}, err
			}
			failures = append(failures, AttemptFailure{
				Model: id,
				State: StateSoftFailed,
				Kind:  KindOf(callErr),
				Err:   callErr,
			})
			continue
		}

		// Succeeded.
		r.health.RecordSuccess(id)
		r.meter.OnResult(ResultEvent{
			RequestID:  requestID,
			Task:       req.Task,
			Model:      id,
			Class:      class,
			AttemptNum: attempt,
			State:      StateSucceeded,
			Success:    true,
			Duration:   duration,
			Usage:      resp.Usage,
		})

		out := Output{
			ID:           resp.ID,
			Content:      resp.Content,
			JSON:         payload,
			FinishReason: resp.FinishReason,
			Usage:        resp.Usage,
			Routing: RoutingInfo{
				RequestID: requestID,
				Task:      req.Task,
				Model:     id,
				Chain:     plan.chain,
				Attempts:  attempt,
				Latency:   time.Since(started),
			},
		}

		rec := OutcomeRecord{
			Time:    r.now().UTC(),
			Task:    req.Task,
			Model:   id,
			Success: true,
			Latency: duration,
			Tokens:  resp.Usage.TotalTokens,
		}
		if rec.Tokens == 0 {
			rec.Tokens = estimatedTokens
		}
		if req.Score != nil {
			if q, ok := req.Score(resp.Content); ok {
				rec.Quality = Float64Ptr(clampQuality(q))
			}
		}
		if err := r.registry.RecordOutcome(ctx, rec); err != nil {
			return out, persistenceError("record outcome", err)
		}
		if class == ClassAggressive {
			if err := r.gate.RecordActivity(ctx); err != nil {
				return out, persistenceError("record aggressive activity", err)
			}
		}
		return out, nil
	}

	// HardFailed.
	rerr := &RoutingError{Task: req.Task, Failures: failures}
	r.meter.OnExhausted(ExhaustedEvent{
		RequestID: requestID,
		Task:      req.Task,
		Class:     class,
		Attempts:  len(failures),
		Err:       rerr,
	})
	// Error log flush failures keep the entry buffered for the next flush.
	_ = r.errors.Log(ctx, rerr, componentRouter, SeverityError, map[string]string{
		"task":       req.Task,
		"request_id": requestID,
		"attempts":   strconv.Itoa(len(failures)),
	})
	return Output{}, rerr
}

func (r *Router) softFail(ctx context.Context, requestID, task string, class Class, id ModelID, attempt int, duration time.Duration, callErr error) error {
	kind := KindOf(callErr)
	if kind == KindRateLimited || kind == KindProviderUnavailable {
		r.health.RecordFailure(id)
	}

	r.meter.OnResult(ResultEvent{
		RequestID:  requestID,
		Task:       task,
		Model:      id,
		Class:      class,
		AttemptNum: attempt,
		State:      StateSoftFailed,
		Duration:   duration,
		Kind:       kind,
		Error:      callErr,
	})

	err := r.registry.RecordOutcome(ctx, OutcomeRecord{
		Time:    r.now().UTC(),
		Task:    task,
		Model:   id,
		Success: false,
		Latency: duration,
		Kind:    kind,
	})
	if err != nil {
		return persistenceError("record outcome", err)
	}

	_ = r.errors.Log(ctx, callErr, componentEngine, SeverityWarning, map[string]string{
		"task":       task,
		"model":      string(id),
		"request_id": requestID,
		"attempt":    strconv.Itoa(attempt),
	})
	return nil
}

func persistenceError(op string, err error) error {
	if errors.Is(err, ErrStatePersistence) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStatePersistence, op, err)
}

func clampQuality(q float64) float64 {
	return max(0, min(q, maxQuality))
}
