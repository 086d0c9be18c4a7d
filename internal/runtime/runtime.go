// Copyright 2025 James Ross
// Package runtime implements the Runtime Façade (spec.md §4.5): the single
// surface a frontend calls. It converts a high-level action into a Job,
// submits it through the Broker, awaits the reply, and fails fast via a
// circuit breaker when the fleet is degraded. Every typed method below is a
// thin wrapper over one shared Call primitive, mirroring the teacher's
// admin.go pattern of one Go function per verb calling one shared transport.
package runtime

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/relaydeck/meshcore/internal/breaker"
	"github.com/relaydeck/meshcore/internal/broker"
	"github.com/relaydeck/meshcore/internal/config"
	meshErrors "github.com/relaydeck/meshcore/internal/errors"
	"github.com/relaydeck/meshcore/internal/job"
	"github.com/relaydeck/meshcore/internal/obs"
	"go.uber.org/zap"
)

const defaultCallTimeout = 10 * time.Second

// CallOpts tunes one Call invocation.
type CallOpts struct {
	// Timeout bounds the wait for a reply; zero means defaultCallTimeout.
	Timeout time.Duration
	// Retries is the number of additional attempts after the first, for
	// idempotent operations only (spec.md §4.5: status/screenshot MAY be
	// retried, goto/click/start/cleanup MUST NOT be).
	Retries int
	// RetryBackoff holds the delay before each retry, indexed by attempt
	// number (0-based). Per spec.md §4.5 the default is {1s, 2s}.
	RetryBackoff []time.Duration
}

var defaultRetryBackoff = []time.Duration{time.Second, 2 * time.Second}

// Runtime is the façade for one worker type (the spec's illustrative domain
// is browser automation, so "browser" is the conventional type here, but the
// façade itself is generic).
type Runtime struct {
	workerType string
	brk        *broker.Broker
	cb         *breaker.Consecutive
	log        *zap.Logger
}

// New builds a Runtime façade for workerType, using cfg.CircuitBreaker for
// the trip threshold and cooldown.
func New(workerType string, brk *broker.Broker, cfg *config.Config, log *zap.Logger) *Runtime {
	return &Runtime{
		workerType: workerType,
		brk:        brk,
		cb:         breaker.NewConsecutive(cfg.CircuitBreaker.MaxFails, cfg.CircuitBreaker.Cooldown),
		log:        log,
	}
}

// State returns the breaker's current state, for the admin API's
// GET /api/v1/circuit.
func (r *Runtime) State() breaker.State {
	return r.cb.State()
}

// Call is the one primitive every typed method funnels through: it builds a
// Job for "<workerType>.<action>", submits it, awaits the reply, and applies
// the circuit breaker and error re-mapping rules of spec.md §4.5.
func (r *Runtime) Call(ctx context.Context, action string, args []any, kwargs map[string]any, opts CallOpts) (job.Result, error) {
	if !r.cb.Allow() {
		return job.Result{}, meshErrors.New(meshErrors.KindWorkerUnavailable, "runtime.call", nil)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	backoff := opts.RetryBackoff
	if backoff == nil {
		backoff = defaultRetryBackoff
	}

	j := job.New(r.workerType+"."+action, args, kwargs)

	var result job.Result
	var err error
	attempts := opts.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		start := time.Now()
		result, err = r.brk.PublishAndWait(ctx, j, timeout)
		obs.OperationDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())

		if err == nil && result.Success {
			r.recordOutcome(true)
			return result, nil
		}
		if err == nil && !result.Success {
			// Worker ran and reported a domain failure: not retried here. It
			// counts as a breaker failure unless it is InvalidArgument, which
			// never reaches the breaker.
			remapped := remapResultError(action, result)
			if meshErrors.KindOf(remapped) != meshErrors.KindInvalidArgument {
				r.recordOutcome(false)
			}
			return result, remapped
		}

		remapped := remapCallError(action, err)
		if meshErrors.KindOf(remapped) == meshErrors.KindInvalidArgument {
			return job.Result{}, remapped // does not reach the breaker
		}
		if meshErrors.KindOf(remapped) == meshErrors.KindCancelled {
			r.recordOutcome(false)
			return job.Result{}, remapped
		}

		if attempt == attempts-1 {
			r.recordOutcome(false)
			r.log.Warn("runtime call failed", obs.String("action", action), obs.Int("attempt", attempt), obs.Err(remapped))
			return job.Result{}, remapped
		}
		r.log.Info("retrying runtime call", obs.String("action", action), obs.Int("attempt", attempt), obs.Err(remapped))
		delay := time.Second
		if attempt < len(backoff) {
			delay = backoff[attempt]
		}
		select {
		case <-ctx.Done():
			r.recordOutcome(false)
			return job.Result{}, meshErrors.New(meshErrors.KindCancelled, "runtime.call", ctx.Err())
		case <-time.After(delay):
		}
	}
	return job.Result{}, err
}

// recordOutcome feeds the breaker. InvalidArgument outcomes are never passed
// here: per spec.md §4.5 they bypass the failure counter entirely, since
// they are caller errors, not a fleet health signal.
func (r *Runtime) recordOutcome(ok bool) {
	r.cb.Record(ok)
}

// remapCallError applies spec.md §4.5's string-sniffing re-mapping rules to
// an error returned by the broker path (not a worker-reported Result
// failure).
func remapCallError(action string, err error) error {
	switch meshErrors.KindOf(err) {
	case meshErrors.KindTimedOut:
		return meshErrors.New(meshErrors.KindOperationTimeout, "runtime."+action, err)
	case meshErrors.KindBrokerUnavailable:
		return meshErrors.New(meshErrors.KindWorkerUnavailable, "runtime."+action, err)
	case meshErrors.KindCancelled, meshErrors.KindBrokerBackpressure:
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return meshErrors.New(meshErrors.KindOperationTimeout, "runtime."+action, err)
	case strings.Contains(msg, "unavailable") || strings.Contains(msg, "connection"):
		return meshErrors.New(meshErrors.KindWorkerUnavailable, "runtime."+action, err)
	default:
		return meshErrors.New(meshErrors.KindExecutionError, "runtime."+action, err)
	}
}

// remapResultError turns a worker-reported failure Result into a MeshError,
// recognizing the InvalidArgument code so it can bypass the breaker.
func remapResultError(action string, result job.Result) error {
	if result.Error == nil {
		return meshErrors.New(meshErrors.KindExecutionError, "runtime."+action, nil)
	}
	if strings.EqualFold(result.Error.Code, "invalid_argument") {
		return meshErrors.New(meshErrors.KindInvalidArgument, "runtime."+action, nil)
	}
	msg := strings.ToLower(result.Error.Message)
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return meshErrors.New(meshErrors.KindOperationTimeout, "runtime."+action, nil)
	case strings.Contains(msg, "unavailable") || strings.Contains(msg, "connection"):
		return meshErrors.New(meshErrors.KindWorkerUnavailable, "runtime."+action, nil)
	default:
		return meshErrors.New(meshErrors.KindExecutionError, "runtime."+action, nil)
	}
}

func idempotentOpts() CallOpts {
	return CallOpts{Retries: 2, RetryBackoff: defaultRetryBackoff}
}

func nonRetryingOpts() CallOpts {
	return CallOpts{Retries: 0}
}

// NewSession starts a fresh browser session, returning its session ID.
func (r *Runtime) NewSession(ctx context.Context) (string, error) {
	res, err := r.Call(ctx, "newSession", nil, nil, nonRetryingOpts())
	if err != nil {
		return "", err
	}
	id, _ := res.Result.(string)
	return id, nil
}

// CloseSession tears down a session.
func (r *Runtime) CloseSession(ctx context.Context, sessionID string) error {
	_, err := r.Call(ctx, "closeSession", []any{sessionID}, nil, nonRetryingOpts())
	return err
}

// ListSessions lists active session IDs.
func (r *Runtime) ListSessions(ctx context.Context) ([]string, error) {
	res, err := r.Call(ctx, "listSessions", nil, nil, idempotentOpts())
	if err != nil {
		return nil, err
	}
	raw, _ := res.Result.([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// CleanupAll tears down every active session, used on worker or process
// shutdown.
func (r *Runtime) CleanupAll(ctx context.Context) error {
	_, err := r.Call(ctx, "cleanupAll", nil, nil, nonRetryingOpts())
	return err
}

// Goto navigates sessionID to url and awaits completion.
func (r *Runtime) Goto(ctx context.Context, sessionID, url string) error {
	_, err := r.Call(ctx, "goto", []any{url}, map[string]any{"session_id": sessionID}, nonRetryingOpts())
	return err
}

// Click clicks selector, fire-and-forget semantics at the broker level but
// still awaits acknowledgment of completion.
func (r *Runtime) Click(ctx context.Context, sessionID, selector string) error {
	_, err := r.Call(ctx, "click", []any{selector}, map[string]any{"session_id": sessionID}, nonRetryingOpts())
	return err
}

// Type types text into selector.
func (r *Runtime) Type(ctx context.Context, sessionID, selector, text string) error {
	_, err := r.Call(ctx, "type", []any{selector, text}, map[string]any{"session_id": sessionID}, nonRetryingOpts())
	return err
}

// SelectOption chooses value in a <select> element at selector.
func (r *Runtime) SelectOption(ctx context.Context, sessionID, selector, value string) error {
	_, err := r.Call(ctx, "selectOption", []any{selector, value}, map[string]any{"session_id": sessionID}, nonRetryingOpts())
	return err
}

// Screenshot captures the current page as PNG bytes.
func (r *Runtime) Screenshot(ctx context.Context, sessionID string) ([]byte, error) {
	res, err := r.Call(ctx, "screenshot", nil, map[string]any{"session_id": sessionID}, idempotentOpts())
	if err != nil {
		return nil, err
	}
	encoded, _ := res.Result.(string)
	data, decodeErr := base64.StdEncoding.DecodeString(encoded)
	if decodeErr != nil {
		return nil, meshErrors.New(meshErrors.KindExecutionError, "runtime.screenshot", decodeErr)
	}
	return data, nil
}

// GetText returns the text content of selector.
func (r *Runtime) GetText(ctx context.Context, sessionID, selector string) (string, error) {
	res, err := r.Call(ctx, "getText", []any{selector}, map[string]any{"session_id": sessionID}, idempotentOpts())
	if err != nil {
		return "", err
	}
	text, _ := res.Result.(string)
	return text, nil
}

// GetHTML returns the outer HTML of selector.
func (r *Runtime) GetHTML(ctx context.Context, sessionID, selector string) (string, error) {
	res, err := r.Call(ctx, "getHTML", []any{selector}, map[string]any{"session_id": sessionID}, idempotentOpts())
	if err != nil {
		return "", err
	}
	html, _ := res.Result.(string)
	return html, nil
}

// WaitForSelector blocks until selector appears in the DOM or the job times
// out.
func (r *Runtime) WaitForSelector(ctx context.Context, sessionID, selector string) error {
	_, err := r.Call(ctx, "waitForSelector", []any{selector}, map[string]any{"session_id": sessionID}, nonRetryingOpts())
	return err
}

// Evaluate runs arbitrary JavaScript in the page and returns its result.
func (r *Runtime) Evaluate(ctx context.Context, sessionID, script string) (any, error) {
	res, err := r.Call(ctx, "evaluate", []any{script}, map[string]any{"session_id": sessionID}, nonRetryingOpts())
	if err != nil {
		return nil, err
	}
	return res.Result, nil
}

// StatusReport is the worker pool's self-reported health summary.
type StatusReport struct {
	Healthy      bool   `json:"healthy"`
	ActiveJobs   int    `json:"active_jobs"`
	WorkerID     string `json:"worker_id"`
	Detail       string `json:"detail,omitempty"`
}

// Status queries one worker's current health.
func (r *Runtime) Status(ctx context.Context, sessionID string) (StatusReport, error) {
	res, err := r.Call(ctx, "status", nil, map[string]any{"session_id": sessionID}, idempotentOpts())
	if err != nil {
		return StatusReport{}, err
	}
	report := StatusReport{}
	m, _ := res.Result.(map[string]any)
	if m != nil {
		if v, ok := m["healthy"].(bool); ok {
			report.Healthy = v
		}
		if v, ok := m["active_jobs"].(float64); ok {
			report.ActiveJobs = int(v)
		}
		if v, ok := m["worker_id"].(string); ok {
			report.WorkerID = v
		}
		if v, ok := m["detail"].(string); ok {
			report.Detail = v
		}
	}
	return report, nil
}
