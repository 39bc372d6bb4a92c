// Package pipeline orchestrates a request end to end: pool selection,
// token resolution, upstream dispatch and outcome recording.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/poemonsense/cloudcode-gateway/internal/account"
	"github.com/poemonsense/cloudcode-gateway/internal/dialect"
	gwerrors "github.com/poemonsense/cloudcode-gateway/internal/errors"
	"github.com/poemonsense/cloudcode-gateway/internal/flow"
	"github.com/poemonsense/cloudcode-gateway/internal/stats"
	"github.com/poemonsense/cloudcode-gateway/internal/store"
	"github.com/poemonsense/cloudcode-gateway/internal/upstream"
	"github.com/poemonsense/cloudcode-gateway/internal/utils"
)

// Pipeline owns the pool, the resolver and the upstream client. It is
// constructed once at startup and shared by all handlers.
type Pipeline struct {
	store   *store.Store
	client  *upstream.Client
	monitor *flow.Monitor
	tracker *stats.Tracker

	initGroup singleflight.Group

	mu          sync.RWMutex
	pool        *account.Pool
	resolver    *account.TokenResolver
	initialized bool
}

// New creates a pipeline. The monitor and tracker are required; the
// tracker may wrap a nil redis client.
func New(st *store.Store, client *upstream.Client, monitor *flow.Monitor, tracker *stats.Tracker) *Pipeline {
	if client == nil {
		client = upstream.NewClient(nil)
	}
	return &Pipeline{
		store:   st,
		client:  client,
		monitor: monitor,
		tracker: tracker,
	}
}

// EnsureInitialized loads the pool on first use. Concurrent callers share
// a single in-flight initialization; failure clears the latch so a later
// request retries.
func (p *Pipeline) EnsureInitialized(ctx context.Context) error {
	p.mu.RLock()
	done := p.initialized
	p.mu.RUnlock()
	if done {
		return nil
	}

	_, err, _ := p.initGroup.Do("init", func() (interface{}, error) {
		doc, err := p.store.Load()
		if err != nil {
			return nil, err
		}
		pool := account.NewPool(doc.Accounts, doc.Settings, doc.ActiveIndex, p.store)
		resolver := account.NewTokenResolver(pool)

		p.mu.Lock()
		p.pool = pool
		p.resolver = resolver
		p.initialized = true
		p.mu.Unlock()

		utils.Info("[Pipeline] Initialized with %d account(s)", pool.Size())
		return nil, nil
	})
	return err
}

// Pool returns the account pool (nil before initialization).
func (p *Pipeline) Pool() *account.Pool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pool
}

// Resolver returns the token resolver (nil before initialization).
func (p *Pipeline) Resolver() *account.TokenResolver {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.resolver
}

// Monitor returns the flow monitor.
func (p *Pipeline) Monitor() *flow.Monitor {
	return p.monitor
}

// Tracker returns the usage tracker.
func (p *Pipeline) Tracker() *stats.Tracker {
	return p.tracker
}

// prepare runs the shared front half of every request: init, optimistic
// reset and validation.
func (p *Pipeline) prepare(ctx context.Context, req *dialect.MessagesRequest) *gwerrors.GatewayError {
	if err := p.EnsureInitialized(ctx); err != nil {
		return gwerrors.NewAPIError("initialization failed: "+err.Error(), 500)
	}
	if err := req.Validate(); err != nil {
		return gwerrors.NewInvalidRequestError(err.Error())
	}

	// Optimistic reset: when every account is cooling down, clear the
	// flags and let the next upstream call re-teach the real cooldown.
	pool := p.Pool()
	if pool.AllRateLimited() {
		pool.ResetAllRateLimits()
	}
	return nil
}

// acquireAccount loops over PickSticky, sleeping on pool-directed waits,
// until an account is available or the pool reports a hard failure.
func (p *Pipeline) acquireAccount(ctx context.Context) (*account.Account, *gwerrors.GatewayError) {
	pool := p.Pool()
	for {
		result, err := pool.PickSticky()
		if err != nil {
			if errors.Is(err, account.ErrEmptyPool) {
				return nil, gwerrors.NewAuthenticationError(
					"no accounts configured; enroll an account to use the gateway", "")
			}
			retryAfterSec := int64(defaultRetryAfterSec)
			if soonest := pool.SoonestResetMs(); soonest > 0 {
				retryAfterSec = (soonest + 999) / 1000
			}
			return nil, gwerrors.NewOverloadedError(
				"all accounts are rate-limited or invalid", retryAfterSec)
		}
		if result.Account != nil {
			return result.Account, nil
		}
		if result.WaitMs > 0 {
			utils.Debug("[Pipeline] Waiting %s for the sticky account", utils.FormatDuration(result.WaitMs))
			if err := utils.Sleep(ctx, result.WaitMs); err != nil {
				return nil, gwerrors.NewAPIError("request cancelled while waiting for capacity", 500)
			}
		}
	}
}

// resolveCredentials fetches the token and project outside the pool lock.
func (p *Pipeline) resolveCredentials(ctx context.Context, acc *account.Account) (token, project string, gwerr *gwerrors.GatewayError) {
	token, err := p.Resolver().TokenFor(ctx, acc)
	if err != nil {
		return "", "", gwerrors.AsGatewayError(err)
	}
	project = p.Resolver().ProjectFor(ctx, acc, token)
	return token, project, nil
}

// applyFeedback feeds a classified failure back into the scheduler. For
// auth failures it clears the caches and attempts one forced refresh so a
// client retry has a chance to succeed.
func (p *Pipeline) applyFeedback(ctx context.Context, acc *account.Account, gwerr *gwerrors.GatewayError, fb Feedback) {
	pool := p.Pool()
	switch {
	case fb.Auth:
		resolver := p.Resolver()
		resolver.ClearTokenCache(acc.Email)
		resolver.ClearProjectCache(acc.Email)
		if _, err := resolver.TokenFor(ctx, acc); err != nil {
			// TokenFor already marked the account invalid
			utils.Warn("[Pipeline] Forced refresh failed for %s: %v", utils.MaskEmail(acc.Email), err)
		} else {
			utils.Info("[Pipeline] Forced refresh succeeded for %s; client retry should recover",
				utils.MaskEmail(acc.Email))
		}
	case fb.RateLimitMs > 0:
		pool.MarkRateLimited(acc.Email, fb.RateLimitMs)
	case fb.Invalidate:
		pool.MarkInvalid(acc.Email, gwerr.Message)
	default:
		pool.RecordFailure(acc.Email, account.FailureOpts{})
	}
}

// Execute dispatches a non-streaming request and returns the upstream
// result body.
func (p *Pipeline) Execute(ctx context.Context, req *dialect.MessagesRequest, opts flow.StartOptions) (map[string]interface{}, *gwerrors.GatewayError) {
	if gwerr := p.prepare(ctx, req); gwerr != nil {
		return nil, gwerr
	}

	flowID := p.monitor.Start(opts)

	acc, gwerr := p.acquireAccount(ctx)
	if gwerr != nil {
		p.monitor.Fail(flowID, gwerr.Message)
		return nil, gwerr
	}
	p.monitor.SetAccount(flowID, acc.Email)

	token, project, gwerr := p.resolveCredentials(ctx, acc)
	if gwerr != nil {
		p.monitor.Fail(flowID, gwerr.Message)
		return nil, gwerr
	}

	result, err := p.client.Send(ctx, token, project, req.Model, req)
	if err != nil {
		gwerr, fb := classifyError(err, p.Pool().SoonestResetMs())
		p.applyFeedback(ctx, acc, gwerr, fb)
		p.monitor.Fail(flowID, gwerr.Message)
		return nil, gwerr
	}

	p.Pool().RecordSuccess(acc.Email)
	p.tracker.Track(acc.Email, req.Model)
	p.monitor.Complete(flowID, extractUsage(result))
	return result, nil
}

// StreamHandle relays a streaming request. Events carries upstream
// chunks; Errs delivers at most one classified error. Both close when the
// stream ends.
type StreamHandle struct {
	Events <-chan upstream.StreamEvent
	Errs   <-chan *gwerrors.GatewayError
	FlowID string
}

// Stream dispatches a streaming request. A non-nil error return means
// nothing was sent upstream yet and the handler should respond with a
// plain HTTP error.
func (p *Pipeline) Stream(ctx context.Context, req *dialect.MessagesRequest, opts flow.StartOptions) (*StreamHandle, *gwerrors.GatewayError) {
	if gwerr := p.prepare(ctx, req); gwerr != nil {
		return nil, gwerr
	}

	flowID := p.monitor.Start(opts)

	acc, gwerr := p.acquireAccount(ctx)
	if gwerr != nil {
		p.monitor.Fail(flowID, gwerr.Message)
		return nil, gwerr
	}
	p.monitor.SetAccount(flowID, acc.Email)

	token, project, gwerr := p.resolveCredentials(ctx, acc)
	if gwerr != nil {
		p.monitor.Fail(flowID, gwerr.Message)
		return nil, gwerr
	}

	events, errs, err := p.client.Stream(ctx, token, project, req.Model, req)
	if err != nil {
		gwerr, fb := classifyError(err, p.Pool().SoonestResetMs())
		p.applyFeedback(ctx, acc, gwerr, fb)
		p.monitor.Fail(flowID, gwerr.Message)
		return nil, gwerr
	}

	outEvents := make(chan upstream.StreamEvent, 16)
	outErrs := make(chan *gwerrors.GatewayError, 1)
	go func() {
		defer close(outEvents)
		defer close(outErrs)

		for event := range events {
			p.monitor.RecordChunk(flowID, len(event.Data))
			select {
			case outEvents <- event:
			case <-ctx.Done():
				// Client went away: end the flow without scheduler
				// feedback, only upstream-reported failures count
				p.monitor.Fail(flowID, "client disconnected")
				return
			}
		}

		if err := <-errs; err != nil {
			if ctx.Err() != nil {
				p.monitor.Fail(flowID, "client disconnected")
				return
			}
			gwerr, fb := classifyError(err, p.Pool().SoonestResetMs())
			p.applyFeedback(ctx, acc, gwerr, fb)
			p.monitor.Fail(flowID, gwerr.Message)
			outErrs <- gwerr
			return
		}

		p.Pool().RecordSuccess(acc.Email)
		p.tracker.Track(acc.Email, req.Model)
		p.monitor.Complete(flowID, nil)
	}()

	return &StreamHandle{Events: outEvents, Errs: outErrs, FlowID: flowID}, nil
}

// RefreshDefaultToken clears both caches and forces a token refresh on
// the current sticky account.
func (p *Pipeline) RefreshDefaultToken(ctx context.Context) error {
	if err := p.EnsureInitialized(ctx); err != nil {
		return err
	}
	resolver := p.Resolver()
	resolver.ClearTokenCache("")
	resolver.ClearProjectCache("")

	acc, gwerr := p.acquireAccount(ctx)
	if gwerr != nil {
		return gwerr
	}
	_, err := resolver.TokenFor(ctx, acc)
	return err
}

// extractUsage pulls the usage block out of an upstream response.
func extractUsage(result map[string]interface{}) map[string]int {
	raw, ok := result["usage"].(map[string]interface{})
	if !ok {
		return nil
	}
	usage := make(map[string]int, len(raw))
	for key, value := range raw {
		if v, ok := value.(float64); ok {
			usage[key] = int(v)
		}
	}
	return usage
}
