package gojob

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-calendar-links/core"
	"github.com/goliatone/go-job/queue/worker"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	JobIDRevokeToken = "calendar_links.token.revoke"

	paramUserID      = "user_id"
	paramProviderID  = "provider_id"
	paramSealedToken = "sealed_token"

	dedupPolicyDrop = "drop"
)

// RevocationDispatcher queues provider token revocation instead of calling
// the provider inline. Tokens are sealed before they enter the queue.
type RevocationDispatcher struct {
	enqueuer core.JobEnqueuer
	secrets  core.SecretProvider
}

func NewRevocationDispatcher(enqueuer core.JobEnqueuer, secrets core.SecretProvider) (*RevocationDispatcher, error) {
	if enqueuer == nil {
		return nil, fmt.Errorf("gojob: enqueuer is required")
	}
	if secrets == nil {
		return nil, fmt.Errorf("gojob: secret provider is required")
	}
	return &RevocationDispatcher{enqueuer: enqueuer, secrets: secrets}, nil
}

func (d *RevocationDispatcher) DispatchRevocation(ctx context.Context, req core.RevocationRequest) error {
	if d == nil || d.enqueuer == nil || d.secrets == nil {
		return fmt.Errorf("gojob: revocation dispatcher is not configured")
	}
	if req.Token == "" {
		return nil
	}
	sealed, err := d.secrets.Encrypt(ctx, []byte(req.Token))
	if err != nil {
		return fmt.Errorf("gojob: seal revocation token: %w", err)
	}
	return d.enqueuer.Enqueue(ctx, &core.JobExecutionMessage{
		JobID:      JobIDRevokeToken,
		ScriptPath: JobIDRevokeToken,
		Parameters: map[string]any{
			paramUserID:      strings.TrimSpace(req.UserID),
			paramProviderID:  strings.TrimSpace(req.ProviderID),
			paramSealedToken: base64.StdEncoding.EncodeToString(sealed),
		},
		IdempotencyKey: revocationKey(req),
		DedupPolicy:    dedupPolicyDrop,
	})
}

// revocationKey is stable for one token so a double disconnect queues a
// single job.
func revocationKey(req core.RevocationRequest) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(req.UserID) + "|" + strings.TrimSpace(req.ProviderID) + "|" + req.Token))
	return "revoke:" + hex.EncodeToString(sum[:16])
}

type WorkerOption func(*RevocationWorker)

func WithRetryPolicy(policy RetryPolicy) WorkerOption {
	return func(w *RevocationWorker) {
		w.policy = policy
	}
}

func WithWorkerHook(hook worker.Hook) WorkerOption {
	return func(w *RevocationWorker) {
		w.hook = hook
	}
}

func WithWorkerLogger(logger core.Logger) WorkerOption {
	return func(w *RevocationWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithPollInterval(interval time.Duration) WorkerOption {
	return func(w *RevocationWorker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

func WithRevokeTimeout(timeout time.Duration) WorkerOption {
	return func(w *RevocationWorker) {
		if timeout > 0 {
			w.timeout = timeout
		}
	}
}

// RevocationWorker drains revocation jobs. Attempt counts are kept in
// process, keyed by idempotency key, and dropped once a job settles.
type RevocationWorker struct {
	dequeuer     core.JobDequeuer
	registry     core.Registry
	secrets      core.SecretProvider
	policy       RetryPolicy
	hook         worker.Hook
	logger       core.Logger
	pollInterval time.Duration
	timeout      time.Duration

	mu       sync.Mutex
	attempts map[string]int
}

func NewRevocationWorker(
	dequeuer core.JobDequeuer,
	registry core.Registry,
	secrets core.SecretProvider,
	opts ...WorkerOption,
) (*RevocationWorker, error) {
	if dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("gojob: provider registry is required")
	}
	if secrets == nil {
		return nil, fmt.Errorf("gojob: secret provider is required")
	}
	w := &RevocationWorker{
		dequeuer:     dequeuer,
		registry:     registry,
		secrets:      secrets,
		policy:       DefaultRetryPolicy(),
		logger:       glog.Nop(),
		pollInterval: time.Second,
		timeout:      10 * time.Second,
		attempts:     map[string]int{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Run processes jobs until ctx is done.
func (w *RevocationWorker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := w.ProcessNext(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("revocation dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.pollInterval):
			}
		}
	}
}

// ProcessNext handles one delivery. Only dequeue and settlement failures are
// returned; revocation failures settle the delivery through ack or nack.
func (w *RevocationWorker) ProcessNext(ctx context.Context) error {
	delivery, err := w.dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	if delivery == nil {
		return nil
	}
	msg := delivery.Message()
	if msg == nil || msg.JobID != JobIDRevokeToken {
		return delivery.Nack(ctx, core.JobNackOptions{DeadLetter: true, Reason: "unsupported job"})
	}

	req, err := w.decode(ctx, msg)
	if err != nil {
		w.logger.Error("revocation job payload rejected", "idempotency_key", msg.IdempotencyKey, "error", err)
		return delivery.Nack(ctx, core.JobNackOptions{DeadLetter: true, Reason: err.Error()})
	}

	attempt := w.nextAttempt(msg.IdempotencyKey)
	event := worker.Event{Message: ToExecutionMessage(msg), Attempt: attempt, StartedAt: time.Now().UTC()}
	w.onStart(ctx, event)

	revokeErr := core.RevokeWithRegistry(ctx, w.registry, req, w.timeout)
	event.Duration = time.Since(event.StartedAt)
	if revokeErr == nil {
		w.settle(msg.IdempotencyKey)
		w.onSuccess(ctx, event)
		return delivery.Ack(ctx)
	}

	event.Err = revokeErr
	opts := core.JobNackOptions{DeadLetter: true, Reason: revokeErr.Error()}
	if core.ClassifyError(revokeErr) == core.ErrorKindTransient {
		opts = core.JobNackOptions{Requeue: true, Delay: w.policy.Backoff(attempt), Reason: revokeErr.Error()}
	}
	opts = w.policy.NormalizeAttempt(opts, attempt)
	event.Delay = opts.Delay
	if opts.Requeue {
		w.onRetry(ctx, event)
	} else {
		w.settle(msg.IdempotencyKey)
		w.onFailure(ctx, event)
		w.logger.Warn("provider token revocation abandoned",
			"provider_id", req.ProviderID, "attempt", attempt, "error", revokeErr)
	}
	return delivery.Nack(ctx, opts)
}

func (w *RevocationWorker) decode(ctx context.Context, msg *core.JobExecutionMessage) (core.RevocationRequest, error) {
	userID, _ := msg.Parameters[paramUserID].(string)
	providerID, _ := msg.Parameters[paramProviderID].(string)
	encoded, _ := msg.Parameters[paramSealedToken].(string)
	if strings.TrimSpace(providerID) == "" || encoded == "" {
		return core.RevocationRequest{}, errors.New("gojob: revocation job is missing provider or token")
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return core.RevocationRequest{}, fmt.Errorf("gojob: decode sealed token: %w", err)
	}
	token, err := w.secrets.Decrypt(ctx, sealed)
	if err != nil {
		return core.RevocationRequest{}, fmt.Errorf("gojob: open sealed token: %w", err)
	}
	return core.RevocationRequest{UserID: userID, ProviderID: providerID, Token: string(token)}, nil
}

func (w *RevocationWorker) nextAttempt(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts[key]++
	return w.attempts[key]
}

func (w *RevocationWorker) settle(key string) {
	w.mu.Lock()
	delete(w.attempts, key)
	w.mu.Unlock()
}

func (w *RevocationWorker) onStart(ctx context.Context, event worker.Event) {
	if w.hook != nil {
		w.hook.OnStart(ctx, event)
	}
}

func (w *RevocationWorker) onSuccess(ctx context.Context, event worker.Event) {
	if w.hook != nil {
		w.hook.OnSuccess(ctx, event)
	}
}

func (w *RevocationWorker) onFailure(ctx context.Context, event worker.Event) {
	if w.hook != nil {
		w.hook.OnFailure(ctx, event)
	}
}

func (w *RevocationWorker) onRetry(ctx context.Context, event worker.Event) {
	if w.hook != nil {
		w.hook.OnRetry(ctx, event)
	}
}

// MetricsHook reports revocation job outcomes to a MetricsRecorder.
type MetricsHook struct {
	recorder core.MetricsRecorder
}

func NewMetricsHook(recorder core.MetricsRecorder) *MetricsHook {
	if recorder == nil {
		recorder = core.NopMetricsRecorder{}
	}
	return &MetricsHook{recorder: recorder}
}

func (h *MetricsHook) OnStart(context.Context, worker.Event) {}

func (h *MetricsHook) OnSuccess(ctx context.Context, event worker.Event) {
	h.record(ctx, "success", event)
}

func (h *MetricsHook) OnFailure(ctx context.Context, event worker.Event) {
	h.record(ctx, "failure", event)
}

func (h *MetricsHook) OnRetry(ctx context.Context, event worker.Event) {
	h.record(ctx, "retry", event)
}

func (h *MetricsHook) record(ctx context.Context, status string, event worker.Event) {
	tags := map[string]string{"status": status}
	if event.Message != nil {
		if providerID, ok := event.Message.Parameters[paramProviderID].(string); ok {
			tags["provider_id"] = providerID
		}
	}
	h.recorder.IncCounter(ctx, "calendar_links.revocation_jobs.total", 1, tags)
	h.recorder.ObserveHistogram(ctx, "calendar_links.revocation_jobs.duration_ms", float64(event.Duration.Milliseconds()), tags)
}

var (
	_ core.RevocationDispatcher = (*RevocationDispatcher)(nil)
	_ worker.Hook               = (*MetricsHook)(nil)
)
