package gojob

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-calendar-links/core"
	"github.com/goliatone/go-calendar-links/security"

	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

func TestRevocationDispatcher_SealsTokenBeforeEnqueue(t *testing.T) {
	secrets := newTestSecrets(t)
	enqueuer := &stubQueueEnqueuer{}
	dispatcher, err := NewRevocationDispatcher(NewEnqueuerAdapter(enqueuer), secrets)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	req := core.RevocationRequest{UserID: "ada@example.com", ProviderID: "google", Token: "rt-secret"}
	if err := dispatcher.DispatchRevocation(context.Background(), req); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := dispatcher.DispatchRevocation(context.Background(), core.RevocationRequest{ProviderID: "google"}); err != nil {
		t.Fatalf("dispatch without token: %v", err)
	}
	if len(enqueuer.messages) != 1 {
		t.Fatalf("expected one queued job, got %d", len(enqueuer.messages))
	}
	msg := enqueuer.messages[0]
	if msg.JobID != JobIDRevokeToken {
		t.Fatalf("unexpected job id %q", msg.JobID)
	}
	sealed, _ := msg.Parameters[paramSealedToken].(string)
	if sealed == "" || strings.Contains(sealed, "rt-secret") {
		t.Fatalf("expected sealed token parameter, got %q", sealed)
	}
	if msg.IdempotencyKey != revocationKey(req) {
		t.Fatalf("expected stable idempotency key")
	}
}

func TestRevocationWorker_RevokesAndAcks(t *testing.T) {
	secrets := newTestSecrets(t)
	provider := &revokingProvider{id: "google"}
	raw := queueRevocation(t, secrets, core.RevocationRequest{UserID: "ada@example.com", ProviderID: "google", Token: "rt-1"})
	hook := &recordingHook{}

	w := newTestWorker(t, secrets, provider, []queue.Delivery{raw}, WithWorkerHook(hook))
	if err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !raw.acked {
		t.Fatalf("expected delivery to be acked")
	}
	if got := provider.revoked(); len(got) != 1 || got[0] != "rt-1" {
		t.Fatalf("expected provider revoke with opened token, got %v", got)
	}
	if hook.count("success") != 1 || hook.count("start") != 1 {
		t.Fatalf("expected start and success hooks, got %v", hook.events)
	}
}

func TestRevocationWorker_TransientFailureRequeuesWithBackoff(t *testing.T) {
	secrets := newTestSecrets(t)
	provider := &revokingProvider{
		id:  "google",
		err: core.NewProviderError(core.ErrorKindTransient, "google", "upstream unavailable", nil),
	}
	raw := queueRevocation(t, secrets, core.RevocationRequest{ProviderID: "google", Token: "rt-1"})
	w := newTestWorker(t, secrets, provider, []queue.Delivery{raw}, WithRetryPolicy(RetryPolicy{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        time.Minute,
		DeadLetterOnMax: true,
	}))

	if err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !raw.nacked || !raw.nackOpts.Requeue || raw.nackOpts.Delay != time.Second {
		t.Fatalf("expected requeue with first backoff, got %+v", raw.nackOpts)
	}
	if w.attempts[raw.msg.IdempotencyKey] != 1 {
		t.Fatalf("expected attempt to be tracked")
	}
}

func TestRevocationWorker_PermanentFailureDeadLetters(t *testing.T) {
	secrets := newTestSecrets(t)
	provider := &revokingProvider{
		id:  "google",
		err: core.NewProviderError(core.ErrorKindMalformed, "google", "bad request", nil),
	}
	raw := queueRevocation(t, secrets, core.RevocationRequest{ProviderID: "google", Token: "rt-1"})
	hook := &recordingHook{}
	w := newTestWorker(t, secrets, provider, []queue.Delivery{raw}, WithWorkerHook(hook))

	if err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if raw.nackOpts.Requeue || !raw.nackOpts.DeadLetter {
		t.Fatalf("expected dead letter, got %+v", raw.nackOpts)
	}
	if hook.count("failure") != 1 {
		t.Fatalf("expected failure hook")
	}
	if _, tracked := w.attempts[raw.msg.IdempotencyKey]; tracked {
		t.Fatalf("expected settled job to drop its attempt count")
	}
}

func TestRevocationWorker_RejectsUnreadablePayload(t *testing.T) {
	secrets := newTestSecrets(t)
	raw := &stubQueueDelivery{msg: ToExecutionMessage(&core.JobExecutionMessage{
		JobID:      JobIDRevokeToken,
		Parameters: map[string]any{paramProviderID: "google", paramSealedToken: "not base64!"},
	})}
	w := newTestWorker(t, secrets, &revokingProvider{id: "google"}, []queue.Delivery{raw})

	if err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !raw.nackOpts.DeadLetter {
		t.Fatalf("expected unreadable payload to be dead lettered")
	}
}

func TestRevocationWorker_RunStopsWithContext(t *testing.T) {
	secrets := newTestSecrets(t)
	w := newTestWorker(t, secrets, &revokingProvider{id: "google"}, nil, WithPollInterval(time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestMetricsHook_RecordsOutcome(t *testing.T) {
	recorder := &capturingRecorder{}
	hook := NewMetricsHook(recorder)
	hook.OnRetry(context.Background(), worker.Event{
		Message:  ToExecutionMessage(&core.JobExecutionMessage{JobID: JobIDRevokeToken, Parameters: map[string]any{paramProviderID: "google"}}),
		Attempt:  2,
		Err:      errors.New("retry"),
		Duration: 250 * time.Millisecond,
	})
	if len(recorder.counters) != 1 || recorder.counters[0]["status"] != "retry" {
		t.Fatalf("expected retry counter, got %v", recorder.counters)
	}
	if recorder.counters[0]["provider_id"] != "google" {
		t.Fatalf("expected provider tag")
	}
}

func newTestSecrets(t *testing.T) *security.AppKeySecretProvider {
	t.Helper()
	secrets, err := security.NewAppKeySecretProviderFromString("revocation-test-key")
	if err != nil {
		t.Fatalf("new secrets: %v", err)
	}
	return secrets
}

func queueRevocation(t *testing.T, secrets core.SecretProvider, req core.RevocationRequest) *stubQueueDelivery {
	t.Helper()
	enqueuer := &stubQueueEnqueuer{}
	dispatcher, err := NewRevocationDispatcher(NewEnqueuerAdapter(enqueuer), secrets)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if err := dispatcher.DispatchRevocation(context.Background(), req); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	return &stubQueueDelivery{msg: enqueuer.messages[0]}
}

func newTestWorker(
	t *testing.T,
	secrets core.SecretProvider,
	provider core.Provider,
	deliveries []queue.Delivery,
	opts ...WorkerOption,
) *RevocationWorker {
	t.Helper()
	registry, err := core.NewProviderRegistry(provider)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	dequeuer := NewDequeuerAdapter(&stubQueueDequeuer{deliveries: deliveries}, DefaultRetryPolicy())
	w, err := NewRevocationWorker(dequeuer, registry, secrets, opts...)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w
}

type revokingProvider struct {
	id  string
	err error

	mu     sync.Mutex
	tokens []string
}

func (p *revokingProvider) ID() string { return p.id }

func (p *revokingProvider) BuildAuthorizationURL(context.Context, core.AuthorizationRequest) (string, error) {
	return "", nil
}

func (p *revokingProvider) ExchangeCode(context.Context, core.ExchangeRequest) (core.TokenGrant, error) {
	return core.TokenGrant{}, nil
}

func (p *revokingProvider) Refresh(context.Context, string) (core.TokenGrant, error) {
	return core.TokenGrant{}, nil
}

func (p *revokingProvider) FetchEvents(context.Context, string, core.TimeRange) ([]core.NativeEvent, error) {
	return nil, nil
}

func (p *revokingProvider) NormalizeEvent(core.NativeEvent) (core.UnifiedEvent, error) {
	return core.UnifiedEvent{}, nil
}

func (p *revokingProvider) Revoke(_ context.Context, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = append(p.tokens, token)
	return p.err
}

func (p *revokingProvider) revoked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tokens...)
}

type recordingHook struct {
	events []string
}

func (h *recordingHook) OnStart(context.Context, worker.Event)   { h.events = append(h.events, "start") }
func (h *recordingHook) OnSuccess(context.Context, worker.Event) { h.events = append(h.events, "success") }
func (h *recordingHook) OnFailure(context.Context, worker.Event) { h.events = append(h.events, "failure") }
func (h *recordingHook) OnRetry(context.Context, worker.Event)   { h.events = append(h.events, "retry") }

func (h *recordingHook) count(name string) int {
	total := 0
	for _, event := range h.events {
		if event == name {
			total++
		}
	}
	return total
}

type capturingRecorder struct {
	counters []map[string]string
}

func (r *capturingRecorder) IncCounter(_ context.Context, _ string, _ int64, tags map[string]string) {
	r.counters = append(r.counters, tags)
}

func (r *capturingRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}
