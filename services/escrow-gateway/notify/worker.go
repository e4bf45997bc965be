package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"booklink/observability/logging"
)

const maxDeliveryAttempts = 5

// WorkerConfig captures the delivery settings for the notification worker.
type WorkerConfig struct {
	SinkURL string
	Secret  string
	// RatePerMinute caps outbound deliveries to the sink. Zero applies the
	// default of 60 per minute.
	RatePerMinute int
	Logger        *slog.Logger
}

// Worker drains the queue and delivers events to the external notification
// sink. Delivery is best-effort: failures are retried with exponential
// backoff and ultimately logged, never propagated to the operation that
// produced the event.
type Worker struct {
	queue   *Queue
	sinkURL string
	secret  string
	client  *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
	nowFn   func() time.Time
}

// NewWorker constructs a delivery worker bound to the supplied queue.
func NewWorker(queue *Queue, cfg WorkerConfig) *Worker {
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:   queue,
		sinkURL: cfg.SinkURL,
		secret:  cfg.Secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1),
		log:     logger,
		nowFn:   time.Now,
	}
}

// Run processes queued notifications until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		queued, ok := w.queue.dequeue(ctx)
		if !ok {
			return
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		w.deliver(ctx, queued)
	}
}

func (w *Worker) deliver(ctx context.Context, queued task) {
	payload, err := json.Marshal(map[string]any{
		"recipient":  queued.event.Recipient,
		"type":       queued.event.Type,
		"attributes": queued.event.Attributes,
		"timestamp":  queued.event.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		w.log.Error("notify: encode event", "type", queued.event.Type, "err", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.sinkURL, bytes.NewReader(payload))
	if err != nil {
		w.log.Error("notify: build request", "type", queued.event.Type, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notify-Signature", signPayload(w.secret, payload))

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(queued, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(queued, resp.Status)
		return
	}
}

func (w *Worker) retryLater(queued task, reason string) {
	attempt := queued.attempt + 1
	if attempt >= maxDeliveryAttempts {
		w.log.Warn("notify: delivery abandoned",
			"type", queued.event.Type,
			"recipient", queued.event.Recipient,
			"attempts", attempt,
			"reason", reason,
			"attributes", logging.MaskAttributes(queued.event.Attributes))
		return
	}
	w.log.Warn("notify: delivery failed, will retry",
		"type", queued.event.Type,
		"attempt", attempt,
		"reason", reason)
	queued.attempt = attempt
	queued.notBefore = w.nowFn().Add(backoffDuration(attempt))
	w.queue.enqueue(queued)
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
