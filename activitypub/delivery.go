package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/rox/domain"
	"github.com/google/uuid"
)

// DeliveryConfig bounds the delivery workers.
type DeliveryConfig struct {
	Workers      int
	MaxAttempts  int
	Backoff      time.Duration
	MaxBackoff   time.Duration
	Timeout      time.Duration
	PollInterval time.Duration
	UserAgent    string
}

// Delivery drains the durable delivery queue with a bounded worker pool.
// Enqueue only writes jobs; Run does the network work.
type Delivery struct {
	queue  DeliveryQueue
	keys   *KeyStore
	client *http.Client
	cfg    DeliveryConfig
	logger *log.Logger
	now    func() time.Time
	wake   chan struct{}
}

func NewDelivery(queue DeliveryQueue, keys *KeyStore, client *http.Client, cfg DeliveryConfig, logger *log.Logger) *Delivery {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 6 * time.Hour
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Delivery{
		queue:  queue,
		keys:   keys,
		client: client,
		cfg:    cfg,
		logger: logger.WithPrefix("DeliveryWorker"),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue stores one job per distinct inbox of recipients. Remote actors
// sharing an inbox get a single job; local actors are skipped.
func (d *Delivery) Enqueue(ctx context.Context, signerId uuid.UUID, activity map[string]any, recipients []*domain.Actor) (int, error) {
	body, err := json.Marshal(activity)
	if err != nil {
		return 0, fmt.Errorf("marshal activity: %w", err)
	}
	activityId, _ := activity["id"].(string)

	seen := make(map[string]bool)
	var jobs []*domain.DeliveryJob
	for _, r := range recipients {
		if r == nil || r.IsLocal() {
			continue
		}
		inbox := r.DeliveryInbox()
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true
		jobs = append(jobs, &domain.DeliveryJob{
			ActivityId:   activityId,
			ActivityJSON: string(body),
			InboxURI:     inbox,
			SignerId:     signerId,
		})
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	if err := d.queue.EnqueueDeliveries(ctx, jobs); err != nil {
		return 0, fmt.Errorf("enqueue deliveries: %w", err)
	}
	d.Wake()
	return len(jobs), nil
}

// Wake makes Run look for due jobs now instead of at the next tick.
func (d *Delivery) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run processes due jobs until ctx is cancelled. Jobs left in flight by a
// previous process are released first.
func (d *Delivery) Run(ctx context.Context) error {
	released, err := d.queue.ReleaseInFlightDeliveries(ctx)
	if err != nil {
		return fmt.Errorf("release in-flight deliveries: %w", err)
	}
	if released > 0 {
		d.logger.Info("Released interrupted deliveries", "count", released)
	}
	d.logger.Info("Starting delivery workers", "workers", d.cfg.Workers)

	jobs := make(chan domain.DeliveryJob)
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				d.process(ctx, job)
				d.Wake()
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		full := d.dispatch(ctx, jobs)
		if ctx.Err() != nil {
			return nil
		}
		if full {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// dispatch claims up to one job per worker and hands them out. It reports
// whether the batch was full, meaning more jobs may be due.
func (d *Delivery) dispatch(ctx context.Context, jobs chan<- domain.DeliveryJob) bool {
	claimed, err := d.queue.ClaimDueDeliveries(ctx, d.now(), d.cfg.Workers)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("Failed to claim deliveries", "err", err)
		}
		return false
	}
	for i, job := range claimed {
		select {
		case jobs <- job:
		case <-ctx.Done():
			d.release(claimed[i:])
			return false
		}
	}
	return len(claimed) == d.cfg.Workers
}

func (d *Delivery) release(jobs []domain.DeliveryJob) {
	ctx := context.Background()
	for _, job := range jobs {
		if err := d.queue.ReleaseDelivery(ctx, job.Id); err != nil {
			d.logger.Error("Failed to release delivery", "id", job.Id, "err", err)
		}
	}
}

// process makes one attempt and records its outcome.
func (d *Delivery) process(ctx context.Context, job domain.DeliveryJob) {
	status, retryAfter, err := d.post(ctx, &job)
	attempts := job.Attempts + 1
	store := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		d.logger.Debug("Delivered", "inbox", job.InboxURI, "activity", job.ActivityId, "status", status)
		d.logOutcome(d.queue.CompleteDelivery(store, job.Id), job)

	case ctx.Err() != nil:
		d.logOutcome(d.queue.ReleaseDelivery(store, job.Id), job)

	case isPermanent(err):
		d.logger.Warn("Delivery rejected", "inbox", job.InboxURI, "activity", job.ActivityId, "status", status, "err", err)
		d.logOutcome(d.queue.FailDelivery(store, job.Id, attempts, status, err.Error()), job)

	case attempts >= d.cfg.MaxAttempts:
		d.logger.Warn("Giving up on delivery", "inbox", job.InboxURI, "activity", job.ActivityId,
			"attempts", attempts, "err", fmt.Errorf("%w: %v", ErrDeliveryExhausted, err))
		d.logOutcome(d.queue.FailDelivery(store, job.Id, attempts, status, err.Error()), job)

	default:
		delay := d.backoff(attempts)
		if status == http.StatusTooManyRequests && retryAfter > 0 {
			delay = min(retryAfter, d.cfg.MaxBackoff)
		}
		d.logger.Info("Delivery failed, retrying", "inbox", job.InboxURI, "attempt", attempts, "in", delay, "err", err)
		next := d.now().Add(delay)
		d.logOutcome(d.queue.RescheduleDelivery(store, job.Id, attempts, next, status, err.Error()), job)
	}
}

func (d *Delivery) logOutcome(err error, job domain.DeliveryJob) {
	if err != nil {
		d.logger.Error("Failed to record delivery outcome", "id", job.Id, "err", err)
	}
}

// backoff doubles the base delay per attempt up to MaxBackoff.
func (d *Delivery) backoff(attempts int) time.Duration {
	delay := d.cfg.Backoff
	for i := 1; i < attempts && delay < d.cfg.MaxBackoff; i++ {
		delay *= 2
	}
	return min(delay, d.cfg.MaxBackoff)
}

// errUnsignable marks jobs whose signer is gone or has no key.
var errUnsignable = errors.New("cannot sign delivery")

func isPermanent(err error) bool {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Permanent()
	}
	return errors.Is(err, errUnsignable)
}

// post sends the signed activity. It returns the response status, the
// Retry-After delay if the peer sent one, and an error for anything but 2xx.
func (d *Delivery) post(ctx context.Context, job *domain.DeliveryJob) (int, time.Duration, error) {
	key, keyId, err := d.keys.PrivateKeyFor(ctx, job.SignerId)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", errUnsignable, err)
	}

	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}
	body := []byte(job.ActivityJSON)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.InboxURI, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", errUnsignable, err)
	}
	req.Header.Set("Content-Type", ContentTypeActivity)
	req.Header.Set("Accept", ContentTypeActivity)
	if d.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", d.cfg.UserAgent)
	}
	if err := Sign(req, keyId, key, body); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", errUnsignable, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, 0, nil
	}
	wait, _ := parseRetryAfter(resp.Header.Get("Retry-After"), d.now())
	return resp.StatusCode, wait, &RemoteError{URL: job.InboxURI, Status: resp.StatusCode}
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	t, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	return max(t.Sub(now), 0), true
}
