package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"freightline/internal/config"
	"freightline/internal/domain"
	"freightline/internal/logging"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100

	HeaderEvent     = "X-Freightline-Event"
	HeaderDelivery  = "X-Freightline-Delivery"
	HeaderSignature = "X-Freightline-Signature"
)

// EventSource is the slice of the engine the dispatcher reads from.
type EventSource interface {
	Events(ctx context.Context, cursor int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// WebhookDispatcher posts store events to the configured URLs. Each hook
// keeps its own cursor and starts from the newest event at startup.
type WebhookDispatcher struct {
	source   EventSource
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *zap.Logger
	interval time.Duration

	mu      sync.Mutex
	cursors map[int]int64
	stop    chan struct{}
	done    chan struct{}
}

func NewWebhookDispatcher(source EventSource, hooks []config.WebhookConfig, logger *zap.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		source:   source,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logging.OrNop(logger),
		interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
}

// Start polls for events until Stop is called. It is a no-op without hooks.
func (d *WebhookDispatcher) Start(interval time.Duration) {
	if len(d.webhooks) == 0 {
		return
	}
	if interval > 0 {
		d.interval = interval
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	for i, hook := range d.webhooks {
		if strings.TrimSpace(hook.URL) != "" {
			d.cursorFor(i)
		}
	}
	go d.run()
}

func (d *WebhookDispatcher) Stop() {
	if d.stop == nil {
		return
	}
	close(d.stop)
	<-d.done
	d.stop = nil
}

func (d *WebhookDispatcher) run() {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.DispatchAll(context.Background())
		}
	}
}

// DispatchAll delivers pending events to every hook once.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(idx)
	events, err := d.source.Events(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.logger.Warn("webhook: fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.logger.Warn("webhook: delivery failed", zap.String("url", hook.URL), zap.Int64("event_id", evt.ID), zap.Error(err))
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.source.LatestEventID(context.Background())
	if err != nil {
		d.logger.Warn("webhook: init cursor failed", zap.Error(err))
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// Sign returns the hex HMAC-SHA256 of body, as sent in HeaderSignature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	data, err := json.Marshal(eventResponse(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, evt.Type)
	req.Header.Set(HeaderDelivery, fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set(HeaderSignature, Sign(hook.Secret, data))
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
