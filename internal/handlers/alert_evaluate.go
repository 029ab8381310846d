// Copyright 2025 James Ross
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/dlearley/bi-agent-core/internal/bierrors"
	"github.com/dlearley/bi-agent-core/internal/config"
	"github.com/dlearley/bi-agent-core/internal/queue"
	"github.com/dlearley/bi-agent-core/internal/store"
	"github.com/dlearley/bi-agent-core/internal/warehouse"
	"github.com/slack-go/slack"
)

// AlertRule is the threshold/percent-change/anomaly rule evaluated against
// a current and baseline value.
type AlertRule string

const (
	RuleThreshold     AlertRule = "threshold"
	RulePercentChange AlertRule = "percent_change"
	RuleAnomaly       AlertRule = "anomaly"
)

// AlertEvaluatePayload is alert_evaluate(alert_id).
type AlertEvaluatePayload struct {
	AlertID         string    `json:"alert_id"`
	Query           string    `json:"query"`
	ValuePath       string    `json:"value_path"`
	BaselineQuery   string    `json:"baseline_query"`
	Rule            AlertRule `json:"rule"`
	ThresholdValue  float64   `json:"threshold_value"`
	PercentChange   float64   `json:"percent_change"`
	Channels        []string  `json:"channels"`
}

// AlertChannel is the dispatch extension point: alert_evaluate fans a
// trigger out to every configured channel, recording one notification row
// per channel regardless of outcome. New channel types implement this
// interface without changing the handler.
type AlertChannel interface {
	Name() string
	Send(ctx context.Context, alertID, detail string) error
}

// SlackChannel dispatches a triggered alert via an incoming webhook.
type SlackChannel struct {
	webhookURL string
	channel    string
}

func NewSlackChannel(cfg config.Alerting) *SlackChannel {
	return &SlackChannel{webhookURL: cfg.SlackWebhookURL, channel: cfg.SlackChannel}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, alertID, detail string) error {
	msg := &slack.WebhookMessage{
		Channel: s.channel,
		Text:    fmt.Sprintf("[alert %s] %s", alertID, detail),
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return bierrors.Wrap(bierrors.KindTransport, err, "slack dispatch")
	}
	return nil
}

// AlertEvaluateHandler fetches current/baseline values, evaluates the
// configured rule, and dispatches to every configured channel on trigger.
type AlertEvaluateHandler struct {
	warehouse *warehouse.Warehouse
	store     *store.Store
	channels  map[string]AlertChannel
}

func NewAlertEvaluateHandler(wh *warehouse.Warehouse, st *store.Store, channels []AlertChannel) *AlertEvaluateHandler {
	byName := make(map[string]AlertChannel, len(channels))
	for _, c := range channels {
		byName[c.Name()] = c
	}
	return &AlertEvaluateHandler{warehouse: wh, store: st, channels: byName}
}

func (h *AlertEvaluateHandler) Handle(ctx context.Context, job queue.Job) (string, error) {
	var p AlertEvaluatePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return "", bierrors.Wrap(bierrors.KindPermanentHandler, err, "decode alert_evaluate payload")
	}
	if p.AlertID == "" || p.Query == "" {
		return "", bierrors.New(bierrors.KindPermanentHandler, "alert_evaluate requires alert_id and query")
	}

	current, err := h.scalarValue(ctx, p.Query, p.ValuePath)
	if err != nil {
		return "", err
	}

	var baseline float64
	if p.BaselineQuery != "" {
		baseline, err = h.scalarValue(ctx, p.BaselineQuery, p.ValuePath)
		if err != nil {
			return "", err
		}
	}

	triggered, detail := evaluateRule(p.Rule, current, baseline, p.ThresholdValue, p.PercentChange)

	channels := p.Channels
	if len(channels) == 0 {
		for name := range h.channels {
			channels = append(channels, name)
		}
	}

	now := time.Now().UTC()
	dispatched := 0
	for _, name := range channels {
		ch, ok := h.channels[name]
		detailForChannel := detail
		var sendErr error
		if ok && triggered {
			sendErr = ch.Send(ctx, p.AlertID, detail)
			if sendErr == nil {
				dispatched++
			} else {
				detailForChannel = fmt.Sprintf("%s (dispatch failed: %v)", detail, sendErr)
			}
		}
		if err := h.store.RecordAlertNotification(ctx, store.AlertNotificationRecord{
			AlertID:   p.AlertID,
			Channel:   name,
			Triggered: triggered,
			SentAt:    now,
			Detail:    detailForChannel,
		}); err != nil {
			return "", err
		}
	}

	return fmt.Sprintf("alert %s triggered=%v dispatched=%d/%d", p.AlertID, triggered, dispatched, len(channels)), nil
}

func (h *AlertEvaluateHandler) scalarValue(ctx context.Context, query, valuePath string) (float64, error) {
	rows, err := h.warehouse.Query(ctx, query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, bierrors.Wrap(bierrors.KindTransientStorage, err, "read alert query columns")
	}
	if !rows.Next() {
		return 0, bierrors.New(bierrors.KindPermanentHandler, "alert query returned no rows")
	}
	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return 0, bierrors.Wrap(bierrors.KindTransientStorage, err, "scan alert query row")
	}

	record := make(map[string]interface{}, len(cols))
	for i, c := range cols {
		record[c] = values[i]
	}

	if valuePath == "" {
		valuePath = "$." + cols[0]
	}
	v, err := jsonpath.Get(valuePath, record)
	if err != nil {
		return 0, bierrors.Wrap(bierrors.KindPermanentHandler, err, "evaluate value_path")
	}
	return toFloat(v)
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	default:
		return 0, bierrors.New(bierrors.KindPermanentHandler, fmt.Sprintf("value_path resolved to non-numeric type %T", v))
	}
}

func evaluateRule(rule AlertRule, current, baseline, thresholdValue, percentChange float64) (bool, string) {
	switch rule {
	case RuleThreshold:
		return current >= thresholdValue, fmt.Sprintf("current=%.4f threshold=%.4f", current, thresholdValue)
	case RulePercentChange:
		if baseline == 0 {
			return current != 0, fmt.Sprintf("current=%.4f baseline=0", current)
		}
		change := (current - baseline) / baseline * 100
		return change >= percentChange, fmt.Sprintf("current=%.4f baseline=%.4f change=%.2f%%", current, baseline, change)
	case RuleAnomaly:
		if baseline == 0 {
			return false, "anomaly rule requires a non-zero baseline"
		}
		deviation := (current - baseline) / baseline
		return deviation > 0.5 || deviation < -0.5, fmt.Sprintf("current=%.4f baseline=%.4f deviation=%.2f", current, baseline, deviation)
	default:
		return false, fmt.Sprintf("unknown rule %q", rule)
	}
}
