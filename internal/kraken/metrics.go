package kraken

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type connectorMetrics struct {
	connector string

	requests       metric.Int64Counter
	retries        metric.Int64Counter
	eventsEmitted  metric.Int64Counter
	venueErrors    metric.Int64Counter
	wsReconnects   metric.Int64Counter
	balanceUpdates metric.Int64Counter
}

func newConnectorMetrics(name string) *connectorMetrics {
	meter := otel.Meter("connector.kraken")
	name = strings.TrimSpace(name)
	if name == "" {
		name = krakenMetadata.identifier
	}

	cm := &connectorMetrics{connector: name}

	cm.requests, _ = meter.Int64Counter("krakenlink_rest_requests",
		metric.WithDescription("REST calls issued against the venue"),
		metric.WithUnit("{request}"))

	cm.retries, _ = meter.Int64Counter("krakenlink_rest_retries",
		metric.WithDescription("REST attempts that failed and entered the retry policy"),
		metric.WithUnit("{retry}"))

	cm.eventsEmitted, _ = meter.Int64Counter("krakenlink_events_emitted",
		metric.WithDescription("Canonical events published by the connector"),
		metric.WithUnit("{event}"))

	cm.venueErrors, _ = meter.Int64Counter("krakenlink_venue_errors",
		metric.WithDescription("Errors surfaced by the connector"),
		metric.WithUnit("{error}"))

	cm.wsReconnects, _ = meter.Int64Counter("krakenlink_ws_reconnects",
		metric.WithDescription("Websocket reconnect attempts on the user stream"),
		metric.WithUnit("{reconnect}"))

	cm.balanceUpdates, _ = meter.Int64Counter("krakenlink_balance_updates",
		metric.WithDescription("Per-asset balance snapshot recomputations"),
		metric.WithUnit("{update}"))

	return cm
}

func (cm *connectorMetrics) baseAttrs() []attribute.KeyValue {
	if cm == nil {
		return nil
	}
	return []attribute.KeyValue{attribute.String("connector", cm.connector)}
}

func (cm *connectorMetrics) recordRequest(ctx context.Context, path string) {
	if cm == nil || cm.requests == nil {
		return
	}
	attrs := append(cm.baseAttrs(), attribute.String("path", path))
	cm.requests.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (cm *connectorMetrics) recordRetry(ctx context.Context, path string) {
	if cm == nil || cm.retries == nil {
		return
	}
	attrs := append(cm.baseAttrs(), attribute.String("path", path))
	cm.retries.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (cm *connectorMetrics) recordEvent(ctx context.Context, eventType string) {
	if cm == nil || cm.eventsEmitted == nil {
		return
	}
	attrs := append(cm.baseAttrs(), attribute.String("event_type", eventType))
	cm.eventsEmitted.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (cm *connectorMetrics) recordVenueError(ctx context.Context, code string) {
	if cm == nil || cm.venueErrors == nil {
		return
	}
	attrs := append(cm.baseAttrs(), attribute.String("code", code))
	cm.venueErrors.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (cm *connectorMetrics) recordReconnect(ctx context.Context, result string) {
	if cm == nil || cm.wsReconnects == nil {
		return
	}
	attrs := cm.baseAttrs()
	if result != "" {
		attrs = append(attrs, attribute.String("result", result))
	}
	cm.wsReconnects.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (cm *connectorMetrics) recordBalanceUpdate(ctx context.Context, asset string) {
	if cm == nil || cm.balanceUpdates == nil {
		return
	}
	attrs := append(cm.baseAttrs(), attribute.String("asset", asset))
	cm.balanceUpdates.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
