package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const (
	measurementModelCalls = "model_calls"
	measurementExecutions = "executions"
	measurementChains     = "chains"
	measurementEvents     = "events"
)

// WriteModelCall records one model provider call. Provider, model, pack and
// outcome are tags; token counts, cost and latency are fields.
//
//	client.WriteModelCall("anthropic", "claude-sonnet-4-5-20250514", "pack-1", 812, 240, 0.006, 1200*time.Millisecond, true)
func (c *Client) WriteModelCall(provider, model, packID string, inputTokens, outputTokens int, costUSD float64, latency time.Duration, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	c.write(measurementModelCalls,
		map[string]string{"provider": provider, "model": model, "pack_id": packID, "outcome": outcome},
		map[string]any{
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
			"cost_usd":      costUSD,
			"latency_ms":    latency.Milliseconds(),
		})
}

// WriteExecution records an execution reaching a terminal status.
func (c *Client) WriteExecution(packID, status string, stepsCompleted int, duration time.Duration) {
	c.write(measurementExecutions,
		map[string]string{"pack_id": packID, "status": status},
		map[string]any{"steps_completed": stepsCompleted, "duration_ms": duration.Milliseconds()})
}

// WriteChain records a chain execution that completed, failed or was
// cancelled. Delayed steps count towards duration.
func (c *Client) WriteChain(chainID, status string, stepsCompleted int, duration time.Duration) {
	c.write(measurementChains,
		map[string]string{"chain_id": chainID, "status": status},
		map[string]any{"steps_completed": stepsCompleted, "duration_ms": duration.Milliseconds()})
}

// WriteEvent records an ingested event and how many executions it spawned.
func (c *Client) WriteEvent(eventName, source string, triggered int) {
	c.write(measurementEvents,
		map[string]string{"event_name": eventName, "source": source},
		map[string]any{"triggered": triggered})
}

// write queues a point stamped now. Points written after Close are dropped.
func (c *Client) write(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}
