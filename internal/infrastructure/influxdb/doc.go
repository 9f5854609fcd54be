// Package influxdb records packflow engine metrics in InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library. Four measurements
// are written:
//   - model_calls: one point per provider call (tokens, cost, latency)
//   - executions: one point per terminal execution
//   - chains: one point per chain that completed, failed or was cancelled
//   - events: one point per ingested event
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteExecution("pack-1", "completed", 3, 4*time.Second)
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval. Batch failures are delivered to the SetOnError callback.
package influxdb
