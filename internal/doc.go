// Package vuecollect implements an energy usage collector for Emporia Vue
// monitors.
//
// # Architecture
//
// The collector is structured into several key packages:
//   - api: Emporia metering API client
//   - collector: Device catalog per account and the device tree walker
//   - resolver: Fetch window selection from the last stored timestamp
//   - datapoint: Measurement point creation and InfluxDB encodings
//   - database: InfluxDB 1.x, InfluxDB 2.x and TimescaleDB sinks
//   - scheduler: The single collection loop
//   - grpc: gRPC health service reporting the scheduler state
//   - metrics, publish: Prometheus metrics and the MQTT mirror
//
// Key Features
//
//   - Catch-up:
//     Minute data missing after an outage is backfilled from the last
//     stored point, up to seven days back.
//
//   - Detail data:
//     Second and hour usage on the detail interval, daily totals at local
//     midnight.
//
//   - History:
//     Up to two years of hour and day usage can be loaded at startup in
//     20 day batches.
//
// Example Usage
//
//	vuecollect -v --historydays 30 vuegraf.json
//
// For more information about specific packages, see their respective
// documentation.
package vuecollect
