// Package miner runs the mining control loop on top of a dispatch pipeline and
// a completion watcher. It is structured into small files by concern:
//
//   - miner.go: core Miner type, the Pipeline and Watcher it drives, states.
//   - config.go: MinerConfig and package defaults; NewWithConfig applies defaults.
//   - loop.go: Run, feeding idle instances, harvesting completions, the
//     per-device error budget.
//   - sink.go: Share and the ShareSink results are submitted to.
//   - events.go, eventpub_memory.go: lifecycle events and an in-memory publisher.
//   - status_report.go: Status/Devices reporting for the HTTP API.
//
// Run owns the pipeline: no other goroutine may call Pipeline methods while it
// executes. Status, Devices and Ready are safe to call at any time.
package miner
