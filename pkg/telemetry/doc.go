// Package telemetry sets up the observability stack of the agent:
// zerolog logging, OpenTelemetry tracing and Prometheus metrics.
//
// The engine starts spans for runs, bundles and promise instances on the
// global OpenTelemetry provider, which NewTracer installs. Metrics
// implements engine.Recorder; after a run the collected metrics can be
// served over HTTP or written for the node_exporter textfile collector:
//
//	metrics := telemetry.NewMetrics(cfg.Metrics)
//	agent := engine.NewAgent(logger, agentCfg, engine.AgentOptions{Recorder: metrics, ...})
//	summary, err := agent.Run(ctx)
//	...
//	err = metrics.WriteTextfile("/var/lib/node_exporter/converge.prom")
package telemetry
