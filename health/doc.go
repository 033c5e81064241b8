// Package health reports the state of the service and its dependencies.
//
// Three states are supported:
//   - healthy: operating normally
//   - degraded: operating with reduced capacity, for example a full queue
//   - unhealthy: not functioning
//
// A Monitor runs a list of Checks, remembers the last status of each and
// aggregates them: any unhealthy check makes the system unhealthy, else any
// degraded check makes it degraded.
//
//	monitor := health.NewMonitor()
//	status := monitor.Run(ctx, "triage", []health.Check{
//		{Name: "nats", Probe: func(context.Context) health.Status {
//			return health.FromError("nats", client.Ping())
//		}},
//	})
//
// Error text placed in a status by FromError is sanitized: URLs, paths, IP
// addresses, ports and credential-looking pairs are replaced by
// placeholders before the status is serialized.
package health
