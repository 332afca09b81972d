// Package metrics provides a Prometheus implementation of
// messaging.MetricsCollector.
//
//	collector := metrics.NewCollector()
//	if err := collector.Register(); err != nil {
//		return err
//	}
//	client, err := burrow.NewClient(endpoint, burrow.WithMetrics(collector))
package metrics
