// Package resilience provides the circuit breaker that guards outbound
// network traffic issued on behalf of userscripts.
//
// States: closed (requests flow), open (requests fail fast with
// ErrCircuitOpen), half-open (a limited number of probes decide whether to
// close again).
//
//	breaker := resilience.New(resilience.Settings{
//		ReadyToTrip: func(c resilience.Counts) bool { return c.ConsecutiveFailures >= 10 },
//		IsSuccessful: func(err error) bool { return err == nil || errors.Is(err, context.Canceled) },
//	})
//	err := breaker.Execute(func() error { return fetch(ctx) })
package resilience
