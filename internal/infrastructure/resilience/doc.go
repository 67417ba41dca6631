/*
Package resilience provides the circuit breaker used by the network channel.

# Overview

Each upstream host gets its own breaker through a Group, so one failing host
does not block requests to the others. The caller decides which errors count
as failures: cancellations and client errors should not trip a breaker.

# Usage

	group := resilience.NewGroup(resilience.Settings{
		Timeout: 30 * time.Second,
		IsFailure: func(err error) bool {
			return err != nil && !httperr.IsCancelled(err)
		},
	})

	err := group.Get(host).Do(func() error {
		return send(req)
	})

# States

- Closed: Normal operation, requests pass through
- Open: Host unavailable, requests fail immediately with ErrCircuitOpen
- Half-Open: Testing if the host recovered, MaxRequests probes allowed

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                    [failure]
	                                           |
	                                           v
	                                         Open
*/
package resilience
