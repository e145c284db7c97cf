/*
Package reporter runs the agent's standing report loops.

A Reporter owns one goroutine that repeatedly resolves its target, fetches
a payload and hands it to a Sender. An empty target skips the cycle
without fetching. A failed cycle is retried after ErrorRetry; a successful
one waits Interval, which the target may change: HTTPSender treats a 2xx
body holding a positive integer as the next interval in milliseconds.

	r := reporter.Start(reporter.Config{
		Name:     "node",
		Interval: 30 * time.Second,
		URI:      func(ctx context.Context) string { return target },
		Fetch:    table.ToJSON,
		Sender:   reporter.NewHTTPSender(10 * time.Second),
	})
	defer r.Stop()

UDPSender writes binary metric packets to udp://host:port targets over a
lazily dialed connected socket.
*/
package reporter
