// Package notifier delivers alert digests and reports to recipients.
//
// A message is fanned out to every recipient concurrently (bounded), each
// recipient routed to a channel by the shape of its address:
//
//	soc@example.com, mailto:soc@example.com  -> email (SMTP)
//	https://hooks.example.com/x               -> webhook (JSON, optional HMAC)
//	tg:-100123456, tg:-100123456/42           -> telegram (chat[/thread])
//
// Every send is rate limited and retried with jittered exponential backoff.
// Permanent failures (bad address, 4xx) are not retried. Results are reported
// per recipient so callers can distinguish partial from total failure.
//
// # History
//
// For operator visibility, the service keeps a small in-memory history of
// recent deliveries.
package notifier
