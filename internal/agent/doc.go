// Package agent knows the agents that bid on auctions and how to reach them.
// The Registry maps a winning bidder (agent id or wallet address) to its
// profile; HTTPExecutor and AMQPExecutor deliver the subtask to the winner and
// classify failures as retryable (timeout, unavailable) or final (rejected).
package agent
