// Package expect implements the expectation-matching engine used by every conformance scenario.
//
// A wait polls a non-blocking line source (the DUT console, a peer event log, or a multiplexer
// over both), feeds every new line to the patterns of an expectation set and decides within a time
// budget whether the set is satisfied.
//
// # Combination policies
//
//	expect.All(expect.Literal("Connected"), expect.Literal("Channel 0 connected")) // every pattern must match
//	expect.Any(expect.Literal("Disconnected"), expect.MustRegexp(`reason 0x1[36]`)) // first match wins
//	expect.Not(expect.Literal("to allocate buffer for SDU"))                        // must stay absent
//
// ALL and ANY waits return as soon as the policy holds; the transcript ends at the satisfying line
// and the unread tail of that batch is reported in Outcome.Unread. A negated wait always drains
// for the whole budget because absence is only proven once the budget is spent.
//
// # Outcomes vs errors
//
// A wait that runs out of time is not an error: it returns an Outcome with Found=false and
// Reason=ReasonTimedOut. A failing line source is an error wrapping ErrTransport, so a dead
// console is never confused with a protocol-level negative result.
package expect
