// Content moderation decision engine.
//
// This package (`github.com/veritas-labs/veritas/automod`) decides, for each piece of ingested content, whether it is allowed, blocked, or queued for human review. Content is fingerprinted, then checked against ordered admin-managed pattern rules, then against a cache of previously-blocked fingerprints, and only then sent to an external language-model classifier. Classifier failures and uncertain verdicts always fall back to human review, never to "allow". Every decision is persisted as an append-only moderation record, and every externally-facing operation is written to an audit trail.
//
// The implementation lives in sub-packages (`automod/engine` being the entry point); this package re-exports the most commonly used types. See `cmd/moderator` for a daemon built on this package.
package automod
