// Package core holds the calendar link domain: per-user provider links and
// their state machine, the credential store contract, token refresh, and the
// unified event aggregator. Provider, storage, and transport adapters depend
// on this package; core never imports them.
package core
