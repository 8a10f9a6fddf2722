// Package collector maps widget types to the external capabilities that produce
// widget data. The Registry is populated at startup and then used as a lookup
// table; its Fetch enforces per-type timeouts and circuit breakers and folds
// every kind of failure into an error result.
package collector
