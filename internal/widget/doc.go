// Package widget caches widget definitions in front of the database so that
// subscribe handling and the periodic refresher do not query PostgreSQL for
// every lookup.
package widget
