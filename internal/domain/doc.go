// Package domain defines the core types and contracts of the widget hub.
//
// Concept-oriented files (widget.go, collector.go, interest.go, connection.go, errors.go)
// hold shared value types and consumer-side interfaces. No implementation code - just contracts.
package domain
