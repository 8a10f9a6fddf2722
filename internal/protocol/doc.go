// Package protocol implements the hub's wire format: a tagged JSON envelope
// (`{"type": ..., "data": ...}`) for server frames and flat tagged objects for
// client frames. It is stateless and safe for concurrent use.
package protocol
