// Package middleware implements the ordered interceptor chains applied to
// outbound emits and inbound events.
//
// Each Entry may contribute an emit interceptor, an on interceptor or both.
// Entries run in insertion order. An interceptor receives the event, the
// payload and a next function; it may transform the payload, call next
// zero or one time, or short-circuit by not calling next at all.
package middleware
