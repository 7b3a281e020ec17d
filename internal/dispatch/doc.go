// Package dispatch delivers a single event to a single plugin.
//
// Apply is the unit of fault isolation for a dispatch pass. A handler that
// returns an error or panics is logged and reported to the failure hook, and
// the event's payload and stop flag are put back to what they were before the
// handler ran. The pass that called Apply carries on with the next plugin.
//
// Turn mutations made by a failing handler are not rolled back.
package dispatch
