// Package retry holds the one retry policy object used for every network
// call the worker makes.
//
// Call sites never hand-roll loops: they pick Default (exponential backoff
// with jitter, bounded attempts) or Fixed (constant delay, used for startup
// bootstrap) and wrap the operation with Do or Value. Operations that detect
// a condition retrying cannot fix, such as an expired dataset URL, return
// Permanent(err) to stop immediately.
package retry
