// Package fault defines the typed error taxonomy shared by every burrow
// component.
//
// Errors carry a Kind that decides how the worker reacts (terminate, retry,
// fail the job, log and continue) and a stable Key of the form
// "component/OPERATION" that is safe to match on and to report upstream.
// Callers inspect errors with KindOf, Is and HasKey instead of type switches,
// and render them with Message, which also normalizes transport errors.
package fault
