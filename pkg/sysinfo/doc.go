// Package sysinfo reads the host attributes the worker reports to the
// coordination server: a static identity block sent at registration and
// hashed into the session signature, and a dynamic telemetry snapshot
// attached to every status event. It also decides whether the worker runs
// inside a container, which selects the job mount strategy.
package sysinfo
