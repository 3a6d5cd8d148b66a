// Package engine holds the types shared by every layer of the simulation
// client: the classified error taxonomy, the execution state machine and
// the per-poll progress report.
//
// # Errors
//
// Every failure surfaced by the client is an *EngineError carrying a class
// (configuration, remote, transport, timeout, conflict or policy)
// and a stable code. Errors decoded from a service response also carry the
// service error code and HTTP status:
//
//	var ee *engine.EngineError
//	if errors.As(err, &ee) && ee.Class == engine.ErrorClassTimeout {
//	    // the execution may still be running remotely
//	}
//
// # Execution states
//
// An execution moves from not_started to running and ends in done,
// cancelled or failed. Terminal states are final; a status payload with an
// unknown state fails to decode.
//
// # Progress
//
// ProgressReport is computed from a single ExecutionStatus and keeps no
// state between polls. A case in the simulation stage counts as compiled.
package engine
