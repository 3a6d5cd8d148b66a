// Package policy gates experiment submissions with Rego policies evaluated
// by Open Policy Agent.
//
// Every policy is a Rego module. Its deny set rejects a submission and its
// warn set is logged only. Results are either strings or objects with
// message, severity and path fields:
//
//	package custom.fmu_only
//
//	import rego.v1
//
//	deny contains violation if {
//		input.experiment.base.model.modelica
//		violation := {
//			"message": "only precompiled units may be submitted",
//			"path": "base.model",
//		}
//	}
//
// The input document is
//
//	{
//	    "experiment": <wire document>,
//	    "context": {"workspace": "...", "operation": "submit", "timestamp": "..."}
//	}
//
// and data.impactsim.limits.max_cases holds the configured case limit.
//
// # Built-in policies
//
//   - case-limit: rejects experiments with more cases than max_cases
//   - time-window: rejects analyses whose final_time is not after start_time
//   - log-level: warns about DEBUG and VERBOSE simulation logging
//
// # Loading and reloading
//
// Additional policies are read from .rego files, named after the file, or
// from .json files holding a serialized Policy. Engine.Watch reloads them
// when a file under the watched paths changes; built-in policies are never
// replaced.
package policy
