// Package config loads everything a client process is configured with.
//
// # Client configuration
//
// ClientConfig is read from YAML and overridden by IMPACT_* environment
// variables. Credentials may reference the environment with ${VAR}; the
// JupyterHub token falls back to JUPYTERHUB_API_TOKEN:
//
//	server:
//	  address: https://impact.example.com
//	  api_key: ${IMPACT_API_KEY}
//	workspace:
//	  id: pid-tuning
//	execution:
//	  poll_interval: 500ms
//	  wait_timeout: 10m
//	journal:
//	  path: ~/.impactsim/journal.db
//	policy:
//	  enabled: true
//	  paths: [./policies]
//	  watch: true
//	  max_cases: 500
//
// # Experiment definitions
//
// SpecLoader reads experiment definitions written in CUE. All sources are
// unified and checked against the built-in #Experiment schema before being
// decoded into an experiment.Definition:
//
//	experiment: {
//	    model: modelica: className: "Modelica.Blocks.Examples.PID_Controller"
//	    analysis: {
//	        type: "dynamic"
//	        parameters: {start_time: 0, final_time: 4}
//	    }
//	    modifiers: {"PI.k": 100}
//	}
//
// Validation problems are reported as ValidationError values carrying the
// file, line and CUE path of each failure.
//
// # Sweep scripts
//
// A definition may carry a sweep: a Starlark script, inline or in a file
// next to the definition, that defines a global list named extensions.
// ExtensionGenerator turns that list into case extensions, appended after
// any extensions written literally:
//
//	extensions = [
//	    {"modifiers": {"PI.k": k}}
//	    for k in linspace(10, 100, 10)
//	]
//
// Scripts run without filesystem or network access, under a timeout and an
// execution step limit. print output is discarded.
package config
