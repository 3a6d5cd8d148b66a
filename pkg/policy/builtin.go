package policy

// DefaultMaxCases is the case limit used when none is configured.
const DefaultMaxCases = 1000

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		caseLimitPolicy(),
		timeWindowPolicy(),
		logLevelPolicy(),
	}
}

// caseLimitPolicy bounds the number of cases one experiment may run.
func caseLimitPolicy() Policy {
	return Policy{
		Name:        "case-limit",
		Description: "Rejects experiments defining more cases than data.impactsim.limits.max_cases",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"limits"},
		Rego: `package impactsim.policies.case_limit

import rego.v1

deny contains violation if {
	n := count(input.experiment.extensions)
	limit := data.impactsim.limits.max_cases
	n > limit
	violation := {
		"message": sprintf("experiment defines %d cases, the limit is %d", [n, limit]),
		"path": "extensions",
	}
}
`,
	}
}

// timeWindowPolicy rejects analyses that end before they start.
func timeWindowPolicy() Policy {
	return Policy{
		Name:        "time-window",
		Description: "Rejects analyses whose final_time is not after start_time",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"analysis"},
		Rego: `package impactsim.policies.time_window

import rego.v1

base := input.experiment.base.analysis.parameters

deny contains violation if {
	base.final_time <= base.start_time
	violation := {
		"message": sprintf("final_time %v must be after start_time %v", [base.final_time, base.start_time]),
		"path": "base.analysis.parameters",
	}
}

deny contains violation if {
	some i, ext in input.experiment.extensions
	params := object.union(base, ext.analysis.parameters)
	params.final_time <= params.start_time
	violation := {
		"message": sprintf("final_time %v must be after start_time %v", [params.final_time, params.start_time]),
		"path": sprintf("extensions[%d].analysis.parameters", [i]),
	}
}
`,
	}
}

// logLevelPolicy warns about log levels that produce very large case logs.
func logLevelPolicy() Policy {
	return Policy{
		Name:        "log-level",
		Description: "Warns when cases simulate with DEBUG or VERBOSE logging",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"analysis", "logging"},
		Rego: `package impactsim.policies.log_level

import rego.v1

verbose := {"DEBUG", "VERBOSE"}

warn contains violation if {
	level := input.experiment.base.analysis.simulationLogLevel
	level in verbose
	violation := {
		"message": sprintf("simulation log level %s produces large case logs", [level]),
		"path": "base.analysis.simulationLogLevel",
	}
}

warn contains violation if {
	some i, ext in input.experiment.extensions
	level := ext.analysis.simulationLogLevel
	level in verbose
	violation := {
		"message": sprintf("simulation log level %s produces large case logs", [level]),
		"path": sprintf("extensions[%d].analysis.simulationLogLevel", [i]),
	}
}
`,
	}
}
