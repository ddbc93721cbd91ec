// Package config loads the agent configuration.
//
// Configuration is written in CUE and unified with a built-in schema that
// supplies defaults and value constraints. The decoded struct is then
// checked with validator tags for constraints CUE does not express.
//
//	workdir: "/var/lib/converge"
//	inputs: ["/etc/converge/inputs"]
//	max_passes: 3
//	promise_modules: [{name: "git", path: "/usr/libexec/converge/git"}]
//	telemetry: log_level: "debug"
//
// Relative paths are resolved against the directory of the file.
package config
