// Package module runs custom promise types in external processes.
//
// A module is an executable declared in the agent configuration:
//
//	promise_modules: [{
//	    name: "git"
//	    path: "/var/lib/converge/modules/git-module"
//	}]
//
// Promises of type module:git are sent to it. The agent and the module
// exchange one JSON message per line on the module's stdin and stdout:
//
//	module -> agent  {"type":"READY","data":{"name":"git","protocol_version":1}}
//	agent  -> module {"type":"CMD","data":{"id":"...","operation":"validate",...}}
//	module -> agent  {"type":"DONE","data":{"command_id":"...","outcome":"kept"}}
//	agent  -> module {"type":"CMD","data":{"id":"...","operation":"evaluate",...}}
//	module -> agent  {"type":"EVENT","data":{"command_id":"...","level":"info","message":"cloned"}}
//	module -> agent  {"type":"DONE","data":{"command_id":"...","outcome":"repaired"}}
//
// A validate command answered with ERROR makes the promise NOT KEPT; an
// evaluate command answered with ERROR makes it FAILED. The module exits
// when its stdin is closed at the end of the run, optionally sending EXIT
// first. Modules written in Go can use Serve.
package module
