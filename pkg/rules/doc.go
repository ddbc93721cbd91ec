// Package rules checks loaded policies against guardrails written in Rego.
//
// Every rule is a Rego module with a deny set. The input is the whole policy
// tree built by NewInput, and each deny entry is either a message or an
// object with message, severity and location keys:
//
//	package site.guardrails.sudoers
//
//	import rego.v1
//
//	deny contains violation if {
//		some bundle in input.bundles
//		some promise in bundle.promises
//		promise.type == "files"
//		startswith(promise.promiser, "/etc/sudoers")
//		violation := {
//			"message": "sudoers is managed by the security team",
//			"severity": "error",
//			"location": promise.location,
//		}
//	}
//
// Builtin rules are enabled with guardrails.builtin in the agent
// configuration; more rules are loaded from guardrails.paths.
package rules
