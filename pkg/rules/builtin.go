package rules

// BuiltinRules returns the rules shipped with the agent.
func BuiltinRules() []Rule {
	return []Rule{
		bundleNamingRule(),
		filesAbsolutePathRule(),
		commandsAbsolutePathRule(),
		worldWritableRule(),
		emptyBundleRule(),
	}
}

// bundleNamingRule requires bundle names usable as class name prefixes.
func bundleNamingRule() Rule {
	return Rule{
		Name:        "bundle-naming",
		Description: "Bundle names contain only letters, digits and underscores and do not start with a digit",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package converge.guardrails.naming

import rego.v1

deny contains violation if {
	some bundle in input.bundles
	not regex.match("^[A-Za-z_][A-Za-z0-9_]*$", bundle.name)
	violation := {
		"message": sprintf("bundle name '%s' must contain only letters, digits and underscores", [bundle.name]),
		"location": bundle.location,
	}
}`,
	}
}

// filesAbsolutePathRule rejects files promises on relative paths.
func filesAbsolutePathRule() Rule {
	return Rule{
		Name:        "files-absolute-path",
		Description: "files promisers are absolute paths",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package converge.guardrails.files

import rego.v1

variable(s) if startswith(s, "$(")

variable(s) if startswith(s, "${")

deny contains violation if {
	some bundle in input.bundles
	some promise in bundle.promises
	promise.type == "files"
	not startswith(promise.promiser, "/")
	not variable(promise.promiser)
	violation := {
		"message": sprintf("files promiser '%s' in bundle %s is not an absolute path", [promise.promiser, bundle.name]),
		"location": promise.location,
	}
}`,
	}
}

// commandsAbsolutePathRule warns about commands that depend on PATH.
func commandsAbsolutePathRule() Rule {
	return Rule{
		Name:        "commands-absolute-path",
		Description: "commands promisers start with an absolute path to the executable",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package converge.guardrails.commands

import rego.v1

variable(s) if startswith(s, "$(")

variable(s) if startswith(s, "${")

deny contains violation if {
	some bundle in input.bundles
	some promise in bundle.promises
	promise.type == "commands"
	not startswith(promise.promiser, "/")
	not variable(promise.promiser)
	violation := {
		"message": sprintf("command '%s' in bundle %s is not an absolute path and depends on PATH", [promise.promiser, bundle.name]),
		"location": promise.location,
	}
}`,
	}
}

// worldWritableRule flags modes that let any user write.
func worldWritableRule() Rule {
	return Rule{
		Name:        "world-writable",
		Description: "files and perms bodies do not grant write permission to others",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package converge.guardrails.perms

import rego.v1

writable(mode) if regex.match("^[0-7]*[2367]$", mode)

deny contains violation if {
	some bundle in input.bundles
	some promise in bundle.promises
	promise.type == "files"
	writable(promise.attributes.mode)
	violation := {
		"message": sprintf("file '%s' is made world-writable with mode %s", [promise.promiser, promise.attributes.mode]),
		"location": promise.location,
	}
}

deny contains violation if {
	some body in input.bodies
	body.type == "perms"
	writable(body.attributes.mode)
	violation := {
		"message": sprintf("perms body %s grants world write with mode %s", [body.name, body.attributes.mode]),
		"location": body.location,
	}
}`,
	}
}

// emptyBundleRule reports bundles without promises.
func emptyBundleRule() Rule {
	return Rule{
		Name:        "empty-bundle",
		Description: "bundles contain at least one promise",
		Severity:    SeverityInfo,
		Enabled:     true,
		Rego: `package converge.guardrails.empty

import rego.v1

deny contains violation if {
	some bundle in input.bundles
	count(bundle.promises) == 0
	violation := {
		"message": sprintf("bundle %s has no promises", [bundle.name]),
		"location": bundle.location,
	}
}`,
	}
}
