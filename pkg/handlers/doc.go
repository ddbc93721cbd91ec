// Package handlers implements the built-in promise types: reports, files,
// commands, packages and services.
//
// Handlers that change the system through external programs take a Runner,
// so that tests can replace the host:
//
//	reg := engine.NewRegistry()
//	if err := handlers.RegisterBuiltin(reg, logger, nil, nil); err != nil {
//	    return err
//	}
//
// Each handler compares the system with the promise first. A compliant
// promise is UNCHANGED; otherwise the handler repairs it (REPAIRED), or
// reports DENIED when the instance is a dry run.
//
// External promise types live in the module and wasm subpackages.
package handlers
