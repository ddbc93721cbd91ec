// Package engine evaluates policy bundles and converges promises.
//
// # Overview
//
// A run goes through these phases, driven by Agent:
//
//  1. Workdir - check the work directory and take the state lock
//  2. Facts - discover hard classes and sys variables
//  3. Persistent classes - restore soft classes kept by earlier runs
//  4. Augments - install def.json variables, classes and inputs
//  5. Policy - load, validate and check guardrails
//  6. Evaluate - run the bundle sequence (Evaluator)
//  7. Record - store the run summary and emit metrics
//
// # Evaluation Model
//
// Each bundle is evaluated in up to MaxPasses passes. Within a pass the
// promises are visited by type in the configured type order and in
// declaration order within a type. Every promise is expanded into
// instances, one per combination of the list variables it references, and
// each instance is handed to the handler registered for its type.
//
// Vars and classes promises are evaluated by the engine itself in every
// pass, so later passes see the values earlier promises produced. Action
// promises are evaluated once per run: an instance already evaluated
// returns its recorded outcome. An instance whose references are not
// resolved yet is retried in the next pass and reported not kept after the
// last one.
//
// # Handlers
//
// Promise types are implemented by the Handler interface:
//
//	type Handler interface {
//	    Type() string
//	    Evaluate(ctx context.Context, inst *Instance) (Outcome, error)
//	}
//
// Handlers are registered in a Registry. The methods type is built in.
//
// # Outcomes
//
// A handler reports one of:
//
//   - Unchanged: the promise was already kept
//   - Repaired: the handler changed the system to keep it
//   - Failed: the repair was attempted and did not work
//   - NotKept: the promise could not be evaluated
//   - Denied: the repair was needed but not allowed (dry run)
//
// Outcomes define the <promiser>_<outcome> classes and the global
// promise_kept, promise_repaired and promise_failed classes, and drive the
// classes body of the promise.
//
// # Error Classification
//
// Errors carry an ErrorClass:
//
//   - Policy: malformed or unknown policy constructs
//   - Expansion: references that cannot be resolved
//   - Handler: failures reported by a promise handler
//   - Fatal: problems that end the run
//
// Only fatal errors stop a run. Use the helper functions to inspect them:
//
//	if engine.IsFatal(err) {
//	    os.Exit(2)
//	}
package engine
