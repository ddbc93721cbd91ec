// Package wasm runs custom promise types compiled to WebAssembly.
//
// A module is loaded once and instantiated again for every promise. It must
// export memory, malloc(size) -> ptr, free(ptr) and
//
//	evaluate_promise(ptr, len) -> u64
//
// which receives a JSON Request and returns a JSON Response, the result
// packing the response pointer in the upper 32 bits and its length in the
// lower 32. Modules may import env.log(ptr, len) to write to the agent log.
// WASI preview 1 is available; a module built as a reactor has its
// _initialize export run before each call.
package wasm
