package wasm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

const (
	exportMemory   = "memory"
	exportMalloc   = "malloc"
	exportFree     = "free"
	exportEvaluate = "evaluate_promise"
)

// bridge calls the JSON-in, JSON-out functions of one module instance.
type bridge struct {
	memory   api.Memory
	malloc   api.Function
	free     api.Function
	evaluate api.Function
}

func newBridge(mod api.Module) (*bridge, error) {
	b := &bridge{
		memory:   mod.Memory(),
		malloc:   mod.ExportedFunction(exportMalloc),
		free:     mod.ExportedFunction(exportFree),
		evaluate: mod.ExportedFunction(exportEvaluate),
	}
	switch {
	case b.memory == nil:
		return nil, fmt.Errorf("module does not export memory")
	case b.malloc == nil:
		return nil, fmt.Errorf("module does not export %s", exportMalloc)
	case b.free == nil:
		return nil, fmt.Errorf("module does not export %s", exportFree)
	case b.evaluate == nil:
		return nil, fmt.Errorf("module does not export %s", exportEvaluate)
	}
	return b, nil
}

// call passes input to fn and returns its output. fn has the signature
// fn(ptr: u32, len: u32) -> u64, the result packing the output pointer in
// the upper 32 bits and its length in the lower 32.
func (b *bridge) call(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate module memory: %w", err)
		}
		defer b.deallocate(ctx, ptr)

		inputPtr, inputLen = ptr, uint32(len(input))
		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to module memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("module call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("module call returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed)
	if outputLen == 0 {
		return nil, fmt.Errorf("module returned an empty response")
	}

	view, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("module response out of memory range")
	}
	output := append([]byte(nil), view...)
	_ = b.deallocate(ctx, outputPtr)
	return output, nil
}

func (b *bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

func (b *bridge) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}
