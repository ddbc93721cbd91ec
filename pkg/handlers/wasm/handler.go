package wasm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/handlers"
)

// TypePrefix prefixes the promise types served by WebAssembly modules.
const TypePrefix = "wasm:"

const (
	defaultTimeout          = 30 * time.Second
	defaultMemoryLimitPages = 256 // 16MB
)

// Request is the JSON document passed to evaluate_promise.
type Request struct {
	Type       string         `json:"promise_type"`
	Bundle     string         `json:"bundle"`
	Promiser   string         `json:"promiser"`
	Attributes map[string]any `json:"attributes"`
	DryRun     bool           `json:"dry_run"`
}

// Response is the JSON document returned by evaluate_promise.
type Response struct {
	Outcome  string   `json:"outcome"`
	Error    string   `json:"error,omitempty"`
	Messages []string `json:"messages,omitempty"`
}

// Handler keeps promises of type wasm:<name> by calling a WebAssembly
// module. The module is compiled once and instantiated for every promise,
// so no state survives between promises.
type Handler struct {
	logger   zerolog.Logger
	name     string
	timeout  time.Duration
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// New loads the module file declared by cfg, checking its digest when one
// is configured.
func New(ctx context.Context, logger zerolog.Logger, cfg config.WasmModuleConfig) (*Handler, error) {
	code, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read wasm module %s: %w", cfg.Name, err)
	}
	if cfg.SHA256 != "" {
		sum := sha256.Sum256(code)
		if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, cfg.SHA256) {
			return nil, fmt.Errorf("wasm module %s checksum mismatch: got %s, want %s", cfg.Name, got, cfg.SHA256)
		}
	}
	return NewFromBytes(ctx, logger, cfg, code)
}

// NewFromBytes compiles code as the module declared by cfg. cfg.Path is
// not read.
func NewFromBytes(ctx context.Context, logger zerolog.Logger, cfg config.WasmModuleConfig, code []byte) (*Handler, error) {
	pages := cfg.MemoryLimitPages
	if pages == 0 {
		pages = defaultMemoryLimitPages
	}
	timeout := cfg.Duration()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	h := &Handler{
		logger:  logger.With().Str("handler", TypePrefix+cfg.Name).Logger(),
		name:    cfg.Name,
		timeout: timeout,
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)
	h.runtime = wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, h.runtime); err != nil {
		h.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	if err := h.registerHostFunctions(ctx); err != nil {
		h.runtime.Close(ctx)
		return nil, err
	}

	compiled, err := h.runtime.CompileModule(ctx, code)
	if err != nil {
		h.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile wasm module %s: %w", cfg.Name, err)
	}
	exports := compiled.ExportedFunctions()
	for _, name := range []string{exportMalloc, exportFree, exportEvaluate} {
		if _, ok := exports[name]; !ok {
			h.runtime.Close(ctx)
			return nil, fmt.Errorf("wasm module %s does not export %s", cfg.Name, name)
		}
	}
	h.compiled = compiled
	return h, nil
}

// registerHostFunctions exports env.log(ptr, len) so modules can write to
// the agent log.
func (h *Handler) registerHostFunctions(ctx context.Context) error {
	_, err := h.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, ptr, length uint32) {
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				h.logger.Warn().Msg("Module logged out of memory range")
				return
			}
			h.logger.Info().Msg(string(msg))
		}).
		Export("log").
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("failed to instantiate host module: %w", err)
	}
	return nil
}

// Type implements engine.Handler.
func (h *Handler) Type() string { return TypePrefix + h.name }

// Evaluate implements engine.Handler.
func (h *Handler) Evaluate(ctx context.Context, inst *engine.Instance) (engine.Outcome, error) {
	input, err := json.Marshal(Request{
		Type:       inst.Type,
		Bundle:     inst.Bundle,
		Promiser:   inst.Promiser,
		Attributes: handlers.AttributesJSON(inst),
		DryRun:     inst.DryRun,
	})
	if err != nil {
		return engine.OutcomeFailed, fmt.Errorf("failed to encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	mod, err := h.runtime.InstantiateModule(ctx, h.compiled, wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize"))
	if err != nil {
		return engine.OutcomeFailed, fmt.Errorf("failed to instantiate wasm module %s: %w", h.name, err)
	}
	defer mod.Close(context.Background())

	b, err := newBridge(mod)
	if err != nil {
		return engine.OutcomeFailed, err
	}

	start := time.Now()
	output, err := b.call(ctx, b.evaluate, input)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return engine.OutcomeFailed, fmt.Errorf("wasm module %s timed out after %s: %w", h.name, h.timeout, ctxErr)
		}
		return engine.OutcomeFailed, err
	}

	var resp Response
	if err := json.Unmarshal(output, &resp); err != nil {
		return engine.OutcomeFailed, fmt.Errorf("invalid response from wasm module %s: %w", h.name, err)
	}
	for _, m := range resp.Messages {
		h.logger.Info().Str("promiser", inst.Promiser).Msg(m)
	}
	h.logger.Debug().
		Str("promiser", inst.Promiser).
		Str("outcome", resp.Outcome).
		Dur("duration", time.Since(start)).
		Msg("Module evaluated promise")

	if resp.Error != "" {
		o := engine.OutcomeFailed
		if resp.Outcome != "" {
			if parsed, err := engine.ParseOutcome(resp.Outcome); err == nil {
				o = parsed
			}
		}
		return o, fmt.Errorf("wasm module %s: %s", h.name, resp.Error)
	}
	o, err := engine.ParseOutcome(resp.Outcome)
	if err != nil {
		return engine.OutcomeFailed, fmt.Errorf("wasm module %s returned %w", h.name, err)
	}
	return o, nil
}

// Close releases the runtime and the compiled module.
func (h *Handler) Close() error {
	if err := h.runtime.Close(context.Background()); err != nil {
		return fmt.Errorf("failed to close wasm runtime: %w", err)
	}
	return nil
}
