package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/facts"
	"github.com/openfroyo/converge/pkg/handlers"
	"github.com/openfroyo/converge/pkg/handlers/module"
	"github.com/openfroyo/converge/pkg/handlers/wasm"
	"github.com/openfroyo/converge/pkg/rules"
)

// agentParams are the per-invocation inputs of an agent.
type agentParams struct {
	out      io.Writer
	recorder engine.Recorder
	define   []string
	negate   []string
}

// newRegistry registers the built-in handlers and the modules declared in
// the configuration. Reports are written to out.
func (e *environment) newRegistry(ctx context.Context, out io.Writer) (*engine.Registry, error) {
	reg := engine.NewRegistry()
	if err := handlers.RegisterBuiltin(reg, e.logger, out, handlers.ExecRunner{}); err != nil {
		return nil, err
	}
	for _, mc := range e.cfg.PromiseModules {
		if err := reg.Register(module.New(e.logger, mc)); err != nil {
			return nil, fmt.Errorf("failed to register module %s: %w", mc.Name, err)
		}
	}
	for _, wc := range e.cfg.WasmModules {
		h, err := wasm.New(ctx, e.logger, wc)
		if err != nil {
			_ = reg.Close()
			return nil, fmt.Errorf("failed to load wasm module %s: %w", wc.Name, err)
		}
		if err := reg.Register(h); err != nil {
			_ = h.Close()
			_ = reg.Close()
			return nil, fmt.Errorf("failed to register wasm module %s: %w", wc.Name, err)
		}
	}
	return reg, nil
}

func (e *environment) newGuardrails(ctx context.Context) (engine.Guardrails, error) {
	if !e.cfg.Guardrails.Enabled {
		return nil, nil
	}
	g, err := rules.NewEngine(e.logger, e.cfg.Guardrails.Builtin)
	if err != nil {
		return nil, err
	}
	if len(e.cfg.Guardrails.Paths) > 0 {
		if err := g.LoadRules(ctx, e.cfg.Guardrails.Paths); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// newAgent builds an agent with a fresh handler registry. The registry is
// closed with the agent's session.
func (e *environment) newAgent(ctx context.Context, p agentParams) (*engine.Agent, error) {
	guardrails, err := e.newGuardrails(ctx)
	if err != nil {
		return nil, err
	}
	reg, err := e.newRegistry(ctx, p.out)
	if err != nil {
		return nil, err
	}

	return engine.NewAgent(e.logger, e.cfg, engine.AgentOptions{
		Facts:      facts.NewLocal(e.logger, e.cfg.WorkDir, engine.InputDir(e.cfg.Inputs), buildVersion),
		Registry:   reg,
		Guardrails: guardrails,
		Recorder:   p.recorder,
		Define:     p.define,
		Negate:     p.negate,
	}), nil
}
