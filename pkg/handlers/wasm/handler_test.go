package wasm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/rval"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func vec(items ...[]byte) []byte {
	return append(uleb(uint64(len(items))), bytes.Join(items, nil)...)
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func section(id byte, content []byte) []byte {
	out := append([]byte{id}, uleb(uint64(len(content)))...)
	return append(out, content...)
}

func code(body ...byte) []byte {
	return append(uleb(uint64(len(body))), body...)
}

type moduleSpec struct {
	response string
	loop     bool
	exports  []string
}

// buildModule assembles a module that answers evaluate_promise with a fixed
// response stored at offset 16. malloc is a bump allocator over a heap
// starting at 1024 and free does nothing.
func buildModule(spec moduleSpec) []byte {
	if spec.exports == nil {
		spec.exports = []string{exportMemory, exportMalloc, exportFree, exportEvaluate}
	}
	const responseOffset = 16

	types := vec(
		[]byte{0x60, 0x01, 0x7f, 0x01, 0x7f},       // (i32) -> i32
		[]byte{0x60, 0x01, 0x7f, 0x00},             // (i32) -> ()
		[]byte{0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e}, // (i32, i32) -> i64
	)
	funcs := vec([]byte{0x00}, []byte{0x01}, []byte{0x02})
	memory := vec([]byte{0x00, 0x01})
	heap := append([]byte{0x7f, 0x01, 0x41}, sleb(1024)...)
	globals := vec(append(heap, 0x0b))

	index := map[string][]byte{
		exportMemory:   {0x02, 0x00},
		exportMalloc:   {0x00, 0x00},
		exportFree:     {0x00, 0x01},
		exportEvaluate: {0x00, 0x02},
	}
	var exports [][]byte
	for _, e := range spec.exports {
		exports = append(exports, append(name(e), index[e]...))
	}

	packed := int64(responseOffset)<<32 | int64(len(spec.response))
	evaluate := []byte{0x00}
	if spec.loop {
		evaluate = append(evaluate, 0x03, 0x40, 0x0c, 0x00, 0x0b)
	}
	evaluate = append(evaluate, 0x42)
	evaluate = append(evaluate, sleb(packed)...)
	evaluate = append(evaluate, 0x0b)

	codes := vec(
		code(0x00, 0x23, 0x00, 0x23, 0x00, 0x20, 0x00, 0x6a, 0x24, 0x00, 0x0b),
		code(0x00, 0x0b),
		code(evaluate...),
	)
	data := vec(append([]byte{0x00, 0x41, responseOffset, 0x0b}, name(spec.response)...))

	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	out = append(out, section(1, types)...)
	out = append(out, section(3, funcs)...)
	out = append(out, section(5, memory)...)
	out = append(out, section(6, globals)...)
	out = append(out, section(7, vec(exports...))...)
	out = append(out, section(10, codes)...)
	out = append(out, section(11, data)...)
	return out
}

func newInstance(promiser string) *engine.Instance {
	return &engine.Instance{
		Type:       TypePrefix + "test",
		Bundle:     "main",
		Promiser:   promiser,
		Attributes: engine.Attributes{"state": rval.Scalar("present")},
	}
}

func newHandler(t *testing.T, cfg config.WasmModuleConfig, spec moduleSpec) *Handler {
	t.Helper()
	h, err := NewFromBytes(context.Background(), testLogger(), cfg, buildModule(spec))
	if err != nil {
		t.Fatalf("NewFromBytes() error = %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     engine.Outcome
		wantErr  bool
	}{
		{"repaired", `{"outcome":"repaired"}`, engine.OutcomeRepaired, false},
		{"kept", `{"outcome":"kept","messages":["nothing to do"]}`, engine.OutcomeUnchanged, false},
		{"error with outcome", `{"outcome":"not_kept","error":"bad state"}`, engine.OutcomeNotKept, true},
		{"error without outcome", `{"error":"boom"}`, engine.OutcomeFailed, true},
		{"unknown outcome", `{"outcome":"maybe"}`, engine.OutcomeFailed, true},
		{"invalid json", `not json`, engine.OutcomeFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandler(t, config.WasmModuleConfig{Name: "test"}, moduleSpec{response: tt.response})
			o, err := h.Evaluate(context.Background(), newInstance("/srv/app"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if o != tt.want {
				t.Errorf("Evaluate() = %v, want %v", o, tt.want)
			}
		})
	}
}

func TestEvaluateRepeatedly(t *testing.T) {
	h := newHandler(t, config.WasmModuleConfig{Name: "test"}, moduleSpec{response: `{"outcome":"repaired"}`})
	if h.Type() != "wasm:test" {
		t.Errorf("Type() = %q", h.Type())
	}
	for i := 0; i < 3; i++ {
		if o, err := h.Evaluate(context.Background(), newInstance("/srv/app")); err != nil || o != engine.OutcomeRepaired {
			t.Fatalf("Evaluate() #%d = %v, %v", i, o, err)
		}
	}
}

func TestEvaluateTimeout(t *testing.T) {
	h := newHandler(t, config.WasmModuleConfig{Name: "spin", Timeout: "50ms"}, moduleSpec{
		response: `{"outcome":"repaired"}`,
		loop:     true,
	})
	o, err := h.Evaluate(context.Background(), newInstance("/srv/app"))
	if o != engine.OutcomeFailed || err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("Evaluate() = %v, %v, want timeout failure", o, err)
	}
}

func TestMissingExport(t *testing.T) {
	code := buildModule(moduleSpec{
		response: `{"outcome":"kept"}`,
		exports:  []string{exportMemory, exportMalloc, exportFree},
	})
	_, err := NewFromBytes(context.Background(), testLogger(), config.WasmModuleConfig{Name: "partial"}, code)
	if err == nil || !strings.Contains(err.Error(), exportEvaluate) {
		t.Errorf("NewFromBytes() error = %v, want missing %s", err, exportEvaluate)
	}
}

func TestNewChecksum(t *testing.T) {
	code := buildModule(moduleSpec{response: `{"outcome":"kept"}`})
	path := filepath.Join(t.TempDir(), "test.wasm")
	if err := os.WriteFile(path, code, 0644); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(code)

	h, err := New(context.Background(), testLogger(), config.WasmModuleConfig{
		Name:   "test",
		Path:   path,
		SHA256: hex.EncodeToString(sum[:]),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.Close()

	_, err = New(context.Background(), testLogger(), config.WasmModuleConfig{
		Name:   "test",
		Path:   path,
		SHA256: strings.Repeat("0", 64),
	})
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("New() error = %v, want checksum mismatch", err)
	}

	if _, err := New(context.Background(), testLogger(), config.WasmModuleConfig{Name: "gone", Path: filepath.Join(t.TempDir(), "gone.wasm")}); err == nil {
		t.Error("New() should fail for a missing file")
	}
}
