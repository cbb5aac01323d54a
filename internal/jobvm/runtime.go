package jobvm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/zeebo/blake3"
)

const (
	// defaultFuel bounds the fuel a job may burn per file.
	defaultFuel = 1 << 32

	// maxOutput bounds the output a job may write per file.
	maxOutput = 64 << 20
)

var (
	// ErrModuleNotFound is returned when a module ID is not loaded.
	ErrModuleNotFound = errors.New("module not found")

	// ErrFuelExhausted is returned when a job burns more fuel than allowed.
	ErrFuelExhausted = errors.New("fuel exhausted")

	// ErrJobFailed is returned when a job reports failure for a file.
	ErrJobFailed = errors.New("job failed")
)

// Input is what a job sees for one file.
type Input struct {
	Name string   // Name is the file id
	Data []byte   // Data is the file content
	Args []string // Args are the job arguments
}

// Result is the outcome of running a job on one file.
type Result struct {
	Output   []byte // Output is everything the job wrote
	FuelUsed uint64 // FuelUsed is the fuel burned through the gas import
}

// Runtime compiles batch job modules once and runs them per file.
// A job exports "execute" and talks to the host through the "env" module.
type Runtime struct {
	runtime wazero.Runtime                     // runtime is the wazero runtime instance
	modules map[[32]byte]wazero.CompiledModule // modules maps blake3 hash to compiled module
	mu      sync.RWMutex                       // mu protects modules map
	fuel    uint64                             // fuel is the per-file fuel limit
}

// New creates a runtime with the given per-file fuel limit, 0 meaning the default.
func New(fuel uint64) (*Runtime, error) {
	if fuel == 0 {
		fuel = defaultFuel
	}

	ctx := context.Background()
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))

	r := &Runtime{
		runtime: rt,
		modules: make(map[[32]byte]wazero.CompiledModule),
		fuel:    fuel,
	}

	if err := r.buildHostModule(ctx); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("build host module:\n%w", err)
	}

	return r, nil
}

// Load compiles a job module and returns its blake3 id. Loading the same code twice is free.
func (r *Runtime) Load(code []byte) ([32]byte, error) {
	id := blake3.Sum256(code)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[id]; exists {
		return id, nil
	}

	compiled, err := r.runtime.CompileModule(context.Background(), code)
	if err != nil {
		return [32]byte{}, fmt.Errorf("compile module:\n%w", err)
	}

	if _, ok := compiled.ExportedFunctions()["execute"]; !ok {
		compiled.Close(context.Background())
		return [32]byte{}, fmt.Errorf("compile module: execute function not exported")
	}

	r.modules[id] = compiled

	return id, nil
}

// Run instantiates module id and executes it against one file.
// Runs are independent and may proceed concurrently.
func (r *Runtime) Run(ctx context.Context, id [32]byte, in Input) (*Result, error) {
	r.mu.RLock()
	compiled, exists := r.modules[id]
	r.mu.RUnlock()

	if !exists {
		return nil, ErrModuleNotFound
	}

	ec := &execContext{input: in, fuelLimit: r.fuel}
	ctx = withExec(ctx, ec)

	instance, err := r.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, fmt.Errorf("instantiate module:\n%w", err)
	}
	defer instance.Close(ctx)

	if _, err := instance.ExportedFunction("execute").Call(ctx); err != nil {
		if ec.fuelExhausted {
			return nil, ErrFuelExhausted
		}

		return nil, fmt.Errorf("execute:\n%w", err)
	}

	if ec.failure != "" {
		return nil, fmt.Errorf("%w: %s", ErrJobFailed, ec.failure)
	}

	return &Result{Output: ec.output, FuelUsed: ec.fuelUsed}, nil
}

// Unload removes a module from the runtime.
func (r *Runtime) Unload(id [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if compiled, exists := r.modules[id]; exists {
		compiled.Close(context.Background())
		delete(r.modules, id)
	}
}

// Close releases all resources held by the runtime.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, compiled := range r.modules {
		compiled.Close(context.Background())
		delete(r.modules, id)
	}

	return r.runtime.Close(context.Background())
}
