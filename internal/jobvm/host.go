package jobvm

import (
	"context"
	"strings"

	"github.com/tetratelabs/wazero/api"
)

// execContext holds the execution state of one job run.
type execContext struct {
	input         Input  // input is the file presented to the job
	output        []byte // output accumulates write_output calls
	failure       string // failure is the message passed to fail, if any
	fuelLimit     uint64 // fuelLimit is the maximum fuel allowed
	fuelUsed      uint64 // fuelUsed tracks consumed fuel
	fuelExhausted bool   // fuelExhausted is true if the limit was exceeded
}

// execKey is the context key of the running job's state.
type execKey struct{}

// withExec attaches ec to ctx; host functions find it there.
func withExec(ctx context.Context, ec *execContext) context.Context {
	return context.WithValue(ctx, execKey{}, ec)
}

// execFrom returns the state of the job calling a host function.
func execFrom(ctx context.Context) *execContext {
	ec, _ := ctx.Value(execKey{}).(*execContext)
	return ec
}

// buildHostModule instantiates the shared "env" module. Per-run state travels in the call context.
func (r *Runtime) buildHostModule(ctx context.Context) error {
	_, err := r.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, cost uint32) {
			hostGas(execFrom(ctx), cost)
		}).
		Export("gas").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint32 {
			return uint32(len(execFrom(ctx).input.Data))
		}).
		Export("input_len").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr uint32) {
			writeGuest(m, ptr, execFrom(ctx).input.Data)
		}).
		Export("read_input").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint32 {
			return uint32(len(execFrom(ctx).input.Name))
		}).
		Export("name_len").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr uint32) {
			writeGuest(m, ptr, []byte(execFrom(ctx).input.Name))
		}).
		Export("read_name").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint32 {
			return uint32(len(joinArgs(execFrom(ctx).input.Args)))
		}).
		Export("args_len").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr uint32) {
			writeGuest(m, ptr, []byte(joinArgs(execFrom(ctx).input.Args)))
		}).
		Export("read_args").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, length uint32) {
			hostWriteOutput(execFrom(ctx), m, ptr, length)
		}).
		Export("write_output").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, length uint32) {
			hostFail(execFrom(ctx), m, ptr, length)
		}).
		Export("fail").
		Instantiate(ctx)

	return err
}

// hostGas handles fuel metering.
// Panics if the limit is exceeded to abort execution.
func hostGas(ec *execContext, cost uint32) {
	ec.fuelUsed += uint64(cost)

	if ec.fuelUsed > ec.fuelLimit {
		ec.fuelExhausted = true
		panic("fuel exhausted")
	}
}

// hostWriteOutput appends guest memory to the output.
func hostWriteOutput(ec *execContext, m api.Module, ptr, length uint32) {
	if length == 0 {
		return
	}

	if len(ec.output)+int(length) > maxOutput {
		ec.failure = "output limit exceeded"
		panic("output limit exceeded")
	}

	data, ok := m.Memory().Read(ptr, length)
	if !ok {
		return
	}

	ec.output = append(ec.output, data...)
}

// hostFail records the job's failure message. The job keeps running until it returns.
func hostFail(ec *execContext, m api.Module, ptr, length uint32) {
	ec.failure = "failed"

	if data, ok := m.Memory().Read(ptr, length); ok && length > 0 {
		ec.failure = string(data)
	}
}

// writeGuest copies data into guest memory at ptr.
func writeGuest(m api.Module, ptr uint32, data []byte) {
	if len(data) == 0 || m.Memory() == nil {
		return
	}

	m.Memory().Write(ptr, data)
}

// joinArgs renders the arguments as newline-separated text.
func joinArgs(args []string) string {
	return strings.Join(args, "\n")
}
