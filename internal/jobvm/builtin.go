package jobvm

import (
	"fmt"
	"sort"
)

// builtins are small hand-assembled job modules shipped with the runtime.
var builtins = map[string][]byte{
	// echo writes each file unchanged (one 64 KiB page of memory).
	"echo": {
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		// type: ()->i32, (i32)->(), (i32,i32)->(), ()->()
		0x01, 0x11, 0x04,
		0x60, 0x00, 0x01, 0x7f,
		0x60, 0x01, 0x7f, 0x00,
		0x60, 0x02, 0x7f, 0x7f, 0x00,
		0x60, 0x00, 0x00,
		// import: env.input_len, env.read_input, env.write_output
		0x02, 0x35, 0x03,
		0x03, 'e', 'n', 'v', 0x09, 'i', 'n', 'p', 'u', 't', '_', 'l', 'e', 'n', 0x00, 0x00,
		0x03, 'e', 'n', 'v', 0x0a, 'r', 'e', 'a', 'd', '_', 'i', 'n', 'p', 'u', 't', 0x00, 0x01,
		0x03, 'e', 'n', 'v', 0x0c, 'w', 'r', 'i', 't', 'e', '_', 'o', 'u', 't', 'p', 'u', 't', 0x00, 0x02,
		// function: execute has type 3
		0x03, 0x02, 0x01, 0x03,
		// memory: 1 page
		0x05, 0x03, 0x01, 0x00, 0x01,
		// export: execute, memory
		0x07, 0x14, 0x02,
		0x07, 'e', 'x', 'e', 'c', 'u', 't', 'e', 0x00, 0x03,
		0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
		// code: read_input(0); write_output(0, input_len())
		0x0a, 0x0e, 0x01, 0x0c, 0x00,
		0x41, 0x00, 0x10, 0x01,
		0x41, 0x00, 0x10, 0x00, 0x10, 0x02,
		0x0b,
	},

	// count writes "ok\n" per file, so the output line count is the number of files processed.
	"count": {
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		// type: (i32,i32)->(), ()->()
		0x01, 0x09, 0x02,
		0x60, 0x02, 0x7f, 0x7f, 0x00,
		0x60, 0x00, 0x00,
		// import: env.write_output
		0x02, 0x14, 0x01,
		0x03, 'e', 'n', 'v', 0x0c, 'w', 'r', 'i', 't', 'e', '_', 'o', 'u', 't', 'p', 'u', 't', 0x00, 0x00,
		0x03, 0x02, 0x01, 0x01,
		0x05, 0x03, 0x01, 0x00, 0x01,
		0x07, 0x14, 0x02,
		0x07, 'e', 'x', 'e', 'c', 'u', 't', 'e', 0x00, 0x01,
		0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
		// code: write_output(0, 3)
		0x0a, 0x0a, 0x01, 0x08, 0x00,
		0x41, 0x00, 0x41, 0x03, 0x10, 0x00,
		0x0b,
		// data: "ok\n" at offset 0
		0x0b, 0x09, 0x01, 0x00, 0x41, 0x00, 0x0b, 0x03, 'o', 'k', '\n',
	},

	// reject fails every file with "bad", for exercising failure reporting.
	"reject": {
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		0x01, 0x09, 0x02,
		0x60, 0x02, 0x7f, 0x7f, 0x00,
		0x60, 0x00, 0x00,
		// import: env.fail
		0x02, 0x0c, 0x01,
		0x03, 'e', 'n', 'v', 0x04, 'f', 'a', 'i', 'l', 0x00, 0x00,
		0x03, 0x02, 0x01, 0x01,
		0x05, 0x03, 0x01, 0x00, 0x01,
		0x07, 0x14, 0x02,
		0x07, 'e', 'x', 'e', 'c', 'u', 't', 'e', 0x00, 0x01,
		0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
		// code: fail(0, 3)
		0x0a, 0x0a, 0x01, 0x08, 0x00,
		0x41, 0x00, 0x41, 0x03, 0x10, 0x00,
		0x0b,
		0x0b, 0x09, 0x01, 0x00, 0x41, 0x00, 0x0b, 0x03, 'b', 'a', 'd',
	},
}

// Builtin returns the code of a shipped job module.
func Builtin(name string) ([]byte, error) {
	code, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("%w: no builtin job %q", ErrModuleNotFound, name)
	}

	return append([]byte(nil), code...), nil
}

// BuiltinNames lists the shipped job modules.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
