// Package ccmod implements the C/C++ compile-cache module: it ships a
// locally preprocessed translation unit plus compile arguments to a
// remote worker and gets back object code and diagnostics.
// Compiler-argument parsing and the preprocessing driver live outside
// the fabric; this package names the interface they must satisfy
// (Preprocessor) and wires it into the module contract without
// reimplementing either.
package ccmod

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/smukkama/ccdispatch/internal/module"
	"github.com/smukkama/ccdispatch/internal/wire"
)

// Name is the module's registration name.
const Name = "ccerb"

// Preprocessor is the external collaborator the core never implements:
// detecting locally installed compilers and running the actual
// preprocessing pass over a translation unit. A real implementation
// shells out to "cc -E" (or equivalent) and parses compiler argument
// lists; this package only needs its result.
type Preprocessor interface {
	// DetectCompilers reports every compiler fingerprint usable as a
	// module subkey on this host.
	DetectCompilers() ([]CompilerInfo, error)

	// Preprocess runs the local preprocessor over sourcePath with the
	// given compiler flags (the user's invocation minus the compiler
	// name, source file, and output file, which the caller strips) and
	// returns the preprocessed translation unit.
	Preprocess(sourcePath string, args []string) (preprocessed []byte, err error)
}

// Module is the ccerb module. CompilerPath resolves a worker-side
// compiler binary to actually invoke for a given subkey fingerprint;
// workers that can't resolve one for a requested subkey ship back a
// CompileResult with return code -1 and the resolution error as stderr,
// which Shim reports as a failed remote compile.
type Module struct {
	Pre           Preprocessor
	CompilerPath  func(fingerprint string) (string, error)
	WorkDirPrefix string
}

func New(pre Preprocessor, compilerPath func(string) (string, error)) *Module {
	return &Module{Pre: pre, CompilerPath: compilerPath, WorkDirPrefix: "ccmod-"}
}

func (m *Module) GetSubkeys() [][]byte {
	infos, err := m.Pre.DetectCompilers()
	if err != nil {
		return nil
	}
	subkeys := make([][]byte, 0, len(infos))
	for _, info := range infos {
		subkeys = append(subkeys, []byte(info.Fingerprint))
	}
	return subkeys
}

// Shim drives one compile: preprocess locally, dispatch the result
// through iface, and report whether the remote worker actually produced
// object code. Callers (cmd/ccshim) fall back to a local compile on any
// non-nil error, so a dispatch failure never breaks the user's build.
func (m *Module) Shim(iface module.ShimInterface, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("ccmod: expected at least <source-file> <output.o>, got %v", args)
	}
	sourcePath := args[0]
	outputObj := args[1]
	compileArgs := args[2:]

	fingerprint, err := m.localFingerprint()
	if err != nil {
		return fmt.Errorf("ccmod: detect local compiler: %w", err)
	}

	preprocessed, err := m.Pre.Preprocess(sourcePath, append([]string{}, compileArgs...))
	if err != nil {
		return fmt.Errorf("ccmod: preprocess: %w", err)
	}

	job, err := iface.RegisterJob([]byte(fingerprint))
	if err != nil {
		return fmt.Errorf("ccmod: register job: %w", err)
	}

	req := CompileRequest{
		Args:          compileArgs,
		Source:        FileGroup{Files: map[string][]byte{filepath.Base(sourcePath): preprocessed}},
		OutputObjName: filepath.Base(outputObj),
	}
	payload, err := job.Dispatch(encodeArgs(req))
	if err != nil {
		return fmt.Errorf("ccmod: dispatch: %w", err)
	}
	if payload == nil {
		return fmt.Errorf("ccmod: dispatch never succeeded")
	}

	res, err := decodeCompileResult(payload)
	if err != nil {
		return fmt.Errorf("ccmod: decode result: %w", err)
	}
	if res.ReturnCode != 0 {
		return fmt.Errorf("ccmod: remote compile exited %d: %s", res.ReturnCode, res.Stderr)
	}
	_, obj := res.Object.soleFile()
	return os.WriteFile(outputObj, obj, 0o644)
}

func (m *Module) localFingerprint() (string, error) {
	infos, err := m.Pre.DetectCompilers()
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "", fmt.Errorf("no local compiler detected")
	}
	return infos[0].Fingerprint, nil
}

// JobClient ships the request and waits for the compiled result. The
// Dispatch args passed through module.JobHandle are opaque to the
// fabric; here they're just the encoded CompileRequest.
func (m *Module) JobClient(pconn *wire.PacketConn, subkey []byte, args []string) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("ccmod: JobClient expects one encoded-request argument")
	}
	if err := pconn.Send([]byte(args[0])); err != nil {
		return nil, nil
	}
	payload, err := pconn.Recv()
	if err != nil {
		return nil, nil
	}
	return payload, nil
}

// JobWorker receives the compile request, runs the resolved local
// compiler over the preprocessed source in a scratch directory, and
// ships back the result. The scratch directory is removed on every exit
// path.
func (m *Module) JobWorker(pconn *wire.PacketConn, workerHostname string, subkey []byte) error {
	payload, err := pconn.Recv()
	if err != nil {
		return fmt.Errorf("ccmod: recv request: %w", err)
	}
	req, err := decodeCompileRequest(payload)
	if err != nil {
		return fmt.Errorf("ccmod: decode request: %w", err)
	}

	result := m.compile(string(subkey), req)
	return pconn.Send(result.encode())
}

func (m *Module) compile(fingerprint string, req CompileRequest) CompileResult {
	dir, err := os.MkdirTemp("", m.WorkDirPrefix)
	if err != nil {
		return CompileResult{ReturnCode: -1, Stderr: []byte(err.Error())}
	}
	defer os.RemoveAll(dir)

	sourceName, source := req.Source.soleFile()
	if sourceName == "" {
		sourceName = "input.i"
	}
	sourcePath := filepath.Join(dir, sourceName)
	if err := os.WriteFile(sourcePath, source, 0o644); err != nil {
		return CompileResult{ReturnCode: -1, Stderr: []byte(err.Error())}
	}

	compilerPath, err := m.CompilerPath(fingerprint)
	if err != nil {
		return CompileResult{ReturnCode: -1, Stderr: []byte(err.Error())}
	}

	objPath := filepath.Join(dir, req.OutputObjName)
	cmdArgs := append(append([]string{}, req.Args...), "-c", sourcePath, "-o", objPath)

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(compilerPath, cmdArgs...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	returnCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			returnCode = exitErr.ExitCode()
		} else {
			return CompileResult{ReturnCode: -1, Stdout: stdout.Bytes(), Stderr: []byte(runErr.Error())}
		}
	}

	objBytes, _ := os.ReadFile(objPath)
	return CompileResult{
		ReturnCode: returnCode,
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
		Object:     FileGroup{Files: map[string][]byte{req.OutputObjName: objBytes}},
	}
}

func encodeArgs(req CompileRequest) []string {
	return []string{string(req.encode())}
}
