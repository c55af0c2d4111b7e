package ccmod

import "github.com/smukkama/ccdispatch/internal/wire"

// FileGroup is a small bundle of named byte blobs shipped alongside a
// compile request or response: preprocessed source in one direction,
// object code in the other.
type FileGroup struct {
	Files map[string][]byte
}

func (fg FileGroup) encodeInto(e *wire.Encoder) {
	e.Uint64(uint64(len(fg.Files)))
	for name, data := range fg.Files {
		e.String(name)
		e.Bytes(data)
	}
}

func decodeFileGroup(d *wire.Decoder) FileGroup {
	n := d.Uint64()
	files := make(map[string][]byte, n)
	for i := uint64(0); i < n; i++ {
		name := d.String()
		data := d.Bytes()
		files[name] = data
	}
	return FileGroup{Files: files}
}

// soleFile returns the single entry of a one-file FileGroup, or an empty
// name/blob if it holds none. CompileRequest/CompileResult only ever
// populate one file each (the preprocessed translation unit, the
// resulting object); FileGroup stays general because the worker-side
// request in principle carries auxiliary headers too.
func (fg FileGroup) soleFile() (name string, data []byte) {
	for name, data := range fg.Files {
		return name, data
	}
	return "", nil
}

// CompilerInfo is one fingerprinted local compiler a worker (or a
// client, for capability-matching) can detect. The fingerprint becomes
// the module's subkey.
type CompilerInfo struct {
	Fingerprint string // e.g. "gcc 13.2.0 x86_64-pc-linux-gnu"
	Path        string
}

// CompileRequest is what a client ships to a worker after connect: the
// original compiler arguments (minus the input file, which is replaced
// by the preprocessed source) plus the preprocessed translation unit.
type CompileRequest struct {
	Args          []string
	Source        FileGroup // one entry: preprocessed-source-name -> bytes
	OutputObjName string
}

func (r CompileRequest) encode() []byte {
	e := wire.NewEncoder()
	e.Uint64(uint64(len(r.Args)))
	for _, a := range r.Args {
		e.String(a)
	}
	r.Source.encodeInto(e)
	e.String(r.OutputObjName)
	return e.Data()
}

func decodeCompileRequest(b []byte) (CompileRequest, error) {
	d := wire.NewDecoder(b)
	var req CompileRequest
	numArgs := d.Uint64()
	req.Args = make([]string, 0, numArgs)
	for i := uint64(0); i < numArgs; i++ {
		req.Args = append(req.Args, d.String())
	}
	req.Source = decodeFileGroup(d)
	req.OutputObjName = d.String()
	if err := d.Err(); err != nil {
		return CompileRequest{}, err
	}
	return req, nil
}

// CompileResult is what a worker ships back: the compiler's exit code,
// its captured stdout/stderr, and the resulting object code if the
// compile succeeded.
type CompileResult struct {
	ReturnCode int
	Stdout     []byte
	Stderr     []byte
	Object     FileGroup // one entry: object-file-name -> bytes, empty on failure
}

func (r CompileResult) encode() []byte {
	e := wire.NewEncoder()
	e.Uint64(uint64(int64(r.ReturnCode)))
	e.Bytes(r.Stdout)
	e.Bytes(r.Stderr)
	r.Object.encodeInto(e)
	return e.Data()
}

func decodeCompileResult(b []byte) (CompileResult, error) {
	d := wire.NewDecoder(b)
	var res CompileResult
	res.ReturnCode = int(int64(d.Uint64()))
	res.Stdout = d.Bytes()
	res.Stderr = d.Bytes()
	res.Object = decodeFileGroup(d)
	if err := d.Err(); err != nil {
		return CompileResult{}, err
	}
	return res, nil
}
