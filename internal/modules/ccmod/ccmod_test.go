package ccmod

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileRequest_RoundTrip(t *testing.T) {
	want := CompileRequest{
		Args:          []string{"-O2", "-Wall"},
		Source:        FileGroup{Files: map[string][]byte{"a.i": []byte("int main(){}")}},
		OutputObjName: "a.o",
	}
	got, err := decodeCompileRequest(want.encode())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCompileResult_RoundTrip(t *testing.T) {
	want := CompileResult{
		ReturnCode: 0,
		Stdout:     []byte("ok"),
		Stderr:     nil,
		Object:     FileGroup{Files: map[string][]byte{"a.o": {1, 2, 3}}},
	}
	got, err := decodeCompileResult(want.encode())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

type fakePreprocessor struct {
	infos []CompilerInfo
	out   []byte
}

func (f fakePreprocessor) DetectCompilers() ([]CompilerInfo, error) { return f.infos, nil }
func (f fakePreprocessor) Preprocess(sourcePath string, args []string) ([]byte, error) {
	return f.out, nil
}

func TestModule_GetSubkeys(t *testing.T) {
	m := New(fakePreprocessor{infos: []CompilerInfo{{Fingerprint: "gcc 13.2.0 x86_64"}}}, nil)
	assert.Equal(t, [][]byte{[]byte("gcc 13.2.0 x86_64")}, m.GetSubkeys())
}

func TestModule_Compile_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "fakecc.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ntouch \"$4\"\n"), 0o755))

	m := New(
		fakePreprocessor{infos: []CompilerInfo{{Fingerprint: "fake"}}, out: []byte("preprocessed")},
		func(fingerprint string) (string, error) { return script, nil },
	)

	result := m.compile("fake", CompileRequest{
		Source:        FileGroup{Files: map[string][]byte{"a.i": []byte("preprocessed")}},
		OutputObjName: "a.o",
	})
	assert.Equal(t, 0, result.ReturnCode)
	name, obj := result.Object.soleFile()
	assert.Equal(t, "a.o", name)
	assert.NotNil(t, obj)
}
