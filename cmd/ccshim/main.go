// Command ccshim is the client-side compiler shim: invoked in place of
// a local C/C++ compiler, it preprocesses the translation unit locally,
// dispatches the preprocessed text and compile arguments through the
// fabric to a remote worker, and on any fabric failure falls back to
// running the compiler locally so the user's build never aborts because
// of a dispatch failure.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"time"

	"github.com/smukkama/ccdispatch/internal/client"
	"github.com/smukkama/ccdispatch/internal/discovery"
	"github.com/smukkama/ccdispatch/internal/module"
	"github.com/smukkama/ccdispatch/internal/modules/ccmod"
	"github.com/smukkama/ccdispatch/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("ccshim: load configuration: %v", err)
	}

	args := os.Args[1:]
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "ccshim: usage: ccshim <source-file> <output.o> [compiler flags...]")
		os.Exit(localFallback(args))
	}

	jobServerAddr := resolveJobServerAddr(cfg)

	registry := module.NewRegistry()
	mod := ccmod.New(localPreprocessor{}, resolveLocalCompiler)
	registry.Register(ccmod.Name, mod)

	dispatcher := client.New(client.Config{
		JobServerAddrs:    []string{jobServerAddr},
		Hostname:          cfg.Fabric.Hostname,
		DialTimeout:       cfg.Fabric.TimeoutClientToServer,
		WorkerDialTimeout: cfg.Fabric.TimeoutToWorker,
		KeepaliveTimeout:  cfg.Fabric.KeepaliveTimeout,
	}, registry, ccmod.Name)
	defer dispatcher.Close()

	if err := mod.Shim(dispatcher, args); err != nil {
		log.Printf("ccshim: remote dispatch failed, falling back to local compile: %v", err)
		os.Exit(localFallback(args))
	}

	os.Exit(0)
}

// resolveJobServerAddr uses the configured address, or mDNS discovery
// with a short timeout if enabled.
func resolveJobServerAddr(cfg *config.Config) string {
	if !cfg.Discovery.Enabled {
		return cfg.Fabric.JobServerAddr
	}
	resolver := discovery.NewResolver(cfg.Discovery.ServiceName, cfg.Discovery.Domain)
	addr, err := resolver.Discover(context.Background(), 2*time.Second)
	if err != nil {
		log.Printf("ccshim: mDNS discovery failed, using configured address: %v", err)
		return cfg.Fabric.JobServerAddr
	}
	return addr.String()
}

// localFallback runs the compile locally and returns the compiler's
// exit code, exactly the compile a user would have gotten without
// ccdispatch in the path.
func localFallback(args []string) int {
	path, err := exec.LookPath("cc")
	if err != nil {
		fmt.Fprintf(os.Stderr, "ccshim: no local compiler available: %v\n", err)
		return 1
	}
	ccArgs := args
	if len(args) >= 2 {
		ccArgs = append(append([]string{}, args[2:]...), "-c", args[0], "-o", args[1])
	}
	cmd := exec.Command(path, ccArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		fmt.Fprintf(os.Stderr, "ccshim: local compile failed: %v\n", err)
		return 1
	}
	return 0
}

// localPreprocessor mirrors cmd/worker's: the client side also needs a
// real local "cc -E" to preprocess the translation unit before shipping
// it.
type localPreprocessor struct{}

func (localPreprocessor) DetectCompilers() ([]ccmod.CompilerInfo, error) {
	path, err := exec.LookPath("cc")
	if err != nil {
		return nil, fmt.Errorf("ccshim: no local compiler found: %w", err)
	}
	target, err := exec.Command(path, "-dumpmachine").Output()
	if err != nil {
		return nil, fmt.Errorf("ccshim: probe compiler target: %w", err)
	}
	version, err := exec.Command(path, "-dumpversion").Output()
	if err != nil {
		return nil, fmt.Errorf("ccshim: probe compiler version: %w", err)
	}
	fingerprint := fmt.Sprintf("cc %s %s", trim(version), trim(target))
	return []ccmod.CompilerInfo{{Fingerprint: fingerprint, Path: path}}, nil
}

func (localPreprocessor) Preprocess(sourcePath string, args []string) ([]byte, error) {
	path, err := exec.LookPath("cc")
	if err != nil {
		return nil, fmt.Errorf("ccshim: no local compiler found: %w", err)
	}
	cmdArgs := append(append([]string{}, args...), "-E", sourcePath)
	out, err := exec.Command(path, cmdArgs...).Output()
	if err != nil {
		return nil, fmt.Errorf("ccshim: preprocess %s: %w", sourcePath, err)
	}
	return out, nil
}

func resolveLocalCompiler(fingerprint string) (string, error) {
	path, err := exec.LookPath("cc")
	if err != nil {
		return "", fmt.Errorf("ccshim: no compiler for fingerprint %q: %w", fingerprint, err)
	}
	return path, nil
}

func trim(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
