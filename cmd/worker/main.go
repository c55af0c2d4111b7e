// Command worker runs one worker process: it advertises compiler
// capabilities to the job server, meters its own available capacity, and
// dispatches incoming jobs into the module registry (sleep and ccerb).
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/smukkama/ccdispatch/internal/module"
	"github.com/smukkama/ccdispatch/internal/modules/ccmod"
	"github.com/smukkama/ccdispatch/internal/modules/sleepmod"
	"github.com/smukkama/ccdispatch/internal/worker"
	"github.com/smukkama/ccdispatch/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("worker: load configuration: %v", err)
	}

	fmt.Println("Starting ccdispatch worker...")

	registry := module.NewRegistry()
	registry.Register(sleepmod.Name, sleepmod.New())
	registry.Register(ccmod.Name, ccmod.New(localPreprocessor{}, resolveLocalCompiler))
	fmt.Printf("Registered modules: %s, %s\n", sleepmod.Name, ccmod.Name)

	maxSlots := cfg.Fabric.Workers
	if maxSlots <= 0 {
		maxSlots = runtime.NumCPU()
	}

	w := worker.New(worker.Config{
		JobServerAddrs:   []string{cfg.Fabric.JobServerAddr},
		WorkAddr:         cfg.Fabric.WorkerBaseAddr,
		LogAddr:          cfg.Fabric.LogAddr,
		Hostname:         cfg.Fabric.Hostname,
		MaxSlots:         uint64(maxSlots),
		DialTimeout:      cfg.Fabric.TimeoutWorkerToServer,
		KeepaliveTimeout: cfg.Fabric.KeepaliveTimeout,
	}, registry, worker.NewGopsutilSampler())

	fmt.Printf("Worker capacity: %d slots\n", maxSlots)
	fmt.Printf("Advertising work address %s to job server %s\n", cfg.Fabric.WorkerBaseAddr, cfg.Fabric.JobServerAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- w.Run(ctx) }()

	fmt.Println("\n✓ ccdispatch worker is running")
	fmt.Println("✓ Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down gracefully...")
		cancel()
		<-runErrCh
	case err := <-runErrCh:
		if err != nil {
			log.Fatalf("worker: exited: %v", err)
		}
	}
}

// localPreprocessor is the worker binary's concrete ccmod.Preprocessor:
// it shells out to the system "cc" for both compiler detection and the
// actual preprocessing pass.
type localPreprocessor struct{}

func (localPreprocessor) DetectCompilers() ([]ccmod.CompilerInfo, error) {
	path, err := exec.LookPath("cc")
	if err != nil {
		return nil, fmt.Errorf("worker: no local compiler found: %w", err)
	}
	out, err := exec.Command(path, "-dumpmachine").Output()
	if err != nil {
		return nil, fmt.Errorf("worker: probe compiler target: %w", err)
	}
	versionOut, err := exec.Command(path, "-dumpversion").Output()
	if err != nil {
		return nil, fmt.Errorf("worker: probe compiler version: %w", err)
	}
	fingerprint := fmt.Sprintf("cc %s %s", trim(versionOut), trim(out))
	return []ccmod.CompilerInfo{{Fingerprint: fingerprint, Path: path}}, nil
}

func (localPreprocessor) Preprocess(sourcePath string, args []string) ([]byte, error) {
	path, err := exec.LookPath("cc")
	if err != nil {
		return nil, fmt.Errorf("worker: no local compiler found: %w", err)
	}
	cmdArgs := append(append([]string{}, args...), "-E", sourcePath)
	out, err := exec.Command(path, cmdArgs...).Output()
	if err != nil {
		return nil, fmt.Errorf("worker: preprocess %s: %w", sourcePath, err)
	}
	return out, nil
}

func resolveLocalCompiler(fingerprint string) (string, error) {
	path, err := exec.LookPath("cc")
	if err != nil {
		return "", fmt.Errorf("worker: no compiler for fingerprint %q: %w", fingerprint, err)
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
