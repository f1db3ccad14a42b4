package cmd

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"

	"gopehash/perw"
	"gopehash/totalhash"
)

// Statistiche di elaborazione
type ProcessStats struct {
	mu        sync.Mutex
	Processed int
	Failed    int
}

// ProcessResult rappresenta il risultato dell'elaborazione di un file
type ProcessResult struct {
	Filename string
	Pehash   string
	SHA1     string
	Imphash  string
	IsPacked bool
	Sections []perw.Section
	Error    error
}

var stats = &ProcessStats{}

func run(cmd *cobra.Command, args []string) error {
	if config.MaxWorkers < 1 {
		config.MaxWorkers = 1
	}
	if config.MaxWorkers > 16 {
		config.MaxWorkers = 16
	}

	var client *totalhash.Client
	if config.Lookup {
		cfg, err := lookupConfig()
		if err != nil {
			return err
		}
		client = totalhash.NewClient(cfg)
	}

	var results []ProcessResult
	if config.Parallel && len(args) > 1 {
		if config.Verbose {
			fmt.Printf("Processing %d files with %d workers...\n", len(args), config.MaxWorkers)
		}
		results = processFilesParallel(args)
	} else {
		results = processFilesSequential(args)
	}

	updateStats(results)

	for _, result := range results {
		if result.Error != nil {
			_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", result.Filename, result.Error)
			continue
		}
		printResult(&result)
		if client != nil {
			lookupSample(cmd.Context(), client, &result)
		}
	}

	if len(args) > 1 || config.Verbose {
		printSummary()
	}

	if stats.Failed > 0 {
		return fmt.Errorf("%d of %d files failed", stats.Failed, stats.Processed)
	}
	return nil
}

func lookupConfig() (totalhash.Config, error) {
	if config.ConfigPath == "" {
		return totalhash.Config{}, fmt.Errorf("--lookup requires --config")
	}
	return totalhash.LoadConfig(config.ConfigPath)
}

func processFile(filename string) *ProcessResult {
	result := &ProcessResult{Filename: filename}

	fileInfo, err := os.Stat(filename)
	if err != nil {
		result.Error = fmt.Errorf("cannot access file: %w", err)
		return result
	}
	if !fileInfo.Mode().IsRegular() {
		result.Error = fmt.Errorf("not a regular file")
		return result
	}

	isPE, err := perw.IsPEFile(filename)
	if err != nil {
		result.Error = fmt.Errorf("cannot read file: %w", err)
		return result
	}
	if !isPE {
		result.Error = fmt.Errorf("not a PE file")
		return result
	}

	pf, err := perw.Open(filename)
	if err != nil {
		result.Error = err
		return result
	}
	defer func(pf *perw.PEFile) {
		_ = pf.Close()
	}(pf)

	hash, err := pf.Pehash()
	if err != nil {
		result.Error = err
		return result
	}
	result.Pehash = hash

	sum := sha1.Sum(pf.RawData)
	result.SHA1 = hex.EncodeToString(sum[:])

	if imphash, err := pf.Imphash(); err == nil {
		result.Imphash = imphash
	}
	result.IsPacked = pf.IsPacked
	result.Sections = pf.Sections
	return result
}

func processFilesSequential(filenames []string) []ProcessResult {
	results := make([]ProcessResult, 0, len(filenames))
	for _, filename := range filenames {
		results = append(results, *processFile(filename))
	}
	return results
}

func processFilesParallel(filenames []string) []ProcessResult {
	jobs := make(chan string, len(filenames))
	resultCh := make(chan ProcessResult, len(filenames))

	var wg sync.WaitGroup
	for i := 0; i < config.MaxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for filename := range jobs {
				resultCh <- *processFile(filename)
			}
		}()
	}

	go func() {
		for _, filename := range filenames {
			jobs <- filename
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	// Collect, then restore input order so output is deterministic.
	byName := make(map[string]ProcessResult, len(filenames))
	for result := range resultCh {
		byName[result.Filename] = result
	}
	results := make([]ProcessResult, 0, len(filenames))
	for _, filename := range filenames {
		results = append(results, byName[filename])
	}
	return results
}

func printResult(result *ProcessResult) {
	fmt.Printf("%s:\n", filepath.Base(result.Filename))
	fmt.Printf("  pehash:  %s\n", result.Pehash)
	fmt.Printf("  sha1:    %s\n", result.SHA1)
	if result.Imphash != "" {
		fmt.Printf("  imphash: %s\n", result.Imphash)
	}
	if result.IsPacked {
		fmt.Printf("  packed:  likely (high section entropy)\n")
	}
	if config.ShowSections {
		for _, s := range result.Sections {
			fmt.Printf("  section %-10s va=0x%08x size=%-8d entropy=%.2f\n",
				s.Name, s.VirtualAddress, s.Size, s.Entropy)
		}
	}
}

func lookupSample(ctx context.Context, client *totalhash.Client, result *ProcessResult) {
	if ctx == nil {
		ctx = context.Background()
	}
	report, err := client.Lookup(ctx, result.SHA1)
	if err != nil {
		if err == totalhash.ErrNoAPIKey {
			fmt.Printf("  analysis link: %s\n", client.AnalysisURL(result.SHA1))
			return
		}
		_, _ = fmt.Fprintf(os.Stderr, "%s: totalhash lookup failed: %v\n", result.Filename, err)
		return
	}
	printReport(report)
}

func printReport(report *totalhash.Report) {
	if report.Time != "" {
		fmt.Printf("  analyzed: %s\n", report.Time)
	}
	for _, av := range report.AV {
		fmt.Printf("  av: %s (%s, %s)\n", av.Signature, av.Scanner, av.Timestamp)
	}
	for _, proc := range report.Processes {
		fmt.Printf("  process %s (pid %s):\n", proc.Filename, proc.PID)
		for _, dll := range proc.LoadedDLLs {
			fmt.Printf("    load dll: %s\n", dll.Filename)
		}
		for _, f := range proc.CreatedFiles {
			fmt.Printf("    create file: %s\n", f.SrcFile)
		}
		for _, f := range proc.DeletedFiles {
			fmt.Printf("    delete file: %s\n", f.SrcFile)
		}
		for _, op := range proc.CreatedProcesses {
			fmt.Printf("    create process: %s (target pid %s)\n", op.Cmdline, op.TargetPID)
		}
		for _, op := range proc.OpenedProcesses {
			fmt.Printf("    open process: pid %s via %s\n", op.TargetPID, op.API)
		}
		for _, h := range proc.RequestedHosts {
			fmt.Printf("    resolve host: %s\n", h.Host)
		}
		for _, m := range proc.Mutexes {
			fmt.Printf("    create mutex: %s\n", m.Name)
		}
		for _, h := range proc.Hooks {
			fmt.Printf("    set windows hook: %s\n", h.HookID)
		}
		for _, r := range proc.RegistrySets {
			fmt.Printf("    set registry: %s = %s\n", r.Key, r.Value)
		}
		for _, s := range proc.CreatedServices {
			fmt.Printf("    create service: %s (%s)\n", s.DisplayName, s.ImagePath)
		}
		for _, s := range proc.StartedServices {
			fmt.Printf("    start service: %s\n", s.DisplayName)
		}
		for _, c := range proc.DebuggerChecks {
			fmt.Printf("    debugger check: %s\n", c.API)
		}
	}
	for _, proc := range report.Running {
		fmt.Printf("  running process: %s (pid %s, ppid %s)\n", proc.Filename, proc.PID, proc.PPID)
	}
	for _, flow := range report.Flows {
		fmt.Printf("  flow: %s %s:%s -> %s:%s (%s bytes)\n",
			flow.ProtocolName(), flow.SrcIP, flow.SrcPort, flow.DstIP, flow.DstPort, flow.Bytes)
	}
	for _, rec := range report.DNS {
		fmt.Printf("  dns: %s (%s) -> %s\n", rec.RR, rec.Type, rec.ResolvedIP())
	}
	for _, req := range report.HTTP {
		fmt.Printf("  http: %s (%s, agent %s)\n", req.URL, req.Type, req.UserAgent)
	}
}

func updateStats(results []ProcessResult) {
	stats.mu.Lock()
	defer stats.mu.Unlock()

	for _, result := range results {
		stats.Processed++
		if result.Error != nil {
			stats.Failed++
		}
	}
}

func printSummary() {
	if stats.Processed == 0 {
		return
	}
	fmt.Printf("\nSummary:\n")
	fmt.Printf("  Files processed: %d\n", stats.Processed)
	fmt.Printf("  Successful: %d\n", stats.Processed-stats.Failed)
	fmt.Printf("  Failed: %d\n", stats.Failed)
}
