package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"drcgc/pkg/memory"
	"drcgc/pkg/parser"
	"drcgc/pkg/script"
)

var (
	evalExpr    = flag.String("e", "", "Run scenario forms from command line")
	verbose     = flag.Bool("v", false, "Log every collection")
	showStats   = flag.Bool("stats", false, "Print collector statistics on exit")
	metricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	zctLimit    = flag.Int("zct", memory.DefaultConfig().ZCTThreshold, "ZCT entries that trigger a sweep")
	cycleLimit  = flag.Int("cycles", memory.DefaultConfig().CycleThreshold, "Minimum cycle candidates that trigger trial deletion")
	heapLimit   = flag.Int("heap", memory.DefaultConfig().MaxHeapBytes, "Heap limit in bytes (0 = unbounded)")
	stackLimit  = flag.Int("stack", memory.DefaultConfig().MaxStackWords, "Frame stack limit in words")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "drcgc - deferred reference counting heap with cycle collection\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [file.heap]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s scenario.heap                      # Run a scenario\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -stats -e '(type T :size 8) (new x T) (collect)'\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -v -zct 64 scenario.heap           # Log frequent sweeps\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -metrics-addr :9090 scenario.heap  # Serve metrics after the run\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s                                    # Interactive REPL\n", os.Args[0])
	}
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := memory.DefaultConfig()
	cfg.ZCTThreshold = *zctLimit
	cfg.CycleThreshold = *cycleLimit
	cfg.MaxHeapBytes = *heapLimit
	cfg.MaxStackWords = *stackLimit
	cfg.Logger = logger
	cfg.OnFatal = func(fe *memory.FatalError) {
		fmt.Fprintf(os.Stderr, "FATAL (%s): %v\n", fe.Phase, fe.Err)
		os.Exit(2)
	}
	heap := memory.NewHeapManager(cfg)
	interp := script.New(heap, os.Stdout)

	if *metricsAddr != "" {
		serveMetrics(heap, logger)
	}

	var input string
	if *evalExpr != "" {
		input = *evalExpr
	} else if flag.NArg() > 0 {
		filename := flag.Arg(0)
		data, err := os.ReadFile(filename)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading file: %v\n", err)
			os.Exit(1)
		}
		input = string(data)
	} else if !isTerminal(os.Stdin) {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading stdin: %v\n", err)
			os.Exit(1)
		}
		input = string(data)
	}

	if strings.TrimSpace(input) == "" {
		runREPL(interp)
		finish(heap, false)
		return
	}

	if err := interp.Run(input); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	finish(heap, *metricsAddr != "")
}

// finish runs the finalizers of all remaining garbage, prints statistics
// and optionally keeps serving metrics until interrupted.
func finish(heap *memory.HeapManager, wait bool) {
	heap.Shutdown()
	if *showStats {
		script.WriteStats(os.Stdout, heap.Stats())
	}
	if wait {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		fmt.Fprintf(os.Stderr, "Serving metrics on %s, interrupt to exit\n", *metricsAddr)
		<-ctx.Done()
	}
}

func serveMetrics(heap *memory.HeapManager, logger *slog.Logger) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(memory.NewStatsCollector(heap, "drcgc"))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	go func() {
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "addr", *metricsAddr, "err", err)
		}
	}()
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func runREPL(interp *script.Interpreter) {
	fmt.Println("drcgc REPL - deferred reference counting heap")
	fmt.Println("Type 'help' for commands, 'quit' to exit")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("heap> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		// Handle commands first (before parsing)
		switch line {
		case "quit", "exit":
			fmt.Println("Goodbye!")
			return
		case "stats":
			script.WriteStats(os.Stdout, interp.Heap().Stats())
			continue
		case "live":
			for _, a := range interp.Heap().LiveObjects() {
				h := interp.Heap()
				fmt.Printf("  %#x %s rc=%d\n", uintptr(a), h.TypeOf(a).Name, h.RefCount(a))
			}
			continue
		case "help":
			printREPLHelp()
			continue
		}

		if !strings.HasPrefix(line, "(") {
			fmt.Printf("Unknown command: %s (use 'help' for commands)\n", line)
			continue
		}

		forms, err := parser.ParseAllString(line)
		if err != nil {
			fmt.Printf("Parse error: %v\n", err)
			continue
		}
		for _, f := range forms {
			if err := interp.Exec(f); err != nil {
				fmt.Printf("Error: %v\n", err)
				break
			}
		}
	}
}

func printREPLHelp() {
	fmt.Println("Commands:")
	fmt.Println("  quit     - exit the REPL")
	fmt.Println("  stats    - show collector statistics")
	fmt.Println("  live     - list live cells")
	fmt.Println("  help     - show this help")
	fmt.Println()
	fmt.Println("Declarations:")
	fmt.Println("  (type Name :size N :refs (i ...) :acyclic :finalizer)")
	fmt.Println("  (root r ...)")
	fmt.Println()
	fmt.Println("Mutation:")
	fmt.Println("  (new x T)                  - allocate into a frame-held local")
	fmt.Println("  (get z x i)                - bind z to field i of x")
	fmt.Println("  (set x i y)                - store y in field i of x")
	fmt.Println("  (set-nocycle x i y)        - store without cycle tracking")
	fmt.Println("  (setroot r y)              - store y in root r")
	fmt.Println("  (word x i n)               - store a scalar word")
	fmt.Println("  (forget x ...)             - drop locals from their frame")
	fmt.Println("  (frame body...)            - run body in a fresh frame")
	fmt.Println("  (repeat n body...)         - run body n times")
	fmt.Println()
	fmt.Println("Collector:")
	fmt.Println("  (collect) (sweep) (cycles) (stats) (leaks) (show x)")
	fmt.Println("  (assert-live x ...) (assert-freed x ...)")
	fmt.Println("  (assert-count x n) (assert-stat name n)")
}
