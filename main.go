package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"cnvm/vm"
)

var debugLog = flag.Bool("debug", false, "enable debug-level logging of GC cycles and host calls")

func init() {
	flag.Parse()
}

// registerStandardHosts wires up the small set of host functions every demo
// program needs (console output, a line reader, and a monotonic clock).
// Real embedders register their own; these exist so an image produced by an
// external compiler has something to CALLSYS into out of the box.
func registerStandardHosts(e *vm.Engine) {
	e.RegisterHost(func(e *vm.Engine, argv []*vm.Value) *vm.Value {
		for _, v := range argv {
			fmt.Print(v.AsString())
		}
		return nil
	})

	e.RegisterHost(func(e *vm.Engine, argv []*vm.Value) *vm.Value {
		var line string
		fmt.Scanln(&line)
		return e.GC().NewStringValue(line)
	})

	start := time.Now()
	e.RegisterHost(func(e *vm.Engine, argv []*vm.Value) *vm.Value {
		return e.GC().NewIntegerValue(time.Since(start).Milliseconds())
	})
}

func main() {
	// Use os.Args directly rather than flag.Args so additional flags can be
	// introduced later without disturbing how the program path is found.
	args := os.Args[len(os.Args)-flag.NArg():]
	if len(args) == 0 {
		fmt.Println("Usage: cnvm [-debug] <program image>")
		os.Exit(32)
	}

	logger := zap.NewNop()
	if *debugLog {
		l, err := zap.NewDevelopment()
		if err == nil {
			logger = l
		}
	}
	defer logger.Sync()

	r, err := vm.OpenImage(args[0])
	if err != nil {
		logger.Error("failed to open program image", zap.Error(err))
		os.Exit(32)
	}

	alloc := vm.NewAllocator()
	prog, err := vm.Load(r, alloc, logger)
	if err != nil {
		if f, ok := vm.AsFault(err); ok {
			fmt.Println(f.Error())
			os.Exit(f.Code)
		}
		fmt.Println(err)
		os.Exit(32)
	}

	cfg := vm.DefaultConfig()
	cfg.Logger = logger
	cfg.Alloc = alloc
	engine := vm.NewEngine(prog, cfg)
	registerStandardHosts(engine)

	code, err := engine.Run()
	if err != nil {
		if f, ok := vm.AsFault(err); ok {
			fmt.Println(f.Error())
			os.Exit(f.Code)
		}
		fmt.Println(err)
		os.Exit(1)
	}

	os.Exit(code)
}
