package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/jessevdk/go-flags"

	"github.com/zyedidia/retrace"
)

const Version = "0.1.0"

func fatal(a ...interface{}) {
	fmt.Fprintln(os.Stderr, a...)
	os.Exit(1)
}

func must(desc string, err error) {
	if err != nil {
		fatal(desc, ":", err)
	}
}

func main() {
	// Ptrace requests must all come from the thread that attached.
	runtime.LockOSThread()

	flagparser := flags.NewParser(&opts, flags.PassDoubleDash|flags.PrintErrors)
	flagparser.Usage = "[OPTIONS] COMMAND [ARGS]"
	args, err := flagparser.Parse()
	if err != nil {
		os.Exit(1)
	}

	if opts.Version {
		fmt.Println("retrace version", Version)
		os.Exit(0)
	}

	if len(args) <= 0 || opts.Help {
		flagparser.WriteHelp(os.Stdout)
		os.Exit(0)
	}

	if opts.Verbose {
		retrace.SetLogger(retrace.NewVerboseLogger())
	}

	cfg := retrace.DefaultConfig()
	if opts.Config != "" {
		cfg, err = retrace.LoadConfig(opts.Config)
		must("config", err)
	}
	if opts.Output != "" {
		cfg.TraceDir = opts.Output
	}
	if opts.Strict {
		cfg.StrictScratch = true
	}

	rec, err := retrace.NewRecorder(cfg)
	must("trace", err)

	target := args[0]
	err = rec.Record(target, args[1:])
	if cerr := rec.Close(); err == nil {
		err = cerr
	}
	must("record", err)

	if opts.Summary {
		var w retrace.MetricsWriter
		if opts.Csv {
			w = retrace.NewCSVWriter(os.Stdout)
		} else {
			w = retrace.NewTableWriter(os.Stdout)
		}
		rec.Stats().WriteTo(w)
	}
}
