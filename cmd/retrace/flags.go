package main

var opts struct {
	Output  string `short:"o" long:"output" description:"Trace output directory"`
	Config  string `short:"c" long:"config" description:"TOML configuration file"`
	Summary bool   `short:"s" long:"summary" description:"Print a per-syscall summary table when recording finishes"`
	Csv     bool   `long:"csv" description:"Write the summary as CSV instead of a table"`
	Strict  bool   `long:"strict-scratch" description:"Treat scratch overflow as a fatal error"`
	Verbose bool   `short:"V" long:"verbose" description:"Show verbose debug information"`
	Version bool   `short:"v" long:"version" description:"Show version information"`
	Help    bool   `short:"h" long:"help" description:"Show this help message"`
}
