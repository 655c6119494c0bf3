package main

import "flag"

// Options holds CLI options for the client.
type Options struct {
	ConfigPath  string
	GridAddress string
	CircuitCode uint
	AgentID     string
	SessionID   string
	Say         string
}

// ParseFlags parses CLI flags from args and returns Options. Flags
// override the corresponding config file values.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("gridlink-client", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.GridAddress, "grid", "", "Region UDP endpoint (host:port)")
	fs.UintVar(&opts.CircuitCode, "code", 0, "Login-issued circuit code")
	fs.StringVar(&opts.AgentID, "agent", "", "Agent UUID from login")
	fs.StringVar(&opts.SessionID, "session", "", "Session UUID from login")
	fs.StringVar(&opts.Say, "say", "", "Optional chat line to send once connected")
	_ = fs.Parse(args)
	return opts
}
