package proxyvisor

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"
)

const usage = `proxyvisor: supervise named instances of a proxy program

Usage:
  proxyvisor serve [flags]      Run the supervisor daemon
  proxyvisor start [flags] [-- ARGV...]
                                Start (or replace) an instance
  proxyvisor stop [flags]       Stop an instance, or all with -all
  proxyvisor restart [flags]    Restart an instance with its last arguments
  proxyvisor list [flags]       List running instances
  proxyvisor logs [flags]       Print recent instance output

Client commands talk to the daemon's control API (-addr, default
$PROXYVISOR_ADDR or 127.0.0.1:9999).
`

// Execute runs the proxyvisor command line.
func Execute() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(0)
	}
	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stderr, usage)
		return
	case "serve":
		err = serveCmd(args)
	case "start":
		err = startCmd(args, os.Stdout)
	case "stop":
		err = stopCmd(args, os.Stdout)
	case "restart":
		err = restartCmd(args, os.Stdout)
	case "list":
		err = listCmd(args, os.Stdout)
	case "logs":
		err = logsCmd(args, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "proxyvisor: unknown command %q\n\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "proxyvisor: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd(args []string) error {
	fs := flag.NewFlagSet("proxyvisor serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML or JSON configuration file")
	listen := fs.String("listen", "", "control API address (overrides config)")
	follow := fs.Bool("follow", false, "print instance output to stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config from %s: %w", *configPath, err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	logger, logCloser, err := SetupLogging(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if err := AcquirePIDFile(cfg.PIDFile); err != nil {
		logger.Error("PID file check failed", slog.String("file", cfg.PIDFile), slog.String("err", err.Error()))
		return err
	}
	defer ReleasePIDFile(cfg.PIDFile)

	logger.Info("Supervisor: starting",
		slog.String("executable", cfg.Executable),
		slog.String("workDir", cfg.WorkDir),
		slog.Int("instances", len(cfg.Instances)))

	var out io.Writer
	if *follow {
		out = os.Stdout
	}
	d := NewDaemon(cfg, logger, out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigC)
	for {
		select {
		case sig := <-sigC:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("Supervisor: SIGHUP received, restarting running instances")
				d.Reload("sighup")
			default:
				logger.Info("Supervisor: shutdown signal received, stopping all instances")
				cancel()
			}
		case err := <-done:
			return err
		}
	}
}

// clientFlags registers the flags shared by every client command.
func clientFlags(fs *flag.FlagSet) *string {
	def := os.Getenv("PROXYVISOR_ADDR")
	if def == "" {
		def = defaultListen
	}
	return fs.String("addr", def, "control API address")
}

func startCmd(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("proxyvisor start", flag.ExitOnError)
	addr := clientFlags(fs)
	name := fs.String("name", defaultInstance, "instance name")
	mode := fs.String("mode", string(ModeSimple), "argument mode: simple, cmdline or config")
	bind := fs.String("bind", "", "local bind address (simple mode)")
	endpoint := fs.String("endpoint", "", "upstream endpoint (simple mode)")
	proxy := fs.String("proxy", "", "upstream proxy (simple mode)")
	cmdline := fs.String("cmdline", "", "raw argument string (cmdline mode)")
	config := fs.String("config", "", "config file name without .json (config mode)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	spec := ArgSpec{
		Mode:     Mode(*mode),
		Bind:     *bind,
		Endpoint: *endpoint,
		Proxy:    *proxy,
		Cmdline:  *cmdline,
		Config:   *config,
	}
	acc, err := NewClient(*addr).Start(*name, spec, fs.Args())
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %s: %s\n", acc.Action, acc.Instance, acc.Status)
	return nil
}

func stopCmd(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("proxyvisor stop", flag.ExitOnError)
	addr := clientFlags(fs)
	name := fs.String("name", defaultInstance, "instance name")
	all := fs.Bool("all", false, "stop every instance")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := NewClient(*addr)
	var acc *Accepted
	var err error
	if *all {
		acc, err = c.StopAll()
	} else {
		acc, err = c.Stop(*name)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %s: %s\n", acc.Action, acc.Instance, acc.Status)
	return nil
}

func restartCmd(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("proxyvisor restart", flag.ExitOnError)
	addr := clientFlags(fs)
	name := fs.String("name", defaultInstance, "instance name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	acc, err := NewClient(*addr).Restart(*name)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %s: %s\n", acc.Action, acc.Instance, acc.Status)
	return nil
}

func listCmd(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("proxyvisor list", flag.ExitOnError)
	addr := clientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	infos, err := NewClient(*addr).List()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Fprintln(w, "No instances running.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPID\tMODE\tUPTIME\tSTARTED\tARGS")
	for _, info := range infos {
		mode := info.Mode
		if mode == "" {
			mode = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			info.Name, info.PID, mode, info.Uptime,
			info.StartedAt.Format(time.DateTime), strings.Join(info.Argv, " "))
	}
	return tw.Flush()
}

func logsCmd(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("proxyvisor logs", flag.ExitOnError)
	addr := clientFlags(fs)
	name := fs.String("name", "", "only show this instance")
	limit := fs.Int("limit", defaultLogLimit, "maximum number of lines per request")
	follow := fs.Bool("follow", false, "keep polling for new lines")
	interval := fs.Duration("interval", time.Second, "poll interval with -follow")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := NewClient(*addr)
	var since int64
	for {
		page, err := c.Logs(*name, since, *limit)
		if err != nil {
			return err
		}
		for _, e := range page.Entries {
			fmt.Fprintf(w, "%s [%s] %s\n", e.Time.Format(time.TimeOnly), e.Instance, formatLine(e.LogEvent))
			since = e.ID
		}
		if page.Latest > since && len(page.Entries) == 0 {
			since = page.Latest
		}
		if !*follow {
			return nil
		}
		if *limit > 0 && len(page.Entries) == *limit {
			continue
		}
		time.Sleep(*interval)
	}
}
