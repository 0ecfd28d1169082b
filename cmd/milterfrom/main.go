// Command milterfrom runs a milter that rejects mail from authenticated
// senders whose From: header does not match the envelope sender.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/magcks/milterfrom"
	"github.com/magcks/milterfrom/milter"
)

// sysexits.h values kept for compatibility with existing service units.
const (
	exUsage       = 64
	exUnavailable = 69
)

// daemonEnv marks the re-executed child of -d.
const daemonEnv = "MILTERFROM_DAEMON"

func main() {
	sockSpec := flag.String("s", "", "milter socket specification, e.g. unix:/run/milterfrom.sock or inet:8890@localhost (required)")
	pidFile := flag.String("p", "", "write process id to `file`")
	daemonFlag := flag.Bool("d", false, "detach from the terminal and run in the background")
	confFile := flag.String("c", "", "read configuration from `file`")
	flag.Parse()

	cfg := milterfrom.DefaultConfig
	if *confFile != "" {
		c, err := milterfrom.LoadConfig(*confFile)
		if err != nil {
			log.Print(err)
			os.Exit(1)
		}
		cfg = *c
	}
	if *sockSpec != "" {
		cfg.Listen = *sockSpec
	}
	if cfg.Listen == "" {
		fmt.Fprintf(os.Stderr, "%s: Missing required -s argument\n", os.Args[0])
		os.Exit(exUsage)
	}

	network, address, err := milterfrom.ParseSocketSpec(cfg.Listen)
	if err != nil {
		log.Print(err)
		os.Exit(exUsage)
	}

	if *daemonFlag {
		if err := daemonize(); err != nil {
			log.Printf("daemonize failed: %v", err)
			os.Exit(1)
		}
	}

	if *pidFile != "" {
		if err := writePidFile(*pidFile); err != nil {
			log.Printf("Could not open pidfile: %v", err)
			os.Exit(1)
		}
	}

	hooks := cfg.BuildHooks()
	for _, h := range hooks {
		h.AfterInit()
	}

	// Allows to set the permissions of the created unix socket
	syscall.Umask(cfg.UMask)

	if network == "unix" {
		// remove a stale socket from a previous run
		if _, err := os.Stat(address); err == nil {
			os.Remove(address)
		}
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		log.Printf("Failed to setup listener: %v", err)
		os.Exit(exUnavailable)
	}

	if cfg.MetricsListen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				log.Printf("Metrics listener failed: %v", err)
			}
		}()
	}

	s := milter.Server{
		NewMilter: func() milter.Milter {
			return milterfrom.NewFilter(hooks)
		},
	}

	// Closing the listener will unlink the unix socket, if any
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		s.Close()
	}()

	log.Printf("Milter listening at %s://%s", ln.Addr().Network(), ln.Addr())
	if err := s.Serve(ln); err != nil && err != milter.ErrServerClosed {
		log.Printf("Failed to serve: %v", err)
		os.Exit(exUnavailable)
	}
}

// daemonize re-executes the process detached from the terminal. The parent
// exits once the child is running.
func daemonize() error {
	if os.Getenv(daemonEnv) != "" {
		os.Unsetenv(daemonEnv)
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devNull.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.Dir = "/"
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	os.Exit(0)
	return nil
}

func writePidFile(path string) error {
	os.Remove(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d\n", os.Getpid())
	return err
}
