package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	sys "golang.org/x/sys/unix"

	"github.com/dawesi/luceedebug/dwp/wire"
	"github.com/dawesi/luceedebug/proc"
	"github.com/dawesi/luceedebug/service"
	"github.com/dawesi/luceedebug/service/manager"
)

const version = "2.0.0"

func main() {
	var configPath string

	rootCommand := &cobra.Command{
		Use:   "luceedebug",
		Short: "Source-level debug adapter for CFML on the JVM.",
	}
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "path to the adapter configuration file")

	attachCommand := &cobra.Command{
		Use:   "attach",
		Short: "Attach to a running target VM and serve the debug session.",
		Run: func(cmd *cobra.Command, args []string) {
			attach(configPath)
		},
	}

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Print version number and exit.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("luceedebug version: %s\n", version)
		},
	}

	rootCommand.AddCommand(attachCommand, versionCommand)
	if err := rootCommand.Execute(); err != nil {
		die(1, err)
	}
}

func attach(configPath string) {
	conf, err := service.LoadConfig(configPath)
	if err != nil {
		die(1, "Could not load configuration:", err)
	}
	setupLogging(conf)

	vm, err := wire.Dial(conf.JdwpAddr())
	if err != nil {
		die(1, "Could not attach to target vm:", err)
	}

	bridge, err := manager.NewClient(conf.ManagerAddr)
	if err != nil {
		die(1, "Could not reach the debug manager bridge:", err)
	}

	engine, err := proc.Attach(vm, bridge, bridge, conf.PathResolver())
	if err != nil {
		die(1, "Could not start the debug engine:", err)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sys.SIGINT, sys.SIGTERM)
	done := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		engine.Wait()
		close(done)
		return nil
	})
	g.Go(func() error {
		select {
		case sig := <-ch:
			logrus.WithField("signal", sig).Info("shutting down")
			engine.Close()
		case <-done:
		}
		return nil
	})
	g.Wait()
	bridge.Close()
}

func setupLogging(conf *service.Config) {
	level, err := logrus.ParseLevel(conf.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if conf.LogFile != "" {
		f, err := os.OpenFile(conf.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			die(1, "Could not open log file:", err)
		}
		logrus.SetOutput(f)
		return
	}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.SetOutput(colorable.NewColorableStderr())
		logrus.SetFormatter(&logrus.TextFormatter{ForceColors: true})
	}
}

func die(status int, args ...interface{}) {
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(status)
}
