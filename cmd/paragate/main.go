// Copyright 2021 The paragate Authors
// This file is part of paragate.
//
// paragate is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// paragate is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with paragate. If not, see <http://www.gnu.org/licenses/>.

// paragate runs a cross-chain asset gateway against a graphene ledger, plus
// the operator tooling around one: audit inspection, key pool minting,
// balance reports and paper-chain rehearsals.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/paragate/paragate/config"
	"github.com/paragate/paragate/gateway"
	"github.com/paragate/paragate/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	// Automatically set GOMAXPROCS to match the container CPU quota.
	_ "go.uber.org/automaxprocs"
)

const (
	versionMajor = 0 // Major version component of the current release
	versionMinor = 1 // Minor version component of the current release
	versionPatch = 0 // Patch version component of the current release
)

// gitCommit is injected by the build scripts via linker flags.
var gitCommit = ""

func version() string {
	v := fmt.Sprintf("%d.%d.%d", versionMajor, versionMinor, versionPatch)
	if len(gitCommit) >= 8 {
		v += "-" + gitCommit[:8]
	}
	return v
}

var (
	datadirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the audit database, bus documents and instance lock",
		Value: defaultDataDir(),
	}
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file overlaying the compiled defaults",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	logJSONFlag = &cli.BoolFlag{
		Name:  "log.json",
		Usage: "Format logs with JSON",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "Write logs to a file, rotated and compressed as it grows",
	}
)

var app = &cli.App{
	Name:      "paragate",
	Usage:     "cross-chain asset gateway for graphene ledgers",
	Version:   version(),
	Copyright: "Copyright 2021 The paragate Authors",
	Flags: []cli.Flag{
		datadirFlag,
		configFlag,
		verbosityFlag,
		logJSONFlag,
		logFileFlag,
	},
	Before: setupLogging,
	Action: run,
	Commands: []*cli.Command{
		auditCommand,
		balancesCommand,
		poolCommand,
		rehearseCommand,
		versionCommand,
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run boots the gateway and blocks until an interrupt brings it down.
func run(ctx *cli.Context) error {
	if args := ctx.Args().Slice(); len(args) > 0 {
		return fmt.Errorf("invalid command: %q", args[0])
	}
	cfg, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		return err
	}
	g := gateway.New(cfg, ctx.String(datadirFlag.Name))
	if err := g.Start(); err != nil {
		return err
	}
	if path := ctx.String(configFlag.Name); path != "" {
		stop, err := config.Watch(path, func() {
			log.Warn("Configuration changed on disk, restart to apply")
		})
		if err != nil {
			log.Warn("Config watch unavailable", "err", err)
		} else {
			defer stop()
		}
	}
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go g.Stop()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.Warn("Already shutting down, interrupt more to panic.", "times", i-1)
			}
		}
		panic("boom")
	}()
	g.Wait()
	return nil
}

// setupLogging wires the process-wide logger from the logging flags. Colors
// stay off when logs also go to a file, so the rotated copies on disk do not
// fill up with escape codes.
func setupLogging(ctx *cli.Context) error {
	var (
		level   = log.FromLegacyLevel(ctx.Int(verbosityFlag.Name))
		logFile = ctx.String(logFileFlag.Name)
		output  = io.Writer(os.Stderr)
	)
	if logFile != "" {
		output = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // megabytes
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	var handler slog.Handler
	if ctx.Bool(logJSONFlag.Name) {
		handler = log.JSONHandlerWithLevel(output, level)
	} else {
		useColor := logFile == "" && (isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())) && os.Getenv("TERM") != "dumb"
		if useColor {
			output = colorable.NewColorable(os.Stderr)
		}
		handler = log.NewTerminalHandlerWithLevel(output, level, useColor)
	}
	log.SetDefault(log.NewLogger(handler))
	return nil
}

// defaultDataDir places the data folder in the user's home directory, or
// falls back to a relative directory when the home cannot be resolved.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "paragate-data"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Paragate")
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", "Paragate")
	default:
		return filepath.Join(home, ".paragate")
	}
}
