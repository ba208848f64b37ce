// Keyshift: layered key remapping for Linux evdev keyboards.
//
// The physical keyboard is grabbed, so to test safely run with a timeout,
// e.g. `sudo timeout 20s keyshift --kbd ...`, or type the kill combo.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/uplg/keyshift/internal/config"
	"github.com/uplg/keyshift/internal/engine"
	"github.com/uplg/keyshift/internal/keyboard"
	"github.com/uplg/keyshift/internal/keycodes"
	"github.com/uplg/keyshift/internal/lockfile"
	"github.com/uplg/keyshift/internal/rules"
	"github.com/uplg/keyshift/internal/term"
	"github.com/uplg/keyshift/internal/tray"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const (
	exitOK     = 0
	exitError  = 1
	exitSignal = 2
)

func main() {
	kbdPath := flag.String("kbd", "", "Path of the keyboard device to remap, e.g. in /dev/input/by-path/")
	configStr := flag.String("config", "", "Rules as a semicolon-delimited string, e.g. 'A=B;B=A'")
	configFile := flag.String("config-file", "", "File with remapping rules")
	settingsPath := flag.String("settings", "", "Path to the settings file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	dump := flag.Bool("dump", false, "Print the internal representation of the parsed rules, and exit")
	dryRun := flag.Bool("dry-run", false, "Do not grab the device or create a virtual keyboard; only print previews")
	noTray := flag.Bool("no-tray", false, "Run without system tray")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("keyshift %s (%s) built %s\n", version, commit, buildDate)
		os.Exit(exitOK)
	}

	cfg, err := config.Load(*settingsPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(exitError)
	}
	if *kbdPath == "" {
		*kbdPath = cfg.KeyboardDevice
	}
	if *configFile == "" && *configStr == "" {
		*configFile = cfg.RulesFile
	}
	if *logLevel == "" {
		*logLevel = cfg.LogLevel
	}

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	lines, err := loadRules(*configFile, *configStr)
	if err != nil {
		logger.Error("failed to load rules", "error", err)
		os.Exit(exitError)
	}

	eng := engine.New(logger)
	if err := rules.NewParser(eng).Parse(lines); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR: failed to parse rules")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitError)
	}

	if *dump {
		eng.Dump(os.Stdout)
		os.Exit(exitOK)
	}

	if *kbdPath == "" {
		logger.Error("--kbd is required")
		os.Exit(exitError)
	}

	useTray := cfg.Tray && !*noTray && !*dryRun
	os.Exit(run(eng, *kbdPath, *dryRun, useTray, logger))
}

// loadRules gathers rule lines: file first, inline string appended. The
// inline string splits on semicolons and line breaks.
func loadRules(file, inline string) ([]string, error) {
	var lines []string
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading rules file: %w", err)
		}
		lines = strings.Split(string(data), "\n")
	}
	if inline != "" {
		splitter := func(r rune) bool { return r == ';' || r == '\r' || r == '\n' }
		lines = append(lines, strings.FieldsFunc(inline, splitter)...)
	}
	return lines, nil
}

// run wires the engine to real devices and drives the event loop. Returns
// the process exit code.
func run(eng *engine.Engine, kbdPath string, dryRun, useTray bool, logger *slog.Logger) int {
	logger.Info("keyshift starting", "version", version, "device", kbdPath, "dry_run", dryRun)

	dev, err := keyboard.Open(kbdPath, logger)
	if err != nil {
		logger.Error("failed to open keyboard", "error", err)
		return exitError
	}
	defer dev.Close()

	var vkb *keyboard.VirtualKeyboard

	if dryRun {
		restore, err := term.DisableEcho()
		if err != nil {
			logger.Warn("could not disable terminal echo", "error", err)
		} else {
			defer restore()
		}
		eng.SetEmitFunc(func(code uint16, value int32) {
			fmt.Printf("  Out: %s %s\n", valueTag(value), keycodes.Name(code))
		})
		fmt.Println("Dry run - device not grabbed, previews only.")
	} else {
		lock, err := lockfile.Acquire(kbdPath)
		if err != nil {
			if errors.Is(err, lockfile.ErrHeld) {
				logger.Error("another instance is already remapping this device", "device", kbdPath)
			} else {
				logger.Error("failed to acquire device lock", "error", err)
			}
			return exitError
		}

		vkb, err = keyboard.NewVirtualKeyboard(logger)
		if err != nil {
			lock.Release()
			logger.Error("failed to create virtual keyboard", "error", err)
			logger.Error("make sure you have write access to /dev/uinput")
			return exitError
		}
		defer vkb.Close()

		// Grabbing while a physical key is down leaves the OS thinking
		// it is held forever. Give the user a moment to let go.
		logger.Info("waiting a second, release all keys")
		time.Sleep(time.Second)

		if err := dev.Grab(); err != nil {
			lock.Release()
			logger.Error("failed to grab keyboard", "error", err)
			return exitError
		}
		// The grab itself now excludes other instances.
		lock.Release()

		eng.SetEmitFunc(func(code uint16, value int32) {
			if err := vkb.ForwardEvent(code, value); err != nil {
				logger.Error("failed to write output event", "code", code, "error", err)
			}
		})
	}

	var enabled atomic.Bool
	enabled.Store(true)
	return runLoop(eng, dev, vkb, &enabled, dryRun, useTray, logger)
}

// runLoop processes events until a signal, a read error, the kill combo,
// or a tray quit.
func runLoop(eng *engine.Engine, dev *keyboard.Device, vkb *keyboard.VirtualKeyboard, enabled *atomic.Bool, dryRun, useTray bool, logger *slog.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan *keyboard.KeyEvent, 100)
	readErrs := make(chan error, 1)
	go func() {
		if err := keyboard.ReadEvents(ctx, dev, events); err != nil && !errors.Is(err, context.Canceled) {
			readErrs <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	loop := func() int {
		for {
			select {
			case <-ctx.Done():
				return exitOK
			case sig := <-sigChan:
				logger.Info("shutting down on signal", "signal", sig.String())
				return exitSignal
			case err := <-readErrs:
				logger.Error("error reading events", "device", dev.Name(), "error", err)
				return exitError
			case ev := <-events:
				if dryRun {
					fmt.Printf("In: %s %s\n", valueTag(ev.Value), keycodes.Name(ev.Code))
				}
				if !enabled.Load() {
					if vkb != nil {
						if err := vkb.ForwardEvent(ev.Code, ev.Value); err != nil {
							logger.Error("failed to forward event", "error", err)
						}
					}
					continue
				}
				if err := eng.Process(ev.Code, ev.Value); err != nil {
					logger.Info("kill combo typed, shutting down")
					return exitSignal
				}
			}
		}
	}

	if !useTray {
		return loop()
	}

	// The tray owns the main goroutine (systray requirement); processing
	// moves to a background one.
	codeCh := make(chan int, 1)
	trayIcon := tray.New(tray.Config{
		Enabled: true,
		OnToggle: func(on bool) {
			enabled.Store(on)
			logger.Info("remapping toggled", "enabled", on)
		},
		OnQuit: cancel,
		Logger: logger,
	})
	go func() {
		code := loop()
		codeCh <- code
		trayIcon.Quit()
	}()
	trayIcon.Run()
	return <-codeCh
}

func valueTag(value int32) string {
	switch value {
	case 0:
		return "R"
	case 1:
		return "P"
	case 2:
		return "T"
	}
	return "U"
}
