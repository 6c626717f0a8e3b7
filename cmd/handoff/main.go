package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/dgellow/webview-handoff/internal"
	"github.com/dgellow/webview-handoff/internal/config"
	"github.com/dgellow/webview-handoff/internal/instance"
	"github.com/dgellow/webview-handoff/internal/log"
)

var BuildVersion = "dev"

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"version": config.Version,
		"app": map[string]any{
			"name":       "webview-handoff",
			"scheme":     "taiwanfood",
			"authHost":   "auth",
			"tokenParam": "token",
		},
		"target": map[string]any{
			"origin":     "https://www.taiwan-yummy-food.com",
			"startPath":  "/",
			"reloadPath": "/",
		},
		"handoff": map[string]any{
			"settleDelay":    "300ms",
			"timeout":        "10s",
			"dedupWindow":    "30s",
			"loadingOverlay": true,
			"emptyToken":     "navigate",
		},
		"browser": map[string]any{
			"headless":          false,
			"userDataDir":       map[string]string{"$env": "HANDOFF_PROFILE_DIR"},
			"navigationTimeout": "30s",
		},
		"forward": map[string]any{
			"addr": "127.0.0.1:0",
		},
		"storage": map[string]any{
			"kind":            "none",
			"cleanupInterval": "1h",
		},
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig(path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Printf("Validating: %s\n", path)

	if len(result.Errors) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(result.Errors))
		for _, err := range result.Errors {
			if err.Path != "" {
				fmt.Printf("  - %s: %s\n", err.Path, err.Message)
			} else {
				fmt.Printf("  - %s\n", err.Message)
			}
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Printf("\nWarnings (%d):\n", len(result.Warnings))
		for _, warn := range result.Warnings {
			if warn.Path != "" {
				fmt.Printf("  - %s: %s\n", warn.Path, warn.Message)
			} else {
				fmt.Printf("  - %s\n", warn.Message)
			}
		}
	}

	fmt.Println()
	if len(result.Errors) == 0 && len(result.Warnings) == 0 {
		fmt.Println("Result: PASS")
	} else if len(result.Errors) == 0 {
		fmt.Println("Result: FAIL (warnings present)")
	} else {
		fmt.Println("Result: FAIL")
	}

	if len(result.Errors) > 0 || len(result.Warnings) > 0 {
		return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
	}
	return nil
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		log.LogInfoWithFields("main", "No config file given, using defaults", nil)
		return config.Default(), nil
	}
	return config.Load(path)
}

// forward hands uri to an already running host. It reports false when no
// host is running and this invocation should become the host.
func forward(ctx context.Context, cfg config.Config, uri string) (bool, error) {
	path := cfg.Forward.InstanceFile
	if path == "" {
		var err error
		path, err = instance.DefaultPath(cfg.App.Name)
		if err != nil {
			return false, err
		}
	}

	claimed, err := instance.Forward(ctx, path, uri)
	if errors.Is(err, instance.ErrNotRunning) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !claimed {
		log.LogInfoWithFields("main", "Running host did not recognize the activation", nil)
	}
	return true, nil
}

func main() {
	conf := flag.String("config", os.Getenv("HANDOFF_CONFIG"), "path to config file (defaults to $HANDOFF_CONFIG, then built-in defaults)")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	validate := flag.Bool("validate", false, "validate config file and exit")
	open := flag.String("open", "", "activation URI to deliver, e.g. taiwanfood://auth?token=...")
	logLevel := flag.String("log-level", "", "override LOG_LEVEL (error, warn, info, debug, trace)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [activation-uri]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if *logLevel != "" {
		if err := log.SetLogLevel(*logLevel); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	if *validate {
		if *conf == "" {
			fmt.Fprintf(os.Stderr, "Error: -config flag is required for validation\n")
			os.Exit(1)
		}
		if err := validateConfig(*conf); err != nil {
			os.Exit(1)
		}
		return
	}

	// OS URI handlers pass the activation as the first argument
	uri := *open
	if uri == "" && flag.NArg() > 0 {
		uri = flag.Arg(0)
	}

	cfg, err := loadConfig(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	ctx := context.Background()

	if uri != "" {
		forwarded, err := forward(ctx, cfg, uri)
		if err != nil {
			log.LogError("Failed to forward activation: %v", err)
			os.Exit(1)
		}
		if forwarded {
			return
		}
	}

	log.LogInfoWithFields("main", "Starting handoff host", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
		"pending": uri != "",
	})

	app, err := internal.NewApp(ctx, cfg)
	if err != nil {
		log.LogError("Failed to create handoff host: %v", err)
		os.Exit(1)
	}

	if uri != "" {
		if _, err := app.OnCreate(ctx, uri); err != nil {
			log.LogWarn("Ignoring launch activation: %v", err)
		}
	}

	if err := app.Run(ctx); err != nil {
		log.LogError("Handoff host stopped with error: %v", err)
		os.Exit(1)
	}
}
