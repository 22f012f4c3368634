package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tabletalk/tabletalk/internal/cli/tabletalkctl"
)

const defaultCLITimeout = 60 * time.Second

func main() {
	options := optionsFromEnv(os.LookupEnv, os.Stderr)
	options.Stdout = os.Stdout
	options.Stderr = os.Stderr

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := tabletalkctl.Run(ctx, os.Args[1:], options)
	stop()
	os.Exit(code)
}

// optionsFromEnv seeds the global flags; explicit flags still win inside Run.
func optionsFromEnv(lookup func(string) (string, bool), warn io.Writer) tabletalkctl.Options {
	get := func(key string) string {
		value, _ := lookup(key)
		return strings.TrimSpace(value)
	}

	options := tabletalkctl.Options{
		BaseURL: get("TABLETALK_API_URL"),
		APIKey:  get("TABLETALK_API_KEY"),
		Timeout: defaultCLITimeout,
	}
	if options.BaseURL == "" {
		options.BaseURL = "http://localhost:8080"
	}
	if raw := get("TABLETALK_CLI_TIMEOUT"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			_, _ = fmt.Fprintf(warn, "ignoring TABLETALK_CLI_TIMEOUT=%q, using %s\n", raw, defaultCLITimeout)
		} else {
			options.Timeout = parsed
		}
	}
	return options
}
