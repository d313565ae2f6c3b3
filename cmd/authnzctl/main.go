// Command authnzctl manages the third-party identities connected to an
// authnzd session from the terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"authnzd/client"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("authnzctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	baseURL := fs.String("url", getEnv("AUTHNZD_URL", "http://127.0.0.1:8080"), "authnzd base URL")
	session := fs.String("session", getEnv("AUTHNZD_SESSION", ""), "value of the authnz_session cookie")
	timeout := fs.Duration("timeout", 15*time.Second, "request timeout")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: authnzctl [flags] list | login <provider> | disconnect <provider>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	c, err := client.New(client.Config{BaseURL: *baseURL, SessionCookie: *session})
	if err != nil {
		logger.Error("client init failed", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := dispatch(ctx, c, fs.Args(), stdout); err != nil {
		if errors.Is(err, errUsage) {
			fs.Usage()
			return 2
		}
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			fmt.Fprintln(stderr, apiErr.Message)
			return 1
		}
		logger.Error("request failed", "error", err)
		return 1
	}
	return 0
}

var errUsage = errors.New("usage")

func dispatch(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "list":
		ids, err := c.Identities(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintf(out, "%s\t%s\n", id.Provider, id.ID)
		}
		return nil
	case "login":
		if len(args) != 2 {
			return errUsage
		}
		redirect, err := c.Login(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, redirect)
		return nil
	case "disconnect":
		if len(args) != 2 {
			return errUsage
		}
		return c.Disconnect(ctx, client.Identity{Provider: args[1]})
	default:
		return errUsage
	}
}
