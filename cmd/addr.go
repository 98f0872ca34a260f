package cmd

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// parseServeAddr parses the server address from the command line,
// falling back to the configured default. Supported forms:
//
//	ensemble serve :8080           (positional)
//	ensemble serve --addr :8080    (flag)
//	ensemble serve -addr :8080     (single dash)
func parseServeAddr(defaultAddr string) (string, error) {
	serveFlags := flag.NewFlagSet("serve", flag.ContinueOnError)
	serveFlags.SetOutput(os.Stderr)

	addr := serveFlags.String("addr", defaultAddr, "Server address (host:port)")

	var args []string
	if len(os.Args) > 2 {
		args = os.Args[2:]
	}

	// Positional form first: ensemble serve :8080.
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		*addr = args[0]
		args = args[1:]
	}

	if err := serveFlags.Parse(args); err != nil {
		return "", fmt.Errorf("parsing serve flags: %w", err)
	}

	if err := validateAddr(*addr); err != nil {
		return "", fmt.Errorf("invalid address %q: %w", *addr, err)
	}

	return *addr, nil
}

// validateAddr checks host:port shape and a usable port number.
func validateAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be in host:port format: %w", err)
	}

	if host != "" && host != "localhost" && net.ParseIP(host) == nil {
		if strings.ContainsAny(host, " \t\n") {
			return fmt.Errorf("invalid host: %s", host)
		}
	}

	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric: %w", err)
	}
	// Port 0 binds an ephemeral port, which is fine for testing.
	if n < 0 || n > 65535 {
		return fmt.Errorf("port %d out of range", n)
	}

	return nil
}
