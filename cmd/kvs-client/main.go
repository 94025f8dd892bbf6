package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pro0o/kvs/client"
)

const defaultAddr = "127.0.0.1:4000"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "Server address, host:port")
	timeout := fs.Duration("timeout", 10*time.Second, "Request timeout")

	var want int
	switch command {
	case "get", "rm":
		want = 1
	case "set":
		want = 2
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	args := parseArgs(fs, os.Args[2:])
	if len(args) != want {
		fmt.Fprintf(os.Stderr, "%s expects %d argument(s), got %d\n", command, want, len(args))
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c := client.New(*addr)

	switch command {
	case "get":
		val, found, err := c.Get(ctx, args[0])
		if err != nil {
			fail(err)
		}
		if !found {
			fmt.Println("Key not found")
			return
		}
		fmt.Println(val)

	case "set":
		if err := c.Set(ctx, args[0], args[1]); err != nil {
			fail(err)
		}

	case "rm":
		if err := c.Remove(ctx, args[0]); err != nil {
			if client.IsKeyNotFound(err) {
				fmt.Fprintln(os.Stderr, "Key not found")
				os.Exit(1)
			}
			fail(err)
		}
	}
}

// parseArgs accepts flags before, between or after the positional arguments.
func parseArgs(fs *flag.FlagSet, args []string) []string {
	var positional []string
	for {
		fs.Parse(args)
		rest := fs.Args()
		// everything after "--" is positional, even if it looks like a flag
		if consumed := len(args) - len(rest); consumed > 0 && args[consumed-1] == "--" {
			return append(positional, rest...)
		}
		if len(rest) == 0 {
			return positional
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func printUsage() {
	fmt.Println(`kvs-client - talk to a kvs-server

Usage:
  kvs-client <command> [options] <KEY> [VALUE]

Commands:
  get KEY          Print the value of KEY
  set KEY VALUE    Store VALUE under KEY
  rm KEY           Remove KEY (exit 1 if it does not exist)
  help             Show this help

Options:
  -addr host:port  Server address (default 127.0.0.1:4000)
  -timeout dur     Request timeout (default 10s)`)
}
