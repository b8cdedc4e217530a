package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/joho/godotenv"

	"memory-gateway/auth"
	"memory-gateway/config"
)

const defaultCredentialsFile = "./credentials.yaml"

var errUsage = errors.New("usage")

func main() {
	_ = godotenv.Load()

	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			printUsage(os.Stderr)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `memgate-token - manage memory gateway credentials

Usage:
  memgate-token [-file path] <command> [arguments]

Commands:
  create <name> <admin|member> [collection...]   Create a credential and print its token once
  list                                            List credentials (tokens are never shown)
  revoke <name>                                   Remove a credential

The file defaults to $MEMGATE_CREDENTIALS_FILE or ./credentials.yaml.
Send SIGHUP to a running gateway to apply changes.`)
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("memgate-token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	path := os.Getenv("MEMGATE_CREDENTIALS_FILE")
	if path == "" {
		path = defaultCredentialsFile
	}
	fs.StringVar(&path, "file", path, "credentials file")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() == 0 {
		return errUsage
	}

	creds, err := auth.LoadCredentials(path)
	if err != nil {
		return err
	}

	rest := fs.Args()[1:]
	switch fs.Arg(0) {
	case "create":
		if len(rest) < 2 {
			return errUsage
		}
		updated, token, err := auth.CreateCredential(creds, rest[0], config.Role(rest[1]), rest[2:])
		if err != nil {
			return err
		}
		if err := auth.SaveCredentials(path, updated); err != nil {
			return err
		}
		fmt.Fprintf(out, "Created credential %s. Store this token now, it will not be shown again:\n%s\n", rest[0], token)
	case "list":
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tROLE\tCOLLECTIONS")
		for _, cred := range creds {
			collections := strings.Join(cred.Collections, ",")
			if collections == "" {
				collections = auth.AllCollections
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", cred.Name, cred.Role, collections)
		}
		return tw.Flush()
	case "revoke":
		if len(rest) != 1 {
			return errUsage
		}
		updated, removed := auth.RevokeCredential(creds, rest[0])
		if !removed {
			return fmt.Errorf("no credential named %s", rest[0])
		}
		if err := auth.SaveCredentials(path, updated); err != nil {
			return err
		}
		fmt.Fprintf(out, "Revoked credential %s\n", rest[0])
	default:
		return errUsage
	}
	return nil
}
