package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/rendis/secretkv/internal/logging"
	"github.com/rendis/secretkv/internal/vault"
	"github.com/rendis/secretkv/pkg/mcp"
	"github.com/rendis/secretkv/pkg/schema"
)

// Process exit codes.
const (
	exitOK    = 0
	exitErr   = 1
	exitUsage = 2
)

const errMessage = "Something went wrong!"

const usageText = `usage: skv <command> [flags] [args]

commands:
  list     [-a|--all] [--where EXPR]                    list keys
  get      KEY [-H|--history]                           print the value of KEY
  set      KEY VALUE                                    store a new value for KEY
  del      KEY                                          delete KEY
  dump     [--plaintext] [--history] [--query JQ] [-o FILE]
  restore  FILE [--replace]                             load a dump
  serve                                                 MCP server on stdio
  init     [--backend NAME] [--force] ...               write ~/.skv/settings.json
  version                                               print the version

every data command accepts -p/--masterpass and --backend.
`

type cli struct {
	cfg    Config
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	prompt passwordSource
}

func newCLI(cfg Config, stdin io.Reader, stdout, stderr io.Writer) *cli {
	return &cli{
		cfg:    cfg,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		prompt: promptPassword(stdin, stderr),
	}
}

func (c *cli) run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(c.stderr, usageText)
		return exitUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "list", "ls":
		return c.runList(ctx, rest)
	case "get":
		return c.runGet(ctx, rest)
	case "set":
		return c.runSet(ctx, rest)
	case "del", "delete", "rm":
		return c.runDelete(ctx, rest)
	case "dump":
		return c.runDump(ctx, rest)
	case "restore":
		return c.runRestore(ctx, rest)
	case "serve":
		return c.runServe(ctx, rest)
	case "init":
		return c.runInit(rest)
	case "version", "--version":
		printVersion(c.stdout)
		return exitOK
	case "help", "-h", "--help":
		fmt.Fprint(c.stdout, usageText)
		return exitOK
	default:
		fmt.Fprintf(c.stderr, "skv: unknown command %q\n\n", cmd)
		fmt.Fprint(c.stderr, usageText)
		return exitUsage
	}
}

// dataFlags are accepted by every command that opens the store.
type dataFlags struct {
	password string
	backend  string
}

func (c *cli) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func (c *cli) newDataFlagSet(name string) (*flag.FlagSet, *dataFlags) {
	fs := c.newFlagSet(name)
	df := &dataFlags{}
	fs.StringVar(&df.password, "p", "", "master password")
	fs.StringVar(&df.password, "masterpass", "", "master password")
	fs.StringVar(&df.backend, "backend", "", "store backing: file, libsql, memory")
	return fs, df
}

// parseArgs parses flags that may appear before, between, or after positional
// arguments and returns the positionals in order.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
}

func (c *cli) usageError(cmd, msg string) int {
	fmt.Fprintf(c.stderr, "skv %s: %s\n", cmd, msg)
	return exitUsage
}

// --- Commands ---

func (c *cli) runList(ctx context.Context, args []string) int {
	fs, df := c.newDataFlagSet("list")
	var opts vault.ListOptions
	fs.BoolVar(&opts.IncludeDeleted, "a", false, "include deleted keys")
	fs.BoolVar(&opts.IncludeDeleted, "all", false, "include deleted keys")
	fs.StringVar(&opts.Where, "where", "", "CEL filter over key and deleted")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return exitUsage
	}
	if len(pos) != 0 {
		return c.usageError("list", "unexpected arguments")
	}

	return c.withService(ctx, df, func(svc *vault.Service, password string) int {
		return c.emit(vault.List(ctx, svc, password, opts), false)
	})
}

func (c *cli) runGet(ctx context.Context, args []string) int {
	fs, df := c.newDataFlagSet("get")
	var history bool
	fs.BoolVar(&history, "H", false, "print every value, oldest first")
	fs.BoolVar(&history, "history", false, "print every value, oldest first")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return exitUsage
	}
	if len(pos) != 1 {
		return c.usageError("get", "expected KEY")
	}

	return c.withService(ctx, df, func(svc *vault.Service, password string) int {
		return c.emit(vault.Get(ctx, svc, pos[0], password, history), true)
	})
}

func (c *cli) runSet(ctx context.Context, args []string) int {
	fs, df := c.newDataFlagSet("set")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return exitUsage
	}
	if len(pos) != 2 {
		return c.usageError("set", "expected KEY VALUE")
	}

	return c.withService(ctx, df, func(svc *vault.Service, password string) int {
		return c.emit(vault.Set(ctx, svc, pos[0], pos[1], password), false)
	})
}

func (c *cli) runDelete(ctx context.Context, args []string) int {
	fs, df := c.newDataFlagSet("del")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return exitUsage
	}
	if len(pos) != 1 {
		return c.usageError("del", "expected KEY")
	}

	return c.withService(ctx, df, func(svc *vault.Service, password string) int {
		return c.emit(vault.Delete(ctx, svc, pos[0], password), false)
	})
}

// runDump prints the dump document, or with -o writes it to a file and prints
// the dumped keys.
func (c *cli) runDump(ctx context.Context, args []string) int {
	fs, df := c.newDataFlagSet("dump")
	var opts vault.DumpOptions
	var out string
	fs.BoolVar(&opts.Plaintext, "plaintext", false, "decrypt keys and values")
	fs.BoolVar(&opts.History, "history", false, "include every version")
	fs.StringVar(&opts.Query, "query", "", "jq program applied to the document")
	fs.StringVar(&out, "o", "", "write the dump to FILE")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return exitUsage
	}
	if len(pos) != 0 {
		return c.usageError("dump", "unexpected arguments")
	}

	return c.withService(ctx, df, func(svc *vault.Service, password string) int {
		var buf bytes.Buffer
		res := vault.Dump(ctx, svc, password, opts, &buf)
		if !res.IsOk() {
			return c.emit(res, false)
		}
		if out == "" {
			_, _ = c.stdout.Write(buf.Bytes())
			return exitOK
		}
		if err := os.WriteFile(out, buf.Bytes(), 0o600); err != nil {
			fmt.Fprintf(c.stderr, "skv dump: %v\n", err)
			return c.emit(schema.Err(schema.FieldKeys), false)
		}
		return c.emit(res, false)
	})
}

func (c *cli) runRestore(ctx context.Context, args []string) int {
	fs, df := c.newDataFlagSet("restore")
	var opts vault.RestoreOptions
	fs.BoolVar(&opts.Replace, "replace", false, "clear the store before restoring")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return exitUsage
	}
	if len(pos) != 1 {
		return c.usageError("restore", "expected FILE")
	}

	var in io.Reader = c.stdin
	if pos[0] == "-" && df.password == "" && c.cfg.MasterPass == "" {
		return c.usageError("restore", "reading the dump from stdin needs -p or SKV_MASTERPASS")
	}
	if pos[0] != "-" {
		f, err := os.Open(pos[0])
		if err != nil {
			fmt.Fprintf(c.stderr, "skv restore: %v\n", err)
			return c.emit(schema.Err(schema.FieldKeys), false)
		}
		defer f.Close()
		in = f
	}

	return c.withService(ctx, df, func(svc *vault.Service, password string) int {
		return c.emit(vault.Restore(ctx, svc, password, opts, in), false)
	})
}

// runServe never prompts: stdin carries the MCP transport.
func (c *cli) runServe(ctx context.Context, args []string) int {
	fs, df := c.newDataFlagSet("serve")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return exitUsage
	}
	if len(pos) != 0 {
		return c.usageError("serve", "unexpected arguments")
	}

	password := df.password
	if password == "" {
		password = c.cfg.MasterPass
	}

	logger := c.logger()
	svc, err := c.openService(ctx, df, logger)
	if err != nil {
		fmt.Fprintf(c.stderr, "skv serve: %v\n", err)
		return exitErr
	}
	defer svc.Close()

	srv := mcp.NewSkvServer(mcp.SkvServerDeps{
		Service:  svc,
		Password: password,
		Logger:   logger,
		Version:  version,
	})
	logger.InfoContext(ctx, "mcp server listening on stdio", "backend", c.backend(df))
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(c.stderr, "skv serve: %v\n", err)
		return exitErr
	}
	return exitOK
}

// --- Wiring ---

func (c *cli) withService(ctx context.Context, df *dataFlags, fn func(svc *vault.Service, password string) int) int {
	logger := c.logger()
	svc, err := c.openService(ctx, df, logger)
	if err != nil {
		logger.ErrorContext(ctx, "open store", "error", err)
		return c.emit(schema.Err(schema.FieldKeys), false)
	}
	defer svc.Close()

	password, err := c.password(df)
	if err != nil {
		logger.ErrorContext(ctx, "resolve password", "error", err)
		return c.emit(schema.Err(schema.FieldKeys), false)
	}
	return fn(svc, password)
}

// password resolves the master password: flag, then SKV_MASTERPASS, then prompt.
func (c *cli) password(df *dataFlags) (string, error) {
	if df.password != "" {
		return df.password, nil
	}
	if c.cfg.MasterPass != "" {
		return c.cfg.MasterPass, nil
	}
	return c.prompt()
}

func (c *cli) backend(df *dataFlags) string {
	if df.backend != "" {
		return df.backend
	}
	return c.cfg.Backend
}

func (c *cli) logger() *slog.Logger {
	level, err := logging.ParseLevel(c.cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(c.stderr, "skv: %v, using info\n", err)
	}
	return logging.NewLogger(c.stderr, level)
}

// --- Output ---

// emit prints the payload of r as indented JSON. With nullEmpty, empty-string
// values (tombstones) print as null.
func (c *cli) emit(r schema.Result, nullEmpty bool) int {
	if !r.IsOk() {
		c.writeJSON(map[string][]string{"message": {errMessage}})
		return exitErr
	}
	c.writeJSON(payload(r, nullEmpty))
	return exitOK
}

func payload(r schema.Result, nullEmpty bool) map[string][]*string {
	out := make(map[string][]*string, len(r.Data))
	for field, items := range r.Data {
		values := make([]*string, len(items))
		for i := range items {
			if nullEmpty && items[i] == "" {
				continue
			}
			values[i] = &items[i]
		}
		out[field] = values
	}
	return out
}

func (c *cli) writeJSON(v any) {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
