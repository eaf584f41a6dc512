// File: cmd/exec.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptharness/internal/browser"
	"github.com/xkilldash9x/scriptharness/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const shutdownGracePeriod = 10 * time.Second

type execOptions struct {
	url        string
	elements   []string
	args       []string
	script     string
	scriptFile string
	async      bool
	timeout    time.Duration
}

// newExecCmd creates the `exec` command, which opens a page, runs one script in it and
// prints the result as JSON.
func newExecCmd(root *rootOptions) *cobra.Command {
	o := &execOptions{}

	execCmd := &cobra.Command{
		Use:   "exec",
		Short: "Runs a script in a page and prints its result as JSON",
		Long: `Opens --url in a fresh browser tab, resolves each --element selector, and runs the
script as a function body. Elements are passed first, then each --arg, through the
arguments object. With --async the script receives a completion callback as its last
argument and the result is the value passed to it.`,
		Example: `  scriptharness exec --url https://example.com --element h1 \
    --script 'arguments[0].innerText = arguments[1]; return arguments[0].innerText;' --arg '"New Text"'

  scriptharness exec --url https://example.com --async --timeout 2s \
    --script 'var done = arguments[arguments.length - 1]; setTimeout(function() { done(document.title); }, 500);'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd.Context(), o, cmd.OutOrStdout())
		},
	}

	flags := execCmd.Flags()
	flags.StringVarP(&o.url, "url", "u", "", "page to open (required)")
	flags.StringArrayVarP(&o.elements, "element", "e", nil, "CSS selector to locate and pass as an argument (repeatable)")
	flags.StringArrayVarP(&o.args, "arg", "a", nil, "argument as a JSON literal; anything that is not valid JSON is passed as a string (repeatable)")
	flags.StringVarP(&o.script, "script", "s", "", "script body to run")
	flags.StringVarP(&o.scriptFile, "script-file", "f", "", "read the script body from a file ('-' for stdin)")
	flags.BoolVar(&o.async, "async", false, "run asynchronously and wait for the injected callback")
	flags.DurationVarP(&o.timeout, "timeout", "t", 0, "async callback timeout (default harness.script_timeout)")
	flags.Bool("headless", true, "run the browser without a window")
	flags.String("remote-url", "", "attach to a running browser's DevTools endpoint instead of launching one")

	_ = execCmd.MarkFlagRequired("url")
	execCmd.MarkFlagsOneRequired("script", "script-file")
	execCmd.MarkFlagsMutuallyExclusive("script", "script-file")

	// Flags override the config file and environment.
	_ = root.v.BindPFlag("browser.headless", flags.Lookup("headless"))
	_ = root.v.BindPFlag("browser.remote_url", flags.Lookup("remote-url"))

	return execCmd
}

func runExec(ctx context.Context, o *execOptions, out io.Writer) error {
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return err
	}
	logger := observability.GetLogger().Named("exec")

	script, err := resolveScript(o.script, o.scriptFile, os.Stdin)
	if err != nil {
		return err
	}
	scriptArgs := parseScriptArgs(o.args)

	manager, err := browser.NewManager(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Browser shutdown incomplete.", zap.Error(err))
		}
	}()

	session, err := manager.Open(ctx, o.url)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		_ = session.Close(closeCtx)
	}()

	callArgs := make([]interface{}, 0, len(o.elements)+len(scriptArgs))
	for _, selector := range o.elements {
		ref, err := session.Locate(ctx, selector)
		if err != nil {
			return err
		}
		callArgs = append(callArgs, ref)
	}
	callArgs = append(callArgs, scriptArgs...)

	logger.Debug("Running script.",
		zap.String("url", o.url),
		zap.Bool("async", o.async),
		zap.Int("args", len(callArgs)),
	)

	var result interface{}
	if o.async {
		result, err = session.RunAsync(ctx, script, o.timeout, callArgs...)
	} else {
		result, err = session.RunSync(ctx, script, callArgs...)
	}
	if err != nil {
		return err
	}
	return writeResult(out, result)
}

// resolveScript returns the inline script, or reads it from path ("-" reads stdin).
func resolveScript(inline, path string, stdin io.Reader) (string, error) {
	if path == "" {
		return inline, nil
	}
	var (
		b   []byte
		err error
	)
	if path == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read script: %w", err)
	}
	return string(b), nil
}

// parseScriptArgs decodes each argument as JSON, keeping it as a plain string when it is
// not valid JSON. `--arg 42` is a number, `--arg '"42"'` and `--arg hello` are strings.
func parseScriptArgs(raw []string) []interface{} {
	out := make([]interface{}, 0, len(raw))
	for _, s := range raw {
		var v interface{}
		if err := json.UnmarshalFromString(s, &v); err != nil {
			out = append(out, s)
			continue
		}
		out = append(out, v)
	}
	return out
}

// writeResult prints result as indented JSON. Returned elements are printed as their
// description since they cannot leave the page.
func writeResult(w io.Writer, result interface{}) error {
	b, err := json.MarshalIndent(printable(result), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// printable replaces element references, at any depth, with {"element": description}.
func printable(v interface{}) interface{} {
	switch t := v.(type) {
	case *browser.ElementRef:
		return map[string]string{"element": t.String()}
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = printable(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = printable(item)
		}
		return out
	default:
		return v
	}
}
