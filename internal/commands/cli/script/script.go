// Package script provides commands to check and run scripts outside of the
// server.
package script

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andrei-cloud/go_fcgid/internal/app"
	"github.com/andrei-cloud/go_fcgid/internal/config"
	"github.com/andrei-cloud/go_fcgid/internal/script"
	"github.com/andrei-cloud/go_fcgid/internal/statepool"
	"github.com/spf13/cobra"
)

// NewScriptCommand creates the script command group.
func NewScriptCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "script",
		Short: "Check or run scripts locally",
	}
	cmd.AddCommand(newCheckCommand(), newRunCommand())

	return cmd
}

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <file>...",
		Short: "Load scripts and report syntax errors",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Get()
			ctx := cmd.Context()

			prelude, err := readPrelude(cfg.Pool.Prelude)
			if err != nil {
				return err
			}
			mux, err := script.NewDefaultMux(ctx, prelude, cfg.Pool.Prelude)
			if err != nil {
				return err
			}
			defer mux.Close(context.Background())

			return checkFiles(ctx, cmd, mux, args)
		},
	}
}

func readPrelude(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prelude: %w", err)
	}

	return data, nil
}

// checkFiles loads every file once and reports one line per file.
func checkFiles(ctx context.Context, cmd *cobra.Command, rt script.Runtime, files []string) error {
	failed := 0
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err == nil {
			var inst script.Instance
			if inst, err = rt.Load(ctx, file, content); err == nil {
				err = inst.Close()
			}
		}
		if err != nil {
			failed++
			cmd.Printf("FAIL %s: %v\n", file, err)
			continue
		}
		cmd.Printf("ok   %s\n", file)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scripts failed", failed, len(files))
	}

	return nil
}

func newRunCommand() *cobra.Command {
	var (
		env  map[string]string
		body string
	)

	cmd := &cobra.Command{
		Use:   "run <script>",
		Short: "Execute a script once and print the response",
		Long: `Execute a script below the document root through the interpreter pool,
as the server would, and print the status line, headers and body.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), config.Get())
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			return runOnce(cmd, a, args[0], env, body)
		},
	}

	cmd.Flags().StringToStringVarP(&env, "env", "e", nil, "request parameters (KEY=value)")
	cmd.Flags().StringVarP(&body, "body", "b", "", "request body")

	return cmd
}

func runOnce(cmd *cobra.Command, a *app.App, key string, env map[string]string, body string) error {
	out, err := a.Workers.Submit(cmd.Context(), &statepool.Request{
		Script: key,
		Env:    env,
		Body:   []byte(body),
	})
	if err != nil {
		return err
	}

	switch out.Kind {
	case statepool.Success:
		resp := out.Response
		defer resp.Release()

		cmd.Printf("Status: %s\n", resp.Status)
		cmd.Printf("Content-Type: %s\n", resp.ContentType)
		for _, h := range a.Config.Headers() {
			cmd.Printf("%s: %s\n", h[0], h[1])
		}
		for _, h := range resp.Headers {
			cmd.Printf("%s: %s\n", h.Name, h.Value)
		}
		cmd.Println()
		_, err := resp.WriteTo(cmd.OutOrStdout())
		return err
	case statepool.NotFound:
		return fmt.Errorf("script %s not found", out.Key)
	default:
		return errors.New(out.Message)
	}
}
