// Command cascada inspects and checks compiled template metadata. The
// compiler toolchain produces .cascm files (the engine's compiled-metadata
// format); this tool decodes them, prints their contract, and runs the
// compile-time validator over them.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/cascada-lang/cascada/core/meta"
	"github.com/cascada-lang/cascada/runtime/validate"
)

const (
	exitSuccess       = 0
	exitInvalidInput  = 1
	exitIOError       = 2
	exitDecodeError   = 3
	exitValidateError = 4
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "cascada",
		Short:         "Cascada compiled-metadata tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(inspectCmd(), checkCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitInvalidInput)
	}
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file.cascm>",
		Short: "Print the compiled contract of a metadata file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, hash, err := decodeFile(args[0])
			if err != nil {
				return err
			}

			name := prog.Name
			if name == "" {
				name = "(string input)"
			}
			fmt.Printf("program: %s\n", name)
			fmt.Printf("hash:    %x\n", hash)
			fmt.Printf("entry:   closure %d of %d\n", prog.Entry, len(prog.Closures))

			for i, c := range prog.Closures {
				fmt.Printf("\nclosure %d", i)
				if c.Sequential {
					fmt.Printf(" (sequential)")
				}
				if c.CreateScope {
					fmt.Printf(" (scoping)")
				}
				fmt.Println()
				if len(c.Declares) > 0 {
					fmt.Printf("  declares: %v\n", c.Declares)
				}
				if len(c.Reads) > 0 {
					fmt.Printf("  reads:    %v\n", c.Reads)
				}
				if len(c.WriteCounts) > 0 {
					fmt.Printf("  writes:   %s\n", formatWriteCounts(c.WriteCounts))
				}
				if len(c.Children) > 0 {
					fmt.Printf("  children: %v\n", c.Children)
				}
			}

			if len(prog.SeqKeys) > 0 {
				fmt.Printf("\nsequence locks: %v\n", prog.SeqKeys)
			}
			for i, g := range prog.Guards {
				fmt.Printf("guard %d: selectors=%v", i, g.Selectors)
				if g.ErrName != "" {
					fmt.Printf(" recover=%s", g.ErrName)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func checkCmd() *cobra.Command {
	var skip []string

	cmd := &cobra.Command{
		Use:   "check <file.cascm>",
		Short: "Run the compile-time validator over a metadata file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, _, err := decodeFile(args[0])
			if err != nil {
				return err
			}

			cfg := validate.Default()
			for _, name := range skip {
				switch name {
				case "frame-balance":
					cfg.FrameBalance = false
				case "declaration-scope":
					cfg.DeclarationScope = false
				case "read-set":
					cfg.ReadSet = false
				case "write-set":
					cfg.WriteSet = false
				case "guards":
					cfg.Guards = false
				default:
					return fmt.Errorf("unknown check %q", name)
				}
			}

			result, err := validate.Program(cfg, prog)
			if err != nil {
				fmt.Fprintf(os.Stderr, "validation failed:\n%v\n", err)
				os.Exit(exitValidateError)
			}

			for _, w := range result.Warnings {
				fmt.Printf("warning: %s\n", w.Message)
			}
			fmt.Printf("ok: %d closures, %d warnings\n", len(prog.Closures), len(result.Warnings))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&skip, "skip", nil,
		"checks to skip (frame-balance, declaration-scope, read-set, write-set, guards)")
	return cmd
}

func decodeFile(path string) (*meta.Program, [32]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading file: %v\n", err)
		os.Exit(exitIOError)
	}
	defer func() { _ = f.Close() }()

	prog, hash, err := meta.Decode(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding %s: %v\n", path, err)
		os.Exit(exitDecodeError)
	}
	return prog, hash, nil
}

func formatWriteCounts(counts map[string]int) string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	out := ""
	for i, name := range names {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s×%d", name, counts[name])
	}
	return out
}
