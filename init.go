package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const (
	sentinelStart = "<!-- repoindex:start -->"
	sentinelEnd   = "<!-- repoindex:end -->"
)

// newInitCmd returns the `repoindex init` subcommand, which writes (or
// updates) a repoindex usage section in a CLAUDE.md file.
func newInitCmd(stdout, stderr io.Writer) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "init [path-to-CLAUDE.md]",
		Short: "Write a repoindex usage section to CLAUDE.md",
		Long: `Write a repoindex usage section to a CLAUDE.md file. The section is wrapped in
sentinel comments so it can be updated in place on subsequent runs without
touching surrounding content. Creates the file if it does not exist.

path-to-CLAUDE.md defaults to ./CLAUDE.md.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(args, dryRun, stdout, stderr)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print what would be written without modifying the file")
	return cmd
}

func runInit(args []string, dryRun bool, stdout, stderr io.Writer) error {
	section := generateSection()

	// --dry-run with no path: just print the section itself.
	if dryRun && len(args) == 0 {
		_, _ = fmt.Fprintln(stdout, section)
		return nil
	}

	path := "CLAUDE.md"
	if len(args) > 0 {
		path = args[0]
	}

	existing, _ := os.ReadFile(path)
	updated := applySection(string(existing), section)

	if dryRun {
		_, _ = fmt.Fprint(stdout, updated)
		return nil
	}

	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	_, _ = fmt.Fprintf(stderr, "wrote repoindex section to %s\n", path)
	return nil
}

// generateSection returns the full sentinel-wrapped repoindex documentation block.
func generateSection() string {
	body := `## repoindex: Code Index

This repository keeps a code index in ` + "`.repoindex/`" + `: a small core document
listing every module, plus one detail document per module with its files,
symbols and call edges. Load only the modules a task needs.

**Availability:** Check with ` + "`repoindex --version`" + ` first; skip gracefully if
not found.

**Read it:**
` + "```" + `bash
repoindex show                      # core: modules, stats, cross-module calls
repoindex resolve path/to/file.py   # which module owns a file
repoindex module lib                # one module's files, symbols and calls
repoindex module --path lib/x.py    # the module that owns a file
` + "```" + `

**Keep it fresh:** Run ` + "`repoindex update`" + ` after editing files. It rebuilds
only the modules touched by the change and their direct dependents, and falls
back to a full rebuild when the result does not validate. If an index is
reported as unsupported or corrupt, run ` + "`repoindex build --full`" + `.

**How to use the output, follow these rules:**

1. **Start from the core.** The ` + "`modules`" + ` table tells you where code lives.
   Do not start with directory listings.

2. **Use ` + "`symbols`" + ` instead of Grep to find definitions.** A module's
   ` + "`symbols`" + ` table lists every class, function and method with its line.

3. **Use ` + "`calls`" + ` to trace call chains.** Module documents hold calls inside
   the module; the core holds calls between modules.

4. **Only fall back to Glob/Grep for things repoindex cannot answer**, e.g.
   finding all usages of a symbol, or searching within a file you've already
   identified.`

	return sentinelStart + "\n" + body + "\n" + sentinelEnd
}

// applySection inserts section into content, replacing an existing sentinel
// block if present or appending if not. It is a pure function for easy testing.
func applySection(content, section string) string {
	start := strings.Index(content, sentinelStart)
	end := strings.Index(content, sentinelEnd)

	if start >= 0 && end > start {
		return content[:start] + section + content[end+len(sentinelEnd):]
	}

	// Append, ensuring a blank line separator.
	if len(content) > 0 && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + "\n" + section + "\n"
}
