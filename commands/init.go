package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/c360studio/semhooks/config"
)

// hookScripts maps Git hook names to the signal they forward. post-checkout
// and tag-create need extra arguments from the hook invocation.
var hookScripts = map[string]string{
	"pre-commit":    "#!/bin/sh\nexec semhooks evaluate pre-commit\n",
	"post-commit":   "#!/bin/sh\nexec semhooks evaluate post-commit\n",
	"pre-push":      "#!/bin/sh\nexec semhooks evaluate pre-push\n",
	"post-merge":    "#!/bin/sh\nexec semhooks evaluate post-merge\n",
	"post-checkout": "#!/bin/sh\nexec semhooks evaluate post-checkout --prev-head \"$1\"\n",
}

const sampleHook = `@prefix kh: <https://semhooks.dev/vocab#> .
@prefix ex: <http://example.org/hooks/> .

# Example hook: record every commit that touches the data directory.
ex:record-data-changes a kh:Hook ;
    kh:title "Record data changes" ;
    kh:onSignal "post-commit" ;
    kh:fileFilter "data/**" ;
    kh:predicate ex:any-data ;
    kh:pipeline ex:record .

ex:any-data a kh:AskPredicate ;
    kh:query "ASK { ?s ?p ?o }" .

ex:record a kh:Pipeline ;
    kh:step ex:note .

ex:note a kh:FileStep ;
    kh:name "note" ;
    kh:fileOp "append" ;
    kh:dst "CHANGELOG.data.txt" ;
    kh:content "{{.headSha}} changed data on {{.timestamp}}\n" .
`

func newInitCmd(opts *rootOptions) *cobra.Command {
	var installHooks bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold semhooks in the current repository",
		Long: `Init writes a project semhooks.yaml, creates the graph directory with
a commented example hook, and optionally installs Git hook scripts that
forward signals to semhooks evaluate.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.newLogger()
			cfg, err := opts.loadConfig(logger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			projectConfig := filepath.Join(cfg.Repo.Path, config.ProjectConfigFile)
			if _, err := os.Stat(projectConfig); os.IsNotExist(err) {
				if err := cfg.SaveToFile(projectConfig); err != nil {
					return fmt.Errorf("write project config: %w", err)
				}
				fmt.Fprintf(out, "created %s\n", projectConfig)
			}

			graphDir := cfg.GraphDir()
			if err := os.MkdirAll(graphDir, 0755); err != nil {
				return fmt.Errorf("create graph directory: %w", err)
			}
			example := filepath.Join(graphDir, "example.ttl")
			if _, err := os.Stat(example); os.IsNotExist(err) {
				if err := os.WriteFile(example, []byte(sampleHook), 0644); err != nil {
					return fmt.Errorf("write example hook: %w", err)
				}
				fmt.Fprintf(out, "created %s\n", example)
			}

			if installHooks {
				hooksDir := filepath.Join(cfg.Repo.Path, ".git", "hooks")
				if _, err := os.Stat(hooksDir); err != nil {
					return fmt.Errorf("locate git hooks directory: %w", err)
				}
				for name, script := range hookScripts {
					path := filepath.Join(hooksDir, name)
					if _, err := os.Stat(path); err == nil {
						fmt.Fprintf(out, "skipping %s: hook already exists\n", path)
						continue
					}
					if err := os.WriteFile(path, []byte(script), 0755); err != nil {
						return fmt.Errorf("install %s hook: %w", name, err)
					}
					fmt.Fprintf(out, "installed %s\n", path)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&installHooks, "install-git-hooks", false, "Install Git hook scripts that call semhooks evaluate")
	return cmd
}
