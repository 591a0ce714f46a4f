package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ciforge/ciforge/pkg/pipeline"
)

var (
	validateBranch string
	validateTag    string
)

// validateCmd lints a pipeline file without contacting the master
var validateCmd = &cobra.Command{
	Use:   "validate [pipeline-file]",
	Short: "Validate a pipeline file",
	Long:  `Parse and validate a pipeline file locally, and preview the expanded build matrix with the deploy gate for a hypothetical branch and tag.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringVar(&validateBranch, "branch", "master", "branch to evaluate the deploy condition against")
	validateCmd.Flags().StringVar(&validateTag, "tag", "", "tag to evaluate the deploy condition against")
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := ".ciforge.yml"
	if len(args) == 1 {
		path = args[0]
	}

	p, err := pipeline.Load(path)
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	fmt.Printf("%s is valid (language: %s)\n\n", path, p.Language)

	entries := p.Matrix()
	deployTaken := false
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Entry", "Version", "Env", "Deploy")
	for _, entry := range entries {
		deploy := "-"
		if !deployTaken && p.DeployAllowed(entry, validateBranch, validateTag) {
			deploy = "yes"
			deployTaken = true
		}
		env := "-"
		if len(entry.Env) > 0 {
			env = ""
			for i, kv := range entry.Env {
				if i > 0 {
					env += " "
				}
				env += kv
			}
		}
		table.Append(fmt.Sprintf("%d", entry.Index), entry.Version, env, deploy)
	}
	table.Render()

	fmt.Printf("\n%d matrix entries", len(entries))
	if p.Deploy != nil {
		if deployTaken {
			fmt.Printf("; deploy would run for branch=%s tag=%s via provider %s", validateBranch, validateTag, p.Deploy.Provider)
		} else {
			fmt.Printf("; deploy condition not met for branch=%s tag=%s", validateBranch, validateTag)
		}
	}
	fmt.Println()
	return nil
}
