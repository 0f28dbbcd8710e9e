package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/pkgforge/internal/prompt"
)

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Manage prompt templates",
}

var promptsInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Write the built-in prompt templates for editing",
	Long: `Copies every built-in prompt template into the prompts directory.
Existing files are left alone, so local edits survive a reinstall.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir = cfg.Prompts.Dir
		}
		written, err := prompt.InstallBuiltinTemplates(dir)
		if err != nil {
			return err
		}
		if len(written) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "All templates already present in %s\n", dir)
			return nil
		}
		for _, name := range written {
			fmt.Fprintf(cmd.OutOrStdout(), "  wrote %s\n", name)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Installed %d template(s) into %s\n", len(written), dir)
		return nil
	},
}

var promptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List prompt purposes and their template files",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, p := range prompt.Purposes() {
			spec, _ := prompt.Lookup(p)
			fmt.Fprintf(cmd.OutOrStdout(), "%-22s %s\n", p, spec.File)
		}
		return nil
	},
}

var promptsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check edited prompt templates against their purposes",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir = cfg.Prompts.Dir
		}
		if err := prompt.NewLibrary(dir).Check(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "All templates in %s are usable\n", dir)
		return nil
	},
}

func init() {
	promptsInstallCmd.Flags().String("dir", "", "target directory (default prompts.dir)")
	promptsCheckCmd.Flags().String("dir", "", "template directory (default prompts.dir)")
	promptsCmd.AddCommand(promptsInstallCmd)
	promptsCmd.AddCommand(promptsCheckCmd)
	promptsCmd.AddCommand(promptsListCmd)
}
