package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var tagCmd = &cobra.Command{
	Use:   "tag <namespace/name> <tag> [<version> <variant>]",
	Short: "Set or resolve a tag",
	Long:  "With a version and variant, point the tag at that artifact (upsert). Without, print the tag's current target.",
	Args:  tagArgs,
	RunE:  runTag,
}

func init() {
	rootCmd.AddCommand(tagCmd)
}

func tagArgs(cmd *cobra.Command, args []string) error {
	if len(args) != 2 && len(args) != 4 {
		return fmt.Errorf("expected <namespace/name> <tag> or <namespace/name> <tag> <version> <variant>")
	}
	return nil
}

func runTag(cmd *cobra.Command, args []string) (err error) {
	namespace, name, err := parsePackage(args[0])
	if err != nil {
		return err
	}
	tag := args[1]

	repo, err := openRepository()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := repo.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if len(args) == 4 {
		record, err := repo.SetTag(cmd.Context(), namespace, name, tag, args[2], args[3], cliPrincipal())
		if err != nil {
			return err
		}
		fmt.Printf("%s -> %s/%s\n", record.Tag, record.TargetVersion, record.TargetVariant)
		return nil
	}

	record, err := repo.ResolveTag(cmd.Context(), namespace, name, tag, cliPrincipal())
	if err != nil {
		return err
	}
	fmt.Printf("%s -> %s/%s\t(updated %s by %s)\n",
		record.Tag, record.TargetVersion, record.TargetVariant,
		record.UpdatedAt.Format("2006-01-02 15:04:05"), record.UpdatedBy)
	return nil
}
