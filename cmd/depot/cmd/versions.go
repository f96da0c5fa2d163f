package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var versionsCmd = &cobra.Command{
	Use:   "versions <namespace/name>",
	Short: "List versions of a package",
	Long:  "List all published versions of a package in descending order.",
	Args:  cobra.ExactArgs(1),
	RunE:  runVersions,
}

var latestCmd = &cobra.Command{
	Use:   "latest <namespace/name>",
	Short: "Resolve the newest version",
	Args:  cobra.ExactArgs(1),
	RunE:  runLatest,
}

func init() {
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(latestCmd)
}

func parsePackage(s string) (namespace, name string, err error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("package %q must be namespace/name", s)
	}
	return parts[0], parts[1], nil
}

func runVersions(cmd *cobra.Command, args []string) (err error) {
	namespace, name, err := parsePackage(args[0])
	if err != nil {
		return err
	}

	repo, err := openRepository()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := repo.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	entries, err := repo.ListVersions(cmd.Context(), namespace, name, cliPrincipal())
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("(no versions)")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s\t%s\t%s\n", e.Version, e.Variant, e.BlobDigest)
	}
	return nil
}

func runLatest(cmd *cobra.Command, args []string) (err error) {
	namespace, name, err := parsePackage(args[0])
	if err != nil {
		return err
	}

	repo, err := openRepository()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := repo.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	entry, err := repo.ResolveLatest(cmd.Context(), namespace, name, cliPrincipal())
	if err != nil {
		return err
	}

	fmt.Printf("%s/%s/%s/%s\t%s\n", entry.Namespace, entry.Name, entry.Version, entry.Variant, entry.BlobDigest)
	return nil
}
