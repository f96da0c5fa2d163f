package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <namespace/name/version/variant> [output]",
	Short: "Fetch an artifact blob",
	Long:  "Fetch the blob for an exact coordinate. Writes to the output file, or stdout when omitted.",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) (err error) {
	coord, err := parseCoordinate(args[0])
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

	record, rc, err := repo.Fetch(cmd.Context(), coord, cliPrincipal())
	if err != nil {
		return err
	}
	defer rc.Close()

	out := os.Stdout
	if len(args) == 2 {
		out, err = os.Create(args[1])
		if err != nil {
			return err
		}
		defer out.Close()
	}

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}

	fmt.Fprintf(os.Stderr, "%s\t%s\t%d bytes\n", record.Coordinate(), record.BlobDigest, record.BlobSize)
	return nil
}
