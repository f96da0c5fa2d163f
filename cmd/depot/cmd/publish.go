package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/depotd/depot"
)

var publishCmd = &cobra.Command{
	Use:   "publish <namespace/name/version/variant> <file> [<coordinate> <file>...]",
	Short: "Publish artifacts",
	Long:  "Publish one or more files as immutable artifacts. Coordinates are namespace/name/version/variant; multiple pairs upload in parallel.",
	Args:  publishArgs,
	RunE:  runPublish,
}

func init() {
	publishCmd.Flags().Int("concurrency", 4, "parallel uploads")

	rootCmd.AddCommand(publishCmd)
}

func publishArgs(cmd *cobra.Command, args []string) error {
	if len(args) < 2 || len(args)%2 != 0 {
		return fmt.Errorf("expected <coordinate> <file> pairs, got %d arguments", len(args))
	}
	return nil
}

func parseCoordinate(s string) (depot.Coordinate, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return depot.Coordinate{}, fmt.Errorf("coordinate %q must be namespace/name/version/variant", s)
	}
	return depot.Coordinate{
		Namespace: parts[0],
		Name:      parts[1],
		Version:   parts[2],
		Variant:   parts[3],
	}, nil
}

func runPublish(cmd *cobra.Command, args []string) (err error) {
	repo, err := openRepository()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := repo.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	concurrency, _ := cmd.Flags().GetInt("concurrency")
	p := pool.New().WithMaxGoroutines(concurrency).WithContext(cmd.Context()).WithCancelOnError()

	for i := 0; i < len(args); i += 2 {
		coordArg, file := args[i], args[i+1]

		p.Go(func(ctx context.Context) error {
			coord, err := parseCoordinate(coordArg)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}

			record, err := repo.Publish(ctx, coord, cliPrincipal(), data)
			if err != nil {
				return fmt.Errorf("publish %s: %w", coordArg, err)
			}

			fmt.Printf("%s\t%s\t%d\n", record.Coordinate(), record.BlobDigest, record.BlobSize)
			return nil
		})
	}

	return p.Wait()
}
