package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/depotd/depot/internal/mirror"
)

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Mirror snapshots to and from OCI registries",
}

var mirrorPushCmd = &cobra.Command{
	Use:   "push <ref>",
	Short: "Push a repository snapshot",
	Long:  "Push the full repository state (metadata records and blobs) to an OCI registry as a snapshot image.",
	Args:  cobra.ExactArgs(1),
	RunE:  runMirrorPush,
}

var mirrorPullCmd = &cobra.Command{
	Use:   "pull <ref>",
	Short: "Pull a repository snapshot",
	Long:  "Pull a snapshot image and import it. Existing local records win; blobs are deduplicated by digest.",
	Args:  cobra.ExactArgs(1),
	RunE:  runMirrorPull,
}

func init() {
	for _, c := range []*cobra.Command{mirrorPushCmd, mirrorPullCmd} {
		c.Flags().Int("concurrency", mirror.DefaultConcurrency, "parallel layer transfers")
		c.Flags().String("username", "", "registry username (keychain when empty)")
		c.Flags().String("password", "", "registry password")
	}

	mirrorCmd.AddCommand(mirrorPushCmd)
	mirrorCmd.AddCommand(mirrorPullCmd)
	rootCmd.AddCommand(mirrorCmd)
}

func newMirror(cmd *cobra.Command, ref string) (*mirror.Mirror, error) {
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	opts := []mirror.Option{mirror.WithConcurrency(concurrency)}

	username, _ := cmd.Flags().GetString("username")
	if username != "" {
		password, _ := cmd.Flags().GetString("password")
		opts = append(opts, mirror.WithBasicAuth(username, password))
	}
	return mirror.New(ref, opts...)
}

func runMirrorPush(cmd *cobra.Command, args []string) (err error) {
	m, err := newMirror(cmd, args[0])
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

	records, blobs, err := repo.Export(cmd.Context())
	if err != nil {
		return err
	}

	snap := mirror.Snapshot{Records: records, Blobs: blobs}
	if _, err := m.Push(cmd.Context(), snap, nil); err != nil {
		return fmt.Errorf("push failed: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Pushed %d records, %d blobs to %s\n", len(records), len(blobs), m)
	return nil
}

func runMirrorPull(cmd *cobra.Command, args []string) (err error) {
	m, err := newMirror(cmd, args[0])
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

	snap, _, err := m.Pull(cmd.Context(), nil)
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	if err := repo.Import(cmd.Context(), snap.Records, snap.Blobs); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Imported %d records, %d blobs from %s\n", len(snap.Records), len(snap.Blobs), m)
	return nil
}
