package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/tablewatch/internal/types"
	"github.com/andresmejia3/tablewatch/internal/utils"
	"github.com/spf13/cobra"
)

var releaseYes bool

var streamsCmd = &cobra.Command{
	Use:   "streams",
	Short: "Inspect and manage the shared stream table",
}

var streamsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all registered streams and their claim state",
	Run: func(cmd *cobra.Command, args []string) {
		runStreamsList(cmd.Context())
	},
}

var streamsReleaseCmd = &cobra.Command{
	Use:   "release <tableId>",
	Short: "Force-release every stream of a table",
	Long:  "Clears the claim flag of every stream with the given table id, e.g. after a worker was killed without a clean shutdown.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runStreamsRelease(cmd.Context(), args[0])
	},
}

func init() {
	streamsReleaseCmd.Flags().BoolVarP(&releaseYes, "yes", "y", false, "Skip the confirmation prompt")
	streamsCmd.AddCommand(streamsListCmd, streamsReleaseCmd)
	rootCmd.AddCommand(streamsCmd)
}

func runStreamsList(ctx context.Context) {
	if err := openStore(ctx); err != nil {
		utils.Die("Stream store unavailable", err, nil)
	}
	streams, err := DB.List(ctx)
	if err != nil {
		utils.Die("Failed to list streams", err, nil)
	}

	if len(streams) == 0 {
		fmt.Println("No streams registered.")
		return
	}
	printStreams(os.Stdout, streams)
}

func printStreams(out io.Writer, streams []types.StreamAssignment) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tTABLE\tCLAIMED\tURL")
	fmt.Fprintln(w, "--\t-----\t-------\t---")

	for _, s := range streams {
		table := s.TableID
		if table == "" {
			table = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%t\t%s\n", s.ID, table, s.Claimed, s.URL)
	}
	w.Flush()
}

func runStreamsRelease(ctx context.Context, tableID string) {
	reader := bufio.NewReader(os.Stdin)
	if !releaseYes && !confirm(reader, fmt.Sprintf("⚠️  Release table %q? A worker still streaming it will be duplicated.", tableID)) {
		fmt.Println("Aborted.")
		return
	}

	if err := openStore(ctx); err != nil {
		utils.Die("Stream store unavailable", err, nil)
	}
	if err := DB.Release(ctx, tableID); err != nil {
		utils.Die("Failed to release table", err, nil)
	}
	fmt.Printf("✨ Released table %s.\n", tableID)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
