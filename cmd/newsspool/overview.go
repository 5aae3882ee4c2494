package main

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/newsspool/internal/config"
	"github.com/tunnelmesh/newsspool/internal/overview"
	"github.com/tunnelmesh/newsspool/internal/token"
	"github.com/tunnelmesh/newsspool/pkg/bytesize"
)

func newOverviewCmd() *cobra.Command {
	ovCmd := &cobra.Command{
		Use:   "overview",
		Short: "Manage the overview database",
		Long: `Manage the per-group overview database.

Examples:
  # Create a moderated group
  newsspool overview groupadd comp.lang.go m

  # Show watermarks and article count
  newsspool overview stats comp.lang.go

  # Drop records of articles that are no longer stored
  newsspool overview expire comp.lang.go misc.test`,
	}

	ovCmd.AddCommand(&cobra.Command{
		Use:   "groupadd <group> [flag]",
		Short: "Create a group or change its posting flag",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runGroupAdd,
	})
	ovCmd.AddCommand(&cobra.Command{
		Use:   "groupdel <group>",
		Short: "Remove a group from the index",
		Args:  cobra.ExactArgs(1),
		RunE:  runGroupDel,
	})
	ovCmd.AddCommand(&cobra.Command{
		Use:   "stats <group>...",
		Short: "Show watermarks, count and flag of groups",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runGroupStats,
	})

	var withTokens bool
	searchCmd := &cobra.Command{
		Use:   "search <group> [low [high]]",
		Short: "Print overview records of a group",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, args, withTokens)
		},
	}
	searchCmd.Flags().BoolVarP(&withTokens, "tokens", "t", false, "prefix each record with its token")
	ovCmd.AddCommand(searchCmd)

	ovCmd.AddCommand(&cobra.Command{
		Use:   "expire <group>...",
		Short: "Drop records of articles that are no longer stored",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runExpire,
	})
	ovCmd.AddCommand(&cobra.Command{
		Use:   "pack <group> <delta>",
		Short: "Shift a group's index to make room below its base",
		Args:  cobra.ExactArgs(2),
		RunE:  runPack,
	})
	ovCmd.AddCommand(&cobra.Command{
		Use:   "rebuild <group>...",
		Short: "Regenerate overview records from the stored articles",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRebuild,
	})

	return ovCmd
}

// withOverview loads the config and opens the overview database for fn.
func withOverview(readOnly bool, fn func(cfg *config.Config, db *overview.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openOverview(cfg, readOnly)
	if err != nil {
		return err
	}
	defer closeOverview(db)
	return fn(cfg, db)
}

func runGroupAdd(cmd *cobra.Command, args []string) error {
	flag := byte('y')
	if len(args) == 2 {
		if len(args[1]) != 1 {
			return fmt.Errorf("flag must be a single character, got %q", args[1])
		}
		flag = args[1][0]
	}
	return withOverview(false, func(_ *config.Config, db *overview.DB) error {
		return db.GroupAdd(args[0], flag)
	})
}

func runGroupDel(cmd *cobra.Command, args []string) error {
	return withOverview(false, func(_ *config.Config, db *overview.DB) error {
		return db.GroupDel(args[0])
	})
}

func runGroupStats(cmd *cobra.Command, args []string) error {
	return withOverview(true, func(_ *config.Config, db *overview.DB) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "GROUP\tLOW\tHIGH\tCOUNT\tFLAG\tINDEX SIZE")
		for _, group := range args {
			st, err := db.GroupStats(group)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%c\t%s\n", group, st.Low, st.High, st.Count, st.Flag, bytesize.Format(indexSize(db, group)))
		}
		return w.Flush()
	})
}

// indexSize is the size of the group's index file, or 0 when it has none.
func indexSize(db *overview.DB, group string) int64 {
	fi, err := os.Stat(db.IndexPath(group))
	if err != nil {
		return 0
	}
	return fi.Size()
}

func parseArtNum(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid article number %q", s)
	}
	return n, nil
}

// searchRange parses the optional low and high arguments of search.
func searchRange(args []string) (low, high int64, err error) {
	low, high = 0, math.MaxInt64
	if len(args) > 0 {
		if low, err = parseArtNum(args[0]); err != nil {
			return 0, 0, err
		}
	}
	if len(args) > 1 {
		if high, err = parseArtNum(args[1]); err != nil {
			return 0, 0, err
		}
	}
	if low > high {
		return 0, 0, fmt.Errorf("low %d is above high %d", low, high)
	}
	return low, high, nil
}

func runSearch(cmd *cobra.Command, args []string, withTokens bool) error {
	low, high, err := searchRange(args[1:])
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	return withOverview(true, func(_ *config.Config, db *overview.DB) error {
		s, err := db.Search(ctx, args[0], low, high)
		if err != nil {
			return err
		}
		defer s.Close()

		out := bufio.NewWriter(cmd.OutOrStdout())
		for {
			rec, ok := s.Next()
			if !ok {
				break
			}
			if withTokens {
				_, _ = out.WriteString(token.ToText(rec.Token))
				_ = out.WriteByte(' ')
			}
			_, _ = out.Write(bytes.TrimRight(rec.Data, "\r\n"))
			_ = out.WriteByte('\n')
		}
		if err := out.Flush(); err != nil {
			return err
		}
		return s.Err()
	})
}

func runExpire(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	return withOverview(false, func(cfg *config.Config, db *overview.DB) error {
		mgr, err := openManager(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer shutdownManager(mgr)

		for _, group := range args {
			low, err := db.Expire(ctx, group, mgr)
			if err != nil {
				return fmt.Errorf("expire %s: %w", group, err)
			}
			log.Info().Str("group", group).Int64("low", low).Msg("expired group")
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", group, low)
		}
		return nil
	})
}

func runPack(cmd *cobra.Command, args []string) error {
	delta, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || delta <= 0 {
		return fmt.Errorf("invalid delta %q", args[1])
	}
	ctx, cancel := signalContext()
	defer cancel()

	return withOverview(false, func(_ *config.Config, db *overview.DB) error {
		return db.Pack(ctx, args[0], delta)
	})
}

func runRebuild(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	return withOverview(false, func(cfg *config.Config, db *overview.DB) error {
		mgr, err := openManager(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer shutdownManager(mgr)

		for _, group := range args {
			if err := db.Rebuild(ctx, group, mgr); err != nil {
				return fmt.Errorf("rebuild %s: %w", group, err)
			}
			log.Info().Str("group", group).Msg("rebuilt group")
		}
		return nil
	})
}
