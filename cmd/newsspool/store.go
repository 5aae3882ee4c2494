package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/newsspool/internal/overview"
	"github.com/tunnelmesh/newsspool/internal/token"
	"github.com/tunnelmesh/newsspool/internal/wire"
)

func newStoreCmd() *cobra.Command {
	var noOverview bool
	cmd := &cobra.Command{
		Use:   "store [file]",
		Short: "Store an article and index its overview line",
		Long: `Store an article read from file, or standard input when no file is
given, and print its token. The article may be in native or wire format.
Unless --no-overview is set its overview line is filed under every group
of its Xref header.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStore(cmd, args, noOverview)
		},
	}
	cmd.Flags().BoolVar(&noOverview, "no-overview", false, "do not add the article to the overview database")
	return cmd
}

func readArticle(r io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 {
		return io.ReadAll(r)
	}
	return os.ReadFile(args[0])
}

func runStore(cmd *cobra.Command, args []string, noOverview bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := readArticle(cmd.InOrStdin(), args)
	if err != nil {
		return fmt.Errorf("read article: %w", err)
	}
	if len(data) == 0 {
		return errors.New("empty article")
	}
	if !wire.IsWire(data) {
		data = wire.ToWire(data)
	}

	ctx, cancel := signalContext()
	defer cancel()

	mgr, err := openManager(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer shutdownManager(mgr)

	tok, err := mgr.Store(ctx, mgr.ParseArticle(data))
	if err != nil {
		return fmt.Errorf("store article: %w", err)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), token.ToText(tok))

	if noOverview {
		return nil
	}
	db, err := openOverview(cfg, false)
	if err != nil {
		return err
	}
	defer closeOverview(db)

	line := db.Schema().Generate(data)
	if err := db.Add(ctx, tok, line); err != nil {
		if errors.Is(err, overview.ErrNoXref) {
			log.Warn().Str("token", token.ToText(tok)).Msg("article has no Xref header, not indexed")
			return nil
		}
		return fmt.Errorf("add overview: %w", err)
	}
	return nil
}

func newExplainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "explain <token>",
		Short: "Describe where a token points",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := token.Parse(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			mgr, err := openManager(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer shutdownManager(mgr)

			_, err = fmt.Fprintln(cmd.OutOrStdout(), mgr.Explain(tok))
			return err
		},
	}
}
