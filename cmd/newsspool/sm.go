package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/newsspool/internal/storage"
	"github.com/tunnelmesh/newsspool/internal/token"
	"github.com/tunnelmesh/newsspool/internal/wire"
)

type smOptions struct {
	delete  bool
	headers bool
	info    bool
	raw     bool
}

func newSMCmd() *cobra.Command {
	var opts smOptions
	cmd := &cobra.Command{
		Use:   "sm [token...]",
		Short: "Retrieve or remove articles by token",
		Long: `Retrieve or remove stored articles by token. Tokens are read from
standard input, one per line, when none are given.

Examples:
  # Print an article
  newsspool sm @050000000001000000050000000000000000@

  # Print only the headers, in wire format
  newsspool sm -H -R @050000000001000000050000000000000000@

  # Show which group and article number a token is filed under
  newsspool sm -i @050000000001000000050000000000000000@

  # Remove articles listed in a file
  newsspool sm -d < tokens.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSM(cmd, args, opts)
		},
	}
	cmd.Flags().BoolVarP(&opts.delete, "delete", "d", false, "remove the articles")
	cmd.Flags().BoolVarP(&opts.delete, "remove", "r", false, "remove the articles (same as -d)")
	cmd.Flags().BoolVarP(&opts.headers, "headers", "H", false, "print only the headers")
	cmd.Flags().BoolVarP(&opts.info, "info", "i", false, "print group:artnum of each token")
	cmd.Flags().BoolVarP(&opts.raw, "raw", "R", false, "print articles in wire format")
	cmd.MarkFlagsMutuallyExclusive("delete", "info", "headers")
	cmd.MarkFlagsMutuallyExclusive("remove", "info", "headers")
	return cmd
}

func runSM(cmd *cobra.Command, args []string, opts smOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	mgr, err := openManager(ctx, cfg, opts.delete)
	if err != nil {
		return err
	}
	defer shutdownManager(mgr)

	out := bufio.NewWriter(cmd.OutOrStdout())
	defer func() { _ = out.Flush() }()

	var failed int
	err = eachToken(cmd.InOrStdin(), args, func(text string) error {
		if err := smOne(ctx, mgr, out, text, opts); err != nil {
			log.Error().Err(err).Str("token", text).Msg("sm failed")
			failed++
		}
		return ctx.Err()
	})
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of the tokens failed", failed)
	}
	return nil
}

// eachToken calls fn for every argument, or for every non-empty line of r
// when there are no arguments.
func eachToken(r io.Reader, args []string, fn func(string) error) error {
	if len(args) > 0 {
		for _, a := range args {
			if err := fn(a); err != nil {
				return err
			}
		}
		return nil
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return sc.Err()
}

func smOne(ctx context.Context, mgr *storage.Manager, out io.Writer, text string, opts smOptions) error {
	tok, err := token.Parse(text)
	if err != nil {
		return err
	}

	switch {
	case opts.delete:
		return mgr.Cancel(ctx, tok)
	case opts.info:
		ann, err := mgr.ArtNgNum(ctx, tok)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s:%d\n", ann.Group, ann.ArtNum)
		return err
	}

	amount := storage.RetrieveAll
	if opts.headers {
		amount = storage.RetrieveHead
	}
	art, err := mgr.Retrieve(ctx, tok, amount)
	if err != nil {
		return err
	}
	defer mgr.FreeArticle(art)

	data := art.Data
	if !opts.raw {
		data = wire.FromWire(data)
	}
	if _, err := out.Write(data); err != nil {
		return err
	}
	if opts.headers && !opts.raw {
		_, err = io.WriteString(out, "\n")
	}
	return err
}
