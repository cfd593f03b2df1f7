package main

import (
	"os"
	"path/filepath"

	"github.com/metalagman/quorum/internal/control"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func stopCmd() *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:          "stop",
		Short:        "Request a running quorum to stop at the next safe point",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot, err := os.Getwd()
			if err != nil {
				return err
			}
			quorumDir := filepath.Join(repoRoot, ".quorum")
			if clear {
				if err := control.Clear(quorumDir); err != nil {
					return err
				}
				log.Info().Msg("stop flag cleared")
				return nil
			}
			if err := control.Raise(quorumDir); err != nil {
				return err
			}
			log.Info().Msg("stop requested; running tasks finish or hit their timeout")
			return nil
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "clear a previously raised stop flag")
	return cmd
}
