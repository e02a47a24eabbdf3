package main

import (
	"github.com/spf13/cobra"
)

type serverFlags struct {
	listen   string
	dbDriver string
	dbDSN    string
	debug    bool
}

func rootCmd() *cobra.Command {
	flags := &serverFlags{}

	c := &cobra.Command{
		Use:     "foamrund",
		Short:   "HTTP daemon for tracking solver jobs and supervising render servers",
		Example: "  foamrund --listen :8080 --db foamrun.db",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(flags)
		},
	}

	c.Flags().StringVar(&flags.listen, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	c.Flags().StringVar(&flags.dbDriver, "db-driver", "", `database driver, "sqlite" or "postgres" (overrides DB_DRIVER)`)
	c.Flags().StringVar(&flags.dbDSN, "db", "", "database DSN (overrides DB_DSN)")
	c.Flags().BoolVar(&flags.debug, "debug", false, "Enable debug logs")

	c.CompletionOptions.HiddenDefaultCmd = true

	return c
}
