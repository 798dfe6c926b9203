package main

import (
	"github.com/spf13/cobra"

	"github.com/Sternrassler/newstore-tap/pkg/newstore"
	"github.com/Sternrassler/newstore-tap/pkg/sink"
)

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Print the stream catalog",
		Long:  "Print every stream with its primary keys, parent stream and JSON schema.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sink.WriteCatalog(cmd.OutOrStdout(), newstore.Descriptors())
		},
	}
}
