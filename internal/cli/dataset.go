package cli

import (
	"errors"
	"fmt"

	"github.com/cuongbtq/ingest-engine/internal/dataset"
	"github.com/spf13/cobra"
)

func (c *cli) datasetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dataset",
		Short: "Manage dataset files in the object store",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "upload FILE s3://BUCKET/KEY",
		Short: "Upload a local dataset file so jobs and imports can read it by s3:// path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.services(cmd.Context())
			if err != nil {
				return err
			}
			if svc.Objects == nil {
				return errors.New("object_store is not enabled")
			}
			if err := dataset.Upload(cmd.Context(), svc.Objects, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s to %s\n", args[0], args[1])
			return nil
		},
	})
	return cmd
}
