/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/alexandremahdhaoui/dst/internal/history"
	"github.com/alexandremahdhaoui/dst/pkg/lab/libvirt"
	"github.com/spf13/cobra"
)

var errHistoryDisabled = errors.New("run history is disabled")

func newHistoryCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.historyPath == "" {
				return errHistoryDisabled
			}

			store, err := history.Open(cmd.Context(), a.historyPath)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tMODE\tSTATUS\tEXIT\tANOMALIES\tSTARTED\tDURATION\tERROR")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
					e.RunID, e.Mode, e.Status, e.ExitCode, e.Anomalies,
					e.StartedAt.Format(time.RFC3339), e.Duration.Round(time.Second), e.Error)
			}

			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")

	return cmd
}

func newLabsCmd(a *app) *cobra.Command {
	var stateDir string

	cmd := &cobra.Command{
		Use:   "labs",
		Short: "List the labs recorded on this host, including leftovers of interrupted runs",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			store, err := libvirt.NewStore(libvirt.RegistryDir(stateDir))
			if err != nil {
				return err
			}

			records, err := store.List()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tSTATE\tNODES\tCREATED")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					r.ID, r.Title, r.State, len(r.Nodes), r.CreatedAt.Format(time.RFC3339))
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&stateDir, "state-dir", libvirt.DefaultStateDir(), "directory holding the lab registry")

	return cmd
}
