package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/jeongdaeha/cycler-harvester/internal/models"
	"github.com/spf13/cobra"
)

var (
	pathRegex      string
	pathStableTime int
	pathUsers      []string

	parseRows int
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one scan cycle",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, cleanup, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		s, err := a.scanner()
		if err != nil {
			return err
		}
		res, err := s.ScanAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "paths=%d files=%d writes=%d transitions=%d errors=%d\n",
			res.Paths, res.Files, res.Writes, res.Transitions, res.Errors)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Run one import cycle over STABLE files",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, cleanup, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		c, err := a.coordinator()
		if err != nil {
			return err
		}
		res, err := c.ImportAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "candidates=%d imported=%d extended=%d already_imported=%d failed=%d skipped=%d rows=%d\n",
			res.Candidates, res.Imported, res.Extended, res.AlreadyImported, res.Failed, res.Skipped, res.Rows)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the datastore schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, cleanup, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		cleanup()
		fmt.Fprintln(cmd.OutOrStdout(), "migration complete")
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <monitored-path-id> <path>",
	Short: "Move an IMPORT_FAILED file back to RETRY_IMPORT",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pathID, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("잘못된 monitored path id %q: %w", args[0], err)
		}

		a, cleanup, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		c, err := a.coordinator()
		if err != nil {
			return err
		}
		return c.Retry(cmd.Context(), pathID, args[1])
	},
}

var pathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Manage this harvester's monitored paths",
}

var pathsAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Register a directory to scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		users, err := parseUsers(pathUsers)
		if err != nil {
			return err
		}

		a, cleanup, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		path := &models.MonitoredPath{
			HarvesterID: a.harvester.ID,
			Path:        args[0],
			Regex:       pathRegex,
			StableTime:  pathStableTime,
			Active:      true,
			Users:       users,
		}
		if path.StableTime <= 0 {
			path.StableTime = int(a.cfg.Harvester.StableTime.Seconds())
		}
		if err := a.store.AddMonitoredPath(cmd.Context(), path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "monitored path %d: %s\n", path.ID, path.Path)
		return nil
	},
}

var pathsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active monitored paths",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, cleanup, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		paths, err := a.store.ListMonitoredPaths(cmd.Context(), a.harvester.ID)
		if err != nil {
			return err
		}
		printPaths(cmd, paths, a.cfg.Harvester.BasePath)
		return nil
	},
}

func printPaths(cmd *cobra.Command, paths []models.MonitoredPath, base string) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPATH\tRESOLVED\tREGEX\tSTABLE\tUSERS")
	for _, p := range paths {
		names := make([]string, 0, len(p.Users))
		for _, u := range p.Users {
			names = append(names, u.Username)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%ds\t%s\n", p.ID, p.Path, p.Resolve(base), p.Regex, p.StableTime, strings.Join(names, ","))
	}
	w.Flush()
}

// parseUsers는 "<user-id>:<username>" 쌍을 읽는다.
func parseUsers(specs []string) ([]models.MonitoredPathUser, error) {
	users := make([]models.MonitoredPathUser, 0, len(specs))
	for _, spec := range specs {
		idPart, name, ok := strings.Cut(spec, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("잘못된 사용자 지정 %q (<user-id>:<username>)", spec)
		}
		id, err := strconv.ParseUint(idPart, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("잘못된 사용자 id %q: %w", idPart, err)
		}
		users = append(users, models.MonitoredPathUser{UserID: id, Username: name})
	}
	return users, nil
}

var parseCmd = &cobra.Command{
	Use:   "parse <file>",
	Short: "Parse a file without touching the datastore and print what would be imported",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, format, err := newRegistry().Open(args[0])
		if err != nil {
			return err
		}
		defer file.Close()

		meta := file.Metadata()
		out := struct {
			Format        string   `json:"format"`
			MachineType   string   `json:"machine_type"`
			DatasetName   string   `json:"dataset_name"`
			DateOfTest    string   `json:"date_of_test"`
			NumRows       int64    `json:"num_rows"`
			FirstSampleNo int64    `json:"first_sample_no"`
			LastSampleNo  int64    `json:"last_sample_no"`
			Columns       []string `json:"columns"`
			Misc          []string `json:"misc"`
			Rows          []any    `json:"rows"`
		}{
			Format:        format,
			MachineType:   meta.MachineType,
			DatasetName:   meta.DatasetName,
			DateOfTest:    meta.DateOfTest.Format("2006-01-02T15:04:05Z07:00"),
			NumRows:       meta.NumRows,
			FirstSampleNo: meta.FirstSampleNo,
			LastSampleNo:  meta.LastSampleNo,
		}
		for _, c := range meta.Columns {
			name := c.Name
			if c.Unit != "" {
				name += " (" + c.Unit + ")"
			}
			out.Columns = append(out.Columns, name)
		}
		for _, m := range meta.Misc {
			out.Misc = append(out.Misc, fmt.Sprintf("%s [%d, %d) %s %dB", m.Key, m.Lower, m.Upper, m.Encoding, len(m.Data)))
		}

		for row, err := range file.Rows() {
			if err != nil {
				return err
			}
			if len(out.Rows) >= parseRows {
				break
			}
			out.Rows = append(out.Rows, row)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("출력 실패: %w", err)
		}
		return nil
	},
}

