package snapcli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/function61/docsnap/pkg/snapconfig"
	"github.com/function61/docsnap/pkg/snapengine"
	"github.com/function61/docsnap/pkg/snapscheduler"
	"github.com/function61/docsnap/pkg/snaptypes"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
)

func stdoutIsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

func printHandle(output io.Writer, handle *snaptypes.BackupHandle) {
	fmt.Fprintf(output, "id: %s\n", handle.StorageID)
	fmt.Fprintf(output, "name: %s\n", handle.Name)
	fmt.Fprintf(output, "created: %s\n", handle.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(output, "collections: %d\n", handle.Segments)
	fmt.Fprintf(output, "documents: %d\n", handle.Documents)

	if handle.SizeHint > 0 {
		fmt.Fprintf(output, "size: %s\n", humanize.Bytes(uint64(handle.SizeHint)))
	}

	if handle.Sha256 != "" {
		fmt.Fprintf(output, "sha256: %s\n", handle.Sha256)
	}
}

func printRestoreReport(output io.Writer, report *snapengine.RestoreReport) {
	if report == nil {
		return
	}

	if report.Legacy {
		fmt.Fprintln(output, "archive: legacy format (no declared counts)")
	}

	for _, segment := range report.Segments {
		if segment.Declared >= 0 {
			fmt.Fprintf(output, "%s: %d/%d\n", segment.Name, segment.Inserted, segment.Declared)
		} else {
			fmt.Fprintf(output, "%s: %d\n", segment.Name, segment.Inserted)
		}
	}

	fmt.Fprintf(output, "state: %s, %d document(s) in %d collection(s)\n", report.State, report.Documents, len(report.Segments))
}

// terminals get a table, pipes get tab-separated lines so output is easy to feed to other tools
func printListing(output io.Writer, objects []snaptypes.ObjectInfo, now time.Time, table bool) {
	if !table {
		for _, obj := range objects {
			fmt.Fprintf(output, "%s\t%s\t%s\t%d\t%s\n",
				obj.ID,
				obj.Name,
				obj.Kind,
				obj.Size,
				obj.Created.UTC().Format(time.RFC3339))
		}

		return
	}

	tblBuilder := tablewriter.NewWriter(output)
	tblBuilder.SetAutoFormatHeaders(false)
	tblBuilder.SetBorder(false)
	tblBuilder.SetHeader([]string{"Name", "Size", "Created", "ID"})

	for _, obj := range objects {
		size := "-"
		if obj.IsContainer() {
			size = "(folder)"
		} else if obj.Size > 0 {
			size = humanize.Bytes(uint64(obj.Size))
		}

		tblBuilder.Append([]string{
			obj.Name,
			size,
			humanize.RelTime(obj.Created, now, "ago", "from now"),
			obj.ID,
		})
	}

	tblBuilder.Render()

	files := lo.Filter(objects, func(obj snaptypes.ObjectInfo, _ int) bool {
		return !obj.IsContainer()
	})

	totalSize := lo.SumBy(files, func(obj snaptypes.ObjectInfo) int64 {
		return obj.Size
	})

	fmt.Fprintf(output, "\n%d backup(s), %s\n", len(files), humanize.Bytes(uint64(totalSize)))
}

func printSchedulerStatus(output io.Writer, status snapscheduler.Status) {
	fmt.Fprintf(output, "schedule: %s\n", status.Schedule)
	fmt.Fprintf(output, "next run: %s\n", status.NextRun.Format(time.RFC3339))
	fmt.Fprintf(output, "running: %v\n", status.Running)

	if status.LastRun == nil {
		fmt.Fprintln(output, "last run: never")
		return
	}

	lastRun := status.LastRun

	fmt.Fprintf(output, "last run: %s (took %s)\n", lastRun.Started.Format(time.RFC3339), lastRun.Finished.Sub(lastRun.Started))

	if lastRun.Error != "" {
		fmt.Fprintf(output, "last error: %s\n", lastRun.Error)
	} else {
		fmt.Fprintf(output, "last backup: %s (%d documents)\n", lastRun.Backup.Name, lastRun.Backup.Documents)
		fmt.Fprintf(output, "pruned: %d\n", lastRun.Pruned)
	}
}

// "conf" must already be redacted. env values are never printed, only whether they're set.
func printConfig(output io.Writer, conf *snapconfig.Config, getenv func(string) string) error {
	confJSON := json.NewEncoder(output)
	confJSON.SetIndent("", "  ")
	if err := confJSON.Encode(conf); err != nil {
		return err
	}

	overrides := lo.Filter(snapconfig.EnvOverrides(), func(envName string, _ int) bool {
		return getenv(envName) != ""
	})

	for _, envName := range overrides {
		fmt.Fprintf(output, "overridden by environment: %s\n", envName)
	}

	return nil
}
