package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	u "net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tugdl/tug/internal/extract"
	"github.com/tugdl/tug/internal/history"
	"github.com/tugdl/tug/internal/output"
	"github.com/tugdl/tug/internal/queue"
	"github.com/tugdl/tug/internal/utils"
)

var queueAddr string

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage the download queue daemon",
		Long:  `Talk to a running tug daemon (see 'tug serve') over its REST API.`,
	}
	cmd.PersistentFlags().StringVar(&queueAddr, "addr", "http://localhost:7560", "Daemon address")

	cmd.AddCommand(
		newQueueAddCmd(),
		newQueueListCmd(),
		newQueueTaskCmd("pause", "Pause a downloading task", "pause"),
		newQueueResumeCmd(),
		newQueueTaskCmd("cancel", "Cancel a task", "cancel"),
		newQueueRemoveCmd(),
		newQueueClearCmd(),
		newQueueHistoryCmd(),
		newQueueStatusCmd(),
		newQueueExtractCmd(),
	)
	return cmd
}

type apiClient struct {
	base string
	http *utils.TugHTTPClient
}

func newAPIClient() *apiClient {
	return &apiClient{
		base: strings.TrimSuffix(queueAddr, "/"),
		http: utils.NewTugHTTPClient(globalHTTPConfig),
	}
}

func (c *apiClient) do(method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error reaching daemon at %s: %v", c.base, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned status code %d", resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func exitOnError(err error) {
	if err != nil {
		output.PrintError(fmt.Sprintf("Error: %v", err))
		os.Exit(1)
	}
}

func newQueueAddCmd() *cobra.Command {
	var kind, format, outputPath string
	var probe bool

	cmd := &cobra.Command{
		Use:   "add [URL]",
		Short: "Add a download task to the queue",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			client := newAPIClient()
			if probe {
				var info extract.MediaInfo
				err := client.do("GET", "/api/extract?url="+u.QueryEscape(args[0]), nil, &info)
				exitOnError(err)
				printMediaInfo(info)
				fmt.Println()
			}
			var task queue.Task
			err := client.do("POST", "/api/tasks", queue.AddRequest{
				URL:        args[0],
				Kind:       kind,
				Format:     format,
				OutputPath: outputPath,
			}, &task)
			exitOnError(err)
			output.PrintSuccess(fmt.Sprintf("Queued %s as %s", task.URL, shortID(task.ID)))
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Job kind (inferred from URL when empty)")
	cmd.Flags().StringVar(&format, "format", "", "Format for media downloads")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output path")
	cmd.Flags().BoolVar(&probe, "probe", false, "Probe available formats before queueing")
	return cmd
}

func newQueueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List queue tasks",
		Aliases: []string{"ls"},
		Run: func(cmd *cobra.Command, args []string) {
			var tasks []queue.Task
			exitOnError(newAPIClient().do("GET", "/api/tasks", nil, &tasks))
			if len(tasks) == 0 {
				output.PrintInfo("Queue is empty")
				return
			}
			rows := make([][]string, 0, len(tasks))
			for _, t := range tasks {
				rows = append(rows, []string{
					shortID(t.ID),
					t.Kind,
					output.ColorStatus(t.Status.String()),
					progressCell(t),
					output.Truncate(t.URL, 48),
				})
			}
			output.PrintTable([]string{"ID", "KIND", "STATUS", "PROGRESS", "URL"}, rows)
		},
	}
}

// newQueueTaskCmd covers the single-task commands that only differ by the
// endpoint they hit.
func newQueueTaskCmd(use, short, op string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [TASK_ID]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			client := newAPIClient()
			var task queue.Task
			exitOnError(client.do("POST", "/api/tasks/"+resolveTaskID(client, args[0])+"/"+op, nil, &task))
			output.PrintSuccess(fmt.Sprintf("Task %s is now %s", shortID(task.ID), task.Status))
		},
	}
}

func newQueueResumeCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "resume [TASK_ID] [--all]",
		Short: "Resume a paused or failed task",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			client := newAPIClient()
			if all {
				var resp struct {
					Resumed int `json:"resumed"`
				}
				exitOnError(client.do("POST", "/api/tasks/resume-all", nil, &resp))
				output.PrintSuccess(fmt.Sprintf("Resumed %d tasks", resp.Resumed))
				return
			}
			if len(args) == 0 {
				exitOnError(fmt.Errorf("task id or --all required"))
			}
			var task queue.Task
			exitOnError(client.do("POST", "/api/tasks/"+resolveTaskID(client, args[0])+"/resume", nil, &task))
			output.PrintSuccess(fmt.Sprintf("Task %s is now %s", shortID(task.ID), task.Status))
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Resume every paused and failed task")
	return cmd
}

func newQueueRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove [TASK_ID]",
		Short:   "Remove a finished task from the queue",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			client := newAPIClient()
			exitOnError(client.do("DELETE", "/api/tasks/"+resolveTaskID(client, args[0]), nil, nil))
			output.PrintSuccess("Task removed")
		},
	}
}

func newQueueClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove all completed tasks from the queue",
		Run: func(cmd *cobra.Command, args []string) {
			var resp struct {
				Cleared int `json:"cleared"`
			}
			exitOnError(newAPIClient().do("DELETE", "/api/tasks/completed", nil, &resp))
			output.PrintSuccess(fmt.Sprintf("Cleared %d tasks", resp.Cleared))
		},
	}
}

func newQueueHistoryCmd() *cobra.Command {
	var limit int
	var clearAll bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show archived downloads",
		Run: func(cmd *cobra.Command, args []string) {
			if clearAll {
				var resp struct {
					Removed int64 `json:"removed"`
				}
				exitOnError(newAPIClient().do("DELETE", "/api/history", nil, &resp))
				output.PrintSuccess(fmt.Sprintf("Cleared %d history entries", resp.Removed))
				return
			}
			var entries []history.Entry
			exitOnError(newAPIClient().do("GET", fmt.Sprintf("/api/history?limit=%d", limit), nil, &entries))
			if len(entries) == 0 {
				output.PrintInfo("History is empty")
				return
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					e.FinishedAt.Local().Format("2006-01-02 15:04"),
					output.ColorStatus(e.Status),
					output.FormatBytes(uint64(max(e.Size, 0))),
					output.Truncate(e.URL, 48),
				})
			}
			output.PrintTable([]string{"FINISHED", "STATUS", "SIZE", "URL"}, rows)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to show")
	cmd.Flags().BoolVar(&clearAll, "clear", false, "Delete all archived entries")
	return cmd
}

func newQueueStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Run: func(cmd *cobra.Command, args []string) {
			var resp struct {
				Version  string         `json:"version"`
				Tasks    map[string]int `json:"tasks"`
				Clients  int            `json:"clients"`
				DiskFree uint64         `json:"disk_free"`
			}
			exitOnError(newAPIClient().do("GET", "/api/status", nil, &resp))
			pairs := [][2]string{
				{"version", resp.Version},
				{"tasks", fmt.Sprintf("%d", resp.Tasks["total"])},
				{"downloading", fmt.Sprintf("%d", resp.Tasks["downloading"])},
				{"queued", fmt.Sprintf("%d", resp.Tasks["queued"])},
				{"clients", fmt.Sprintf("%d", resp.Clients)},
			}
			if resp.DiskFree > 0 {
				pairs = append(pairs, [2]string{"disk free", output.FormatBytes(resp.DiskFree)})
			}
			output.PrintDetailLines(pairs)
		},
	}
}

func newQueueExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract [URL]",
		Short: "Probe media formats without downloading",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var info extract.MediaInfo
			exitOnError(newAPIClient().do("GET", "/api/extract?url="+u.QueryEscape(args[0]), nil, &info))
			printMediaInfo(info)
		},
	}
}

func printMediaInfo(info extract.MediaInfo) {
	output.PrintHeader(info.Title)
	pairs := [][2]string{
		{"uploader", info.Uploader},
		{"duration", extract.FormatDuration(info.Duration)},
	}
	output.PrintDetailLines(pairs)
	rows := make([][]string, 0, len(info.Formats))
	for _, f := range info.Formats {
		size := ""
		if f.Size() > 0 {
			size = output.FormatBytes(uint64(f.Size()))
		}
		rows = append(rows, []string{f.ID, f.Ext, f.Resolution, output.Truncate(f.Note, 24), size})
	}
	output.PrintTable([]string{"ID", "EXT", "RESOLUTION", "NOTE", "SIZE"}, rows)
}

// resolveTaskID expands the shortened ids shown by list back to a full task
// id, falling back to the input when nothing matches.
func resolveTaskID(c *apiClient, id string) string {
	if len(id) >= 36 {
		return id
	}
	var tasks []queue.Task
	if err := c.do("GET", "/api/tasks", nil, &tasks); err != nil {
		return id
	}
	for _, t := range tasks {
		if strings.HasPrefix(t.ID, id) {
			return t.ID
		}
	}
	return id
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func progressCell(t queue.Task) string {
	switch {
	case t.Status == queue.StatusCompleted:
		return output.FormatBytes(uint64(max(t.TotalSize, t.Progress)))
	case t.TotalSize > 0:
		cell := fmt.Sprintf("%.1f%%", float64(t.Progress)/float64(t.TotalSize)*100)
		if t.Stalled {
			cell += " (stalled)"
		}
		return cell
	case t.Progress > 0:
		return output.FormatBytes(uint64(t.Progress))
	default:
		return "-"
	}
}
