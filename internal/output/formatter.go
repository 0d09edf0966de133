package output

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"synchrony/internal/models"
	"synchrony/internal/synchrony"
)

// Link is one local issue and the remote issue it is correlated with.
type Link struct {
	IssueID        uint       `json:"issue_id"`
	Subject        string     `json:"subject"`
	RemoteID       int        `json:"remote_id"`
	RemoteURL      string     `json:"remote_url,omitempty"`
	SynchronizedAt *time.Time `json:"synchronized_at,omitempty"`
}

// Formatter defines the interface for output formatting
type Formatter interface {
	PullResult(r *synchrony.PullResult)
	PushResults(results []*synchrony.PushResult)
	Runs(runs []models.SyncRun)
	Links(links []Link, total int64)
	Success(msg string)
	Error(err error)
	Info(msg string)
	KeyValue(key, value string)
	Section(title string)
	JSON(v interface{})
}

// TextFormatter outputs human-readable text
type TextFormatter struct{}

// JSONFormatter outputs JSON
type JSONFormatter struct{}

// New returns the appropriate formatter based on json flag
func New(jsonOutput bool) Formatter {
	if jsonOutput {
		return &JSONFormatter{}
	}
	return &TextFormatter{}
}

func countsLine(c synchrony.Counts) string {
	return fmt.Sprintf("%d created, %d updated, %d up to date, %d skipped, %d conflicts, %d failed",
		c.Created, c.Updated, c.UpToDate, c.Skipped, c.Conflicts, c.Failed)
}

// TextFormatter implementations

func (f *TextFormatter) PullResult(r *synchrony.PullResult) {
	if r == nil {
		return
	}
	fmt.Printf("Site %s: %s\n", r.Site, countsLine(r.Total()))
	for _, p := range r.Projects {
		if p.NotFound {
			fmt.Printf("  %-24s not found on target site\n", p.Project)
			continue
		}
		fmt.Printf("  %-24s %s\n", p.Project, countsLine(p.Counts))
	}
}

func (f *TextFormatter) PushResults(results []*synchrony.PushResult) {
	for _, r := range results {
		line := fmt.Sprintf("[%s] #%d %s", r.Site, r.IssueID, r.Action)
		if r.RemoteID != 0 {
			line += fmt.Sprintf(" -> #%d", r.RemoteID)
		}
		if r.Reason != "" {
			line += " (" + r.Reason + ")"
		}
		fmt.Println(line)
		extras := []struct {
			n     int
			label string
		}{
			{r.NotesPushed, "notes pushed"},
			{r.AttachmentsPushed, "attachments pushed"},
			{r.RelationsCreated, "relations created"},
			{r.RelationsDeleted, "relations deleted"},
			{r.WatchersAdded, "watchers added"},
			{r.WatchersRemoved, "watchers removed"},
		}
		for _, e := range extras {
			if e.n > 0 {
				fmt.Printf("    %d %s\n", e.n, e.label)
			}
		}
	}
}

func (f *TextFormatter) Runs(runs []models.SyncRun) {
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet")
		return
	}
	for _, r := range runs {
		state := "ok"
		switch {
		case r.FinishedAt == nil:
			state = "running"
		case r.Error != "":
			state = "error: " + r.Error
		}
		fmt.Printf("%s  %-4s %-16s %s  %s\n",
			r.StartedAt.Local().Format(models.DateTimeShortFormat), r.Direction, r.Site,
			countsLine(synchrony.Counts{
				Created: r.Created, Updated: r.Updated, UpToDate: r.UpToDate,
				Skipped: r.Skipped, Conflicts: r.Conflicts, Failed: r.Failed,
			}), state)
	}
}

func (f *TextFormatter) Links(links []Link, total int64) {
	fmt.Printf("Linked issues (%d):\n", total)
	for _, l := range links {
		synced := "never"
		if l.SynchronizedAt != nil {
			synced = l.SynchronizedAt.Local().Format(models.DateTimeShortFormat)
		}
		fmt.Printf("  #%d <-> #%d  %s  [%s]\n", l.IssueID, l.RemoteID, l.Subject, synced)
		if l.RemoteURL != "" {
			fmt.Printf("    %s\n", l.RemoteURL)
		}
	}
}

func (f *TextFormatter) Success(msg string) {
	fmt.Println(msg)
}

func (f *TextFormatter) Error(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}

func (f *TextFormatter) Info(msg string) {
	fmt.Println(msg)
}

func (f *TextFormatter) KeyValue(key, value string) {
	fmt.Printf("%s: %s\n", key, value)
}

func (f *TextFormatter) Section(title string) {
	fmt.Printf("\n%s:\n", title)
}

func (f *TextFormatter) JSON(v interface{}) {
	// TextFormatter doesn't output JSON, but provide fallback
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		f.Error(err)
		return
	}
	fmt.Println(string(data))
}

// JSONFormatter implementations

func (f *JSONFormatter) PullResult(r *synchrony.PullResult) {
	if r == nil {
		return
	}
	f.JSON(map[string]interface{}{
		"site":     r.Site,
		"total":    r.Total(),
		"projects": r.Projects,
	})
}

func (f *JSONFormatter) PushResults(results []*synchrony.PushResult) {
	if results == nil {
		results = []*synchrony.PushResult{}
	}
	f.JSON(map[string]interface{}{
		"count":   len(results),
		"results": results,
	})
}

func (f *JSONFormatter) Runs(runs []models.SyncRun) {
	if runs == nil {
		runs = []models.SyncRun{}
	}
	f.JSON(map[string]interface{}{
		"count": len(runs),
		"runs":  runs,
	})
}

func (f *JSONFormatter) Links(links []Link, total int64) {
	if links == nil {
		links = []Link{}
	}
	f.JSON(map[string]interface{}{
		"total": total,
		"links": links,
	})
}

func (f *JSONFormatter) Success(msg string) {
	f.JSON(map[string]interface{}{"success": true, "message": msg})
}

func (f *JSONFormatter) Error(err error) {
	f.JSON(map[string]interface{}{"error": true, "message": err.Error()})
}

func (f *JSONFormatter) Info(msg string) {
	f.JSON(map[string]interface{}{"message": msg})
}

func (f *JSONFormatter) KeyValue(key, value string) {
	f.JSON(map[string]string{key: value})
}

func (f *JSONFormatter) Section(title string) {
	// JSON doesn't need section headers
}

func (f *JSONFormatter) JSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, `{"error": true, "message": "JSON marshal error: %s"}`+"\n", err.Error())
		return
	}
	fmt.Println(string(data))
}
