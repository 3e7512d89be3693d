package cmd

import (
	"io"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/ngld/buildgraph/pkg/buildsys"
)

// progressListener advances a progress bar whenever a task reaches a terminal state
type progressListener struct {
	bar *progressbar.ProgressBar
}

var _ buildsys.Listener = (*progressListener)(nil)

func newProgressListener(out io.Writer, total int, hidden bool) *progressListener {
	if hidden || os.Getenv("CI") == "true" {
		return &progressListener{
			bar: progressbar.NewOptions(total, progressbar.OptionSetVisibility(false)),
		}
	}

	return &progressListener{
		bar: progressbar.NewOptions(total,
			progressbar.OptionSetWriter(out),
			progressbar.OptionSetDescription("building"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		),
	}
}

func (l *progressListener) TaskStarted(task *buildsys.Task) {
	l.bar.Describe(task.Name)
}

func (l *progressListener) TaskFinished(task *buildsys.Task, result *buildsys.TaskResult) {
	_ = l.bar.Add(1)
}

func (l *progressListener) Finish() {
	_ = l.bar.Finish()
}
