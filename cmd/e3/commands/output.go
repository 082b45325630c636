package commands

import (
	"fmt"
	"io"
	"strings"
)

// printTaskList writes one status line for a non-empty task-name group.
func printTaskList(w io.Writer, label string, tasks []string) {
	if len(tasks) == 0 {
		return
	}
	fmt.Fprintf(w, "%s: %s\n", label, strings.Join(tasks, ", "))
}
