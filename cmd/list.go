package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/paulschiretz/pgl-spread/pkg/flagparse"
	"github.com/paulschiretz/pgl-spread/pkg/tasklist"
)

// RunList prints the tasks of the task list file.
func RunList(flagMap map[string]any, stdout io.Writer) error {
	runConfig, err := loadRunConfig(flagparse.List, flagMap)
	if err != nil {
		return err
	}

	doc, err := tasklist.Read(runConfig.Tasks.File)
	if err != nil {
		return err
	}
	return printTasks(stdout, doc)
}

func printTasks(w io.Writer, doc *tasklist.Document) error {
	if len(doc.Tasks) == 0 {
		_, err := fmt.Fprintln(w, "No tasks.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tDESTINATION\tARCHIVE BIT\tFILTER")
	for _, t := range doc.Tasks {
		for i, d := range t.Destinations {
			source := t.Source
			if i > 0 {
				source = ""
			}
			fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", source, d.Directory, t.UseArchiveBit, describeFilter(d))
		}
	}
	return tw.Flush()
}

func describeFilter(d tasklist.Destination) string {
	spec := d.Filter()
	var parts []string
	if len(spec.WhiteList) > 0 {
		parts = append(parts, "+"+strings.Join(spec.WhiteList, ":"))
	}
	if len(spec.BlackList) > 0 {
		parts = append(parts, "-"+strings.Join(spec.BlackList, ":"))
	}
	if spec.WhiteRegex != "" {
		parts = append(parts, "+/"+spec.WhiteRegex+"/")
	}
	if spec.BlackRegex != "" {
		parts = append(parts, "-/"+spec.BlackRegex+"/")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}
