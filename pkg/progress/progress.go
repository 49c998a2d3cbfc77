// Package progress defines the progress report served to control clients.
package progress

import "encoding/xml"

// Destination is the state of one destination of a task.
type Destination struct {
	Destination string `json:"destination" xml:"destination"`
	// CurrentFile is the absolute destination path of the in-flight copy, empty when idle.
	CurrentFile string `json:"currentFile" xml:"currentFile"`
	// CurrentFileProgress is the in-flight copy's completion in percent, 0 when idle.
	CurrentFileProgress float64 `json:"currentFileProgress" xml:"currentFileProgress"`
	RemainingFileCount  int     `json:"remainingFileCount" xml:"remainingFileCount"`
	ScanFileCount       int     `json:"scanFileCount" xml:"scanFileCount"`
	// ExtraneousFileCount counts files present only at the destination. They are never deleted.
	ExtraneousFileCount int      `json:"extraneousFileCount" xml:"extraneousFileCount"`
	RemainingBytes      *int64   `json:"remainingBytes,omitempty" xml:"remainingBytes,omitempty"`
	RemainingFiles      []string `json:"remainingFiles,omitempty" xml:"remainingFiles>file,omitempty"`
}

// Source is the state of one task.
type Source struct {
	Source          string        `json:"source" xml:"source"`
	Phase           string        `json:"phase" xml:"phase"`
	SourceFileCount int           `json:"sourceFileCount" xml:"sourceFileCount"`
	Destinations    []Destination `json:"destinations" xml:"destinations>destination"`
}

// Report aggregates every task.
type Report struct {
	XMLName xml.Name `json:"-" xml:"progress"`
	// TotalRemainingBytes is only set when byte totals were requested.
	TotalRemainingBytes *int64   `json:"totalRemainingBytes,omitempty" xml:"totalRemainingBytes,omitempty"`
	TotalRemainingFiles int      `json:"totalRemainingFiles" xml:"totalRemainingFiles"`
	Sources             []Source `json:"sources" xml:"sources>source"`
	// Unavailable lists tasks that were too busy to report in time.
	Unavailable []string `json:"unavailable,omitempty" xml:"unavailable>source,omitempty"`
}
