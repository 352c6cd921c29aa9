// Package extract is the boundary to the document processor: the opaque,
// potentially slow, potentially remote call that turns a file into text
// and metadata.
package extract

import "context"

// Processor runs the extraction job for one file. Implementations may be
// local or remote; the orchestrator only sees this signature. A soft
// failure is reported via Result.Success=false, a transport-level one via
// the returned error.
type Processor interface {
	Process(ctx context.Context, path, fileType string) (Result, error)
}

// Result is the outcome envelope of one extraction.
type Result struct {
	Success  bool
	FilePath string
	Message  string
	Payload  map[string]any // extracted text/metadata, shape owned by the processor
}
