package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

// OutputFormatter renders command results as text or JSON. Verbose
// diagnostics go to ErrWriter so they never corrupt JSON output.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

func newFormatter(opts *RootOptions, out, errOut io.Writer) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    out,
		ErrWriter: errOut,
		Verbose:   opts.Verbose,
	}
}

// Response is the standard JSON envelope for CLI output.
type Response struct {
	Status string      `json:"status"` // "ok" or "error"
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Success renders a successful result. In text mode render is called to
// produce the human-readable form; in JSON mode data is emitted as-is.
func (f *OutputFormatter) Success(data interface{}, render func(io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(Response{Status: "ok", Data: data})
	}
	render(f.Writer)
	return nil
}

// Failure renders an error result and returns an error so the command
// exits non-zero.
func (f *OutputFormatter) Failure(msg string, data interface{}, render func(io.Writer)) error {
	if f.Format == "json" {
		if err := json.NewEncoder(f.Writer).Encode(Response{Status: "error", Error: msg, Data: data}); err != nil {
			return err
		}
		return fmt.Errorf("%s", msg)
	}
	render(f.Writer)
	return fmt.Errorf("%s", msg)
}

// VerboseLog writes a diagnostic line when verbose output is enabled.
func (f *OutputFormatter) VerboseLog(format string, args ...interface{}) {
	if f.Verbose {
		fmt.Fprintf(f.ErrWriter, format+"\n", args...)
	}
}
