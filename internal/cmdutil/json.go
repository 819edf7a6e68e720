package cmdutil

import (
	"encoding/json"
	"io"
)

// WriteJSON renders v to w with a trailing newline, indented when pretty.
// Binaries use it for their machine-readable stdout lines.
func WriteJSON(w io.Writer, v any, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
