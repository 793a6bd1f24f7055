package helpers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/tidwall/pretty"
)

// WriteJSON writes v as indented JSON followed by a newline. Output to a
// terminal is colorized.
func WriteJSON(w io.Writer, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON output: %w", err)
	}
	out := pretty.Pretty(buf.Bytes())
	if isTerminal(w) {
		out = pretty.Color(out, nil)
	}
	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
