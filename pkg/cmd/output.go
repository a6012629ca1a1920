package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"sigs.k8s.io/yaml"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

// writeResult prints v in format, followed by a newline.
func writeResult(w io.Writer, format string, v any) error {
	var (
		data []byte
		err  error
	)
	switch format {
	case formatJSON, "":
		if data, err = json.Marshal(v); err == nil {
			data = append(data, '\n')
		}
	case formatYAML:
		data, err = yaml.Marshal(v)
	default:
		return fmt.Errorf("unknown output format %q (want %s or %s)", format, formatJSON, formatYAML)
	}
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	_, err = w.Write(data)
	return err
}
