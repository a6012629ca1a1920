package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// IgnoreLocalConfig makes sure dir/.gitignore lists LocalConfigFile, which
// may hold a registry token. It reports whether the entry was added.
func IgnoreLocalConfig(fs afero.Fs, dir string) (bool, error) {
	path := filepath.Join(dir, ".gitignore")

	existing, err := afero.ReadFile(fs, path)
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("reading %s: %w", path, err)
	}
	for _, line := range bytes.Split(existing, []byte("\n")) {
		if string(bytes.TrimSpace(line)) == LocalConfigFile {
			return false, nil
		}
	}

	var buf bytes.Buffer
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.WriteString(LocalConfigFile + "\n")

	f, err := fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return false, fmt.Errorf("writing %s: %w", path, err)
	}
	return true, nil
}
