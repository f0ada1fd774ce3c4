package fetcher

import "os"

// writeTestFile writes a fixture file, typically a fake directory export.
func writeTestFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
