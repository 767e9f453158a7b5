// Package artifacts packages generated code for download.
package artifacts

import (
	"archive/zip"
	"bytes"
	"fmt"
	"time"

	"buildforge/internal/jobs"
)

// Bundle writes every block of art into a zip archive under its filename
func Bundle(art *jobs.Artifact, modified time.Time) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, b := range art.Blocks {
		name := b.Filename
		if name == "" {
			name = "snippet.txt"
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", name, err)
		}
		if _, err := w.Write([]byte(b.Code + "\n")); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	return buf.Bytes(), nil
}
