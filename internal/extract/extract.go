// Package extract pulls fenced code blocks out of free-form model output.
package extract

import (
	"fmt"
	"path"
	"strings"
	"unicode/utf8"
)

// Block is one fenced code region
type Block struct {
	Language string `json:"language"`
	Filename string `json:"filename"`
	Code     string `json:"code"`
}

// Result is the ordered set of blocks found in a response
type Result struct {
	Blocks   []Block `json:"blocks"`
	Combined string  `json:"combined"`
}

// Empty reports whether no code was recovered. An empty result is a valid
// "nothing to show yet" state, not an error.
func (r Result) Empty() bool {
	return len(r.Blocks) == 0
}

const fence = "```"

// Extract scans raw line by line and returns every fenced block in order
// of appearance. Narrative text outside fences is dropped. A fence left
// open at the end of the text is closed implicitly, which keeps truncated
// responses usable.
func Extract(raw string) Result {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	lines := strings.Split(raw, "\n")

	var (
		blocks      []Block
		current     *Block
		body        []string
		pendingFile string
	)

	flush := func() {
		if current == nil {
			return
		}
		code := trimBlankLines(strings.Join(body, "\n"))
		if strings.TrimSpace(code) != "" {
			current.Code = code
			blocks = append(blocks, *current)
		}
		current = nil
		body = body[:0]
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if current == nil {
			if strings.HasPrefix(trimmed, fence) {
				lang, name := parseInfo(strings.TrimSpace(trimmed[len(fence):]))
				if name == "" {
					name = pendingFile
				}
				current = &Block{Language: lang, Filename: name}
				pendingFile = ""
				continue
			}
			if name := fileMarker(trimmed); name != "" {
				pendingFile = name
			}
			continue
		}

		if trimmed == fence {
			flush()
			continue
		}
		body = append(body, line)
	}
	flush()

	assignFilenames(blocks)
	return Result{Blocks: blocks, Combined: combine(blocks)}
}

// Fence renders blocks back into fenced text. Extract(Fence(r.Blocks))
// yields the same blocks as r.
func Fence(blocks []Block) string {
	var sb strings.Builder
	for i, b := range blocks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(fence)
		sb.WriteString(b.Language)
		if b.Filename != "" {
			sb.WriteString(":")
			sb.WriteString(b.Filename)
		}
		sb.WriteString("\n")
		sb.WriteString(b.Code)
		sb.WriteString("\n")
		sb.WriteString(fence)
	}
	return sb.String()
}

// Preview returns at most n runes of code, marking truncation
func Preview(code string, n int) string {
	if utf8.RuneCountInString(code) <= n {
		return code
	}
	runes := []rune(code)
	return string(runes[:n]) + "..."
}

func combine(blocks []Block) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		parts = append(parts, b.Code)
	}
	return strings.Join(parts, "\n\n")
}

// parseInfo splits a fence info string such as "jsx:src/App.jsx" or
// "html title=x" into a language and an optional filename.
func parseInfo(info string) (lang, filename string) {
	if info == "" {
		return "", ""
	}
	first := strings.Fields(info)[0]
	if i := strings.Index(first, ":"); i >= 0 {
		return strings.ToLower(first[:i]), strings.TrimSpace(first[i+1:])
	}
	return strings.ToLower(first), ""
}

// fileMarker recognizes "// File: x", "# File: x" and "<!-- File: x -->"
// lines that name the next block.
func fileMarker(line string) string {
	for _, prefix := range []string{"// File:", "# File:", "/* File:", "<!-- File:"} {
		if strings.HasPrefix(line, prefix) {
			name := strings.TrimPrefix(line, prefix)
			name = strings.TrimSuffix(strings.TrimSpace(name), "*/")
			name = strings.TrimSuffix(strings.TrimSpace(name), "-->")
			return strings.TrimSpace(name)
		}
	}
	return ""
}

func trimBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

var defaultNames = map[string]string{
	"html":       "index.html",
	"css":        "styles.css",
	"javascript": "script.js",
	"js":         "script.js",
	"jsx":        "App.jsx",
	"typescript": "index.ts",
	"ts":         "index.ts",
	"tsx":        "App.tsx",
	"python":     "main.py",
	"py":         "main.py",
	"go":         "main.go",
	"json":       "data.json",
	"sql":        "schema.sql",
	"bash":       "script.sh",
	"sh":         "script.sh",
	"shell":      "script.sh",
	"yaml":       "config.yaml",
	"yml":        "config.yaml",
	"markdown":   "README.md",
	"md":         "README.md",
	"vue":        "App.vue",
	"svelte":     "App.svelte",
}

// assignFilenames infers names for blocks without one and suffixes
// duplicates so every block has a distinct filename.
func assignFilenames(blocks []Block) {
	used := make(map[string]bool, len(blocks))
	for i := range blocks {
		if blocks[i].Filename != "" {
			used[blocks[i].Filename] = true
		}
	}
	for i := range blocks {
		if blocks[i].Filename != "" {
			continue
		}
		base := defaultNames[blocks[i].Language]
		if base == "" {
			ext := blocks[i].Language
			if ext == "" {
				ext = "txt"
			}
			base = "snippet." + ext
		}
		name := base
		for n := 2; used[name]; n++ {
			ext := path.Ext(base)
			name = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(base, ext), n, ext)
		}
		used[name] = true
		blocks[i].Filename = name
	}
}
