package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"storysave/internal/savequeue"
)

// Entry is one journal line: an operation plus how it should be queued.
type Entry struct {
	Line     int
	Op       savequeue.Operation
	Debounce bool
	DelayMS  int
}

type journalLine struct {
	Kind       string `json:"kind"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	StoryID    string `json:"storyId"`
	Data       any    `json:"data"`
	Debounce   bool   `json:"debounce"`
	DelayMS    int    `json:"delayMs"`
}

// Read parses a JSON-lines journal. Blank lines and lines starting with #
// are skipped; malformed lines are reported and skipped.
func Read(r io.Reader) ([]Entry, []error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)

	var entries []Entry
	var errs []error
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		entry, err := parseLine(text)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", line, err))
			continue
		}
		entry.Line = line
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, fmt.Errorf("reading journal: %w", err))
	}
	return entries, errs
}

func parseLine(text string) (Entry, error) {
	var raw journalLine
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return Entry{}, err
	}
	kind, err := savequeue.ParseKind(raw.Kind)
	if err != nil {
		return Entry{}, err
	}
	entityType, err := savequeue.ParseEntityType(raw.EntityType)
	if err != nil {
		return Entry{}, err
	}
	if raw.DelayMS < 0 {
		return Entry{}, fmt.Errorf("delayMs must not be negative")
	}
	return Entry{
		Op: savequeue.Operation{
			Kind:       kind,
			EntityType: entityType,
			EntityID:   raw.EntityID,
			StoryID:    raw.StoryID,
			Data:       raw.Data,
		},
		Debounce: raw.Debounce,
		DelayMS:  raw.DelayMS,
	}, nil
}

// walkJournalFiles expands directories into the .jsonl files below them.
// Files named explicitly are kept whatever their extension.
func walkJournalFiles(roots []string) ([]string, error) {
	var files []string
	for _, root := range roots {
		if root == "" {
			continue
		}
		root = filepath.Clean(root)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if path != root && !strings.HasSuffix(strings.ToLower(d.Name()), ".jsonl") {
				return nil
			}
			files = append(files, path)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}
