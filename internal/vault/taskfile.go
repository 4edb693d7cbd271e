package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/lobwife/internal/persistence"
)

const (
	tasksDir     = "010-tasks"
	overviewFile = tasksDir + "/_overview.md"
)

var taskSubdirs = []string{"active", "completed", "failed"}

// statusDir maps a task status to its vault subdirectory.
func statusDir(s persistence.TaskStatus) string {
	switch s {
	case persistence.StatusCompleted:
		return "completed"
	case persistence.StatusFailed, persistence.StatusCancelled:
		return "failed"
	default:
		return "active"
	}
}

func taskPath(t *persistence.Task) string {
	return filepath.ToSlash(filepath.Join(tasksDir, statusDir(t.Status), t.TaskID+".md"))
}

// field is one DB-managed frontmatter key. A nil value means the key is unset
// and is removed from the file.
type field struct {
	key   string
	value *yaml.Node
}

func vaultTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func optTime(t *time.Time) *yaml.Node {
	if t == nil {
		return nil
	}
	return strNode(vaultTime(*t))
}

func optStr(s string) *yaml.Node {
	if s == "" {
		return nil
	}
	return strNode(s)
}

// taskFields returns the managed keys in file order.
func taskFields(t *persistence.Task) []field {
	fs := []field{
		{"id", strNode(t.TaskID)},
		{"name", strNode(t.Name)},
		{"type", strNode(t.Type)},
		{"status", strNode(string(t.Status))},
		{"created", strNode(vaultTime(t.CreatedAt))},
		{"priority", strNode(t.Priority)},
		{"assigned_to", optStr(t.AssignedTo)},
		{"assigned_at", optTime(t.AssignedAt)},
		{"completed_at", optTime(t.CompletedAt)},
		{"model", optStr(t.Model)},
		{"estimate_minutes", nil},
		{"workflow", optStr(t.Workflow)},
		{"thread_id", optStr(t.ThreadRef)},
		{"requires_qa", nil},
		{"slug", optStr(t.Slug)},
		{"repos", nil},
	}
	for i := range fs {
		switch fs[i].key {
		case "estimate_minutes":
			if t.EstimateMinutes != nil {
				fs[i].value = intNode(*t.EstimateMinutes)
			}
		case "requires_qa":
			if t.RequiresQA {
				fs[i].value = boolNode(true)
			}
		case "repos":
			if len(t.Repos) > 0 {
				fs[i].value = listNode(t.Repos)
			}
		}
	}
	return fs
}

// merge applies the task's managed keys to doc and reports whether anything
// changed. Keys the DB does not manage are left alone.
func merge(doc *Document, t *persistence.Task) bool {
	changed := false
	for _, f := range taskFields(t) {
		cur := doc.Get(f.key)
		switch {
		case f.value == nil && cur != nil:
			doc.Delete(f.key)
			changed = true
		case f.value != nil && !sameValue(cur, f.value):
			doc.Set(f.key, f.value)
			changed = true
		}
	}
	return changed
}

func newTaskBody(t *persistence.Task) string {
	if strings.TrimSpace(t.Objective) != "" {
		return fmt.Sprintf("# %s\n\n## Objective\n\n%s", t.Name, strings.TrimSpace(t.Objective))
	}
	return fmt.Sprintf("# %s\n\n_Task created via API. Content pending._", t.Name)
}

// findTaskFile looks for name.md in every task subdirectory. Names that
// would leave the subdirectory are never looked up.
func findTaskFile(root, name string) string {
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return ""
	}
	for _, dir := range taskSubdirs {
		rel := filepath.ToSlash(filepath.Join(tasksDir, dir, name+".md"))
		if !insideDir(filepath.Join(root, tasksDir, dir), filepath.Join(root, rel)) {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, rel)); err == nil {
			return rel
		}
	}
	return ""
}

func insideDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func writeFile(root, rel, content string) error {
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(rel), err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}
