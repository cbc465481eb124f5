// Package notebook maintains the agent's per-day world notebook files and
// the daily mission review. Each rendered item is preceded by an HTML-comment
// marker with its identifier; the markers are the dedup source of truth for
// notebook re-entry, independent of the sensors' own seen sets.
package notebook

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/crypto/blake2b"
)

const DayFormat = "2006-01-02"

type WorldItem struct {
	ID      string
	Title   string
	URL     string
	Summary string
	Sensor  string
}

// EnsureID derives a stable identifier from the URL and title when the
// sensor did not provide one.
func (it WorldItem) EnsureID() WorldItem {
	if it.ID != "" {
		return it
	}
	sum := blake2b.Sum256([]byte(it.URL + "\n" + it.Title))
	it.ID = hex.EncodeToString(sum[:8])
	return it
}

var markerRe = regexp.MustCompile(`<!-- world_item_id: (\S+) -->`)

type Book struct {
	dir    string
	policy *bluemonday.Policy
}

func New(dir string) *Book {
	return &Book{
		dir:    dir,
		policy: bluemonday.StrictPolicy(),
	}
}

func (b *Book) Path(day string) string {
	return filepath.Join(b.dir, "world-"+day+".md")
}

// SeenIDs scans the day's notebook for item markers.
func (b *Book) SeenIDs(day string) map[string]struct{} {
	ids := make(map[string]struct{})
	data, err := os.ReadFile(b.Path(day))
	if err != nil {
		return ids
	}
	for _, m := range markerRe.FindAllStringSubmatch(string(data), -1) {
		ids[m[1]] = struct{}{}
	}
	return ids
}

// AppendItems appends items not already marked in the day's notebook and
// returns how many were genuinely new. The notebook is append-only.
func (b *Book) AppendItems(day string, items []WorldItem) (int, error) {
	seen := b.SeenIDs(day)

	var sb strings.Builder
	added := 0
	for _, it := range items {
		it = it.EnsureID()
		if _, ok := seen[it.ID]; ok {
			continue
		}
		seen[it.ID] = struct{}{}
		added++

		title := b.clean(it.Title)
		summary := b.clean(it.Summary)
		fmt.Fprintf(&sb, "<!-- world_item_id: %s -->\n", it.ID)
		if it.URL != "" {
			fmt.Fprintf(&sb, "- [%s](%s)", title, it.URL)
		} else {
			fmt.Fprintf(&sb, "- %s", title)
		}
		if summary != "" {
			fmt.Fprintf(&sb, ": %s", summary)
		}
		if it.Sensor != "" {
			fmt.Fprintf(&sb, " (via %s)", it.Sensor)
		}
		sb.WriteString("\n")
	}

	if added == 0 {
		return 0, nil
	}

	if err := b.ensureDir(); err != nil {
		return 0, err
	}
	path := b.Path(day)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open notebook: %w", err)
	}
	defer f.Close()

	if fi, err := f.Stat(); err == nil && fi.Size() == 0 {
		fmt.Fprintf(f, "# World notebook %s\n\n", day)
	}
	if _, err := f.WriteString(sb.String()); err != nil {
		return 0, fmt.Errorf("append notebook: %w", err)
	}
	return added, nil
}

// EnsureDailyLog creates the day's log file with a header if missing.
func (b *Book) EnsureDailyLog(day string) error {
	if err := b.ensureDir(); err != nil {
		return err
	}
	path := filepath.Join(b.dir, "log-"+day+".md")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	content := fmt.Sprintf("# Daily log %s\n\n", day)
	return os.WriteFile(path, []byte(content), 0o644)
}

// EnsureWorldModel creates the world model scaffold if missing.
func (b *Book) EnsureWorldModel() error {
	if err := b.ensureDir(); err != nil {
		return err
	}
	path := filepath.Join(b.dir, "world-model.md")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	content := "# World model\n\n## Entities\n\n## Threads\n\n## Questions\n"
	return os.WriteFile(path, []byte(content), 0o644)
}

// WriteMissionReview rewrites the day's mission review file. The scheduler
// calls this at most once per day.
func (b *Book) WriteMissionReview(day string, objectives []string, fresh []WorldItem) error {
	if err := b.ensureDir(); err != nil {
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Mission review %s\n\n", day)
	fmt.Fprintf(&sb, "Generated %s\n\n", time.Now().UTC().Format(time.RFC3339))

	sb.WriteString("## Status\n\n")
	fmt.Fprintf(&sb, "- Objectives tracked: %d\n", len(objectives))
	fmt.Fprintf(&sb, "- Fresh world items today: %d\n\n", len(fresh))

	sb.WriteString("## Objectives\n\n")
	for _, o := range objectives {
		fmt.Fprintf(&sb, "- %s\n", o)
	}
	sb.WriteString("\n## Candidate actions\n\n")
	n := len(fresh)
	if n > 3 {
		n = 3
	}
	for _, it := range fresh[:n] {
		it = it.EnsureID()
		fmt.Fprintf(&sb, "- Follow up on %q\n", b.clean(it.Title))
	}
	if n == 0 {
		sb.WriteString("- Gather more signal; no fresh items today\n")
	}

	sb.WriteString("\n## Research question\n\n")
	switch {
	case len(fresh) > 0 && len(objectives) > 0:
		fmt.Fprintf(&sb, "How does %q bear on the objective %q?\n",
			b.clean(fresh[0].Title), objectives[0])
	case len(objectives) > 0:
		fmt.Fprintf(&sb, "What changed recently that affects %q?\n", objectives[0])
	default:
		sb.WriteString("What should this agent be watching?\n")
	}

	path := filepath.Join(b.dir, "mission-review-"+day+".md")
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

func (b *Book) clean(s string) string {
	s = b.policy.Sanitize(s)
	s = strings.TrimSpace(strings.Join(strings.Fields(s), " "))
	return s
}

func (b *Book) ensureDir() error {
	return os.MkdirAll(b.dir, 0o755)
}
