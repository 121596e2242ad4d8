// Package organizer maintains the virtual folder tree. Paths live only on
// extraction rows; the stored file never moves.
package organizer

import (
	"context"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docvault/internal/model"
	"github.com/sells-group/docvault/internal/store"
)

const (
	dateLayout   = "2006-01-02"
	suffixLayout = "20060102T150405"
	browsePage   = 1000
)

// Organizer assigns and rewrites organized paths.
type Organizer struct {
	st       store.ExtractionStore
	now      func() time.Time
	pageSize int
}

// New creates an Organizer.
func New(st store.ExtractionStore) *Organizer {
	return &Organizer{st: st, now: time.Now, pageSize: browsePage}
}

// SanitizeSegment turns a template name into a folder name: lowercase,
// spaces to underscores, path separators and control characters dropped.
func SanitizeSegment(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsSpace(r):
			b.WriteByte('_')
		case r == '/' || r == '\\' || unicode.IsControl(r):
		default:
			b.WriteRune(r)
		}
	}
	s := strings.Trim(b.String(), ".")
	if s == "" {
		return "unsorted"
	}
	return s
}

func cleanFileName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "document"
	}
	return name
}

// CleanPath normalizes a user-supplied folder path. The empty string is the
// root.
func CleanPath(p string) (string, error) {
	p = strings.Trim(strings.ReplaceAll(strings.TrimSpace(p), "\\", "/"), "/")
	if p == "" {
		return "", nil
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", eris.Errorf("organizer: invalid path %q", p)
		}
	}
	return p, nil
}

// AssignPath computes Template/YYYY-MM-DD/filename for e and stores it. A
// taken path gets a timestamp suffix; an existing file is never displaced.
func (o *Organizer) AssignPath(ctx context.Context, e *model.Extraction) (string, error) {
	day := o.now().UTC()
	if e.ProcessedAt != nil {
		day = e.ProcessedAt.UTC()
	}
	folder := path.Join(SanitizeSegment(e.TemplateName), day.Format(dateLayout))
	p, err := o.unique(ctx, e.ID, path.Join(folder, cleanFileName(e.FileName)), nil)
	if err != nil {
		return "", err
	}
	if _, err := o.st.UpdateOrganizedPaths(ctx, map[string]string{e.ID: p}); err != nil {
		return "", err
	}
	e.OrganizedPath = p
	return p, nil
}

// unique returns p, or p with a timestamp suffix before the extension when
// another extraction already holds it. reserved tracks paths handed out in
// the current batch.
func (o *Organizer) unique(ctx context.Context, id, p string, reserved map[string]bool) (string, error) {
	ext := path.Ext(p)
	stem := strings.TrimSuffix(p, ext)
	stamp := o.now().UTC().Format(suffixLayout)

	for i := 0; ; i++ {
		candidate := p
		switch {
		case i == 1:
			candidate = stem + "_" + stamp + ext
		case i > 1:
			candidate = stem + "_" + stamp + "_" + strconv.Itoa(i) + ext
		}
		if reserved[candidate] {
			continue
		}
		taken, err := o.takenByOther(ctx, id, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			if reserved != nil {
				reserved[candidate] = true
			}
			return candidate, nil
		}
	}
}

func (o *Organizer) takenByOther(ctx context.Context, id, p string) (bool, error) {
	exists, err := o.st.OrganizedPathExists(ctx, p)
	if err != nil || !exists {
		return false, err
	}
	cur, err := o.st.GetExtraction(ctx, id)
	if err != nil {
		if model.IsNotFound(err) {
			return true, nil
		}
		return false, err
	}
	return cur.OrganizedPath != p, nil
}

// Reorganize moves the named extractions under target, keeping each file
// name, and returns how many moved. Only organized_path changes; unknown ids
// are skipped.
func (o *Organizer) Reorganize(ctx context.Context, ids []string, target string) (int, error) {
	target, err := CleanPath(target)
	if err != nil {
		return 0, err
	}
	if target == "" {
		return 0, eris.New("organizer: target path is required")
	}

	reserved := make(map[string]bool, len(ids))
	paths := make(map[string]string, len(ids))
	for _, id := range ids {
		if _, dup := paths[id]; dup {
			continue
		}
		e, err := o.st.GetExtraction(ctx, id)
		if model.IsNotFound(err) {
			continue
		}
		if err != nil {
			return 0, err
		}
		name := e.FileName
		if e.OrganizedPath != "" {
			name = path.Base(e.OrganizedPath)
		}
		p, err := o.unique(ctx, id, path.Join(target, cleanFileName(name)), reserved)
		if err != nil {
			return 0, err
		}
		paths[id] = p
	}
	if len(paths) == 0 {
		return 0, nil
	}

	moved, err := o.st.UpdateOrganizedPaths(ctx, paths)
	if err != nil {
		return 0, err
	}
	zap.L().Info("organizer: reorganized", zap.String("target", target), zap.Int("moved", moved))
	return moved, nil
}

// Folder is a child folder in a listing.
type Folder struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Count int    `json:"count"`
}

// Listing is the content of one virtual folder.
type Listing struct {
	Path    string             `json:"path"`
	Folders []Folder           `json:"folders"`
	Files   []model.Extraction `json:"files"`
}

// Browse lists the direct children of folder p: sub-folders grouped by
// their next segment, with the number of files below each, and the
// extractions sitting directly in p.
func (o *Organizer) Browse(ctx context.Context, p string) (*Listing, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	all, err := o.listUnder(ctx, p)
	if err != nil {
		return nil, err
	}

	out := &Listing{Path: p, Folders: []Folder{}, Files: []model.Extraction{}}
	counts := map[string]int{}
	for _, e := range all {
		rest := e.OrganizedPath
		if p != "" {
			if !strings.HasPrefix(rest, p+"/") {
				continue
			}
			rest = strings.TrimPrefix(rest, p+"/")
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			counts[rest[:i]]++
			continue
		}
		out.Files = append(out.Files, e)
	}

	for name, n := range counts {
		out.Folders = append(out.Folders, Folder{Name: name, Path: path.Join(p, name), Count: n})
	}
	sort.Slice(out.Folders, func(i, j int) bool { return out.Folders[i].Name < out.Folders[j].Name })
	sort.Slice(out.Files, func(i, j int) bool { return out.Files[i].OrganizedPath < out.Files[j].OrganizedPath })
	return out, nil
}

// listUnder pages through every organized extraction at or below p.
func (o *Organizer) listUnder(ctx context.Context, p string) ([]model.Extraction, error) {
	var out []model.Extraction
	seen := map[string]bool{}
	for offset := 0; ; offset += o.pageSize {
		page, err := o.st.ListExtractions(ctx, model.ExtractionFilter{PathPrefix: p, Limit: o.pageSize, Offset: offset})
		if err != nil {
			return nil, eris.Wrap(err, "organizer: browse")
		}
		for _, e := range page {
			// Rows can shift between pages while others are inserted.
			if e.OrganizedPath == "" || seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			out = append(out, e)
		}
		if len(page) < o.pageSize {
			return out, nil
		}
	}
}

// Crumb is one step of a breadcrumb trail.
type Crumb struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Breadcrumbs decomposes p into its prefix chain, root first.
func Breadcrumbs(p string) []Crumb {
	p = strings.Trim(p, "/")
	if p == "" {
		return []Crumb{}
	}
	segs := strings.Split(p, "/")
	out := make([]Crumb, 0, len(segs))
	for i, s := range segs {
		if s == "" {
			continue
		}
		out = append(out, Crumb{Name: s, Path: strings.Join(segs[:i+1], "/")})
	}
	return out
}
