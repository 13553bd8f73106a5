// Package attachments loads the files merged into every job of a run: common
// attachments for all recipients and one optional attachment per category.
package attachments

import (
	"context"
	"encoding/base64"
	"errors"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"BulkSend/internal/models"
)

type Loaded struct {
	Common   []models.Attachment
	Category map[string]models.Attachment
}

// Source loads attachments. onError is called for every file that could not
// be read; those files are skipped.
type Source interface {
	Load(ctx context.Context, onError func(name string, err error)) (Loaded, error)
}

type None struct{}

func (None) Load(context.Context, func(string, error)) (Loaded, error) {
	return Loaded{Category: map[string]models.Attachment{}}, nil
}

// Dir reads common attachments from the files directly under Root and the
// category attachment from the first file in Root/<category>/.
type Dir struct {
	Root string
}

func (d Dir) Load(ctx context.Context, onError func(name string, err error)) (Loaded, error) {
	out := Loaded{Category: map[string]models.Attachment{}}
	if d.Root == "" {
		return out, nil
	}

	entries, err := os.ReadDir(d.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return out, err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		path := filepath.Join(d.Root, e.Name())
		if !e.IsDir() {
			a, err := readFile(path)
			if err != nil {
				onError(e.Name(), err)
				continue
			}
			out.Common = append(out.Common, a)
			continue
		}

		a, ok, err := firstFile(path)
		if err != nil {
			onError(e.Name(), err)
			continue
		}
		if ok {
			out.Category[e.Name()] = a
		}
	}

	return out, nil
}

func firstFile(dir string) (models.Attachment, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return models.Attachment{}, false, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return models.Attachment{}, false, nil
	}
	sort.Strings(names)

	a, err := readFile(filepath.Join(dir, names[0]))
	return a, err == nil, err
}

func readFile(path string) (models.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Attachment{}, err
	}

	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return models.Attachment{
		Filename: name,
		MimeType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
		Size:     len(data),
	}, nil
}

// Merge returns the attachments for one job: all common attachments plus the
// job's category attachment unless a common file already has its name.
// dup reports whether the category file was skipped as a duplicate.
func Merge(common []models.Attachment, byCategory map[string]models.Attachment, category string) (out []models.Attachment, added, dup bool) {
	out = append([]models.Attachment(nil), common...)

	category = strings.TrimSpace(category)
	if category == "" {
		return out, false, false
	}
	a, ok := byCategory[category]
	if !ok {
		return out, false, false
	}

	for _, c := range common {
		if c.Filename == a.Filename {
			return out, false, true
		}
	}
	return append(out, a), true, false
}
