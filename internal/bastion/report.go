//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

package bastion

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// Marker of rows in reports, dummy rows of empty reports are N/A
const (
	DataAvailable    = "A"
	DataNotAvailable = "N/A"
)

// Doc is JSON report, the document is flat so that crawler maps each key
// to the column of table.
type Doc map[string]any

// Table is CSV report. The first column is 1-based row id.
type Table struct {
	Header []string
	Rows   [][]string
	// Row written instead of rows if table is empty
	Empty []string
}

func NewTable(header ...string) *Table {
	return &Table{Header: header}
}

// Add row, values are ordered as header
func (t *Table) Add(row ...string) *Table {
	t.Rows = append(t.Rows, row)
	return t
}

// WithEmpty defines the row written if table has no rows
func (t *Table) WithEmpty(row ...string) *Table {
	t.Empty = row
	return t
}

func (t *Table) Len() int { return len(t.Rows) }

// Write table as CSV
func (t *Table) Write(w io.Writer) error {
	out := csv.NewWriter(w)

	if err := out.Write(append([]string{"Id"}, t.Header...)); err != nil {
		return err
	}

	rows := t.Rows
	if len(rows) == 0 {
		rows = [][]string{t.Empty}
	}

	for i, row := range rows {
		line := make([]string, len(t.Header)+1)
		line[0] = strconv.Itoa(i + 1)
		copy(line[1:], row)
		if err := out.Write(line); err != nil {
			return err
		}
	}

	out.Flush()
	return out.Error()
}

// ReportDir of cluster, the directory is created if missing
func (r *Runner) ReportDir(cluster, report string) (string, error) {
	dir := r.path(r.ReportBasePath, cluster, report)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	return dir, nil
}

// JSONReport path of cluster
func (r *Runner) JSONReport(cluster, report string) (string, error) {
	dir, err := r.ReportDir(cluster, report)
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, report+".json"), nil
}

// WriteCSV writes table as the report of cluster
func (r *Runner) WriteCSV(cluster, report string, t *Table) error {
	dir, err := r.ReportDir(cluster, report)
	if err != nil {
		return err
	}

	fd, err := os.Create(filepath.Join(dir, report+".csv"))
	if err != nil {
		return err
	}
	defer fd.Close()

	return t.Write(fd)
}

// ReadJSON report, missing report is empty document
func ReadJSON(path string) (Doc, error) {
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Doc{}, nil
	case err != nil:
		return nil, err
	}

	doc := Doc{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("invalid report %s: %w", path, err)
	}

	return doc, nil
}

// WriteJSON report
func WriteJSON(path string, doc Doc) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	return os.WriteFile(path, b, 0644)
}

// UpdateJSON reads the report, applies changes and writes it back
func (r *Runner) UpdateJSON(path string, f func(Doc)) error {
	doc, err := ReadJSON(path)
	if err != nil {
		return err
	}

	f(doc)

	return WriteJSON(path, doc)
}

// Upload report of cluster to S3. Files are partitioned so that crawler
// discovers account, region, cluster and date columns.
func (r *Runner) Upload(cluster, report string) error {
	dir := r.path(r.ReportBasePath, cluster, report)

	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		slog.Warn("no reports to upload", "cluster", cluster, "report", report)
		return nil
	}

	prefix := fmt.Sprintf("/%s/%s/accountId=%s/region=%s/clusterName=%s/date=%s",
		ReportsFolder, report, r.account, r.region, cluster, r.today(),
	)

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		key := prefix + "/" + filepath.ToSlash(rel)
		if err := r.copy(path, key); err != nil {
			return fmt.Errorf("upload %s failed: %w", key, err)
		}

		slog.Info("report uploaded", "bucket", r.Bucket, "key", key)
		return nil
	})
}

func (r *Runner) copy(path, key string) error {
	r0, err := os.Open(path)
	if err != nil {
		return err
	}
	defer r0.Close()

	w, err := r.storage(key)
	if err != nil {
		return err
	}

	if _, err := io.Copy(w, r0); err != nil {
		w.Close()
		return err
	}

	return w.Close()
}

// Progress counts outcomes of upgrading cluster components
type Progress struct {
	Updated      int
	Failed       int
	NoAction     int
	NotActive    int
	NotRequested int
	NotSupported int
}
