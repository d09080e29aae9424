//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

// Package reports reads cluster reports catalogued in Athena. Every report
// row is joined with cluster metadata of the same date, rows of the cluster
// are folded into a single record.
package reports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

type Querier interface {
	Query(ctx context.Context, sql string, cache bool) ([][]string, error)
}

// Metadata of the cluster at report date
type Metadata struct {
	CoreDNS          string `json:"CoreDNS"`
	KubeProxy        string `json:"KubeProxy"`
	AWSNode          string `json:"AWSNode"`
	TotalWorkerNodes string `json:"TotalWorkerNodes"`
}

// Cluster report
type Cluster struct {
	AccountId   string         `json:"AccountId"`
	Region      string         `json:"Region"`
	ClusterName string         `json:"ClusterName"`
	ReportDate  string         `json:"ReportDate"`
	EKSVersion  string         `json:"EKSVersion"`
	Metadata    Metadata       `json:"Metadata"`
	Details     map[string]any `json:"Details"`
}

type Repository struct {
	db       Querier
	database string
}

func NewRepository(db Querier, database string) *Repository {
	return &Repository{db: db, database: database}
}

var ErrNoReports = errors.New("no reports found")

// LatestDate of reports in the table
func (r *Repository) LatestDate(ctx context.Context, table string, cache bool) (string, error) {
	rows, err := r.db.Query(ctx, LatestDate(table), cache)
	if err != nil {
		return "", err
	}

	if len(rows) == 0 || len(rows[0]) == 0 || rows[0][0] == "" {
		return "", fmt.Errorf("%w in %s", ErrNoReports, table)
	}

	return rows[0][0], nil
}

type partition struct{ account, region, cluster, date string }

// Clusters reads reports of the view
func (r *Repository) Clusters(ctx context.Context, view View, f Filter, cache bool) ([]Cluster, error) {
	rows, err := r.db.Query(ctx, view.Query(r.database, f), cache)
	if err != nil {
		return nil, err
	}

	slog.Info("reports found", "view", view.Key, "rows", len(rows))

	seq := make([]Cluster, 0)
	index := map[partition]int{}

	for _, row := range rows {
		if len(row) < commonColumns+len(view.Columns) {
			return nil, fmt.Errorf("report %s: row has %d columns", view.Key, len(row))
		}

		key := partition{account: row[0], region: row[1], cluster: row[2], date: f.Date}

		if at, has := index[key]; has {
			if view.Table != TableMetadata {
				appendDetails(seq[at].Details, view, row)
			}
			continue
		}

		c := Cluster{
			AccountId:   row[0],
			Region:      row[1],
			ClusterName: row[2],
			ReportDate:  f.Date,
			EKSVersion:  row[3],
			Metadata: Metadata{
				CoreDNS:          row[4],
				KubeProxy:        row[5],
				AWSNode:          row[6],
				TotalWorkerNodes: row[7],
			},
			Details: map[string]any{},
		}

		if view.Table != TableMetadata {
			if view.MultiRow {
				c.Details[view.Key] = []map[string]string{details(view, row)}
			} else {
				c.Details[view.Key] = details(view, row)
			}
		}

		index[key] = len(seq)
		seq = append(seq, c)
	}

	return seq, nil
}

func details(view View, row []string) map[string]string {
	val := make(map[string]string, len(view.Columns))
	for i, c := range view.Columns {
		val[c.Key] = row[commonColumns+i]
	}
	return val
}

// single row views with repeated rows are promoted to list
func appendDetails(d map[string]any, view View, row []string) {
	switch x := d[view.Key].(type) {
	case []map[string]string:
		d[view.Key] = append(x, details(view, row))
	case map[string]string:
		d[view.Key] = []map[string]string{x, details(view, row)}
	}
}
