//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

package reports

import (
	"fmt"
	"strings"
)

// Filter of report rows, empty fields are not used
type Filter struct {
	AccountId   string
	Region      string
	ClusterName string
	Date        string
}

// columns of metadata table shared by every view, details start after them
var common = []string{
	"accountid AS accountId",
	"region",
	"clustername AS clusterName",
	"clusterversion AS clusterVersion",
	"addondetails_coredns_details AS coredns",
	"addondetails_kubeproxy_details AS kubeproxy",
	"addondetails_awsnode_details AS awsnode",
	"totalworkernodes AS totalWorkerNodes",
}

const commonColumns = 8

// Query builds SQL statement of the view
func (v View) Query(database string, f Filter) string {
	var sb strings.Builder

	cols := make([]string, 0, len(common)+len(v.Columns))
	for _, c := range common {
		cols = append(cols, TableMetadata+"."+c)
	}
	for _, c := range v.Columns {
		cols = append(cols, v.Table+"."+c.Field)
	}

	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(fmt.Sprintf(" FROM %s.%s %s", database, TableMetadata, TableMetadata))

	if v.Table != TableMetadata {
		sb.WriteString(fmt.Sprintf(" INNER JOIN %s.%s %s", database, v.Table, v.Table))
		sb.WriteString(fmt.Sprintf(" ON %[1]s.accountid = %[2]s.accountid AND %[1]s.region = %[2]s.region AND %[1]s.clustername = %[2]s.clustername",
			TableMetadata, v.Table))
	}

	sb.WriteString(" WHERE 1 = 1")
	where(&sb, TableMetadata, f)
	if v.Table != TableMetadata {
		where(&sb, v.Table, f)
	}

	return sb.String()
}

func where(sb *strings.Builder, table string, f Filter) {
	cond := func(col, val string) {
		if val != "" {
			sb.WriteString(fmt.Sprintf(" AND %s.%s = '%s'", table, col, quote(val)))
		}
	}

	cond("date", f.Date)
	cond("accountid", f.AccountId)
	cond("region", f.Region)
	cond("clustername", f.ClusterName)
}

func quote(s string) string { return strings.ReplaceAll(s, "'", "''") }

// LatestDate builds SQL statement for the most recent report date
func LatestDate(table string) string {
	return fmt.Sprintf("SELECT MAX(date) FROM %s", table)
}
