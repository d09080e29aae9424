//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

package bastion

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/fogfish/it/v2"
)

func TestTableWrite(t *testing.T) {
	t.Run("Rows", func(t *testing.T) {
		var sb strings.Builder
		err := NewTable("Name", "Data").
			Add("a", DataAvailable).
			Add("b, c", DataAvailable).
			WithEmpty("", DataNotAvailable).
			Write(&sb)

		it.Then(t).Should(
			it.Nil(err),
			it.Equal(sb.String(), "Id,Name,Data\n1,a,A\n2,\"b, c\",A\n"),
		)
	})

	t.Run("Empty", func(t *testing.T) {
		var sb strings.Builder
		err := NewTable("Name", "Data").
			WithEmpty("", DataNotAvailable).
			Write(&sb)

		it.Then(t).Should(
			it.Nil(err),
			it.Equal(sb.String(), "Id,Name,Data\n1,,N/A\n"),
		)
	})

	t.Run("ShortRow", func(t *testing.T) {
		var sb strings.Builder
		err := NewTable("Name", "Version", "Data").Add("a").Write(&sb)

		it.Then(t).Should(
			it.Nil(err),
			it.Equal(sb.String(), "Id,Name,Version,Data\n1,a,,\n"),
		)
	})
}

func TestJSONReport(t *testing.T) {
	api := newMockEKS().withCluster("a", "1.29", types.ClusterStatusActive)
	f := newFixture(t, api, newMockKube())

	path, err := f.JSONReport("a", "metadata")
	it.Then(t).Should(
		it.Nil(err),
		it.Equal(path, filepath.Join(f.WorkingDirectory, "reports", "a", "metadata", "metadata.json")),
	)

	doc, err := ReadJSON(path)
	it.Then(t).Should(
		it.Nil(err),
		it.Equal(len(doc), 0),
	)

	it.Then(t).Should(
		it.Nil(WriteJSON(path, Doc{"A": "1"})),
		it.Nil(f.UpdateJSON(path, func(doc Doc) { doc["B"] = 2 })),
	)

	doc, err = ReadJSON(path)
	it.Then(t).Should(
		it.Nil(err),
		it.Equal(doc["A"], any("1")),
		it.Equal(doc["B"], any(float64(2))),
	)
}

func TestUpload(t *testing.T) {
	api := newMockEKS().withCluster("a", "1.29", types.ClusterStatusActive)

	t.Run("Partitioned", func(t *testing.T) {
		f := newFixture(t, api, newMockKube())
		err := f.WriteCSV("a", "addons", NewTable("Name").Add("vpc-cni"))
		it.Then(t).Should(it.Nil(err))

		err = f.Upload("a", "addons")
		it.Then(t).Should(
			it.Nil(err),
			it.Equal(
				f.storage.files["/reports/addons/accountId=123456789012/region=eu-west-1/clusterName=a/date=2024-06-01/addons.csv"],
				"Id,Name\n1,vpc-cni\n",
			),
		)
	})

	t.Run("NoReports", func(t *testing.T) {
		f := newFixture(t, api, newMockKube())

		err := f.Upload("a", "addons")
		it.Then(t).Should(
			it.Nil(err),
			it.Equal(len(f.storage.files), 0),
		)
	})
}
