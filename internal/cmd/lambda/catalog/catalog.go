//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	_ "github.com/fogfish/logger/v3"
	"github.com/fogfish/swarm"
	"github.com/fogfish/swarm/broker/events3"
	"github.com/fogfish/swarm/queue"
)

func main() {
	aws, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		slog.Error("fatal failure of glue client", "err", err)
		panic(err)
	}

	// Crawler catalogues reports for Athena
	service := New(
		glue.NewFromConfig(aws),
		os.Getenv("GLUE_CRAWLER"),
		os.Getenv("REPORTS_PREFIX"),
	)

	// Run event consumption loop
	q := queue.Must(events3.New(os.Getenv("S3_BUCKET"), swarm.WithLogStdErr()))

	go service.Run(events3.Dequeue(q))

	q.Await()
}
