//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

package reports

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/google/uuid"
)

type Athena interface {
	StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
	StopQueryExecution(ctx context.Context, params *athena.StopQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StopQueryExecutionOutput, error)
	GetQueryResults(ctx context.Context, params *athena.GetQueryResultsInput, optFns ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error)
}

// EngineConfig of Athena queries
type EngineConfig struct {
	Database  string
	Catalog   string
	WorkGroup string

	// Bucket for query results
	Bucket string

	// Max age of reused query results
	CachingMinutes int
}

// Engine executes SQL statements on Athena and waits for results
type Engine struct {
	api      Athena
	config   EngineConfig
	attempts int
	sleep    func(time.Duration)
	clock    func() time.Time
}

// number of times the status of query execution is checked
const queryAttempts = 10

func NewEngine(api Athena, config EngineConfig) *Engine {
	return &Engine{
		api:      api,
		config:   config,
		attempts: queryAttempts,
		sleep:    time.Sleep,
		clock:    time.Now,
	}
}

// Query executes statement and returns rows without column names
func (e *Engine) Query(ctx context.Context, sql string, cache bool) ([][]string, error) {
	id, err := e.execute(ctx, sql, cache)
	if err != nil {
		return nil, err
	}

	rows := make([][]string, 0)
	pager := athena.NewGetQueryResultsPaginator(e.api,
		&athena.GetQueryResultsInput{QueryExecutionId: aws.String(id)},
	)

	header := true
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("results of query %s: %w", id, err)
		}

		if page.ResultSet == nil {
			continue
		}

		for _, row := range page.ResultSet.Rows {
			if header {
				header = false
				continue
			}

			seq := make([]string, len(row.Data))
			for i, d := range row.Data {
				seq[i] = aws.ToString(d.VarCharValue)
			}
			rows = append(rows, seq)
		}
	}

	return rows, nil
}

func (e *Engine) execute(ctx context.Context, sql string, cache bool) (string, error) {
	val, err := e.api.StartQueryExecution(ctx,
		&athena.StartQueryExecutionInput{
			QueryString:        aws.String(sql),
			ClientRequestToken: aws.String(uuid.NewString()),
			WorkGroup:          optional(e.config.WorkGroup),
			QueryExecutionContext: &types.QueryExecutionContext{
				Database: aws.String(e.config.Database),
				Catalog:  optional(e.config.Catalog),
			},
			ResultConfiguration: &types.ResultConfiguration{
				OutputLocation: aws.String(
					fmt.Sprintf("s3://%s/athena/queries/%s", e.config.Bucket, e.clock().Format(time.DateOnly)),
				),
			},
			ResultReuseConfiguration: &types.ResultReuseConfiguration{
				ResultReuseByAgeConfiguration: &types.ResultReuseByAgeConfiguration{
					Enabled:         cache,
					MaxAgeInMinutes: aws.Int32(int32(e.config.CachingMinutes)),
				},
			},
		},
	)
	if err != nil {
		return "", fmt.Errorf("start query: %w", err)
	}

	id := aws.ToString(val.QueryExecutionId)
	slog.Debug("athena query", "id", id, "sql", sql)

	for i := 1; i <= e.attempts; i++ {
		status, err := e.api.GetQueryExecution(ctx,
			&athena.GetQueryExecutionInput{QueryExecutionId: aws.String(id)},
		)
		if err != nil {
			return "", fmt.Errorf("query %s: %w", id, err)
		}

		var state types.QueryExecutionState
		var reason string
		if qe := status.QueryExecution; qe != nil && qe.Status != nil {
			state = qe.Status.State
			reason = aws.ToString(qe.Status.StateChangeReason)
		}

		switch state {
		case types.QueryExecutionStateSucceeded:
			return id, nil
		case types.QueryExecutionStateFailed, types.QueryExecutionStateCancelled:
			slog.Error("athena query failed", "id", id, "state", state, "reason", reason)
			return "", fmt.Errorf("Query execution %s: %s", id, reason)
		}

		e.sleep(time.Duration(i) * time.Second)
	}

	if _, err := e.api.StopQueryExecution(ctx, &athena.StopQueryExecutionInput{QueryExecutionId: aws.String(id)}); err != nil {
		slog.Warn("unable to stop query", "id", id, "err", err)
	}

	return "", fmt.Errorf("TIME OVER while executing query %s", id)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}
