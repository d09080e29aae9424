//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

// Package targets resolves the SSM Automation target locations either from
// the explicit targets of the event or from the registry of onboarded
// tenants kept in DynamoDB.
package targets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/fogfish/eksfleet/internal/fleet"
)

var ErrTarget = errors.New("AccountId and Region are required")

// FromEvent builds locations from explicit targets
func FromEvent(seq []fleet.Tenant) ([]fleet.Location, error) {
	locations := make([]fleet.Location, 0, len(seq))
	for _, t := range seq {
		if t.AccountId == "" || t.Region == "" {
			return nil, ErrTarget
		}
		locations = append(locations, fleet.NewLocation(t))
	}
	return locations, nil
}

// Locations builds locations for tenants
func Locations(seq []fleet.Tenant) []fleet.Location {
	locations := make([]fleet.Location, 0, len(seq))
	for _, t := range seq {
		locations = append(locations, fleet.NewLocation(t))
	}
	return locations
}

// Select tenants relevant for clusters. The tenant is relevant if its account
// and region are both used by any of the clusters. All tenants are relevant
// when clusters are not given.
func Select(tenants []fleet.Tenant, clusters []fleet.Cluster) []fleet.Tenant {
	if len(clusters) == 0 {
		return tenants
	}

	accounts := map[string]struct{}{}
	regions := map[string]struct{}{}
	for _, c := range clusters {
		accounts[c.AccountId] = struct{}{}
		regions[c.Region] = struct{}{}
	}

	seq := make([]fleet.Tenant, 0)
	for _, t := range tenants {
		_, hasAccount := accounts[t.AccountId]
		_, hasRegion := regions[t.Region]
		if hasAccount && hasRegion {
			seq = append(seq, t)
		}
	}

	return seq
}

//------------------------------------------------------------------------------

type DynamoDB interface {
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Registry of tenants, the table is keyed by Account and Region
type Registry struct {
	api   DynamoDB
	table string
}

func NewRegistry(api DynamoDB, table string) *Registry {
	return &Registry{api: api, table: table}
}

type item struct {
	Account           string `dynamodbav:"Account"`
	Region            string `dynamodbav:"Region"`
	ExecutionRoleName string `dynamodbav:"ExecutionRoleName,omitempty"`
}

// Scan reads all tenants from the registry
func (r *Registry) Scan(ctx context.Context) ([]fleet.Tenant, error) {
	pager := dynamodb.NewScanPaginator(r.api,
		&dynamodb.ScanInput{
			TableName:            aws.String(r.table),
			Select:               types.SelectSpecificAttributes,
			ProjectionExpression: aws.String("Account, #target_region, ExecutionRoleName"),
			ExpressionAttributeNames: map[string]string{
				"#target_region": "Region",
			},
		},
	)

	tenants := make([]fleet.Tenant, 0)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", r.table, err)
		}

		var seq []item
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &seq); err != nil {
			return nil, fmt.Errorf("decode %s: %w", r.table, err)
		}

		for _, x := range seq {
			tenants = append(tenants, fleet.Tenant{
				AccountId:         x.Account,
				Region:            x.Region,
				ExecutionRoleName: x.ExecutionRoleName,
			})
		}
	}

	if len(tenants) == 0 {
		slog.Warn("no targets present", "table", r.table)
	}

	return tenants, nil
}

const (
	batchSize     = 25
	batchAttempts = 5
)

// Put writes tenants into registry, existing records are replaced
func (r *Registry) Put(ctx context.Context, tenants []fleet.Tenant) ([]fleet.Tenant, error) {
	for i := 0; i < len(tenants); i += batchSize {
		chunk := tenants[i:min(i+batchSize, len(tenants))]

		requests := make([]types.WriteRequest, 0, len(chunk))
		for _, t := range chunk {
			av, err := attributevalue.MarshalMap(item{
				Account:           t.AccountId,
				Region:            t.Region,
				ExecutionRoleName: t.ExecutionRoleName,
			})
			if err != nil {
				return nil, err
			}
			requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: av}})
		}

		if err := r.batchWrite(ctx, requests); err != nil {
			return nil, err
		}
	}

	return tenants, nil
}

func (r *Registry) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{r.table: requests}

	for attempt := 0; attempt < batchAttempts; attempt++ {
		out, err := r.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("batch write %s: %w", r.table, err)
		}

		if len(out.UnprocessedItems[r.table]) == 0 {
			return nil
		}

		pending = out.UnprocessedItems
		slog.Warn("unprocessed tenants", "table", r.table, "count", len(pending[r.table]))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}

	return fmt.Errorf("batch write %s: %d items unprocessed", r.table, len(pending[r.table]))
}
