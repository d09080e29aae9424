//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fogfish/eksfleet/internal/clusters"
	"github.com/fogfish/eksfleet/internal/fleet"
	"github.com/fogfish/eksfleet/internal/targets"
)

// Registry of onboarded tenants
type Registry interface {
	Scan(ctx context.Context) ([]fleet.Tenant, error)
}

// Launcher of automation
type Launcher interface {
	Start(ctx context.Context, parameters map[string][]string, locations []fleet.Location, maxConcurrency, maxErrors string) (string, error)
}

// Env of automation lambda
type Env struct {
	// Role assumed by SSM Automation at orchestrator account
	AssumeRole string

	// Bucket for reports and logs
	Bucket string

	// Region of the bucket, bastion hosts of other regions write reports to it
	BucketRegion string

	// Timeout of run command steps in seconds.
	//
	// Default: 18000
	ExecutionTimeout string
}

const (
	DefaultExecutionTimeout = "18000"
	DefaultUpdateSoftware   = "SKIP"
)

// Document parameters
const (
	ParamAssumeRole         = "AssumeRole"
	ParamS3Bucket           = "S3Bucket"
	ParamS3Region           = "S3Region"
	ParamS3OutputLogsPrefix = "S3OutputLogsPrefix"
	ParamExecutionTimeout   = "ExecutionTimeout"
	ParamEKSClusters        = "EKSClusters"
	ParamUpdateSoftware     = "UpdateSoftware"
)

// Function is the automation lambda for the action
type Function struct {
	action   fleet.Action
	required bool
	env      Env
	opts     clusters.Options
	registry Registry
	launcher Launcher
}

// NewFunction creates automation function. Summary runs on all known
// clusters if none are given, other actions require input clusters.
// The current date is used if options do not define one.
func NewFunction(action fleet.Action, env Env, opts clusters.Options, registry Registry, launcher Launcher) *Function {
	if env.ExecutionTimeout == "" {
		env.ExecutionTimeout = DefaultExecutionTimeout
	}

	return &Function{
		action:   action,
		required: action != fleet.ActionSummary,
		env:      env,
		opts:     opts,
		registry: registry,
		launcher: launcher,
	}
}

// Name of the function used in log prefix
func (f *Function) Name() string { return strings.ToLower(string(f.action)) }

type Request struct {
	TargetLocations []fleet.Location    `json:"TargetLocations"`
	Parameters      map[string][]string `json:"Parameters"`
	MaxConcurrency  fleet.Limit         `json:"MaxConcurrency"`
	MaxErrors       fleet.Limit         `json:"MaxErrors"`
}

type Started struct {
	AutomationExecutionId string `json:"AutomationExecutionId"`
}

// Execute the automation for the event
func (f *Function) Execute(ctx context.Context, evt fleet.Event) fleet.Response {
	opts := f.opts
	if opts.Date.IsZero() {
		opts.Date = time.Now()
	}

	eks, err := clusters.FromEvent(f.action, evt.Clusters, opts)
	if err != nil {
		slog.Error("invalid input clusters", "function", f.Name(), "err", err)
		return fleet.FromError(err)
	}

	if len(eks) == 0 && f.required {
		return fleet.Fail(404, "No clusters provided")
	}

	locations, err := f.locations(ctx, evt, eks)
	if err != nil {
		slog.Error("failed to fetch targets", "function", f.Name(), "err", err)
		return fleet.Fail(500, "Error while fetching targets")
	}

	if len(locations) == 0 {
		return fleet.Fail(404, "Account details not found. Run /tenants/onboard API to onboard the tenants to DynamoDB")
	}

	parameters, err := f.parameters(opts.Date, evt.Parameters, eks)
	if err != nil {
		return fleet.Fail(500, fmt.Sprintf("Error while starting automation: %s", err))
	}

	maxConcurrency := evt.MaxConcurrency.Or(fleet.DefaultMaxConcurrency)
	maxErrors := evt.MaxErrors.Or(fleet.DefaultMaxErrors)

	id, err := f.launcher.Start(ctx, parameters, locations, string(maxConcurrency), string(maxErrors))
	if err != nil {
		slog.Error("failed to start automation", "function", f.Name(), "err", err)
		return fleet.Fail(500, fmt.Sprintf("Error while starting automation: %s", err))
	}

	return fleet.Ok(
		Request{
			TargetLocations: locations,
			Parameters:      parameters,
			MaxConcurrency:  maxConcurrency,
			MaxErrors:       maxErrors,
		},
		Started{AutomationExecutionId: id},
	)
}

func (f *Function) locations(ctx context.Context, evt fleet.Event, eks []fleet.Cluster) ([]fleet.Location, error) {
	if len(evt.Targets) != 0 {
		return targets.FromEvent(evt.Targets)
	}

	tenants, err := f.registry.Scan(ctx)
	if err != nil {
		return nil, err
	}

	return targets.Locations(targets.Select(tenants, eks)), nil
}

func (f *Function) parameters(date time.Time, override map[string]string, eks []fleet.Cluster) (map[string][]string, error) {
	lookup := func(key, def string) string {
		if v, has := override[key]; has && v != "" {
			return v
		}
		return def
	}

	if eks == nil {
		eks = []fleet.Cluster{}
	}

	encoded, err := json.Marshal(eks)
	if err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("logs/ssm/%s/%s", f.Name(), date.Format(time.DateOnly))

	params := map[string][]string{
		ParamAssumeRole:         {f.env.AssumeRole},
		ParamS3Bucket:           {f.env.Bucket},
		ParamS3Region:           {f.env.BucketRegion},
		ParamS3OutputLogsPrefix: {lookup(ParamS3OutputLogsPrefix, prefix)},
		ParamExecutionTimeout:   {lookup(ParamExecutionTimeout, f.env.ExecutionTimeout)},
		ParamEKSClusters:        {string(encoded)},
	}

	if f.action == fleet.ActionUpgrade {
		params[ParamUpdateSoftware] = []string{lookup(ParamUpdateSoftware, DefaultUpdateSoftware)}
	}

	return params, nil
}

// Handle is the lambda handler of the function
func (f *Function) Handle(ctx context.Context, evt fleet.Event) (fleet.Response, error) {
	rsp := f.Execute(ctx, evt)
	slog.Info("automation completed", "function", f.Name(), "status", rsp.StatusCode)
	return rsp, nil
}
