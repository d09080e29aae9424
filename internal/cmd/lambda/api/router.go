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
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/fogfish/eksfleet/internal/automation"
	"github.com/fogfish/eksfleet/internal/fleet"
	"github.com/fogfish/eksfleet/internal/reports"
	"github.com/fogfish/eksfleet/internal/tenants"
)

type Tracker interface {
	Status(ctx context.Context, id string) (*automation.Status, error)
}

type Reports interface {
	LatestDate(ctx context.Context, table string, cache bool) (string, error)
	Clusters(ctx context.Context, view reports.View, f reports.Filter, cache bool) ([]reports.Cluster, error)
}

type Onboarder interface {
	Onboard(ctx context.Context, req tenants.Request) fleet.Response
}

type Launcher interface {
	Launch(ctx context.Context, function string, payload []byte) json.RawMessage
}

// Automation lambdas
type Functions struct {
	Summary string
	Backup  string
	Upgrade string
}

// Router of REST API requests
type Router struct {
	functions Functions
	launcher  Launcher
	tracker   Tracker
	reports   Reports
	onboarder Onboarder
}

func New(functions Functions, launcher Launcher, tracker Tracker, reports Reports, onboarder Onboarder) *Router {
	return &Router{
		functions: functions,
		launcher:  launcher,
		tracker:   tracker,
		reports:   reports,
		onboarder: onboarder,
	}
}

func (r *Router) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	slog.Info("request", "method", req.HTTPMethod, "resource", req.Resource)

	switch req.HTTPMethod + " " + req.Resource {
	case "GET /clusters":
		return r.clusters(ctx, req.QueryStringParameters)
	case "GET /clusters/{execution_id}":
		return r.status(ctx, req.PathParameters["execution_id"])
	case "POST /clusters/summary":
		return r.launch(ctx, r.functions.Summary, req.Body, true)
	case "POST /clusters/backup", "POST /clusters/restore":
		return r.launch(ctx, r.functions.Backup, req.Body, false)
	case "PATCH /clusters/upgrade":
		return r.launch(ctx, r.functions.Upgrade, req.Body, false)
	case "PUT /tenants/onboard":
		return r.onboard(ctx, req.Body)
	default:
		return reply(fleet.Fail(http.StatusNotFound, fmt.Sprintf("Not found %s %s", req.HTTPMethod, req.Path)))
	}
}

//------------------------------------------------------------------------------

// Query of GET /clusters
type Query struct {
	AccountId               string `json:"AccountId,omitempty"`
	Region                  string `json:"Region,omitempty"`
	ClusterName             string `json:"ClusterName,omitempty"`
	Information             string `json:"Information"`
	ReportDate              string `json:"ReportDate"`
	InformationRelativeDate bool   `json:"InformationRelativeDate"`
	QueryCache              bool   `json:"QueryCache"`
}

type Clusters struct {
	Clusters []reports.Cluster `json:"Clusters"`
}

func (r *Router) clusters(ctx context.Context, params map[string]string) (events.APIGatewayProxyResponse, error) {
	q, err := query(params)
	if err != nil {
		return reply(fleet.FromError(err))
	}

	view, _ := reports.Lookup(q.Information)

	if q.ReportDate == "" {
		table := reports.TableMetadata
		if q.InformationRelativeDate {
			table = view.Table
		}

		q.ReportDate, err = r.reports.LatestDate(ctx, table, q.QueryCache)
		if err != nil {
			slog.Error("failed to fetch report date", "table", table, "err", err)
			return reply(fleet.Fail(http.StatusInternalServerError, err.Error()))
		}
	}

	seq, err := r.reports.Clusters(ctx, view,
		reports.Filter{
			AccountId:   q.AccountId,
			Region:      q.Region,
			ClusterName: q.ClusterName,
			Date:        q.ReportDate,
		},
		q.QueryCache,
	)
	if err != nil {
		slog.Error("failed to fetch cluster information", "information", q.Information, "err", err)
		return reply(fleet.Fail(http.StatusInternalServerError, err.Error()))
	}

	return reply(fleet.Ok(q, Clusters{Clusters: seq}))
}

func query(params map[string]string) (Query, error) {
	q := Query{
		AccountId:   params["AccountId"],
		Region:      params["Region"],
		ClusterName: params["ClusterName"],
		ReportDate:  params["ReportDate"],
		Information: "Metadata",
		QueryCache:  true,
	}

	if v, has := params["Information"]; has && v != "" {
		q.Information = v
	}

	for key, val := range map[string]*bool{
		"InformationRelativeDate": &q.InformationRelativeDate,
		"QueryCache":              &q.QueryCache,
	} {
		if v, has := params[key]; has {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return q, fleet.Unprocessable(fmt.Sprintf("Bad Request. %s should be boolean.", key))
			}
			*val = b
		}
	}

	if q.ReportDate != "" && q.InformationRelativeDate {
		return q, fleet.Unprocessable("ReportDate and InformationRelativeDate are mutually exclusive.")
	}

	if q.ReportDate != "" {
		if _, err := time.Parse(time.DateOnly, q.ReportDate); err != nil {
			return q, fleet.Unprocessable("Report date should be YYYY-mm-dd format.")
		}
	}

	if !reports.Supported(q.Information) {
		return q, fleet.Unprocessable(fmt.Sprintf("Information type %s not supported.", q.Information))
	}

	return q, nil
}

//------------------------------------------------------------------------------

func (r *Router) status(ctx context.Context, id string) (events.APIGatewayProxyResponse, error) {
	slog.Info("fetching automation status", "execution", id)

	status, err := r.tracker.Status(ctx, id)
	if err != nil {
		slog.Error("failed to fetch automation status", "execution", id, "err", err)
		return reply(fleet.Fail(http.StatusInternalServerError, err.Error()))
	}

	return reply(fleet.Response{StatusCode: http.StatusOK, Response: status})
}

//------------------------------------------------------------------------------

// launch automation lambda, the request is forwarded as automation event
func (r *Router) launch(ctx context.Context, function, body string, optional bool) (events.APIGatewayProxyResponse, error) {
	var evt fleet.Event

	switch {
	case body == "" && optional:
	case body == "":
		return reply(fleet.Fail(http.StatusBadRequest, "Bad Request. Body is required."))
	default:
		if err := json.Unmarshal([]byte(body), &evt); err != nil {
			return reply(fleet.Fail(http.StatusBadRequest, fmt.Sprintf("Bad Request. %s", err)))
		}
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return reply(fleet.Fail(http.StatusInternalServerError, err.Error()))
	}

	rsp := r.launcher.Launch(ctx, function, payload)

	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusAccepted,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(rsp),
	}, nil
}

//------------------------------------------------------------------------------

func (r *Router) onboard(ctx context.Context, body string) (events.APIGatewayProxyResponse, error) {
	var req tenants.Request
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return reply(fleet.Fail(http.StatusBadRequest, fmt.Sprintf("Bad Request. %s", err)))
	}

	return reply(r.onboarder.Onboard(ctx, req))
}

//------------------------------------------------------------------------------

func reply(rsp fleet.Response) (events.APIGatewayProxyResponse, error) {
	body, err := json.Marshal(rsp)
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}

	return events.APIGatewayProxyResponse{
		StatusCode: rsp.StatusCode,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}, nil
}
