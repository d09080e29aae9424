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
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/fogfish/eksfleet/internal/fleet"
)

type Lambda interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// Invoker launches automation lambdas
type Invoker struct {
	api            Lambda
	invocationType types.InvocationType
	logType        types.LogType
}

func NewInvoker(api Lambda, invocationType, logType string) *Invoker {
	if invocationType == "" {
		invocationType = string(types.InvocationTypeRequestResponse)
	}

	if logType == "" {
		logType = string(types.LogTypeTail)
	}

	return &Invoker{
		api:            api,
		invocationType: types.InvocationType(invocationType),
		logType:        types.LogType(logType),
	}
}

// Launch invokes function and returns its payload. Failures are encoded
// into error envelope.
func (i *Invoker) Launch(ctx context.Context, function string, payload []byte) json.RawMessage {
	slog.Info("invoking automation", "function", function)

	val, err := i.api.Invoke(ctx,
		&lambda.InvokeInput{
			FunctionName:   aws.String(function),
			InvocationType: i.invocationType,
			LogType:        i.logType,
			Payload:        payload,
		},
	)
	if err != nil {
		slog.Error("failed to invoke lambda", "function", function, "err", err)
		return encode(fleet.Fail(http.StatusInternalServerError, err.Error()))
	}

	if val.FunctionError != nil {
		slog.Error("automation failed", "function", function, "err", aws.ToString(val.FunctionError))
	}

	// asynchronous and dry run invocations have no payload
	if len(val.Payload) == 0 {
		return encode(fleet.Response{StatusCode: int(val.StatusCode)})
	}

	return json.RawMessage(val.Payload)
}

func encode(rsp fleet.Response) json.RawMessage {
	b, _ := json.Marshal(rsp)
	return b
}
