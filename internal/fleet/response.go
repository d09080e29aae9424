//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

package fleet

import (
	"errors"
	"net/http"
)

// Response envelope used by lambdas
//
//	{"StatusCode": 200, "Request": {...}, "Response": {...}}
//	{"StatusCode": 404, "Response": {"Error": {"Message": "..."}}}
type Response struct {
	StatusCode int `json:"StatusCode"`
	Request    any `json:"Request,omitempty"`
	Response   any `json:"Response,omitempty"`
}

type Issue struct {
	Message string `json:"Message"`
}

type Failure struct {
	Error Issue `json:"Error"`
}

func Ok(req, rsp any) Response {
	return Response{StatusCode: http.StatusOK, Request: req, Response: rsp}
}

func Fail(status int, message string) Response {
	return Response{
		StatusCode: status,
		Response:   Failure{Error: Issue{Message: message}},
	}
}

// Error carries the status code to report to the client
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func NotFound(message string) error {
	return &Error{Status: http.StatusNotFound, Message: message}
}

func Unprocessable(message string) error {
	return &Error{Status: http.StatusUnprocessableEntity, Message: message}
}

func Internal(message string, err error) error {
	return &Error{Status: http.StatusInternalServerError, Message: message, Err: err}
}

// StatusOf returns the status code associated with error, 500 by default
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}

// FromError converts error to response envelope. The cause of *Error is
// logged by the caller but never exposed to the client.
func FromError(err error) Response {
	var e *Error
	if errors.As(err, &e) {
		return Fail(e.Status, e.Message)
	}
	return Fail(http.StatusInternalServerError, err.Error())
}
