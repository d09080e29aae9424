//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

package fleet

import (
	"encoding/json"
)

// Clusters requested by caller, grouped by action
type Clusters struct {
	Summary []Cluster `json:"Summary,omitempty"`
	Backup  []Cluster `json:"Backup,omitempty"`
	Restore []Cluster `json:"Restore,omitempty"`
	Upgrade []Cluster `json:"Upgrade,omitempty"`
}

// Event is the input of automation lambdas. It is either produced by
// the api lambda from REST request or supplied directly by operator.
type Event struct {
	// Input clusters, only the group relevant to the lambda is used
	Clusters Clusters `json:"Clusters,omitempty"`

	// Explicit targets, the registry of tenants is used if empty
	Targets []Tenant `json:"Targets,omitempty"`

	// Overrides of SSM document parameters
	// (e.g. S3OutputLogsPrefix, ExecutionTimeout, UpdateSoftware)
	Parameters map[string]string `json:"Parameters,omitempty"`

	// Max number of targets running the automation in parallel.
	//
	// Default: 10
	MaxConcurrency Limit `json:"MaxConcurrency,omitempty"`

	// Max number of errors before the automation is stopped.
	//
	// Default: 0
	MaxErrors Limit `json:"MaxErrors,omitempty"`
}

const (
	DefaultMaxConcurrency Limit = "10"
	DefaultMaxErrors      Limit = "0"
)

// Limit is SSM concurrency or error threshold. It is either absolute
// number or percentage, JSON number and string are accepted.
type Limit string

func (l *Limit) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*l = Limit(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}

	*l = Limit(n.String())
	return nil
}

// Or returns the limit or default value if limit is not defined
func (l Limit) Or(def Limit) Limit {
	if l == "" {
		return def
	}
	return l
}
