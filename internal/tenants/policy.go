//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

package tenants

import (
	"encoding/json"
	"fmt"
	"slices"
)

const (
	SidBucketAccess = "CrossAccountBucketAccess"
	SidObjectAccess = "CrossAccountObjectAccess"
)

// IAM policy document
type Policy struct {
	Version   string      `json:"Version,omitempty"`
	Statement []Statement `json:"Statement,omitempty"`
}

type Statement struct {
	Sid       string    `json:"Sid,omitempty"`
	Effect    string    `json:"Effect"`
	Principal Principal `json:"Principal"`
	Action    Strings   `json:"Action"`
	Resource  Strings   `json:"Resource"`
}

type Principal struct {
	AWS Strings `json:"AWS,omitempty"`
}

// Strings is IAM value given either as string or list of strings
type Strings []string

func (s *Strings) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*s = Strings{one}
		return nil
	}

	var seq []string
	if err := json.Unmarshal(b, &seq); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*s = seq
	return nil
}

// Join value to the set
func (s Strings) Join(x string) Strings {
	if slices.Contains(s, x) {
		return s
	}
	return append(s, x)
}

// Principals of the statement
func (p Policy) Principals(sid string) Strings {
	for _, st := range p.Statement {
		if st.Sid == sid {
			return slices.Clone(st.Principal.AWS)
		}
	}
	return Strings{}
}

// NewPolicy grants principals access to the bucket
func NewPolicy(bucket string, principals Strings) Policy {
	return Policy{
		Version: "2012-10-17",
		Statement: []Statement{
			{
				Sid:       SidBucketAccess,
				Effect:    "Allow",
				Principal: Principal{AWS: principals},
				Action:    Strings{"s3:ListBucket"},
				Resource:  Strings{"arn:aws:s3:::" + bucket},
			},
			{
				Sid:       SidObjectAccess,
				Effect:    "Allow",
				Principal: Principal{AWS: principals},
				Action:    Strings{"s3:GetObject", "s3:PutObject", "s3:PutObjectAcl"},
				Resource:  Strings{"arn:aws:s3:::" + bucket + "/*"},
			},
		},
	}
}
