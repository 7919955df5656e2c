// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package search

import (
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// Kind is the label of an execution outcome
type Kind string

// Outcome kinds
const (
	DataFound   Kind = "DataFound"
	NoData      Kind = "NoData"
	EngineFault Kind = "EngineError"
)

// ErrorClass buckets engine error text by known signatures
type ErrorClass string

// Error classes in matching priority order
const (
	ClassParsing         ErrorClass = "parsing"
	ClassInvalidArgument ErrorClass = "invalid-argument"
	ClassMissingMapping  ErrorClass = "missing-mapping"
	ClassBadRequest      ErrorClass = "bad-request"
	ClassIndexNotFound   ErrorClass = "index-not-found"
	ClassOther           ErrorClass = "other"
)

var errorSignatures = []struct {
	class      ErrorClass
	signatures []string
}{
	{ClassParsing, []string{"parsing_exception"}},
	{ClassInvalidArgument, []string{"illegal_argument_exception"}},
	{ClassMissingMapping, []string{"No mapping found"}},
	{ClassBadRequest, []string{"status 400", "400 Bad Request", `"status":400`}},
	{ClassIndexNotFound, []string{"index_not_found_exception"}},
}

// Structural reports whether the error points at the query's shape, which a
// regenerated query may fix.
func (c ErrorClass) Structural() bool {
	switch c {
	case ClassParsing, ClassInvalidArgument, ClassBadRequest:
		return true
	default:
		return false
	}
}

const maxDescriptionLength = 200

// Description is a short human readable explanation of the class
func (c ErrorClass) Description(message string) string {
	switch c {
	case ClassParsing:
		return "Query syntax error - Invalid JSON structure or field mapping"
	case ClassInvalidArgument:
		return "Invalid argument - Check field names and aggregation syntax"
	case ClassMissingMapping:
		return "Field mapping error - Field does not exist in index"
	case ClassBadRequest:
		return "Bad Request - Query structure or field validation failed"
	case ClassIndexNotFound:
		return "Index not found - Check index name and existence"
	default:
		if utf8.RuneCountInString(message) > maxDescriptionLength {
			return string([]rune(message)[:maxDescriptionLength]) + "..."
		}
		return message
	}
}

// ClassifyError buckets raw error text, first signature wins
func ClassifyError(message string) ErrorClass {
	for _, entry := range errorSignatures {
		for _, sig := range entry.signatures {
			if strings.Contains(message, sig) {
				return entry.class
			}
		}
	}
	return ClassOther
}

// ErrorMessage extracts the classification text from an error
func ErrorMessage(err error) string {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Message()
	}
	return err.Error()
}

// Outcome is the classified result of one execution
type Outcome struct {
	Kind            Kind            `json:"kind"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Reason          ErrorClass      `json:"reason,omitempty"`
	RawMessage      string          `json:"raw_message,omitempty"`
	StatusCode      int             `json:"status_code,omitempty"`
	HitCount        int             `json:"hit_count"`
	TotalHits       int64           `json:"total_hits"`
	HasAggregations bool            `json:"has_aggregations"`
}

// Repairable reports whether the outcome should trigger one self-repair
func (o Outcome) Repairable() bool {
	return o.Kind == EngineFault && o.Reason.Structural()
}

// Classify labels a successful response. Sampled hits or an aggregations
// block mean data was found whatever the reported total; a payload that
// cannot be parsed is passed through as data.
func Classify(payload []byte) Outcome {
	outcome := Outcome{Kind: DataFound, Payload: json.RawMessage(payload)}
	if !gjson.ValidBytes(payload) {
		return outcome
	}

	hits := gjson.GetBytes(payload, "hits.hits")
	if hits.IsArray() {
		outcome.HitCount = len(hits.Array())
	}
	total := gjson.GetBytes(payload, "hits.total")
	if total.IsObject() {
		outcome.TotalHits = total.Get("value").Int()
	} else {
		outcome.TotalHits = total.Int()
	}
	outcome.HasAggregations = gjson.GetBytes(payload, "aggregations").Exists()

	if outcome.HitCount == 0 && !outcome.HasAggregations {
		outcome.Kind = NoData
	}
	return outcome
}

// FailedOutcome classifies a failed execution
func FailedOutcome(err error) Outcome {
	message := ErrorMessage(err)
	outcome := Outcome{
		Kind:       EngineFault,
		Reason:     ClassifyError(message),
		RawMessage: message,
	}
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		outcome.StatusCode = engineErr.StatusCode
	}
	return outcome
}
