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

package synth

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// DefaultLookbackHours is the default time window described by the hints
const DefaultLookbackHours = 24

// HintField is one field mentioned by a schema hint
type HintField struct {
	Name string `yaml:"name"`
	Type string `yaml:"type,omitempty"`
	Note string `yaml:"note,omitempty"`
}

// SchemaHint describes how to query one kind of log event
type SchemaHint struct {
	Name   string      `yaml:"name"`
	Fields []HintField `yaml:"fields"`
	Rules  []string    `yaml:"rules"`
}

// Catalog is the read-only set of schema hints given to the generation prompt
type Catalog struct {
	index string
	hours int
	hints []SchemaHint
}

var eventActions = `e.g. "login", "accept", "deny", "close", "server-rst", "client-rst", "dns", "timeout", "ssl-anomaly", "logged-on", "signature", "logged-off", "ssh_login"`

var logLevels = `e.g. "info", "error", "information", "warning", "notice", "alert", "warn", "critical"`

func builtinHints() []SchemaHint {
	timeRule := "Default time filter: @timestamp >= now-{hours}h unless the question specifies otherwise."
	return []SchemaHint{
		{
			Name: "Login",
			Fields: []HintField{
				{Name: "@timestamp"},
				{Name: "source.user.name", Type: "keyword"},
				{Name: "source.ip", Type: "ip"},
				{Name: "destination.ip", Type: "ip"},
				{Name: "event.action", Type: "keyword", Note: `e.g. "login"`},
				{Name: "event.outcome", Type: "keyword", Note: "success/failure"},
				{Name: "message", Type: "text"},
			},
			Rules: []string{
				timeRule,
				"For successful logins filter event.action like *login* and event.outcome == success.",
				"When counting or grouping, return meaningful columns (source.user.name, source.ip, count, last_seen).",
			},
		},
		{
			Name: "Find User",
			Rules: []string{
				timeRule,
				"Always use source.user.name to query the user.",
			},
		},
		{
			Name: "Failed Login",
			Fields: []HintField{
				{Name: "@timestamp"},
				{Name: "source.user.name"},
				{Name: "source.ip"},
				{Name: "destination.ip"},
				{Name: "event.action", Note: `"login"`},
				{Name: "event.outcome", Note: `"failure"`},
			},
			Rules: []string{
				timeRule,
				"Always filter event.action like *login* AND event.outcome == failure.",
			},
		},
		{
			Name: "Aggregation by IP",
			Fields: []HintField{
				{Name: "@timestamp"},
				{Name: "source.ip"},
				{Name: "destination.ip"},
				{Name: "event.action", Note: eventActions},
				{Name: "event.outcome"},
			},
			Rules: []string{
				timeRule,
				"When aggregating, group by source.ip and destination.ip.",
			},
		},
		{
			Name: "Firewall events",
			Fields: []HintField{
				{Name: "@timestamp"},
				{Name: "source.ip"},
				{Name: "destination.ip"},
				{Name: "destination.port"},
				{Name: "event.action", Note: eventActions},
				{Name: "rule.name", Note: `e.g. "TO_INTERNET_SDWAN", "AD_SERVICES", "BLOCK_EXTERNAL_DNS", "ADMIN_MGMT"`},
				{Name: "event.outcome"},
				{Name: "network.bytes", Type: "long"},
			},
			Rules: []string{
				timeRule,
				"When aggregating, group by event.action or rule.name.",
			},
		},
		{
			Name: "Warning",
			Fields: []HintField{
				{Name: "@timestamp"},
				{Name: "source.ip"},
				{Name: "source.user.name"},
				{Name: "destination.ip"},
				{Name: "destination.port"},
				{Name: "event.action", Note: eventActions},
				{Name: "log.level", Note: logLevels},
				{Name: "message"},
			},
			Rules: []string{timeRule},
		},
		{
			Name: "System Errors",
			Fields: []HintField{
				{Name: "@timestamp"},
				{Name: "host.name"},
				{Name: "log.level", Note: logLevels},
				{Name: "process.name"},
				{Name: "process.pid"},
				{Name: "message"},
			},
			Rules: []string{
				timeRule,
				"Always filter log.level in (error, critical, fatal).",
			},
		},
	}
}

// DefaultCatalog returns the built-in hints for index
func DefaultCatalog(index string) *Catalog {
	return &Catalog{index: index, hours: DefaultLookbackHours, hints: builtinHints()}
}

// LoadCatalog returns the built-in hints plus every *.yaml / *.yml file in
// dir. An empty dir yields the built-in catalog. Unreadable files are
// reported together; the readable ones are still loaded.
func LoadCatalog(dir, index string) (*Catalog, error) {
	catalog := DefaultCatalog(index)
	if dir == "" {
		return catalog, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return catalog, fmt.Errorf("failed to read schema directory %s: %w", dir, err)
	}

	var result *multierror.Error
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		var hints []SchemaHint
		if err := yaml.Unmarshal(data, &hints); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", path, err))
			continue
		}
		for _, hint := range hints {
			if hint.Name != "" {
				catalog.hints = append(catalog.hints, hint)
			}
		}
	}

	return catalog, result.ErrorOrNil()
}

// Hints returns a copy of the catalog's hints
func (c *Catalog) Hints() []SchemaHint {
	out := make([]SchemaHint, len(c.hints))
	copy(out, c.hints)
	return out
}

// Fields returns the sorted distinct field names the hints mention
func (c *Catalog) Fields() []string {
	seen := make(map[string]struct{})
	for _, hint := range c.hints {
		for _, f := range hint.Fields {
			seen[f.Name] = struct{}{}
		}
	}
	fields := make([]string, 0, len(seen))
	for name := range seen {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	return fields
}

// Render formats the hints as prompt text
func (c *Catalog) Render() string {
	var sb strings.Builder
	hours := fmt.Sprintf("%d", c.hours)
	for i, hint := range c.hints {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(hint.Name)
		sb.WriteString("\n")
		fmt.Fprintf(&sb, "Index pattern: %s.\n", c.index)
		for _, f := range hint.Fields {
			sb.WriteString("- ")
			sb.WriteString(f.Name)
			switch {
			case f.Type != "" && f.Note != "":
				fmt.Fprintf(&sb, " (%s, %s)", f.Type, f.Note)
			case f.Type != "":
				fmt.Fprintf(&sb, " (%s)", f.Type)
			case f.Note != "":
				fmt.Fprintf(&sb, " (%s)", f.Note)
			}
			sb.WriteString("\n")
		}
		for _, rule := range hint.Rules {
			sb.WriteString(strings.ReplaceAll(rule, "{hours}", hours))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
