package cron

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nomis52/goactivity/triggers"
)

const (
	triggerSeparator      = ";"
	selectorSeparator     = ":"
	selectorListSeparator = ","
)

// Catalog reports which selectors can be scheduled.
type Catalog interface {
	Has(selector string) bool
	Selectors() []string
}

// TriggerSpec represents a parsed trigger specification with selectors and cron schedule.
type TriggerSpec struct {
	Selectors []string
	CronSpec  string
}

// ParseTriggerSpecs parses a multi-trigger specification string into individual trigger specs.
// The format is: selector1,selector2:cron_expression;selector3:cron_expression2
//
// Example:
//
//	"MoveTray,Recover:0 2 * * *;Calibrate:@daily"
//
// Returns an error if:
//   - Any trigger is missing selectors or cron expression
//   - Any selector is not in the catalog
//   - Any cron expression is invalid
//   - Any trigger has duplicate selectors
func ParseTriggerSpecs(spec string, catalog Catalog) ([]TriggerSpec, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("cron spec cannot be empty")
	}

	triggerStrs := strings.Split(spec, triggerSeparator)
	specs := make([]TriggerSpec, 0, len(triggerStrs))

	for _, triggerStr := range triggerStrs {
		triggerStr = strings.TrimSpace(triggerStr)
		if triggerStr == "" {
			continue // trailing semicolon
		}

		triggerSpec, err := parseSingleTrigger(triggerStr, catalog)
		if err != nil {
			return nil, err
		}
		specs = append(specs, triggerSpec)
	}

	if len(specs) == 0 {
		return nil, errors.New("no valid triggers found in cron spec")
	}

	return specs, nil
}

// parseSingleTrigger parses a single trigger specification.
func parseSingleTrigger(triggerStr string, catalog Catalog) (TriggerSpec, error) {
	selectorsStr, cronSpec, ok := strings.Cut(triggerStr, selectorSeparator)
	if !ok || strings.Contains(cronSpec, selectorSeparator) {
		return TriggerSpec{}, fmt.Errorf("invalid trigger spec: expected format 'selectors:cron', got '%s'", triggerStr)
	}

	selectorsStr = strings.TrimSpace(selectorsStr)
	cronSpec = strings.TrimSpace(cronSpec)

	if selectorsStr == "" {
		return TriggerSpec{}, fmt.Errorf("invalid trigger spec: missing selectors in '%s'", triggerStr)
	}
	if cronSpec == "" {
		return TriggerSpec{}, fmt.Errorf("invalid trigger spec: missing cron schedule in '%s'", triggerStr)
	}

	selectorStrs := strings.Split(selectorsStr, selectorListSeparator)
	selectors := make([]string, 0, len(selectorStrs))
	seen := make(map[string]bool, len(selectorStrs))

	for _, s := range selectorStrs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}

		if seen[s] {
			return TriggerSpec{}, fmt.Errorf("invalid trigger spec: duplicate selector '%s' in '%s'", s, triggerStr)
		}
		seen[s] = true

		if !catalog.Has(s) {
			return TriggerSpec{}, fmt.Errorf("invalid trigger spec: unknown selector '%s' in '%s' (available: %s)",
				s, triggerStr, strings.Join(catalog.Selectors(), ", "))
		}

		selectors = append(selectors, s)
	}

	if len(selectors) == 0 {
		return TriggerSpec{}, fmt.Errorf("invalid trigger spec: no valid selectors in '%s'", triggerStr)
	}

	if _, err := triggers.ParseSchedule(cronSpec); err != nil {
		return TriggerSpec{}, fmt.Errorf("invalid trigger spec: invalid cron expression in '%s': %w", triggerStr, err)
	}

	return TriggerSpec{
		Selectors: selectors,
		CronSpec:  cronSpec,
	}, nil
}
