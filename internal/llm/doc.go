// Package llm contains adapters for invoking large language models that turn
// a goal into a workflow plan. Providers return raw JSON content; parsing and
// validation of the plan happen in the planner package.
package llm
