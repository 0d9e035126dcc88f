// Package api exposes the REST surface: task submission, workflow and session
// inspection, OTP and approval responses, health and Prometheus metrics.
package api
