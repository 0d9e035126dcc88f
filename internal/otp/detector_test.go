package otp

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/precious195/airbrain-sub000/internal/executor"
)

func TestDetect(t *testing.T) {
	cases := []struct {
		name     string
		page     executor.PageSnapshot
		detected bool
		kind     Kind
		input    string
		submit   string
	}{
		{
			name: "sms code with hinted input",
			page: executor.PageSnapshot{
				Text:    "We sent a verification code by text message to your phone ending in 42.",
				Inputs:  []executor.InputField{{Locator: "#otp", Name: "otp_code"}},
				Buttons: []executor.Button{{Locator: "#resend", Text: "Resend"}, {Locator: "#go", Text: "Verify"}},
			},
			detected: true, kind: KindSMS, input: "#otp", submit: "#go",
		},
		{
			name: "grouped single character inputs",
			page: executor.PageSnapshot{
				Text: "Enter the code from your authenticator app",
				Inputs: []executor.InputField{
					{Locator: "#d1", MaxLength: 1}, {Locator: "#d2", MaxLength: 1},
					{Locator: "#d3", MaxLength: 1}, {Locator: "#d4", MaxLength: 1},
					{Locator: "#d5", MaxLength: 1}, {Locator: "#d6", MaxLength: 1},
				},
			},
			detected: true, kind: KindAuthenticator, input: "#d1",
		},
		{
			name: "autocomplete one-time-code without keywords",
			page: executor.PageSnapshot{
				Inputs: []executor.InputField{{Locator: "input[name=c]", Autocomplete: "one-time-code"}},
			},
			detected: true, kind: KindUnknown, input: "input[name=c]",
		},
		{
			name: "login form",
			page: executor.PageSnapshot{
				Text: "Sign in to your account",
				Inputs: []executor.InputField{
					{Locator: "#user", Name: "username"},
					{Locator: "#pass", Name: "password", Type: "password"},
				},
			},
			detected: false,
		},
		{
			name: "keyword alone is not enough",
			page: executor.PageSnapshot{Text: "Two-factor authentication protects your account."},
			detected: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			det := Detect(tc.page)
			assert.Equal(t, tc.detected, det.Detected, "confidence %.2f", det.Confidence)
			if !tc.detected {
				return
			}
			assert.GreaterOrEqual(t, det.Confidence, DetectionThreshold)
			assert.LessOrEqual(t, det.Confidence, 1.0)
			assert.Equal(t, tc.kind, det.Kind)
			assert.Equal(t, tc.input, det.InputLocator)
			assert.Equal(t, tc.submit, det.SubmitLocator)
			assert.NotEmpty(t, det.Prompt)
		})
	}
}
