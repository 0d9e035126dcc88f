package otp

import (
	"sort"
	"strings"

	"github.com/precious195/airbrain-sub000/internal/executor"
)

// Kind 描述验证码的下发渠道。
type Kind string

const (
	KindSMS           Kind = "sms"
	KindEmail         Kind = "email"
	KindAuthenticator Kind = "authenticator"
	KindUnknown       Kind = "unknown"
)

// DetectionThreshold 是判定为验证码页面的最低置信度。
const DetectionThreshold = 0.5

// Detection 是一次页面检测的结果。
type Detection struct {
	Detected      bool     `json:"detected"`
	Kind          Kind     `json:"kind"`
	InputLocator  string   `json:"input_locator,omitempty"`
	GroupLocators []string `json:"group_locators,omitempty"`
	SubmitLocator string   `json:"submit_locator,omitempty"`
	Confidence    float64  `json:"confidence"`
	Prompt        string   `json:"prompt"`
}

var (
	genericKeywords = []string{
		"verification code", "one-time", "one time password", "security code",
		"enter the code", "enter code", "verify your identity", "two-factor",
		"2-step", "2fa", "passcode", "验证码", "动态码",
	}
	kindKeywords = []struct {
		kind     Kind
		keywords []string
	}{
		{KindAuthenticator, []string{"authenticator", "authentication app", "totp", "身份验证器"}},
		{KindSMS, []string{"text message", "sms", "sent to your phone", "phone ending", "mobile number", "短信"}},
		{KindEmail, []string{"email", "e-mail", "inbox", "邮箱", "邮件"}},
	}
	inputHints  = []string{"one-time-code", "otp", "verification", "passcode", "code", "token"}
	submitWords = []string{"verify", "submit", "continue", "confirm", "sign in", "log in", "next", "验证", "提交", "确认"}
)

// Detect 根据可见文本与页面结构判断是否出现验证码检查点。
func Detect(page executor.PageSnapshot) Detection {
	text := strings.ToLower(page.Title + "\n" + page.Text)
	var (
		confidence float64
		input      string
		group      []string
	)

	if containsAny(text, genericKeywords) {
		confidence += 0.4
	}
	kind := KindUnknown
	for _, candidate := range kindKeywords {
		if containsAny(text, candidate.keywords) {
			kind = candidate.kind
			confidence += 0.1
			break
		}
	}

	if grouped := singleCharInputs(page.Inputs); len(grouped) >= 4 {
		confidence += 0.5
		group = grouped
		input = grouped[0]
	}
	if field, strong, ok := hintedInput(page.Inputs); ok {
		if strong {
			confidence += 0.5
		} else {
			confidence += 0.4
		}
		if input == "" {
			input = field.Locator
		}
	}

	if confidence > 1 {
		confidence = 1
	}
	det := Detection{
		Kind:          kind,
		InputLocator:  input,
		GroupLocators: group,
		Confidence:    confidence,
		Detected:      confidence >= DetectionThreshold,
	}
	if det.Detected {
		det.SubmitLocator = submitButton(page.Buttons)
		det.Prompt = promptFor(kind)
	}
	return det
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// singleCharInputs 返回 maxlength=1 的输入框，按出现顺序排列。
func singleCharInputs(inputs []executor.InputField) []string {
	var out []string
	for _, in := range inputs {
		if in.MaxLength == 1 && in.Type != "hidden" && in.Type != "password" {
			out = append(out, in.Locator)
		}
	}
	return out
}

// hintedInput 查找 name/id/autocomplete 等属性中带有验证码特征的输入框。
// autocomplete=one-time-code 视为强信号。
func hintedInput(inputs []executor.InputField) (executor.InputField, bool, bool) {
	type scored struct {
		field executor.InputField
		rank  int
	}
	var matches []scored
	for _, in := range inputs {
		if in.Type == "hidden" || in.Type == "password" {
			continue
		}
		if strings.EqualFold(in.Autocomplete, "one-time-code") {
			return in, true, true
		}
		attrs := strings.ToLower(strings.Join([]string{in.Name, in.ID, in.Autocomplete, in.Placeholder, in.Label}, " "))
		for rank, hint := range inputHints {
			if strings.Contains(attrs, hint) {
				matches = append(matches, scored{field: in, rank: rank})
				break
			}
		}
	}
	if len(matches) == 0 {
		return executor.InputField{}, false, false
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].rank < matches[j].rank })
	return matches[0].field, false, true
}

func submitButton(buttons []executor.Button) string {
	for _, word := range submitWords {
		for _, b := range buttons {
			if strings.Contains(strings.ToLower(b.Text), word) {
				return b.Locator
			}
		}
	}
	return ""
}

func promptFor(kind Kind) string {
	switch kind {
	case KindSMS:
		return "请输入发送到手机的短信验证码"
	case KindEmail:
		return "请输入发送到邮箱的验证码"
	case KindAuthenticator:
		return "请输入身份验证器应用中的动态码"
	default:
		return "目标系统要求输入验证码"
	}
}
