package jobs

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/sonerady/dires-server/internal/provider"
)

// ErrorClass is how a provider failure should be settled.
type ErrorClass string

const (
	ClassNone             ErrorClass = "none"
	ClassRetryable        ErrorClass = "retryable"
	ClassSensitiveContent ErrorClass = "sensitive_content"
	ClassFatal            ErrorClass = "fatal"
	ClassTimeout          ErrorClass = "timeout"
	ClassFailed           ErrorClass = "failed"
)

// Signal is everything known about one provider failure.
type Signal struct {
	// Code is the provider's structured error code, when it sends one.
	Code       string
	StatusCode int
	Message    string
	// Transport is set when the request never produced a provider response.
	Transport bool
}

// Rule maps a matching Signal to a class. Rules are evaluated in order; first match wins.
type Rule struct {
	Name  string
	Class ErrorClass
	Match func(Signal) bool
}

type Classifier struct {
	Rules []Rule
}

// Classify returns the class and rule name of the first matching rule, or ClassFailed.
func (c *Classifier) Classify(sig Signal) (ErrorClass, string) {
	if c == nil {
		return ClassFailed, ""
	}
	for _, r := range c.Rules {
		if r.Match != nil && r.Match(sig) {
			return r.Class, r.Name
		}
	}
	return ClassFailed, ""
}

// Append adds rules after the existing ones.
func (c *Classifier) Append(rules ...Rule) {
	c.Rules = append(c.Rules, rules...)
}

// Prepend adds rules ahead of the existing ones.
func (c *Classifier) Prepend(rules ...Rule) {
	c.Rules = append(append([]Rule{}, rules...), c.Rules...)
}

func codeIn(codes ...string) func(Signal) bool {
	set := map[string]bool{}
	for _, c := range codes {
		set[strings.ToLower(c)] = true
	}
	return func(s Signal) bool {
		return s.Code != "" && set[strings.ToLower(strings.TrimSpace(s.Code))]
	}
}

func messageContains(needles ...string) func(Signal) bool {
	return func(s Signal) bool {
		m := strings.ToLower(s.Message)
		if m == "" {
			return false
		}
		for _, n := range needles {
			if strings.Contains(m, n) {
				return true
			}
		}
		return false
	}
}

func statusIn(codes ...int) func(Signal) bool {
	return func(s Signal) bool {
		for _, c := range codes {
			if s.StatusCode == c {
				return true
			}
		}
		return false
	}
}

// DefaultClassifier orders rules fatal, then sensitive content, then retryable.
// Code rules come before message-substring rules in each group; the substring rules cover
// providers that only report free text.
func DefaultClassifier() *Classifier {
	return &Classifier{Rules: []Rule{
		{Name: "fatal_code", Class: ClassFatal, Match: codeIn("interrupted", "prediction_interrupted", "E8765", "PA")},
		{Name: "fatal_message", Class: ClassFatal, Match: messageContains("prediction interrupted", "interrupted", "director: unexpected error", "code: pa")},
		{Name: "sensitive_code", Class: ClassSensitiveContent, Match: codeIn("E005", "nsfw", "content_policy", "sensitive_content")},
		{Name: "sensitive_message", Class: ClassSensitiveContent, Match: messageContains("sensitive", "nsfw", "content policy", "safety filter", "flagged")},
		{Name: "retryable_code", Class: ClassRetryable, Match: codeIn("E003", "capacity", "rate_limited", "overloaded")},
		{Name: "retryable_status", Class: ClassRetryable, Match: statusIn(http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout)},
		{Name: "retryable_message", Class: ClassRetryable, Match: messageContains("high demand", "temporarily unavailable", "try again", "service unavailable", "capacity")},
		{Name: "retryable_transport", Class: ClassRetryable, Match: func(s Signal) bool { return s.Transport }},
	}}
}

// SignalFromError builds a Signal from a submission or status-call error.
func SignalFromError(err error) Signal {
	if err == nil {
		return Signal{}
	}
	if ae, ok := provider.IsAPIError(err); ok {
		return Signal{Code: ae.Code, StatusCode: ae.StatusCode, Message: ae.Detail}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Signal{Message: err.Error(), Transport: true}
	}
	return Signal{Message: err.Error()}
}

// SignalFromPrediction builds a Signal from a failed prediction.
func SignalFromPrediction(p provider.Prediction) Signal {
	return Signal{Code: p.ErrorCode, Message: p.Error}
}
