package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// Class buckets provider failures by how the router should react.
type Class string

const (
	// ClassAuth: credential rejected. Rotate the profile.
	ClassAuth Class = "auth"
	// ClassRateLimit: throttled. Rotate the profile.
	ClassRateLimit Class = "rate_limit"
	// ClassQuota: billing or quota exhausted. Rotate and park the profile longer.
	ClassQuota Class = "quota"
	// ClassTransient: server or network trouble. Retry once, then rotate.
	ClassTransient Class = "transient"
	// ClassFatal: the request itself is bad. Do not rotate.
	ClassFatal Class = "fatal"
	// ClassCanceled: the caller gave up.
	ClassCanceled Class = "canceled"
)

// Error is a classified provider failure.
type Error struct {
	Provider string
	Class    Class
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies err and tags it with the provider name.
func Wrap(providerName string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	class, status := classify(err)
	return &Error{Provider: providerName, Class: class, Status: status, Err: err}
}

// Classify returns the class of err.
func Classify(err error) Class {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	class, _ := classify(err)
	return class
}

func classify(err error) (Class, int) {
	if errors.Is(err, context.Canceled) {
		return ClassCanceled, 0
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient, 0
	}

	status := 0
	var aerr *anthropic.Error
	var oerr *openai.Error
	switch {
	case errors.As(err, &aerr):
		status = aerr.StatusCode
	case errors.As(err, &oerr):
		status = oerr.StatusCode
	}

	msg := strings.ToLower(err.Error())
	if status > 0 {
		return classifyStatus(status, msg), status
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient, 0
	}

	switch {
	case strings.Contains(msg, "insufficient_quota"), strings.Contains(msg, "credit balance"):
		return ClassQuota, 0
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		return ClassRateLimit, 0
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid api key"):
		return ClassAuth, 0
	case strings.Contains(msg, "overloaded"), strings.Contains(msg, "connection reset"), strings.Contains(msg, "eof"):
		return ClassTransient, 0
	}
	return ClassFatal, 0
}

func classifyStatus(status int, msg string) Class {
	switch {
	case status == 401 || status == 403:
		return ClassAuth
	case status == 402:
		return ClassQuota
	case status == 429:
		if strings.Contains(msg, "insufficient_quota") || strings.Contains(msg, "billing") {
			return ClassQuota
		}
		return ClassRateLimit
	case status == 400 && (strings.Contains(msg, "credit balance") || strings.Contains(msg, "billing")):
		return ClassQuota
	case status == 408 || status == 409 || status >= 500:
		return ClassTransient
	default:
		return ClassFatal
	}
}
