// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"github.com/Bazza1982/lily-remote/driver"
	"github.com/Bazza1982/lily-remote/lib/apierror"
)

// Parameter maps arrive through CBOR decoding, so numbers show up as
// any of the integer widths or float64 depending on the encoder.

func intParam(params map[string]any, key string) (int, error) {
	value, ok := params[key]
	if !ok {
		return 0, apierror.New(apierror.KindInvalidArgument,
			"missing parameter %q", key)
	}
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, apierror.New(apierror.KindInvalidArgument,
				"parameter %q must be an integer", key)
		}
		return int(v), nil
	default:
		return 0, apierror.New(apierror.KindInvalidArgument,
			"parameter %q must be an integer", key)
	}
}

func stringParam(params map[string]any, key string) (string, error) {
	value, ok := params[key]
	if !ok {
		return "", apierror.New(apierror.KindInvalidArgument,
			"missing parameter %q", key)
	}
	s, ok := value.(string)
	if !ok {
		return "", apierror.New(apierror.KindInvalidArgument,
			"parameter %q must be a string", key)
	}
	return s, nil
}

func stringListParam(params map[string]any, key string) ([]string, error) {
	value, ok := params[key]
	if !ok {
		return nil, apierror.New(apierror.KindInvalidArgument,
			"missing parameter %q", key)
	}
	switch v := value.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, apierror.New(apierror.KindInvalidArgument,
					"parameter %q must be a list of strings", key)
			}
			out[i] = s
		}
		if len(out) == 0 {
			return nil, apierror.New(apierror.KindInvalidArgument,
				"parameter %q must not be empty", key)
		}
		return out, nil
	default:
		return nil, apierror.New(apierror.KindInvalidArgument,
			"parameter %q must be a list of strings", key)
	}
}

func pointParam(params map[string]any, xKey, yKey string) (driver.Point, error) {
	x, err := intParam(params, xKey)
	if err != nil {
		return driver.Point{}, err
	}
	y, err := intParam(params, yKey)
	if err != nil {
		return driver.Point{}, err
	}
	return driver.Point{X: x, Y: y}, nil
}

// buttonParam reads the optional "button" parameter, defaulting to
// the left button.
func buttonParam(params map[string]any) (driver.Button, error) {
	value, ok := params["button"]
	if !ok {
		return driver.ButtonLeft, nil
	}
	s, ok := value.(string)
	if !ok {
		return "", apierror.New(apierror.KindInvalidArgument,
			"parameter \"button\" must be a string")
	}
	switch button := driver.Button(s); button {
	case driver.ButtonLeft, driver.ButtonRight, driver.ButtonMiddle:
		return button, nil
	default:
		return "", apierror.New(apierror.KindInvalidArgument,
			"unknown button %q", s)
	}
}
