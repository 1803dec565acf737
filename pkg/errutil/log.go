// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

// Package errutil logs and asserts the structured errors built with oops.
package errutil

import (
	"log/slog"
	"maps"
	"slices"

	"github.com/samber/oops"
)

// LogError logs err at error level. Oops errors contribute their code,
// context, and stacktrace as flat attributes, context keys in sorted order;
// plain errors log as a single error attribute.
func LogError(logger *slog.Logger, msg string, err error) {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		logger.Error(msg, "error", err)
		return
	}
	attrs := []any{"error", oopsErr.Error()}
	if code := oopsErr.Code(); code != nil {
		attrs = append(attrs, "code", code)
	}
	ctx := oopsErr.Context()
	for _, key := range slices.Sorted(maps.Keys(ctx)) {
		attrs = append(attrs, key, ctx[key])
	}
	if stack := oopsErr.Stacktrace(); stack != "" {
		attrs = append(attrs, "stacktrace", stack)
	}
	logger.Error(msg, attrs...)
}
