// Copyright 2013 The Camlistore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging builds the agent's structured logging sink. It plays the
// role the teacher's pkg/cmdmain verbosity gate and camput's "cachelog"
// play (a global, verbosity-controlled logger), but backed by zap instead
// of a plain *log.Logger.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a console-encoded logger writing to stderr. verbose raises the
// level from info to debug, mirroring the -verbose flag in the teacher's
// cmdmain package.
func New(verbose bool) *zap.SugaredLogger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.TimeKey = "ts"

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.Lock(zapcore.AddSync(os.Stderr)),
		level,
	)
	return zap.New(core).Sugar()
}

// LogCauseChain logs a hard or soft failure the way spec.md §7 asks for: one
// line per error in the Unwrap chain, outermost first (depth 0), with the
// most specific cause last. zap's structured
// fields replace the literal leading-space indentation the Rust original
// prints with a "depth" field instead, which survives log aggregation.
func LogCauseChain(log *zap.SugaredLogger, msg string, err error) {
	depth := 0
	for e := err; e != nil; e = unwrap(e) {
		log.Warnw(msg, "cause", e.Error(), "depth", depth)
		depth++
	}
}

func unwrap(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return nil
}
