// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

// Package main implements the example echo plugin for roost.
//
// The plugin answers /echo/say with the request payload it received and
// serves /echo/ticks as a bounded stream of timestamped counters. It is
// the smallest useful exercise of the plugin SDK: routes, streams, the
// tunnel logger, configuration watching, and a deactivate hook.
//
// Build it next to its manifest:
//
//	go build -o plugins/echo/echo ./plugins/echo
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roostd/roost/pkg/sdk"
)

// Tick stream defaults, used when the request does not say otherwise.
const (
	defaultTickCount    = 5
	defaultTickInterval = time.Second
)

// tickRequest is the optional payload of /echo/ticks.
type tickRequest struct {
	Count      int `json:"count"`
	IntervalMs int `json:"interval_ms"`
}

// tick is one stream item.
type tick struct {
	Seq int       `json:"seq"`
	At  time.Time `json:"at"`
}

// EchoPlugin echoes requests back and streams ticks.
type EchoPlugin struct {
	rt *sdk.Runtime
}

// Activate registers the plugin's routes.
func (p *EchoPlugin) Activate(_ context.Context, rt *sdk.Runtime) error {
	p.rt = rt

	if err := rt.Route("/echo/say", p.say); err != nil {
		return err
	}
	if err := rt.Route("/echo/ticks", p.ticks); err != nil {
		return err
	}

	rt.WatchConfig(func(raw json.RawMessage) {
		rt.Logger().Debug("configuration snapshot received", "bytes", len(raw))
	})

	rt.Logger().Info("echo plugin activated", "dir", rt.Dir())
	return nil
}

// Deactivate is the graceful-shutdown hook.
func (p *EchoPlugin) Deactivate(_ context.Context) error {
	p.rt.Logger().Info("echo plugin deactivating")
	return nil
}

// say answers with the payload it was sent.
func (p *EchoPlugin) say(_ context.Context, req *sdk.Request) (*sdk.Result, error) {
	return &sdk.Result{Status: 200, Data: req.Data}, nil
}

// ticks streams count timestamped items, one per interval.
func (p *EchoPlugin) ticks(ctx context.Context, req *sdk.Request) (*sdk.Result, error) {
	count := defaultTickCount
	interval := defaultTickInterval
	if len(req.Data) > 0 {
		var tr tickRequest
		if err := json.Unmarshal(req.Data, &tr); err != nil {
			return nil, fmt.Errorf("invalid tick request: %w", err)
		}
		if tr.Count > 0 {
			count = tr.Count
		}
		if tr.IntervalMs > 0 {
			interval = time.Duration(tr.IntervalMs) * time.Millisecond
		}
	}

	st, res, err := sdk.NewStream(ctx)
	if err != nil {
		return nil, err
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for seq := 1; seq <= count; seq++ {
			<-ticker.C
			item, err := json.Marshal(tick{Seq: seq, At: time.Now().UTC()})
			if err != nil {
				st.CloseWithError(err)
				return
			}
			// Send fails once the consumer cancels; stop producing then.
			if err := st.Send(context.Background(), item); err != nil {
				return
			}
		}
		st.Close()
	}()

	return res, nil
}

func main() {
	sdk.Serve(&sdk.ServeConfig{
		Plugin: &EchoPlugin{},
	})
}
