// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sink carries session emissions over a watermill message bus, so
// more than one front end can follow a session.
//
// WatermillSink publishes each emission as a JSON Event. Forward subscribes
// to the topic and hands decoded emissions to any session.Sink.
package sink
